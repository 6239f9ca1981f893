// Command voicewire is the conversational audio client: it captures
// microphone audio, detects speech, and exchanges it with an agent service
// over a streaming WebSocket session or a batch webhook.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicewire/voicewire/internal/config"
	"github.com/voicewire/voicewire/internal/conversation"
	"github.com/voicewire/voicewire/internal/health"
	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/pipeline"
	"github.com/voicewire/voicewire/internal/resilience"
	"github.com/voicewire/voicewire/internal/webhook"
	"github.com/voicewire/voicewire/pkg/audio"
	"github.com/voicewire/voicewire/pkg/session"
	"github.com/voicewire/voicewire/pkg/vad"
)

// version is stamped by the release build.
var version = "dev"

// restartDelay is the pause before starting the next conversation after one
// ends on an error or a duration ceiling.
const restartDelay = 2 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	// The level lives in a LevelVar so the config watcher can retune it live.
	levelVar := new(slog.LevelVar)
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})))

	// ── Configuration (with hot reload) ───────────────────────────────────────
	onReload := func(old, new *config.Config) {
		d := config.Diff(old, new)
		if d.LogLevelChanged {
			levelVar.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level updated", "level", d.NewLogLevel)
		}
		if d.VADChanged {
			slog.Info("vad tuning updated, takes effect on the next conversation")
		}
		if d.RestartNeeded {
			slog.Warn("configuration changes require a restart to take effect")
		}
	}
	watcher, err := config.NewWatcher(*configPath, onReload)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "voicewire: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "voicewire: %v\n", err)
		}
		return 1
	}
	defer watcher.Stop()

	cfg := watcher.Current()
	levelVar.Set(slogLevel(cfg.Server.LogLevel))

	slog.Info("voicewire starting",
		"version", version,
		"config", *configPath,
		"mode", cfg.Conversation.Mode,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownOTel, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "voicewire",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownOTel(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Audio devices ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinDevices(reg)

	capture, err := reg.CreateCapture(cfg.Devices.Capture)
	if err != nil {
		slog.Error("failed to create capture device", "name", cfg.Devices.Capture.Name, "err", err)
		return 1
	}
	output, err := reg.CreateOutput(cfg.Devices.Output)
	if err != nil {
		slog.Error("failed to create output device", "name", cfg.Devices.Output.Name, "err", err)
		return 1
	}

	greeting, greetingRate, greetingChannels, err := loadGreeting(cfg.Conversation.GreetingWAV)
	if err != nil {
		slog.Error("failed to load greeting", "path", cfg.Conversation.GreetingWAV, "err", err)
		return 1
	}

	// ── Pipeline ──────────────────────────────────────────────────────────────
	pipe, err := pipeline.New(pipeline.Config{
		CaptureRate:     capture.SampleRate(),
		OutputRate:      output.SampleRate(),
		OutputChannels:  output.Channels(),
		WireRate:        cfg.Pipeline.WireRate,
		ChunkInterval:   cfg.Pipeline.ChunkInterval.Std(),
		CaptureBuffer:   cfg.Pipeline.CaptureBuffer.Std(),
		PlaybackBuffer:  cfg.Pipeline.PlaybackBuffer.Std(),
		PlaybackPreroll: cfg.Pipeline.PlaybackPreroll.Std(),
	}, nil, metrics)
	if err != nil {
		slog.Error("failed to create pipeline", "err", err)
		return 1
	}

	// ── Webhook client (webhook mode only) ────────────────────────────────────
	var hookClient *webhook.Client
	if cfg.Conversation.Mode == config.ModeWebhook {
		hookClient, err = webhook.NewClient(webhook.ClientConfig{
			URL:                 cfg.Webhook.URL,
			Timeout:             cfg.Webhook.Timeout.Std(),
			BreakerMaxFailures:  cfg.Webhook.BreakerMaxFailures,
			BreakerResetTimeout: cfg.Webhook.BreakerResetTimeout.Std(),
		}, metrics)
		if err != nil {
			slog.Error("failed to create webhook client", "err", err)
			return 1
		}
	}

	// ── Diagnostic HTTP server ────────────────────────────────────────────────
	// currentOrch lets the readiness probe follow the per-conversation
	// orchestrator rebuilds.
	var currentOrch atomic.Pointer[conversation.Orchestrator]

	if cfg.Server.ListenAddr != "" {
		checks := health.New(health.Probe{
			Name: "conversation",
			Check: func(context.Context) error {
				if o := currentOrch.Load(); o == nil || !o.Active() {
					return errors.New("no active conversation")
				}
				return nil
			},
		})
		if hookClient != nil {
			checks.Add(health.Probe{
				Name: "webhook",
				Check: func(context.Context) error {
					if hookClient.BreakerState() == resilience.StateOpen {
						return errors.New("circuit breaker open")
					}
					return nil
				},
			})
		}

		mux := http.NewServeMux()
		mux.Handle("GET /metrics", promhttp.Handler())
		checks.Register(mux)

		srv := &http.Server{
			Addr:    cfg.Server.ListenAddr,
			Handler: observe.Middleware(metrics)(mux),
		}
		go func() {
			slog.Info("diagnostic server listening", "addr", cfg.Server.ListenAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("diagnostic server", "err", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	printStartupSummary(cfg)

	// ── Conversation loop ─────────────────────────────────────────────────────
	// Each iteration builds a fresh orchestrator from the latest config, so
	// hot-reloaded VAD tuning lands on the next conversation.
	for ctx.Err() == nil {
		cfg := watcher.Current()

		orch, err := buildOrchestrator(cfg, conversation.Deps{
			Capture:  capture,
			Output:   output,
			Pipeline: pipe,
			Metrics:  metrics,
		}, capture.SampleRate(), hookClient, greeting, greetingRate, greetingChannels, metrics)
		if err != nil {
			slog.Error("failed to build conversation", "err", err)
			return 1
		}
		currentOrch.Store(orch)

		cause := runConversation(ctx, orch)
		if ctx.Err() != nil {
			break
		}
		if cause != nil {
			slog.Warn("conversation ended, restarting", "cause", cause, "delay", restartDelay)
		} else {
			slog.Info("conversation ended, restarting", "delay", restartDelay)
		}

		select {
		case <-ctx.Done():
		case <-time.After(restartDelay):
		}
	}

	slog.Info("goodbye")
	return 0
}

// buildOrchestrator assembles the per-conversation collaborators: a fresh
// detector with the current tuning, and the transport for the configured
// mode.
func buildOrchestrator(cfg *config.Config, deps conversation.Deps, captureRate int,
	hookClient *webhook.Client, greeting []float32, greetingRate, greetingChannels int,
	metrics *observe.Metrics) (*conversation.Orchestrator, error) {

	det, err := vad.New(cfg.VAD.Detector(captureRate))
	if err != nil {
		return nil, fmt.Errorf("vad: %w", err)
	}

	switch cfg.Conversation.Mode {
	case config.ModeWebhook:
		deps.Batcher = webhook.NewBatcher(captureRate, det, hookClient, metrics)
	default:
		sessCfg := session.Config{
			URL:                  cfg.Session.URL,
			Language:             cfg.Conversation.Language,
			UserID:               cfg.Conversation.UserID,
			ConnectTimeout:       cfg.Session.ConnectTimeout.Std(),
			HandshakeTimeout:     cfg.Session.HandshakeTimeout.Std(),
			ReconnectDelay:       cfg.Session.ReconnectDelay.Std(),
			MaxReconnectAttempts: cfg.Session.MaxReconnectAttempts,
		}
		deps.NewSession = func() *session.Session { return session.New(sessCfg) }
		deps.BargeIn = det
	}

	return conversation.New(conversation.Config{
		GreetingSamples:  greeting,
		GreetingRate:     greetingRate,
		GreetingChannels: greetingChannels,
		WarmupDelay:      cfg.Conversation.WarmupDelay.Std(),
		GraceDelay:       cfg.Conversation.GraceDelay.Std(),
		MaxDuration:      cfg.Conversation.MaxDuration.Std(),
	}, deps)
}

// runConversation begins one conversation and pumps its events until it ends
// or the process context is cancelled. Returns the cause the conversation
// ended with, nil for a requested end.
func runConversation(ctx context.Context, orch *conversation.Orchestrator) error {
	if err := orch.Begin(ctx); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			endCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := orch.End(endCtx); err != nil && !errors.Is(err, conversation.ErrNotActive) {
				slog.Warn("conversation end", "err", err)
			}
			drainUntilEnded(orch)
			return nil

		case evt := <-orch.Events():
			switch evt.Type {
			case conversation.Started:
				slog.Info("conversation started", "conversation_id", evt.ConversationID)
			case conversation.TranscriptReceived:
				slog.Info("user said", "text", evt.Text)
			case conversation.AgentTextReceived:
				slog.Info("agent replied", "text", evt.Text)
			case conversation.AgentAudioReceived:
				slog.Warn("discarding agent audio in unsupported format", "bytes", len(evt.Audio))
			case conversation.StatusChanged:
				slog.Debug("session status", "state", evt.State)
			case conversation.ErrorOccurred:
				slog.Warn("conversation error", "err", evt.Err)
			case conversation.Ended:
				return evt.Err
			}
		}
	}
}

// drainUntilEnded consumes remaining events so teardown completes, bounded
// in case the Ended event was already dropped by a full buffer.
func drainUntilEnded(orch *conversation.Orchestrator) {
	deadline := time.After(15 * time.Second)
	for {
		select {
		case evt := <-orch.Events():
			if evt.Type == conversation.Ended {
				return
			}
		case <-deadline:
			return
		}
	}
}

// loadGreeting reads and decodes the optional greeting WAV. An empty path
// returns no samples.
func loadGreeting(path string) ([]float32, int, int, error) {
	if path == "" {
		return nil, 0, 0, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, 0, err
	}
	samples, rate, channels, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, 0, 0, err
	}
	return samples, rate, channels, nil
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	endpoint := cfg.Session.URL
	if cfg.Conversation.Mode == config.ModeWebhook {
		endpoint = cfg.Webhook.URL
	}
	slog.Info("configuration",
		"mode", cfg.Conversation.Mode,
		"endpoint", endpoint,
		"capture_device", cfg.Devices.Capture.Name,
		"output_device", cfg.Devices.Output.Name,
		"wire_rate", cfg.Pipeline.WireRate,
		"listen_addr", cfg.Server.ListenAddr,
	)
}

// ── Logger ────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
