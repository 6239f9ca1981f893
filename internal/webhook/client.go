// Package webhook implements batch utterance mode: completed speech segments
// are WAV-encoded, posted to an HTTP webhook as a multipart upload, and the
// synthesized reply is played back.
//
// The reply body's format is determined by sniffing its magic bytes (RIFF →
// WAV, ID3 or MPEG frame sync → MP3) rather than trusting the declared
// content type. A circuit breaker protects the endpoint from being hammered
// once per utterance while it is failing.
package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/voicewire/voicewire/internal/observe"
	"github.com/voicewire/voicewire/internal/resilience"
	"github.com/voicewire/voicewire/pkg/audio"
)

// maxReplyBytes caps the reply body read. A minute of 48 kHz stereo PCM16
// WAV is about 11 MiB, so 32 MiB leaves generous headroom.
const maxReplyBytes = 32 << 20

// Reply is a decoded webhook response.
type Reply struct {
	// Format is the sniffed container format of the body.
	Format audio.ByteFormat

	// Samples, SampleRate and Channels are populated for WAV replies.
	Samples    []float32
	SampleRate int
	Channels   int

	// Raw is the undecoded body, kept for MP3 replies so the collaborator
	// can hand it to an external decoder.
	Raw []byte
}

// ClientConfig holds the webhook client parameters.
type ClientConfig struct {
	// URL receives the multipart utterance posts.
	URL string

	// Timeout bounds one round trip. Default 30 s.
	Timeout time.Duration

	// BreakerMaxFailures and BreakerResetTimeout tune the circuit breaker.
	// Zero values keep the breaker defaults.
	BreakerMaxFailures  int
	BreakerResetTimeout time.Duration
}

// Client posts WAV utterances to a webhook and decodes the replies.
// It is safe for concurrent use, though the batcher sends one at a time.
type Client struct {
	url     string
	hc      *http.Client
	breaker *resilience.CircuitBreaker
	metrics *observe.Metrics
}

// NewClient creates a webhook client. metrics may be nil, in which case the
// package default instrument set is used.
func NewClient(cfg ClientConfig, metrics *observe.Metrics) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("webhook: URL is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if metrics == nil {
		metrics = observe.DefaultMetrics()
	}
	return &Client{
		url: cfg.URL,
		hc:  &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewCircuitBreaker(resilience.Config{
			Name:         "webhook",
			MaxFailures:  cfg.BreakerMaxFailures,
			ResetTimeout: cfg.BreakerResetTimeout,
		}),
		metrics: metrics,
	}, nil
}

// BreakerState exposes the circuit breaker state for readiness checks.
func (c *Client) BreakerState() resilience.State {
	return c.breaker.State()
}

// PostUtterance uploads one WAV-encoded utterance and returns the decoded
// reply. The wav bytes are sent as a multipart form file named "file". A
// failing endpoint eventually trips the breaker, after which calls fail fast
// with [resilience.ErrCircuitOpen] until the reset timeout elapses.
func (c *Client) PostUtterance(ctx context.Context, wav []byte) (*Reply, error) {
	var reply *Reply
	start := time.Now()

	err := c.breaker.Execute(func() error {
		r, err := c.post(ctx, wav)
		if err != nil {
			return err
		}
		reply = r
		return nil
	})

	c.metrics.WebhookDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		c.metrics.WebhookErrors.Add(ctx, 1)
		return nil, err
	}
	return reply, nil
}

func (c *Client) post(ctx context.Context, wav []byte) (*Reply, error) {
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return nil, fmt.Errorf("webhook: build multipart: %w", err)
	}
	if _, err := part.Write(wav); err != nil {
		return nil, fmt.Errorf("webhook: build multipart: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("webhook: build multipart: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, &body)
	if err != nil {
		return nil, fmt.Errorf("webhook: build request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook: post: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// Read a little of the body for the error message, then discard.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("webhook: unexpected status %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxReplyBytes))
	if err != nil {
		return nil, fmt.Errorf("webhook: read reply: %w", err)
	}

	return decodeReply(data)
}

// decodeReply sniffs the reply body and decodes WAV payloads to samples.
func decodeReply(data []byte) (*Reply, error) {
	switch format := audio.DetectFormat(data); format {
	case audio.FormatWAV:
		samples, rate, channels, err := audio.DecodeWAV(data)
		if err != nil {
			return nil, fmt.Errorf("webhook: reply: %w", err)
		}
		return &Reply{
			Format:     format,
			Samples:    samples,
			SampleRate: rate,
			Channels:   channels,
			Raw:        data,
		}, nil

	case audio.FormatMP3:
		return &Reply{Format: format, Raw: data}, nil

	default:
		return nil, fmt.Errorf("webhook: reply: %w: unrecognized magic bytes", audio.ErrFormat)
	}
}
