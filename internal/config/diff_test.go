package config_test

import (
	"testing"
	"time"

	"github.com/voicewire/voicewire/internal/config"
)

func baseConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Session.URL = "wss://agent.example.com"
	config.ApplyDefaults(cfg)
	return cfg
}

func TestDiffNoChange(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	d := config.Diff(old, new)
	if d.Changed() {
		t.Errorf("identical configs reported as changed: %+v", d)
	}
}

func TestDiffLogLevel(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level change not detected: %+v", d)
	}
	if d.RestartNeeded {
		t.Error("log level change must not require a restart")
	}
}

func TestDiffVAD(t *testing.T) {
	old, new := baseConfig(), baseConfig()
	new.VAD.StartFactor = 4.0

	d := config.Diff(old, new)
	if !d.VADChanged {
		t.Errorf("VAD change not detected: %+v", d)
	}
	if d.NewVAD.StartFactor != 4.0 {
		t.Errorf("NewVAD not populated: %+v", d.NewVAD)
	}
	if d.RestartNeeded {
		t.Error("VAD tuning change must not require a restart")
	}
}

func TestDiffRestartNeeded(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"session url", func(c *config.Config) { c.Session.URL = "wss://other" }},
		{"chunk interval", func(c *config.Config) { c.Pipeline.ChunkInterval = config.Duration(200 * time.Millisecond) }},
		{"webhook url", func(c *config.Config) { c.Webhook.URL = "https://hooks.example.com" }},
		{"max duration", func(c *config.Config) { c.Conversation.MaxDuration = config.Duration(time.Minute) }},
		{"capture device", func(c *config.Config) { c.Devices.Capture.Name = "pulse" }},
		{"device options", func(c *config.Config) {
			c.Devices.Capture.Options = map[string]any{"sample_rate": 48000}
		}},
		{"listen addr", func(c *config.Config) { c.Server.ListenAddr = ":9100" }},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			old, new := baseConfig(), baseConfig()
			tc.mutate(new)
			d := config.Diff(old, new)
			if !d.RestartNeeded {
				t.Errorf("change not flagged as restart-needed: %+v", d)
			}
		})
	}
}
