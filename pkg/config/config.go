// Package config loads and validates the nested configuration a
// supercall instance starts from: a YAML file overridden by
// SUPERCALL_-prefixed environment variables.
//
// Grounded on the teacher's pkg/config/config.go for the
// DefaultConfig/LoadFromEnv/Validate shape and its env-override style
// (fmt.Sscanf for numerics, an unprefixed fallback env var alongside the
// prefixed one for secrets commonly set by other tools), generalized
// from the teacher's flat struct to the nested sections spec.md §6
// names.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TwilioConfig holds the real carrier provider's credentials.
type TwilioConfig struct {
	AccountSID string `yaml:"accountSid"`
	AuthToken  string `yaml:"authToken"`
}

// StreamingConfig holds the realtime model session's tuning knobs.
type StreamingConfig struct {
	OpenAIAPIKey      string  `yaml:"openaiApiKey"`
	Model             string  `yaml:"model"`
	Temperature       float64 `yaml:"temperature"`
	SilenceDurationMs int     `yaml:"silenceDurationMs"`
	VadThreshold      float64 `yaml:"vadThreshold"`
	StreamPath        string  `yaml:"streamPath"`
}

// ServeConfig holds the front door's listener settings.
type ServeConfig struct {
	Port int    `yaml:"port"`
	Bind string `yaml:"bind"`
	Path string `yaml:"path"`
}

// TunnelConfig selects the public-URL discovery helper.
type TunnelConfig struct {
	Provider string `yaml:"provider"` // none|ngrok|tailscale-serve|tailscale-funnel
}

// Config is the full nested configuration a supercall instance boots
// from, per spec.md §6.
type Config struct {
	Provider   string `yaml:"provider"` // twilio|mock
	FromNumber string `yaml:"fromNumber"`

	Twilio    TwilioConfig    `yaml:"twilio"`
	Streaming StreamingConfig `yaml:"streaming"`
	Serve     ServeConfig     `yaml:"serve"`
	Tunnel    TunnelConfig    `yaml:"tunnel"`

	PublicURL          string `yaml:"publicUrl"`
	MaxConcurrentCalls int    `yaml:"maxConcurrentCalls"`
	MaxDurationSeconds int    `yaml:"maxDurationSeconds"`
	Store              string `yaml:"store"`

	// AgentWakeURL and AgentWakeToken configure the completion
	// callback's POST-back to the host process (spec §4.8); they have
	// no CLI-facing YAML key of their own in §6 and are sourced from
	// the environment only.
	AgentWakeURL   string `yaml:"-"`
	AgentWakeToken string `yaml:"-"`
}

// DefaultConfig returns a Config with every default spec.md §6 names.
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	store := "supercall-logs"
	if err == nil {
		store = filepath.Join(home, "clawd", "supercall-logs")
	}
	return &Config{
		Provider:   "twilio",
		FromNumber: "",
		Streaming: StreamingConfig{
			Model:             "gpt-4o-realtime-preview",
			Temperature:       0.8,
			SilenceDurationMs: 800,
			VadThreshold:      0.5,
			StreamPath:        "/voice/stream",
		},
		Serve: ServeConfig{
			Port: 3334,
			Bind: "127.0.0.1",
			Path: "/voice/webhook",
		},
		Tunnel:             TunnelConfig{Provider: "none"},
		MaxConcurrentCalls: 1,
		MaxDurationSeconds: 300,
		Store:              store,
	}
}

// LoadFile reads a YAML config file on top of DefaultConfig's values.
// A missing file is not an error; callers rely on defaults plus
// ApplyEnv in that case.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overlays SUPERCALL_-prefixed environment variables onto cfg,
// with an unprefixed fallback for the two secrets most likely to
// already be set by another tool in the same shell.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SUPERCALL_PROVIDER"); v != "" {
		c.Provider = v
	}
	if v := os.Getenv("SUPERCALL_FROM_NUMBER"); v != "" {
		c.FromNumber = v
	}

	if v := os.Getenv("SUPERCALL_TWILIO_ACCOUNT_SID"); v != "" {
		c.Twilio.AccountSID = v
	}
	if v := os.Getenv("SUPERCALL_TWILIO_AUTH_TOKEN"); v != "" {
		c.Twilio.AuthToken = v
	} else if v := os.Getenv("TWILIO_AUTH_TOKEN"); v != "" {
		c.Twilio.AuthToken = v
	}

	if v := os.Getenv("SUPERCALL_OPENAI_API_KEY"); v != "" {
		c.Streaming.OpenAIAPIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Streaming.OpenAIAPIKey = v
	}
	if v := os.Getenv("SUPERCALL_MODEL"); v != "" {
		c.Streaming.Model = v
	}
	if v := os.Getenv("SUPERCALL_TEMPERATURE"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			c.Streaming.Temperature = f
		}
	}
	if v := os.Getenv("SUPERCALL_SILENCE_DURATION_MS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			c.Streaming.SilenceDurationMs = n
		}
	}
	if v := os.Getenv("SUPERCALL_VAD_THRESHOLD"); v != "" {
		var f float64
		if _, err := fmt.Sscanf(v, "%g", &f); err == nil {
			c.Streaming.VadThreshold = f
		}
	}
	if v := os.Getenv("SUPERCALL_STREAM_PATH"); v != "" {
		c.Streaming.StreamPath = v
	}

	if v := os.Getenv("SUPERCALL_PORT"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			c.Serve.Port = n
		}
	}
	if v := os.Getenv("SUPERCALL_BIND"); v != "" {
		c.Serve.Bind = v
	}
	if v := os.Getenv("SUPERCALL_WEBHOOK_PATH"); v != "" {
		c.Serve.Path = v
	}

	if v := os.Getenv("SUPERCALL_TUNNEL_PROVIDER"); v != "" {
		c.Tunnel.Provider = v
	}
	if v := os.Getenv("SUPERCALL_PUBLIC_URL"); v != "" {
		c.PublicURL = v
	}
	if v := os.Getenv("SUPERCALL_MAX_CONCURRENT_CALLS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			c.MaxConcurrentCalls = n
		}
	}
	if v := os.Getenv("SUPERCALL_MAX_DURATION_SECONDS"); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			c.MaxDurationSeconds = n
		}
	}
	if v := os.Getenv("SUPERCALL_STORE"); v != "" {
		c.Store = v
	}

	c.AgentWakeURL = os.Getenv("SUPERCALL_AGENT_WAKE_URL")
	c.AgentWakeToken = os.Getenv("SUPERCALL_AGENT_WAKE_TOKEN")
}

// Validate checks that the configuration is complete enough to boot.
func (c *Config) Validate() error {
	var missing []string

	switch c.Provider {
	case "mock":
		// no external credentials required
	case "twilio":
		if c.FromNumber == "" {
			missing = append(missing, "fromNumber")
		}
		if c.Twilio.AccountSID == "" {
			missing = append(missing, "twilio.accountSid")
		}
		if c.Twilio.AuthToken == "" {
			missing = append(missing, "twilio.authToken or TWILIO_AUTH_TOKEN")
		}
	default:
		return fmt.Errorf("config: unknown provider %q, want twilio or mock", c.Provider)
	}

	if c.Streaming.OpenAIAPIKey == "" {
		missing = append(missing, "streaming.openaiApiKey or OPENAI_API_KEY")
	}

	switch c.Tunnel.Provider {
	case "none", "ngrok", "tailscale-serve", "tailscale-funnel":
	default:
		return fmt.Errorf("config: unknown tunnel provider %q", c.Tunnel.Provider)
	}

	if len(missing) > 0 {
		return fmt.Errorf("config: missing required settings: %v", missing)
	}
	return nil
}
