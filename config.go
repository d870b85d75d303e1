package chatstream

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default policy values used when a Config field is left zero.
const (
	// DefaultBreakerLimit is the end-to-end elapsed-time circuit-breaker
	// threshold.
	DefaultBreakerLimit = 20 * time.Minute

	// DefaultStreamTimeout is the overall vendor-call timeout: the stream
	// must begin yielding within this window.
	DefaultStreamTimeout = 5 * time.Minute
)

// Duration wraps time.Duration so YAML configs can use strings like "20m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Config tunes session policy. The zero value is usable: zero fields fall
// back to the defaults above.
type Config struct {
	// BreakerLimit is the circuit breaker's elapsed-time threshold.
	BreakerLimit Duration `yaml:"breaker_limit"`

	// StreamTimeout is the overall vendor-call timeout (first yield).
	StreamTimeout Duration `yaml:"stream_timeout"`

	// SystemPrompt, when non-empty, is prepended for models that support it.
	SystemPrompt string `yaml:"system_prompt"`

	// DebugDump persists the raw chunk array and concatenated text to a
	// file after each stream for offline inspection.
	DebugDump bool `yaml:"debug_dump"`

	// DebugDumpDir is where debug dumps are written.
	DebugDumpDir string `yaml:"debug_dump_dir"`
}

// DefaultConfig returns a Config with all policy defaults filled in.
func DefaultConfig() Config {
	return Config{
		BreakerLimit:  Duration(DefaultBreakerLimit),
		StreamTimeout: Duration(DefaultStreamTimeout),
	}
}

// breakerLimit returns the configured threshold or the default.
func (c Config) breakerLimit() time.Duration {
	if c.BreakerLimit > 0 {
		return time.Duration(c.BreakerLimit)
	}
	return DefaultBreakerLimit
}

// streamTimeout returns the configured timeout or the default.
func (c Config) streamTimeout() time.Duration {
	if c.StreamTimeout > 0 {
		return time.Duration(c.StreamTimeout)
	}
	return DefaultStreamTimeout
}

// LoadConfig reads a YAML config file and applies environment overrides on
// top of it.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// ConfigFromEnv returns the default config with environment overrides
// applied. Recognized variables:
//
//	CHATSTREAM_BREAKER_LIMIT   duration string, e.g. "20m"
//	CHATSTREAM_STREAM_TIMEOUT  duration string, e.g. "5m"
//	CHATSTREAM_SYSTEM_PROMPT   string
//	CHATSTREAM_DEBUG_DUMP      "1"/"true" enables raw chunk dumps
//	CHATSTREAM_DEBUG_DUMP_DIR  directory for dumps
func ConfigFromEnv() Config {
	cfg := DefaultConfig()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyEnv() {
	if v := os.Getenv("CHATSTREAM_BREAKER_LIMIT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			c.BreakerLimit = Duration(parsed)
		}
	}
	if v := os.Getenv("CHATSTREAM_STREAM_TIMEOUT"); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			c.StreamTimeout = Duration(parsed)
		}
	}
	if v := os.Getenv("CHATSTREAM_SYSTEM_PROMPT"); v != "" {
		c.SystemPrompt = v
	}
	if v := os.Getenv("CHATSTREAM_DEBUG_DUMP"); v == "1" || v == "true" {
		c.DebugDump = true
	}
	if v := os.Getenv("CHATSTREAM_DEBUG_DUMP_DIR"); v != "" {
		c.DebugDumpDir = v
	}
}
