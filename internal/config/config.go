// Package config loads Squall's process-level configuration: environment
// defaults for the loopback ops surface and telemetry, plus a layered TOML
// overlay (user then project) applied on top of the built-in model catalog
// that internal/registry constructs from environment credentials.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// Config holds process-wide settings that are not part of the model
// catalog itself.
type Config struct {
	OpsAddr    string
	Version    string
	Telemetry  TelemetryConfig
	DataDir    string // where reviews, memory logs, and archives are written
	ArchiveDSN string // optional Postgres DSN; empty disables the durable archive
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads process configuration from environment variables with
// sensible defaults; it does not touch the TOML overlay files, which are
// read separately by LoadOverlay for the model catalog.
func Load() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		OpsAddr: envStr("SQUALL_OPS_ADDR", "127.0.0.1:8765"),
		Version: envStr("SQUALL_VERSION", "0.1.0"),
		Telemetry: TelemetryConfig{
			Enabled:      envBool("SQUALL_OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "squall"),
		},
		DataDir:    envStr("SQUALL_DATA_DIR", filepath.Join(home, ".squall")),
		ArchiveDSN: envStr("SQUALL_ARCHIVE_DSN", ""),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

// ModelOverlay is one [models.<key>] table in a config.toml overlay. Remove,
// when true, deletes a built-in model of the same key entirely rather than
// merging fields into it — the sentinel a user reaches for to silence a
// noisy default without redefining it.
type ModelOverlay struct {
	Remove          bool     `toml:"remove"`
	Provider        string   `toml:"provider,omitempty"`
	Backend         string   `toml:"backend,omitempty"`
	NativeID        string   `toml:"native_id,omitempty"`
	Description     string   `toml:"description,omitempty"`
	Strengths       []string `toml:"strengths,omitempty"`
	Weaknesses      []string `toml:"weaknesses,omitempty"`
	SpeedTier       string   `toml:"speed_tier,omitempty"`
	PrecisionTier   string   `toml:"precision_tier,omitempty"`
	BaseURL         string   `toml:"base_url,omitempty"`
	APIKeyEnv       string   `toml:"api_key_env,omitempty"`
	APIFormat       string   `toml:"api_format,omitempty"`
	Executable      string   `toml:"executable,omitempty"`
	Args            []string `toml:"args,omitempty"`
	Parser          string   `toml:"parser,omitempty"`
}

// ProviderOverlay is one [providers.<name>] table, for adding or adjusting
// a provider's transport settings without touching its models.
type ProviderOverlay struct {
	BaseURL   string `toml:"base_url,omitempty"`
	APIKeyEnv string `toml:"api_key_env,omitempty"`
	APIFormat string `toml:"api_format,omitempty"`
	TimeoutS  int    `toml:"timeout_seconds,omitempty"`
}

// Overlay is the on-disk shape of a config.toml file at either scope.
type Overlay struct {
	Models    map[string]ModelOverlay    `toml:"models"`
	Providers map[string]ProviderOverlay `toml:"providers"`
}

// UserConfigPath is ~/.config/squall/config.toml.
func UserConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "squall", "config.toml")
}

// ProjectConfigPath is ./.squall/config.toml, relative to cwd.
func ProjectConfigPath(cwd string) string {
	return filepath.Join(cwd, ".squall", "config.toml")
}

// LoadOverlay reads a single overlay file. A missing file is not an error —
// it returns a zero-value Overlay so the merge chain degrades gracefully.
func LoadOverlay(path string) (Overlay, error) {
	var o Overlay
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return o, nil
	}
	if _, err := toml.DecodeFile(path, &o); err != nil {
		return Overlay{}, err
	}
	return o, nil
}

// MergeOverlays applies layers in order (built-in is implicit; each
// subsequent layer — user, then project — replaces the whole entry of each
// model or provider it names, and can delete a built-in model with Remove).
// Fields are not merged within an entry: a field the later layer leaves
// unset is not inherited from an earlier overlay layer.
func MergeOverlays(layers ...Overlay) Overlay {
	merged := Overlay{
		Models:    map[string]ModelOverlay{},
		Providers: map[string]ProviderOverlay{},
	}
	for _, layer := range layers {
		for k, v := range layer.Models {
			merged.Models[k] = v
		}
		for k, v := range layer.Providers {
			merged.Providers[k] = v
		}
	}
	return merged
}

// LoadLayeredOverlay reads user then project config files and merges them,
// project taking precedence on any key both define.
func LoadLayeredOverlay(cwd string) (Overlay, error) {
	user, err := LoadOverlay(UserConfigPath())
	if err != nil {
		return Overlay{}, err
	}
	project, err := LoadOverlay(ProjectConfigPath(cwd))
	if err != nil {
		return Overlay{}, err
	}
	return MergeOverlays(user, project), nil
}
