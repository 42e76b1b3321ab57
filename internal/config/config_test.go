package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAppliesEnvDefaults(t *testing.T) {
	t.Setenv("SQUALL_OPS_ADDR", "")
	t.Setenv("SQUALL_VERSION", "")
	t.Setenv("SQUALL_ARCHIVE_DSN", "")

	cfg := Load()
	if cfg.OpsAddr != "127.0.0.1:8765" {
		t.Errorf("OpsAddr = %q, want the loopback default", cfg.OpsAddr)
	}
	if cfg.ArchiveDSN != "" {
		t.Errorf("ArchiveDSN = %q, want empty by default", cfg.ArchiveDSN)
	}
}

func TestLoadHonorsEnvOverrides(t *testing.T) {
	t.Setenv("SQUALL_OPS_ADDR", "0.0.0.0:9000")
	t.Setenv("SQUALL_ARCHIVE_DSN", "postgres://localhost/squall")
	t.Setenv("SQUALL_OTEL_ENABLED", "true")

	cfg := Load()
	if cfg.OpsAddr != "0.0.0.0:9000" {
		t.Errorf("OpsAddr = %q, want override", cfg.OpsAddr)
	}
	if cfg.ArchiveDSN != "postgres://localhost/squall" {
		t.Errorf("ArchiveDSN = %q, want override", cfg.ArchiveDSN)
	}
	if !cfg.Telemetry.Enabled {
		t.Error("Telemetry.Enabled = false, want true")
	}
}

func TestLoadOverlayMissingFileIsNotAnError(t *testing.T) {
	o, err := LoadOverlay(filepath.Join(t.TempDir(), "nonexistent.toml"))
	if err != nil {
		t.Fatalf("LoadOverlay(missing) = %v, want nil error", err)
	}
	if len(o.Models) != 0 {
		t.Errorf("Models = %v, want empty for a missing file", o.Models)
	}
}

func TestLoadOverlayParsesModelsAndProviders(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	toml := `
[models.gpt-5]
provider = "openai"
backend = "http"

[providers.openai]
base_url = "https://api.openai.com/v1"
`
	if err := os.WriteFile(path, []byte(toml), 0o644); err != nil {
		t.Fatalf("write overlay: %v", err)
	}

	o, err := LoadOverlay(path)
	if err != nil {
		t.Fatalf("LoadOverlay: %v", err)
	}
	m, ok := o.Models["gpt-5"]
	if !ok {
		t.Fatal("Models[gpt-5] missing")
	}
	if m.Provider != "openai" || m.Backend != "http" {
		t.Errorf("gpt-5 overlay = %+v, want provider=openai backend=http", m)
	}
	p, ok := o.Providers["openai"]
	if !ok || p.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("Providers[openai] = %+v, want the configured base_url", p)
	}
}

func TestMergeOverlaysProjectWinsOverUser(t *testing.T) {
	user := Overlay{Models: map[string]ModelOverlay{
		"gpt-5": {Provider: "openai-user"},
	}}
	project := Overlay{Models: map[string]ModelOverlay{
		"gpt-5": {Provider: "openai-project"},
	}}

	merged := MergeOverlays(user, project)
	if merged.Models["gpt-5"].Provider != "openai-project" {
		t.Errorf("merged provider = %q, want project layer to win", merged.Models["gpt-5"].Provider)
	}
}

func TestMergeOverlaysRemoveSentinel(t *testing.T) {
	builtin := Overlay{Models: map[string]ModelOverlay{
		"noisy-model": {Provider: "x"},
	}}
	user := Overlay{Models: map[string]ModelOverlay{
		"noisy-model": {Remove: true},
	}}

	merged := MergeOverlays(builtin, user)
	if !merged.Models["noisy-model"].Remove {
		t.Error("expected the remove sentinel to survive the merge")
	}
}

func TestLoadLayeredOverlayMergesUserAndProject(t *testing.T) {
	cwd := t.TempDir()
	projectDir := filepath.Join(cwd, ".squall")
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(projectDir, "config.toml"), []byte(`
[models.local-model]
provider = "local"
`), 0o644); err != nil {
		t.Fatalf("write project config: %v", err)
	}

	merged, err := LoadLayeredOverlay(cwd)
	if err != nil {
		t.Fatalf("LoadLayeredOverlay: %v", err)
	}
	if merged.Models["local-model"].Provider != "local" {
		t.Errorf("merged Models[local-model] = %+v, want provider=local", merged.Models["local-model"])
	}
}

func TestProjectConfigPath(t *testing.T) {
	got := ProjectConfigPath("/repo")
	want := filepath.Join("/repo", ".squall", "config.toml")
	if got != want {
		t.Errorf("ProjectConfigPath = %q, want %q", got, want)
	}
}
