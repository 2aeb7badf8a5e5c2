package config

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"
)

func TestDefaultConfig_Model(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Agent.Model == "" {
		t.Error("Model should not be empty")
	}
	if cfg.Agent.Model != "openai/gpt-5.2" {
		t.Errorf("Model = %q, want %q", cfg.Agent.Model, "openai/gpt-5.2")
	}
}

func TestDefaultConfig_MemoryThresholds(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Memory.TokenBudget == 0 {
		t.Error("TokenBudget should not be zero")
	}
	if cfg.Memory.SummarizeEvery != 10 {
		t.Errorf("SummarizeEvery = %d, want 10", cfg.Memory.SummarizeEvery)
	}
	if cfg.Memory.DormancyHours != 24 {
		t.Errorf("DormancyHours = %d, want 24", cfg.Memory.DormancyHours)
	}
	if cfg.Memory.ReactivationDays != 7 {
		t.Errorf("ReactivationDays = %d, want 7", cfg.Memory.ReactivationDays)
	}
	if cfg.Memory.SessionNoteCap != 10 || cfg.Memory.ContactNoteCap != 20 {
		t.Errorf("note caps = %d/%d, want 10/20", cfg.Memory.SessionNoteCap, cfg.Memory.ContactNoteCap)
	}
}

func TestDefaultConfig_Provider(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Provider.APIKey != "" {
		t.Error("API key should be empty by default")
	}
	if cfg.GetAPIBase() == "" {
		t.Error("API base should have a default value")
	}
}

func TestSaveConfig_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("file permission bits are not enforced on Windows")
	}

	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.json")

	cfg := DefaultConfig()
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}

	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("config file has permission %04o, want 0600", perm)
	}
}

func TestLoadConfig_EnvOverridesWithoutFile(t *testing.T) {
	t.Setenv("CONTACTLOOP_AGENT_MODEL", "env/model")
	t.Setenv("CONTACTLOOP_MEMORY_SUMMARIZE_EVERY", "5")
	path := filepath.Join(t.TempDir(), "missing-config.json")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if got := cfg.Agent.Model; got != "env/model" {
		t.Fatalf("expected env override model, got %q", got)
	}
	if got := cfg.Memory.SummarizeEvery; got != 5 {
		t.Fatalf("expected env override summarize cadence, got %d", got)
	}
}

func TestLoadConfig_FileWithOrgOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
  "memory": {"token_budget": 4096},
  "organizations": {
    "org-acme": {"summarize_every": 20, "dormancy_hours": 48}
  }
}`
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if cfg.Memory.TokenBudget != 4096 {
		t.Fatalf("expected token budget 4096, got %d", cfg.Memory.TokenBudget)
	}
	oc, ok := cfg.Organizations["org-acme"]
	if !ok {
		t.Fatalf("expected org-acme override")
	}
	if oc.SummarizeEvery != 20 || oc.DormancyHours != 48 {
		t.Fatalf("unexpected org override: %+v", oc)
	}
}

func TestMemoryServiceConfig_Translation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Organizations = map[string]OrgConfig{
		"org-acme": {DormancyHours: 48},
	}

	mc := cfg.MemoryServiceConfig()
	if mc.Defaults.DormancyThreshold != 24*time.Hour {
		t.Fatalf("default dormancy = %v, want 24h", mc.Defaults.DormancyThreshold)
	}
	if mc.Defaults.ReactivationThreshold != 7*24*time.Hour {
		t.Fatalf("default reactivation = %v, want 168h", mc.Defaults.ReactivationThreshold)
	}
	if got := mc.OrgOverrides["org-acme"].DormancyThreshold; got != 48*time.Hour {
		t.Fatalf("org dormancy = %v, want 48h", got)
	}
	if mc.WorkerPoll != 800*time.Millisecond {
		t.Fatalf("worker poll = %v, want 800ms", mc.WorkerPoll)
	}
}

func TestFlexibleStringSlice_MixedTypes(t *testing.T) {
	var f FlexibleStringSlice
	if err := f.UnmarshalJSON([]byte(`["console", 42]`)); err != nil {
		t.Fatalf("UnmarshalJSON failed: %v", err)
	}
	if len(f) != 2 || f[0] != "console" || f[1] != "42" {
		t.Fatalf("unexpected slice: %v", f)
	}
}
