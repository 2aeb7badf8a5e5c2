package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/contactloop/contactloop/pkg/memory"
)

// FlexibleStringSlice is a []string that also accepts JSON numbers,
// so channel allowlists can contain both "123" and 123.
type FlexibleStringSlice []string

func (f *FlexibleStringSlice) UnmarshalJSON(data []byte) error {
	var ss []string
	if err := json.Unmarshal(data, &ss); err == nil {
		*f = ss
		return nil
	}

	var raw []interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	result := make([]string, 0, len(raw))
	for _, v := range raw {
		switch val := v.(type) {
		case string:
			result = append(result, val)
		case float64:
			result = append(result, fmt.Sprintf("%.0f", val))
		default:
			result = append(result, fmt.Sprintf("%v", val))
		}
	}
	*f = result
	return nil
}

type Config struct {
	Agent         AgentConfig          `json:"agent"`
	Provider      ProviderConfig       `json:"provider"`
	Memory        MemoryConfig         `json:"memory"`
	Organizations map[string]OrgConfig `json:"organizations"`
	Logging       LoggingConfig        `json:"logging"`
	mu            sync.RWMutex
}

type AgentConfig struct {
	SystemPrompt string              `json:"system_prompt" env:"CONTACTLOOP_AGENT_SYSTEM_PROMPT"`
	Model        string              `json:"model" env:"CONTACTLOOP_AGENT_MODEL"`
	MaxTokens    int                 `json:"max_tokens" env:"CONTACTLOOP_AGENT_MAX_TOKENS"`
	Channels     FlexibleStringSlice `json:"channels" env:"CONTACTLOOP_AGENT_CHANNELS"`
}

type ProviderConfig struct {
	APIKey  string `json:"api_key" env:"CONTACTLOOP_PROVIDER_API_KEY"`
	APIBase string `json:"api_base" env:"CONTACTLOOP_PROVIDER_API_BASE"`
}

type LoggingConfig struct {
	Level string `json:"level" env:"CONTACTLOOP_LOG_LEVEL"`
	JSON  bool   `json:"json" env:"CONTACTLOOP_LOG_JSON"`
}

// MemoryConfig carries the engine-wide defaults; OrgConfig overrides
// the threshold fields per organization.
type MemoryConfig struct {
	DBPath             string `json:"db_path" env:"CONTACTLOOP_MEMORY_DB_PATH"`
	TokenBudget        int    `json:"token_budget" env:"CONTACTLOOP_MEMORY_TOKEN_BUDGET"`
	SummarizeEvery     int    `json:"summarize_every" env:"CONTACTLOOP_MEMORY_SUMMARIZE_EVERY"`
	SummaryMaxTokens   int    `json:"summary_max_tokens" env:"CONTACTLOOP_MEMORY_SUMMARY_MAX_TOKENS"`
	WindowMessages     int    `json:"window_messages" env:"CONTACTLOOP_MEMORY_WINDOW_MESSAGES"`
	DormancyHours      int    `json:"dormancy_hours" env:"CONTACTLOOP_MEMORY_DORMANCY_HOURS"`
	ReactivationDays   int    `json:"reactivation_days" env:"CONTACTLOOP_MEMORY_REACTIVATION_DAYS"`
	SessionNoteCap     int    `json:"session_note_cap" env:"CONTACTLOOP_MEMORY_SESSION_NOTE_CAP"`
	ContactNoteCap     int    `json:"contact_note_cap" env:"CONTACTLOOP_MEMORY_CONTACT_NOTE_CAP"`
	WorkerPollMS       int    `json:"worker_poll_ms" env:"CONTACTLOOP_MEMORY_WORKER_POLL_MS"`
	WorkerLeaseSeconds int    `json:"worker_lease_seconds" env:"CONTACTLOOP_MEMORY_WORKER_LEASE_SECONDS"`
	JobMaxAttempts     int    `json:"job_max_attempts" env:"CONTACTLOOP_MEMORY_JOB_MAX_ATTEMPTS"`
	SweepSchedule      string `json:"sweep_schedule" env:"CONTACTLOOP_MEMORY_SWEEP_SCHEDULE"`
	SweepBatch         int    `json:"sweep_batch" env:"CONTACTLOOP_MEMORY_SWEEP_BATCH"`
}

// OrgConfig overrides the per-organization thresholds. Zero fields fall
// back to the engine defaults.
type OrgConfig struct {
	TokenBudget      int `json:"token_budget"`
	SummarizeEvery   int `json:"summarize_every"`
	SummaryMaxTokens int `json:"summary_max_tokens"`
	WindowMessages   int `json:"window_messages"`
	DormancyHours    int `json:"dormancy_hours"`
	ReactivationDays int `json:"reactivation_days"`
	SessionNoteCap   int `json:"session_note_cap"`
	ContactNoteCap   int `json:"contact_note_cap"`
}

func DefaultConfig() *Config {
	return &Config{
		Agent: AgentConfig{
			SystemPrompt: "You are a helpful assistant working a long-running customer conversation.",
			Model:        "openai/gpt-5.2",
			MaxTokens:    8192,
			Channels:     FlexibleStringSlice{"console"},
		},
		Provider: ProviderConfig{},
		Memory: MemoryConfig{
			DBPath:             "~/.contactloop/contactloop.db",
			TokenBudget:        8192,
			SummarizeEvery:     10,
			SummaryMaxTokens:   800,
			WindowMessages:     10,
			DormancyHours:      24,
			ReactivationDays:   7,
			SessionNoteCap:     10,
			ContactNoteCap:     20,
			WorkerPollMS:       800,
			WorkerLeaseSeconds: 45,
			JobMaxAttempts:     3,
			SweepSchedule:      "*/5 * * * *",
			SweepBatch:         100,
		},
		Organizations: map[string]OrgConfig{},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if perr := env.Parse(cfg); perr != nil {
				return nil, perr
			}
			return cfg, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// DBPath returns the resolved database path with ~ expanded.
func (c *Config) DBPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Memory.DBPath)
}

func (c *Config) GetAPIKey() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Provider.APIKey
}

func (c *Config) GetAPIBase() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Provider.APIBase != "" {
		return c.Provider.APIBase
	}
	return "https://openrouter.ai/api/v1"
}

// MemoryServiceConfig translates the file representation into the
// engine's runtime configuration, including per-org overrides.
func (c *Config) MemoryServiceConfig() memory.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()

	m := c.Memory
	overrides := make(map[string]memory.OrgPolicy, len(c.Organizations))
	for orgID, oc := range c.Organizations {
		overrides[orgID] = memory.OrgPolicy{
			TokenBudget:           oc.TokenBudget,
			SummarizeEvery:        oc.SummarizeEvery,
			SummaryMaxTokens:      oc.SummaryMaxTokens,
			MaxWindowMessages:     oc.WindowMessages,
			DormancyThreshold:     time.Duration(oc.DormancyHours) * time.Hour,
			ReactivationThreshold: time.Duration(oc.ReactivationDays) * 24 * time.Hour,
			SessionNoteCap:        oc.SessionNoteCap,
			ContactNoteCap:        oc.ContactNoteCap,
		}
	}

	return memory.Config{
		DBPath: expandHome(m.DBPath),
		Defaults: memory.OrgPolicy{
			TokenBudget:           m.TokenBudget,
			SummarizeEvery:        m.SummarizeEvery,
			SummaryMaxTokens:      m.SummaryMaxTokens,
			MaxWindowMessages:     m.WindowMessages,
			DormancyThreshold:     time.Duration(m.DormancyHours) * time.Hour,
			ReactivationThreshold: time.Duration(m.ReactivationDays) * 24 * time.Hour,
			SessionNoteCap:        m.SessionNoteCap,
			ContactNoteCap:        m.ContactNoteCap,
		},
		OrgOverrides:   overrides,
		WorkerPoll:     time.Duration(m.WorkerPollMS) * time.Millisecond,
		WorkerLease:    time.Duration(m.WorkerLeaseSeconds) * time.Second,
		JobMaxAttempts: m.JobMaxAttempts,
		SweepSchedule:  m.SweepSchedule,
		SweepBatch:     m.SweepBatch,
	}
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}
