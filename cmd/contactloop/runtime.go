package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/contactloop/contactloop/pkg/config"
	"github.com/contactloop/contactloop/pkg/engine"
	"github.com/contactloop/contactloop/pkg/memory"
)

func configPath() string {
	if p := os.Getenv("CONTACTLOOP_CONFIG"); p != "" {
		return p
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".contactloop", "config.json")
}

func buildLogger(cfg *config.Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}
	zc := zap.NewProductionConfig()
	if !cfg.Logging.JSON {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// buildModelClient returns the provider-backed client when credentials
// are configured, or nil so callers can run offline.
func buildModelClient(cfg *config.Config) engine.ModelClient {
	if strings.TrimSpace(cfg.GetAPIKey()) == "" {
		return nil
	}
	client, err := engine.NewOpenRouterClient(cfg.GetAPIBase(), cfg.GetAPIKey(), cfg.Agent.Model)
	if err != nil {
		return nil
	}
	return client
}

// buildSummaryFunc wires the model into rolling summarization. A nil
// model selects the deterministic heuristic inside the memory engine.
func buildSummaryFunc(model engine.ModelClient, maxTokens int) memory.SummaryFunc {
	if model == nil {
		return nil
	}
	return func(ctx context.Context, priorSummary, transcript string) (string, error) {
		prompt := "Update the durable conversation summary.\n" +
			"Preserve stated preferences, objections, commitments, agreed next steps, and key facts.\n" +
			"Keep it compact and factual.\n\n" +
			"EXISTING SUMMARY:\n" + priorSummary + "\n\n" +
			"NEW TRANSCRIPT SEGMENT:\n" + transcript + "\n\n" +
			"Return only the updated summary."
		out, err := model.Complete(ctx, []engine.ChatMessage{{Role: "user", Content: prompt}}, maxTokens)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(out), nil
	}
}

// buildExtractFunc wires the model into fact extraction. The model must
// return a JSON diff; malformed output is repaired downstream before a
// pass is declared failed.
func buildExtractFunc(model engine.ModelClient) memory.ExtractFunc {
	if model == nil {
		return nil
	}
	return func(ctx context.Context, memoryJSON, transcript string) (string, error) {
		prompt := `Extract new or changed durable facts about this contact from the transcript.

Return strict JSON only, using this schema:
{
  "identity": {"<key>": "<value>"},
  "preferences": {"<key>": "<value>"},
  "business_context": {"<key>": "<value>"},
  "objections": [{"key": "...", "detail": "...", "status": "raised|addressed|resolved", "explicit": true}],
  "pain_points": [{"key": "...", "detail": "...", "status": "raised|addressed|resolved", "explicit": true}],
  "product_interests": [{"key": "...", "detail": "...", "status": "raised|addressed|resolved", "explicit": true}],
  "sentiment": "",
  "timeline": ""
}

Rules:
- Include ONLY fields that are new or changed versus the current memory.
- Set "explicit" true only when the transcript freshly mentions the issue.
- Omit empty fields entirely.

CURRENT MEMORY JSON:
` + memoryJSON + `

TRANSCRIPT:
` + transcript
		return model.Complete(ctx, []engine.ChatMessage{{Role: "user", Content: prompt}}, 900)
	}
}

func openService(cfg *config.Config, log *zap.Logger) (*memory.Service, engine.ModelClient, error) {
	model := buildModelClient(cfg)
	svc, err := memory.NewService(
		cfg.MemoryServiceConfig(),
		buildSummaryFunc(model, cfg.Agent.MaxTokens),
		buildExtractFunc(model),
		log,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("initialize memory engine: %w", err)
	}
	return svc, model, nil
}

// openServiceQuiet opens the memory engine for one-shot administrative
// commands, logging at warn level so command output stays clean.
func openServiceQuiet() (*memory.Service, *zap.Logger, error) {
	cfg, err := config.LoadConfig(configPath())
	if err != nil {
		return nil, nil, err
	}
	cfg.Logging.Level = "warn"
	log, err := buildLogger(cfg)
	if err != nil {
		return nil, nil, err
	}
	svc, _, err := openService(cfg, log)
	if err != nil {
		return nil, nil, err
	}
	return svc, log, nil
}

// echoModel answers locally so the full pipeline can run without provider
// credentials.
type echoModel struct{}

func (echoModel) Complete(ctx context.Context, messages []engine.ChatMessage, maxTokens int) (string, error) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return "You said: " + messages[i].Content, nil
		}
	}
	return "I'm listening.", nil
}
