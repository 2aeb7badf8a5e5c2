package memory

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"
)

// RollingSummarizer folds older turns into a bounded, replace-not-append
// session summary. The summary watermark (SummaryThroughSeq) guarantees the
// summary only ever covers messages older than the verbatim window, so no
// turn is both summarized and quoted.
type RollingSummarizer struct {
	store     Store
	summarize SummaryFunc
	maxTokens int
	log       *zap.Logger
}

func NewRollingSummarizer(store Store, summarize SummaryFunc, maxTokens int, log *zap.Logger) *RollingSummarizer {
	if maxTokens <= 0 {
		maxTokens = 800
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RollingSummarizer{store: store, summarize: summarize, maxTokens: maxTokens, log: log}
}

// SummarizeSession consumes every message past the current watermark and
// replaces the stored summary. Re-running on an unchanged range is a no-op.
// final marks a dormancy transition; the cadence-based trigger and the
// dormancy trigger share this one path.
func (s *RollingSummarizer) SummarizeSession(ctx context.Context, sessionID string, final bool) error {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("summarize session %s: %w", sessionID, err)
	}

	msgs, err := s.store.ListMessagesAfterSeq(ctx, sessionID, sess.SummaryThroughSeq, 0)
	if err != nil {
		return fmt.Errorf("list unsummarized messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	transcript := buildTranscript(msgs)
	summary := ""
	if s.summarize != nil {
		summary, err = s.summarize(ctx, sess.Summary, transcript)
		if err != nil {
			return fmt.Errorf("summary generation: %w", err)
		}
	}
	if strings.TrimSpace(summary) == "" {
		summary = heuristicSummary(sess.Summary, msgs)
	}
	summary = TruncateToTokens(strings.TrimSpace(summary), s.maxTokens)

	throughSeq := msgs[len(msgs)-1].Seq
	if err := s.store.SetSessionSummary(ctx, sessionID, summary, throughSeq); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}

	s.log.Info("session summarized",
		zap.String("session_id", sessionID),
		zap.Int("messages", len(msgs)),
		zap.Int("through_seq", throughSeq),
		zap.Bool("final", final))
	_ = s.store.AddMetric(ctx, "summary.pass", 1, map[string]string{"session_id": sessionID})
	return nil
}

// clipRunes cuts on rune boundaries so multibyte text never splits into
// invalid UTF-8.
func clipRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func buildTranscript(msgs []Message) string {
	var b strings.Builder
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		content = clipRunes(content, 400)
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}
	return b.String()
}

var (
	priceRegex      = regexp.MustCompile(`\$\s?\d[\d,]*(?:\.\d+)?(?:\s*(?:/|per)\s*\w+)?`)
	nameRegex       = regexp.MustCompile(`(?i)\b(?:my name is|this is|i'm|i am)\s+([A-Z][A-Za-z'\-]{1,30})`)
	objectionRegex  = regexp.MustCompile(`(?i)\b(too expensive|too much|not sure|concerned about|worried about|can't afford|don't need|already (?:have|use))\b[^.!?\n]*`)
	commitmentRegex = regexp.MustCompile(`(?i)\b(i(?:'ll| will)|we(?:'ll| will)|let'?s)\s+[^.!?\n]{3,120}`)
	negativeRegex   = regexp.MustCompile(`(?i)\b(frustrated|annoyed|angry|disappointed|unhappy|cancel)\b`)
	positiveRegex   = regexp.MustCompile(`(?i)\b(great|perfect|sounds good|excited|love it|thanks|thank you)\b`)
)

// heuristicSummary is the deterministic fallback used when no model-backed
// SummaryFunc is wired or it returned nothing. It keeps the details the
// next turn cannot afford to lose: identifying details, products and
// prices, objections, commitments, and sentiment.
func heuristicSummary(prior string, msgs []Message) string {
	parts := []string{}
	if p := strings.TrimSpace(prior); p != "" {
		parts = append(parts, p)
	}

	seen := map[string]struct{}{}
	add := func(prefix, value string) {
		value = strings.TrimSpace(value)
		if value == "" {
			return
		}
		value = clipRunes(value, 160)
		line := prefix + value
		key := strings.ToLower(line)
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		parts = append(parts, line)
	}

	sentiment := ""
	topics := 0
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" {
			continue
		}
		if m.Role == "user" {
			for _, match := range nameRegex.FindAllStringSubmatch(content, -1) {
				add("- Contact identified as: ", match[1])
			}
			for _, match := range objectionRegex.FindAllString(content, -1) {
				add("- Objection raised: ", match)
			}
			if negativeRegex.MatchString(content) {
				sentiment = "negative"
			} else if sentiment == "" && positiveRegex.MatchString(content) {
				sentiment = "positive"
			}
			if topics < 4 {
				add("- Discussed: ", content)
				topics++
			}
		}
		for _, match := range priceRegex.FindAllString(content, -1) {
			add("- Price mentioned: ", match)
		}
		for _, match := range commitmentRegex.FindAllString(content, -1) {
			add("- Commitment: ", match)
		}
	}
	if sentiment != "" {
		add("- Current sentiment: ", sentiment)
	}

	return strings.Join(parts, "\n")
}
