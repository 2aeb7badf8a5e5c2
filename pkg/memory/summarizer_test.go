package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestSummarizeSession_AdvancesWatermarkEachPass(t *testing.T) {
	store, _, sess := assembleFixture(t)
	ctx := context.Background()

	calls := 0
	var transcripts []string
	fn := func(_ context.Context, prior, transcript string) (string, error) {
		calls++
		transcripts = append(transcripts, transcript)
		return fmt.Sprintf("summary pass %d (prior: %q)", calls, prior), nil
	}
	summarizer := NewRollingSummarizer(store, fn, 800, nil)

	for i := 1; i <= 10; i++ {
		appendText(t, store, sess.ID, "user", fmt.Sprintf("message %d", i))
	}
	if err := summarizer.SummarizeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("first pass failed: %v", err)
	}
	got, _ := store.GetSession(ctx, sess.ID)
	if got.SummaryThroughSeq != 10 {
		t.Fatalf("watermark = %d after first pass, want 10", got.SummaryThroughSeq)
	}

	for i := 11; i <= 20; i++ {
		appendText(t, store, sess.ID, "user", fmt.Sprintf("message %d", i))
	}
	if err := summarizer.SummarizeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("second pass failed: %v", err)
	}
	got, _ = store.GetSession(ctx, sess.ID)
	if got.SummaryThroughSeq != 20 {
		t.Fatalf("watermark = %d after second pass, want 20", got.SummaryThroughSeq)
	}

	if calls != 2 {
		t.Fatalf("summary generated %d times, want 2", calls)
	}
	// The second pass must only see messages past the first watermark.
	if strings.Contains(transcripts[1], "message 10\n") {
		t.Fatalf("second pass re-consumed summarized message: %q", transcripts[1])
	}
	if !strings.Contains(transcripts[1], "message 11") || !strings.Contains(transcripts[1], "message 20") {
		t.Fatalf("second pass missing new range: %q", transcripts[1])
	}

	// Summary is replaced, not appended: exactly the second pass output.
	if got.Summary != `summary pass 2 (prior: "summary pass 1 (prior: \"\")")` {
		t.Fatalf("unexpected stored summary: %q", got.Summary)
	}
}

func TestSummarizeSession_NoNewMessagesIsNoop(t *testing.T) {
	store, _, sess := assembleFixture(t)
	ctx := context.Background()

	calls := 0
	fn := func(_ context.Context, _, _ string) (string, error) {
		calls++
		return "s", nil
	}
	summarizer := NewRollingSummarizer(store, fn, 800, nil)

	appendText(t, store, sess.ID, "user", "hello")
	if err := summarizer.SummarizeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("pass failed: %v", err)
	}
	if err := summarizer.SummarizeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("repeat pass failed: %v", err)
	}
	if calls != 1 {
		t.Fatalf("summary generated %d times on unchanged range, want 1", calls)
	}
}

func TestSummarizeSession_GenerationErrorLeavesSummaryUnchanged(t *testing.T) {
	store, _, sess := assembleFixture(t)
	ctx := context.Background()

	if err := store.SetSessionSummary(ctx, sess.ID, "existing summary", 0); err != nil {
		t.Fatalf("SetSessionSummary failed: %v", err)
	}
	appendText(t, store, sess.ID, "user", "new material")

	fn := func(_ context.Context, _, _ string) (string, error) {
		return "", errors.New("model unavailable")
	}
	summarizer := NewRollingSummarizer(store, fn, 800, nil)
	if err := summarizer.SummarizeSession(ctx, sess.ID, false); err == nil {
		t.Fatalf("expected error from failed generation")
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if got.Summary != "existing summary" {
		t.Fatalf("summary changed after failed pass: %q", got.Summary)
	}
	if got.SummaryThroughSeq != 0 {
		t.Fatalf("watermark advanced after failed pass: %d", got.SummaryThroughSeq)
	}
}

func TestSummarizeSession_HeuristicFallback(t *testing.T) {
	store, _, sess := assembleFixture(t)
	ctx := context.Background()

	appendText(t, store, sess.ID, "user", "Hi, my name is Marta and I run a bakery")
	appendText(t, store, sess.ID, "assistant", "The pro plan is $49/month.")
	appendText(t, store, sess.ID, "user", "That feels too expensive for a small shop")
	appendText(t, store, sess.ID, "user", "I'll think it over this weekend, thanks")

	summarizer := NewRollingSummarizer(store, nil, 800, nil)
	if err := summarizer.SummarizeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got, _ := store.GetSession(ctx, sess.ID)
	for _, want := range []string{
		"Contact identified as: Marta",
		"$49/month",
		"Objection raised: too expensive",
		"Commitment: I'll think it over",
		"Current sentiment: positive",
	} {
		if !strings.Contains(got.Summary, want) {
			t.Fatalf("heuristic summary missing %q:\n%s", want, got.Summary)
		}
	}
	if got.SummaryThroughSeq != 4 {
		t.Fatalf("watermark = %d, want 4", got.SummaryThroughSeq)
	}
}

func TestSummarizeSession_BoundedByMaxTokens(t *testing.T) {
	store, _, sess := assembleFixture(t)
	ctx := context.Background()

	appendText(t, store, sess.ID, "user", "long conversation")
	fn := func(_ context.Context, _, _ string) (string, error) {
		return strings.Repeat("detail ", 500), nil
	}
	summarizer := NewRollingSummarizer(store, fn, 100, nil)
	if err := summarizer.SummarizeSession(ctx, sess.ID, false); err != nil {
		t.Fatalf("pass failed: %v", err)
	}

	got, _ := store.GetSession(ctx, sess.ID)
	if tokens := EstimateTokens(got.Summary); tokens > 100 {
		t.Fatalf("stored summary is %d tokens, cap 100", tokens)
	}
}

func TestBuildTranscript_ClipsLongMultibyteContentCleanly(t *testing.T) {
	long := strings.Repeat("каждое слово важно ", 40)
	transcript := buildTranscript([]Message{
		{Role: "user", Content: long},
		{Role: "assistant", Content: "ok"},
	})

	if !utf8.ValidString(transcript) {
		t.Fatalf("transcript contains invalid UTF-8 after clipping")
	}
	if !strings.Contains(transcript, "...") {
		t.Fatalf("long content not clipped: %q", transcript)
	}
	if !strings.Contains(transcript, "assistant: ok") {
		t.Fatalf("short content altered: %q", transcript)
	}
}

func TestClipRunes_BoundsByRunesNotBytes(t *testing.T) {
	// 10 runes, 20 bytes: over the byte count but within the rune cap.
	s := "привет мир"
	if got := clipRunes(s, 10); got != s {
		t.Fatalf("clipRunes(%q, 10) = %q, want unchanged", s, got)
	}
	clipped := clipRunes(s, 6)
	if clipped != "привет..." {
		t.Fatalf("clipRunes(%q, 6) = %q", s, clipped)
	}
	if !utf8.ValidString(clipped) {
		t.Fatalf("clip produced invalid UTF-8: %q", clipped)
	}
}
