package memory

import (
	"strings"
	"testing"
)

func TestDeriveBudget_FixedShares(t *testing.T) {
	b := DeriveBudget(8000)

	if b.TotalTokens != 8000 {
		t.Fatalf("TotalTokens = %d, want 8000", b.TotalTokens)
	}
	if b.MemoryTokens != 400 {
		t.Fatalf("MemoryTokens = %d, want 400", b.MemoryTokens)
	}
	if b.NotesTokens != 1200 {
		t.Fatalf("NotesTokens = %d, want 1200", b.NotesTokens)
	}
	if b.SummaryTokens != 800 {
		t.Fatalf("SummaryTokens = %d, want 800", b.SummaryTokens)
	}
	if b.ReactivationTokens != 400 {
		t.Fatalf("ReactivationTokens = %d, want 400", b.ReactivationTokens)
	}
}

func TestDeriveBudget_ZeroDefaults(t *testing.T) {
	b := DeriveBudget(0)
	if b.TotalTokens != 8192 {
		t.Fatalf("TotalTokens = %d, want default 8192", b.TotalTokens)
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Fatalf("empty string = %d tokens, want 0", got)
	}
	if got := EstimateTokens("hi"); got != 4 {
		t.Fatalf("short string = %d tokens, want minimum 4", got)
	}
	long := strings.Repeat("a", 100)
	if got := EstimateTokens(long); got != 40 {
		t.Fatalf("100 runes = %d tokens, want 40", got)
	}
}

func TestTruncateToTokens(t *testing.T) {
	if got := TruncateToTokens("anything", 0); got != "" {
		t.Fatalf("zero allocation should return empty, got %q", got)
	}

	short := "fits easily"
	if got := TruncateToTokens(short, 100); got != short {
		t.Fatalf("content under allocation changed: %q", got)
	}

	long := strings.Repeat("word ", 200)
	got := TruncateToTokens(long, 20)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("truncated content should end with ellipsis, got %q", got)
	}
	if EstimateTokens(got) > 25 {
		t.Fatalf("truncated content still too large: %d tokens", EstimateTokens(got))
	}
}
