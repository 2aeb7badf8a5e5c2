package memory

import "strings"

// DeriveBudget allocates fixed token shares to the bounded context layers.
// The system instruction and inbound message are measured, not allocated:
// they are never truncated. Whatever the fixed layers leave over goes to
// verbatim history.
func DeriveBudget(total int) Budget {
	if total <= 0 {
		total = 8192
	}
	return Budget{
		TotalTokens:        total,
		MemoryTokens:       total * 5 / 100,
		NotesTokens:        total * 15 / 100,
		SummaryTokens:      total * 10 / 100,
		ReactivationTokens: total * 5 / 100,
	}
}

// EstimateTokens approximates token count from rune count. Matches the
// serving-side estimator so assembled context stays under the model ceiling.
func EstimateTokens(content string) int {
	runes := len([]rune(content))
	if runes == 0 {
		return 0
	}
	tokens := runes * 2 / 5
	if tokens < 4 {
		return 4
	}
	return tokens
}

// TruncateToTokens trims content to roughly fit a token allocation,
// cutting at a word boundary where possible.
func TruncateToTokens(content string, tokens int) string {
	if tokens <= 0 {
		return ""
	}
	if EstimateTokens(content) <= tokens {
		return content
	}
	runes := []rune(content)
	maxRunes := tokens * 5 / 2
	if maxRunes >= len(runes) {
		return content
	}
	cut := string(runes[:maxRunes])
	if idx := strings.LastIndexAny(cut, " \n\t"); idx > maxRunes/2 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}

func estimateTranscriptTokens(msgs []Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(m.Content)
	}
	return total
}
