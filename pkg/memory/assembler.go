package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"
)

// ContextAssembler composes the token-bounded prompt for one turn, in
// strict layer order: system instruction, contact memory, operator notes,
// rolling summary, reactivation briefing, verbatim window, inbound message.
// Verbatim history is always the first thing sacrificed; layers 1-5 are
// never cut to make room for more history.
type ContextAssembler struct {
	store             Store
	sessionNoteCap    int
	contactNoteCap    int
	maxWindowMessages int
	log               *zap.Logger
}

func NewContextAssembler(store Store, sessionNoteCap, contactNoteCap, maxWindowMessages int, log *zap.Logger) *ContextAssembler {
	if sessionNoteCap <= 0 {
		sessionNoteCap = 10
	}
	if contactNoteCap <= 0 {
		contactNoteCap = 20
	}
	if maxWindowMessages <= 0 {
		maxWindowMessages = 10
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ContextAssembler{
		store:             store,
		sessionNoteCap:    sessionNoteCap,
		contactNoteCap:    contactNoteCap,
		maxWindowMessages: maxWindowMessages,
		log:               log,
	}
}

// AssembleInput carries everything one turn's assembly depends on.
// InboundSeq is the seq the inbound message was persisted at; the verbatim
// window excludes it so the new message appears only as the final layer.
type AssembleInput struct {
	SystemPrompt   string
	Contact        Contact
	Session        Session
	Inbound        string
	InboundSeq     int
	IsReactivation bool
	ElapsedDays    int
	Budget         Budget
}

// Assemble builds the ordered block list. Each optional layer is skipped
// when empty. Returns ErrContextTooLarge when the system instruction and
// inbound message alone exceed the budget; the system instruction is never
// silently dropped.
func (a *ContextAssembler) Assemble(ctx context.Context, in AssembleInput) ([]ContextBlock, error) {
	budget := in.Budget
	if budget.TotalTokens <= 0 {
		budget = DeriveBudget(0)
	}

	systemTokens := EstimateTokens(in.SystemPrompt)
	inboundTokens := EstimateTokens(in.Inbound)
	remaining := budget.TotalTokens - systemTokens - inboundTokens
	if remaining < 0 {
		return nil, fmt.Errorf("system %d + inbound %d tokens over budget %d: %w",
			systemTokens, inboundTokens, budget.TotalTokens, ErrContextTooLarge)
	}

	blocks := make([]ContextBlock, 0, 8)
	blocks = append(blocks, ContextBlock{
		Layer:   LayerSystem,
		Role:    "system",
		Content: in.SystemPrompt,
		Tokens:  systemTokens,
	})

	if mem := FormatContactMemory(in.Contact.Memory, budget.MemoryTokens); mem != "" {
		tokens := EstimateTokens(mem)
		if tokens <= remaining {
			blocks = append(blocks, ContextBlock{Layer: LayerContactMemory, Role: "system", Content: mem, Tokens: tokens})
			remaining -= tokens
		}
	}

	notesBlock, err := a.buildNotesBlock(ctx, in.Session, in.Contact, budget.NotesTokens)
	if err != nil {
		return nil, err
	}
	if notesBlock != "" {
		tokens := EstimateTokens(notesBlock)
		if tokens <= remaining {
			blocks = append(blocks, ContextBlock{Layer: LayerOperatorNotes, Role: "system", Content: notesBlock, Tokens: tokens})
			remaining -= tokens
		}
	}

	if summary := strings.TrimSpace(in.Session.Summary); summary != "" {
		content := "## Conversation So Far\n" + TruncateToTokens(summary, budget.SummaryTokens)
		tokens := EstimateTokens(content)
		if tokens <= remaining {
			blocks = append(blocks, ContextBlock{Layer: LayerSummary, Role: "system", Content: content, Tokens: tokens})
			remaining -= tokens
		}
	}

	if in.IsReactivation {
		if briefing := BuildReactivationBriefing(in.Session, in.Contact.Memory, in.ElapsedDays, budget.ReactivationTokens); briefing != "" {
			tokens := EstimateTokens(briefing)
			if tokens <= remaining {
				blocks = append(blocks, ContextBlock{Layer: LayerReactivation, Role: "system", Content: briefing, Tokens: tokens})
				remaining -= tokens
			}
		}
	}

	history, err := a.buildWindow(ctx, in.Session, in.InboundSeq, remaining)
	if err != nil {
		return nil, err
	}
	blocks = append(blocks, history...)

	blocks = append(blocks, ContextBlock{
		Layer:   LayerInbound,
		Role:    "user",
		Content: in.Inbound,
		Tokens:  inboundTokens,
	})

	a.log.Debug("context assembled",
		zap.String("session_id", in.Session.ID),
		zap.Int("blocks", len(blocks)),
		zap.Int("budget", budget.TotalTokens))
	_ = a.store.AddMetric(ctx, "context.blocks", float64(len(blocks)), map[string]string{"session_id": in.Session.ID})
	return blocks, nil
}

// buildNotesBlock gathers session-level then contact-level notes in
// priority-then-recency order. Notes are never compressed; when the token
// hard cap is exceeded whole notes are shed lowest-priority-first.
func (a *ContextAssembler) buildNotesBlock(ctx context.Context, sess Session, contact Contact, capTokens int) (string, error) {
	sessionNotes, err := a.store.ListActiveNotes(ctx, TargetSession, sess.ID, a.sessionNoteCap)
	if err != nil {
		return "", fmt.Errorf("list session notes: %w", err)
	}
	contactNotes, err := a.store.ListActiveNotes(ctx, TargetContact, contact.ID, a.contactNoteCap)
	if err != nil {
		return "", fmt.Errorf("list contact notes: %w", err)
	}
	notes := append(sessionNotes, contactNotes...)
	if len(notes) == 0 {
		return "", nil
	}

	lines := make([]string, 0, len(notes))
	for _, n := range notes {
		lines = append(lines, FormatNote(n))
	}
	header := "## Operator Notes\n"
	for {
		body := header + strings.Join(lines, "\n")
		if EstimateTokens(body) <= capTokens || len(lines) <= 1 {
			return body, nil
		}
		drop := lowestPriorityIndex(notes)
		notes = append(notes[:drop], notes[drop+1:]...)
		lines = append(lines[:drop], lines[drop+1:]...)
	}
}

func lowestPriorityIndex(notes []OperatorNote) int {
	idx := 0
	for i, n := range notes {
		if n.Priority < notes[idx].Priority ||
			(n.Priority == notes[idx].Priority && n.CreatedAtMS < notes[idx].CreatedAtMS) {
			idx = i
		}
	}
	return idx
}

// buildWindow selects the verbatim sliding window: only messages newer
// than the summary watermark and older than the inbound turn, newest
// kept, oldest dropped first when the remaining budget runs out.
func (a *ContextAssembler) buildWindow(ctx context.Context, sess Session, inboundSeq, tokenBudget int) ([]ContextBlock, error) {
	if tokenBudget <= 0 {
		return nil, nil
	}
	limit := a.maxWindowMessages
	if inboundSeq > 0 {
		// The inbound turn is already persisted and occupies one fetch slot.
		limit++
	}
	msgs, err := a.store.ListMessagesAfterSeq(ctx, sess.ID, sess.SummaryThroughSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list window messages: %w", err)
	}

	selected := make([]Message, 0, len(msgs))
	used := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if inboundSeq > 0 && msgs[i].Seq >= inboundSeq {
			continue
		}
		tokens := EstimateTokens(msgs[i].Content)
		if used+tokens > tokenBudget {
			break
		}
		selected = append(selected, msgs[i])
		used += tokens
		if len(selected) == a.maxWindowMessages {
			break
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Seq < selected[j].Seq })

	out := make([]ContextBlock, 0, len(selected))
	for _, m := range selected {
		out = append(out, ContextBlock{
			Layer:   LayerHistory,
			Role:    m.Role,
			Content: m.Content,
			Tokens:  EstimateTokens(m.Content),
		})
	}
	return out, nil
}

// FormatNote renders one operator note for the prompt. The content is
// carried verbatim so a human can guarantee exact wording reaches the model.
func FormatNote(n OperatorNote) string {
	return fmt.Sprintf("[%s] %s", n.Category, n.Content)
}

// FormatContactMemory serializes structured memory compactly for its small
// fixed allocation.
func FormatContactMemory(mem StructuredMemory, capTokens int) string {
	var b strings.Builder
	writeKV := func(label string, kv map[string]string) {
		if len(kv) == 0 {
			return
		}
		keys := make([]string, 0, len(kv))
		for k := range kv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		pairs := make([]string, 0, len(keys))
		for _, k := range keys {
			pairs = append(pairs, k+"="+kv[k])
		}
		b.WriteString(label + ": " + strings.Join(pairs, "; ") + "\n")
	}
	writeIssues := func(label string, issues []TrackedIssue) {
		if len(issues) == 0 {
			return
		}
		parts := make([]string, 0, len(issues))
		for _, is := range issues {
			parts = append(parts, fmt.Sprintf("%s (%s)", is.Detail, is.Status))
		}
		b.WriteString(label + ": " + strings.Join(parts, "; ") + "\n")
	}

	writeKV("Identity", mem.Identity)
	writeKV("Preferences", mem.Preferences)
	writeKV("Business", mem.BusinessContext)
	writeIssues("Objections", mem.Objections)
	writeIssues("Pain points", mem.PainPoints)
	writeIssues("Product interest", mem.ProductInterests)
	if mem.Sentiment != "" {
		b.WriteString("Sentiment: " + mem.Sentiment + "\n")
	}
	if mem.Timeline != "" {
		b.WriteString("Timeline: " + mem.Timeline + "\n")
	}
	body := strings.TrimSpace(b.String())
	if body == "" {
		return ""
	}
	return "## Contact Memory\n" + TruncateToTokens(body, capTokens)
}

// BuildReactivationBriefing synthesizes a fresh "they're back" block from
// the stored summary and contact memory. Regenerated each turn, never stored.
func BuildReactivationBriefing(sess Session, mem StructuredMemory, elapsedDays, capTokens int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Contact returned after %d days away.", elapsedDays)
	if summary := strings.TrimSpace(sess.Summary); summary != "" {
		b.WriteString(" Last discussed: " + firstLine(summary))
	}
	if mem.Timeline != "" {
		b.WriteString(" Agreed next step: " + mem.Timeline)
	}
	if mem.Sentiment != "" {
		b.WriteString(" Sentiment at last contact: " + mem.Sentiment + ".")
	}
	return "## Reactivation\n" + TruncateToTokens(b.String(), capTokens)
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	return strings.TrimSpace(s)
}
