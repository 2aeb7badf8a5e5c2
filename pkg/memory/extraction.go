package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"
)

// FactExtractor asynchronously mines structured facts from session
// transcripts into contact memory. Each pass produces a minimal diff and
// applies it atomically with provenance; a failed pass changes nothing.
type FactExtractor struct {
	store   Store
	extract ExtractFunc
	log     *zap.Logger
	now     func() time.Time
}

func NewFactExtractor(store Store, extract ExtractFunc, log *zap.Logger) *FactExtractor {
	if log == nil {
		log = zap.NewNop()
	}
	return &FactExtractor{store: store, extract: extract, log: log, now: time.Now}
}

// ExtractSession runs one extraction pass over the messages accumulated
// since the previous pass for this session.
func (e *FactExtractor) ExtractSession(ctx context.Context, sessionID string) error {
	sess, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("extract session %s: %w", sessionID, err)
	}
	fromSeq, err := e.lastExtractedSeq(ctx, sess.ContactID, sessionID)
	if err != nil {
		return err
	}
	msgs, err := e.store.ListMessagesAfterSeq(ctx, sessionID, fromSeq, 0)
	if err != nil {
		return fmt.Errorf("list messages for extraction: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	mem, err := e.store.GetContactMemory(ctx, sess.ContactID)
	if err != nil {
		return fmt.Errorf("load contact memory: %w", err)
	}

	diff, err := e.mineDiff(ctx, mem, msgs)
	if err != nil {
		return fmt.Errorf("mine fact diff: %w", err)
	}
	diff = MinimizeDiff(mem, diff)
	toSeq := msgs[len(msgs)-1].Seq
	if diff.Empty() {
		// Still advance provenance so the next pass skips this range.
		return e.recordBatch(ctx, sess, mem, diff, fromSeq+1, toSeq)
	}

	merged := ApplyFactDiff(mem, diff, e.now().UnixMilli())
	merged.Interactions = rollupInteractions(merged.Interactions, sess, e.now().UnixMilli())

	if err := e.recordBatch(ctx, sess, merged, diff, fromSeq+1, toSeq); err != nil {
		return err
	}
	e.log.Info("facts extracted",
		zap.String("session_id", sessionID),
		zap.String("contact_id", sess.ContactID),
		zap.Int("from_seq", fromSeq+1),
		zap.Int("to_seq", toSeq))
	return nil
}

func (e *FactExtractor) recordBatch(ctx context.Context, sess Session, mem StructuredMemory, diff FactDiff, fromSeq, toSeq int) error {
	raw, err := json.Marshal(diff)
	if err != nil {
		return fmt.Errorf("encode diff: %w", err)
	}
	batch := FactBatch{
		ContactID:   sess.ContactID,
		SessionID:   sess.ID,
		FromSeq:     fromSeq,
		ToSeq:       toSeq,
		DiffJSON:    string(raw),
		AppliedAtMS: e.now().UnixMilli(),
	}
	if err := e.store.RecordFactBatch(ctx, batch, mem); err != nil {
		return fmt.Errorf("record fact batch: %w", err)
	}
	return nil
}

func (e *FactExtractor) lastExtractedSeq(ctx context.Context, contactID, sessionID string) (int, error) {
	last, err := e.store.LastFactBatchSeq(ctx, contactID, sessionID)
	if err != nil {
		return 0, fmt.Errorf("last extracted seq: %w", err)
	}
	return last, nil
}

// mineDiff asks the model-backed extractor for a JSON diff, repairing the
// payload before decoding; without a wired extractor it falls back to the
// heuristic miner.
func (e *FactExtractor) mineDiff(ctx context.Context, mem StructuredMemory, msgs []Message) (FactDiff, error) {
	if e.extract == nil {
		return heuristicDiff(msgs), nil
	}
	memJSON, err := json.Marshal(mem)
	if err != nil {
		return FactDiff{}, fmt.Errorf("encode memory snapshot: %w", err)
	}
	raw, err := e.extract(ctx, string(memJSON), buildTranscript(msgs))
	if err != nil {
		return FactDiff{}, err
	}
	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return FactDiff{}, fmt.Errorf("repair diff payload: %w", err)
	}
	var diff FactDiff
	if err := json.Unmarshal([]byte(repaired), &diff); err != nil {
		return FactDiff{}, fmt.Errorf("decode diff payload: %w", err)
	}
	return diff, nil
}

// Empty reports whether the diff carries no change at all.
func (d FactDiff) Empty() bool {
	return len(d.Identity) == 0 && len(d.Preferences) == 0 && len(d.BusinessContext) == 0 &&
		len(d.Objections) == 0 && len(d.PainPoints) == 0 && len(d.ProductInterests) == 0 &&
		d.Sentiment == "" && d.Timeline == ""
}

// MinimizeDiff strips entries that would not change current memory, so the
// applied batch records only genuine updates.
func MinimizeDiff(mem StructuredMemory, diff FactDiff) FactDiff {
	diff.Identity = changedOnly(mem.Identity, diff.Identity)
	diff.Preferences = changedOnly(mem.Preferences, diff.Preferences)
	diff.BusinessContext = changedOnly(mem.BusinessContext, diff.BusinessContext)
	diff.Objections = changedIssues(mem.Objections, diff.Objections)
	diff.PainPoints = changedIssues(mem.PainPoints, diff.PainPoints)
	diff.ProductInterests = changedIssues(mem.ProductInterests, diff.ProductInterests)
	if diff.Sentiment == mem.Sentiment {
		diff.Sentiment = ""
	}
	if diff.Timeline == mem.Timeline {
		diff.Timeline = ""
	}
	return diff
}

func changedOnly(current, incoming map[string]string) map[string]string {
	if len(incoming) == 0 {
		return nil
	}
	out := map[string]string{}
	for k, v := range incoming {
		if v == "" || current[k] == v {
			continue
		}
		out[k] = v
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func changedIssues(current []TrackedIssue, incoming []IssueUpdate) []IssueUpdate {
	if len(incoming) == 0 {
		return nil
	}
	byKey := map[string]TrackedIssue{}
	for _, is := range current {
		byKey[is.Key] = is
	}
	out := make([]IssueUpdate, 0, len(incoming))
	for _, up := range incoming {
		if up.Key == "" {
			continue
		}
		if existing, ok := byKey[up.Key]; ok && existing.Status == up.Status {
			continue
		}
		out = append(out, up)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// ApplyFactDiff merges a diff into memory under the category policy:
// identity, preference, business, sentiment and timeline fields overwrite;
// objections, pain points and product interests append with status
// tracking. A resolved issue never regresses to raised unless the update
// is marked Explicit (a fresh mention in source text).
func ApplyFactDiff(mem StructuredMemory, diff FactDiff, nowMS int64) StructuredMemory {
	mem.Identity = mergeKV(mem.Identity, diff.Identity)
	mem.Preferences = mergeKV(mem.Preferences, diff.Preferences)
	mem.BusinessContext = mergeKV(mem.BusinessContext, diff.BusinessContext)
	mem.Objections = mergeIssues(mem.Objections, diff.Objections, nowMS)
	mem.PainPoints = mergeIssues(mem.PainPoints, diff.PainPoints, nowMS)
	mem.ProductInterests = mergeIssues(mem.ProductInterests, diff.ProductInterests, nowMS)
	if diff.Sentiment != "" {
		mem.Sentiment = diff.Sentiment
	}
	if diff.Timeline != "" {
		mem.Timeline = diff.Timeline
	}
	return mem
}

func mergeKV(current, incoming map[string]string) map[string]string {
	if len(incoming) == 0 {
		return current
	}
	if current == nil {
		current = map[string]string{}
	}
	for k, v := range incoming {
		current[k] = v
	}
	return current
}

func mergeIssues(current []TrackedIssue, updates []IssueUpdate, nowMS int64) []TrackedIssue {
	for _, up := range updates {
		if up.Key == "" {
			continue
		}
		found := false
		for i := range current {
			if current[i].Key != up.Key {
				continue
			}
			found = true
			if current[i].Status == IssueResolved && up.Status == IssueRaised && !up.Explicit {
				break
			}
			current[i].Status = up.Status
			if up.Detail != "" {
				current[i].Detail = up.Detail
			}
			current[i].UpdatedMS = nowMS
			break
		}
		if !found {
			detail := up.Detail
			if detail == "" {
				detail = up.Key
			}
			current = append(current, TrackedIssue{
				Key:       up.Key,
				Detail:    detail,
				Status:    up.Status,
				UpdatedMS: nowMS,
			})
		}
	}
	return current
}

func rollupInteractions(stats InteractionStats, sess Session, nowMS int64) InteractionStats {
	seen := false
	for _, ch := range stats.Channels {
		if ch == sess.Channel {
			seen = true
			break
		}
	}
	if !seen {
		stats.Channels = append(stats.Channels, sess.Channel)
	}
	if stats.FirstSeenMS == 0 {
		stats.FirstSeenMS = sess.CreatedAtMS
	}
	stats.LastSeenMS = nowMS
	return stats
}

var (
	extractNameRegex       = regexp.MustCompile(`(?i)\b(?:my name is|this is)\s+([A-Z][A-Za-z'\-]{1,30})`)
	extractCompanyRegex    = regexp.MustCompile(`(?i)\b(?:i work (?:at|for)|i'?m with|my company is)\s+([A-Za-z0-9][A-Za-z0-9 &.\-]{1,60})`)
	extractPrefRegex       = regexp.MustCompile(`(?i)\bi (?:really )?(?:prefer|like|want|need)\s+([^.!?\n]{3,120})`)
	extractObjectionRegex  = regexp.MustCompile(`(?i)\b(too expensive|too much|can'?t afford|not sure about|concerned about|worried about)\b\s*([^.!?\n]{0,80})`)
	extractInterestRegex   = regexp.MustCompile(`(?i)\b(?:interested in|tell me (?:more )?about|looking (?:for|at))\s+([^.!?\n]{3,80})`)
	extractResolutionRegex = regexp.MustCompile(`(?i)\b(that works|no longer an issue|sounds fair|ok(?:ay)? with that|that'?s fine)\b`)
	extractNextStepRegex   = regexp.MustCompile(`(?i)\b(?:let'?s|we(?:'ll| will)|i(?:'ll| will))\s+(call|meet|talk|schedule|follow up|send)[^.!?\n]{0,80}`)
)

// heuristicDiff is the deterministic fallback extractor, mining the same
// categories the model-backed path would.
func heuristicDiff(msgs []Message) FactDiff {
	diff := FactDiff{}
	addIssue := func(dst *[]IssueUpdate, key, detail string, status IssueStatus, explicit bool) {
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return
		}
		for i, existing := range *dst {
			if existing.Key == key {
				if existing.Status != status {
					(*dst)[i].Status = status
				}
				return
			}
		}
		*dst = append(*dst, IssueUpdate{Key: key, Detail: strings.TrimSpace(detail), Status: status, Explicit: explicit})
	}

	lastObjectionKey := ""
	for _, m := range msgs {
		content := strings.TrimSpace(m.Content)
		if content == "" || m.Role != "user" {
			continue
		}
		if match := extractNameRegex.FindStringSubmatch(content); match != nil {
			if diff.Identity == nil {
				diff.Identity = map[string]string{}
			}
			diff.Identity["name"] = strings.TrimSpace(match[1])
		}
		if match := extractCompanyRegex.FindStringSubmatch(content); match != nil {
			if diff.BusinessContext == nil {
				diff.BusinessContext = map[string]string{}
			}
			diff.BusinessContext["company"] = strings.TrimSpace(match[1])
		}
		for _, match := range extractPrefRegex.FindAllStringSubmatch(content, -1) {
			if diff.Preferences == nil {
				diff.Preferences = map[string]string{}
			}
			pref := strings.TrimSpace(match[1])
			diff.Preferences[issueKey(pref)] = pref
		}
		for _, match := range extractObjectionRegex.FindAllStringSubmatch(content, -1) {
			detail := strings.TrimSpace(match[1] + " " + match[2])
			key := issueKey(detail)
			addIssue(&diff.Objections, key, detail, IssueRaised, true)
			lastObjectionKey = key
		}
		if extractResolutionRegex.MatchString(content) && lastObjectionKey != "" {
			addIssue(&diff.Objections, lastObjectionKey, "", IssueResolved, false)
		}
		for _, match := range extractInterestRegex.FindAllStringSubmatch(content, -1) {
			detail := strings.TrimSpace(match[1])
			addIssue(&diff.ProductInterests, issueKey(detail), detail, IssueRaised, true)
		}
		if match := extractNextStepRegex.FindString(content); match != "" {
			diff.Timeline = strings.TrimSpace(match)
		}
		if negativeRegex.MatchString(content) {
			diff.Sentiment = "negative"
		} else if positiveRegex.MatchString(content) && diff.Sentiment == "" {
			diff.Sentiment = "positive"
		}
	}
	return diff
}

// issueKey derives a stable slug so repeated mentions of the same issue
// collapse onto one tracked entry.
func issueKey(detail string) string {
	words := strings.Fields(strings.ToLower(strings.TrimSpace(detail)))
	if len(words) > 4 {
		words = words[:4]
	}
	return strings.Join(words, "-")
}
