package memory

import "context"

// Store provides durable persistence for contacts, sessions, messages,
// operator notes, fact batches and background jobs. Messages and notes
// are append-only; contact memory and session summaries mutate in place.
type Store interface {
	Close() error

	CreateContact(ctx context.Context, orgID string) (Contact, error)
	GetContact(ctx context.Context, contactID string) (Contact, error)
	LookupContactByIdentifier(ctx context.Context, orgID, normalized string) (string, int, error)
	BindIdentifier(ctx context.Context, id Identifier) error
	ListIdentifiers(ctx context.Context, contactID string) ([]Identifier, error)
	GetContactMemory(ctx context.Context, contactID string) (StructuredMemory, error)
	SetContactMemory(ctx context.Context, contactID string, mem StructuredMemory) error
	ArchiveContact(ctx context.Context, contactID string) error

	CreateSession(ctx context.Context, orgID, contactID, channel string) (Session, error)
	GetSession(ctx context.Context, sessionID string) (Session, error)
	LatestSession(ctx context.Context, orgID, contactID, channel string) (Session, bool, error)
	SetSessionStatus(ctx context.Context, sessionID, status string) error
	SetSessionSummary(ctx context.Context, sessionID, summary string, throughSeq int) error
	ListSessionsLastActiveBefore(ctx context.Context, cutoffMS int64, status string, limit int) ([]Session, error)

	AppendMessage(ctx context.Context, msg Message) (Message, error)
	ListMessagesAfterSeq(ctx context.Context, sessionID string, afterSeq, limit int) ([]Message, error)
	ListMessageRange(ctx context.Context, sessionID string, fromSeq, toSeq int) ([]Message, error)

	AddNote(ctx context.Context, note OperatorNote) (OperatorNote, error)
	ArchiveNote(ctx context.Context, noteID string) error
	ListActiveNotes(ctx context.Context, targetKind, targetID string, limit int) ([]OperatorNote, error)
	CountActiveNotes(ctx context.Context, targetKind, targetID string) (int, error)

	RecordFactBatch(ctx context.Context, batch FactBatch, mem StructuredMemory) error
	ListFactBatches(ctx context.Context, contactID string, limit int) ([]FactBatch, error)
	LastFactBatchSeq(ctx context.Context, contactID, sessionID string) (int, error)

	EnqueueJob(ctx context.Context, job Job) error
	ClaimNextJob(ctx context.Context, nowMS, leaseForMS int64) (Job, bool, error)
	CompleteJob(ctx context.Context, id string) error
	RetryJob(ctx context.Context, id string, attempts int, runAfterMS int64, errMsg string) error
	FailJob(ctx context.Context, id, errMsg string) error
	RequeueExpiredJobs(ctx context.Context, nowMS int64) error

	AddMetric(ctx context.Context, metric string, value float64, labels map[string]string) error
}

// SummaryFunc generates a replacement summary from the prior summary plus
// the newly accumulated transcript. Wired to the external model; nil
// selects the deterministic fallback.
type SummaryFunc func(ctx context.Context, priorSummary, transcript string) (string, error)

// ExtractFunc mines a fact diff (as JSON) from the current memory snapshot
// and a transcript. Wired to the external model; nil selects the
// heuristic extractor.
type ExtractFunc func(ctx context.Context, memoryJSON, transcript string) (string, error)

// Summarizer replaces older session history with a bounded rolling summary.
type Summarizer interface {
	SummarizeSession(ctx context.Context, sessionID string, final bool) error
}

// Extractor mines structured facts from session transcripts into contact
// memory. A failed pass leaves memory untouched.
type Extractor interface {
	ExtractSession(ctx context.Context, sessionID string) error
}
