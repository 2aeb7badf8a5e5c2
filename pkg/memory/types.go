package memory

import "time"

// Contact is a persistent cross-channel identity owned by an organization.
// Contacts are archived, never deleted.
type Contact struct {
	ID           string
	OrgID        string
	Identifiers  []Identifier
	Memory       StructuredMemory
	CreatedAtMS  int64
	UpdatedAtMS  int64
	ArchivedAtMS int64
}

// Identifier is one normalized channel identifier bound to a contact.
// Normalized identifiers are unique per organization.
type Identifier struct {
	OrgID       string
	Channel     string
	Value       string
	ContactID   string
	CreatedAtMS int64
}

// IssueStatus tracks the lifecycle of an objection, pain point or
// product interest.
type IssueStatus string

const (
	IssueRaised    IssueStatus = "raised"
	IssueAddressed IssueStatus = "addressed"
	IssueResolved  IssueStatus = "resolved"
)

// TrackedIssue is an appended sales-context entry with status tracking.
type TrackedIssue struct {
	Key       string      `json:"key"`
	Detail    string      `json:"detail"`
	Status    IssueStatus `json:"status"`
	SourceRef string      `json:"source_ref,omitempty"`
	UpdatedMS int64       `json:"updated_ms,omitempty"`
}

// StructuredMemory is the persistent, mutable-in-place contact memory.
// Identity, preference, sentiment and timeline fields overwrite;
// issue slices append with status tracking.
type StructuredMemory struct {
	Identity         map[string]string `json:"identity,omitempty"`
	Preferences      map[string]string `json:"preferences,omitempty"`
	BusinessContext  map[string]string `json:"business_context,omitempty"`
	Objections       []TrackedIssue    `json:"objections,omitempty"`
	PainPoints       []TrackedIssue    `json:"pain_points,omitempty"`
	ProductInterests []TrackedIssue    `json:"product_interests,omitempty"`
	Sentiment        string            `json:"sentiment,omitempty"`
	Timeline         string            `json:"timeline,omitempty"`
	Interactions     InteractionStats  `json:"interactions,omitempty"`
}

// InteractionStats is the rollup of how and when the contact engaged.
type InteractionStats struct {
	Channels     []string `json:"channels,omitempty"`
	SessionCount int      `json:"session_count,omitempty"`
	FirstSeenMS  int64    `json:"first_seen_ms,omitempty"`
	LastSeenMS   int64    `json:"last_seen_ms,omitempty"`
}

// Session statuses.
const (
	SessionActive  = "active"
	SessionDormant = "dormant"
	SessionClosed  = "closed"
)

// Session is a bounded conversational thread for one contact on one
// channel. Reactivated in place, never forked.
type Session struct {
	ID                string
	OrgID             string
	ContactID         string
	Channel           string
	Status            string
	Summary           string
	SummaryThroughSeq int
	MessageCount      int
	LastMessageAtMS   int64
	CreatedAtMS       int64
	UpdatedAtMS       int64
}

// Message is one immutable conversation turn.
type Message struct {
	ID        string
	SessionID string
	Seq       int
	Role      string
	Content   string
	ToolCall  string
	CreatedAt time.Time
}

// Note categories.
const (
	NoteStrategy     = "strategy"
	NoteRelationship = "relationship"
	NoteContext      = "context"
	NoteWarning      = "warning"
)

// Note target kinds.
const (
	TargetSession = "session"
	TargetContact = "contact"
)

// Note statuses.
const (
	NoteActive   = "active"
	NoteArchived = "archived"
)

// OperatorNote is a human-authored annotation pinned to a session or
// contact. Never auto-generated, never compressed.
type OperatorNote struct {
	ID           string
	OrgID        string
	TargetKind   string
	TargetID     string
	Content      string
	Category     string
	Priority     int
	Status       string
	Author       string
	CreatedAtMS  int64
	ArchivedAtMS int64
}

// FactDiff is the minimal change set produced by one extraction pass.
// Only new or changed fields appear; unchanged fields stay zero.
type FactDiff struct {
	Identity         map[string]string `json:"identity,omitempty"`
	Preferences      map[string]string `json:"preferences,omitempty"`
	BusinessContext  map[string]string `json:"business_context,omitempty"`
	Objections       []IssueUpdate     `json:"objections,omitempty"`
	PainPoints       []IssueUpdate     `json:"pain_points,omitempty"`
	ProductInterests []IssueUpdate     `json:"product_interests,omitempty"`
	Sentiment        string            `json:"sentiment,omitempty"`
	Timeline         string            `json:"timeline,omitempty"`
}

// IssueUpdate moves one tracked issue to a new status. Explicit marks a
// fresh mention in the source text, which is the only thing allowed to
// re-raise a resolved issue.
type IssueUpdate struct {
	Key      string      `json:"key"`
	Detail   string      `json:"detail,omitempty"`
	Status   IssueStatus `json:"status"`
	Explicit bool        `json:"explicit,omitempty"`
}

// FactBatch records one applied extraction pass with provenance.
type FactBatch struct {
	ID          string
	ContactID   string
	SessionID   string
	FromSeq     int
	ToSeq       int
	DiffJSON    string
	AppliedAtMS int64
}

// ContextLayer identifies one assembled prompt block, in assembly order.
type ContextLayer int

const (
	LayerSystem ContextLayer = iota
	LayerContactMemory
	LayerOperatorNotes
	LayerSummary
	LayerReactivation
	LayerHistory
	LayerInbound
)

// ContextBlock is one ordered, role-tagged prompt block.
type ContextBlock struct {
	Layer   ContextLayer
	Role    string
	Content string
	Tokens  int
}

// Budget controls token allocation per context layer.
type Budget struct {
	TotalTokens        int
	MemoryTokens       int
	NotesTokens        int
	SummaryTokens      int
	ReactivationTokens int
}

// Resolution is the identity + session resolver outcome for one inbound turn.
type Resolution struct {
	Contact        Contact
	Session        Session
	IsReactivation bool
	ElapsedDays    int
}

// Job types for the background worker.
const (
	JobSummarize = "summarize"
	JobExtract   = "extract"
)

// Job statuses.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job is a durable background task (summarization or fact extraction).
type Job struct {
	ID            string
	JobType       string
	SessionID     string
	Status        string
	Priority      int
	Attempts      int
	Payload       map[string]string
	Error         string
	RunAfterMS    int64
	LeaseUntilMS  int64
	CreatedAtMS   int64
	UpdatedAtMS   int64
	CompletedAtMS int64
}
