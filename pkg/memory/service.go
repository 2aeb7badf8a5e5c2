package memory

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// OrgPolicy holds the numeric thresholds that are policy, not
// architecture: every field can differ per organization.
type OrgPolicy struct {
	TokenBudget           int
	SummarizeEvery        int
	SummaryMaxTokens      int
	MaxWindowMessages     int
	DormancyThreshold     time.Duration
	ReactivationThreshold time.Duration
	SessionNoteCap        int
	ContactNoteCap        int
}

// DefaultOrgPolicy returns the stock thresholds.
func DefaultOrgPolicy() OrgPolicy {
	return OrgPolicy{
		TokenBudget:           8192,
		SummarizeEvery:        10,
		SummaryMaxTokens:      800,
		MaxWindowMessages:     10,
		DormancyThreshold:     24 * time.Hour,
		ReactivationThreshold: 7 * 24 * time.Hour,
		SessionNoteCap:        10,
		ContactNoteCap:        20,
	}
}

func (p OrgPolicy) withDefaults() OrgPolicy {
	def := DefaultOrgPolicy()
	if p.TokenBudget <= 0 {
		p.TokenBudget = def.TokenBudget
	}
	if p.SummarizeEvery <= 0 {
		p.SummarizeEvery = def.SummarizeEvery
	}
	if p.SummaryMaxTokens <= 0 {
		p.SummaryMaxTokens = def.SummaryMaxTokens
	}
	if p.MaxWindowMessages <= 0 {
		p.MaxWindowMessages = def.MaxWindowMessages
	}
	if p.DormancyThreshold <= 0 {
		p.DormancyThreshold = def.DormancyThreshold
	}
	if p.ReactivationThreshold <= 0 {
		p.ReactivationThreshold = def.ReactivationThreshold
	}
	if p.SessionNoteCap <= 0 {
		p.SessionNoteCap = def.SessionNoteCap
	}
	if p.ContactNoteCap <= 0 {
		p.ContactNoteCap = def.ContactNoteCap
	}
	return p
}

// Config configures the memory engine.
type Config struct {
	DBPath         string
	Defaults       OrgPolicy
	OrgOverrides   map[string]OrgPolicy
	WorkerPoll     time.Duration
	WorkerLease    time.Duration
	JobMaxAttempts int
	SweepSchedule  string
	SweepBatch     int
}

// Service orchestrates identity/session resolution, context assembly and
// the deferred summarization/extraction pipeline.
type Service struct {
	cfg       Config
	store     Store
	identity  *IdentityResolver
	summarize SummaryFunc
	extract   ExtractFunc
	log       *zap.Logger

	gron   *gronx.Gronx
	stopCh chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error
}

// NewService opens the store and starts the background worker and the
// dormancy sweeper. summarize/extract may be nil; the deterministic
// fallbacks then serve those paths.
func NewService(cfg Config, summarize SummaryFunc, extract ExtractFunc, log *zap.Logger) (*Service, error) {
	if strings.TrimSpace(cfg.DBPath) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if log == nil {
		log = zap.NewNop()
	}
	cfg.Defaults = cfg.Defaults.withDefaults()
	if cfg.WorkerPoll <= 0 {
		cfg.WorkerPoll = 800 * time.Millisecond
	}
	if cfg.WorkerLease <= 0 {
		cfg.WorkerLease = 45 * time.Second
	}
	if cfg.JobMaxAttempts <= 0 {
		cfg.JobMaxAttempts = 3
	}
	if strings.TrimSpace(cfg.SweepSchedule) == "" {
		cfg.SweepSchedule = "* * * * *"
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}

	store, err := NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	svc := &Service{
		cfg:       cfg,
		store:     store,
		identity:  NewIdentityResolver(store, log),
		summarize: summarize,
		extract:   extract,
		log:       log,
		gron:      gronx.New(),
		stopCh:    make(chan struct{}),
	}

	svc.wg.Add(2)
	go svc.runWorker()
	go svc.runSweeper()
	return svc, nil
}

func (s *Service) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		s.wg.Wait()
		s.closeErr = s.store.Close()
	})
	return s.closeErr
}

// Store exposes the underlying store for read paths (CLI inspection).
func (s *Service) Store() Store { return s.store }

// PolicyFor returns the effective thresholds for an organization.
func (s *Service) PolicyFor(orgID string) OrgPolicy {
	if p, ok := s.cfg.OrgOverrides[orgID]; ok {
		return p.withDefaults()
	}
	return s.cfg.Defaults
}

// ResolveTurn maps one inbound (org, channel, rawIdentifier) to its
// contact and active session, flagging reactivation.
func (s *Service) ResolveTurn(ctx context.Context, orgID, channel, rawIdentifier string) (Resolution, error) {
	contact, err := s.identity.Resolve(ctx, orgID, channel, rawIdentifier)
	if err != nil {
		return Resolution{}, err
	}
	policy := s.PolicyFor(orgID)
	resolver := NewSessionResolver(s.store, policy.DormancyThreshold, policy.ReactivationThreshold, s.log)
	sess, isReactivation, elapsedDays, err := resolver.Resolve(ctx, orgID, contact.ID, channel)
	if err != nil {
		return Resolution{}, err
	}
	return Resolution{
		Contact:        contact,
		Session:        sess,
		IsReactivation: isReactivation,
		ElapsedDays:    elapsedDays,
	}, nil
}

// Assemble builds the bounded context for one turn. inboundSeq is the seq
// the inbound message was recorded at, so the verbatim window stops before
// the turn being answered.
func (s *Service) Assemble(ctx context.Context, systemPrompt string, res Resolution, inbound string, inboundSeq int) ([]ContextBlock, error) {
	policy := s.PolicyFor(res.Session.OrgID)
	assembler := NewContextAssembler(s.store, policy.SessionNoteCap, policy.ContactNoteCap, policy.MaxWindowMessages, s.log)
	return assembler.Assemble(ctx, AssembleInput{
		SystemPrompt:   systemPrompt,
		Contact:        res.Contact,
		Session:        res.Session,
		Inbound:        inbound,
		InboundSeq:     inboundSeq,
		IsReactivation: res.IsReactivation,
		ElapsedDays:    res.ElapsedDays,
		Budget:         DeriveBudget(policy.TokenBudget),
	})
}

// RecordMessage appends one immutable turn and, when the summarization
// cadence is due, schedules the deferred maintenance jobs. The append is
// durable before any scheduling happens.
func (s *Service) RecordMessage(ctx context.Context, sessionID, role, content string) (Message, error) {
	msg, err := s.store.AppendMessage(ctx, Message{SessionID: sessionID, Role: role, Content: content})
	if err != nil {
		return Message{}, err
	}

	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return msg, err
	}
	policy := s.PolicyFor(sess.OrgID)
	if msg.Seq-sess.SummaryThroughSeq >= policy.SummarizeEvery {
		s.ScheduleMaintenance(ctx, sessionID, false)
	}
	return msg, nil
}

// ScheduleMaintenance enqueues one summarize and one extract job for the
// session. Job ids are content-addressed so a turn retried at the same
// watermark does not duplicate work.
func (s *Service) ScheduleMaintenance(ctx context.Context, sessionID string, final bool) {
	now := time.Now().UnixMilli()
	finalFlag := "0"
	if final {
		finalFlag = "1"
	}
	marker := fmt.Sprintf("%s|%d", sessionID, now/1000)
	if err := s.store.EnqueueJob(ctx, Job{
		ID:         maintenanceJobID(JobSummarize, marker),
		JobType:    JobSummarize,
		SessionID:  sessionID,
		Priority:   30,
		Payload:    map[string]string{"final": finalFlag},
		RunAfterMS: now,
	}); err != nil {
		s.log.Warn("enqueue summarize job", zap.String("session_id", sessionID), zap.Error(err))
	}
	if err := s.store.EnqueueJob(ctx, Job{
		ID:         maintenanceJobID(JobExtract, marker),
		JobType:    JobExtract,
		SessionID:  sessionID,
		Priority:   60,
		RunAfterMS: now + 500,
	}); err != nil {
		s.log.Warn("enqueue extract job", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// AddOperatorNote persists a human annotation. The soft cap never blocks
// creation; crossing it only surfaces a consolidation warning.
func (s *Service) AddOperatorNote(ctx context.Context, note OperatorNote) (OperatorNote, bool, error) {
	if note.TargetKind != TargetSession && note.TargetKind != TargetContact {
		return OperatorNote{}, false, fmt.Errorf("add note: invalid target kind %q", note.TargetKind)
	}
	if strings.TrimSpace(note.Content) == "" {
		return OperatorNote{}, false, fmt.Errorf("add note: empty content")
	}
	created, err := s.store.AddNote(ctx, note)
	if err != nil {
		return OperatorNote{}, false, err
	}

	policy := s.PolicyFor(note.OrgID)
	noteCap := policy.SessionNoteCap
	if note.TargetKind == TargetContact {
		noteCap = policy.ContactNoteCap
	}
	count, err := s.store.CountActiveNotes(ctx, note.TargetKind, note.TargetID)
	if err != nil {
		return created, false, err
	}
	overCap := count > noteCap
	if overCap {
		s.log.Warn("operator note soft cap exceeded, consider consolidating",
			zap.String("target_kind", note.TargetKind),
			zap.String("target_id", note.TargetID),
			zap.Int("active", count),
			zap.Int("cap", noteCap))
	}
	return created, overCap, nil
}

func (s *Service) ArchiveOperatorNote(ctx context.Context, noteID string) error {
	return s.store.ArchiveNote(ctx, noteID)
}

// GetContactMemory returns a read-only snapshot of structured memory.
func (s *Service) GetContactMemory(ctx context.Context, contactID string) (StructuredMemory, error) {
	return s.store.GetContactMemory(ctx, contactID)
}

func (s *Service) runWorker() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WorkerPoll)
	defer ticker.Stop()

	// Drain once at startup so jobs from a prior process lifetime resume.
	s.processPendingJobs()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.processPendingJobs()
		}
	}
}

func (s *Service) processPendingJobs() {
	const maxBatch = 32
	ctx := context.Background()
	_ = s.store.RequeueExpiredJobs(ctx, time.Now().UnixMilli())

	leaseForMS := int64(s.cfg.WorkerLease / time.Millisecond)
	for i := 0; i < maxBatch; i++ {
		job, ok, err := s.store.ClaimNextJob(ctx, time.Now().UnixMilli(), leaseForMS)
		if err != nil || !ok {
			return
		}

		if err := s.handleJob(ctx, job); err != nil {
			s.retryOrAbandon(ctx, job, err)
			continue
		}
		_ = s.store.CompleteJob(ctx, job.ID)
		_ = s.store.AddMetric(ctx, "job.completed", 1, map[string]string{"type": job.JobType})
	}
}

// retryOrAbandon reschedules a failed job with exponential backoff until
// the attempt limit, then abandons it with prior state untouched. Async
// failures never surface into the conversation path.
func (s *Service) retryOrAbandon(ctx context.Context, job Job, cause error) {
	attempts := job.Attempts + 1
	if attempts >= s.cfg.JobMaxAttempts {
		s.log.Error("job abandoned",
			zap.String("job_id", job.ID),
			zap.String("type", job.JobType),
			zap.Int("attempts", attempts),
			zap.Error(cause))
		_ = s.store.FailJob(ctx, job.ID, cause.Error())
		_ = s.store.AddMetric(ctx, "job.abandoned", 1, map[string]string{"type": job.JobType})
		return
	}

	delay := retryDelay(attempts)
	s.log.Warn("job retry scheduled",
		zap.String("job_id", job.ID),
		zap.String("type", job.JobType),
		zap.Int("attempt", attempts),
		zap.Duration("delay", delay),
		zap.Error(cause))
	_ = s.store.RetryJob(ctx, job.ID, attempts, time.Now().Add(delay).UnixMilli(), cause.Error())
	_ = s.store.AddMetric(ctx, "job.retried", 1, map[string]string{"type": job.JobType})
}

func retryDelay(attempt int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 2 * time.Second
	bo.MaxInterval = 2 * time.Minute
	delay := bo.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	return delay
}

func (s *Service) handleJob(ctx context.Context, job Job) error {
	switch job.JobType {
	case JobSummarize:
		sess, err := s.store.GetSession(ctx, job.SessionID)
		if err != nil {
			return err
		}
		policy := s.PolicyFor(sess.OrgID)
		summarizer := NewRollingSummarizer(s.store, s.summarize, policy.SummaryMaxTokens, s.log)
		return summarizer.SummarizeSession(ctx, job.SessionID, job.Payload["final"] == "1")
	case JobExtract:
		extractor := NewFactExtractor(s.store, s.extract, s.log)
		return extractor.ExtractSession(ctx, job.SessionID)
	default:
		return fmt.Errorf("unknown job type: %s", job.JobType)
	}
}

// runSweeper flips lapsed active sessions to dormant and triggers their
// final summarize/extract passes. The cadence is gated by a cron
// expression so operators can slow it down off-hours.
func (s *Service) runSweeper() {
	defer s.wg.Done()

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			due, err := s.gron.IsDue(s.cfg.SweepSchedule, time.Now())
			if err != nil {
				s.log.Warn("invalid sweep schedule", zap.String("schedule", s.cfg.SweepSchedule), zap.Error(err))
				due = true
			}
			if due {
				s.sweepDormant()
			}
		}
	}
}

func (s *Service) sweepDormant() {
	ctx := context.Background()
	// Query with the shortest threshold across all orgs; the per-org
	// recheck below drops sessions that have not lapsed yet.
	cutoff := time.Now().Add(-s.minDormancyThreshold()).UnixMilli()
	sessions, err := s.store.ListSessionsLastActiveBefore(ctx, cutoff, SessionActive, s.cfg.SweepBatch)
	if err != nil {
		s.log.Warn("dormancy sweep failed", zap.Error(err))
		return
	}
	for _, sess := range sessions {
		policy := s.PolicyFor(sess.OrgID)
		orgCutoff := time.Now().Add(-policy.DormancyThreshold).UnixMilli()
		if sess.LastMessageAtMS >= orgCutoff {
			continue
		}
		if err := s.store.SetSessionStatus(ctx, sess.ID, SessionDormant); err != nil {
			s.log.Warn("mark dormant failed", zap.String("session_id", sess.ID), zap.Error(err))
			continue
		}
		s.ScheduleMaintenance(ctx, sess.ID, true)
		s.log.Info("session dormant", zap.String("session_id", sess.ID))
	}
}

func (s *Service) minDormancyThreshold() time.Duration {
	min := s.cfg.Defaults.DormancyThreshold
	for _, p := range s.cfg.OrgOverrides {
		if d := p.withDefaults().DormancyThreshold; d < min {
			min = d
		}
	}
	return min
}

func maintenanceJobID(jobType, marker string) string {
	h := sha1.Sum([]byte(jobType + "|" + marker))
	return "job-" + hex.EncodeToString(h[:8])
}
