package memory

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustCreateSession(t *testing.T, store *SQLiteStore, orgID string) Session {
	t.Helper()
	ctx := context.Background()
	contact, err := store.CreateContact(ctx, orgID)
	if err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}
	sess, err := store.CreateSession(ctx, orgID, contact.ID, "sms")
	if err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	return sess
}

func appendText(t *testing.T, store *SQLiteStore, sessionID, role, content string) Message {
	t.Helper()
	msg, err := store.AppendMessage(context.Background(), Message{SessionID: sessionID, Role: role, Content: content})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
	return msg
}

func TestAppendMessage_MonotonicSeqAndSessionBump(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "org-1")

	m1 := appendText(t, store, sess.ID, "user", "hello")
	m2 := appendText(t, store, sess.ID, "assistant", "hi there")
	m3 := appendText(t, store, sess.ID, "user", "question")

	if m1.Seq != 1 || m2.Seq != 2 || m3.Seq != 3 {
		t.Fatalf("expected seq 1,2,3 got %d,%d,%d", m1.Seq, m2.Seq, m3.Seq)
	}

	got, err := store.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatalf("GetSession failed: %v", err)
	}
	if got.MessageCount != 3 {
		t.Fatalf("MessageCount = %d, want 3", got.MessageCount)
	}
	if got.LastMessageAtMS == 0 {
		t.Fatalf("LastMessageAtMS not bumped")
	}
}

func TestListMessagesAfterSeq_OrderAndWatermark(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	sess := mustCreateSession(t, store, "org-1")

	for i := 0; i < 5; i++ {
		appendText(t, store, sess.ID, "user", "msg")
	}

	msgs, err := store.ListMessagesAfterSeq(ctx, sess.ID, 2, 0)
	if err != nil {
		t.Fatalf("ListMessagesAfterSeq failed: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after seq 2, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Seq != i+3 {
			t.Fatalf("message %d has seq %d, want %d", i, m.Seq, i+3)
		}
	}

	// limit keeps the NEWEST messages
	newest, err := store.ListMessagesAfterSeq(ctx, sess.ID, 0, 2)
	if err != nil {
		t.Fatalf("ListMessagesAfterSeq limited failed: %v", err)
	}
	if len(newest) != 2 || newest[0].Seq != 4 || newest[1].Seq != 5 {
		t.Fatalf("expected newest seqs 4,5 got %+v", newest)
	}
}

func TestNotes_Lifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	note, err := store.AddNote(ctx, OperatorNote{
		OrgID:      "org-1",
		TargetKind: TargetContact,
		TargetID:   "ct-1",
		Content:    "decision maker is the CFO",
		Category:   NoteRelationship,
		Priority:   5,
	})
	if err != nil {
		t.Fatalf("AddNote failed: %v", err)
	}
	if note.ID == "" || note.Status != NoteActive {
		t.Fatalf("unexpected note defaults: %+v", note)
	}

	count, err := store.CountActiveNotes(ctx, TargetContact, "ct-1")
	if err != nil || count != 1 {
		t.Fatalf("CountActiveNotes = %d, %v; want 1, nil", count, err)
	}

	if err := store.ArchiveNote(ctx, note.ID); err != nil {
		t.Fatalf("ArchiveNote failed: %v", err)
	}
	notes, err := store.ListActiveNotes(ctx, TargetContact, "ct-1", 10)
	if err != nil {
		t.Fatalf("ListActiveNotes failed: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("archived note still listed: %+v", notes)
	}

	if err := store.ArchiveNote(ctx, note.ID); err == nil {
		t.Fatalf("expected error archiving an already archived note")
	}
}

func TestListActiveNotes_PriorityOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, p := range []int{1, 9, 5} {
		if _, err := store.AddNote(ctx, OperatorNote{
			OrgID: "org-1", TargetKind: TargetSession, TargetID: "sn-1",
			Content: "note", Category: NoteContext, Priority: p,
		}); err != nil {
			t.Fatalf("AddNote failed: %v", err)
		}
	}

	notes, err := store.ListActiveNotes(ctx, TargetSession, "sn-1", 10)
	if err != nil {
		t.Fatalf("ListActiveNotes failed: %v", err)
	}
	if len(notes) != 3 || notes[0].Priority != 9 || notes[2].Priority != 1 {
		t.Fatalf("notes not in priority order: %+v", notes)
	}
}

func TestRecordFactBatch_AtomicMemoryAndProvenance(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	contact, err := store.CreateContact(ctx, "org-1")
	if err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}

	mem := StructuredMemory{Identity: map[string]string{"name": "Alice"}}
	batch := FactBatch{ContactID: contact.ID, SessionID: "sn-1", FromSeq: 1, ToSeq: 8, DiffJSON: `{"identity":{"name":"Alice"}}`}
	if err := store.RecordFactBatch(ctx, batch, mem); err != nil {
		t.Fatalf("RecordFactBatch failed: %v", err)
	}

	got, err := store.GetContactMemory(ctx, contact.ID)
	if err != nil {
		t.Fatalf("GetContactMemory failed: %v", err)
	}
	if got.Identity["name"] != "Alice" {
		t.Fatalf("memory not applied: %+v", got)
	}

	batches, err := store.ListFactBatches(ctx, contact.ID, 10)
	if err != nil {
		t.Fatalf("ListFactBatches failed: %v", err)
	}
	if len(batches) != 1 || batches[0].ToSeq != 8 {
		t.Fatalf("unexpected provenance: %+v", batches)
	}
}

func TestLastFactBatchSeq_PerSessionRegardlessOfHistoryDepth(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	contact, err := store.CreateContact(ctx, "org-1")
	if err != nil {
		t.Fatalf("CreateContact failed: %v", err)
	}

	mem := StructuredMemory{}
	if err := store.RecordFactBatch(ctx, FactBatch{ContactID: contact.ID, SessionID: "sn-a", FromSeq: 1, ToSeq: 7}, mem); err != nil {
		t.Fatalf("RecordFactBatch failed: %v", err)
	}
	// Pile batches onto a second session so sn-a's record falls far outside
	// any recent-batches listing window.
	for i := 0; i < 60; i++ {
		b := FactBatch{ContactID: contact.ID, SessionID: "sn-b", FromSeq: i*10 + 1, ToSeq: (i + 1) * 10}
		if err := store.RecordFactBatch(ctx, b, mem); err != nil {
			t.Fatalf("RecordFactBatch failed: %v", err)
		}
	}

	last, err := store.LastFactBatchSeq(ctx, contact.ID, "sn-a")
	if err != nil {
		t.Fatalf("LastFactBatchSeq failed: %v", err)
	}
	if last != 7 {
		t.Fatalf("LastFactBatchSeq(sn-a) = %d, want 7", last)
	}
	last, err = store.LastFactBatchSeq(ctx, contact.ID, "sn-b")
	if err != nil {
		t.Fatalf("LastFactBatchSeq failed: %v", err)
	}
	if last != 600 {
		t.Fatalf("LastFactBatchSeq(sn-b) = %d, want 600", last)
	}
	last, err = store.LastFactBatchSeq(ctx, contact.ID, "sn-unseen")
	if err != nil {
		t.Fatalf("LastFactBatchSeq failed: %v", err)
	}
	if last != 0 {
		t.Fatalf("LastFactBatchSeq(unseen) = %d, want 0", last)
	}
}

func TestJobQueue_ClaimCompleteLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if err := store.EnqueueJob(ctx, Job{ID: "job-a", JobType: JobSummarize, SessionID: "sn-1", Priority: 30, RunAfterMS: now}); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}

	job, ok, err := store.ClaimNextJob(ctx, now, 60_000)
	if err != nil || !ok {
		t.Fatalf("ClaimNextJob = ok %v, err %v; want claim", ok, err)
	}
	if job.ID != "job-a" || job.Status != JobRunning {
		t.Fatalf("unexpected claimed job: %+v", job)
	}

	// Leased job is invisible to a second claimer.
	if _, ok, _ := store.ClaimNextJob(ctx, now, 60_000); ok {
		t.Fatalf("leased job claimed twice")
	}

	if err := store.CompleteJob(ctx, job.ID); err != nil {
		t.Fatalf("CompleteJob failed: %v", err)
	}
	if _, ok, _ := store.ClaimNextJob(ctx, now, 60_000); ok {
		t.Fatalf("completed job claimed again")
	}
}

func TestJobQueue_RetryAndExpiredLease(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	if err := store.EnqueueJob(ctx, Job{ID: "job-b", JobType: JobExtract, SessionID: "sn-1", RunAfterMS: now}); err != nil {
		t.Fatalf("EnqueueJob failed: %v", err)
	}
	job, ok, err := store.ClaimNextJob(ctx, now, 1000)
	if err != nil || !ok {
		t.Fatalf("initial claim failed: ok %v err %v", ok, err)
	}

	// Retry pushes the job back to pending with a future run time.
	if err := store.RetryJob(ctx, job.ID, 1, now+5000, "transient"); err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if _, ok, _ := store.ClaimNextJob(ctx, now, 1000); ok {
		t.Fatalf("retried job claimable before its run time")
	}
	retried, ok, err := store.ClaimNextJob(ctx, now+6000, 1000)
	if err != nil || !ok {
		t.Fatalf("claim after backoff failed: ok %v err %v", ok, err)
	}
	if retried.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", retried.Attempts)
	}

	// An expired lease is reclaimed by RequeueExpiredJobs.
	if err := store.RequeueExpiredJobs(ctx, now+60_000); err != nil {
		t.Fatalf("RequeueExpiredJobs failed: %v", err)
	}
	if _, ok, _ := store.ClaimNextJob(ctx, now+60_000, 1000); !ok {
		t.Fatalf("expired lease not reclaimed")
	}
}

func TestEnqueueJob_SameIDUpserts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	for i := 0; i < 2; i++ {
		if err := store.EnqueueJob(ctx, Job{ID: "job-dup", JobType: JobSummarize, SessionID: "sn-1", RunAfterMS: now}); err != nil {
			t.Fatalf("EnqueueJob #%d failed: %v", i, err)
		}
	}

	if _, ok, _ := store.ClaimNextJob(ctx, now, 1000); !ok {
		t.Fatalf("expected one claimable job")
	}
	if _, ok, _ := store.ClaimNextJob(ctx, now, 1000); ok {
		t.Fatalf("duplicate enqueue produced a second job")
	}
}
