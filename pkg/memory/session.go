package memory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// SessionResolver maps (contact, channel) to exactly one active session.
// Dormant sessions are reactivated in place, never forked.
type SessionResolver struct {
	store                 Store
	dormancyThreshold     time.Duration
	reactivationThreshold time.Duration
	log                   *zap.Logger
	now                   func() time.Time
}

func NewSessionResolver(store Store, dormancy, reactivation time.Duration, log *zap.Logger) *SessionResolver {
	if dormancy <= 0 {
		dormancy = 24 * time.Hour
	}
	if reactivation <= 0 {
		reactivation = 7 * 24 * time.Hour
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &SessionResolver{
		store:                 store,
		dormancyThreshold:     dormancy,
		reactivationThreshold: reactivation,
		log:                   log,
		now:                   time.Now,
	}
}

// Resolve returns the active session for (org, contact, channel), creating
// one when none exists or the latest is closed. A dormant (or silently
// lapsed) session is flipped back to active and flagged as a reactivation
// when the gap exceeds the reactivation threshold.
func (r *SessionResolver) Resolve(ctx context.Context, orgID, contactID, channel string) (Session, bool, int, error) {
	sess, found, err := r.store.LatestSession(ctx, orgID, contactID, channel)
	if err != nil {
		return Session{}, false, 0, fmt.Errorf("latest session: %w", err)
	}
	if !found || sess.Status == SessionClosed {
		created, err := r.store.CreateSession(ctx, orgID, contactID, channel)
		if err != nil {
			return Session{}, false, 0, fmt.Errorf("create session: %w", err)
		}
		return created, false, 0, nil
	}

	now := r.now()
	isReactivation, elapsedDays := DetectReactivation(sess.LastMessageAtMS, now, r.reactivationThreshold)

	if sess.Status == SessionDormant || (sess.Status == SessionActive && r.isLapsed(sess, now)) {
		if err := r.store.SetSessionStatus(ctx, sess.ID, SessionActive); err != nil {
			return Session{}, false, 0, fmt.Errorf("reactivate session: %w", err)
		}
		sess.Status = SessionActive
		if isReactivation {
			r.log.Info("session reactivated",
				zap.String("session_id", sess.ID),
				zap.String("contact_id", contactID),
				zap.Int("elapsed_days", elapsedDays))
		}
	}
	return sess, isReactivation, elapsedDays, nil
}

func (r *SessionResolver) isLapsed(sess Session, now time.Time) bool {
	if sess.LastMessageAtMS == 0 {
		return false
	}
	return now.Sub(time.UnixMilli(sess.LastMessageAtMS)) > r.dormancyThreshold
}

// DetectReactivation reports whether the gap between the session's last
// message and now crosses the reactivation threshold, and the gap in whole
// days. Pure function; the briefing built from it is regenerated every
// turn and never stored.
func DetectReactivation(lastMessageAtMS int64, now time.Time, threshold time.Duration) (bool, int) {
	if lastMessageAtMS == 0 {
		return false, 0
	}
	gap := now.Sub(time.UnixMilli(lastMessageAtMS))
	if gap <= threshold {
		return false, 0
	}
	return true, int(gap / (24 * time.Hour))
}
