package memory

import "errors"

var (
	// ErrIdentityConflict indicates two contacts share a normalized
	// identifier within one organization. Surfaced, never auto-merged.
	ErrIdentityConflict = errors.New("identity conflict: identifier owned by multiple contacts")

	// ErrContextTooLarge indicates the non-truncatable context layers
	// alone exceed the token budget. Fatal for the turn.
	ErrContextTooLarge = errors.New("context too large for token budget")

	// ErrContactNotFound indicates a lookup for an unknown contact id.
	ErrContactNotFound = errors.New("contact not found")

	// ErrSessionNotFound indicates a lookup for an unknown session id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoteNotFound indicates a lookup for an unknown operator note id.
	ErrNoteNotFound = errors.New("operator note not found")
)
