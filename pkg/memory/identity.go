package memory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// IdentityResolver maps raw channel identifiers to persistent contacts.
// Resolution is exact-match on the normalized identifier; ambiguity is
// surfaced as ErrIdentityConflict, never guessed around.
type IdentityResolver struct {
	store Store
	log   *zap.Logger
}

func NewIdentityResolver(store Store, log *zap.Logger) *IdentityResolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &IdentityResolver{store: store, log: log}
}

// Resolve returns the contact owning (orgID, normalized identifier),
// creating one on first sight. The identifier binding and contact creation
// happen under the store's uniqueness constraint, so repeated calls with
// the same identifier always yield the same contact id.
func (r *IdentityResolver) Resolve(ctx context.Context, orgID, channel, rawIdentifier string) (Contact, error) {
	if strings.TrimSpace(orgID) == "" {
		return Contact{}, fmt.Errorf("resolve identity: empty organization")
	}
	normalized := NormalizeIdentifier(channel, rawIdentifier)
	if normalized == "" {
		return Contact{}, fmt.Errorf("resolve identity: unusable identifier %q on channel %q", rawIdentifier, channel)
	}

	contactID, owners, err := r.store.LookupContactByIdentifier(ctx, orgID, normalized)
	if err != nil {
		return Contact{}, fmt.Errorf("lookup identifier: %w", err)
	}
	if owners > 1 {
		r.log.Error("identifier owned by multiple contacts",
			zap.String("org_id", orgID),
			zap.String("identifier", normalized),
			zap.Int("owners", owners))
		return Contact{}, fmt.Errorf("resolve %q in org %q: %w", normalized, orgID, ErrIdentityConflict)
	}
	if owners == 1 {
		return r.store.GetContact(ctx, contactID)
	}

	contact, err := r.store.CreateContact(ctx, orgID)
	if err != nil {
		return Contact{}, fmt.Errorf("create contact: %w", err)
	}
	bind := Identifier{OrgID: orgID, Channel: channel, Value: normalized, ContactID: contact.ID}
	if err := r.store.BindIdentifier(ctx, bind); err != nil {
		if errors.Is(err, ErrIdentityConflict) {
			// Lost the creation race: another turn bound the identifier
			// first. Archive the orphan and return the winner.
			_ = r.store.ArchiveContact(ctx, contact.ID)
			existingID, owners, lookupErr := r.store.LookupContactByIdentifier(ctx, orgID, normalized)
			if lookupErr == nil && owners == 1 {
				r.log.Info("identifier creation race lost, reusing winner",
					zap.String("org_id", orgID),
					zap.String("contact_id", existingID))
				return r.store.GetContact(ctx, existingID)
			}
		}
		return Contact{}, fmt.Errorf("bind identifier: %w", err)
	}
	contact.Identifiers = append(contact.Identifiers, bind)
	r.log.Info("contact created",
		zap.String("org_id", orgID),
		zap.String("contact_id", contact.ID),
		zap.String("channel", channel))
	return contact, nil
}

// Link binds an additional identifier to an existing contact, enabling
// cross-channel identity. Fails loudly if the identifier already belongs
// to a different contact.
func (r *IdentityResolver) Link(ctx context.Context, orgID, channel, rawIdentifier, contactID string) error {
	normalized := NormalizeIdentifier(channel, rawIdentifier)
	if normalized == "" {
		return fmt.Errorf("link identity: unusable identifier %q", rawIdentifier)
	}
	existingID, owners, err := r.store.LookupContactByIdentifier(ctx, orgID, normalized)
	if err != nil {
		return fmt.Errorf("lookup identifier: %w", err)
	}
	if owners > 1 || (owners == 1 && existingID != contactID) {
		return fmt.Errorf("link %q to %s: %w", normalized, contactID, ErrIdentityConflict)
	}
	if owners == 1 {
		return nil
	}
	return r.store.BindIdentifier(ctx, Identifier{OrgID: orgID, Channel: channel, Value: normalized, ContactID: contactID})
}

// NormalizeIdentifier canonicalizes a raw channel identifier so the same
// person hashes to the same key regardless of formatting.
func NormalizeIdentifier(channel, raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	switch strings.ToLower(strings.TrimSpace(channel)) {
	case "sms", "voice", "whatsapp":
		return normalizePhone(raw)
	case "email":
		return strings.ToLower(raw)
	default:
		return strings.ToLower(raw)
	}
}

// normalizePhone strips formatting down to digits with a leading +.
// Ten-digit numbers get the NANP country code so "(555) 123-4567" and
// "+15551234567" resolve to the same contact.
func normalizePhone(raw string) string {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}
	if len(digits) == 10 {
		digits = "1" + digits
	}
	return "+" + digits
}
