// Package contacts keeps the public keys a party trusts for the people it
// shares vaults with. Contacts are ordinary synced items, so every device
// of an account sees the same trust decisions.
package contacts

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/gophnotes/internal/collection"
	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/items"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/models"
)

const encKeySize = 32

type Book struct {
	items *items.Manager
	col   *collection.Collection
	log   logging.Logger
}

func New(m *items.Manager, col *collection.Collection, l logging.Logger) *Book {
	return &Book{
		items: m,
		col:   col,
		log:   logging.OrNop(l).With("module", "contacts"),
	}
}

// find returns the newest contact item for userUUID. Two devices trusting
// the same person before syncing leave two items; the newer one wins.
func (b *Book) find(userUUID string) (*models.Item, models.TrustedContactContent, bool) {
	var best *models.Item
	var content models.TrustedContactContent
	for _, it := range b.col.ByContentType(models.ContentTypeTrustedContact) {
		c, ok := it.TrustedContact()
		if !ok || c.ContactUUID != userUUID {
			continue
		}
		if best == nil || it.UpdatedAt().After(best.UpdatedAt()) {
			best, content = it, c
		}
	}
	return best, content, best != nil
}

func (b *Book) Find(userUUID string) (models.TrustedContactContent, bool) {
	_, c, ok := b.find(userUUID)
	return c, ok
}

// All returns every trusted contact ordered by name, self included.
func (b *Book) All() []models.TrustedContactContent {
	seen := map[string]bool{}
	var out []models.TrustedContactContent
	for _, it := range b.col.ByContentType(models.ContentTypeTrustedContact) {
		c, ok := it.TrustedContact()
		if !ok || seen[c.ContactUUID] {
			continue
		}
		seen[c.ContactUUID] = true
		c, _ = b.Find(c.ContactUUID)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b models.TrustedContactContent) int {
		if n := strings.Compare(a.Name, b.Name); n != 0 {
			return n
		}
		return strings.Compare(a.ContactUUID, b.ContactUUID)
	})
	return out
}

func validKeys(pk cryptox.PublicKeys) error {
	if len(pk.Enc) != encKeySize || len(pk.Sign) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: malformed public keys", common.ErrValidation)
	}
	return nil
}

func sameKeys(a, b cryptox.PublicKeys) bool {
	return bytes.Equal(a.Enc, b.Enc) && bytes.Equal(a.Sign, b.Sign)
}

// Trust records pk as the keys of userUUID, replacing what was trusted
// before. Trusting the same keys again changes nothing.
func (b *Book) Trust(ctx context.Context, userUUID, name string, pk cryptox.PublicKeys) (models.TrustedContactContent, error) {
	return b.trust(ctx, models.TrustedContactContent{ContactUUID: userUUID, Name: name, PublicKeys: pk})
}

// TrustSelf records the account's own public keys.
func (b *Book) TrustSelf(ctx context.Context, userUUID string, pk cryptox.PublicKeys) (models.TrustedContactContent, error) {
	return b.trust(ctx, models.TrustedContactContent{ContactUUID: userUUID, Name: "me", PublicKeys: pk, IsMe: true})
}

func (b *Book) trust(ctx context.Context, want models.TrustedContactContent) (models.TrustedContactContent, error) {
	if want.ContactUUID == "" {
		return models.TrustedContactContent{}, fmt.Errorf("%w: contact without uuid", common.ErrValidation)
	}
	if err := validKeys(want.PublicKeys); err != nil {
		return models.TrustedContactContent{}, err
	}

	it, cur, ok := b.find(want.ContactUUID)
	if !ok {
		if _, err := b.items.Create(ctx, want); err != nil {
			return models.TrustedContactContent{}, fmt.Errorf("trust %s: %w", want.ContactUUID, err)
		}
		b.log.Info(ctx, "contact trusted", "contact", want.ContactUUID)
		return want, nil
	}
	if sameKeys(cur.PublicKeys, want.PublicKeys) && cur.Name == want.Name && cur.IsMe == want.IsMe {
		return cur, nil
	}

	want.KeySeq = cur.KeySeq
	if want.Name == "" {
		want.Name = cur.Name
	}
	if _, err := b.items.Change(ctx, it.UUID(), func(models.Content) (models.Content, error) {
		return want, nil
	}); err != nil {
		return models.TrustedContactContent{}, fmt.Errorf("trust %s: %w", want.ContactUUID, err)
	}
	b.log.Info(ctx, "contact keys replaced", "contact", want.ContactUUID)
	return want, nil
}

// ApplyKeyUpdate replaces the keys of a known contact when seq is newer
// than the last applied update. It reports whether anything changed.
func (b *Book) ApplyKeyUpdate(ctx context.Context, userUUID string, pk cryptox.PublicKeys, seq int64) (bool, error) {
	if err := validKeys(pk); err != nil {
		return false, err
	}
	it, cur, ok := b.find(userUUID)
	if !ok {
		return false, fmt.Errorf("contact %s: %w", userUUID, common.ErrUnknownSender)
	}
	if seq <= cur.KeySeq {
		b.log.Debug(ctx, "stale key update ignored", "contact", userUUID, "seq", seq, "applied", cur.KeySeq)
		return false, nil
	}

	next := cur
	next.PublicKeys = pk
	next.KeySeq = seq
	if _, err := b.items.Change(ctx, it.UUID(), func(models.Content) (models.Content, error) {
		return next, nil
	}); err != nil {
		return false, fmt.Errorf("update keys of %s: %w", userUUID, err)
	}
	b.log.Info(ctx, "contact keys updated", "contact", userUUID, "seq", seq)
	return true, nil
}

// Remove stops trusting userUUID.
func (b *Book) Remove(ctx context.Context, userUUID string) error {
	removed := false
	for _, it := range b.col.ByContentType(models.ContentTypeTrustedContact) {
		c, ok := it.TrustedContact()
		if !ok || c.ContactUUID != userUUID {
			continue
		}
		if err := b.items.Delete(ctx, it.UUID()); err != nil {
			return err
		}
		removed = true
	}
	if !removed {
		return fmt.Errorf("contact %s: %w", userUUID, common.ErrorNotFound)
	}
	return nil
}
