package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	domain "github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
)

const (
	defaultPullLimit = 150
	maxPullLimit     = 1000
)

// Notifier tells connected clients that they have something to pull.
type Notifier interface {
	Notify(userIDs ...string)
}

type nopNotifier struct{}

func (nopNotifier) Notify(...string) {}

// SyncService relays item revisions between a user's devices and the
// members of shared vaults. A push is accepted only when its base matches
// the server's current revision.
type SyncService struct {
	repomanager repomanager.RepositoryManager
	archive     Archiver
	notifier    Notifier
	log         logging.Logger

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewSyncService(m repomanager.RepositoryManager, a Archiver, n Notifier, l logging.Logger) *SyncService {
	if a == nil {
		a = nopArchive{}
	}
	if n == nil {
		n = nopNotifier{}
	}
	return &SyncService{
		repomanager: m,
		archive:     a,
		notifier:    n,
		log:         logging.OrNop(l).With("module", "sync"),
		now:         time.Now,
	}
}

// stamp returns a strictly increasing server time at the precision the
// database keeps.
func (s *SyncService) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.now().UTC().Truncate(time.Microsecond)
	if !ts.After(s.last) {
		ts = s.last.Add(time.Microsecond)
	}
	s.last = ts
	return ts
}

func (s *SyncService) Push(ctx context.Context, userID string, payloads []domain.Payload) (transport.PushResult, error) {
	var res transport.PushResult
	var revs []Revision
	notify := map[string]struct{}{}

	err := s.repomanager.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		res = transport.PushResult{}
		revs = revs[:0]
		for _, p := range payloads {
			conflict, rev, err := s.pushOne(ctx, r, userID, p)
			if err != nil {
				return err
			}
			if conflict != nil {
				res.Conflicts = append(res.Conflicts, *conflict)
				continue
			}
			res.Saved = append(res.Saved, transport.Saved{UUID: p.UUID, ServerUpdatedAt: rev.stamp})
			revs = append(revs, rev.Revision)
			if err := s.audience(ctx, r, userID, p.KeySystemIdentifier, notify); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return transport.PushResult{}, err
	}

	for _, rev := range revs {
		if err := s.archive.Archive(ctx, rev); err != nil {
			s.log.Warn(ctx, "revision not archived", "uuid", rev.UUID, "error", err)
		}
	}
	if len(revs) > 0 {
		s.notifier.Notify(setKeys(notify)...)
	}

	s.log.Debug(ctx, "push handled", "user_id", userID, "saved", len(res.Saved), "conflicts", len(res.Conflicts))
	return res, nil
}

type acceptedRevision struct {
	Revision
	stamp time.Time
}

func (s *SyncService) pushOne(ctx context.Context, r repomanager.Repositories, userID string, p domain.Payload) (*transport.Conflict, acceptedRevision, error) {
	if p.UUID == "" {
		return nil, acceptedRevision{}, fmt.Errorf("%w: payload without uuid", common.ErrValidation)
	}

	owner := userID
	existing, err := r.Items().Get(ctx, p.UUID)
	switch {
	case errors.Is(err, common.ErrorNotFound):
		existing = nil
	case err != nil:
		return nil, acceptedRevision{}, err
	}

	if existing != nil {
		owner = existing.UserID
		ok, err := canWrite(ctx, r, userID, existing.UserID, existing.VaultID)
		if err != nil {
			return nil, acceptedRevision{}, err
		}
		if !ok {
			return &transport.Conflict{UUID: p.UUID, Reason: transport.ReasonPermissionDenied}, acceptedRevision{}, nil
		}
		if !existing.ServerUpdatedAt.Equal(p.ServerUpdatedAt) {
			server, err := decodePayload(existing.Data)
			if err != nil {
				return nil, acceptedRevision{}, err
			}
			return &transport.Conflict{UUID: p.UUID, Reason: transport.ReasonStaleBase, Server: &server}, acceptedRevision{}, nil
		}
	}

	if p.KeySystemIdentifier != "" {
		ok, err := canWrite(ctx, r, userID, owner, p.KeySystemIdentifier)
		if err != nil {
			return nil, acceptedRevision{}, err
		}
		if !ok {
			return &transport.Conflict{UUID: p.UUID, Reason: transport.ReasonPermissionDenied}, acceptedRevision{}, nil
		}
	}

	version, err := r.Items().NextVersion(ctx)
	if err != nil {
		return nil, acceptedRevision{}, err
	}
	stored := p.Wire()
	stored.ServerUpdatedAt = s.stamp()
	data, err := json.Marshal(stored)
	if err != nil {
		return nil, acceptedRevision{}, err
	}

	err = r.Items().Put(ctx, &models.Item{
		UUID:            p.UUID,
		UserID:          owner,
		VaultID:         p.KeySystemIdentifier,
		Deleted:         p.Deleted,
		ServerUpdatedAt: stored.ServerUpdatedAt,
		Version:         version,
		Data:            data,
	})
	if err != nil {
		return nil, acceptedRevision{}, err
	}

	return nil, acceptedRevision{Revision: Revision{UUID: p.UUID, Version: version, Data: data}, stamp: stored.ServerUpdatedAt}, nil
}

// canWrite decides whether userID may write an item owned by ownerID in
// vaultID. Items outside shared vaults belong to their owner alone.
func canWrite(ctx context.Context, r repomanager.Repositories, userID, ownerID, vaultID string) (bool, error) {
	if vaultID != "" {
		_, err := r.Vaults().Get(ctx, vaultID)
		switch {
		case err == nil:
			m, err := r.Vaults().Member(ctx, vaultID, userID)
			if errors.Is(err, common.ErrorNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return domain.Permission(m.Permission).CanWrite(), nil
		case !errors.Is(err, common.ErrorNotFound):
			return false, err
		}
	}
	return ownerID == userID, nil
}

// audience adds everyone who can see an item in vaultID to set.
func (s *SyncService) audience(ctx context.Context, r repomanager.Repositories, userID, vaultID string, set map[string]struct{}) error {
	set[userID] = struct{}{}
	if vaultID == "" {
		return nil
	}
	members, err := r.Vaults().Members(ctx, vaultID)
	if err != nil {
		return err
	}
	for _, m := range members {
		set[m.UserID] = struct{}{}
	}
	return nil
}

// Pull returns what userID can see after cursor, at most limit payloads.
func (s *SyncService) Pull(ctx context.Context, userID, cursor string, limit int) (transport.PullResult, error) {
	afterVersion, afterUUID, err := ParseCursor(cursor)
	if err != nil {
		return transport.PullResult{}, err
	}
	if limit <= 0 {
		limit = defaultPullLimit
	}
	limit = min(limit, maxPullLimit)

	rows, err := s.repomanager.Repos().Items().ListVisible(ctx, userID, afterVersion, afterUUID, limit+1)
	if err != nil {
		return transport.PullResult{}, err
	}

	res := transport.PullResult{Cursor: cursor, More: len(rows) > limit}
	if res.More {
		rows = rows[:limit]
	}
	for _, row := range rows {
		p, err := decodePayload(row.Data)
		if err != nil {
			return transport.PullResult{}, err
		}
		res.Payloads = append(res.Payloads, p)
		res.Cursor = FormatCursor(row.Version, row.UUID)
	}
	return res, nil
}

// FormatCursor encodes a pull position.
func FormatCursor(version int64, uuid string) string {
	return strconv.FormatInt(version, 10) + ":" + uuid
}

// ParseCursor decodes a pull position. The empty cursor is the beginning.
func ParseCursor(cursor string) (int64, string, error) {
	if cursor == "" {
		return 0, "", nil
	}
	v, uuid, ok := strings.Cut(cursor, ":")
	if !ok {
		return 0, "", fmt.Errorf("%w: malformed cursor %q", common.ErrValidation, cursor)
	}
	version, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: malformed cursor %q", common.ErrValidation, cursor)
	}
	return version, uuid, nil
}

func decodePayload(data []byte) (domain.Payload, error) {
	var p domain.Payload
	if err := json.Unmarshal(data, &p); err != nil {
		return domain.Payload{}, fmt.Errorf("decode stored payload: %w", err)
	}
	return p, nil
}

func setKeys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
