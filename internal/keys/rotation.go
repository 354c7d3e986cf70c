package keys

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/metrics"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/dmitrijs2005/gophnotes/internal/keys")

// Reencrypter moves every live payload of a vault onto key. Payloads
// already encrypted under key are left alone, so a retried call only
// finishes what an interrupted one started.
type Reencrypter interface {
	ReencryptVault(ctx context.Context, vaultID string, key VaultKey) (int, error)
}

// Announcer delivers a new vault key to the other members.
type Announcer interface {
	AnnounceKey(ctx context.Context, vaultID string, key VaultKey, material []byte, members []string) error
}

// Plan tells Rotate who must learn the new key and how to move payloads.
type Plan struct {
	Members     []string
	Reencrypter Reencrypter
	Announcer   Announcer
}

type RotationResult struct {
	Key         VaultKey
	Reencrypted int
	Awaiting    []string
	Resumed     bool
}

// pendingRotation is persisted between generating the new key and
// announcing it, so an interrupted rotation resumes with the same key.
type pendingRotation struct {
	KeyUUID string   `json:"key_uuid"`
	Members []string `json:"members"`
}

// ackState tracks the members that have not yet confirmed Epoch.
type ackState struct {
	Epoch   int      `json:"epoch"`
	Pending []string `json:"pending"`
}

type rotationCtxKey struct{}

// rotating reports whether ctx belongs to the rotation of vaultID, which
// must pass through the gate it holds.
func rotating(ctx context.Context, vaultID string) bool {
	v, _ := ctx.Value(rotationCtxKey{}).(string)
	return v == vaultID
}

// WaitRotation blocks while vaultID is rotating. Mutations call it before
// touching a vault item so that they queue behind the rotation.
func (s *System) WaitRotation(ctx context.Context, vaultID string) error {
	if vaultID == "" || rotating(ctx, vaultID) {
		return nil
	}
	for {
		s.mu.RLock()
		gate := s.gates[vaultID]
		s.mu.RUnlock()
		if gate == nil {
			return nil
		}
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *System) Rotating(vaultID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gates[vaultID] != nil
}

func (s *System) closeGate(vaultID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gate, ok := s.gates[vaultID]; ok {
		close(gate)
		delete(s.gates, vaultID)
	}
}

// Rotate replaces vaultID's active key. It generates the new key, moves
// every live payload onto it, announces it to plan.Members and starts
// waiting for their acknowledgements. The old key stays usable for
// decryption and only becomes purge-eligible once every member confirmed
// the new epoch or ProceedWithoutLaggards is called.
//
// A rotation that failed part way is resumed by calling Rotate again. A
// second Rotate for a vault that is still rotating fails with
// common.ErrRotationInProgress.
func (s *System) Rotate(ctx context.Context, vaultID string, plan Plan) (res RotationResult, err error) {
	ctx, span := tracer.Start(ctx, "keys.Rotate",
		trace.WithAttributes(attribute.String("vault", vaultID)),
		trace.WithSpanKind(trace.SpanKindInternal))
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "failed"
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.Rotations.WithLabelValues(outcome).Inc()
		span.End()
	}()

	s.mu.Lock()
	if s.gates[vaultID] != nil {
		s.mu.Unlock()
		return res, common.ErrRotationInProgress
	}
	s.gates[vaultID] = make(chan struct{})
	s.mu.Unlock()
	defer s.closeGate(vaultID)

	ctx = context.WithValue(ctx, rotationCtxKey{}, vaultID)

	key, members, resumed, err := s.rotationKey(ctx, vaultID, plan.Members)
	if err != nil {
		return res, err
	}
	res.Key = key
	res.Resumed = resumed

	if plan.Reencrypter != nil {
		n, err := plan.Reencrypter.ReencryptVault(ctx, vaultID, key)
		res.Reencrypted = n
		if err != nil {
			return res, fmt.Errorf("re-encrypt vault %s: %w", vaultID, err)
		}
	}

	if plan.Announcer != nil && len(members) > 0 {
		_, material, err := s.ExportVaultKey(vaultID)
		if err != nil {
			return res, err
		}
		err = plan.Announcer.AnnounceKey(ctx, vaultID, key, material, members)
		common.WipeByteArray(material)
		if err != nil {
			return res, fmt.Errorf("announce key: %w", err)
		}
	}

	if err := s.finishRotation(ctx, vaultID, key.Epoch, members); err != nil {
		return res, err
	}
	res.Awaiting = s.Laggards(vaultID)

	s.log.Info(ctx, "vault key rotated",
		"vault", vaultID, "epoch", key.Epoch, "reencrypted", res.Reencrypted,
		"awaiting", len(res.Awaiting), "resumed", resumed)
	return res, nil
}

// rotationKey returns the key an interrupted rotation already created, or
// generates and persists a new one.
func (s *System) rotationKey(ctx context.Context, vaultID string, members []string) (VaultKey, []string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.pending[vaultID]; ok {
		if k, ok := s.vaultKeys[p.KeyUUID]; ok && k.State == StateActive {
			return k.VaultKey, mergeMembers(p.Members, members), true, nil
		}
		delete(s.pending, vaultID)
	}

	active := s.activeVaultKey(vaultID)
	if active == nil {
		return VaultKey{}, nil, false, fmt.Errorf("rotate vault %s: %w", vaultID, common.ErrKeyNotFound)
	}

	material := s.crypto.GenerateKey()
	defer common.WipeByteArray(material)

	key, b, err := s.addVaultKey(vaultID, uuid.NewString(), s.nextEpoch(vaultID), active.Storage, material)
	if err != nil {
		return VaultKey{}, nil, false, err
	}

	p := pendingRotation{KeyUUID: key.UUID, Members: slices.Clone(members)}
	blob, err := json.Marshal(p)
	if err != nil {
		return VaultKey{}, nil, false, fmt.Errorf("encode rotation: %w", err)
	}
	b.SetMeta(metaRotation+vaultID, blob)

	if err := s.store.Commit(ctx, b); err != nil {
		delete(s.vaultKeys, key.UUID)
		active.State = StateActive
		active.persisted()
		return VaultKey{}, nil, false, fmt.Errorf("persist rotation: %w", err)
	}
	s.pending[vaultID] = p
	return key, members, false, nil
}

func mergeMembers(a, b []string) []string {
	out := slices.Clone(a)
	for _, m := range b {
		if !slices.Contains(out, m) {
			out = append(out, m)
		}
	}
	return out
}

func (s *System) finishRotation(ctx context.Context, vaultID string, epoch int, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b storage.Batch
	b.DeleteMeta = append(b.DeleteMeta, metaRotation+vaultID)

	if len(members) == 0 {
		b.Merge(s.markPurgeEligible(vaultID, false))
		b.DeleteMeta = append(b.DeleteMeta, metaAwaitingAck+vaultID)
		delete(s.awaiting, vaultID)
	} else {
		st := &ackState{Epoch: epoch, Pending: slices.Clone(members)}
		slices.Sort(st.Pending)
		blob, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode ack state: %w", err)
		}
		b.SetMeta(metaAwaitingAck+vaultID, blob)
		s.awaiting[vaultID] = st
	}

	if err := s.store.Commit(ctx, b); err != nil {
		return fmt.Errorf("persist rotation: %w", err)
	}
	delete(s.pending, vaultID)
	return nil
}

// RecordMemberEpoch notes that member now holds epoch of vaultID. When the
// last awaited member confirms, the superseded keys become purge-eligible
// and RecordMemberEpoch reports true.
func (s *System) RecordMemberEpoch(ctx context.Context, vaultID, member string, epoch int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.awaiting[vaultID]
	if !ok || epoch < st.Epoch {
		return false, nil
	}
	idx := slices.Index(st.Pending, member)
	if idx < 0 {
		return false, nil
	}
	next := &ackState{Epoch: st.Epoch, Pending: slices.Delete(slices.Clone(st.Pending), idx, idx+1)}

	var b storage.Batch
	if len(next.Pending) == 0 {
		b.Merge(s.markPurgeEligible(vaultID, false))
		b.DeleteMeta = append(b.DeleteMeta, metaAwaitingAck+vaultID)
	} else {
		blob, err := json.Marshal(next)
		if err != nil {
			return false, fmt.Errorf("encode ack state: %w", err)
		}
		b.SetMeta(metaAwaitingAck+vaultID, blob)
	}
	if err := s.store.Commit(ctx, b); err != nil {
		return false, fmt.Errorf("persist ack: %w", err)
	}

	if len(next.Pending) == 0 {
		delete(s.awaiting, vaultID)
		s.log.Info(ctx, "all members acknowledged rotation", "vault", vaultID, "epoch", st.Epoch)
		return true, nil
	}
	s.awaiting[vaultID] = next
	return false, nil
}

// Laggards returns the members that have not confirmed the current epoch.
func (s *System) Laggards(vaultID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if st, ok := s.awaiting[vaultID]; ok {
		return slices.Clone(st.Pending)
	}
	return nil
}

// ProceedWithoutLaggards stops waiting for acknowledgements and makes the
// superseded keys purge-eligible. It returns the members given up on.
func (s *System) ProceedWithoutLaggards(ctx context.Context, vaultID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var laggards []string
	if st, ok := s.awaiting[vaultID]; ok {
		laggards = slices.Clone(st.Pending)
	}
	b := s.markPurgeEligible(vaultID, false)
	b.DeleteMeta = append(b.DeleteMeta, metaAwaitingAck+vaultID)
	if err := s.store.Commit(ctx, b); err != nil {
		return nil, fmt.Errorf("persist override: %w", err)
	}
	delete(s.awaiting, vaultID)
	if len(laggards) > 0 {
		s.log.Warn(ctx, "proceeding without laggards", "vault", vaultID, "laggards", laggards)
	}
	return laggards, nil
}

// PendingRotations lists vaults whose rotation was interrupted.
func (s *System) PendingRotations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.pending))
	for id := range s.pending {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

// loadRotationState reads pending rotations and ack bookkeeping. Callers
// hold s.mu.
func (s *System) loadRotationState(ctx context.Context) error {
	pending, err := s.store.ListMeta(ctx, metaRotation)
	if err != nil {
		return fmt.Errorf("load rotations: %w", err)
	}
	for k, v := range pending {
		var p pendingRotation
		if err := json.Unmarshal(v, &p); err != nil {
			return fmt.Errorf("decode rotation %s: %w", k, err)
		}
		s.pending[strings.TrimPrefix(k, metaRotation)] = p
	}

	acks, err := s.store.ListMeta(ctx, metaAwaitingAck)
	if err != nil {
		return fmt.Errorf("load ack state: %w", err)
	}
	for k, v := range acks {
		var st ackState
		if err := json.Unmarshal(v, &st); err != nil {
			return fmt.Errorf("decode ack state %s: %w", k, err)
		}
		s.awaiting[strings.TrimPrefix(k, metaAwaitingAck)] = &st
	}
	return nil
}
