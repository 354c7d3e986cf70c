// Package asymmetric exchanges sealed, signed messages between parties
// through the sync server's relay. The relay only sees who talks to whom;
// bodies are sealed with nacl box to the recipient's X25519 key and signed
// with the sender's Ed25519 key.
//
// A Processor opens inbound messages, verifies them against trusted
// contacts and hands them to the handler registered for their type.
// Processing is idempotent by message id: a message whose acknowledgement
// was lost is recognised and only acknowledged again.
//
// An invite from a sender that is not yet a trusted contact is verified
// against the inviter keys embedded in the invite itself. That is trust on
// first use: the signature proves only that the sender holds those keys.
// It binds them to the sender's account because the server relay refuses
// any message whose sender field differs from the authenticated caller.
// Accepting such an invite makes the inviter a trusted contact with those
// keys, and later messages are checked against them.
package asymmetric

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/contacts"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/keys"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/metrics"
	"github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

const (
	metaSeen      = "msg:seen:"
	metaOutSeq    = "msg:outseq"
	seenRetention = 30 * 24 * time.Hour
)

// Handler applies one verified message. Handlers must be idempotent: a
// message may be delivered again if its acknowledgement was lost.
type Handler func(ctx context.Context, in Inbound) error

type Options struct {
	UserUUID  string
	Keys      *keys.System
	Contacts  *contacts.Book
	Transport transport.Transport
	Crypto    cryptox.Crypto
	Store     storage.Store
	Logger    logging.Logger
	Now       func() time.Time
}

type Processor struct {
	self     string
	keys     *keys.System
	contacts *contacts.Book
	tr       transport.Transport
	crypto   cryptox.Crypto
	store    storage.Store
	log      logging.Logger
	now      func() time.Time

	hmu      sync.RWMutex
	handlers map[models.MessageType]Handler

	// mu serializes Process.
	mu sync.Mutex

	seqMu   sync.Mutex
	lastSeq int64
}

func New(opts Options) *Processor {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	c := opts.Crypto
	if c == nil {
		c = cryptox.New()
	}
	p := &Processor{
		self:     opts.UserUUID,
		keys:     opts.Keys,
		contacts: opts.Contacts,
		tr:       opts.Transport,
		crypto:   c,
		store:    opts.Store,
		log:      logging.OrNop(opts.Logger).With("module", "asymmetric"),
		now:      now,
		handlers: make(map[models.MessageType]Handler),
	}
	p.Handle(models.MessageContactKeyUpdate, p.handleContactKeyUpdate)
	return p
}

// Handle routes messages of type t to h, replacing any previous handler.
func (p *Processor) Handle(t models.MessageType, h Handler) {
	p.hmu.Lock()
	defer p.hmu.Unlock()
	p.handlers[t] = h
}

// nextSeqs reserves n consecutive sequence numbers. Numbers follow the
// clock so that devices of one account rarely collide, and never repeat.
func (p *Processor) nextSeqs(ctx context.Context, n int) (int64, error) {
	p.seqMu.Lock()
	defer p.seqMu.Unlock()

	if p.lastSeq == 0 {
		raw, err := p.store.GetMeta(ctx, metaOutSeq)
		switch {
		case err == nil:
			if v, perr := strconv.ParseInt(string(raw), 10, 64); perr == nil {
				p.lastSeq = v
			}
		case !errors.Is(err, common.ErrorNotFound):
			return 0, fmt.Errorf("load sequence: %w", err)
		}
	}

	first := max(p.lastSeq+1, p.now().UnixMilli())
	last := first + int64(n) - 1

	var b storage.Batch
	b.SetMeta(metaOutSeq, []byte(strconv.FormatInt(last, 10)))
	if err := p.store.Commit(ctx, b); err != nil {
		return 0, fmt.Errorf("persist sequence: %w", err)
	}
	p.lastSeq = last
	return first, nil
}

func (p *Processor) seal(kp *cryptox.KeyPairs, recipient string, recipientEnc []byte, t models.MessageType, seq int64, data any) (models.AsymmetricMessage, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return models.AsymmetricMessage{}, fmt.Errorf("encode %s: %w", t, err)
	}
	defer common.WipeByteArray(raw)

	msg := models.AsymmetricMessage{
		UUID:            uuid.NewString(),
		SenderUUID:      p.self,
		RecipientUUID:   recipient,
		SenderEncPublic: common.CloneBytes(kp.EncPublic),
		CreatedAt:       p.now().UTC(),
	}
	sb, err := signingBytes(msg, t, seq, raw)
	if err != nil {
		return models.AsymmetricMessage{}, err
	}
	sig, err := p.crypto.Sign(kp.SignPrivate, sb)
	if err != nil {
		return models.AsymmetricMessage{}, fmt.Errorf("sign %s: %w", t, err)
	}
	plain, err := json.Marshal(body{Type: t, Seq: seq, Data: raw, Signature: sig})
	if err != nil {
		return models.AsymmetricMessage{}, fmt.Errorf("encode %s: %w", t, err)
	}
	defer common.WipeByteArray(plain)

	msg.Ciphertext, msg.Nonce, err = p.crypto.Seal(plain, recipientEnc, kp.EncPrivate)
	if err != nil {
		return models.AsymmetricMessage{}, fmt.Errorf("seal %s: %w", t, err)
	}
	return msg, nil
}

func (p *Processor) recipientKeys(userUUID string) (cryptox.PublicKeys, error) {
	c, ok := p.contacts.Find(userUUID)
	if !ok {
		return cryptox.PublicKeys{}, fmt.Errorf("contact %s: %w", userUUID, common.ErrorNotFound)
	}
	return c.PublicKeys, nil
}

// Send seals data to a trusted contact and hands it to the relay.
func (p *Processor) Send(ctx context.Context, recipient string, t models.MessageType, data any) error {
	pk, err := p.recipientKeys(recipient)
	if err != nil {
		return err
	}
	return p.SendTo(ctx, recipient, pk, t, data)
}

// SendTo seals data to recipient's pk, which need not be trusted.
func (p *Processor) SendTo(ctx context.Context, recipient string, pk cryptox.PublicKeys, t models.MessageType, data any) error {
	kp, err := p.keys.KeyPairs()
	if err != nil {
		return err
	}
	seq, err := p.nextSeqs(ctx, 1)
	if err != nil {
		return err
	}
	msg, err := p.seal(kp, recipient, pk.Enc, t, seq, data)
	if err != nil {
		return err
	}
	if err := p.tr.SendMessages(ctx, []models.AsymmetricMessage{msg}); err != nil {
		return fmt.Errorf("send %s: %w", t, err)
	}
	p.log.Debug(ctx, "message sent", "type", t, "recipient", recipient, "seq", seq)
	return nil
}

// AnnounceKey seals a vault key to every member concurrently and sends the
// results in one relay call. It implements keys.Announcer.
func (p *Processor) AnnounceKey(ctx context.Context, vaultID string, key keys.VaultKey, material []byte, members []string) error {
	if len(members) == 0 {
		return nil
	}
	kp, err := p.keys.KeyPairs()
	if err != nil {
		return err
	}
	recipients := make([]cryptox.PublicKeys, len(members))
	for i, m := range members {
		if recipients[i], err = p.recipientKeys(m); err != nil {
			return err
		}
	}
	first, err := p.nextSeqs(ctx, len(members))
	if err != nil {
		return err
	}

	data := KeyRotationData{VaultID: vaultID, Key: key, Material: material}
	msgs := make([]models.AsymmetricMessage, len(members))
	g, _ := errgroup.WithContext(ctx)
	for i, m := range members {
		g.Go(func() error {
			msg, err := p.seal(kp, m, recipients[i].Enc, models.MessageKeyRotation, first+int64(i), data)
			msgs[i] = msg
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := p.tr.SendMessages(ctx, msgs); err != nil {
		return fmt.Errorf("send key rotation: %w", err)
	}
	p.log.Info(ctx, "vault key announced", "vault", vaultID, "epoch", key.Epoch, "members", len(members))
	return nil
}

// Open decrypts msg and verifies its signature. The sender must be a
// trusted contact, except for a vault invite, which may vouch for its
// inviter with the keys it carries.
func (p *Processor) Open(msg models.AsymmetricMessage) (Inbound, error) {
	if msg.RecipientUUID != p.self {
		return Inbound{}, fmt.Errorf("%w: message %s is for %s", common.ErrValidation, msg.UUID, msg.RecipientUUID)
	}
	kp, err := p.keys.KeyPairs()
	if err != nil {
		return Inbound{}, err
	}
	plain, err := p.crypto.Open(msg.Ciphertext, msg.Nonce, msg.SenderEncPublic, kp.EncPrivate)
	if err != nil {
		return Inbound{}, fmt.Errorf("open message %s: %w", msg.UUID, err)
	}
	var b body
	err = json.Unmarshal(plain, &b)
	common.WipeByteArray(plain)
	if err != nil {
		return Inbound{}, fmt.Errorf("%w: message %s: %v", common.ErrValidation, msg.UUID, err)
	}

	pk, err := p.senderKeys(msg.SenderUUID, b)
	if err != nil {
		return Inbound{}, err
	}
	if !bytes.Equal(pk.Enc, msg.SenderEncPublic) {
		return Inbound{}, fmt.Errorf("message %s: sender key mismatch: %w", msg.UUID, common.ErrSignatureInvalid)
	}
	sb, err := signingBytes(msg, b.Type, b.Seq, b.Data)
	if err != nil {
		return Inbound{}, err
	}
	if !p.crypto.Verify(pk.Sign, sb, b.Signature) {
		return Inbound{}, fmt.Errorf("message %s: %w", msg.UUID, common.ErrSignatureInvalid)
	}
	return Inbound{Message: msg, Type: b.Type, Seq: b.Seq, Data: b.Data, SenderKeys: pk}, nil
}

func (p *Processor) senderKeys(sender string, b body) (cryptox.PublicKeys, error) {
	if c, ok := p.contacts.Find(sender); ok {
		return c.PublicKeys, nil
	}
	if b.Type != models.MessageSharedVaultInvite {
		return cryptox.PublicKeys{}, fmt.Errorf("sender %s: %w", sender, common.ErrUnknownSender)
	}
	var inv struct {
		InviterKeys cryptox.PublicKeys `json:"inviter_keys"`
	}
	if err := json.Unmarshal(b.Data, &inv); err != nil || len(inv.InviterKeys.Sign) == 0 {
		return cryptox.PublicKeys{}, fmt.Errorf("invite from %s carries no keys: %w", sender, common.ErrUnknownSender)
	}
	return inv.InviterKeys, nil
}

// Rejection is an inbound message that was dropped.
type Rejection struct {
	ID     string
	Sender string
	Type   models.MessageType
	Err    error
}

type Report struct {
	Processed  int
	Duplicates int
	// Deferred messages stay on the relay and are tried again later.
	Deferred int
	Rejected []Rejection
}

// permanent reports whether retrying a failed message cannot help.
func permanent(err error) bool {
	for _, target := range []error{
		common.ErrValidation,
		common.ErrSignatureInvalid,
		common.ErrDecryptionFailed,
		common.ErrPermissionDenied,
		common.ErrInvalidTransition,
		common.ErrorNotFound,
		common.ErrKeyNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// Process fetches waiting messages and applies them. Messages from one
// sender are applied in sequence order; after a retryable failure the
// rest of that sender's messages wait for the next call. Rejected
// messages are acknowledged and dropped.
func (p *Processor) Process(ctx context.Context) (Report, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var rep Report
	// Without key pairs nothing can be opened; leave the messages for a
	// device that has them.
	if _, err := p.keys.KeyPairs(); err != nil {
		return rep, err
	}
	msgs, err := p.tr.FetchMessages(ctx)
	if err != nil {
		return rep, fmt.Errorf("fetch messages: %w", err)
	}
	seen, err := p.store.ListMeta(ctx, metaSeen)
	if err != nil {
		return rep, fmt.Errorf("load seen messages: %w", err)
	}

	now := p.now()
	var b storage.Batch
	var ack []string
	reject := func(msg models.AsymmetricMessage, t models.MessageType, err error) {
		p.log.Warn(ctx, "message rejected", "id", msg.UUID, "sender", msg.SenderUUID, "type", t, "error", err)
		metrics.MessagesProcessed.WithLabelValues(string(t), "rejected").Inc()
		rep.Rejected = append(rep.Rejected, Rejection{ID: msg.UUID, Sender: msg.SenderUUID, Type: t, Err: err})
		b.SetMeta(metaSeen+msg.UUID, stamp(now))
		ack = append(ack, msg.UUID)
	}

	var ready []Inbound
	for _, msg := range msgs {
		if _, dup := seen[metaSeen+msg.UUID]; dup {
			rep.Duplicates++
			ack = append(ack, msg.UUID)
			continue
		}
		in, err := p.Open(msg)
		switch {
		case err == nil:
			ready = append(ready, in)
		case errors.Is(err, common.ErrUnknownSender):
			rep.Deferred++
			p.log.Debug(ctx, "message from unknown sender deferred", "id", msg.UUID, "sender", msg.SenderUUID)
		default:
			reject(msg, "", err)
		}
	}

	slices.SortStableFunc(ready, func(a, b Inbound) int {
		if n := strings.Compare(a.Sender(), b.Sender()); n != 0 {
			return n
		}
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})

	blocked := map[string]bool{}
	for _, in := range ready {
		if blocked[in.Sender()] {
			rep.Deferred++
			continue
		}
		err := p.dispatch(ctx, in)
		switch {
		case err == nil:
			rep.Processed++
			metrics.MessagesProcessed.WithLabelValues(string(in.Type), "ok").Inc()
			b.SetMeta(metaSeen+in.Message.UUID, stamp(now))
			ack = append(ack, in.Message.UUID)
		case permanent(err):
			reject(in.Message, in.Type, err)
		default:
			if ctxErr := ctx.Err(); ctxErr != nil {
				return rep, ctxErr
			}
			blocked[in.Sender()] = true
			rep.Deferred++
			metrics.MessagesProcessed.WithLabelValues(string(in.Type), "deferred").Inc()
			p.log.Warn(ctx, "message deferred", "id", in.Message.UUID, "type", in.Type, "error", err)
		}
	}

	for k, v := range seen {
		if at, err := time.Parse(time.RFC3339Nano, string(v)); err == nil && now.Sub(at) > seenRetention {
			b.DeleteMeta = append(b.DeleteMeta, k)
		}
	}
	if !b.Empty() {
		if err := p.store.Commit(ctx, b); err != nil {
			return rep, fmt.Errorf("record processed messages: %w", err)
		}
	}
	if len(ack) > 0 {
		if err := p.tr.AckMessages(ctx, ack); err != nil {
			return rep, fmt.Errorf("ack messages: %w", err)
		}
	}
	if rep.Processed > 0 || len(rep.Rejected) > 0 {
		p.log.Info(ctx, "messages processed",
			"processed", rep.Processed, "rejected", len(rep.Rejected), "deferred", rep.Deferred)
	}
	return rep, nil
}

func stamp(t time.Time) []byte {
	return []byte(t.UTC().Format(time.RFC3339Nano))
}

func (p *Processor) dispatch(ctx context.Context, in Inbound) error {
	p.hmu.RLock()
	h, ok := p.handlers[in.Type]
	p.hmu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: no handler for %q", common.ErrValidation, in.Type)
	}
	return h(ctx, in)
}

func (p *Processor) handleContactKeyUpdate(ctx context.Context, in Inbound) error {
	var d ContactKeyUpdateData
	if err := in.Decode(&d); err != nil {
		return err
	}
	_, err := p.contacts.ApplyKeyUpdate(ctx, in.Sender(), d.Keys, in.Seq)
	return err
}

// RotateKeyPairs replaces the account's key pairs. Every trusted contact
// is told about the new public keys in a message signed with the old
// ones; local keys only change once those messages are out.
func (p *Processor) RotateKeyPairs(ctx context.Context) (cryptox.PublicKeys, error) {
	old, err := p.keys.KeyPairs()
	if err != nil {
		return cryptox.PublicKeys{}, err
	}
	next, err := p.crypto.GenerateKeyPairs()
	if err != nil {
		return cryptox.PublicKeys{}, fmt.Errorf("generate key pairs: %w", err)
	}
	pub := next.Public()

	var recipients []models.TrustedContactContent
	for _, c := range p.contacts.All() {
		if !c.IsMe && c.ContactUUID != p.self {
			recipients = append(recipients, c)
		}
	}
	if len(recipients) > 0 {
		first, err := p.nextSeqs(ctx, len(recipients))
		if err != nil {
			return cryptox.PublicKeys{}, err
		}
		msgs := make([]models.AsymmetricMessage, 0, len(recipients))
		for i, c := range recipients {
			msg, err := p.seal(old, c.ContactUUID, c.PublicKeys.Enc, models.MessageContactKeyUpdate, first+int64(i), ContactKeyUpdateData{Keys: pub})
			if err != nil {
				return cryptox.PublicKeys{}, err
			}
			msgs = append(msgs, msg)
		}
		if err := p.tr.SendMessages(ctx, msgs); err != nil {
			return cryptox.PublicKeys{}, fmt.Errorf("send key update: %w", err)
		}
	}

	if err := p.keys.SetKeyPairs(ctx, next); err != nil {
		return cryptox.PublicKeys{}, err
	}
	if _, err := p.contacts.TrustSelf(ctx, p.self, pub); err != nil {
		return pub, err
	}
	if err := p.tr.PublishPublicKeys(ctx, pub); err != nil {
		return pub, fmt.Errorf("publish keys: %w", err)
	}
	p.log.Info(ctx, "key pairs rotated", "contacts", len(recipients))
	return pub, nil
}
