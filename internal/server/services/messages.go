package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/cryptox"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	domain "github.com/dmitrijs2005/gophnotes/internal/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/models"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
)

// MessageService queues sealed messages between users and publishes their
// public keys. Message bodies are opaque to the server.
type MessageService struct {
	repomanager repomanager.RepositoryManager
	notifier    Notifier
	log         logging.Logger
}

func NewMessageService(m repomanager.RepositoryManager, n Notifier, l logging.Logger) *MessageService {
	if n == nil {
		n = nopNotifier{}
	}
	return &MessageService{repomanager: m, notifier: n, log: logging.OrNop(l).With("module", "messages")}
}

// Send queues msgs from userID. The sender field must name the caller.
func (s *MessageService) Send(ctx context.Context, userID string, msgs []domain.AsymmetricMessage) error {
	recipients := map[string]struct{}{}
	err := s.repomanager.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		for _, m := range msgs {
			if m.SenderUUID != userID {
				return fmt.Errorf("message %s: %w", m.UUID, common.ErrPermissionDenied)
			}
			if m.UUID == "" || m.RecipientUUID == "" {
				return fmt.Errorf("%w: message without id or recipient", common.ErrValidation)
			}
			exists, err := r.Users().Exists(ctx, m.RecipientUUID)
			if err != nil {
				return err
			}
			if !exists {
				return fmt.Errorf("recipient %s: %w", m.RecipientUUID, common.ErrorNotFound)
			}
			if m.CreatedAt.IsZero() {
				m.CreatedAt = time.Now().UTC()
			}
			data, err := json.Marshal(m)
			if err != nil {
				return err
			}
			err = r.Messages().Create(ctx, &models.Message{
				ID: m.UUID, RecipientID: m.RecipientUUID, SenderID: userID, Data: data, CreatedAt: m.CreatedAt,
			})
			if err != nil {
				return err
			}
			recipients[m.RecipientUUID] = struct{}{}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.notifier.Notify(setKeys(recipients)...)
	return nil
}

// Fetch returns the messages waiting for userID, oldest first.
func (s *MessageService) Fetch(ctx context.Context, userID string) ([]domain.AsymmetricMessage, error) {
	rows, err := s.repomanager.Repos().Messages().ListForRecipient(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]domain.AsymmetricMessage, 0, len(rows))
	for _, row := range rows {
		var m domain.AsymmetricMessage
		if err := json.Unmarshal(row.Data, &m); err != nil {
			s.log.Warn(ctx, "stored message unreadable, dropped", "id", row.ID, "error", err)
			continue
		}
		out = append(out, m)
	}
	return out, nil
}

// Ack removes delivered messages. Unknown ids are ignored.
func (s *MessageService) Ack(ctx context.Context, userID string, ids []string) error {
	return s.repomanager.WithTx(ctx, func(ctx context.Context, r repomanager.Repositories) error {
		for _, id := range ids {
			if err := r.Messages().Delete(ctx, userID, id); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *MessageService) PublishKeys(ctx context.Context, userID string, k cryptox.PublicKeys) error {
	if len(k.Enc) == 0 || len(k.Sign) == 0 {
		return fmt.Errorf("%w: incomplete public key set", common.ErrValidation)
	}
	return s.repomanager.Repos().PublicKeys().Put(ctx, models.PublicKeys{UserID: userID, EncPublic: k.Enc, SignPublic: k.Sign})
}

func (s *MessageService) LookupKeys(ctx context.Context, userID string) (cryptox.PublicKeys, error) {
	k, err := s.repomanager.Repos().PublicKeys().Get(ctx, userID)
	if err != nil {
		return cryptox.PublicKeys{}, err
	}
	return cryptox.PublicKeys{Enc: k.EncPublic, Sign: k.SignPublic}, nil
}
