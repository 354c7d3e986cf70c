// Package messages queues sealed messages until their recipient acks them.
package messages

import (
	"context"

	"github.com/dmitrijs2005/gophnotes/internal/server/models"
)

type Repository interface {
	// Create is idempotent by message id.
	Create(ctx context.Context, m *models.Message) error
	ListForRecipient(ctx context.Context, recipientID string) ([]*models.Message, error)
	// Delete removes a message only when it is addressed to recipientID.
	Delete(ctx context.Context, recipientID, id string) error
}
