// Package repomanager vends the server repositories, either bound to a
// PostgreSQL connection or kept in memory for tests and embedded use.
package repomanager

import (
	"context"

	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/items"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/messages"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/publickeys"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/refreshtokens"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/users"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/vaults"
)

// Repositories is one consistent view of the server state.
type Repositories interface {
	Users() users.Repository
	RefreshTokens() refreshtokens.Repository
	Items() items.Repository
	Vaults() vaults.Repository
	Messages() messages.Repository
	PublicKeys() publickeys.Repository
}

type RepositoryManager interface {
	RunMigrations(ctx context.Context) error
	// Repos returns repositories that run each call on its own.
	Repos() Repositories
	// WithTx runs fn against repositories bound to a single transaction,
	// committed when fn returns nil and rolled back otherwise.
	WithTx(ctx context.Context, fn func(ctx context.Context, r Repositories) error) error
	Close() error
}
