package services

import (
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/server/config"
	"github.com/dmitrijs2005/gophnotes/internal/server/repositories/repomanager"
)

// Services is everything the RPC layer and in-process clients call.
type Services struct {
	Users    *UserService
	Sync     *SyncService
	Vaults   *VaultService
	Messages *MessageService
}

// New wires the services over one repository manager. a and n may be nil.
func New(m repomanager.RepositoryManager, cfg *config.Config, a Archiver, n Notifier, l logging.Logger) *Services {
	return &Services{
		Users:    NewUserService(m, cfg, l),
		Sync:     NewSyncService(m, a, n, l),
		Vaults:   NewVaultService(m, n, l),
		Messages: NewMessageService(m, n, l),
	}
}
