package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/client/config"
	"github.com/dmitrijs2005/gophnotes/internal/client/services"
	"github.com/dmitrijs2005/gophnotes/internal/filex"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/dmitrijs2005/gophnotes/internal/session"
	"github.com/dmitrijs2005/gophnotes/internal/storage"
	"github.com/dmitrijs2005/gophnotes/internal/storage/badger"
	"github.com/dmitrijs2005/gophnotes/internal/storage/sqlite"
	"github.com/dmitrijs2005/gophnotes/internal/syncer"
	"github.com/dmitrijs2005/gophnotes/internal/transport"
	"github.com/dmitrijs2005/gophnotes/internal/transport/grpcclient"
	"github.com/dmitrijs2005/gophnotes/internal/transport/ws"
)

type Mode string

const (
	ModeLocked  Mode = "locked"
	ModeOffline Mode = "offline"
	ModeOnline  Mode = "online"
)

// Deps are the capabilities the App runs on. NewApp builds them from the
// config; tests pass in-process ones.
type Deps struct {
	Store    storage.Store
	Accounts services.Client
	// Connect returns the transport to use once userID is signed in.
	Connect  func(userID string) transport.Transport
	Notifier transport.Notifier
	// Ping reports whether the server is reachable. Nil means always.
	Ping    func(ctx context.Context) error
	Closers []io.Closer
}

type App struct {
	cfg  *config.Config
	deps Deps
	auth *services.Auth
	log  logging.Logger

	in  *bufio.Reader
	out io.Writer

	mu       sync.Mutex
	sess     *session.Session
	userName string
	mode     Mode
	// bgParent is set while the shell runs; sessions opened then sync in
	// the background.
	bgParent context.Context
	stopBg   context.CancelFunc
	bgDone   chan struct{}
}

func New(cfg *config.Config, deps Deps, l logging.Logger, in io.Reader, out io.Writer) *App {
	return &App{
		cfg:  cfg,
		deps: deps,
		auth: services.NewAuth(deps.Accounts, deps.Store),
		log:  logging.OrNop(l).With("module", "cli"),
		in:   bufio.NewReader(in),
		out:  out,
		mode: ModeLocked,
	}
}

// NewApp opens the local store and connects to the configured server.
func NewApp(ctx context.Context, cfg *config.Config, l logging.Logger) (*App, error) {
	store, err := openStore(ctx, cfg, l)
	if err != nil {
		return nil, err
	}

	client, err := grpcclient.New(cfg.ServerEndpointAddr)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	deps := Deps{
		Store:    store,
		Accounts: client,
		Connect:  func(string) transport.Transport { return client },
		Ping:     client.Ping,
		Closers:  []io.Closer{client},
	}
	if cfg.NotifyURL != "" {
		deps.Notifier = ws.New(cfg.NotifyURL, client.AccessToken, l)
	}
	return New(cfg, deps, l, os.Stdin, os.Stdout), nil
}

func openStore(ctx context.Context, cfg *config.Config, l logging.Logger) (storage.Store, error) {
	if cfg.StorageBackend == config.BackendMemory {
		return storage.NewMemory(), nil
	}

	dir, err := filex.EnsureDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	switch cfg.StorageBackend {
	case config.BackendBadger:
		bc := badger.DefaultConfig(filepath.Join(dir, "badger"))
		if sl, ok := l.(*logging.SlogLogger); ok {
			bc.Logger = sl.Slog()
		}
		return badger.Open(bc)
	default:
		return sqlite.Open(ctx, filepath.Join(dir, "gophnotes.db"))
	}
}

// keepOpen hands the App's store to a session without letting the session
// close it, so a locked App can sign in again.
type keepOpen struct{ storage.Store }

func (keepOpen) Close() error { return nil }

func (a *App) openSession(ctx context.Context, acc *services.Account) (*session.Session, error) {
	cfg := session.Config{
		UserUUID:           acc.UserID,
		UserName:           acc.UserName,
		Name:               acc.UserName,
		TombstoneGrace:     a.cfg.Grace(),
		HistoryMaxPerItem:  a.cfg.HistoryMaxPerItem,
		InviteTTL:          a.cfg.InviteTTL,
		RotationAckTimeout: a.cfg.RotationAckTimeout,
	}
	return session.Open(ctx, cfg, session.Deps{
		Store:     keepOpen{a.deps.Store},
		Transport: a.deps.Connect(acc.UserID),
		Notifier:  a.deps.Notifier,
		Logger:    a.log,
	})
}

func (a *App) session() *session.Session {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sess
}

func (a *App) setMode(mode Mode) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mode != mode {
		a.mode = mode
		a.log.Info(context.Background(), "mode changed", "mode", mode)
	}
}

func (a *App) Mode() Mode {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.mode
}

func (a *App) isLoggedIn() bool {
	return a.session() != nil
}

// status is shown in the shell prompt.
func (a *App) status() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := string(a.mode)
	if a.userName != "" {
		s = a.userName + " " + s
	}
	if a.sess != nil {
		if n := a.sess.DirtyCount(); n > 0 {
			s += fmt.Sprintf(" %d unsynced", n)
		}
	}
	return "(" + s + ")"
}

func (a *App) checkServer(ctx context.Context) Mode {
	if a.deps.Ping == nil {
		return ModeOnline
	}
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := a.deps.Ping(ctx); err != nil {
		return ModeOffline
	}
	return ModeOnline
}

// StartOnlineStatusWatcher checks the server every interval and keeps the
// mode current until ctx ends.
func (a *App) StartOnlineStatusWatcher(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if !a.isLoggedIn() {
				continue
			}
			a.setMode(a.checkServer(ctx))
		case <-ctx.Done():
			return
		}
	}
}

// signedIn installs sess as the App's session.
func (a *App) signedIn(ctx context.Context, sess *session.Session, userName string) {
	a.mu.Lock()
	a.sess = sess
	a.userName = userName
	bg := a.bgParent
	a.mu.Unlock()
	a.setMode(a.checkServer(ctx))
	if bg != nil {
		a.startBackground(bg)
	}
}

// startBackground keeps the session syncing until ctx ends or the App
// locks.
func (a *App) startBackground(ctx context.Context) {
	sess := a.session()
	if sess == nil {
		return
	}
	a.mu.Lock()
	if a.stopBg != nil {
		a.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	a.stopBg, a.bgDone = cancel, done
	a.mu.Unlock()

	go func() {
		defer close(done)
		if err := sess.Run(ctx, a.cfg.SyncInterval, syncer.DefaultBackoff()); err != nil {
			a.log.Warn(ctx, "background sync stopped", "error", err)
		}
	}()
}

func (a *App) stopBackground() {
	a.mu.Lock()
	stop, done := a.stopBg, a.bgDone
	a.stopBg, a.bgDone = nil, nil
	a.mu.Unlock()
	if stop != nil {
		stop()
		<-done
	}
}

// lock closes the session, keeping the store.
func (a *App) lock() error {
	a.stopBackground()
	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	a.userName = ""
	a.mode = ModeLocked
	a.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.Close()
}

func (a *App) Close() error {
	errs := []error{a.lock(), a.deps.Store.Close()}
	for _, c := range a.deps.Closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (a *App) printf(format string, args ...any) {
	fmt.Fprintf(a.out, format, args...)
}
