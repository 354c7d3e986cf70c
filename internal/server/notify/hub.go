// Package notify pushes "you have changes" signals to connected clients
// over websockets. A signal carries no data; clients react by pulling.
package notify

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/gorilla/websocket"
)

const (
	Path = "/ws"

	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// Event is the only message a hub sends.
type Event struct {
	Type string `json:"type"`
}

const EventChanged = "changed"

// Authenticator resolves an access token to a user id.
type Authenticator interface {
	Authenticate(accessToken string) (string, error)
}

type subscriber struct {
	signal chan struct{}
}

// Hub tracks websocket subscribers per user.
type Hub struct {
	auth     Authenticator
	log      logging.Logger
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[string]map[*subscriber]struct{}
}

func NewHub(a Authenticator, l logging.Logger) *Hub {
	return &Hub{
		auth: a,
		log:  logging.OrNop(l).With("module", "notify"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		subs: make(map[string]map[*subscriber]struct{}),
	}
}

// Notify signals every connection of the given users. It never blocks; a
// subscriber with a signal already pending is not signalled twice.
func (h *Hub) Notify(userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, id := range userIDs {
		for s := range h.subs[id] {
			select {
			case s.signal <- struct{}{}:
			default:
			}
		}
	}
}

// Subscribers returns how many connections userID has open.
func (h *Hub) Subscribers(userID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[userID])
}

func (h *Hub) add(userID string) *subscriber {
	s := &subscriber{signal: make(chan struct{}, 1)}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[userID] == nil {
		h.subs[userID] = make(map[*subscriber]struct{})
	}
	h.subs[userID][s] = struct{}{}
	return s
}

func (h *Hub) remove(userID string, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[userID], s)
	if len(h.subs[userID]) == 0 {
		delete(h.subs, userID)
	}
}

func tokenFrom(r *http.Request) string {
	if t := r.Header.Get(common.AccessTokenHeaderName); t != "" {
		return t
	}
	return r.URL.Query().Get(common.AccessTokenHeaderName)
}

// ServeHTTP upgrades an authenticated request and streams change events
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	userID, err := h.auth.Authenticate(tokenFrom(r))
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn(ctx, "websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	sub := h.add(userID)
	defer h.remove(userID, sub)
	h.log.Debug(ctx, "subscriber connected", "user_id", userID)

	closed := make(chan struct{})
	go func() {
		defer close(closed)
		ws.SetReadLimit(512)
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			h.log.Debug(ctx, "subscriber disconnected", "user_id", userID)
			return
		case <-sub.signal:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(Event{Type: EventChanged}); err != nil {
				return
			}
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// Serve runs an HTTP server for the hub on listen until ctx is cancelled.
func (h *Hub) Serve(ctx context.Context, listen net.Listener) error {
	mux := http.NewServeMux()
	mux.Handle(Path, h)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		h.log.Info(ctx, "Stopping websocket server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	h.log.Info(ctx, "Starting websocket server", "address", listen.Addr().String())
	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (h *Hub) Run(ctx context.Context, addr string) error {
	listen, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return h.Serve(ctx, listen)
}
