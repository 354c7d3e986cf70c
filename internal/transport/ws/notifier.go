// Package ws listens for change notifications from the sync server's
// websocket endpoint.
package ws

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/dmitrijs2005/gophnotes/internal/common"
	"github.com/dmitrijs2005/gophnotes/internal/logging"
	"github.com/gorilla/websocket"
)

// TokenSource returns the current access token.
type TokenSource func(ctx context.Context) (string, error)

type Notifier struct {
	url    string
	token  TokenSource
	dialer *websocket.Dialer
	log    logging.Logger
	retry  time.Duration
}

// New returns a notifier for the endpoint at url, e.g. ws://host:8081/ws.
func New(url string, token TokenSource, l logging.Logger) *Notifier {
	return &Notifier{
		url:    url,
		token:  token,
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    logging.OrNop(l).With("module", "ws_notifier"),
		retry:  5 * time.Second,
	}
}

func (n *Notifier) dial(ctx context.Context) (*websocket.Conn, error) {
	token, err := n.token(ctx)
	if err != nil {
		return nil, err
	}
	h := http.Header{}
	h.Set(common.AccessTokenHeaderName, token)
	conn, resp, err := n.dialer.DialContext(ctx, n.url, h)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("notifications: %w", common.ErrorUnauthorized)
		}
		return nil, fmt.Errorf("%w: notifications: %w", common.ErrNetwork, err)
	}
	return conn, nil
}

// Changes connects and returns a channel that receives a value whenever the
// server reports new data. Lost connections are re-established until ctx
// ends, and each reconnect is reported as a change since signals may have
// been missed. The channel is closed when ctx ends.
func (n *Notifier) Changes(ctx context.Context) (<-chan struct{}, error) {
	conn, err := n.dial(ctx)
	if err != nil {
		return nil, err
	}

	out := make(chan struct{}, 1)
	signal := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	go func() {
		defer close(out)
		for {
			n.read(ctx, conn, signal)
			if ctx.Err() != nil {
				return
			}
			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(n.retry):
				}
				conn, err = n.dial(ctx)
				if err == nil {
					break
				}
				n.log.Debug(ctx, "notification reconnect failed", "error", err)
			}
			signal()
		}
	}()
	return out, nil
}

func (n *Notifier) read(ctx context.Context, conn *websocket.Conn, signal func()) {
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()
	defer conn.Close()

	for {
		var ev struct {
			Type string `json:"type"`
		}
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				n.log.Debug(ctx, "notification connection lost", "error", err)
			}
			return
		}
		signal()
	}
}
