package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dmitrijs2005/walletsync/internal/logging"
)

// ChangeHint is the server's notification that a wallet's log changed.
// It carries no payload; the receiver is expected to run a sync.
type ChangeHint struct {
	Type     string `json:"type"`
	WalletID string `json:"wallet_id"`
}

// Listener keeps a websocket subscription to the server's change feed and
// invokes the callback for every hint. It reconnects with a growing delay
// until the context is canceled.
type Listener struct {
	url    string
	tokens TokenSource
	logger logging.Logger
	onHint func(walletID string)
}

// NewListener subscribes to wsURL (e.g. "ws://host/api/sync/ws") for the
// given wallet. onHint is called from the listener goroutine.
func NewListener(wsURL, walletID string, tokens TokenSource, logger logging.Logger, onHint func(walletID string)) (*Listener, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("parsing websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("wallet_id", walletID)
	u.RawQuery = q.Encode()

	return &Listener{url: u.String(), tokens: tokens, logger: logger, onHint: onHint}, nil
}

const (
	reconnectBaseDelay = time.Second
	reconnectMaxDelay  = 30 * time.Second

	// healthySession is how long a connection must stay up for the next
	// reconnect to start from the base delay again.
	healthySession = time.Minute
)

// Run blocks, reading hints until ctx is canceled.
func (l *Listener) Run(ctx context.Context) {
	var delay time.Duration
	for {
		started := time.Now()
		err := l.listenOnce(ctx)
		delay = nextReconnectDelay(delay, time.Since(started))
		if err != nil && ctx.Err() == nil {
			l.logger.Debug(ctx, "websocket disconnected", "error", err, "retry_in", delay)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// nextReconnectDelay doubles the delay up to the cap. A session that
// lived long enough restarts the ladder, so a drop after hours of
// healthy streaming reconnects quickly instead of waiting out the
// delay accumulated by earlier outages.
func nextReconnectDelay(prev, session time.Duration) time.Duration {
	if session >= healthySession {
		return reconnectBaseDelay
	}
	next := prev * 2
	if next < reconnectBaseDelay {
		next = reconnectBaseDelay
	}
	if next > reconnectMaxDelay {
		next = reconnectMaxDelay
	}
	return next
}

func (l *Listener) listenOnce(ctx context.Context) error {
	token, err := l.tokens.Token()
	if err != nil {
		return fmt.Errorf("getting access token: %w", err)
	}
	u, _ := url.Parse(l.url)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	defer conn.Close()

	// Close the connection when the context ends so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("reading: %w", err)
		}
		var hint ChangeHint
		if err := json.Unmarshal(data, &hint); err != nil {
			l.logger.Debug(ctx, "ignoring malformed change hint", "error", err)
			continue
		}
		if hint.Type == "changed" && hint.WalletID != "" {
			l.onHint(hint.WalletID)
		}
	}
}
