package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// Listener keeps a hint connection open and calls OnHint for every hint received. It
// reconnects with a growing delay until its context is done.
type Listener struct {
	URL    string
	Token  func() (string, bool)
	OnHint func(Hint)
	Log    *zap.Logger

	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
}

func (l *Listener) Run(ctx context.Context) {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	maxBackoff := l.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}

	backoff := 500 * time.Millisecond
	for {
		start := time.Now()
		err := l.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		if time.Since(start) > maxBackoff {
			backoff = 500 * time.Millisecond
		}
		log.Debug("ws_listener_disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	header := http.Header{}
	if l.Token != nil {
		tok, ok := l.Token()
		if !ok {
			return errors.New("no credential")
		}
		header.Set("Authorization", "Bearer "+tok)
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, l.URL, header)
	if err != nil {
		return errors.Wrap(err, "dial hint channel")
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		var h Hint
		if err := conn.ReadJSON(&h); err != nil {
			return errors.Wrap(err, "read hint")
		}
		if h.Type == TypeConversationUpdated && l.OnHint != nil {
			l.OnHint(h)
		}
	}
}
