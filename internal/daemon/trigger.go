package daemon

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/docforge/docforge/internal/logfields"
)

// Trigger coalesces sync requests. Any number of notifications while a sync
// is pending collapse into one run; the payload of a notification is never
// trusted, only its arrival.
type Trigger struct {
	ch chan struct{}
}

// NewTrigger creates an empty trigger.
func NewTrigger() *Trigger {
	return &Trigger{ch: make(chan struct{}, 1)}
}

// Notify requests a sync run. Never blocks.
func (t *Trigger) Notify() {
	select {
	case t.ch <- struct{}{}:
	default:
	}
}

// C is the channel the sync loop waits on.
func (t *Trigger) C() <-chan struct{} { return t.ch }

// subscribeNATS connects to the configured NATS server and fires the
// trigger on every message on the activity subject. The returned connection
// must be closed on shutdown.
func subscribeNATS(url, subject string, trigger *Trigger, logger *slog.Logger) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", logfields.Error(err))
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", slog.String("url", c.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = conn.Subscribe(subject, func(msg *nats.Msg) {
		logger.Debug("registry activity notification", slog.String("subject", msg.Subject))
		trigger.Notify()
	})
	if err != nil {
		conn.Close()
		return nil, err
	}
	logger.Info("subscribed to registry activity",
		slog.String("url", url), slog.String("subject", subject))
	return conn, nil
}

// verifySignature checks the webhook HMAC-SHA256 signature header against
// the request body. The header carries the hex digest, optionally prefixed
// with "sha256=".
func verifySignature(secret string, body []byte, header string) bool {
	header = strings.TrimPrefix(header, "sha256=")
	sig, err := hex.DecodeString(header)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
