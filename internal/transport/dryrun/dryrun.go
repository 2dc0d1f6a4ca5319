// Package dryrun is a transport that logs deliveries instead of sending them.
// Its session is always healthy. Used for rehearsals and local testing.
package dryrun

import (
	"context"
	"sync"
	"time"

	"bulksender/internal/transport"
	logx "bulksender/pkg/logx"
)

type Transport struct {
	log logx.Logger

	mu   sync.Mutex
	sent []transport.Delivery
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Session   = (*Transport)(nil)
	_ transport.Closer    = (*Transport)(nil)
)

func New(log logx.Logger) *Transport {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Transport{log: log}
}

func (t *Transport) Send(ctx context.Context, d transport.Delivery) (transport.Result, error) {
	t.mu.Lock()
	t.sent = append(t.sent, d)
	t.mu.Unlock()
	t.log.Info("dry-run delivery",
		logx.Int64("job_id", d.JobID),
		logx.Int64("message_id", d.MessageID),
		logx.String("to", d.Recipient),
		logx.Int("text_len", len(d.Text)),
		logx.Bool("has_attachment", d.Attachment != ""),
	)
	return transport.Success(), nil
}

// Sent returns a copy of every delivery seen so far.
func (t *Transport) Sent() []transport.Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]transport.Delivery(nil), t.sent...)
}

func (t *Transport) Healthy(context.Context) bool { return true }

func (t *Transport) Reconnect(context.Context, time.Duration) bool { return true }

func (t *Transport) CloseSession(context.Context) error {
	t.log.Info("dry-run session closed")
	return nil
}
