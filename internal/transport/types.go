// Package transport defines the contracts between the worker and the delivery
// mechanism: a Transport performs one send, a Session reports and restores the
// authenticated connection the Transport depends on.
package transport

import (
	"context"
	"time"
)

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeTransient
	OutcomePermanent
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeTransient:
		return "transient_failure"
	case OutcomePermanent:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// Result is the tagged outcome of one delivery attempt.
//
// Ordinary failures (invalid recipient, timeout, gateway unavailable) are
// reported here, never through the error return of Send.
type Result struct {
	Outcome Outcome
	Reason  string
}

func Success() Result { return Result{Outcome: OutcomeSuccess} }
func Transient(reason string) Result { return Result{Outcome: OutcomeTransient, Reason: reason} }
func Permanent(reason string) Result { return Result{Outcome: OutcomePermanent, Reason: reason} }
func (r Result) OK() bool { return r.Outcome == OutcomeSuccess }
func (r Result) IsPermanent() bool { return r.Outcome == OutcomePermanent }

// Delivery is one message to one recipient. Text and Attachment may each be empty,
// not both.
type Delivery struct {
	MessageID  int64
	JobID      int64
	Recipient  string
	Text       string
	Attachment string // local file path
}

// Transport performs one delivery attempt.
//
// The error return is reserved for unrecoverable infrastructure failures
// (e.g. the transport process is gone); callers treat it as a transient
// failure plus a forced session check.
type Transport interface {
	Send(ctx context.Context, d Delivery) (Result, error)
}

// Session is the authenticated connection the Transport depends on.
type Session interface {
	Healthy(ctx context.Context) bool
	// Reconnect blocks until the session is authenticated or timeout elapses.
	Reconnect(ctx context.Context, timeout time.Duration) bool
}

// Challenger is optionally implemented by sessions that need an operator to
// complete login (e.g. scan a QR code). ok is false when no challenge is pending.
type Challenger interface {
	Challenge(ctx context.Context) (payload string, ok bool)
}

// Closer is optionally implemented by sessions that can be shut down explicitly.
// The worker never calls it; operators do.
type Closer interface {
	CloseSession(ctx context.Context) error
}
