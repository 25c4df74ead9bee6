// Package queue implements the durable queue of spec.md §4.6: it
// accepts an envelope from an edge (SMTP or HTTP), runs it through the
// policy chain, persists the result, and schedules delivery attempts
// through a Relayer, rescheduling transient failures with backoff and
// bouncing permanent ones.
//
// Grounded on other_examples/foxcpp-maddy's queue.go for the retry
// shape (initialRetryTime * retryTimeScale^(tries-1), a maxTries
// cutoff after which a still-failing recipient is treated as
// permanent) and on the teacher's internal/events.InMemoryEventBus for
// its message-passing discipline: edges hand the queue EnqueueRequest
// values, and the queue reaches relay and bounce generation only
// through the Relayer, Result and BounceGenerator abstractions, never
// through back-pointers into each other.
package queue

import (
	"context"
	"math"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/reply"
)

// EnqueueRequest is what an edge hands the queue: an envelope plus
// enough context to log and reply.
type EnqueueRequest struct {
	Envelope *envelope.Envelope
}

// EnqueueResult is what the queue hands back to the edge that
// accepted the message, per spec.md §4.6's accept/451 contract.
type EnqueueResult struct {
	ID      string
	Queued  bool
	Failure reply.Reply // valid only if !Queued
}

// DeliveryResult is a value form of one message's delivery outcome.
// The engine does not use it; it reads outcomes through the Result
// interface its Relayer returns.
type DeliveryResult struct {
	ID        string
	Delivered []string
	Temporary []string // retry these recipients later
	Permanent []string // these recipients should be bounced
	Outcomes  map[string]reply.Reply
}

// Relayer attempts delivery of an envelope and reports a per-recipient
// result. internal/relay.Manager implements this.
type Relayer interface {
	DeliverEnvelope(ctx context.Context, e *envelope.Envelope) (Result, error)
}

// Result mirrors relay.Manager's return shape so this package doesn't
// import internal/relay directly; cmd/gomta wraps *relay.Manager in a
// small adapter that returns its relay.Result value through this
// interface.
type Result interface {
	Delivered() []string
	Temporary() []string
	Permanent() []string
}

// BounceGenerator builds a non-delivery notification for a message
// that has permanently failed for one or more recipients. A nil
// return (ok == false) means no bounce should be sent (e.g. the
// original message was itself a bounce).
type BounceGenerator func(original *envelope.Envelope, failedRecipients []string) (bounce *envelope.Envelope, ok bool)

// Backoff computes the delay before the next attempt for a message
// that has failed attempts times so far. ok is false once the message
// has exhausted its retry budget: the caller should then treat every
// still-temporary recipient as permanently failed.
type Backoff func(attempts int) (delay time.Duration, ok bool)

// ExponentialBackoff reproduces foxcpp-maddy's
// initial * scale^(attempts-1) schedule, capped at maxTries attempts.
func ExponentialBackoff(initial time.Duration, scale float64, maxTries int) Backoff {
	return func(attempts int) (time.Duration, bool) {
		if attempts >= maxTries {
			return 0, false
		}
		factor := math.Pow(scale, float64(attempts-1))
		return time.Duration(float64(initial) * factor), true
	}
}
