package edge

import (
	"context"
	"fmt"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/policy"
	"github.com/webrana/gomta/internal/queue"
)

// QueueEnqueuer adapts a *queue.Engine and a fixed policy chain to
// smtpserver.Enqueuer, so the SMTP edge can hand off a completed
// envelope without depending on the queue package's richer
// EnqueueRequest/EnqueueResult shape.
type QueueEnqueuer struct {
	engine   *queue.Engine
	policies []policy.Policy
}

// NewQueueEnqueuer builds a QueueEnqueuer running policies on every
// envelope handed to Enqueue.
func NewQueueEnqueuer(engine *queue.Engine, policies []policy.Policy) *QueueEnqueuer {
	return &QueueEnqueuer{engine: engine, policies: policies}
}

// Enqueue implements smtpserver.Enqueuer.
func (q *QueueEnqueuer) Enqueue(ctx context.Context, e *envelope.Envelope) (string, error) {
	result := q.engine.Enqueue(ctx, queue.EnqueueRequest{Envelope: e}, q.policies)
	if !result.Queued {
		return "", fmt.Errorf("enqueue rejected: %s", result.Failure.Text())
	}
	return result.ID, nil
}
