package queue

import (
	"container/heap"
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/policy"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/storage"
)

// Config holds the parameters an Engine needs beyond its collaborators.
type Config struct {
	Backoff       Backoff
	DispatchLimit int // max concurrent deliveries in flight; 0 means 16
}

// Engine is the queue described by spec.md §4.6: a policy pipeline on
// the way in, a persistent store, a timestamp-ordered scheduler, and a
// dispatcher that talks to a Relayer and a BounceGenerator.
type Engine struct {
	config  Config
	store   storage.Storage
	relayer Relayer
	bounce  BounceGenerator
	log     *slog.Logger

	mu        sync.Mutex
	scheduled scheduleHeap
	inFlight  map[string]bool
	sem       chan struct{}

	wake chan struct{}
}

// New builds an Engine. policies run on Enqueue; relayer and bounce
// run on dispatch. logger may be nil to discard logs.
func New(store storage.Storage, relayer Relayer, bounce BounceGenerator, config Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	limit := config.DispatchLimit
	if limit <= 0 {
		limit = 16
	}
	return &Engine{
		config:   config,
		store:    store,
		relayer:  relayer,
		bounce:   bounce,
		log:      logger,
		inFlight: map[string]bool{},
		sem:      make(chan struct{}, limit),
		wake:     make(chan struct{}, 1),
	}
}

// scheduleItem is one pending delivery attempt, ordered by When.
type scheduleItem struct {
	id    string
	when  time.Time
	index int
}

type scheduleHeap []*scheduleItem

func (h scheduleHeap) Len() int            { return len(h) }
func (h scheduleHeap) Less(i, j int) bool  { return h[i].when.Before(h[j].when) }
func (h scheduleHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *scheduleHeap) Push(x interface{}) {
	item := x.(*scheduleItem)
	item.index = len(*h)
	*h = append(*h, item)
}
func (h *scheduleHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Enqueue runs policies over the request's envelope, splits it into
// zero or more resulting envelopes, and persists each one for
// delivery. A policy rejection short-circuits the whole request with
// the rejecting reply, per spec.md §4.6.
func (e *Engine) Enqueue(ctx context.Context, req EnqueueRequest, policies []policy.Policy) EnqueueResult {
	envelopes, rej := policy.Chain(policies, req.Envelope)
	if rej != nil {
		return EnqueueResult{Queued: false, Failure: *rej}
	}

	var lastID string
	for _, env := range envelopes {
		meta := storage.Metadata{
			Attempts:          0,
			Timestamp:         time.Now(),
			RecipientsPending: append([]string(nil), env.Recipients...),
		}
		id, err := e.store.Write(ctx, env, meta)
		if err != nil {
			return EnqueueResult{Queued: false, Failure: reply.LocalError}
		}
		lastID = id
		e.scheduleAt(id, time.Now())
	}
	return EnqueueResult{ID: lastID, Queued: true}
}

// scheduleAt inserts (or moves) id's next attempt time into the heap
// and wakes the dispatcher if this is now the earliest pending item.
func (e *Engine) scheduleAt(id string, when time.Time) {
	e.mu.Lock()
	heap.Push(&e.scheduled, &scheduleItem{id: id, when: when})
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// LoadPending reschedules every message already in storage for
// immediate delivery, per spec.md §4.6's crash-recovery requirement:
// a restart must not lose messages left mid-retry.
func (e *Engine) LoadPending(ctx context.Context) error {
	records, err := e.store.LoadAll(ctx)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, rec := range records {
		if len(rec.Metadata.RecipientsPending) == 0 {
			continue
		}
		e.scheduleAt(rec.ID, now)
	}
	return nil
}

// Run drives the scheduler loop until ctx is cancelled: it waits for
// either the next scheduled time or a wake-up from Enqueue/reschedule,
// then dispatches every item whose time has come.
func (e *Engine) Run(ctx context.Context) {
	for {
		d, ok := e.nextDelay()
		var timerC <-chan time.Time
		if ok {
			t := time.NewTimer(d)
			defer t.Stop()
			timerC = t.C
		}
		select {
		case <-ctx.Done():
			return
		case <-e.wake:
		case <-timerC:
		}
		e.dispatchDue(ctx)
	}
}

func (e *Engine) nextDelay() (time.Duration, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.scheduled) == 0 {
		return 0, false
	}
	d := time.Until(e.scheduled[0].when)
	if d < 0 {
		d = 0
	}
	return d, true
}

// dispatchDue pops every item whose time has arrived and dispatches it
// on a goroutine bounded by the dispatch semaphore, skipping ids that
// are already in flight (at-most-one-attempt-in-flight-per-id, per
// spec.md §4.6).
func (e *Engine) dispatchDue(ctx context.Context) {
	now := time.Now()
	var due []string
	e.mu.Lock()
	for len(e.scheduled) > 0 && !e.scheduled[0].when.After(now) {
		item := heap.Pop(&e.scheduled).(*scheduleItem)
		if e.inFlight[item.id] {
			continue
		}
		e.inFlight[item.id] = true
		due = append(due, item.id)
	}
	e.mu.Unlock()

	for _, id := range due {
		id := id
		select {
		case e.sem <- struct{}{}:
		case <-ctx.Done():
			e.clearInFlight(id)
			return
		}
		go func() {
			defer func() { <-e.sem }()
			defer e.clearInFlight(id)
			e.attempt(ctx, id)
		}()
	}
}

func (e *Engine) clearInFlight(id string) {
	e.mu.Lock()
	delete(e.inFlight, id)
	e.mu.Unlock()
}

// attempt loads id's record, relays it, and applies the outcome:
// success narrows RecipientsPending, a transient failure reschedules
// with backoff, and a permanent (or backoff-exhausted) failure
// generates a bounce and removes the original from storage.
func (e *Engine) attempt(ctx context.Context, id string) {
	rec, err := e.store.Get(ctx, id)
	if err != nil {
		e.log.Warn("queue: record missing on dispatch", "queue_id", id, "error", err)
		return
	}
	if len(rec.Metadata.RecipientsPending) == 0 {
		e.store.Remove(ctx, id)
		return
	}

	pending := rec.Envelope.Clone()
	pending.Recipients = append([]string(nil), rec.Metadata.RecipientsPending...)

	result, err := e.relayer.DeliverEnvelope(ctx, pending)
	attempts := rec.Metadata.Attempts + 1
	if err != nil {
		// The whole connection attempt failed before any per-recipient
		// classification was possible: every recipient still pending
		// is retried or bounced together.
		e.retryOrBounce(ctx, rec, attempts, rec.Metadata.RecipientsPending)
		return
	}

	if err := e.store.SetRecipientsDelivered(ctx, id, result.Delivered()); err != nil {
		e.log.Warn("queue: failed to record delivery", "queue_id", id, "error", err)
	}

	if permanent := result.Permanent(); len(permanent) > 0 {
		e.sendBounce(ctx, rec.Envelope, permanent)
	}

	if temporary := result.Temporary(); len(temporary) > 0 {
		e.retryOrBounce(ctx, rec, attempts, temporary)
		return
	}

	remaining := subtract(rec.Metadata.RecipientsPending, append(append([]string(nil), result.Delivered()...), result.Permanent()...))
	if len(remaining) == 0 {
		e.store.Remove(ctx, id)
		return
	}
	if err := e.store.WriteMetadata(ctx, id, storage.Metadata{Attempts: attempts, Timestamp: time.Now(), RecipientsPending: remaining}); err != nil {
		e.log.Warn("queue: failed to update metadata", "queue_id", id, "error", err)
	}
}

// retryOrBounce narrows rec's pending set to failedRecipients and
// either reschedules it after a backoff delay, or — once the backoff
// schedule is exhausted — bounces failedRecipients and removes the
// message if nothing else is left pending.
func (e *Engine) retryOrBounce(ctx context.Context, rec storage.Record, attempts int, failedRecipients []string) {
	backoff := e.config.Backoff
	if backoff == nil {
		backoff = ExponentialBackoff(time.Minute, 2, 5)
	}
	delay, ok := backoff(attempts)
	if !ok {
		e.sendBounce(ctx, rec.Envelope, failedRecipients)
		remaining := subtract(rec.Metadata.RecipientsPending, failedRecipients)
		if len(remaining) == 0 {
			e.store.Remove(ctx, rec.ID)
			return
		}
		e.store.WriteMetadata(ctx, rec.ID, storage.Metadata{Attempts: attempts, Timestamp: time.Now(), RecipientsPending: remaining})
		return
	}
	e.store.WriteMetadata(ctx, rec.ID, storage.Metadata{Attempts: attempts, Timestamp: time.Now(), RecipientsPending: failedRecipients})
	e.scheduleAt(rec.ID, time.Now().Add(delay))
}

// sendBounce builds and re-enqueues a non-delivery notification for
// failedRecipients, per spec.md §4.7. A nil BounceGenerator or a
// bounce-of-a-bounce (ok == false) means nothing is sent.
func (e *Engine) sendBounce(ctx context.Context, original *envelope.Envelope, failedRecipients []string) {
	if e.bounce == nil {
		return
	}
	bounce, ok := e.bounce(original, failedRecipients)
	if !ok {
		return
	}
	meta := storage.Metadata{Timestamp: time.Now(), RecipientsPending: append([]string(nil), bounce.Recipients...)}
	id, err := e.store.Write(ctx, bounce, meta)
	if err != nil {
		e.log.Warn("queue: failed to enqueue bounce", "error", err)
		return
	}
	e.scheduleAt(id, time.Now())
}

func subtract(all, remove []string) []string {
	removeSet := make(map[string]bool, len(remove))
	for _, r := range remove {
		removeSet[r] = true
	}
	var out []string
	for _, a := range all {
		if !removeSet[a] {
			out = append(out, a)
		}
	}
	return out
}
