package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/policy"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/storage"
)

// memStore is a minimal in-memory Storage for exercising the engine
// without the disk or Postgres backends.
type memStore struct {
	mu      sync.Mutex
	records map[string]storage.Record
	nextID  int
}

func newMemStore() *memStore {
	return &memStore{records: map[string]storage.Record{}}
}

func (s *memStore) Write(ctx context.Context, e *envelope.Envelope, meta storage.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := time.Now().Format("150405") + "-" + string(rune('a'+s.nextID))
	s.records[id] = storage.Record{ID: id, Envelope: e, Metadata: meta}
	return id, nil
}

func (s *memStore) SetRecipientsDelivered(ctx context.Context, id string, delivered []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	delivSet := map[string]bool{}
	for _, d := range delivered {
		delivSet[d] = true
	}
	var remaining []string
	for _, r := range rec.Metadata.RecipientsPending {
		if !delivSet[r] {
			remaining = append(remaining, r)
		}
	}
	rec.Metadata.RecipientsPending = remaining
	s.records[id] = rec
	return nil
}

func (s *memStore) LoadAll(ctx context.Context) ([]storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storage.Record
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *memStore) Get(ctx context.Context, id string) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return storage.Record{}, storage.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) WriteMetadata(ctx context.Context, id string, meta storage.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return storage.ErrNotFound
	}
	rec.Metadata = meta
	s.records[id] = rec
	return nil
}

func (s *memStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// stubResult implements Result over plain slices.
type stubResult struct {
	delivered []string
	temporary []string
	permanent []string
}

func (r stubResult) Delivered() []string { return r.delivered }
func (r stubResult) Temporary() []string { return r.temporary }
func (r stubResult) Permanent() []string { return r.permanent }

// stubRelayer returns a scripted Result (or error) for every call,
// recording the envelopes it was asked to deliver.
type stubRelayer struct {
	mu       sync.Mutex
	results  []stubResult
	errs     []error
	calls    int
	gotRcpts [][]string
}

func (r *stubRelayer) DeliverEnvelope(ctx context.Context, e *envelope.Envelope) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.gotRcpts = append(r.gotRcpts, append([]string(nil), e.Recipients...))
	i := r.calls
	r.calls++
	var err error
	if i < len(r.errs) {
		err = r.errs[i]
	}
	var res stubResult
	if i < len(r.results) {
		res = r.results[i]
	}
	return res, err
}

func newEnvelope(sender string, recipients ...string) *envelope.Envelope {
	e := envelope.New(sender, envelope.ReceivedInfo{})
	for _, r := range recipients {
		e.AddRecipient(r)
	}
	e.Body = []byte("test body")
	return e
}

func TestEnqueuePersistsAndRejectsOnPolicy(t *testing.T) {
	store := newMemStore()
	relayer := &stubRelayer{}
	eng := New(store, relayer, nil, Config{}, nil)

	res := eng.Enqueue(context.Background(), EnqueueRequest{Envelope: newEnvelope("a@x.com", "b@y.com")}, nil)
	if !res.Queued || res.ID == "" {
		t.Fatalf("expected queued result with an id, got %+v", res)
	}
	if store.count() != 1 {
		t.Fatalf("expected one stored record, got %d", store.count())
	}

	rejector := rejectingPolicy{}
	res2 := eng.Enqueue(context.Background(), EnqueueRequest{Envelope: newEnvelope("a@x.com", "b@y.com")}, []policy.Policy{rejector})
	if res2.Queued {
		t.Fatalf("expected rejection, got queued")
	}
	if store.count() != 1 {
		t.Fatalf("rejected envelope should not be stored, got %d records", store.count())
	}
}

type rejectingPolicy struct{}

func (rejectingPolicy) Apply(e *envelope.Envelope) ([]*envelope.Envelope, *reply.Reply) {
	r := reply.MailboxUnavailable
	return nil, &r
}

func TestDispatchDeliversAndRemovesOnFullSuccess(t *testing.T) {
	store := newMemStore()
	relayer := &stubRelayer{results: []stubResult{{delivered: []string{"b@y.com"}}}}
	eng := New(store, relayer, nil, Config{}, nil)

	res := eng.Enqueue(context.Background(), EnqueueRequest{Envelope: newEnvelope("a@x.com", "b@y.com")}, nil)
	eng.dispatchDue(context.Background())
	waitForInFlightClear(t, eng, res.ID)

	if store.count() != 0 {
		t.Fatalf("expected fully-delivered message to be removed, got %d records left", store.count())
	}
}

func TestDispatchRetriesTemporaryFailure(t *testing.T) {
	store := newMemStore()
	relayer := &stubRelayer{results: []stubResult{{temporary: []string{"b@y.com"}}}}
	eng := New(store, relayer, nil, Config{Backoff: ExponentialBackoff(time.Millisecond, 2, 5)}, nil)

	res := eng.Enqueue(context.Background(), EnqueueRequest{Envelope: newEnvelope("a@x.com", "b@y.com")}, nil)
	eng.dispatchDue(context.Background())
	waitForInFlightClear(t, eng, res.ID)

	rec, err := store.Get(context.Background(), res.ID)
	if err != nil {
		t.Fatalf("expected record to still exist pending retry: %v", err)
	}
	if len(rec.Metadata.RecipientsPending) != 1 || rec.Metadata.Attempts != 1 {
		t.Fatalf("unexpected metadata after temporary failure: %+v", rec.Metadata)
	}
}

func TestDispatchBouncesOnPermanentFailure(t *testing.T) {
	store := newMemStore()
	relayer := &stubRelayer{results: []stubResult{{permanent: []string{"b@y.com"}}}}
	var bounced []string
	bounce := func(original *envelope.Envelope, failed []string) (*envelope.Envelope, bool) {
		bounced = failed
		return newEnvelope("", original.Sender), true
	}
	eng := New(store, relayer, BounceGenerator(bounce), Config{}, nil)

	res := eng.Enqueue(context.Background(), EnqueueRequest{Envelope: newEnvelope("a@x.com", "b@y.com")}, nil)
	eng.dispatchDue(context.Background())
	waitForInFlightClear(t, eng, res.ID)

	if len(bounced) != 1 || bounced[0] != "b@y.com" {
		t.Fatalf("expected bounce for b@y.com, got %v", bounced)
	}
	if store.count() != 1 {
		t.Fatalf("expected original removed and bounce stored, got %d records", store.count())
	}
}

func TestBackoffExhaustionBouncesInsteadOfRetrying(t *testing.T) {
	store := newMemStore()
	var bounced []string
	bounce := func(original *envelope.Envelope, failed []string) (*envelope.Envelope, bool) {
		bounced = failed
		return nil, false // simulate "no bounce sent" but still stop retrying
	}
	eng := New(store, nil, BounceGenerator(bounce), Config{Backoff: ExponentialBackoff(time.Millisecond, 1, 1)}, nil)

	id, err := store.Write(context.Background(), newEnvelope("a@x.com", "b@y.com"), storage.Metadata{
		Attempts:          1,
		RecipientsPending: []string{"b@y.com"},
	})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	rec, _ := store.Get(context.Background(), id)
	eng.retryOrBounce(context.Background(), rec, 1, []string{"b@y.com"})

	if len(bounced) != 1 {
		t.Fatalf("expected bounce generator to be invoked once backoff is exhausted")
	}
	if store.count() != 0 {
		t.Fatalf("expected exhausted message with no remaining recipients to be removed")
	}
}

func TestLoadPendingReschedulesSurvivingRecords(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()
	_, err := store.Write(ctx, newEnvelope("a@x.com", "b@y.com"), storage.Metadata{RecipientsPending: []string{"b@y.com"}})
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	relayer := &stubRelayer{results: []stubResult{{delivered: []string{"b@y.com"}}}}
	eng := New(store, relayer, nil, Config{}, nil)

	if err := eng.LoadPending(ctx); err != nil {
		t.Fatalf("LoadPending: %v", err)
	}
	if len(eng.scheduled) != 1 {
		t.Fatalf("expected one scheduled item after LoadPending, got %d", len(eng.scheduled))
	}
}

func TestExponentialBackoffGrowsThenExhausts(t *testing.T) {
	b := ExponentialBackoff(time.Second, 2, 3)
	d1, ok1 := b(1)
	d2, ok2 := b(2)
	_, ok3 := b(3)
	if !ok1 || !ok2 || ok3 {
		t.Fatalf("expected ok for attempts 1,2 and exhausted at 3, got %v %v %v", ok1, ok2, ok3)
	}
	if d2 <= d1 {
		t.Fatalf("expected backoff to grow: d1=%v d2=%v", d1, d2)
	}
}

func waitForInFlightClear(t *testing.T, eng *Engine, id string) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		eng.mu.Lock()
		inFlight := eng.inFlight[id]
		eng.mu.Unlock()
		if !inFlight {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for dispatch of %s to finish", id)
}
