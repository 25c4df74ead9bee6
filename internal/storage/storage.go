// Package storage defines the durable-queue storage contract of
// spec.md §4.6: the external collaborator the queue engine depends on
// for crash-surviving persistence, independent of whether the backing
// store is a pair of files on disk or a Postgres table.
//
// Grounded on the teacher's repository pattern (internal/repository:
// an interface per collaborator, a pgx-backed implementation behind
// it) generalized from row-per-entity CRUD to the envelope/metadata
// shape the queue needs.
package storage

import (
	"context"
	"time"

	"github.com/webrana/gomta/internal/envelope"
)

// Metadata is the per-id bookkeeping the queue persists alongside an
// envelope: attempt count and the next scheduled delivery time.
type Metadata struct {
	Attempts          int
	Timestamp         time.Time
	RecipientsPending []string // nil means "use envelope.Recipients"; narrowed after a partial success
}

// Record pairs a stored envelope with its metadata, as returned by
// Get and LoadAll.
type Record struct {
	ID       string
	Envelope *envelope.Envelope
	Metadata Metadata
}

// Storage is the contract spec.md §4.6 requires: Write must survive a
// process crash once it returns; Remove is idempotent; metadata
// updates must never corrupt the envelope they sit beside.
type Storage interface {
	// Write durably persists a new envelope with its initial metadata
	// and returns the generated id.
	Write(ctx context.Context, e *envelope.Envelope, meta Metadata) (id string, err error)

	// SetRecipientsDelivered narrows the recipient set an id will be
	// retried against, used when a relay attempt partially succeeds
	// (some recipients accepted, some deferred).
	SetRecipientsDelivered(ctx context.Context, id string, delivered []string) error

	// LoadAll returns every id currently in the store, for crash
	// recovery scheduling at startup.
	LoadAll(ctx context.Context) ([]Record, error)

	// Get returns the envelope and metadata for id.
	Get(ctx context.Context, id string) (Record, error)

	// WriteMetadata atomically replaces id's metadata.
	WriteMetadata(ctx context.Context, id string, meta Metadata) error

	// Remove deletes id. Calling Remove on an id that no longer
	// exists is not an error.
	Remove(ctx context.Context, id string) error
}

// ErrNotFound is returned by Get and WriteMetadata when id is unknown.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "storage: id not found" }
