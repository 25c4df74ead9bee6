// Package ondisk is the on-disk reference implementation of the
// storage contract: two files per id, written via a scratch-file-
// then-rename sequence so a crash mid-write never leaves a partially
// written file visible under its final name.
//
// Grounded on gopistolet's go-maildir dependency (cited in the
// broader pack's go.mod as the standard Go answer to "durable
// delivery to a directory") for the scratch-then-rename pattern,
// adapted here to a queue record (envelope + retry metadata) instead
// of a maildir message.
package ondisk

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/storage"
)

const (
	msgSuffix  = ".msg"
	metaSuffix = ".meta"
)

// diskMetadata is the JSON shape persisted alongside an envelope.
type diskMetadata struct {
	Sender            string            `json:"sender"`
	Recipients        []string          `json:"recipients"`
	RecipientsPending []string          `json:"recipients_pending,omitempty"`
	Headers           []envelope.Header `json:"headers"`
	Received          envelope.ReceivedInfo `json:"received"`
	Attempts          int               `json:"attempts"`
	Timestamp         time.Time         `json:"timestamp"`
}

// Store is a directory of (id.msg, id.meta) pairs. Concurrent access
// from multiple processes is not supported; within one process, a
// mutex serializes writes so two goroutines never race on the same
// scratch-file name.
type Store struct {
	dir string
	mu  sync.Mutex
}

// New returns a Store rooted at dir, creating it if necessary.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("ondisk: create %s: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

func (s *Store) msgPath(id string) string  { return filepath.Join(s.dir, id+msgSuffix) }
func (s *Store) metaPath(id string) string { return filepath.Join(s.dir, id+metaSuffix) }

// Ping checks that the spool directory is still present, for
// internal/health.
func (s *Store) Ping(ctx context.Context) error {
	_, err := os.Stat(s.dir)
	return err
}

// writeAtomic writes data to a scratch file in dir and renames it
// into place, guaranteeing the final path never observes a partial
// write.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	scratch, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	scratchPath := scratch.Name()
	if _, err := scratch.Write(data); err != nil {
		scratch.Close()
		os.Remove(scratchPath)
		return err
	}
	if err := scratch.Sync(); err != nil {
		scratch.Close()
		os.Remove(scratchPath)
		return err
	}
	if err := scratch.Close(); err != nil {
		os.Remove(scratchPath)
		return err
	}
	return os.Rename(scratchPath, path)
}

func (s *Store) Write(ctx context.Context, e *envelope.Envelope, meta storage.Metadata) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.NewString()
	if err := writeAtomic(s.msgPath(id), e.Flatten()); err != nil {
		return "", fmt.Errorf("ondisk: write message %s: %w", id, err)
	}
	dm := toDiskMetadata(e, meta)
	blob, err := json.Marshal(dm)
	if err != nil {
		os.Remove(s.msgPath(id))
		return "", fmt.Errorf("ondisk: marshal metadata %s: %w", id, err)
	}
	if err := writeAtomic(s.metaPath(id), blob); err != nil {
		os.Remove(s.msgPath(id))
		return "", fmt.Errorf("ondisk: write metadata %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) SetRecipientsDelivered(ctx context.Context, id string, delivered []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dm, err := s.readMeta(id)
	if err != nil {
		return err
	}
	remaining := make([]string, 0, len(dm.Recipients))
	deliveredSet := toSet(delivered)
	for _, rcpt := range dm.Recipients {
		if !deliveredSet[rcpt] {
			remaining = append(remaining, rcpt)
		}
	}
	dm.RecipientsPending = remaining
	return s.writeMeta(id, dm)
}

func (s *Store) LoadAll(ctx context.Context) ([]storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("ondisk: read dir: %w", err)
	}
	var records []storage.Record
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, metaSuffix) {
			continue
		}
		id := strings.TrimSuffix(name, metaSuffix)
		rec, err := s.get(id)
		if err != nil {
			continue // a broken or orphaned record is skipped, not fatal at startup
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, id string) (storage.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.get(id)
}

func (s *Store) get(id string) (storage.Record, error) {
	dm, err := s.readMeta(id)
	if err != nil {
		return storage.Record{}, err
	}
	body, err := os.ReadFile(s.msgPath(id))
	if err != nil {
		return storage.Record{}, fmt.Errorf("ondisk: read message %s: %w", id, err)
	}
	headers, msgBody := envelope.Parse(body)
	if len(dm.Headers) > 0 {
		headers = dm.Headers
	}
	e := &envelope.Envelope{
		Sender:     dm.Sender,
		Recipients: dm.Recipients,
		Headers:    headers,
		Body:       msgBody,
		Received:   dm.Received,
	}
	return storage.Record{
		ID:       id,
		Envelope: e,
		Metadata: storage.Metadata{
			Attempts:          dm.Attempts,
			Timestamp:         dm.Timestamp,
			RecipientsPending: dm.RecipientsPending,
		},
	}, nil
}

func (s *Store) WriteMetadata(ctx context.Context, id string, meta storage.Metadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dm, err := s.readMeta(id)
	if err != nil {
		return err
	}
	dm.Attempts = meta.Attempts
	dm.Timestamp = meta.Timestamp
	if meta.RecipientsPending != nil {
		dm.RecipientsPending = meta.RecipientsPending
	}
	return s.writeMeta(id, dm)
}

func (s *Store) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	os.Remove(s.msgPath(id))
	if err := os.Remove(s.metaPath(id)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("ondisk: remove metadata %s: %w", id, err)
	}
	return nil
}

func (s *Store) readMeta(id string) (diskMetadata, error) {
	blob, err := os.ReadFile(s.metaPath(id))
	if os.IsNotExist(err) {
		return diskMetadata{}, storage.ErrNotFound
	}
	if err != nil {
		return diskMetadata{}, fmt.Errorf("ondisk: read metadata %s: %w", id, err)
	}
	var dm diskMetadata
	if err := json.Unmarshal(blob, &dm); err != nil {
		return diskMetadata{}, fmt.Errorf("ondisk: corrupt metadata %s: %w", id, err)
	}
	return dm, nil
}

func (s *Store) writeMeta(id string, dm diskMetadata) error {
	blob, err := json.Marshal(dm)
	if err != nil {
		return fmt.Errorf("ondisk: marshal metadata %s: %w", id, err)
	}
	return writeAtomic(s.metaPath(id), blob)
}

func toDiskMetadata(e *envelope.Envelope, meta storage.Metadata) diskMetadata {
	return diskMetadata{
		Sender:            e.Sender,
		Recipients:        e.Recipients,
		RecipientsPending: meta.RecipientsPending,
		Headers:           e.Headers,
		Received:          e.Received,
		Attempts:          meta.Attempts,
		Timestamp:         meta.Timestamp,
	}
}

func toSet(items []string) map[string]bool {
	out := make(map[string]bool, len(items))
	for _, i := range items {
		out[i] = true
	}
	return out
}
