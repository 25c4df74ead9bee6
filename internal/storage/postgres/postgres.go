// Package postgres implements the storage contract on top of
// PostgreSQL, in the teacher's exact repository idiom: a
// *pgxpool.Pool held by the struct, one parameterized query per
// operation, and a pgx.Tx wrapping the envelope/metadata/recipient
// writes that must commit atomically.
//
// Grounded on the teacher's internal/repository (AliasRepository:
// pool-held struct, Create/GetByID pattern, unique-violation detection
// via pgconn.PgError.Code) generalized from a single aliases table to
// the queue's envelope+metadata+recipient shape.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/metrics"
	"github.com/webrana/gomta/internal/storage"
)

// Store is a Postgres-backed storage.Storage.
type Store struct {
	pool *pgxpool.Pool
}

// New wraps an already-configured pool. Schema migrations are applied
// separately via golang-migrate (see Migrate).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping checks pool connectivity, for internal/health.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) Write(ctx context.Context, e *envelope.Envelope, meta storage.Metadata) (string, error) {
	defer metrics.TimeQuery("write")()
	id := uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO queue_messages (id, sender, headers, body, received_ip, received_hostname, received_ehlo, received_security, received_auth, received_protocol, attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		id, e.Sender, headersJSON(e.Headers), e.Body,
		e.Received.ClientIP, e.Received.ClientHostname, e.Received.EHLOName,
		e.Received.Security.String(), e.Received.AuthIdentity, e.Received.Protocol.String(),
		meta.Attempts, meta.Timestamp,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: insert message %s: %w", id, err)
	}

	for _, rcpt := range e.Recipients {
		if _, err := tx.Exec(ctx, `INSERT INTO queue_recipients (message_id, recipient, delivered) VALUES ($1, $2, false)`, id, rcpt); err != nil {
			return "", fmt.Errorf("postgres: insert recipient %s/%s: %w", id, rcpt, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres: commit %s: %w", id, err)
	}
	return id, nil
}

func (s *Store) SetRecipientsDelivered(ctx context.Context, id string, delivered []string) error {
	if len(delivered) == 0 {
		return nil
	}
	defer metrics.TimeQuery("set_recipients_delivered")()
	_, err := s.pool.Exec(ctx, `UPDATE queue_recipients SET delivered = true WHERE message_id = $1 AND recipient = ANY($2)`, id, delivered)
	if err != nil {
		return fmt.Errorf("postgres: set recipients delivered %s: %w", id, err)
	}
	return nil
}

func (s *Store) LoadAll(ctx context.Context) ([]storage.Record, error) {
	defer metrics.TimeQuery("load_all")()
	rows, err := s.pool.Query(ctx, `SELECT id FROM queue_messages ORDER BY scheduled_at`)
	if err != nil {
		return nil, fmt.Errorf("postgres: load all: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	records := make([]storage.Record, 0, len(ids))
	for _, id := range ids {
		rec, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *Store) Get(ctx context.Context, id string) (storage.Record, error) {
	var (
		sender, headersBlob                                           string
		body                                                          []byte
		clientIP, clientHostname, ehloName, security, auth, proto     string
		attempts                                                      int
		scheduledAt                                                   time.Time
	)
	err := s.pool.QueryRow(ctx, `
		SELECT sender, headers, body, received_ip, received_hostname, received_ehlo, received_security, received_auth, received_protocol, attempts, scheduled_at
		FROM queue_messages WHERE id = $1`, id,
	).Scan(&sender, &headersBlob, &body, &clientIP, &clientHostname, &ehloName, &security, &auth, &proto, &attempts, &scheduledAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.Record{}, storage.ErrNotFound
	}
	if err != nil {
		return storage.Record{}, fmt.Errorf("postgres: get message %s: %w", id, err)
	}

	rcptRows, err := s.pool.Query(ctx, `SELECT recipient, delivered FROM queue_recipients WHERE message_id = $1 ORDER BY recipient`, id)
	if err != nil {
		return storage.Record{}, fmt.Errorf("postgres: get recipients %s: %w", id, err)
	}
	defer rcptRows.Close()

	var recipients, pending []string
	for rcptRows.Next() {
		var rcpt string
		var delivered bool
		if err := rcptRows.Scan(&rcpt, &delivered); err != nil {
			return storage.Record{}, fmt.Errorf("postgres: scan recipient %s: %w", id, err)
		}
		recipients = append(recipients, rcpt)
		if !delivered {
			pending = append(pending, rcpt)
		}
	}

	e := &envelope.Envelope{
		Sender:     sender,
		Recipients: recipients,
		Headers:    headersFromJSON(headersBlob),
		Body:       body,
		Received: envelope.ReceivedInfo{
			ClientIP:       clientIP,
			ClientHostname: clientHostname,
			EHLOName:       ehloName,
			AuthIdentity:   auth,
		},
	}
	return storage.Record{
		ID:       id,
		Envelope: e,
		Metadata: storage.Metadata{
			Attempts:          attempts,
			Timestamp:         scheduledAt,
			RecipientsPending: pending,
		},
	}, nil
}

func (s *Store) WriteMetadata(ctx context.Context, id string, meta storage.Metadata) error {
	defer metrics.TimeQuery("write_metadata")()
	tag, err := s.pool.Exec(ctx, `UPDATE queue_messages SET attempts = $2, scheduled_at = $3 WHERE id = $1`, id, meta.Attempts, meta.Timestamp)
	if err != nil {
		return fmt.Errorf("postgres: write metadata %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (s *Store) Remove(ctx context.Context, id string) error {
	// queue_recipients carries ON DELETE CASCADE in the migration, so
	// removing the parent row is sufficient and the whole operation
	// stays a single statement.
	if _, err := s.pool.Exec(ctx, `DELETE FROM queue_messages WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: remove %s: %w", id, err)
	}
	return nil
}

// headers are stored as a small JSON array rather than a normalized
// per-row table; nothing in SQL needs to query into them, only the
// Go layer reconstructing an Envelope on read.
func headersJSON(headers []envelope.Header) []byte {
	blob, err := json.Marshal(headers)
	if err != nil {
		return []byte("[]")
	}
	return blob
}

func headersFromJSON(blob string) []envelope.Header {
	var headers []envelope.Header
	if err := json.Unmarshal([]byte(blob), &headers); err != nil {
		return nil
	}
	return headers
}
