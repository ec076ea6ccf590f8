// Package metadata persists ingestion records and their append-only event log
// in Postgres. The unique index on fingerprint is the only coordination point
// between storage consumers.
package metadata

import (
	"context"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/your-org/healthflow/pkg/fingerprint"
)

var (
	// ErrNotFound is returned when no record matches.
	ErrNotFound = errors.New("metadata: record not found")
	// ErrSchema means the store cannot guarantee fingerprint uniqueness.
	ErrSchema = errors.New("metadata: fingerprint unique index missing")
)

const uniqueViolation = "23505"

const (
	insertRecordSQL = `INSERT INTO ingestion.raw_ingestion
	(object_id, ingestion_source, format, content_type, subtype, data_version, fingerprint, received_at, source_metadata)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	selectRecordSQL = `SELECT object_id, ingestion_source, format, content_type, subtype, data_version,
	storage_path, fingerprint, received_at, source_metadata
FROM ingestion.raw_ingestion`

	completeRecordSQL = `UPDATE ingestion.raw_ingestion SET storage_path = $2
WHERE object_id = $1 AND storage_path IS NULL`

	insertEventSQL = `INSERT INTO ingestion.ingestion_log (object_id, status, message) VALUES ($1, $2, $3)`

	verifySchemaSQL = `SELECT EXISTS (
	SELECT 1 FROM pg_indexes
	WHERE schemaname = 'ingestion' AND tablename = 'raw_ingestion'
	AND indexdef ILIKE '%UNIQUE%' AND indexdef ILIKE '%(fingerprint)%'
)`
)

// DB is the subset of *pgxpool.Pool the store needs.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Store struct {
	db DB
}

func New(db DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("metadata: db is required")
	}
	return &Store{db: db}, nil
}

// Claim inserts rec with storage_path unset. A unique violation is the dedup
// signal: the record already owning the fingerprint is loaded and returned.
func (s *Store) Claim(ctx context.Context, rec Record) (Claim, error) {
	if rec.ReceivedAt.IsZero() {
		rec.ReceivedAt = time.Now().UTC()
	}
	meta, err := json.Marshal(nonNil(rec.SourceMetadata))
	if err != nil {
		return Claim{}, fmt.Errorf("encode source metadata: %w", err)
	}

	_, err = s.db.Exec(ctx, insertRecordSQL,
		rec.ObjectID,
		string(rec.Source),
		rec.Format,
		rec.ContentType,
		rec.Subtype,
		rec.DataVersion,
		rec.Fingerprint[:],
		rec.ReceivedAt,
		meta,
	)
	if err == nil {
		return Claim{Claimed: true}, nil
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != uniqueViolation {
		return Claim{}, fmt.Errorf("claim fingerprint %s: %w", rec.Fingerprint.Short(), err)
	}

	existing, err := s.GetByFingerprint(ctx, rec.Fingerprint)
	if err != nil {
		return Claim{}, fmt.Errorf("load fingerprint owner %s: %w", rec.Fingerprint.Short(), err)
	}
	return Claim{Existing: existing}, nil
}

// Complete sets storage_path on an unstored record and appends the ingested
// event in the same transaction. It reports false when the record was already
// stored, in which case nothing is written.
func (s *Store) Complete(ctx context.Context, objectID, storagePath, message string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin complete tx: %w", err)
	}
	defer tx.Rollback(ctx) // no-op if committed

	tag, err := tx.Exec(ctx, completeRecordSQL, objectID, storagePath)
	if err != nil {
		return false, fmt.Errorf("set storage path for %s: %w", objectID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx, insertEventSQL, objectID, string(StatusIngested), message); err != nil {
		return false, fmt.Errorf("append ingested event for %s: %w", objectID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit complete tx: %w", err)
	}
	return true, nil
}

// AppendEvent adds one row to the ingestion log.
func (s *Store) AppendEvent(ctx context.Context, objectID string, status Status, message string) error {
	if _, err := s.db.Exec(ctx, insertEventSQL, objectID, string(status), message); err != nil {
		return fmt.Errorf("append %s event for %s: %w", status, objectID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, objectID string) (*Record, error) {
	return s.queryOne(ctx, selectRecordSQL+" WHERE object_id = $1", objectID)
}

func (s *Store) GetByFingerprint(ctx context.Context, d fingerprint.Digest) (*Record, error) {
	return s.queryOne(ctx, selectRecordSQL+" WHERE fingerprint = $1", d[:])
}

// Verify fails with ErrSchema when the fingerprint unique index is absent.
func (s *Store) Verify(ctx context.Context) error {
	var ok bool
	if err := s.db.QueryRow(ctx, verifySchemaSQL).Scan(&ok); err != nil {
		return fmt.Errorf("inspect schema: %w", err)
	}
	if !ok {
		return ErrSchema
	}
	return nil
}

func (s *Store) queryOne(ctx context.Context, sql string, arg any) (*Record, error) {
	var (
		rec         Record
		source      string
		storagePath *string
		digest      []byte
		meta        []byte
	)
	err := s.db.QueryRow(ctx, sql, arg).Scan(
		&rec.ObjectID,
		&source,
		&rec.Format,
		&rec.ContentType,
		&rec.Subtype,
		&rec.DataVersion,
		&storagePath,
		&digest,
		&rec.ReceivedAt,
		&meta,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query record: %w", err)
	}

	rec.Source = Source(source)
	if storagePath != nil {
		rec.StoragePath = *storagePath
	}
	if rec.Fingerprint, err = fingerprint.FromBytes(digest); err != nil {
		return nil, err
	}
	if len(meta) > 0 {
		if err := json.Unmarshal(meta, &rec.SourceMetadata); err != nil {
			return nil, fmt.Errorf("decode source metadata: %w", err)
		}
	}
	rec.ReceivedAt = rec.ReceivedAt.UTC()
	return &rec, nil
}

func nonNil(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
