package journal

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/shritish20/volguard-production/internal/observ"
)

const createCycleRecords = `
CREATE TABLE IF NOT EXISTS cycle_records (
	seq            BIGINT PRIMARY KEY,
	correlation_id TEXT NOT NULL,
	started_at     TIMESTAMPTZ NOT NULL,
	finished_at    TIMESTAMPTZ NOT NULL,
	mode_before    TEXT NOT NULL,
	mode_after     TEXT NOT NULL,
	action         TEXT NOT NULL,
	incomplete     BOOLEAN NOT NULL DEFAULT FALSE,
	record         JSONB NOT NULL
)`

const insertCycleRecord = `
INSERT INTO cycle_records
	(seq, correlation_id, started_at, finished_at, mode_before, mode_after, action, incomplete, record)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

// PostgresStore mirrors cycle records into a relational table for ad-hoc
// querying. It is the secondary store; the file journal stays the source
// of truth.
type PostgresStore struct {
	db *sqlx.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("journal postgres connect: %w", err)
	}
	if _, err := db.Exec(createCycleRecords); err != nil {
		db.Close()
		return nil, fmt.Errorf("journal postgres schema: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an existing connection; tests use this with
// a mocked driver.
func NewPostgresStoreFromDB(db *sqlx.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, rec *CycleRecord) error {
	blob, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("journal marshal: %w", err)
	}
	_, err = s.db.ExecContext(ctx, insertCycleRecord,
		rec.Sequence, rec.CorrelationID, rec.StartedAt, rec.FinishedAt,
		string(rec.ModeBefore), string(rec.ModeAfter), rec.Action, rec.Incomplete, blob)
	if err != nil {
		observ.JournalAppendsTotal.WithLabelValues("postgres", "error").Inc()
		return fmt.Errorf("journal insert seq %d: %w", rec.Sequence, err)
	}
	observ.JournalAppendsTotal.WithLabelValues("postgres", "ok").Inc()
	return nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// MultiStore writes to a primary store and mirrors to secondaries. A
// primary failure is the caller's problem; a secondary failure is logged
// and swallowed so a database outage cannot stall the control loop.
type MultiStore struct {
	primary     Store
	secondaries []Store
}

func NewMultiStore(primary Store, secondaries ...Store) *MultiStore {
	return &MultiStore{primary: primary, secondaries: secondaries}
}

func (m *MultiStore) Append(ctx context.Context, rec *CycleRecord) error {
	if err := m.primary.Append(ctx, rec); err != nil {
		return err
	}
	for _, s := range m.secondaries {
		if err := s.Append(ctx, rec); err != nil {
			observ.Error("journal_mirror_failed", err, map[string]any{"seq": rec.Sequence})
		}
	}
	return nil
}

func (m *MultiStore) Close() error {
	err := m.primary.Close()
	for _, s := range m.secondaries {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
