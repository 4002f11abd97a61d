package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/oreflow/service/metrics"
	"github.com/brojonat/oreflow/service/signature"
	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when no attempt matches the lookup.
var ErrNotFound = errors.New("attempt not found")

// DefaultListLimit bounds ListAttempts when the caller passes no limit.
const DefaultListLimit = 50

const table = "signature_attempts"

// Store persists signature attempt history.
type Store struct {
	pool    *pgxpool.Pool
	metrics *metrics.Metrics
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool, m *metrics.Metrics) *Store {
	return &Store{
		pool:    pool,
		metrics: m,
	}
}

// Attempt is one signature attempt as last recorded.
type Attempt struct {
	ID        int64
	MachineID string
	Wallet    string
	Template  string
	Attempt   uint64
	Status    string
	Signature *string
	ErrorKind *string
	Error     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Migrate applies the schema. It is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const attemptColumns = `id, machine_id, wallet, template, attempt, status, signature, error_kind, error, created_at, updated_at`

// RecordTransition upserts the attempt a transition belongs to. A signature
// already recorded for the attempt is never cleared.
func (s *Store) RecordTransition(ctx context.Context, t signature.Transition) (*Attempt, error) {
	var sig, kind, msg pgtype.Text
	switch st := t.To.(type) {
	case signature.Done:
		sig = pgtype.Text{String: st.ID.String(), Valid: true}
	case signature.Failed:
		if st.Err != nil {
			kind = pgtype.Text{String: signature.ErrorKind(st.Err), Valid: true}
			msg = pgtype.Text{String: st.Err.Error(), Valid: true}
		}
	}

	query := `
		INSERT INTO signature_attempts (machine_id, wallet, template, attempt, status, signature, error_kind, error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (machine_id, attempt) DO UPDATE SET
			status     = EXCLUDED.status,
			signature  = COALESCE(EXCLUDED.signature, signature_attempts.signature),
			error_kind = EXCLUDED.error_kind,
			error      = EXCLUDED.error,
			updated_at = EXCLUDED.updated_at
		RETURNING ` + attemptColumns

	start := time.Now()
	row := s.pool.QueryRow(ctx, query,
		t.Machine,
		t.Wallet.String(),
		t.Template,
		int64(t.Attempt),
		t.To.Kind(),
		sig,
		kind,
		msg,
		pgtype.Timestamptz{Time: t.At, Valid: true},
	)
	a, err := scanAttempt(row)
	s.record("record_transition", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to record transition: %w", err)
	}
	return a, nil
}

// ListAttempts returns the most recent attempts for a wallet, newest first.
func (s *Store) ListAttempts(ctx context.Context, wallet string, limit int32) ([]*Attempt, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	query := `SELECT ` + attemptColumns + `
		FROM signature_attempts
		WHERE wallet = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	start := time.Now()
	rows, err := s.pool.Query(ctx, query, wallet, limit)
	if err != nil {
		s.record("list_attempts", start, err)
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	attempts := make([]*Attempt, 0)
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			s.record("list_attempts", start, err)
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	err = rows.Err()
	s.record("list_attempts", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	return attempts, nil
}

// GetAttemptBySignature looks up the attempt that produced a transaction.
func (s *Store) GetAttemptBySignature(ctx context.Context, sig string) (*Attempt, error) {
	query := `SELECT ` + attemptColumns + `
		FROM signature_attempts
		WHERE signature = $1
		ORDER BY updated_at DESC
		LIMIT 1`

	start := time.Now()
	a, err := scanAttempt(s.pool.QueryRow(ctx, query, sig))
	if errors.Is(err, pgx.ErrNoRows) {
		s.record("get_attempt_by_signature", start, nil)
		return nil, ErrNotFound
	}
	s.record("get_attempt_by_signature", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt: %w", err)
	}
	return a, nil
}

func (s *Store) record(op string, start time.Time, err error) {
	if s.metrics != nil {
		s.metrics.RecordDBQuery(op, table, time.Since(start).Seconds(), err)
	}
}

func scanAttempt(row pgx.Row) (*Attempt, error) {
	var (
		a                Attempt
		attempt          int64
		sig, kind, msg   pgtype.Text
		created, updated pgtype.Timestamptz
	)
	err := row.Scan(
		&a.ID,
		&a.MachineID,
		&a.Wallet,
		&a.Template,
		&attempt,
		&a.Status,
		&sig,
		&kind,
		&msg,
		&created,
		&updated,
	)
	if err != nil {
		return nil, err
	}
	a.Attempt = uint64(attempt)
	a.Signature = stringPtrFromPgtext(sig)
	a.ErrorKind = stringPtrFromPgtext(kind)
	a.Error = stringPtrFromPgtext(msg)
	a.CreatedAt = created.Time
	a.UpdatedAt = updated.Time
	return &a, nil
}

func stringPtrFromPgtext(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

// Hook records every attempt transition. Start transitions carry no attempt
// and are skipped; storage failures are logged and never reach the machine.
func Hook(store *Store, logger *slog.Logger) signature.Hook {
	return func(ctx context.Context, t signature.Transition) {
		if _, ok := t.To.(signature.Start); ok || t.Wallet == (solana.PublicKey{}) {
			return
		}
		if _, err := store.RecordTransition(ctx, t); err != nil {
			logger.WarnContext(ctx, "failed to record attempt",
				"machine_id", t.Machine,
				"attempt", t.Attempt,
				"status", t.To.Kind(),
				"error", err,
			)
		}
	}
}
