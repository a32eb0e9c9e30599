package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"accessbridge/internal/faults"
	"accessbridge/internal/models"
)

// ErrNotFound is returned when no job row exists for a correlation id.
var ErrNotFound = errors.New("job not found")

// Store wraps pgxpool for Postgres persistence. It is the source of truth
// for job state; queue messages and cache entries are derived copies.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping verifies connectivity, for readiness probes.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return classify("ping", err)
	}
	return nil
}

// CreateJob inserts the job row and its initial audit entry in one
// transaction. Either both rows become visible or neither does.
func (s *Store) CreateJob(ctx context.Context, job models.Job, auditMessage string) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (correlation_id, client_request_id, account_id, principal, principal_type,
			entitlement, entitlement_type, action, status, cloud_provider, created_at, last_updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)
	`, job.CorrelationID, job.ClientRequestID, job.AccountID, job.Principal, job.PrincipalType,
		job.Entitlement, job.EntitlementType, job.Action, job.Status, job.CloudProvider, job.CreatedAt)
	if err != nil {
		return classify("insert job", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_audit (correlation_id, status, message, ts)
		VALUES ($1, $2, $3, $4)
	`, job.CorrelationID, job.Status, auditMessage, job.CreatedAt)
	if err != nil {
		return classify("insert audit", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// ValidateQueued reports whether a row exists for the correlation id and its
// status is exactly queued. Used as the cheap admission check before
// claiming; a false result means the delivery is a duplicate or was never
// recorded, and the message should be discarded.
func (s *Store) ValidateQueued(ctx context.Context, correlationID string) (bool, error) {
	var status string
	err := s.pool.QueryRow(ctx, `
		SELECT status FROM jobs WHERE correlation_id = $1
	`, correlationID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, classify("select status", err)
	}
	return status == models.StatusQueued, nil
}

// ClaimQueued transitions the job to in_progress iff its current status is
// queued, appending the audit entry in the same transaction. It returns
// false when the conditional update matched no row, meaning another worker
// already claimed the job (or it was never queued); exactly one concurrent
// caller can win the claim.
func (s *Store) ClaimQueued(ctx context.Context, correlationID, auditMessage string) (bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, last_updated_at = NOW()
		WHERE correlation_id = $1 AND status = $3
	`, correlationID, models.StatusInProgress, models.StatusQueued)
	if err != nil {
		return false, classify("claim job", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_audit (correlation_id, status, message, ts)
		VALUES ($1, $2, $3, NOW())
	`, correlationID, models.StatusInProgress, auditMessage)
	if err != nil {
		return false, classify("insert audit", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, classify("commit", err)
	}
	return true, nil
}

// Finalize updates the job status, appends the audit entry, and — only for
// a success carrying a reference — inserts the external-reference row, all
// in one transaction. Partial failure rolls back the whole unit.
func (s *Store) Finalize(ctx context.Context, correlationID, newStatus, auditMessage string, ref *models.ExternalReference) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE jobs SET status = $2, last_updated_at = NOW()
		WHERE correlation_id = $1
	`, correlationID, newStatus)
	if err != nil {
		return classify("update status", err)
	}
	if tag.RowsAffected() == 0 {
		return faults.Wrap(faults.StoreQuery, "finalize: no job row", ErrNotFound)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO job_audit (correlation_id, status, message, ts)
		VALUES ($1, $2, $3, NOW())
	`, correlationID, newStatus, auditMessage)
	if err != nil {
		return classify("insert audit", err)
	}

	if newStatus == models.StatusSuccess && ref != nil {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_external_ref (cloud_provider, correlation_id, external_ref_id)
			VALUES ($1, $2, $3)
		`, ref.CloudProvider, correlationID, ref.ExternalRefID)
		if err != nil {
			return classify("insert external ref", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit", err)
	}
	return nil
}

// GetStatus returns the status projection for reporting. ErrNotFound when
// no row exists.
func (s *Store) GetStatus(ctx context.Context, correlationID string) (models.StatusView, error) {
	var view models.StatusView
	err := s.pool.QueryRow(ctx, `
		SELECT correlation_id, status FROM jobs WHERE correlation_id = $1
	`, correlationID).Scan(&view.CorrelationID, &view.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.StatusView{}, ErrNotFound
	}
	if err != nil {
		return models.StatusView{}, classify("select status", err)
	}
	return view, nil
}

// StaleInProgress counts jobs stuck in in_progress longer than the
// threshold. A worker crash between claim and finalize strands the row;
// this surfaces the count to operators.
func (s *Store) StaleInProgress(ctx context.Context, olderThan time.Duration) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM jobs
		WHERE status = $1 AND last_updated_at < NOW() - make_interval(secs => $2)
	`, models.StatusInProgress, olderThan.Seconds()).Scan(&n)
	if err != nil {
		return 0, classify("count stale", err)
	}
	return n, nil
}

// classify maps a pgx error onto the fault taxonomy. SQLSTATE classes for
// data, constraint, authorization, and syntax problems cannot succeed on
// retry; everything else (network, pool, resource exhaustion) can.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && len(pgErr.Code) >= 2 {
		switch pgErr.Code[:2] {
		case "22", "23", "28", "42":
			return faults.Wrap(faults.StoreQuery, op, err)
		}
	}
	return faults.Wrap(faults.StoreConnectivity, op, err)
}
