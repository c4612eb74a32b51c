package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliverkit/bundler/internal/model"
)

const artifactColumns = `id, scope_id, selector, fingerprint, status,
	storage_key, public_url, file_name, size_bytes, error_message,
	created_at, updated_at, expires_at`

var inFlightStatuses = []model.ArtifactStatus{model.StatusPending, model.StatusGenerating}

// PostgresStore wraps all artifact SQL used by the API and the worker.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore constructs a store on an existing pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Claim inserts the pending record. The partial unique index on in-flight
// rows makes the insert race-free: the loser of a simultaneous claim gets
// zero rows affected instead of a duplicate.
func (s *PostgresStore) Claim(ctx context.Context, a *model.Artifact) (bool, error) {
	now := time.Now().UTC()
	a.Status = model.StatusPending
	a.CreatedAt = now
	a.UpdatedAt = now
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (id, scope_id, selector, fingerprint, status, created_at, updated_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT DO NOTHING
	`, a.ID, a.ScopeID, a.Selector, a.Fingerprint, a.Status, a.CreatedAt, a.UpdatedAt, a.ExpiresAt)
	if err != nil {
		return false, fmt.Errorf("claim artifact: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Get returns an artifact scoped to its owner; a wrong scope is reported the
// same way as a missing record.
func (s *PostgresStore) Get(ctx context.Context, scopeID, artifactID string) (*model.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts WHERE id=$1 AND scope_id=$2
	`, artifactID, scopeID)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select artifact: %w", err)
	}
	return a, nil
}

func (s *PostgresStore) FindReady(ctx context.Context, scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time) (*model.Artifact, error) {
	return s.findByStatus(ctx, scopeID, sel, fingerprint, createdAfter, []model.ArtifactStatus{model.StatusReady})
}

func (s *PostgresStore) FindInFlight(ctx context.Context, scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time) (*model.Artifact, error) {
	return s.findByStatus(ctx, scopeID, sel, fingerprint, createdAfter, inFlightStatuses)
}

func (s *PostgresStore) findByStatus(ctx context.Context, scopeID string, sel model.Selector, fingerprint string, createdAfter time.Time, statuses []model.ArtifactStatus) (*model.Artifact, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+artifactColumns+`
		FROM artifacts
		WHERE scope_id=$1 AND selector=$2 AND fingerprint=$3
			AND status = ANY($4) AND created_at > $5
		ORDER BY created_at DESC
		LIMIT 1
	`, scopeID, sel, fingerprint, statuses, createdAfter)
	a, err := scanArtifact(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("lookup artifact: %w", err)
	}
	return a, nil
}

// MarkGenerating flips the record when background work starts. The status
// predicate keeps a task that lost to the sweeper from reviving a record
// READY or FAILED already made final.
func (s *PostgresStore) MarkGenerating(ctx context.Context, artifactID string) error {
	return s.update(ctx, artifactID, `
		UPDATE artifacts SET status=$2, updated_at=$3
		WHERE id=$1 AND status = ANY($4)
	`, model.StatusGenerating, time.Now().UTC(), inFlightStatuses)
}

// MarkReady stores the storage fields alongside the terminal status.
func (s *PostgresStore) MarkReady(ctx context.Context, artifactID, storageKey, publicURL, fileName string, sizeBytes int64) error {
	return s.update(ctx, artifactID, `
		UPDATE artifacts
		SET status=$2, storage_key=$3, public_url=$4, file_name=$5, size_bytes=$6, updated_at=$7
		WHERE id=$1 AND status = ANY($8)
	`, model.StatusReady, storageKey, publicURL, fileName, sizeBytes, time.Now().UTC(), inFlightStatuses)
}

// MarkFailed records the human-readable reason alongside the terminal status.
func (s *PostgresStore) MarkFailed(ctx context.Context, artifactID, message string) error {
	return s.update(ctx, artifactID, `
		UPDATE artifacts SET status=$2, error_message=$3, updated_at=$4
		WHERE id=$1 AND status = ANY($5)
	`, model.StatusFailed, message, time.Now().UTC(), inFlightStatuses)
}

func (s *PostgresStore) update(ctx context.Context, artifactID, stmt string, args ...any) error {
	tag, err := s.pool.Exec(ctx, stmt, append([]any{artifactID}, args...)...)
	if err != nil {
		return fmt.Errorf("update artifact: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return s.updateMiss(ctx, artifactID)
	}
	return nil
}

// updateMiss disambiguates a guarded update that matched nothing: either the
// record is gone or it already reached a terminal state.
func (s *PostgresStore) updateMiss(ctx context.Context, artifactID string) error {
	var status model.ArtifactStatus
	err := s.pool.QueryRow(ctx, `SELECT status FROM artifacts WHERE id=$1`, artifactID).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("inspect artifact: %w", err)
	}
	return ErrTerminal
}

// MarkStaleFailed reconciles records whose generation never reached a
// terminal state, for example after a worker crash.
func (s *PostgresStore) MarkStaleFailed(ctx context.Context, createdBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artifacts
		SET status=$1, error_message=$2, updated_at=$3
		WHERE status = ANY($4) AND created_at < $5
	`, model.StatusFailed, "generation timed out", time.Now().UTC(),
		inFlightStatuses, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("mark stale artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

// MarkStaleFailedFor reconciles stale rows for a single triple, letting the
// claim path clear its own conflict without touching other scopes.
func (s *PostgresStore) MarkStaleFailedFor(ctx context.Context, scopeID string, sel model.Selector, fingerprint string, createdBefore time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE artifacts
		SET status=$1, error_message=$2, updated_at=$3
		WHERE scope_id=$4 AND selector=$5 AND fingerprint=$6
			AND status = ANY($7) AND created_at < $8
	`, model.StatusFailed, "generation timed out", time.Now().UTC(),
		scopeID, sel, fingerprint, inFlightStatuses, createdBefore)
	if err != nil {
		return 0, fmt.Errorf("mark stale artifacts for triple: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpired purges fully inert records past their TTL.
func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM artifacts WHERE expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired artifacts: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanArtifact(row pgx.Row) (*model.Artifact, error) {
	var (
		a          model.Artifact
		storageKey sql.NullString
		publicURL  sql.NullString
		fileName   sql.NullString
		sizeBytes  sql.NullInt64
		errMsg     sql.NullString
	)
	if err := row.Scan(&a.ID, &a.ScopeID, &a.Selector, &a.Fingerprint, &a.Status,
		&storageKey, &publicURL, &fileName, &sizeBytes, &errMsg,
		&a.CreatedAt, &a.UpdatedAt, &a.ExpiresAt); err != nil {
		return nil, err
	}
	if storageKey.Valid {
		a.StorageKey = &storageKey.String
	}
	if publicURL.Valid {
		a.PublicURL = &publicURL.String
	}
	if fileName.Valid {
		a.FileName = &fileName.String
	}
	if sizeBytes.Valid {
		a.SizeBytes = &sizeBytes.Int64
	}
	if errMsg.Valid {
		a.ErrorMessage = &errMsg.String
	}
	return &a, nil
}
