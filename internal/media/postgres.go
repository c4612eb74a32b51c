package media

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/deliverkit/bundler/internal/model"
)

// PostgresSource reads the media catalog maintained by the surrounding
// system. Only SELECTs live here.
type PostgresSource struct {
	pool *pgxpool.Pool
}

// NewPostgresSource constructs a source on an existing pool.
func NewPostgresSource(pool *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{pool: pool}
}

func (s *PostgresSource) ListMedia(ctx context.Context, scopeID string, sel model.Selector) ([]model.MediaItem, error) {
	query := `
		SELECT id, scope_id, remote_url, file_name, size_bytes, kind
		FROM media_items WHERE scope_id=$1`
	args := []any{scopeID}
	if kind, limited := selectorKind(sel); limited {
		query += ` AND kind=$2`
		args = append(args, kind)
	}
	query += ` ORDER BY created_at`
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	defer rows.Close()
	var items []model.MediaItem
	for rows.Next() {
		var item model.MediaItem
		if err := rows.Scan(&item.ID, &item.ScopeID, &item.RemoteURL, &item.FileName, &item.SizeBytes, &item.Kind); err != nil {
			return nil, fmt.Errorf("scan media item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list media: %w", err)
	}
	return items, nil
}

func (s *PostgresSource) ScopeLabel(ctx context.Context, scopeID string) (string, error) {
	var label string
	err := s.pool.QueryRow(ctx, `SELECT label FROM scopes WHERE id=$1`, scopeID).Scan(&label)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("scope label: %w", err)
	}
	return label, nil
}

func selectorKind(sel model.Selector) (model.MediaKind, bool) {
	switch sel {
	case model.SelectorPhotos:
		return model.MediaPhoto, true
	case model.SelectorVideos:
		return model.MediaVideo, true
	}
	return "", false
}
