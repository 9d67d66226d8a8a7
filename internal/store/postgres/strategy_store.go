package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// StrategyStore implements domain.StrategyStore. Each ruleset version keeps
// its own row per asset; the active version lives in a single-row table.
type StrategyStore struct {
	pool *pgxpool.Pool
}

// NewStrategyStore creates a StrategyStore.
func NewStrategyStore(pool *pgxpool.Pool) *StrategyStore {
	return &StrategyStore{pool: pool}
}

// Upsert stores s under version.
func (s *StrategyStore) Upsert(ctx context.Context, version uint64, st domain.AssetStrategy) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("postgres: marshal strategy %s: %w", st.Asset.Hex(), err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO asset_strategies (version, asset, strategy, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (version, asset) DO UPDATE SET
			strategy   = EXCLUDED.strategy,
			updated_at = NOW()`,
		int64(version), st.Asset.Hex(), data)
	if err != nil {
		return fmt.Errorf("postgres: upsert strategy %s v%d: %w", st.Asset.Hex(), version, err)
	}
	return nil
}

// ListVersion returns every strategy of version.
func (s *StrategyStore) ListVersion(ctx context.Context, version uint64) ([]domain.AssetStrategy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT strategy FROM asset_strategies WHERE version = $1 ORDER BY asset`, int64(version))
	if err != nil {
		return nil, fmt.Errorf("postgres: list strategies v%d: %w", version, err)
	}
	defer rows.Close()
	var out []domain.AssetStrategy
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("postgres: scan strategy: %w", err)
		}
		var st domain.AssetStrategy
		if err := json.Unmarshal(data, &st); err != nil {
			return nil, fmt.Errorf("postgres: unmarshal strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ActiveVersion returns the active version, or domain.ErrNotFound before the
// first activation.
func (s *StrategyStore) ActiveVersion(ctx context.Context) (uint64, error) {
	var v int64
	err := s.pool.QueryRow(ctx, `SELECT version FROM ruleset_active`).Scan(&v)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: active ruleset version: %w", err)
	}
	return uint64(v), nil
}

// SetActiveVersion records version as active.
func (s *StrategyStore) SetActiveVersion(ctx context.Context, version uint64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO ruleset_active (singleton, version, updated_at) VALUES (TRUE, $1, NOW())
		ON CONFLICT (singleton) DO UPDATE SET version = EXCLUDED.version, updated_at = NOW()`,
		int64(version))
	if err != nil {
		return fmt.Errorf("postgres: set active ruleset v%d: %w", version, err)
	}
	return nil
}

var _ domain.StrategyStore = (*StrategyStore)(nil)
