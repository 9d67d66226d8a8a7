package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// Proposals returns the proposal store.
func (d *DB) Proposals() *ProposalStore { return &ProposalStore{db: d.db} }

// Strategies returns the ruleset store.
func (d *DB) Strategies() *StrategyStore { return &StrategyStore{db: d.db, now: d.now} }

// ProposalStore implements domain.ProposalStore.
type ProposalStore struct {
	db *sql.DB
}

const proposalColumns = `id, target, payload, description, proposer, status, created_at, ready_at, executed_at, cancelled_at`

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

// Save inserts or updates p.
func (s *ProposalStore) Save(ctx context.Context, p domain.Proposal) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status       = excluded.status,
			executed_at  = excluded.executed_at,
			cancelled_at = excluded.cancelled_at`,
		p.ID.Hex(), p.Target, p.Payload, p.Description, p.Proposer.Hex(), string(p.Status),
		p.CreatedAt.UnixNano(), p.ReadyAt.UnixNano(), nanos(p.ExecutedAt), nanos(p.CancelledAt),
	)
	if err != nil {
		return fmt.Errorf("sqlite: save proposal %s: %w", p.ID.Hex(), err)
	}
	return nil
}

func scanProposal(row interface{ Scan(...any) error }) (domain.Proposal, error) {
	var (
		p                  domain.Proposal
		id, proposer, st   string
		created, ready     int64
		executed, canceled sql.NullInt64
	)
	if err := row.Scan(&id, &p.Target, &p.Payload, &p.Description, &proposer, &st,
		&created, &ready, &executed, &canceled); err != nil {
		return p, err
	}
	p.ID = common.HexToHash(id)
	p.Proposer = common.HexToAddress(proposer)
	p.Status = domain.ProposalStatus(st)
	p.CreatedAt = time.Unix(0, created).UTC()
	p.ReadyAt = time.Unix(0, ready).UTC()
	if executed.Valid {
		t := time.Unix(0, executed.Int64).UTC()
		p.ExecutedAt = &t
	}
	if canceled.Valid {
		t := time.Unix(0, canceled.Int64).UTC()
		p.CancelledAt = &t
	}
	return p, nil
}

// Get returns one proposal or domain.ErrNotFound.
func (s *ProposalStore) Get(ctx context.Context, id common.Hash) (domain.Proposal, error) {
	p, err := scanProposal(s.db.QueryRowContext(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id.Hex()))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Proposal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("sqlite: get proposal %s: %w", id.Hex(), err)
	}
	return p, nil
}

// List returns proposals newest first.
func (s *ProposalStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Proposal, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+proposalColumns+` FROM proposals ORDER BY created_at DESC LIMIT ? OFFSET ?`, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list proposals: %w", err)
	}
	defer rows.Close()
	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// StrategyStore implements domain.StrategyStore with one row per asset and
// ruleset version.
type StrategyStore struct {
	db  *sql.DB
	now func() time.Time
}

// Upsert stores st under version.
func (s *StrategyStore) Upsert(ctx context.Context, version uint64, st domain.AssetStrategy) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("sqlite: marshal strategy %s: %w", st.Asset.Hex(), err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO asset_strategies (version, asset, strategy, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (version, asset) DO UPDATE SET
			strategy   = excluded.strategy,
			updated_at = excluded.updated_at`,
		int64(version), st.Asset.Hex(), string(data), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: upsert strategy %s v%d: %w", st.Asset.Hex(), version, err)
	}
	return nil
}

// ListVersion returns every strategy of version.
func (s *StrategyStore) ListVersion(ctx context.Context, version uint64) ([]domain.AssetStrategy, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT strategy FROM asset_strategies WHERE version = ? ORDER BY asset`, int64(version))
	if err != nil {
		return nil, fmt.Errorf("sqlite: list strategies v%d: %w", version, err)
	}
	defer rows.Close()
	var out []domain.AssetStrategy
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlite: scan strategy: %w", err)
		}
		var st domain.AssetStrategy
		if err := json.Unmarshal([]byte(data), &st); err != nil {
			return nil, fmt.Errorf("sqlite: unmarshal strategy: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ActiveVersion returns the active version, or domain.ErrNotFound before the
// first activation.
func (s *StrategyStore) ActiveVersion(ctx context.Context) (uint64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT version FROM ruleset_active WHERE singleton = 1`).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("sqlite: active ruleset version: %w", err)
	}
	return uint64(v), nil
}

// SetActiveVersion records version as active.
func (s *StrategyStore) SetActiveVersion(ctx context.Context, version uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ruleset_active (singleton, version, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (singleton) DO UPDATE SET version = excluded.version, updated_at = excluded.updated_at`,
		int64(version), s.now().UnixNano())
	if err != nil {
		return fmt.Errorf("sqlite: set active ruleset v%d: %w", version, err)
	}
	return nil
}

var (
	_ domain.ProposalStore = (*ProposalStore)(nil)
	_ domain.StrategyStore = (*StrategyStore)(nil)
)
