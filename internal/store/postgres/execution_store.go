package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

const executionColumns = `id, attempt_id, asset, amount_in::text, premium::text, profit::text, per_hop_amounts,
	succeeded, rejection_reason, offending_guard, failed_hop, shortfall::text, cost_estimate::text,
	ruleset_version, caller, ts, signature`

// ExecutionStore implements domain.ExecutionStore. Amounts are stored as
// NUMERIC(78,0) so they round-trip the full uint256 range.
type ExecutionStore struct {
	pool *pgxpool.Pool
}

// NewExecutionStore creates an ExecutionStore.
func NewExecutionStore(pool *pgxpool.Pool) *ExecutionStore {
	return &ExecutionStore{pool: pool}
}

// numeric renders an optional amount for a NUMERIC parameter.
func numeric(v *uint256.Int) any {
	if v == nil {
		return nil
	}
	return v.Dec()
}

// Create inserts rec. A duplicate id returns domain.ErrAlreadyExists.
func (s *ExecutionStore) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	hops, err := json.Marshal(rec.PerHopAmounts)
	if err != nil {
		return fmt.Errorf("postgres: marshal per-hop amounts: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO executions (id, attempt_id, asset, amount_in, premium, profit, per_hop_amounts,
			succeeded, rejection_reason, offending_guard, failed_hop, shortfall, cost_estimate,
			ruleset_version, caller, ts, signature)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6::numeric, $7, $8, $9, $10, $11,
			$12::numeric, $13::numeric, $14, $15, $16, $17)
		ON CONFLICT (id) DO NOTHING`,
		rec.ID, rec.AttemptID, rec.Asset.Hex(), numeric(rec.AmountIn), numeric(rec.Premium),
		numeric(rec.Profit), hops, rec.Succeeded, rec.RejectionReason, rec.OffendingGuard,
		rec.FailedHop, numeric(rec.Shortfall), numeric(rec.CostEstimate), int64(rec.RulesetVersion),
		rec.Caller.Hex(), rec.Timestamp.UTC(), rec.Signature,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert execution %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: execution %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	return nil
}

func scanExecution(row pgx.Row) (domain.ExecutionRecord, error) {
	var (
		rec                                      domain.ExecutionRecord
		asset, caller                            string
		amountIn                                 string
		premium, profit, shortfall, costEstimate *string
		hops                                     []byte
		version                                  int64
	)
	err := row.Scan(&rec.ID, &rec.AttemptID, &asset, &amountIn, &premium, &profit, &hops,
		&rec.Succeeded, &rec.RejectionReason, &rec.OffendingGuard, &rec.FailedHop, &shortfall,
		&costEstimate, &version, &caller, &rec.Timestamp, &rec.Signature)
	if err != nil {
		return rec, err
	}
	rec.Asset = common.HexToAddress(asset)
	rec.Caller = common.HexToAddress(caller)
	rec.RulesetVersion = uint64(version)
	rec.Timestamp = rec.Timestamp.UTC()

	if rec.AmountIn, err = domain.ParseAmount(amountIn); err != nil {
		return rec, err
	}
	for _, f := range []struct {
		src *string
		dst **uint256.Int
	}{{premium, &rec.Premium}, {profit, &rec.Profit}, {shortfall, &rec.Shortfall}, {costEstimate, &rec.CostEstimate}} {
		if f.src == nil {
			continue
		}
		if *f.dst, err = domain.ParseAmount(*f.src); err != nil {
			return rec, err
		}
	}
	if len(hops) > 0 {
		if err := json.Unmarshal(hops, &rec.PerHopAmounts); err != nil {
			return rec, fmt.Errorf("unmarshal per-hop amounts: %w", err)
		}
	}
	return rec, nil
}

// GetByID returns one record or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	rec, err := scanExecution(s.pool.QueryRow(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("postgres: get execution %s: %w", id, err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *ExecutionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions WHERE 1=1`
	args := []any{}
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}
	if opts.Asset != nil {
		add(" AND asset = $%d", opts.Asset.Hex())
	}
	if opts.Since != nil {
		add(" AND ts >= $%d", opts.Since.UTC())
	}
	if opts.Until != nil {
		add(" AND ts <= $%d", opts.Until.UTC())
	}
	query += " ORDER BY ts DESC, id"
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	add(" LIMIT $%d", limit)
	if opts.Offset > 0 {
		add(" OFFSET $%d", opts.Offset)
	}
	return s.query(ctx, "list executions", query, args...)
}

// ListBefore returns up to limit records older than before, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, "list executions before",
		`SELECT `+executionColumns+` FROM executions WHERE ts < $1 ORDER BY ts, id LIMIT $2`,
		before.UTC(), limit)
}

func (s *ExecutionStore) query(ctx context.Context, what, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	defer rows.Close()
	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: %s: scan: %w", what, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: %s: %w", what, err)
	}
	return out, nil
}

// DeleteBefore removes records older than before.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM executions WHERE ts < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres: delete executions before %s: %w", before.Format(time.RFC3339), err)
	}
	return tag.RowsAffected(), nil
}

// Totals aggregates the per-asset counters over every stored record.
func (s *ExecutionStore) Totals(ctx context.Context) ([]domain.AssetTotals, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT asset,
			COUNT(*) FILTER (WHERE succeeded),
			COUNT(*) FILTER (WHERE NOT succeeded AND offending_guard = ''),
			COUNT(*) FILTER (WHERE NOT succeeded AND offending_guard <> ''),
			COALESCE(SUM(amount_in) FILTER (WHERE succeeded), 0)::text,
			COALESCE(SUM(profit) FILTER (WHERE succeeded), 0)::text
		FROM executions GROUP BY asset ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("postgres: execution totals: %w", err)
	}
	defer rows.Close()

	var out []domain.AssetTotals
	for rows.Next() {
		var (
			t              domain.AssetTotals
			asset          string
			volume, profit string
		)
		if err := rows.Scan(&asset, &t.Committed, &t.Aborted, &t.Rejected, &volume, &profit); err != nil {
			return nil, fmt.Errorf("postgres: execution totals: scan: %w", err)
		}
		t.Asset = common.HexToAddress(asset)
		if t.TotalVolume, err = domain.ParseAmount(volume); err != nil {
			return nil, err
		}
		if t.TotalProfit, err = domain.ParseAmount(profit); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

var _ domain.ExecutionStore = (*ExecutionStore)(nil)
