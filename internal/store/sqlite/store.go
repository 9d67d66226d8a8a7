// Package sqlite is the single-node store: execution records, the audit log,
// proposals and ruleset versions in one WAL-mode SQLite file, used when no
// PostgreSQL is configured.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/mattn/go-sqlite3"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

//go:embed schema.sql
var schema string

// DB is an open SQLite database with the schema applied.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates the parent directory, opens path in WAL mode and applies the
// schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create dir %s: %w", dir, err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// one writer; sqlite serializes writes anyway
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: enable WAL: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	return &DB{db: db, now: time.Now}, nil
}

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// Ping checks the database.
func (d *DB) Ping(ctx context.Context) error { return d.db.PingContext(ctx) }

// Executions returns the execution store.
func (d *DB) Executions() *ExecutionStore { return &ExecutionStore{db: d.db} }

// Audit returns the audit store.
func (d *DB) Audit() *AuditStore { return &AuditStore{db: d.db, now: d.now} }

// ExecutionStore implements domain.ExecutionStore. Amounts are kept as
// base-10 text and summed in Go, since SQLite integers stop at 64 bits.
type ExecutionStore struct {
	db *sql.DB
}

const columns = `id, attempt_id, asset, amount_in, premium, profit, per_hop_amounts, succeeded,
	rejection_reason, offending_guard, failed_hop, shortfall, cost_estimate, ruleset_version,
	caller, ts, signature`

func text(v *uint256.Int) any {
	if v == nil {
		return nil
	}
	return v.Dec()
}

// Create inserts rec; a duplicate id returns domain.ErrAlreadyExists.
func (s *ExecutionStore) Create(ctx context.Context, rec domain.ExecutionRecord) error {
	hops, err := json.Marshal(rec.PerHopAmounts)
	if err != nil {
		return fmt.Errorf("sqlite: marshal per-hop amounts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO executions (`+columns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.AttemptID, rec.Asset.Hex(), text(rec.AmountIn), text(rec.Premium), text(rec.Profit),
		string(hops), rec.Succeeded, rec.RejectionReason, rec.OffendingGuard, rec.FailedHop,
		text(rec.Shortfall), text(rec.CostEstimate), int64(rec.RulesetVersion), rec.Caller.Hex(),
		rec.Timestamp.UnixNano(), rec.Signature,
	)
	var se sqlite3.Error
	if errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("sqlite: execution %s: %w", rec.ID, domain.ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("sqlite: insert execution %s: %w", rec.ID, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(row scanner) (domain.ExecutionRecord, error) {
	var (
		rec                                      domain.ExecutionRecord
		asset, caller, amountIn, hops            string
		premium, profit, shortfall, costEstimate sql.NullString
		version, ts                              int64
	)
	if err := row.Scan(&rec.ID, &rec.AttemptID, &asset, &amountIn, &premium, &profit, &hops,
		&rec.Succeeded, &rec.RejectionReason, &rec.OffendingGuard, &rec.FailedHop, &shortfall,
		&costEstimate, &version, &caller, &ts, &rec.Signature); err != nil {
		return rec, err
	}
	rec.Asset = common.HexToAddress(asset)
	rec.Caller = common.HexToAddress(caller)
	rec.RulesetVersion = uint64(version)
	rec.Timestamp = time.Unix(0, ts).UTC()

	var err error
	if rec.AmountIn, err = domain.ParseAmount(amountIn); err != nil {
		return rec, err
	}
	for _, f := range []struct {
		src sql.NullString
		dst **uint256.Int
	}{{premium, &rec.Premium}, {profit, &rec.Profit}, {shortfall, &rec.Shortfall}, {costEstimate, &rec.CostEstimate}} {
		if !f.src.Valid {
			continue
		}
		if *f.dst, err = domain.ParseAmount(f.src.String); err != nil {
			return rec, err
		}
	}
	if err := json.Unmarshal([]byte(hops), &rec.PerHopAmounts); err != nil {
		return rec, fmt.Errorf("unmarshal per-hop amounts: %w", err)
	}
	return rec, nil
}

// GetByID returns one record or domain.ErrNotFound.
func (s *ExecutionStore) GetByID(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	rec, err := scan(s.db.QueryRowContext(ctx, `SELECT `+columns+` FROM executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ExecutionRecord{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ExecutionRecord{}, fmt.Errorf("sqlite: get execution %s: %w", id, err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *ExecutionStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionRecord, error) {
	query := `SELECT ` + columns + ` FROM executions WHERE 1=1`
	var args []any
	if opts.Asset != nil {
		query += " AND asset = ?"
		args = append(args, opts.Asset.Hex())
	}
	if opts.Since != nil {
		query += " AND ts >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND ts <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " ORDER BY ts DESC, id LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)
	return s.query(ctx, query, args...)
}

// ListBefore returns up to limit records older than before, oldest first.
func (s *ExecutionStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 1000
	}
	return s.query(ctx, `SELECT `+columns+` FROM executions WHERE ts < ? ORDER BY ts, id LIMIT ?`,
		before.UnixNano(), limit)
}

func (s *ExecutionStore) query(ctx context.Context, query string, args ...any) ([]domain.ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query executions: %w", err)
	}
	defer rows.Close()
	var out []domain.ExecutionRecord
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scan execution: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteBefore removes records older than before.
func (s *ExecutionStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM executions WHERE ts < ?`, before.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("sqlite: delete executions: %w", err)
	}
	return res.RowsAffected()
}

// Totals aggregates per-asset counters over every stored record.
func (s *ExecutionStore) Totals(ctx context.Context) ([]domain.AssetTotals, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT asset, succeeded, offending_guard, amount_in, profit FROM executions ORDER BY asset`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: execution totals: %w", err)
	}
	defer rows.Close()

	var out []domain.AssetTotals
	for rows.Next() {
		var (
			asset, guard, amount string
			profit               sql.NullString
			ok                   bool
		)
		if err := rows.Scan(&asset, &ok, &guard, &amount, &profit); err != nil {
			return nil, fmt.Errorf("sqlite: execution totals: scan: %w", err)
		}
		addr := common.HexToAddress(asset)
		if len(out) == 0 || out[len(out)-1].Asset != addr {
			out = append(out, domain.AssetTotals{Asset: addr, TotalVolume: new(uint256.Int), TotalProfit: new(uint256.Int)})
		}
		t := &out[len(out)-1]
		switch {
		case ok:
			t.Committed++
			v, err := domain.ParseAmount(amount)
			if err != nil {
				return nil, err
			}
			t.TotalVolume.Add(t.TotalVolume, v)
			if profit.Valid {
				p, err := domain.ParseAmount(profit.String)
				if err != nil {
					return nil, err
				}
				if p != nil {
					t.TotalProfit.Add(t.TotalProfit, p)
				}
			}
		case guard != "":
			t.Rejected++
		default:
			t.Aborted++
		}
	}
	return out, rows.Err()
}

// AuditStore implements domain.AuditStore.
type AuditStore struct {
	db  *sql.DB
	now func() time.Time
}

// Log appends an audit entry.
func (s *AuditStore) Log(ctx context.Context, event string, detail map[string]any) error {
	data, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("sqlite: marshal audit detail: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `INSERT INTO audit_log (event, detail, created_at) VALUES (?, ?, ?)`,
		event, string(data), s.now().UnixNano()); err != nil {
		return fmt.Errorf("sqlite: log audit event %s: %w", event, err)
	}
	return nil
}

// List returns entries newest first.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	query := `SELECT id, event, detail, created_at FROM audit_log WHERE 1=1`
	var args []any
	if opts.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, opts.Since.UnixNano())
	}
	if opts.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, opts.Until.UnixNano())
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = -1
	}
	query += " ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list audit entries: %w", err)
	}
	defer rows.Close()
	var out []domain.AuditEntry
	for rows.Next() {
		var (
			e      domain.AuditEntry
			detail sql.NullString
			ts     int64
		)
		if err := rows.Scan(&e.ID, &e.Event, &detail, &ts); err != nil {
			return nil, fmt.Errorf("sqlite: scan audit entry: %w", err)
		}
		e.CreatedAt = time.Unix(0, ts).UTC()
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &e.Detail); err != nil {
				return nil, fmt.Errorf("sqlite: unmarshal audit detail: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

var (
	_ domain.ExecutionStore = (*ExecutionStore)(nil)
	_ domain.AuditStore     = (*AuditStore)(nil)
)
