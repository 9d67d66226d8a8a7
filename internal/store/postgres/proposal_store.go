package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbengine/internal/domain"
)

// ProposalStore implements domain.ProposalStore. Save upserts, so the same
// call records creation, execution and cancellation.
type ProposalStore struct {
	pool *pgxpool.Pool
}

// NewProposalStore creates a ProposalStore.
func NewProposalStore(pool *pgxpool.Pool) *ProposalStore {
	return &ProposalStore{pool: pool}
}

const proposalColumns = `id, target, payload, description, proposer, status, created_at, ready_at, executed_at, cancelled_at`

// Save inserts or updates p.
func (s *ProposalStore) Save(ctx context.Context, p domain.Proposal) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO proposals (`+proposalColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status       = EXCLUDED.status,
			executed_at  = EXCLUDED.executed_at,
			cancelled_at = EXCLUDED.cancelled_at`,
		p.ID.Hex(), p.Target, p.Payload, p.Description, p.Proposer.Hex(), string(p.Status),
		p.CreatedAt.UTC(), p.ReadyAt.UTC(), p.ExecutedAt, p.CancelledAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: save proposal %s: %w", p.ID.Hex(), err)
	}
	return nil
}

func scanProposal(row pgx.Row) (domain.Proposal, error) {
	var (
		p                domain.Proposal
		id, proposer, st string
		executed, cancel *time.Time
	)
	if err := row.Scan(&id, &p.Target, &p.Payload, &p.Description, &proposer, &st,
		&p.CreatedAt, &p.ReadyAt, &executed, &cancel); err != nil {
		return p, err
	}
	p.ID = common.HexToHash(id)
	p.Proposer = common.HexToAddress(proposer)
	p.Status = domain.ProposalStatus(st)
	p.ExecutedAt = executed
	p.CancelledAt = cancel
	return p, nil
}

// Get returns one proposal or domain.ErrNotFound.
func (s *ProposalStore) Get(ctx context.Context, id common.Hash) (domain.Proposal, error) {
	p, err := scanProposal(s.pool.QueryRow(ctx, `SELECT `+proposalColumns+` FROM proposals WHERE id = $1`, id.Hex()))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Proposal{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Proposal{}, fmt.Errorf("postgres: get proposal %s: %w", id.Hex(), err)
	}
	return p, nil
}

// List returns proposals newest first.
func (s *ProposalStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Proposal, error) {
	query := `SELECT ` + proposalColumns + ` FROM proposals ORDER BY created_at DESC`
	args := []any{}
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list proposals: %w", err)
	}
	defer rows.Close()
	var out []domain.Proposal
	for rows.Next() {
		p, err := scanProposal(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan proposal: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

var _ domain.ProposalStore = (*ProposalStore)(nil)
