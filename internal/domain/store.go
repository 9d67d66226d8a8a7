package domain

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
	Asset  *common.Address
}

// ExecutionStore persists execution result records.
type ExecutionStore interface {
	Create(ctx context.Context, rec ExecutionRecord) error
	GetByID(ctx context.Context, id string) (ExecutionRecord, error)
	List(ctx context.Context, opts ListOpts) ([]ExecutionRecord, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]ExecutionRecord, error)
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Totals(ctx context.Context) ([]AssetTotals, error)
}

// AuditEntry is one row of the audit log.
type AuditEntry struct {
	ID        int64          `json:"id"`
	Event     string         `json:"event"`
	Detail    map[string]any `json:"detail"`
	CreatedAt time.Time      `json:"created_at"`
}

// AuditStore logs governance and engine events for compliance.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// ProposalStore persists timelock proposals.
type ProposalStore interface {
	Save(ctx context.Context, p Proposal) error
	Get(ctx context.Context, id common.Hash) (Proposal, error)
	List(ctx context.Context, opts ListOpts) ([]Proposal, error)
}

// StrategyStore persists asset strategies and the active ruleset version.
type StrategyStore interface {
	Upsert(ctx context.Context, version uint64, s AssetStrategy) error
	ListVersion(ctx context.Context, version uint64) ([]AssetStrategy, error)
	ActiveVersion(ctx context.Context) (uint64, error)
	SetActiveVersion(ctx context.Context, version uint64) error
}
