package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/ruleset"
)

// RecordDeps are the sinks a RecordService writes to. Only Store and Costs
// are required.
type RecordDeps struct {
	Store    domain.ExecutionStore
	Costs    *arbitrage.Calculator
	Bus      domain.SignalBus
	Audit    domain.AuditStore
	Notifier *notify.Notifier
	Signer   *crypto.RecordSigner
	Metrics  *metrics.Metrics
	Breaker  *guard.CircuitBreaker
	Rules    *ruleset.Registry
}

// RecordService turns engine results into persisted, signed records and
// fans them out to the bus, the audit log and the operator channels.
type RecordService struct {
	deps   RecordDeps
	logger *slog.Logger
}

// NewRecordService creates a RecordService.
func NewRecordService(deps RecordDeps, logger *slog.Logger) (*RecordService, error) {
	if deps.Store == nil || deps.Costs == nil {
		return nil, fmt.Errorf("record_service: store and cost calculator required")
	}
	return &RecordService{
		deps:   deps,
		logger: logger.With(slog.String("component", "record_service")),
	}, nil
}

// Handle matches engine.ResultFunc. Persistence failures are logged; the
// engine has already settled by the time a result is observed.
func (s *RecordService) Handle(ctx context.Context, res domain.Result) {
	if _, err := s.Record(ctx, res); err != nil {
		s.logger.ErrorContext(ctx, "record_service: record result failed",
			slog.String("attempt", res.AttemptID),
			slog.String("error", err.Error()),
		)
	}
}

// Record persists res and returns the stored record. Only the store write
// can fail the call; every other sink is best effort.
func (s *RecordService) Record(ctx context.Context, res domain.Result) (domain.ExecutionRecord, error) {
	rec := domain.NewExecutionRecord(uuid.NewString(), res)
	if res.Amount != nil {
		rec.CostEstimate = s.deps.Costs.CostEstimate(res.Amount)
	}
	if s.deps.Signer != nil {
		sig, err := s.deps.Signer.Sign(rec)
		if err != nil {
			return rec, fmt.Errorf("record_service: sign %s: %w", rec.ID, err)
		}
		rec.Signature = sig
	}
	if err := s.deps.Store.Create(ctx, rec); err != nil {
		return rec, fmt.Errorf("record_service: persist %s: %w", rec.ID, err)
	}

	s.publish(ctx, rec)
	s.auditResult(ctx, rec)
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.Notify(ctx, notify.ResultMessage(res)); err != nil {
			s.logger.WarnContext(ctx, "record_service: notify failed", slog.String("error", err.Error()))
		}
	}
	s.observeBreaker(ctx, rec)
	return rec, nil
}

func (s *RecordService) publish(ctx context.Context, rec domain.ExecutionRecord) {
	if s.deps.Bus == nil {
		return
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		s.logger.WarnContext(ctx, "record_service: marshal record", slog.String("error", err.Error()))
		return
	}
	if err := s.deps.Bus.Publish(ctx, domain.ChannelExecutions, payload); err != nil {
		s.logger.WarnContext(ctx, "record_service: publish failed",
			slog.String("record", rec.ID), slog.String("error", err.Error()))
	}
	if err := s.deps.Bus.StreamAppend(ctx, domain.StreamExecutions, payload); err != nil {
		s.logger.WarnContext(ctx, "record_service: stream append failed",
			slog.String("record", rec.ID), slog.String("error", err.Error()))
	}
}

// auditResult logs aborts only; commits and rejections are in the record
// table already and would flood the audit log.
func (s *RecordService) auditResult(ctx context.Context, rec domain.ExecutionRecord) {
	if s.deps.Audit == nil || rec.Succeeded || rec.Rejected() {
		return
	}
	err := s.deps.Audit.Log(ctx, "attempt_aborted", map[string]any{
		"record":    rec.ID,
		"attempt":   rec.AttemptID,
		"asset":     rec.Asset.Hex(),
		"reason":    rec.RejectionReason,
		"hop":       rec.FailedHop,
		"shortfall": domain.FormatAmount(rec.Shortfall),
	})
	if err != nil {
		s.logger.WarnContext(ctx, "record_service: audit log failed", slog.String("error", err.Error()))
	}
}

// observeBreaker publishes the breaker window and alerts on the abort that
// tripped it.
func (s *RecordService) observeBreaker(ctx context.Context, rec domain.ExecutionRecord) {
	if s.deps.Breaker == nil || s.deps.Rules == nil || rec.Rejected() {
		return
	}
	strat, _, ok := s.deps.Rules.Strategy(rec.Asset)
	if !ok {
		return
	}
	st := s.deps.Breaker.Status(rec.Asset, strat.Limits)
	if s.deps.Metrics != nil {
		s.deps.Metrics.SetBreaker(rec.Asset, st.Volume, st.Failures)
	}
	limit := strat.Limits.MaxFailures
	if rec.Succeeded || limit == 0 || st.Failures != limit {
		return
	}
	s.logger.WarnContext(ctx, "circuit breaker tripped",
		slog.String("asset", rec.Asset.Hex()), slog.Int("failures", st.Failures))
	if s.deps.Audit != nil {
		if err := s.deps.Audit.Log(ctx, "breaker_tripped", map[string]any{"asset": rec.Asset.Hex(), "failures": st.Failures}); err != nil {
			s.logger.WarnContext(ctx, "record_service: audit log failed",
				slog.String("event", "breaker_tripped"), slog.String("error", err.Error()))
		}
	}
	if s.deps.Notifier != nil {
		if err := s.deps.Notifier.Notify(ctx, notify.BreakerTrippedMessage(rec.Asset, st.Failures, st.WindowStart)); err != nil {
			s.logger.WarnContext(ctx, "record_service: notify failed", slog.String("error", err.Error()))
		}
	}
}

// Get returns one record.
func (s *RecordService) Get(ctx context.Context, id string) (domain.ExecutionRecord, error) {
	rec, err := s.deps.Store.GetByID(ctx, id)
	if err != nil {
		return rec, fmt.Errorf("record_service: get %q: %w", id, err)
	}
	return rec, nil
}

// List returns records newest first.
func (s *RecordService) List(ctx context.Context, opts domain.ListOpts) ([]domain.ExecutionRecord, error) {
	recs, err := s.deps.Store.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("record_service: list: %w", err)
	}
	return recs, nil
}

// Totals returns the stored per-asset totals.
func (s *RecordService) Totals(ctx context.Context) ([]domain.AssetTotals, error) {
	t, err := s.deps.Store.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("record_service: totals: %w", err)
	}
	return t, nil
}
