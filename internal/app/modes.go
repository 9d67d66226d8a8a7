package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbengine/internal/arbitrage"
	s3blob "github.com/alanyoungcy/arbengine/internal/blob/s3"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/engine"
	"github.com/alanyoungcy/arbengine/internal/server"
	"github.com/alanyoungcy/arbengine/internal/server/handler"
	"github.com/alanyoungcy/arbengine/internal/server/middleware"
	"github.com/alanyoungcy/arbengine/internal/server/ws"
	"github.com/alanyoungcy/arbengine/internal/service"
)

// depegInterval is how often serve mode scans stable venues for depegs.
const depegInterval = time.Minute

// runtime holds the engine and the services layered on it.
type runtime struct {
	engine  *engine.Engine
	records *service.RecordService
	gov     *service.GovernanceService
	monitor *venueMonitor
}

// engineConfig overlays the configured engine settings on the defaults.
func (a *App) engineConfig() engine.Config {
	ec := a.cfg.Engine
	out := engine.DefaultConfig()
	out.Vault = hexAddress(ec.Vault)
	out.Treasury = hexAddress(ec.Treasury)
	if ec.HopTimeout.Duration > 0 {
		out.HopTimeout = ec.HopTimeout.Duration
	}
	if ec.LockTTL.Duration > 0 {
		out.LockTTL = ec.LockTTL.Duration
	}
	if ec.LockRetry.Duration > 0 {
		out.LockRetry = ec.LockRetry.Duration
	}
	if ec.DedupSize > 0 {
		out.DedupSize = ec.DedupSize
	}
	if ec.DedupTTL.Duration > 0 {
		out.DedupTTL = ec.DedupTTL.Duration
	}
	return out
}

// build constructs the engine and the record and governance services, and
// hooks the services onto the engine's observers.
func (a *App) build(ctx context.Context, deps *Dependencies) (*runtime, error) {
	eng, err := engine.New(engine.Deps{
		Ledger:    deps.Ledger,
		Lender:    deps.Lender,
		Venues:    deps.Venues,
		Rules:     deps.Rules,
		Allowlist: deps.Allowlist,
		Breaker:   deps.Breaker,
		Oracle:    deps.Oracle,
		Feed:      deps.Feed,
		Pause:     deps.Pause,
		Locks:     deps.LockManager,
	}, a.engineConfig(), a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: engine: %w", err)
	}

	costs := a.cfg.Costs
	records, err := service.NewRecordService(service.RecordDeps{
		Store: deps.Records,
		Costs: arbitrage.NewCalculator(arbitrage.CostModel{
			BorrowFeeBps: costs.BorrowFeeBps,
			GasBufferBps: costs.GasBufferBps,
			MarginBps:    costs.MarginBps,
		}),
		Bus:      deps.SignalBus,
		Audit:    deps.Audit,
		Notifier: deps.Notifier,
		Signer:   deps.Signer,
		Metrics:  deps.Metrics,
		Breaker:  deps.Breaker,
		Rules:    deps.Rules,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: record service: %w", err)
	}

	gov, err := service.NewGovernanceService(service.GovernanceDeps{
		Caps:      deps.Caps,
		Timelock:  deps.Timelock,
		Pause:     deps.Pause,
		Allowlist: deps.Allowlist,
		Rules:     deps.Rules,
		Breaker:   deps.Breaker,
		Proposals: deps.Proposals,
		Audit:     deps.Audit,
		Bus:       deps.SignalBus,
		Notifier:  deps.Notifier,
		Metrics:   deps.Metrics,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("app: governance service: %w", err)
	}
	if err := gov.Load(ctx); err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}

	totals, err := records.Totals(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: seed totals: %w", err)
	}
	eng.Totals().Seed(totals)

	eng.OnResult(deps.Metrics.ObserveResult)
	eng.OnResult(records.Handle)
	eng.OnHop(deps.Metrics.ObserveHop)

	return &runtime{
		engine:  eng,
		records: records,
		gov:     gov,
		monitor: &venueMonitor{ledger: deps.Ledger, venues: deps.Venues, stables: deps.Stables},
	}, nil
}

// ServeMode runs the HTTP API, the WebSocket hub, the price keeper and the
// depeg monitor until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	rt, err := a.build(ctx, deps)
	if err != nil {
		return err
	}
	deps.Metrics.SetPaused(rt.gov.PauseState().Paused)

	g, ctx := errgroup.WithContext(ctx)

	if deps.Prices != nil {
		g.Go(func() error {
			return a.keepPrices(ctx, deps)
		})
	}
	if len(deps.Stables) > 0 {
		g.Go(func() error {
			return a.watchDepegs(ctx, rt.monitor)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt)
	} else {
		a.logger.WarnContext(ctx, "serve mode: HTTP server disabled")
	}

	a.logger.InfoContext(ctx, "serve mode: running",
		slog.Int("venues", len(deps.Venues.Adapters())),
		slog.Uint64("ruleset_version", deps.Rules.Current().Version),
	)
	return g.Wait()
}

// startHTTPServer registers the API and WebSocket endpoints and runs the
// server and hub in g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:           a.cfg.Mode,
		Status:         func() any { return rt.gov.PauseState() },
		StartedAt:      time.Now().UTC(),
		AllowedOrigins: a.cfg.Server.CORSOrigins,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	pingers := make(map[string]handler.Pinger, len(deps.Pingers))
	for name, p := range deps.Pingers {
		pingers[name] = p
	}

	var keys middleware.KeyResolver
	if len(a.cfg.Server.APIKeys) > 0 {
		keys = a.cfg.Server.Actor
	} else {
		a.logger.WarnContext(ctx, "HTTP server: no API keys configured; authentication disabled")
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		Keys:        keys,
		HMACSkew:    a.cfg.Server.HMACSkew.Duration,
		Limiter:     deps.RateLimiter,
		RateLimit:   a.cfg.Server.RateLimit,
		RateWindow:  a.cfg.Server.RateWindow.Duration,
		Observe:     deps.Metrics.ObserveHTTP,
		Metrics:     deps.Metrics.Handler(),
	}, server.Handlers{
		Health:     handler.NewHealthHandler(pingers, a.logger),
		Attempts:   handler.NewAttemptHandler(rt.engine, a.logger),
		Executions: handler.NewExecutionHandler(rt.records, rt.engine.Totals().Snapshot, a.logger),
		Governance: handler.NewGovernanceHandler(rt.gov, a.logger),
		Venues:     handler.NewVenueHandler(rt.monitor, a.cfg.Governance.DepegThresholdBps, a.logger),
	}, hub, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// keepPrices re-stamps the configured oracle prices so they never read as
// stale. Prices from other sources still move the median.
func (a *App) keepPrices(ctx context.Context, deps *Dependencies) error {
	prices, err := a.cfg.Oracle.SeedPrices()
	if err != nil {
		return err
	}
	every := a.cfg.Oracle.StaleAfter.Duration / 2
	if every <= 0 {
		every = 30 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			for asset, p := range prices {
				deps.Prices.Set(asset, p, now)
			}
		}
	}
}

// watchDepegs logs every stable-venue token priced beyond the configured
// threshold.
func (a *App) watchDepegs(ctx context.Context, m *venueMonitor) error {
	threshold := a.cfg.Governance.DepegThresholdBps
	if threshold == 0 {
		return nil
	}
	ticker := time.NewTicker(depegInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			found, err := m.Depegs(ctx, threshold)
			if err != nil {
				a.logger.WarnContext(ctx, "depeg scan failed", slog.String("error", err.Error()))
				continue
			}
			for id, ds := range found {
				for _, d := range ds {
					a.logger.WarnContext(ctx, "stable venue depegged",
						slog.String("venue", id.Hex()),
						slog.String("token", d.Token.Hex()),
						slog.Uint64("deviation_bps", d.DeviationBps),
					)
				}
			}
		}
	}
}

// simulation is one line of simulate mode output.
type simulation struct {
	Result domain.Result `json:"result"`
	Error  string        `json:"error,omitempty"`
	Kind   string        `json:"kind,omitempty"`
}

// SimulateMode dry-runs the attempts read from the configured file (or
// stdin) against the configured venues and writes one JSON result per line.
// Nothing is committed or recorded.
func (a *App) SimulateMode(ctx context.Context, deps *Dependencies) error {
	rt, err := a.build(ctx, deps)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if a.attempts != "" && a.attempts != "-" {
		f, err := os.Open(a.attempts)
		if err != nil {
			return fmt.Errorf("simulate: open attempts: %w", err)
		}
		defer f.Close()
		in = f
	}
	attempts, err := decodeAttempts(in)
	if err != nil {
		return fmt.Errorf("simulate: %w", err)
	}

	enc := json.NewEncoder(a.out)
	var failed int
	for _, at := range attempts {
		res, err := rt.engine.Simulate(ctx, at)
		line := simulation{Result: res}
		if err != nil {
			failed++
			line.Error = err.Error()
			line.Kind = domain.ErrorKind(err)
		}
		if err := enc.Encode(line); err != nil {
			return fmt.Errorf("simulate: write result: %w", err)
		}
	}
	a.logger.InfoContext(ctx, "simulate mode: done",
		slog.Int("attempts", len(attempts)),
		slog.Int("failed", failed),
	)
	return nil
}

// decodeAttempts reads a JSON array of attempts.
func decodeAttempts(r io.Reader) ([]domain.Attempt, error) {
	var out []domain.Attempt
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode attempts: %w", err)
	}
	return out, nil
}

// ArchiveMode exports execution records older than the retention window to
// S3 as parquet, then exits.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	if deps.BlobWriter == nil || deps.BlobReader == nil {
		return errors.New("archive: s3 is not configured")
	}
	archiver := s3blob.NewArchiver(deps.BlobWriter, deps.BlobReader, deps.Records, deps.Audit, s3blob.ArchiverConfig{
		BatchSize: a.cfg.Archive.BatchSize,
		Prune:     a.cfg.Archive.Prune,
	}, a.logger)

	before := time.Now().UTC().AddDate(0, 0, -a.cfg.Archive.RetentionDays)
	n, err := archiver.ArchiveExecutions(ctx, before)
	if err != nil {
		return fmt.Errorf("archive: %w", err)
	}
	a.logger.InfoContext(ctx, "archive mode: done",
		slog.Int64("records", n),
		slog.Time("before", before),
		slog.Bool("pruned", a.cfg.Archive.Prune),
	)
	return nil
}
