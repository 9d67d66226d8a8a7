package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	s3blob "github.com/alanyoungcy/arbengine/internal/blob/s3"
	"github.com/alanyoungcy/arbengine/internal/cache/local"
	"github.com/alanyoungcy/arbengine/internal/cache/redis"
	"github.com/alanyoungcy/arbengine/internal/config"
	"github.com/alanyoungcy/arbengine/internal/crypto"
	"github.com/alanyoungcy/arbengine/internal/domain"
	"github.com/alanyoungcy/arbengine/internal/guard"
	"github.com/alanyoungcy/arbengine/internal/ledger"
	"github.com/alanyoungcy/arbengine/internal/lending"
	"github.com/alanyoungcy/arbengine/internal/metrics"
	"github.com/alanyoungcy/arbengine/internal/notify"
	"github.com/alanyoungcy/arbengine/internal/oracle"
	"github.com/alanyoungcy/arbengine/internal/pricing"
	"github.com/alanyoungcy/arbengine/internal/ruleset"
	"github.com/alanyoungcy/arbengine/internal/store/postgres"
	"github.com/alanyoungcy/arbengine/internal/store/sqlite"
	"github.com/alanyoungcy/arbengine/internal/venue"
)

// Dependencies bundles every component the application modes need. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Engine state
	Ledger    *ledger.Ledger
	Lender    *lending.Pool
	Venues    *venue.Registry
	Stables   []*venue.Stable
	Rules     *ruleset.Registry
	Caps      *guard.Capabilities
	Timelock  *guard.Timelock
	Pause     *guard.PauseSwitch
	Allowlist *guard.Allowlist
	Breaker   *guard.CircuitBreaker
	Oracle    *guard.OracleGuard
	Feed      oracle.Feed
	Prices    *oracle.Manual

	// Stores
	Records   domain.ExecutionStore
	Audit     domain.AuditStore
	Proposals domain.ProposalStore

	// Caches
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus

	// Blob storage
	BlobWriter domain.BlobWriter
	BlobReader domain.BlobReader

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics
	// Signer is nil when no operator key is configured.
	Signer *crypto.RecordSigner

	// Pingers back the health endpoint.
	Pingers map[string]pingFunc
}

// pingFunc adapts a dependency's health check to handler.Pinger.
type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

// needsS3 returns true for modes that require object storage.
func needsS3(mode string) bool {
	return mode == "archive"
}

// Wire constructs all concrete dependency implementations from the given
// configuration and returns them together with a cleanup function that should
// be called on shutdown to release resources.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Pingers: make(map[string]pingFunc),
	}
	var strategies domain.StrategyStore

	// --- Stores ---
	switch strings.ToLower(cfg.Store) {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Postgres.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}

		pool := pgClient.Pool()
		deps.Records = postgres.NewExecutionStore(pool)
		deps.Audit = postgres.NewAuditStore(pool)
		deps.Proposals = postgres.NewProposalStore(pool)
		strategies = postgres.NewStrategyStore(pool)
		deps.Pingers["postgres"] = pgClient.Ping
	default:
		db, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return fail(fmt.Errorf("wire: sqlite: %w", err))
		}
		closers = append(closers, func() { _ = db.Close() })

		deps.Records = db.Executions()
		deps.Audit = db.Audit()
		deps.Proposals = db.Proposals()
		strategies = db.Strategies()
		deps.Pingers["sqlite"] = db.Ping
	}

	// --- Caches (Redis when enabled, in-process otherwise) ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Oracle.CacheTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient, logger)
		deps.SignalBus = redis.NewSignalBus(redisClient)
		deps.Pingers["redis"] = redisClient.Ping
	} else {
		limiter, err := local.NewRateLimiter(4096)
		if err != nil {
			return fail(fmt.Errorf("wire: rate limiter: %w", err))
		}
		deps.PriceCache = local.NewPriceCache(cfg.Oracle.CacheTTL.Duration)
		deps.RateLimiter = limiter
		deps.SignalBus = local.NewBus()
	}

	// --- S3 blob storage (only for modes that need object storage) ---
	if needsS3(strings.ToLower(cfg.Mode)) {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.BlobWriter = s3blob.NewWriter(s3Client)
		deps.BlobReader = s3blob.NewReader(s3Client)
		deps.Pingers["s3"] = s3Client.Health
	}

	// --- Notifications ---
	senders := []notify.Sender{notify.NewLogSender(logger)}
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	// --- Operator key ---
	key, err := crypto.LoadKey(crypto.KeyConfig{
		RawPrivateKey:    cfg.Operator.PrivateKey,
		EncryptedKeyPath: cfg.Operator.EncryptedKeyPath,
		KeyPassword:      cfg.Operator.KeyPassword,
	})
	switch {
	case err == nil:
		deps.Signer = crypto.NewRecordSigner(key)
		logger.InfoContext(ctx, "wire: records will be signed", slog.String("operator", deps.Signer.Address().Hex()))
	case errors.Is(err, crypto.ErrNoKey):
		logger.WarnContext(ctx, "wire: no operator key; records are stored unsigned")
	default:
		return fail(fmt.Errorf("wire: operator key: %w", err))
	}

	// --- Governance ---
	admin := common.HexToAddress(cfg.Governance.Admin)
	deps.Caps = guard.NewCapabilities(admin)
	for _, g := range []struct {
		role    domain.Role
		members []string
	}{
		{domain.RoleGuardian, cfg.Governance.Guardians},
		{domain.RoleProposer, cfg.Governance.Proposers},
		{domain.RoleExecutor, cfg.Governance.Executors},
	} {
		for _, m := range config.Addresses(g.members) {
			if err := deps.Caps.Grant(admin, m, g.role); err != nil {
				return fail(fmt.Errorf("wire: grant %s: %w", g.role, err))
			}
		}
	}
	deps.Timelock = guard.NewTimelock(deps.Caps, cfg.Governance.TimelockDelay.Duration)
	deps.Pause = guard.NewPauseSwitch(deps.Caps)
	deps.Breaker = guard.NewCircuitBreaker()

	seed, err := cfg.Strategies()
	if err != nil {
		return fail(fmt.Errorf("wire: strategies: %w", err))
	}
	deps.Rules, err = ruleset.NewRegistry(seed, strategies, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: ruleset: %w", err))
	}
	if err := deps.Rules.Load(ctx); err != nil {
		return fail(fmt.Errorf("wire: ruleset: %w", err))
	}

	// --- Oracle ---
	deps.Oracle, err = guard.NewOracleGuard(guard.OracleConfig{
		StaleAfter:       cfg.Oracle.StaleAfter.Duration,
		MaxDeviationBps:  cfg.Oracle.MaxDeviationBps,
		MaxConfidenceBps: cfg.Oracle.MaxConfidenceBps,
		MaxFutureSkew:    cfg.Oracle.MaxFutureSkew.Duration,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: oracle guard: %w", err))
	}
	if err := wireFeed(deps, cfg, logger); err != nil {
		return fail(err)
	}

	// --- Ledger, lender and venues ---
	deps.Ledger = ledger.New()
	if err := wireLender(ctx, deps, cfg, logger); err != nil {
		return fail(err)
	}
	if err := wireVenues(ctx, deps, cfg, logger); err != nil {
		return fail(err)
	}

	return deps, cleanup, nil
}

// wireFeed builds the oracle feed: a median over the configured prices, plus
// prices other instances published to the shared cache when Redis is on.
// Without configured prices the engine runs with no feed.
func wireFeed(deps *Dependencies, cfg *config.Config, logger *slog.Logger) error {
	prices, err := cfg.Oracle.SeedPrices()
	if err != nil {
		return fmt.Errorf("wire: oracle prices: %w", err)
	}
	if len(prices) == 0 && !cfg.Redis.Enabled {
		logger.Warn("wire: no oracle prices configured; oracle guard disabled")
		return nil
	}
	deps.Prices = oracle.NewManual("config")
	now := time.Now()
	for asset, p := range prices {
		deps.Prices.Set(asset, p, now)
	}
	sources := []oracle.Source{deps.Prices}
	if cfg.Redis.Enabled {
		sources = append(sources, oracle.NewCacheSource(deps.PriceCache))
	}
	minFeeds := cfg.Oracle.MinFeeds
	if minFeeds > len(sources) {
		minFeeds = len(sources)
	}
	median, err := oracle.NewMedianFeed(sources, minFeeds, cfg.Oracle.MaxAge.Duration, cfg.Oracle.Timeout.Duration, logger)
	if err != nil {
		return fmt.Errorf("wire: oracle feed: %w", err)
	}
	deps.Feed = oracle.NewCachedFeed(median, deps.PriceCache, logger)
	return nil
}

// wireLender funds the lending pool and lists every configured asset.
func wireLender(ctx context.Context, deps *Dependencies, cfg *config.Config, logger *slog.Logger) error {
	reserve := common.HexToAddress(cfg.Lending.Reserve)
	deps.Lender = lending.NewPool(reserve, cfg.Lending.PremiumBps, logger)
	for _, f := range cfg.Lending.Funding {
		amt, err := config.Amount(f.Amount)
		if err != nil {
			return fmt.Errorf("wire: lending funding %s: %w", f.Token, err)
		}
		token := common.HexToAddress(f.Token)
		if err := deps.Ledger.Mint(ctx, token, reserve, amt); err != nil {
			return fmt.Errorf("wire: fund lending reserve: %w", err)
		}
		deps.Lender.List(token)
	}
	for _, a := range cfg.Assets {
		deps.Lender.List(common.HexToAddress(a.Address))
	}
	return nil
}

// wireVenues builds every configured venue, funds its reserves and seeds the
// allowlist. Aggregators route through the registry they are registered in.
func wireVenues(ctx context.Context, deps *Dependencies, cfg *config.Config, logger *slog.Logger) error {
	deps.Venues = venue.NewRegistry(venue.DefaultHealthConfig(), logger)
	deps.Allowlist = guard.NewAllowlist()

	for _, vc := range cfg.Venues {
		id := common.HexToAddress(vc.ID)
		tokens := config.Addresses(vc.Tokens)
		kind := domain.VenueKind(strings.ToLower(vc.Kind))

		var adapter venue.Adapter
		switch kind {
		case domain.VenueConstantProduct:
			if len(tokens) != 2 {
				return fmt.Errorf("wire: venue %s: constant product needs two tokens", vc.Name)
			}
			adapter = venue.NewConstantProduct(id, vc.Name, tokens[0], tokens[1], vc.FeeBps)
		case domain.VenueWeighted:
			weights := make([]*uint256.Int, len(vc.WeightsBps))
			for i, bps := range vc.WeightsBps {
				weights[i] = pricing.FromBps(bps)
			}
			w, err := venue.NewWeighted(id, vc.Name, tokens, weights, pricing.FromBps(vc.FeeBps))
			if err != nil {
				return fmt.Errorf("wire: venue %s: %w", vc.Name, err)
			}
			adapter = w
		case domain.VenueStable:
			amp := new(uint256.Int).Mul(uint256.NewInt(vc.Amp), uint256.NewInt(pricing.APrecision))
			s, err := venue.NewStable(id, vc.Name, tokens, amp, pricing.FromBps(vc.FeeBps))
			if err != nil {
				return fmt.Errorf("wire: venue %s: %w", vc.Name, err)
			}
			deps.Stables = append(deps.Stables, s)
			adapter = s
		case domain.VenueAggregator:
			adapter = venue.NewAggregator(id, vc.Name, deps.Venues, deps.Allowlist.Check)
		default:
			return fmt.Errorf("wire: venue %s: unknown kind %q", vc.Name, vc.Kind)
		}

		for i, r := range vc.Reserves {
			if i >= len(tokens) {
				break
			}
			amt, err := config.Amount(r)
			if err != nil {
				return fmt.Errorf("wire: venue %s reserve: %w", vc.Name, err)
			}
			if amt == nil || amt.IsZero() {
				continue
			}
			if err := deps.Ledger.Mint(ctx, tokens[i], id, amt); err != nil {
				return fmt.Errorf("wire: venue %s reserve: %w", vc.Name, err)
			}
		}

		deps.Venues.Register(adapter)
		deps.Allowlist.Set(domain.VenueEntry{ID: id, Name: vc.Name, Kind: kind, Enabled: vc.Enabled})
		logger.InfoContext(ctx, "wire: venue registered",
			slog.String("venue", vc.Name),
			slog.String("kind", string(kind)),
			slog.Bool("enabled", vc.Enabled),
		)
	}
	return nil
}
