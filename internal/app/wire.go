package app

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	s3blob "github.com/alanyoungcy/onramp/internal/blob/s3"
	"github.com/alanyoungcy/onramp/internal/cache/redis"
	"github.com/alanyoungcy/onramp/internal/chain"
	"github.com/alanyoungcy/onramp/internal/config"
	"github.com/alanyoungcy/onramp/internal/crypto"
	"github.com/alanyoungcy/onramp/internal/domain"
	"github.com/alanyoungcy/onramp/internal/notify"
	"github.com/alanyoungcy/onramp/internal/server/handler"
	"github.com/alanyoungcy/onramp/internal/store/postgres"
)

// Dependencies bundles the concrete implementations the modes run on. It is
// constructed by Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Stores
	Positions domain.PositionStore
	Audit     domain.AuditStore

	// Shared KV
	Guard   domain.IdempotencyGuard
	Limiter domain.RateLimiter
	Locks   domain.LockManager
	Markers domain.RefundMarker
	Bus     domain.SignalBus

	// Chain; nil in archive mode.
	Chain domain.ChainExecutor

	// Archiver; nil when archival is disabled.
	Archiver domain.PositionArchiver

	Notifier *notify.Notifier

	// HealthChecks ping every wired backend.
	HealthChecks map[string]handler.Check
}

// terminalSource is the archive view shared by both Position stores.
type terminalSource interface {
	domain.PositionStore
	s3blob.PositionSource
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

	deps := &Dependencies{HealthChecks: make(map[string]handler.Check)}

	// --- Redis: claims, limits, locks, markers and the position feed ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:        cfg.Redis.Addr,
		Password:    cfg.Redis.Password,
		DB:          cfg.Redis.DB,
		PoolSize:    cfg.Redis.PoolSize,
		MaxRetries:  cfg.Redis.MaxRetries,
		TLSEnabled:  cfg.Redis.TLSEnabled,
		DialTimeout: cfg.Redis.DialTimeout.Duration,
	})
	if err != nil {
		return fail(fmt.Errorf("wire: redis: %w", err))
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.HealthChecks["redis"] = redisClient.Ping

	deps.Guard = redis.NewIdempotencyGuard(redisClient)
	deps.Limiter = redis.NewRateLimiter(redisClient)
	deps.Locks = redis.NewLockManager(redisClient)
	deps.Markers = redis.NewRefundMarker(redisClient)
	deps.Bus = redis.NewSignalBus(redisClient)

	// --- Position store ---
	var positions terminalSource
	switch cfg.Store.Backend {
	case "postgres":
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:              cfg.Supabase.DSN,
			Host:             cfg.Supabase.Host,
			Port:             cfg.Supabase.Port,
			Database:         cfg.Supabase.Database,
			User:             cfg.Supabase.User,
			Password:         cfg.Supabase.Password,
			SSLMode:          cfg.Supabase.SSLMode,
			MaxConns:         cfg.Supabase.PoolMaxConns,
			MinConns:         cfg.Supabase.PoolMinConns,
			StatementTimeout: cfg.Supabase.StatementTimeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)
		deps.HealthChecks["postgres"] = pgClient.Ping

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		positions = postgres.NewPositionStore(pgClient.Pool())
		deps.Audit = postgres.NewAuditStore(pgClient.Pool())
	default:
		positions = redis.NewPositionStore(redisClient)
	}
	deps.Positions = positions

	// --- S3 cold archive ---
	if cfg.Archive.Enabled && (cfg.Mode == "archive" || cfg.Mode == "full") {
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
		deps.HealthChecks["s3"] = s3Client.Health
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), positions, deps.Audit)
	}

	// --- Chain executor ---
	if cfg.NeedsChain() {
		exec, closeChain, err := buildExecutor(ctx, cfg, logger)
		if err != nil {
			return fail(fmt.Errorf("wire: chain: %w", err))
		}
		closers = append(closers, closeChain)
		deps.Chain = exec
	}

	// --- Notifications ---
	var senders []notify.Sender
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

	return deps, cleanup, nil
}

// buildExecutor loads the hub key, dials the RPC endpoint and checks that it
// serves the configured chain.
func buildExecutor(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*chain.Executor, func(), error) {
	key, err := crypto.LoadHubKey(crypto.HubKeySource{
		RawPrivateKey:    cfg.Hub.PrivateKey,
		KeystorePath:     cfg.Hub.KeystorePath,
		KeystorePassword: cfg.Hub.KeystorePassword,
	})
	if err != nil {
		return nil, nil, err
	}

	targets, err := chainTargets(cfg)
	if err != nil {
		return nil, nil, err
	}

	client, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return nil, nil, fmt.Errorf("dial %s: %w", cfg.Chain.Name, err)
	}

	chainID := big.NewInt(cfg.Chain.ChainID)
	dialCtx, cancel := context.WithTimeout(ctx, cfg.Chain.RPCTimeout.Duration)
	defer cancel()
	remote, err := client.ChainID(dialCtx)
	if err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("read chain id: %w", err)
	}
	if remote.Cmp(chainID) != 0 {
		client.Close()
		return nil, nil, fmt.Errorf("rpc serves chain %s, configured %s", remote, chainID)
	}

	exec, err := chain.NewExecutor(client, key, chain.Config{
		ChainName:      cfg.Chain.Name,
		ChainID:        chainID,
		Asset:          cfg.Chain.AssetSymbol,
		AssetAddress:   common.HexToAddress(cfg.Chain.AssetAddress),
		AssetDecimals:  int32(cfg.Chain.AssetDecimals),
		MaxGasPrice:    cfg.MaxGasPriceWei(),
		RPCTimeout:     cfg.Chain.RPCTimeout.Duration,
		ReceiptTimeout: cfg.Chain.ReceiptTimeout.Duration,
		PollInterval:   cfg.Chain.PollInterval.Duration,
		Targets:        targets,
	}, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	logger.InfoContext(ctx, "chain executor ready",
		slog.String("chain", cfg.Chain.Name),
		slog.String("hub", exec.HubAddress()),
		slog.Int("targets", len(targets)),
	)
	return exec, client.Close, nil
}

// chainTargets converts the protocols section into executor targets. Amounts
// are configured in whole asset units.
func chainTargets(cfg *config.Config) ([]chain.Target, error) {
	decimals := int32(cfg.Chain.AssetDecimals)
	targets := make([]chain.Target, 0, len(cfg.Protocols))
	for name, p := range cfg.Protocols {
		t := chain.Target{
			Name:     name,
			Kind:     chain.Kind(p.Kind),
			Contract: common.HexToAddress(p.Contract),
		}
		if p.SupplyCap != "" {
			capUnits, err := decimal.NewFromString(p.SupplyCap)
			if err != nil {
				return nil, fmt.Errorf("protocol %s: supply_cap: %w", name, err)
			}
			t.CapToken = common.HexToAddress(p.CapToken)
			t.SupplyCap = chain.ToBaseUnits(capUnits, decimals)
		}
		if p.MinDeposit != "" {
			minDeposit, err := decimal.NewFromString(p.MinDeposit)
			if err != nil {
				return nil, fmt.Errorf("protocol %s: min_deposit: %w", name, err)
			}
			t.MinDeposit = minDeposit
		}
		targets = append(targets, t)
	}
	return targets, nil
}
