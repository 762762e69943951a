package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	s3blob "github.com/alanyoungcy/blindbet/internal/blob/s3"
	"github.com/alanyoungcy/blindbet/internal/cache/redis"
	"github.com/alanyoungcy/blindbet/internal/config"
	"github.com/alanyoungcy/blindbet/internal/coprocessor"
	"github.com/alanyoungcy/blindbet/internal/crypto"
	"github.com/alanyoungcy/blindbet/internal/domain"
	"github.com/alanyoungcy/blindbet/internal/engine"
	"github.com/alanyoungcy/blindbet/internal/event"
	"github.com/alanyoungcy/blindbet/internal/notify"
	"github.com/alanyoungcy/blindbet/internal/oracle"
	"github.com/alanyoungcy/blindbet/internal/server/handler"
	"github.com/alanyoungcy/blindbet/internal/server/middleware"
	"github.com/alanyoungcy/blindbet/internal/store/memory"
	"github.com/alanyoungcy/blindbet/internal/store/postgres"
)

// Dependencies bundles every domain-level dependency that the application modes
// need to operate. It is constructed by Wire and torn down by the returned
// cleanup function.
type Dependencies struct {
	// Stores
	MarketStore domain.MarketStore
	AuditStore  domain.AuditStore

	// Caches and buses. SignalBus is always set: Redis when enabled,
	// otherwise an in-process bus.
	PriceCache  domain.PriceCache
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager
	SignalBus   domain.SignalBus
	// NonceStore remembers accepted request signatures.
	NonceStore domain.NonceStore

	// Blob storage
	BlobReader domain.BlobReader
	Archiver   domain.SettlementArchiver

	Oracle domain.PriceOracle

	// Opener is nil when this process holds only the public key.
	Opener    *crypto.PredictionOpener
	PublicKey string

	Notifier  *notify.Notifier
	Publisher *event.Publisher

	// Engine is nil in coprocessor mode.
	Engine *engine.Engine
	// StreamAuth seals the decrypt streams; set whenever they are used.
	StreamAuth *crypto.StreamAuth
	// Dispatcher is set for async settlement.
	Dispatcher *coprocessor.Dispatcher

	// HealthChecks probe the external services this process talks to.
	HealthChecks map[string]handler.HealthCheck
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

	deps := &Dependencies{HealthChecks: make(map[string]handler.HealthCheck)}

	// --- Settlement key ---
	if cfg.Cipher.HasPrivateKey() {
		key, err := crypto.LoadSettlementKey(crypto.KeyConfig{
			RawPrivateKey: cfg.Cipher.PrivateKey,
			KeyFile:       cfg.Cipher.KeyFile,
			KeyPassword:   cfg.Cipher.KeyPassword,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: settlement key: %w", err))
		}
		deps.Opener = crypto.NewPredictionOpener(key)
		deps.PublicKey = crypto.EncodePublicKey(&key.PublicKey)
	} else if cfg.Cipher.PublicKey != "" {
		pub, err := crypto.DecodePublicKey(cfg.Cipher.PublicKey)
		if err != nil {
			return fail(fmt.Errorf("wire: settlement public key: %w", err))
		}
		deps.PublicKey = crypto.EncodePublicKey(pub)
	}

	// --- Stores ---
	if cfg.RunsEngine() && cfg.Store.Backend == "postgres" {
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
		deps.MarketStore = postgres.NewMarketStore(pool)
		deps.AuditStore = postgres.NewAuditStore(pool)
		deps.HealthChecks["postgres"] = pgClient.Ping
	} else {
		deps.MarketStore = memory.NewMarketStore()
		deps.AuditStore = memory.NewAuditStore()
	}

	// --- Redis ---
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

		deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
		deps.RateLimiter = redis.NewRateLimiter(redisClient, 10, time.Second)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.NonceStore = redis.NewNonceStore(redisClient)
		deps.SignalBus = redis.NewSignalBus(redisClient, redis.SignalBusOptions{
			StreamMaxLen: cfg.Redis.StreamMaxLen,
			ReadBlock:    cfg.Redis.ReadBlock.Duration,
		})
		deps.HealthChecks["redis"] = redisClient.Ping
	} else {
		deps.RateLimiter = middleware.NewLocalLimiter(10, time.Second)
		deps.NonceStore = middleware.NewLocalNonceStore()
		deps.SignalBus = event.NewLocalBus(int(cfg.Redis.StreamMaxLen), cfg.Redis.ReadBlock.Duration)
	}

	// --- S3 settlement archive ---
	if cfg.Archive.Enabled {
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
		reader := s3blob.NewReader(s3Client)
		deps.BlobReader = reader
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), reader, deps.AuditStore)
		deps.HealthChecks["s3"] = s3Client.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	var notifier event.Notifier
	if deps.Notifier.Enabled() {
		notifier = deps.Notifier
	}
	deps.Publisher = event.NewPublisher(deps.SignalBus, deps.AuditStore, notifier, logger)

	if cfg.UsesStreams() {
		auth, err := crypto.NewStreamAuth(cfg.Settlement.StreamSecret, cfg.Settlement.StreamMaxAge.Duration)
		if err != nil {
			return fail(fmt.Errorf("wire: stream auth: %w", err))
		}
		deps.StreamAuth = auth
	}
	if cfg.Settlement.Mode == "async" {
		deps.Dispatcher = coprocessor.NewDispatcher(deps.SignalBus, deps.StreamAuth)
	}

	if !cfg.RunsEngine() {
		return deps, cleanup, nil
	}

	// --- Oracle ---
	prices, oracleClose, err := newOracle(ctx, cfg.Oracle)
	if err != nil {
		return fail(fmt.Errorf("wire: oracle: %w", err))
	}
	if oracleClose != nil {
		closers = append(closers, oracleClose)
	}
	deps.Oracle = prices

	// --- Engine ---
	opts := []engine.Option{engine.WithPublisher(deps.Publisher)}
	if deps.Opener != nil {
		opts = append(opts, engine.WithDecryptor(deps.Opener))
	}
	if deps.Archiver != nil {
		opts = append(opts, engine.WithArchiver(deps.Archiver))
	}
	deps.Engine = engine.New(common.HexToAddress(cfg.Owner), deps.MarketStore, deps.Oracle, logger, opts...)

	return deps, cleanup, nil
}

// newOracle builds the configured price source and an optional closer.
func newOracle(ctx context.Context, cfg config.OracleConfig) (domain.PriceOracle, func(), error) {
	switch cfg.Provider {
	case "chainlink":
		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", cfg.Provider, err)
		}
		cl, err := oracle.NewChainlink(client, oracle.ChainlinkConfig{
			Feeds:   cfg.Feeds,
			MaxAge:  cfg.MaxAge.Duration,
			Timeout: cfg.Timeout.Duration,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}
		return cl, client.Close, nil
	case "http":
		return oracle.NewHTTPFeed(oracle.HTTPFeedOptions{
			BaseURL:        cfg.BaseURL,
			APIKey:         cfg.APIKey,
			Quote:          cfg.Quote,
			Timeout:        cfg.Timeout.Duration,
			RequestsPerSec: cfg.RequestsPerSec,
		}), nil, nil
	case "static", "":
		s, err := oracle.NewStatic(cfg.StaticPrices)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown provider %q", cfg.Provider)
}
