package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Mindburn-Labs/ownables/pkg/api"
	"github.com/Mindburn-Labs/ownables/pkg/artifacts"
	"github.com/Mindburn-Labs/ownables/pkg/cache"
	"github.com/Mindburn-Labs/ownables/pkg/config"
	"github.com/Mindburn-Labs/ownables/pkg/identity"
	"github.com/Mindburn-Labs/ownables/pkg/observability"
	"github.com/Mindburn-Labs/ownables/pkg/ownable"
	"github.com/Mindburn-Labs/ownables/pkg/registry"
	"github.com/Mindburn-Labs/ownables/pkg/sandbox"
	"github.com/Mindburn-Labs/ownables/pkg/store"
)

func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger := newLogger(stdout, cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		return 1
	}
	return 0
}

// closers runs cleanup functions in reverse order.
type closers []func()

func (c closers) run() {
	for i := len(c) - 1; i >= 0; i-- {
		c[i]()
	}
}

//nolint:gocyclo
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	var cleanup closers
	defer cleanup.run()

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return fmt.Errorf("data dir: %w", err)
	}

	otel, err := observability.New(ctx, &observability.Config{
		ServiceName:    "ownables",
		ServiceVersion: Version,
		Environment:    "production",
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
		BatchTimeout:   5 * time.Second,
		MetricInterval: 15 * time.Second,
		Enabled:        cfg.Telemetry.Enabled,
		Insecure:       true,
	})
	if err != nil {
		return err
	}
	cleanup = append(cleanup, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = otel.Shutdown(shutdownCtx)
	})
	metrics := observability.Default()

	blobs, err := artifacts.New(ctx, cfg.Artifacts)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	chains, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeStore)

	dumps, closeCache, err := openCache(ctx, cfg, chains, logger)
	if err != nil {
		return err
	}
	cleanup = append(cleanup, closeCache)

	wasi, err := sandbox.NewWASIRuntime(ctx, cfg.Limits())
	if err != nil {
		return fmt.Errorf("wasi runtime: %w", err)
	}
	cleanup = append(cleanup, func() { _ = wasi.Close(context.Background()) })
	loader := sandbox.NewLoader(blobs, wasi)

	reg := registry.NewFSRegistry(cfg.PackagesDir, blobs)
	if _, err := reg.Load(ctx); err != nil {
		logger.Warn("some packages failed to load", "error", err)
	}
	go func() {
		err := reg.Watch(ctx, func(pkgs []*registry.Package) {
			logger.Info("packages reloaded", "count", len(pkgs))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("package watch stopped", "error", err)
		}
	}()
	filter, err := registry.NewFilter()
	if err != nil {
		return err
	}

	account, err := loadAccount(cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("account ready", "address", account.Address(), "network", string(account.Network()))

	manager := ownable.NewManager(account, reg, loader, chains, dumps,
		ownable.WithLogger(logger.With("component", "ownable")),
		ownable.WithInstruments(metrics),
		ownable.WithBridgeTimeout(cfg.Sandbox.Timeout),
	)
	cleanup = append(cleanup, manager.Close)
	if err := manager.LoadAll(ctx); err != nil {
		logger.Warn("some ownables failed to load", "error", err)
	}
	logger.Info("ownables loaded", "count", len(manager.List()))

	opts := []api.Option{
		api.WithLogger(logger.With("component", "api")),
		api.WithInstruments(metrics),
		api.WithVersion(Version),
	}
	if cfg.API.JWTSecret != "" {
		opts = append(opts, api.WithAuth(api.NewJWTValidator(cfg.API.JWTSecret)))
	} else {
		logger.Warn("JWT_SECRET not set; API authentication disabled")
	}
	if cfg.API.RateLimit > 0 {
		opts = append(opts, api.WithRateLimiter(api.NewRateLimiter(ctx, cfg.API.RateLimit, cfg.API.RateBurst)))
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewServer(manager, reg, filter, opts...).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutting down")
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func openStore(ctx context.Context, cfg *config.Config) (store.ChainStore, func(), error) {
	switch cfg.Store.Backend {
	case config.StoreMemory:
		return store.NewMemoryStore(), func() {}, nil
	case config.StorePostgres:
		s, err := store.OpenPostgres(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Store.DSN), 0o750); err != nil {
			return nil, nil, fmt.Errorf("sqlite dir: %w", err)
		}
		s, err := store.OpenSQLite(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
}

func openCache(ctx context.Context, cfg *config.Config, chains store.ChainStore, logger *slog.Logger) (cache.Cache, func(), error) {
	switch cfg.Cache.Backend {
	case config.CacheMemory:
		return cache.NewMemoryCache(), func() {}, nil
	case config.CacheRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.Cache.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		c := cache.NewRedisCache(client, cfg.Cache.TTL, cache.WithRedisLogger(logger.With("component", "cache")))
		return c, func() { _ = client.Close() }, nil
	default:
		return cache.NewStoreCache(chains), func() {}, nil
	}
}

// loadAccount derives the account from the configured seed, or from a seed
// kept in the data dir that is generated on first start.
func loadAccount(cfg *config.Config, logger *slog.Logger) (*identity.Account, error) {
	if cfg.AccountSeed != "" {
		return identity.NewAccount([]byte(cfg.AccountSeed), cfg.NetworkID())
	}

	path := filepath.Join(cfg.DataDir, "account.seed")
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		seed, err := hex.DecodeString(string(data))
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", path, err)
		}
		return identity.NewAccount(seed, cfg.NetworkID())
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	seed := make([]byte, 32)
	if _, err := rand.Read(seed); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(seed)), 0o600); err != nil {
		return nil, fmt.Errorf("save %s: %w", path, err)
	}
	logger.Warn("generated a new account seed", "path", path)
	return identity.NewAccount(seed, cfg.NetworkID())
}
