package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"connectrpc.com/connect"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/travisim/farmify/internal/auditlog"
	"github.com/travisim/farmify/internal/auth"
	"github.com/travisim/farmify/internal/config"
	"github.com/travisim/farmify/internal/docstore"
	"github.com/travisim/farmify/internal/lock"
	"github.com/travisim/farmify/internal/middleware"
	"github.com/travisim/farmify/internal/money"
	"github.com/travisim/farmify/internal/service"
	"github.com/travisim/farmify/internal/settlement"
	"github.com/travisim/farmify/internal/storage/sqlite"
	"github.com/travisim/farmify/internal/transfer"
	"github.com/travisim/farmify/pkg/api/apiconnect"
	"github.com/travisim/farmify/pkg/logging"
)

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func main() {
	cfg, err := config.Load(getEnv("FARMIFY_CONFIG", "./farmify.yaml"))
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logging.Setup(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, &cfg); err != nil {
		slog.Error("Server failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret (JWT_SECRET) is required")
	}

	// closers run in reverse order on shutdown
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i].Close()
		}
	}()

	// Initialize SQLite storage
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	closers = append(closers, store)
	slog.Info("Storage initialized", "database", cfg.Database.Path)

	documents, err := newDocumentStore(ctx, cfg)
	if err != nil {
		return err
	}

	keys, err := auditlog.NewKeyring(cfg.AuditLedger.Signers, cfg.AuditLedger.SignerSecret)
	if err != nil {
		return fmt.Errorf("failed to load audit signers: %w", err)
	}
	audit, err := newAuditLedger(cfg, keys, &closers)
	if err != nil {
		return err
	}

	transfers, err := newTransferLedger(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	locker, err := newLocker(ctx, cfg, &closers)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts, err := settlement.OptionsFromConfig(cfg)
	if err != nil {
		return err
	}
	engine, err := settlement.New(settlement.Deps{
		Store:     store,
		Documents: documents,
		Audit:     audit,
		Transfers: transfers,
		Locker:    locker,
		Metrics:   settlement.NewMetrics(registry),
		Logger:    slog.Default().With("component", "settlement"),
	}, opts)
	if err != nil {
		return err
	}

	jwtManager := auth.NewJWTManager(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL())
	authenticator := auth.NewPasswordAuthenticator(store)
	if admin := cfg.Auth.BootstrapAdmin; admin.Email != "" {
		user, created, err := authenticator.EnsureAdmin(ctx, admin.Email, admin.Password, admin.Identity)
		if err != nil {
			return fmt.Errorf("failed to bootstrap admin: %w", err)
		}
		slog.Info("Bootstrap admin ready", "user_id", user.ID, "created", created)
	}

	mux := http.NewServeMux()
	logger := slog.Default().With("component", "rpc")

	// Register Connect services
	settlementPath, settlementHandler := apiconnect.NewSettlementServiceHandler(
		service.NewSettlementService(engine, logger),
		connect.WithInterceptors(middleware.RequireAuth(jwtManager), middleware.LoggingInterceptor(logger)),
	)
	mux.Handle(settlementPath, settlementHandler)

	authPath, authHandler := apiconnect.NewAuthServiceHandler(
		service.NewAuthService(authenticator, store, jwtManager, logger),
		connect.WithInterceptors(middleware.OptionalAuth(jwtManager), middleware.LoggingInterceptor(logger)),
	)
	mux.Handle(authPath, authHandler)

	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	// Add logging and CORS middleware
	loggedHandler := loggingMiddleware(corsMiddleware(mux))

	// Wrap with h2c for HTTP/2 without TLS (required for Connect)
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           h2c.NewHandler(loggedHandler, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Connect server starting", "address", server.Addr, "url", fmt.Sprintf("http://localhost%s", server.Addr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func newDocumentStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	if cfg.DocumentStore.Backend == config.BackendMinio {
		store, err := docstore.NewMinio(ctx, cfg.DocumentStore.Minio, cfg.DocumentStore.MaxObjectBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize document store: %w", err)
		}
		slog.Info("Document store initialized", "backend", "minio", "endpoint", cfg.DocumentStore.Minio.Endpoint, "bucket", cfg.DocumentStore.Minio.Bucket)
		return store, nil
	}
	slog.Warn("Using in-memory document store; evidence is lost on restart")
	return docstore.NewMemory(cfg.DocumentStore.MaxObjectBytes), nil
}

func newAuditLedger(cfg *config.Config, keys auditlog.Keyring, closers *[]io.Closer) (auditlog.Ledger, error) {
	if cfg.AuditLedger.Backend == config.BackendNATS {
		ledger, err := auditlog.NewJetStream(cfg.AuditLedger.NATS, keys, cfg.AuditLedger.MaxPayloadBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize audit ledger: %w", err)
		}
		*closers = append(*closers, ledger)
		slog.Info("Audit ledger initialized", "backend", "nats", "stream", cfg.AuditLedger.NATS.Stream)
		return ledger, nil
	}
	slog.Warn("Using in-memory audit ledger; records are lost on restart")
	return auditlog.NewMemory(keys, cfg.AuditLedger.MaxPayloadBytes), nil
}

func newTransferLedger(ctx context.Context, cfg *config.Config, closers *[]io.Closer) (transfer.Ledger, error) {
	accounts := make([]money.Money, len(cfg.TransferLedger.Accounts))
	for i, a := range cfg.TransferLedger.Accounts {
		amount := decimal.Zero
		if a.Balance != "" {
			amount = decimal.RequireFromString(a.Balance) // checked by config.Validate
		}
		accounts[i] = money.Money{Amount: amount, Asset: a.Asset}
	}

	if cfg.TransferLedger.Backend == config.BackendPostgres {
		ledger, err := transfer.NewPostgres(ctx, cfg.TransferLedger.Postgres.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize transfer ledger: %w", err)
		}
		*closers = append(*closers, ledger)
		for i, a := range cfg.TransferLedger.Accounts {
			if err := ledger.Provision(ctx, a.Identity, accounts[i]); err != nil {
				return nil, fmt.Errorf("failed to provision %s: %w", a.Identity, err)
			}
		}
		slog.Info("Transfer ledger initialized", "backend", "postgres", "accounts", len(accounts))
		return ledger, nil
	}

	ledger := transfer.NewMemory()
	for i, a := range cfg.TransferLedger.Accounts {
		ledger.Provision(a.Identity, accounts[i])
	}
	slog.Warn("Using in-memory transfer ledger", "accounts", len(accounts))
	return ledger, nil
}

func newLocker(ctx context.Context, cfg *config.Config, closers *[]io.Closer) (lock.Locker, error) {
	if cfg.Lock.Backend == config.BackendRedis {
		locker := lock.NewRedis(cfg.Lock.Redis, cfg.Lock.TTL())
		*closers = append(*closers, locker)
		if err := locker.Ping(ctx); err != nil {
			return nil, fmt.Errorf("failed to reach redis: %w", err)
		}
		slog.Info("Project lock initialized", "backend", "redis", "addr", cfg.Lock.Redis.Addr)
		return locker, nil
	}
	return lock.NewMemory(), nil
}

// loggingMiddleware logs all incoming requests
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		slog.Debug("Request received",
			"method", r.Method,
			"path", r.URL.Path,
			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
		)

		next.ServeHTTP(w, r)

		slog.Debug("Request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

// corsMiddleware adds CORS headers for browser access
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, Connect-Protocol-Version, Connect-Timeout-Ms")
		w.Header().Set("Access-Control-Expose-Headers", "Connect-Protocol-Version, Connect-Timeout-Ms")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
