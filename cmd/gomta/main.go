// Command gomta runs the mail transfer agent: the SMTP edge, the
// optional HTTP submission edge, the durable queue, and the MX relay
// manager wired together from internal/config.
//
// Grounded on the teacher's cmd/server (flag-free env-driven startup,
// a context cancelled on SIGINT/SIGTERM, a bounded shutdown grace
// period) generalized from a single HTTP listener to several. On
// shutdown the cancelled context stops the HTTP edge and the queue's
// dispatch loop; run then marks the process not ready, drains the SMTP
// edge and shuts down the admin listener. In-flight deliveries are not
// waited for.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"

	"github.com/webrana/gomta/internal/config"
	"github.com/webrana/gomta/internal/edge"
	"github.com/webrana/gomta/internal/envelope"
	"github.com/webrana/gomta/internal/health"
	"github.com/webrana/gomta/internal/httpedge"
	"github.com/webrana/gomta/internal/logger"
	"github.com/webrana/gomta/internal/metrics"
	"github.com/webrana/gomta/internal/policy"
	"github.com/webrana/gomta/internal/queue"
	"github.com/webrana/gomta/internal/relay"
	"github.com/webrana/gomta/internal/reply"
	"github.com/webrana/gomta/internal/smtpclient"
	"github.com/webrana/gomta/internal/smtpserver"
	"github.com/webrana/gomta/internal/storage"
	"github.com/webrana/gomta/internal/storage/ondisk"
	"github.com/webrana/gomta/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "gomta: config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		AddSource: cfg.Logging.AddSource,
	})
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("gomta: exiting", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	store, closeStore, err := buildStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer closeStore()

	var redisClient *redis.Client
	var mxCache relay.MXCache
	if cfg.Relay.SharedMXCacheRedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.Relay.SharedMXCacheRedisAddr})
		mxCache = relay.NewRedisMXCache(redisClient, "gomta:mx:")
		defer redisClient.Close()
	}

	resolver := relay.NewDNSResolver(cfg.Relay.DNSServer)
	relayManager := relay.NewManager(relay.Config{
		ConcurrentConnections: cfg.Relay.ConcurrentConnectionsPerDest,
		IdleTimeout:           cfg.Relay.IdleTimeout,
		ClientConfig: smtpclient.Config{
			LocalName:      cfg.SMTP.Hostname,
			ConnectTimeout: cfg.Relay.ConnectTimeout,
			CommandTimeout: cfg.Relay.CommandTimeout,
			DataTimeout:    cfg.Relay.DataTimeout,
			IdleTimeout:    cfg.Relay.IdleTimeout,
		},
	}, resolver, mxCache)

	engine := queue.New(store, relayerAdapter{relayManager}, generateBounce, queue.Config{
		Backoff:       queue.ExponentialBackoff(cfg.Queue.InitialRetryInterval, cfg.Queue.RetryBackoffFactor, cfg.Queue.MaxAttempts),
		DispatchLimit: cfg.Queue.DispatchLimit,
	}, log)

	policies := buildPolicies(cfg.Policy)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := engine.LoadPending(ctx); err != nil {
		return fmt.Errorf("queue: load pending: %w", err)
	}
	go engine.Run(ctx)

	tlsConfig, err := edge.TLSConfigFromCertPair(cfg.SMTP.TLSCertFile, cfg.SMTP.TLSKeyFile)
	if err != nil {
		return fmt.Errorf("smtp tls: %w", err)
	}

	smtpSrv := edge.NewServer(edge.Config{
		ListenAddr:          cfg.Server.ListenAddr,
		MaxConnections:      cfg.Server.MaxConnections,
		MaxConnectionsPerIP: cfg.Server.MaxConnectionsPerIP,
		ProxyProtocol:       cfg.Server.ProxyProtocol,
		SMTP: smtpserver.Config{
			Hostname:          cfg.SMTP.Hostname,
			MaxMessageSize:    cfg.SMTP.MaxMessageSize,
			MaxRecipients:     cfg.SMTP.MaxRecipients,
			SessionTimeout:    cfg.SMTP.SessionTimeout,
			TLSConfig:         tlsConfig,
			AuthMechanisms:    cfg.SMTP.AuthMechanisms,
			RequireTLSForAuth: cfg.SMTP.RequireTLSForAuth,
		},
	}, smtpserver.NopValidator{}, edge.NewQueueEnqueuer(engine, policies), uuid.NewString, log)

	healthHandler := health.NewHandler(health.Config{
		Store:       store,
		Resolver:    resolver,
		RedisClient: redisClient,
		Version:     "gomta",
	})
	edgeHealthHandler := health.NewEdgeHandler(health.EdgeHandlerConfig{
		Edge:        smtpSrv,
		EHLOChecker: smtpSrv,
		Hostname:    cfg.SMTP.Hostname,
	})

	adminMux := http.NewServeMux()
	adminMux.HandleFunc("/healthz", healthHandler.Health)
	adminMux.HandleFunc("/readyz", healthHandler.Readiness)
	adminMux.HandleFunc("/livez", healthHandler.Liveness)
	adminMux.HandleFunc("/healthz/smtp", edgeHealthHandler.EdgeHealth)
	adminMux.Handle("/metrics", metrics.Handler())
	adminSrv := &http.Server{Addr: cfg.Server.AdminListenAddr, Handler: adminMux}

	var httpSrv *httpedge.Server
	if cfg.HTTP.Enabled {
		httpSrv = httpedge.NewServer(httpedge.Config{
			ListenAddr:         cfg.HTTP.ListenAddr,
			Hostname:           cfg.SMTP.Hostname,
			MaxMessageSize:     cfg.HTTP.MaxMessageSize,
			JWTSigningKey:      cfg.HTTP.JWTSigningKey,
			JWTIssuer:          cfg.HTTP.JWTIssuer,
			AllowedOrigins:     cfg.HTTP.AllowedOrigins,
			RateLimitPerMinute: cfg.HTTP.RateLimitPerMinute,
		}, engine, policies, healthHandler, log)
	}

	errCh := make(chan error, 3)
	go func() {
		if err := smtpSrv.ListenAndServe(ctx); err != nil {
			errCh <- fmt.Errorf("smtp edge: %w", err)
		}
	}()
	go func() {
		if err := adminSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()
	if httpSrv != nil {
		go func() {
			if err := httpSrv.ListenAndServe(ctx); err != nil {
				errCh <- fmt.Errorf("http edge: %w", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		log.Info("gomta: shutdown signal received")
	case err := <-errCh:
		log.Error("gomta: listener failed", "error", err)
		cancel()
	}

	healthHandler.SetReady(false)
	smtpSrv.Drain(cfg.Server.ShutdownGrace)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	adminSrv.Shutdown(shutdownCtx)

	return nil
}

// relayerAdapter adapts *relay.Manager's concrete relay.Result return
// value to queue.Result, since internal/queue deliberately avoids
// importing internal/relay (spec.md §9's message-passing discipline).
type relayerAdapter struct {
	manager *relay.Manager
}

func (a relayerAdapter) DeliverEnvelope(ctx context.Context, e *envelope.Envelope) (queue.Result, error) {
	return a.manager.DeliverEnvelope(ctx, e)
}

// generateBounce adapts relay.GenerateBounce (which wants each
// recipient's classified reply) to queue.BounceGenerator (which only
// carries the failed recipient addresses, per the message-passing
// discipline that keeps internal/queue from importing internal/relay):
// synthesizes a generic permanent-failure reply per recipient since the
// queue no longer has the original relay.RecipientOutcome in hand.
func generateBounce(original *envelope.Envelope, failedRecipients []string) (*envelope.Envelope, bool) {
	outcomes := make([]relay.RecipientOutcome, len(failedRecipients))
	for i, rcpt := range failedRecipients {
		outcomes[i] = relay.RecipientOutcome{
			Recipient: rcpt,
			Permanent: true,
			Reply:     reply.New(550, "delivery failed after repeated attempts"),
		}
	}
	return relay.GenerateBounce(original, outcomes)
}

func buildStorage(cfg config.StorageConfig) (storage.Storage, func(), error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.PostgresDSN)
		if err != nil {
			return nil, func() {}, fmt.Errorf("connect: %w", err)
		}
		if db, err := sql.Open("pgx", cfg.PostgresDSN); err == nil {
			migErr := postgres.Migrate(db)
			db.Close()
			if migErr != nil {
				pool.Close()
				return nil, func() {}, fmt.Errorf("migrate: %w", migErr)
			}
		}
		store := postgres.New(pool)

		collector := metrics.NewDBStatsCollector(pool, nil, nil)
		collector.Start(15 * time.Second)
		return store, func() {
			collector.Stop()
			pool.Close()
		}, nil
	default:
		store, err := ondisk.New(cfg.OnDiskDir)
		if err != nil {
			return nil, func() {}, err
		}
		return store, func() {}, nil
	}
}

func buildPolicies(cfg config.PolicyConfig) []policy.Policy {
	var policies []policy.Policy
	if cfg.AddReceivedHeader {
		policies = append(policies, policy.AddReceivedHeader{})
	}
	if cfg.AddDateHeader {
		policies = append(policies, policy.AddDateHeader{})
	}
	if cfg.AddMessageIDHeader {
		policies = append(policies, policy.AddMessageIdHeader{})
	}
	if cfg.SplitRecipients {
		policies = append(policies, policy.RecipientSplit{})
	}
	return policies
}
