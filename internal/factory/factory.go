package factory

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"edge-guard/internal/audit"
	"edge-guard/internal/client"
	"edge-guard/internal/config"
	"edge-guard/internal/metrics"
	"edge-guard/internal/middleware"
	"edge-guard/internal/ratelimit"
	redisrepo "edge-guard/internal/repository/redis"
	"edge-guard/internal/secrets"
	"edge-guard/internal/util"
	"edge-guard/internal/webhook"
)

// Factory manages the lifecycle of all application dependencies
type Factory struct {
	config *config.Config

	// Clients
	redisClient      *client.RedisClient
	kafkaProducer    *client.KafkaProducer
	clickhouseClient *client.ClickHouseClient
	secrets          *secrets.Manager

	// Rate limiting
	metrics   *metrics.Metrics
	registry  *ratelimit.Registry
	store     ratelimit.Store
	limiter   *ratelimit.Limiter
	protector *middleware.Protector

	// Webhooks and audit
	recorder      *audit.Recorder
	replayGuard   webhook.ReplayGuard
	webhookSecret string
	intake        *webhook.Intake

	closeOnce sync.Once
	closed    chan struct{}
}

// NewFactory loads configuration from the environment and builds everything
// on top of it.
func NewFactory() (*Factory, error) {
	cfg := config.LoadConfig()
	util.Init(cfg.Environment, cfg.Logging.Level, cfg.Logging.Format)
	return New(cfg)
}

// New builds all dependencies from cfg.
func New(cfg *config.Config) (*Factory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	f := &Factory{
		config:  cfg,
		closed:  make(chan struct{}),
		metrics: metrics.New(),
	}

	if err := f.initializeClients(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize clients: %w", err)
	}

	f.initializeAudit()
	f.initializeRateLimiting()

	if err := f.initializeWebhooks(); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to initialize webhook intake: %w", err)
	}

	util.Info("Factory initialized successfully",
		util.String("environment", cfg.Environment),
		util.String("counting_store", f.store.Name()),
		util.Bool("kafka_enabled", f.kafkaProducer != nil),
		util.Bool("clickhouse_enabled", f.clickhouseClient != nil),
		util.Bool("kms_enabled", f.secrets != nil),
	)

	return f, nil
}

// initializeClients initializes all external service clients with health checks
func (f *Factory) initializeClients() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var initErrors []error

	// Redis
	if f.config.Redis.Enabled {
		if c, err := client.NewRedisClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("redis: %w", err))
		} else {
			f.redisClient = c
			util.Info("Redis client initialized and healthy")
		}
	}

	// Kafka
	if f.config.Kafka.Enabled {
		if producer, err := client.NewKafkaProducer(f.config); err != nil {
			util.Warn("Kafka producer initialization failed - proceeding without Kafka", util.ErrorField(err))
		} else {
			f.kafkaProducer = producer
			util.Info("Kafka producer initialized")
		}
	}

	// ClickHouse
	if f.config.Clickhouse.Enabled {
		if c, err := client.NewClickHouseClient(f.config); err != nil {
			initErrors = append(initErrors, fmt.Errorf("clickhouse: %w", err))
		} else {
			f.clickhouseClient = c
			util.Info("ClickHouse client initialized and healthy")
		}
	}

	// KMS
	if f.config.KMS.Enabled {
		kmsClient, err := client.NewKMSClient(f.config)
		if err != nil {
			// The webhook secret may depend on it.
			return fmt.Errorf("kms: %w", err)
		}
		f.secrets = secrets.NewManager(kmsClient, f.config.KMS.KeyID)
		util.Info("KMS client initialized")
	}

	if len(initErrors) > 0 {
		if f.config.IsProduction() {
			return fmt.Errorf("critical service initialization failed: %v", initErrors)
		}
		for _, err := range initErrors {
			util.Warn("Service initialization warning", util.ErrorField(err))
		}
	}

	var err error
	f.webhookSecret, err = secrets.ResolveWebhookSecret(ctx, f.config.Webhook, f.secrets)
	return err
}

func (f *Factory) initializeAudit() {
	var sinks audit.MultiSink

	if f.kafkaProducer != nil {
		sinks = append(sinks, audit.NewKafkaSink(f.kafkaProducer))
	}

	if f.clickhouseClient != nil {
		sink, err := audit.NewClickHouseSink(f.clickhouseClient, f.config.Clickhouse.Table)
		if err != nil {
			util.Warn("ClickHouse audit sink disabled", util.ErrorField(err))
		} else {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := sink.EnsureTable(ctx); err != nil {
				util.Warn("Failed to ensure ClickHouse audit table", util.ErrorField(err))
			}
			cancel()
			sinks = append(sinks, sink)
		}
	}

	var sink audit.Sink = audit.NopSink{}
	if len(sinks) > 0 {
		sink = sinks
	}
	f.recorder = audit.NewRecorder(sink, util.Named("audit"),
		audit.WithDropHook(f.metrics.AuditDropped.Inc))
}

func (f *Factory) initializeRateLimiting() {
	f.registry = ratelimit.DefaultRegistry()

	memory := ratelimit.NewMemoryStore(
		ratelimit.WithCleanupProbability(f.config.RateLimit.CleanupProbability),
	)
	f.store = memory
	if f.redisClient != nil {
		durable := redisrepo.NewRateLimitStore(f.redisClient,
			redisrepo.WithKeyPrefix(f.config.RateLimit.KeyPrefix),
			redisrepo.WithTxRetries(f.config.RateLimit.TxRetries))
		f.store = ratelimit.NewFallbackStore(durable, memory, util.Named("ratelimit"),
			ratelimit.WithFallbackHook(func(primary string, _ error) {
				f.metrics.Fallbacks.WithLabelValues(primary).Inc()
			}))
	}

	f.limiter = ratelimit.NewLimiter(f.store,
		ratelimit.WithLogger(util.Named("ratelimit")),
		ratelimit.WithObserver(func(p ratelimit.Policy, d ratelimit.Decision) {
			f.metrics.ObserveDecision(p.Name, string(p.Algorithm), d.Allowed)
		}),
	)

	ids := ratelimit.IdentifierGenerator{TrustForwarded: f.config.RateLimit.TrustForwarded}
	if secret := f.config.RateLimit.JWTSecret; secret != "" {
		ids.Keyfunc = ratelimit.HMACKeyfunc([]byte(secret))
		ids.ValidMethods = []string{"HS256", "HS384", "HS512"}
	} else {
		util.Warn("RATE_LIMIT_JWT_SECRET not set, bearer token claims are read unverified")
	}

	f.protector = middleware.NewProtector(f.limiter, f.registry, ids,
		middleware.WithLogger(util.Named("middleware")),
		middleware.WithAuditRecorder(f.recorder),
		middleware.WithFaultHook(func(error) { f.metrics.MiddlewareFaults.Inc() }),
	)
}

func (f *Factory) initializeWebhooks() error {
	wc := f.config.Webhook

	var guard webhook.ReplayGuard = webhook.NewMemoryReplayGuard(wc.ReplayRetention, nil)
	if f.redisClient != nil {
		guard = webhook.NewFallbackReplayGuard(
			redisrepo.NewReplayStore(f.redisClient, wc.ReplayRetention),
			guard,
			util.Named("webhook"),
		)
	}
	f.replayGuard = guard

	intake, err := webhook.NewIntake(webhook.IntakeConfig{
		Secret:   f.webhookSecret,
		Verifier: webhook.Verifier{Tolerance: wc.Tolerance},
		Guard:    guard,
		Headers: webhook.HeaderNames{
			Signature: wc.SignatureHeader,
			Timestamp: wc.TimestampHeader,
			ID:        wc.IDHeader,
		},
		MaxBodyBytes:   wc.MaxBodyBytes,
		AllowedOrigins: wc.AllowedOrigins,
		Logger:         util.Named("webhook"),
		Observer:       f.observeWebhook,
	})
	if err != nil {
		return err
	}
	f.intake = intake
	return nil
}

func (f *Factory) observeWebhook(r *http.Request, id string, outcome webhook.Outcome) {
	f.metrics.WebhookOutcomes.WithLabelValues(string(outcome)).Inc()

	typ := audit.WebhookRejected
	if outcome == webhook.OutcomeAccepted {
		typ = audit.WebhookAccepted
	}
	f.recorder.Record(audit.Event{
		Type:       typ,
		Source:     "webhook",
		Identifier: id,
		Outcome:    string(outcome),
		RemoteAddr: r.RemoteAddr,
	})
}

// ==============================
// Health Checks
// ==============================

func (f *Factory) HealthCheck(ctx context.Context) map[string]error {
	healthErrors := make(map[string]error)

	if f.redisClient != nil {
		if err := f.redisClient.HealthCheck(ctx); err != nil {
			healthErrors["redis"] = err
		}
	} else if f.config.Redis.Enabled {
		healthErrors["redis"] = fmt.Errorf("redis client not initialized")
	}

	if f.clickhouseClient != nil {
		if err := f.clickhouseClient.HealthCheck(ctx); err != nil {
			healthErrors["clickhouse"] = err
		}
	}

	if f.kafkaProducer != nil {
		if err := f.kafkaProducer.HealthCheck(ctx); err != nil {
			healthErrors["kafka"] = err
		}
	}

	if f.limiter == nil {
		healthErrors["limiter"] = fmt.Errorf("limiter not initialized")
	}
	if f.intake == nil {
		healthErrors["webhook_intake"] = fmt.Errorf("webhook intake not initialized")
	}

	return healthErrors
}

// IsHealthy ignores the audit sinks and Redis: both degrade without
// rejecting traffic.
func (f *Factory) IsHealthy(ctx context.Context) bool {
	healthErrors := f.HealthCheck(ctx)
	delete(healthErrors, "kafka")
	delete(healthErrors, "clickhouse")
	delete(healthErrors, "redis")
	return len(healthErrors) == 0
}

func (f *Factory) Close() error {
	f.closeOnce.Do(func() {
		close(f.closed)
		util.Info("Shutting down factory...")

		if f.recorder != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := f.recorder.Close(ctx); err != nil {
				util.Error("Failed to flush audit events", util.ErrorField(err))
			} else {
				util.Info("Audit recorder flushed")
			}
			cancel()
		}

		if f.clickhouseClient != nil {
			if err := f.clickhouseClient.Close(); err != nil {
				util.Error("Failed to close ClickHouse client", util.ErrorField(err))
			} else {
				util.Info("ClickHouse client closed")
			}
		}

		if f.kafkaProducer != nil {
			if err := f.kafkaProducer.Close(); err != nil {
				util.Error("Failed to close Kafka producer", util.ErrorField(err))
			} else {
				util.Info("Kafka producer closed")
			}
		}

		if f.redisClient != nil {
			if err := f.redisClient.Close(); err != nil {
				util.Error("Failed to close Redis client", util.ErrorField(err))
			} else {
				util.Info("Redis client closed")
			}
		}

		util.Info("Factory shutdown completed")
		util.Sync()
	})

	return nil
}

func (f *Factory) WaitForClose() {
	<-f.closed
}

func (f *Factory) Config() *config.Config {
	return f.config
}

func (f *Factory) Metrics() *metrics.Metrics {
	return f.metrics
}

func (f *Factory) Registry() *ratelimit.Registry {
	return f.registry
}

func (f *Factory) Store() ratelimit.Store {
	return f.store
}

func (f *Factory) Limiter() *ratelimit.Limiter {
	return f.limiter
}

func (f *Factory) Protector() *middleware.Protector {
	return f.protector
}

func (f *Factory) Intake() *webhook.Intake {
	return f.intake
}

func (f *Factory) ReplayGuard() webhook.ReplayGuard {
	return f.replayGuard
}

func (f *Factory) AuditRecorder() *audit.Recorder {
	return f.recorder
}

func (f *Factory) Secrets() *secrets.Manager {
	return f.secrets
}
