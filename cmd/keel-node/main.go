// Command keel-node runs a release-orchestration node: the HTTP request
// surface, the hash-chained audit log, the multisig coordinator, the publish
// driver, and the background scheduler, all over one Postgres database (or a
// local SQLite file in lite mode).
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/Mindburn-Labs/keel/pkg/api"
	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/auth"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/pkg/manifest"
	"github.com/Mindburn-Labs/keel/pkg/multisig"
	"github.com/Mindburn-Labs/keel/pkg/objstore"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/pack"
	"github.com/Mindburn-Labs/keel/pkg/policy"
	"github.com/Mindburn-Labs/keel/pkg/publish"
	"github.com/Mindburn-Labs/keel/pkg/scheduler"
	"github.com/Mindburn-Labs/keel/pkg/signing"

	_ "github.com/lib/pq"  // Postgres driver
	_ "modernc.org/sqlite" // SQLite driver for lite mode
)

func main() {
	runServer()
}

//nolint:gocognit,gocyclo
func runServer() {
	ctx := context.Background()
	cfg := config.Load()

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	log.Println("[keel] node starting")

	// Database. Without DATABASE_URL the node runs lite mode on a local
	// SQLite file so dev and e2e setups stay zero-config.
	driver, dsn := cfg.DatabaseDriver, cfg.DatabaseURL
	if dsn == "" {
		log.Println("[keel] DATABASE_URL not set: lite mode (sqlite at data/keel.db)")
		if err := os.MkdirAll("data", 0o750); err != nil {
			log.Fatalf("[keel] create data dir: %v", err)
		}
		driver, dsn = "sqlite", "data/keel.db"
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		log.Fatalf("[keel] open database: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		log.Fatalf("[keel] database ping: %v", err)
	}
	log.Printf("[keel] database: connected (%s)", driver)

	packStore := pack.NewSQLStore(db)
	manifestStore := manifest.NewSQLStore(db)
	upgradeStore := multisig.NewSQLStore(db)
	publishStore := publish.NewSQLStore(db, publish.Dialect(driver))
	auditStore := audit.NewSQLStore(db, audit.Dialect(driver))

	inits := []struct {
		name string
		init func(context.Context) error
	}{
		{"package", packStore.Init},
		{"manifest", manifestStore.Init},
		{"upgrade", upgradeStore.Init},
		{"publish", publishStore.Init},
		{"audit", auditStore.Init},
	}
	for _, s := range inits {
		if err := s.init(ctx); err != nil {
			log.Fatalf("[keel] init %s store: %v", s.name, err)
		}
	}
	log.Println("[keel] stores: ready")

	var idem idempotency.Store
	if cfg.RedisAddr != "" {
		r := idempotency.NewRedisStore(cfg.RedisAddr, "", 0, cfg.IdempotencyTTL)
		if err := r.Ping(ctx); err != nil {
			log.Fatalf("[keel] redis ping: %v", err)
		}
		idem = r
		log.Println("[keel] idempotency: redis")
	} else {
		s := idempotency.NewSQLStore(db)
		if err := s.Init(ctx); err != nil {
			log.Fatalf("[keel] init idempotency store: %v", err)
		}
		idem = s
	}

	// Signing. Production nodes front an external signer over the proxy
	// gateway; the in-process HKDF keyring only exists when no REQUIRE_*
	// flag is set.
	var signer signing.Gateway
	if cfg.RequireKMS || cfg.RequireSigningProxy {
		if cfg.SigningProxyURL == "" {
			log.Fatal("[keel] REQUIRE_KMS/REQUIRE_SIGNING_PROXY set but SIGNING_PROXY_URL is empty")
		}
		gw, err := signing.NewProxyGateway(signing.ProxyConfig{
			BaseURL:        cfg.SigningProxyURL,
			CACertFile:     cfg.SigningCACert,
			ClientCertFile: cfg.SigningClientCert,
			ClientKeyFile:  cfg.SigningClientKey,
		}, logger)
		if err != nil {
			log.Fatalf("[keel] signing proxy: %v", err)
		}
		if err := gw.Probe(ctx); err != nil {
			log.Fatalf("[keel] signing proxy unreachable: %v", err)
		}
		signer = gw
		log.Println("[keel] signing: proxy gateway")
	} else {
		if cfg.Production() {
			logger.Warn("production environment without a signing proxy; the in-process dev keyring is active")
		}
		signer = signing.NewLocalSigner([]byte(cfg.LocalSignerSeed))
		log.Println("[keel] signing: local dev keyring")
	}

	registry := signing.NewRegistry()
	if cfg.SignerRegistryPath != "" {
		registry, err = signing.LoadRegistry(cfg.SignerRegistryPath)
		if err != nil {
			log.Fatalf("[keel] load signer registry: %v", err)
		}
		log.Printf("[keel] signer registry: %s", cfg.SignerRegistryPath)
	} else if cfg.RequireKMS || cfg.RequireSigningProxy {
		log.Fatal("[keel] a signing proxy requires SIGNER_REGISTRY_PATH for verification keys")
	}
	if local, ok := signer.(*signing.LocalSigner); ok {
		for _, kid := range []string{cfg.ManifestSignerKid, cfg.AuditSignerKid} {
			if err := local.Register(registry, kid, time.Now()); err != nil {
				log.Fatalf("[keel] register dev key %s: %v", kid, err)
			}
		}
	}

	inner, err := policy.NewGate(cfg)
	if err != nil {
		log.Fatalf("[keel] policy gate: %v", err)
	}
	log.Printf("[keel] policy: %s backend", cfg.PolicyBackend)

	tel, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Environment,
		OTLPEndpoint:   cfg.OTelEndpoint,
		SampleRate:     1.0,
		Enabled:        cfg.OTelEnabled,
		Insecure:       !cfg.Production(),
	})
	if err != nil {
		log.Fatalf("[keel] telemetry: %v", err)
	}
	counters, err := observability.NewCounters(tel.Meter())
	if err != nil {
		log.Fatalf("[keel] telemetry instruments: %v", err)
	}
	if cfg.OTelEnabled {
		log.Printf("[keel] telemetry: exporting to %s", cfg.OTelEndpoint)
	}

	chainOpts := []audit.ChainOption{
		audit.WithRegistry(registry),
		audit.WithMetrics(counters),
	}
	if cfg.AuditSamplingPolicyPath != "" {
		sp, err := config.LoadSamplingPolicy(cfg.AuditSamplingPolicyPath)
		if err != nil {
			log.Fatalf("[keel] audit sampling policy: %v", err)
		}
		chainOpts = append(chainOpts, audit.WithSampler(audit.NewSampler(sp)))
	}
	chain := audit.NewChain(auditStore, signer, cfg.AuditSignerKid, chainOpts...)
	gate := policy.NewAuditingGate(inner, chain, cfg.PolicyFailOpen, cfg.Production())

	var validator pack.Validator
	if cfg.ValidatorURL != "" {
		validator, err = pack.NewHTTPValidator(cfg.ValidatorURL, 0)
		if err != nil {
			log.Fatalf("[keel] validator: %v", err)
		}
		log.Printf("[keel] validator: %s", cfg.ValidatorURL)
	}
	packs, err := pack.NewService(packStore, chain, gate, validator)
	if err != nil {
		log.Fatalf("[keel] package service: %v", err)
	}

	coord, err := multisig.NewCoordinator(upgradeStore, chain, &multisig.ApproverPolicy{
		Approvers: cfg.MultisigApprovers,
		Required:  cfg.MultisigRequired,
	}, cfg.EmergencyRatificationWindow)
	if err != nil {
		log.Fatalf("[keel] multisig coordinator: %v", err)
	}
	if err := coord.RestorePolicy(ctx); err != nil {
		log.Fatalf("[keel] restore approver policy: %v", err)
	}

	// Approver-set changes ride a manifest against a dedicated target, so the
	// new policy clears the same signing and quorum gates it will enforce.
	policyTarget := cfg.ApproverPolicyTarget
	applyHook := func(ctx context.Context, target string, strategy json.RawMessage) error {
		if target != policyTarget {
			return nil
		}
		var p multisig.ApproverPolicy
		if err := json.Unmarshal(strategy, &p); err != nil {
			return fmt.Errorf("decode approver policy: %w", err)
		}
		return coord.SetPolicy(ctx, &p)
	}

	engine := manifest.NewEngine(manifestStore, packStore, chain, gate, signer, registry,
		cfg.ManifestSignerKid,
		manifest.WithUpgrades(coord),
		manifest.WithApplyHook(applyHook),
		manifest.WithMetrics(counters))

	var classify *config.ClassificationPolicy
	if cfg.PublishPolicyPath != "" {
		classify, err = config.LoadClassificationPolicy(cfg.PublishPolicyPath)
		if err != nil {
			log.Fatalf("[keel] publish classification policy: %v", err)
		}
	}
	endpoints := make(map[string]string)
	for target, base := range cfg.PublisherEndpoints {
		if base != "" {
			endpoints[target] = base
		}
	}
	var caller publish.Caller
	if len(endpoints) > 0 {
		caller, err = publish.NewHTTPCaller(endpoints, cfg.RequestTimeout)
		if err != nil {
			log.Fatalf("[keel] publisher endpoints: %v", err)
		}
		log.Printf("[keel] publishers: %d http endpoint(s)", len(endpoints))
	} else {
		caller = publish.LocalCaller{}
		log.Println("[keel] publishers: local echo (no endpoints configured)")
	}
	publisher := publish.NewDriver(publishStore, caller, chain, classify,
		publish.BackoffPolicy{Base: cfg.PublishBackoffBase, Cap: cfg.PublishBackoffCap},
		cfg.PublishMaxAttempts,
		publish.WithConcurrency(cfg.PublishConcurrency),
		publish.WithMetrics(counters))

	// The engine, the coordinator, and the driver call back into each
	// other, so the cyclic edges bind after construction.
	coord.SetManifestHook(engine)
	publisher.SetManifestHook(engine)
	engine.SetPublisher(publisher)

	blobs, err := objstore.NewStore(ctx, cfg)
	if err != nil {
		log.Fatalf("[keel] object store: %v", err)
	}
	exporter := audit.NewExporter(auditStore, blobs, cfg.AuditExportService, cfg.AuditExportBatchSize)
	log.Printf("[keel] audit export: %s every %s", cfg.ObjectStore, cfg.AuditExportEvery)

	runner := scheduler.NewRunner(cfg.ShutdownGrace,
		scheduler.ValidationPollJob(packs, cfg.ValidationPollEvery, 0),
		scheduler.PublishRetryJob(publisher, cfg.PublishRetryEvery),
		scheduler.AuditExportJob(exporter, cfg.AuditExportEvery),
		scheduler.IdempotencySweepJob(idem, cfg.IdempotencyTTL, cfg.IdempotencySweepEvery),
		scheduler.EmergencyRatificationJob(coord, cfg.EmergencyPollEvery),
	)
	if err := runner.Start(ctx); err != nil {
		log.Fatalf("[keel] scheduler: %v", err)
	}
	log.Println("[keel] scheduler: running")

	ready := []api.ReadyCheck{{Name: "database", Probe: db.PingContext}}
	if cfg.RequireKMS || cfg.RequireSigningProxy {
		ready = append(ready, api.ReadyCheck{Name: "signer", Probe: signer.Probe})
	}
	server := api.NewServer(api.Deps{
		Packages:  packs,
		Manifests: engine,
		Upgrades:  coord,
		Publisher: publisher,
		Audit:     chain,
		Ready:     ready,
		Log:       logger,
	})

	var jwt *auth.JWTValidator
	if cfg.JWTSecret != "" {
		jwt = auth.NewHMACValidator([]byte(cfg.JWTSecret))
	} else if cfg.Production() && !cfg.RequireMTLS {
		log.Fatal("[keel] production needs JWT_SECRET or REQUIRE_MTLS")
	}
	limiter := api.NewGlobalRateLimiter(cfg.RateLimitPerSec, cfg.RateLimitBurst)

	var handler http.Handler = server.Routes()
	handler = api.NewIdempotencyMiddleware(api.IdempotencyConfig{
		Store:      idem,
		BodyLimit:  cfg.IdempotencyBodyLimit,
		Production: cfg.Production(),
	})(handler)
	handler = auth.NewMiddleware(auth.MiddlewareConfig{
		Validator:   jwt,
		RequireMTLS: cfg.RequireMTLS,
		Production:  cfg.Production(),
	})(handler)
	handler = limiter.Middleware(handler)
	handler = auth.RequestIDMiddleware(handler)
	handler = otelhttp.NewHandler(handler, "keel")

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       cfg.RequestTimeout,
		WriteTimeout:      cfg.RequestTimeout,
		IdleTimeout:       2 * time.Minute,
	}
	go func() {
		log.Printf("[keel] api: listening on :%s", cfg.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("[keel] api server: %v", err)
		}
	}()

	log.Println("[keel] ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("[keel] shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	runner.Stop()
	if err := tel.Shutdown(shutdownCtx); err != nil {
		logger.Error("telemetry shutdown", "error", err)
	}
	_ = db.Close()
	log.Println("[keel] stopped")
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToUpper(cfg.LogLevel) {
	case "DEBUG":
		level = slog.LevelDebug
	case "WARN":
		level = slog.LevelWarn
	case "ERROR":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Production() {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
