// Package config loads keel configuration from the environment plus the
// declarative YAML policy tables (audit sampling, publisher classification).
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds node configuration. Every knob has a development-safe default;
// production deployments set the REQUIRE_* flags to fail fast instead.
type Config struct {
	Port        string
	Environment string // "production" | "development"
	LogLevel    string

	DatabaseURL    string
	DatabaseDriver string // "postgres" | "sqlite"
	RedisAddr      string // enables the Redis idempotency backend when set

	RequireKMS          bool
	RequireSigningProxy bool
	RequireMTLS         bool

	SigningProxyURL    string
	SigningCACert      string
	SigningClientCert  string
	SigningClientKey   string
	ManifestSignerKid  string
	AuditSignerKid     string
	SignerRegistryPath string
	LocalSignerSeed    string // dev only; ignored when a signing proxy is required

	IdempotencyTTL       time.Duration
	IdempotencyBodyLimit int64

	MultisigRequired            int
	MultisigApprovers           []string
	EmergencyRatificationWindow time.Duration
	ApproverPolicyTarget        string // manifest target that carries approver-set changes

	PublishMaxAttempts  int
	PublishBackoffBase  time.Duration
	PublishBackoffCap   time.Duration
	PublishConcurrency  int
	PublishRetryEvery   time.Duration
	PublisherEndpoints  map[string]string // target -> base URL
	PublishPolicyPath   string            // YAML classification table
	ValidationPollEvery time.Duration
	ValidatorURL        string

	IdempotencySweepEvery time.Duration
	EmergencyPollEvery    time.Duration

	AuditSamplingPolicyPath string
	AuditExportEvery        time.Duration
	AuditExportBatchSize    int
	AuditExportService      string

	ObjectStore       string // "s3" | "gcs" | "file"
	ObjectStoreBucket string
	ObjectStoreDir    string
	ObjectLockDays    int

	PolicyBackend  string // "cel" | "wasm" | "http"
	PolicyPath     string // CEL rules file or WASM module
	PolicyURL      string // remote evaluator
	PolicyFailOpen bool   // non-production only

	JWTSecret string

	OTelEnabled  bool
	OTelEndpoint string

	RequestTimeout  time.Duration
	ShutdownGrace   time.Duration
	RateLimitPerSec float64
	RateLimitBurst  int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		Port:        getenvDefault("PORT", "8080"),
		Environment: getenvDefault("ENVIRONMENT", "development"),
		LogLevel:    getenvDefault("LOG_LEVEL", "INFO"),

		DatabaseURL:    os.Getenv("DATABASE_URL"),
		DatabaseDriver: getenvDefault("DATABASE_DRIVER", "postgres"),
		RedisAddr:      os.Getenv("REDIS_ADDR"),

		RequireKMS:          envBool("REQUIRE_KMS"),
		RequireSigningProxy: envBool("REQUIRE_SIGNING_PROXY"),
		RequireMTLS:         envBool("REQUIRE_MTLS"),

		SigningProxyURL:    os.Getenv("SIGNING_PROXY_URL"),
		SigningCACert:      os.Getenv("SIGNING_CA_CERT"),
		SigningClientCert:  os.Getenv("SIGNING_CLIENT_CERT"),
		SigningClientKey:   os.Getenv("SIGNING_CLIENT_KEY"),
		ManifestSignerKid:  getenvDefault("MANIFEST_SIGNER_KID", "manifest-signer-1"),
		AuditSignerKid:     getenvDefault("AUDIT_SIGNER_KID", "audit-signer-1"),
		SignerRegistryPath: os.Getenv("SIGNER_REGISTRY_PATH"),
		LocalSignerSeed:    getenvDefault("LOCAL_SIGNER_SEED", "keel-dev-seed"),

		IdempotencyTTL:       envSeconds("IDEMPOTENCY_TTL_SECONDS", 86400),
		IdempotencyBodyLimit: envInt64("IDEMPOTENCY_RESPONSE_BODY_LIMIT", 1<<20),

		MultisigRequired:            envInt("MULTISIG_REQUIRED", 3),
		MultisigApprovers:           envList("MULTISIG_APPROVERS", []string{"release-lead-1", "release-lead-2", "release-lead-3"}),
		EmergencyRatificationWindow: envSeconds("EMERGENCY_RATIFICATION_WINDOW_SECONDS", 172800),
		ApproverPolicyTarget:        getenvDefault("APPROVER_POLICY_TARGET", "governance/approver-policy"),

		PublishMaxAttempts: envInt("PUBLISH_MAX_ATTEMPTS", 10),
		PublishBackoffBase: envMillis("PUBLISH_BACKOFF_BASE_MS", 2000),
		PublishBackoffCap:  envMillis("PUBLISH_BACKOFF_CAP_MS", 3600000),
		PublishConcurrency: envInt("PUBLISH_CONCURRENCY", 8),
		PublisherEndpoints: map[string]string{
			"repo":        os.Getenv("PUBLISHER_REPO_URL"),
			"marketplace": os.Getenv("PUBLISHER_MARKETPLACE_URL"),
			"delivery":    os.Getenv("PUBLISHER_DELIVERY_URL"),
		},
		PublishRetryEvery:   envSeconds("PUBLISH_RETRY_SECONDS", 10),
		PublishPolicyPath:   os.Getenv("PUBLISH_POLICY_PATH"),
		ValidationPollEvery: envSeconds("VALIDATION_POLL_SECONDS", 15),
		ValidatorURL:        os.Getenv("VALIDATOR_URL"),

		IdempotencySweepEvery: envSeconds("IDEMPOTENCY_SWEEP_SECONDS", 3600),
		EmergencyPollEvery:    envSeconds("EMERGENCY_POLL_SECONDS", 60),

		AuditSamplingPolicyPath: os.Getenv("AUDIT_SAMPLING_POLICY"),
		AuditExportEvery:        envSeconds("AUDIT_EXPORT_SECONDS", 300),
		AuditExportBatchSize:    envInt("AUDIT_EXPORT_BATCH_SIZE", 500),
		AuditExportService:      getenvDefault("AUDIT_EXPORT_SERVICE", "keel"),

		ObjectStore:       getenvDefault("OBJECT_STORE", "file"),
		ObjectStoreBucket: os.Getenv("OBJECT_STORE_BUCKET"),
		ObjectStoreDir:    getenvDefault("OBJECT_STORE_DIR", "data/exports"),
		ObjectLockDays:    envInt("OBJECT_LOCK_DAYS", 365),

		PolicyBackend:  getenvDefault("POLICY_BACKEND", "cel"),
		PolicyPath:     os.Getenv("POLICY_PATH"),
		PolicyURL:      os.Getenv("POLICY_URL"),
		PolicyFailOpen: envBool("POLICY_FAIL_OPEN"),

		JWTSecret: os.Getenv("JWT_SECRET"),

		OTelEnabled:  envBool("OTEL_ENABLED"),
		OTelEndpoint: getenvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),

		RequestTimeout:  envSeconds("REQUEST_TIMEOUT_SECONDS", 30),
		ShutdownGrace:   envSeconds("SHUTDOWN_GRACE_SECONDS", 20),
		RateLimitPerSec: envFloat("RATE_LIMIT_PER_SEC", 50),
		RateLimitBurst:  envInt("RATE_LIMIT_BURST", 100),
	}
}

// Production reports whether the node runs with production gates enabled.
func (c *Config) Production() bool { return c.Environment == "production" }

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string) bool {
	switch os.Getenv(key) {
	case "1", "true", "TRUE", "yes":
		return true
	}
	return false
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envList(key string, def []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}

func envSeconds(key string, defSeconds int) time.Duration {
	return time.Duration(envInt(key, defSeconds)) * time.Second
}

func envMillis(key string, defMillis int) time.Duration {
	return time.Duration(envInt(key, defMillis)) * time.Millisecond
}
