// Package config loads the engine's runtime configuration from environment
// variables, grounded on the teacher's single env-tagged struct + caarlos0
// env.ParseAs loader (spec's Non-goal on file-based config loading leaves
// this the only supported source).
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EngineConfig is the top-level configuration for one engine instance: the
// store location, the webhook listener, and default queue sizing. Per-backend
// settings live in BackendConfig, loaded separately per configured backend
// name (spec §4.2 "each backend is independently configured").
type EngineConfig struct {
	// StorePath is the sqlite database file the store opens at startup.
	// ":memory:" runs with an ephemeral, non-persistent store.
	StorePath string `env:"STORE_PATH" envDefault:"./watchstate.db"`
	// ListenAddr is the address the webhook HTTP server binds to.
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8089"`
	// ShutdownTimeout bounds graceful shutdown of in-flight webhook requests.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	// ImportInterval is how often a full Import run is triggered automatically.
	// 0 disables the automatic scheduler.
	ImportInterval time.Duration `env:"IMPORT_INTERVAL" envDefault:"6h"`
	// ExportInterval is how often a full Export run is triggered automatically.
	ExportInterval time.Duration `env:"EXPORT_INTERVAL" envDefault:"6h"`
	// ImportRunDeadline bounds one whole Import run (spec §5 "24h import").
	ImportRunDeadline time.Duration `env:"IMPORT_RUN_DEADLINE" envDefault:"24h"`
	// ExportRunDeadline bounds one whole Export run (spec §5 "12h export").
	ExportRunDeadline time.Duration `env:"EXPORT_RUN_DEADLINE" envDefault:"12h"`
	// CORSOrigins is parsed from CORS_ORIGINS; the webhook router does not
	// read it and allows every origin.
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:","`
	// APIKeyHash is the bcrypt hash of the API key required on every webhook
	// request. Empty disables authentication (development only).
	APIKeyHash string `env:"API_KEY_HASH"`

	Queue   QueueConfig
	Webhook WebhookConfig
}

// QueueConfig controls the bounded worker pool every orchestrator run uses
// to fan requests out to backends (spec §4.7).
type QueueConfig struct {
	Workers        int           `env:"QUEUE_WORKERS" envDefault:"10"`
	RequestTimeout time.Duration `env:"QUEUE_REQUEST_TIMEOUT" envDefault:"300s"`
	MaxAttempts    int           `env:"QUEUE_MAX_ATTEMPTS" envDefault:"3"`
	GraceOnCancel  time.Duration `env:"QUEUE_GRACE_ON_CANCEL" envDefault:"5s"`
	RatePerSecond  float64       `env:"QUEUE_RATE_PER_SECOND" envDefault:"0"`
}

// WebhookConfig controls the inbound webhook listener (spec §4.8).
type WebhookConfig struct {
	// RequestsTTL bounds how long a deduplicated webhook "seen" marker is
	// retained (spec §4.8 "3-day TTL bucket for request identity").
	RequestsTTL time.Duration `env:"WEBHOOK_REQUESTS_TTL" envDefault:"72h"`
	// ProgressTTL bounds how long an in-flight progress update is coalesced
	// before being forwarded (spec §4.8 "1-day TTL bucket for progress").
	ProgressTTL time.Duration `env:"WEBHOOK_PROGRESS_TTL" envDefault:"24h"`
	// RateLimitPerMinute caps webhook requests accepted per source IP.
	// 0 disables rate limiting.
	RateLimitPerMinute int `env:"WEBHOOK_RATE_LIMIT_PER_MINUTE" envDefault:"120"`
	// DrainInterval is how often buffered tainted (progress-only) webhook
	// events are flushed to the store and forwarded to backends; untainted
	// events are committed as they arrive.
	DrainInterval time.Duration `env:"WEBHOOK_DRAIN_INTERVAL" envDefault:"5s"`
}

// BackendConfig is one backend server's connection and policy settings.
// Multiple BackendConfigs are loaded by name from environment variables
// prefixed "WS_BACKEND_<NAME>_" by the caller assembling the engine's
// backend list; Load here only parses the shared EngineConfig.
type BackendConfig struct {
	Name          string `env:"NAME"`
	Kind          string `env:"KIND"` // "plex" | "jellyfin" | "emby"
	BaseURL       string `env:"URL"`
	Token         string `env:"TOKEN"`
	UserID        string `env:"USER_ID"`
	ImportEnabled bool   `env:"IMPORT_ENABLED" envDefault:"true"`
	ExportEnabled bool   `env:"EXPORT_ENABLED" envDefault:"true"`
	// MetadataOnly implements spec §9's IMPORT_METADATA_ONLY: this backend's
	// library is ingested for identity/metadata but never allowed to flip
	// watched on its own during merge.
	MetadataOnly bool `env:"IMPORT_METADATA_ONLY" envDefault:"false"`
	// WebhookUUID is the per-backend identifier a webhook payload's reported
	// server id must match before it is accepted (spec §4.8 step 2).
	WebhookUUID string `env:"WEBHOOK_UUID"`
	// SegmentSize is the page size Import requests from this backend's
	// library listing, per spec §4.3 step 5 ("SEGMENT_SIZE is a per-backend
	// option").
	SegmentSize int `env:"SEGMENT_SIZE" envDefault:"1000"`
}

// Load parses EngineConfig from environment variables.
func Load() (EngineConfig, error) {
	cfg, err := env.ParseAs[EngineConfig]()
	if err != nil {
		return EngineConfig{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// LoadBackend parses one BackendConfig from environment variables using
// prefix as the env-tag prefix (e.g. "WS_BACKEND_HOME_PLEX_").
func LoadBackend(prefix string) (BackendConfig, error) {
	cfg, err := env.ParseAsWithOptions[BackendConfig](env.Options{Prefix: prefix})
	if err != nil {
		return BackendConfig{}, fmt.Errorf("config: backend %s: %w", prefix, err)
	}
	return cfg, nil
}
