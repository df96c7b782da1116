// Package config provides application configuration loaded from environment
// variables with defaults and validation. It centralizes application settings
// such as server timeouts, logging, database paths, the transcription
// provider endpoints, quota capabilities, and observability.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// CORSConfig defines Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig defines security-related settings such as HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration
}

// OTELConfig defines OpenTelemetry observability settings.
type OTELConfig struct {
	Enabled     bool    // OTEL_ENABLED
	Endpoint    string  // OTEL_EXPORTER_OTLP_ENDPOINT (e.g. "otel:4317")
	Insecure    bool    // OTEL_EXPORTER_OTLP_INSECURE (true if no TLS)
	ServiceName string  // OTEL_SERVICE_NAME (e.g. "go-voice-backend")
	SampleRatio float64 // OTEL_TRACES_SAMPLER_ARG in [0..1]
}

// DifyConfig holds the external transcription provider settings.
//
// WorkflowURL is the workflow-execution endpoint; UploadURL the file upload
// endpoint. APIKey is the bearer token used on both calls. An empty
// WorkflowURL or APIKey makes every gateway call fail fast without touching
// the network.
type DifyConfig struct {
	WorkflowURL string // DIFY_API_URL
	UploadURL   string // DIFY_UPLOAD_URL
	APIKey      string // DIFY_API_KEY
}

// GatewayConfig points at the gateway sidecar: the process holding the chat
// platform connection and exposing message operations over REST.
type GatewayConfig struct {
	BaseURL    string // GATEWAY_BASE_URL
	Token      string // GATEWAY_TOKEN
	SelfUserID string // SELF_USER_ID, the service account's platform identity
}

// PipelineConfig holds the tunables of the ingestion pipeline and of the
// reaction-triggered secondary processing.
//
// The three Enable* flags form the capability set: each pipeline stage can be
// switched off individually (for example a stateless deployment runs with
// quota and persistence disabled) instead of maintaining parallel pipeline
// variants.
type PipelineConfig struct {
	Language        string // TRANSCRIPT_LANGUAGE, BCP 47 tag for stored transcripts
	ResultMaxRunes  int    // RESULT_MAX_RUNES, public result truncation
	SummaryMinRunes int    // SUMMARY_MIN_RUNES, below this summarize answers "too short"

	EnableQuota       bool // CAP_QUOTA
	EnablePersistence bool // CAP_PERSISTENCE
	EnableReactions   bool // CAP_REACTIONS
}

// Config holds all configuration values for the application.
type Config struct {
	// Server
	Port              string        // just the number
	ReadTimeout       time.Duration // e.g. 15s
	ReadHeaderTimeout time.Duration // e.g. 10s
	WriteTimeout      time.Duration // e.g. 20s
	IdleTimeout       time.Duration // e.g. 60s
	MaxHeaderBytes    int           // bytes
	GinMode           string        // debug|release|test

	// Logging
	LogLevel    string // debug|info|warn|error|fatal|panic
	LogPretty   bool   // pretty console logs in dev
	APIBasePath string // base path for API routes

	// App
	DBPath          string // SQLite path
	PermissionsPath string // permission policy document
	ReactionsPath   string // reaction-action map document
	AdminAPIKey     string // shared secret for /admin endpoints; empty disables them

	Dify     DifyConfig
	Gateway  GatewayConfig
	Pipeline PipelineConfig

	// Rate limiting
	RateRPS   float64 // tokens per second (>= 0)
	RateBurst int     // bucket size (>= 1)

	// Web protection
	CORS     CORSConfig
	Security SecurityConfig

	// Observability
	OTEL OTELConfig
}

// MustLoad loads the configuration and panics if validation fails.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load reads configuration from environment variables,
// applies defaults, normalizes values, and validates the result.
func Load() (Config, error) {
	cfg := Config{
		// Server
		Port:              getenv("PORT", "8080"),
		ReadTimeout:       getdur("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: getdur("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      getdur("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       getdur("IDLE_TIMEOUT", 60*time.Second),
		MaxHeaderBytes:    getint("MAX_HEADER_BYTES", 1<<20),
		GinMode:           strings.ToLower(getenv("GIN_MODE", "release")),

		// Logging
		LogLevel:    strings.ToLower(getenv("LOG_LEVEL", "info")),
		LogPretty:   getbool("LOG_PRETTY", false),
		APIBasePath: normalizeBasePath(getenv("API_BASE_PATH", "/api/v1")),

		// App
		DBPath:          getenv("DB_PATH", "bot.db"),
		PermissionsPath: getenv("PERMISSIONS_PATH", "config/permissions.json"),
		ReactionsPath:   getenv("REACTIONS_PATH", "config/reactions.json"),
		AdminAPIKey:     getenv("ADMIN_API_KEY", ""),

		Dify: DifyConfig{
			WorkflowURL: getenv("DIFY_API_URL", ""),
			UploadURL:   getenv("DIFY_UPLOAD_URL", "https://api.dify.ai/v1/files/upload"),
			APIKey:      getenv("DIFY_API_KEY", ""),
		},

		Gateway: GatewayConfig{
			BaseURL:    getenv("GATEWAY_BASE_URL", "http://localhost:9090"),
			Token:      getenv("GATEWAY_TOKEN", ""),
			SelfUserID: getenv("SELF_USER_ID", "voicepipe-bot"),
		},

		Pipeline: PipelineConfig{
			Language:          getenv("TRANSCRIPT_LANGUAGE", "ja"),
			ResultMaxRunes:    getint("RESULT_MAX_RUNES", 4000),
			SummaryMinRunes:   getint("SUMMARY_MIN_RUNES", 100),
			EnableQuota:       getbool("CAP_QUOTA", true),
			EnablePersistence: getbool("CAP_PERSISTENCE", true),
			EnableReactions:   getbool("CAP_REACTIONS", true),
		},

		// Rate limiting
		RateRPS:   getfloat("RATE_RPS", 5.0),
		RateBurst: getint("RATE_BURST", 10),

		// Web protection
		CORS: CORSConfig{
			AllowedOrigins: splitCSV(getenv("CORS_ALLOWED_ORIGINS", "")),
		},
		Security: SecurityConfig{
			EnableHSTS: getbool("ENABLE_HSTS", false),
			HSTSMaxAge: getdur("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		// Observability (OpenTelemetry)
		OTEL: OTELConfig{
			Enabled:     getbool("OTEL_ENABLED", false),
			Endpoint:    getenv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    getbool("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: getenv("OTEL_SERVICE_NAME", "go-voice-backend"),
			SampleRatio: getfloat("OTEL_TRACES_SAMPLER_ARG", 1.0),
		},
	}

	// --- normalization ---
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}
	switch cfg.GinMode {
	case "debug", "release", "test":
	default:
		cfg.GinMode = "release"
	}

	// --- validation ---
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error", "fatal", "panic":
	default:
		return cfg, errors.New("LOG_LEVEL must be one of: debug, info, warn, error, fatal, panic")
	}
	if strings.TrimSpace(cfg.Port) == "" {
		return cfg, errors.New("PORT must not be empty")
	}
	if cfg.ReadTimeout <= 0 || cfg.ReadHeaderTimeout <= 0 || cfg.WriteTimeout <= 0 || cfg.IdleTimeout <= 0 {
		return cfg, errors.New("timeouts must be positive durations")
	}
	if cfg.MaxHeaderBytes <= 0 {
		return cfg, errors.New("MAX_HEADER_BYTES must be > 0")
	}
	if strings.TrimSpace(cfg.DBPath) == "" {
		return cfg, errors.New("DB_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.PermissionsPath) == "" {
		return cfg, errors.New("PERMISSIONS_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.ReactionsPath) == "" {
		return cfg, errors.New("REACTIONS_PATH must not be empty")
	}
	if strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return cfg, errors.New("GATEWAY_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.Gateway.SelfUserID) == "" {
		return cfg, errors.New("SELF_USER_ID must not be empty")
	}
	if strings.TrimSpace(cfg.Pipeline.Language) == "" {
		return cfg, errors.New("TRANSCRIPT_LANGUAGE must not be empty")
	}
	if cfg.Pipeline.ResultMaxRunes <= 0 {
		return cfg, errors.New("RESULT_MAX_RUNES must be > 0")
	}
	if cfg.Pipeline.SummaryMinRunes < 0 {
		return cfg, errors.New("SUMMARY_MIN_RUNES must be >= 0")
	}
	if cfg.RateRPS < 0 {
		return cfg, errors.New("RATE_RPS must be >= 0")
	}
	if cfg.RateBurst < 1 {
		return cfg, errors.New("RATE_BURST must be >= 1")
	}
	if cfg.Security.HSTSMaxAge < 0 {
		return cfg, errors.New("HSTS_MAX_AGE must be >= 0")
	}
	if cfg.OTEL.SampleRatio < 0 || cfg.OTEL.SampleRatio > 1 {
		return cfg, errors.New("OTEL_TRACES_SAMPLER_ARG must be in [0,1]")
	}

	return cfg, nil
}

// ---- helpers (no external deps) ----

func getenv(k, def string) string {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		return v
	}
	return def
}

func getfloat(k string, def float64) float64 {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getint(k string, def int) int {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getbool(k string, def bool) bool {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return def
}

func getdur(k string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(k); ok && v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		t := strings.TrimSpace(p)
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// normalizeBasePath ensures leading '/' and strips trailing '/' (except root).
func normalizeBasePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}
