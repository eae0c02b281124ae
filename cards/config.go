package cards

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is a configuration for the card ledger application
type Config struct {
	HTTPAddr string

	// RepoBackend is "pg" or "mem". mem is refused unless AllowMemBackend is set.
	RepoBackend     string
	AllowMemBackend bool
	DBDSN           string
	// PANHashKey is the HMAC pepper for stored card numbers.
	PANHashKey string
	// StatementTimeout bounds each statement of a postgres unit of work, lock waits included.
	StatementTimeout time.Duration

	// AuditBackend is "pg", "sqlite" or "mem".
	AuditBackend    string
	AuditSQLitePath string
	AuditAttempts   int
	AuditTimeout    time.Duration

	// ExpiryTZ is an IANA timezone name for expiry computations (e.g., "Australia/Sydney").
	ExpiryTZ string
	// ProductYears maps card product to validity years (e.g., credit=3, debit=5).
	ProductYears map[string]int
	// CardProduct is the product used for the default validity period (e.g., "debit").
	CardProduct string
	// BINPrefix is the prefix of generated card numbers. Demo default: 421234
	BINPrefix string
	// PANLength is the total card number length, 16..19.
	PANLength     int
	MaxPANRetries int

	// SweepSchedule is a standard 5-field cron spec evaluated in ExpiryTZ.
	SweepSchedule string

	JWTSecret   string
	CORSOrigins []string

	DefaultPageSize int
	MaxPageSize     int
}

func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:         "localhost:9090",
		RepoBackend:      "pg",
		PANHashKey:       "dev-secret-pepper",
		StatementTimeout: 3 * time.Second,
		AuditBackend:     "pg",
		AuditSQLitePath:  "audit.db",
		AuditAttempts:    3,
		AuditTimeout:     2 * time.Second,
		ExpiryTZ:         "UTC",
		CardProduct:      "debit",
		BINPrefix:        "421234",
		PANLength:        16,
		MaxPANRetries:    5,
		SweepSchedule:    "0 0 * * *",
		JWTSecret:        "dev-jwt-secret",
		DefaultPageSize:  20,
		MaxPageSize:      50,
	}
}

// ConfigFromEnv starts from DefaultConfig and applies environment overrides.
func ConfigFromEnv() *Config {
	cfg := DefaultConfig()

	cfg.HTTPAddr = getenv("HTTP_ADDR", cfg.HTTPAddr)
	cfg.RepoBackend = getenv("REPO_BACKEND", cfg.RepoBackend)
	cfg.AllowMemBackend = getenv("ALLOW_MEM_BACKEND_FOR_TESTS", "false") == "true"
	cfg.DBDSN = getenv("DB_DSN", cfg.DBDSN)
	cfg.PANHashKey = getenv("PAN_HASH_KEY", cfg.PANHashKey)
	cfg.StatementTimeout = getenvDuration("STATEMENT_TIMEOUT", cfg.StatementTimeout)
	cfg.AuditBackend = getenv("AUDIT_BACKEND", cfg.AuditBackend)
	cfg.AuditSQLitePath = getenv("AUDIT_SQLITE_PATH", cfg.AuditSQLitePath)
	cfg.ExpiryTZ = getenv("EXPIRY_TZ", cfg.ExpiryTZ)
	cfg.CardProduct = getenv("CARD_PRODUCT", cfg.CardProduct)
	cfg.BINPrefix = getenv("BIN_PREFIX", cfg.BINPrefix)
	cfg.PANLength = getenvInt("PAN_LENGTH", cfg.PANLength)
	cfg.SweepSchedule = getenv("SWEEP_SCHEDULE", cfg.SweepSchedule)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	if origins := getenv("CORS_ORIGINS", ""); origins != "" {
		cfg.CORSOrigins = strings.Split(origins, ",")
	}

	return cfg
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvInt(k string, def int) int {
	if v, err := strconv.Atoi(os.Getenv(k)); err == nil {
		return v
	}
	return def
}

func getenvDuration(k string, def time.Duration) time.Duration {
	if v, err := time.ParseDuration(os.Getenv(k)); err == nil {
		return v
	}
	return def
}
