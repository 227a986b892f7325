package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// Config holds all broker configuration loaded from environment variables.
type Config struct {
	Server     ServerConfig
	Token      TokenConfig
	Redis      RedisConfig
	Database   DatabaseConfig
	Limits     LimitsConfig
	Cache      CacheConfig
	Bus        BusConfig
	Dispatch   DispatchConfig
	Audit      AuditConfig
	Assistants []AssistantConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	CORSOrigins  []string
}

// TokenConfig holds token signing and lifetime settings.
type TokenConfig struct {
	Secret     string //nolint:gosec // G117: JWT signing secret config
	AccessTTL  time.Duration
	RefreshTTL time.Duration
	// Leeway absorbs clock skew between broker and adapters on expiry
	// checks.
	Leeway time.Duration
}

// RedisConfig holds Redis connection settings for the shared cache tier
// and the sync bus. Unused when both are configured as "memory".
type RedisConfig struct {
	Addr     string
	Password string //nolint:gosec // G117: Redis connection config
	DB       int
}

// DatabaseConfig holds PostgreSQL connection settings for the audit sink.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string //nolint:gosec // G117: DB connection config
	DBName   string
	SSLMode  string
	MaxConns int
}

// LimitsConfig holds token-bucket parameters per tool class, plus the
// per-IP limit on unauthenticated auth endpoints.
type LimitsConfig struct {
	ReadRate   float64 // refills per second for read-class tools
	ReadBurst  int
	WriteRate  float64
	WriteBurst int
	AuthRate   float64
	AuthBurst  int
}

// CacheConfig selects the broker-side cache backend and per-class TTLs.
type CacheConfig struct {
	Backend  string // "memory" or "redis"
	ReadTTL  time.Duration
	WriteTTL time.Duration
}

// BusConfig selects the sync bus backend.
type BusConfig struct {
	Backend string // "memory" or "redis"
}

// DispatchConfig holds handler deadlines per tool class and the budget for
// best-effort audit writes.
type DispatchConfig struct {
	ReadHandlerTimeout  time.Duration
	WriteHandlerTimeout time.Duration
	AuditTimeout        time.Duration
}

// AuditConfig selects the audit sink target.
type AuditConfig struct {
	Sink string // "memory" or "postgres"
}

// AssistantConfig describes one assistant kind allowed to handshake.
// CredentialHash is an argon2id hash in hex(salt)+"$"+hex(hash) form;
// plaintext credentials never appear in configuration.
type AssistantConfig struct {
	Kind           string
	CredentialHash string
	Capabilities   []string
}

// Load reads configuration from environment variables. Defaults are safe
// for local development only; the signing secret and assistant credentials
// must always be set explicitly.
func Load() (*Config, error) {
	readTimeout, err := getEnvDuration("KOORD_SERVER_READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	writeTimeout, err := getEnvDuration("KOORD_SERVER_WRITE_TIMEOUT", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	accessTTL, err := getEnvDuration("KOORD_TOKEN_ACCESS_TTL", 10*time.Minute)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	refreshTTL, err := getEnvDuration("KOORD_TOKEN_REFRESH_TTL", 12*time.Hour)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	leeway, err := getEnvDuration("KOORD_TOKEN_LEEWAY", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	redisDB, err := getEnvInt("KOORD_REDIS_DB", 0)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	dbPort, err := getEnvInt("KOORD_DB_PORT", 5432)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	dbMaxConns, err := getEnvInt("KOORD_DB_MAX_CONNS", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	readRate, err := getEnvFloat("KOORD_LIMIT_READ_RATE", 10)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	readBurst, err := getEnvInt("KOORD_LIMIT_READ_BURST", 20)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	writeRate, err := getEnvFloat("KOORD_LIMIT_WRITE_RATE", 2)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	writeBurst, err := getEnvInt("KOORD_LIMIT_WRITE_BURST", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	authRate, err := getEnvFloat("KOORD_LIMIT_AUTH_RATE", 1)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	authBurst, err := getEnvInt("KOORD_LIMIT_AUTH_BURST", 5)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	cacheReadTTL, err := getEnvDuration("KOORD_CACHE_READ_TTL", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	cacheWriteTTL, err := getEnvDuration("KOORD_CACHE_WRITE_TTL", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	readHandlerTimeout, err := getEnvDuration("KOORD_HANDLER_READ_TIMEOUT", 3*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	writeHandlerTimeout, err := getEnvDuration("KOORD_HANDLER_WRITE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	auditTimeout, err := getEnvDuration("KOORD_AUDIT_TIMEOUT", 500*time.Millisecond)
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	assistants, err := loadAssistants()
	if err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Addr:         getEnv("KOORD_SERVER_ADDR", ":8080"),
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			CORSOrigins:  getEnvList("KOORD_CORS_ORIGINS", []string{"http://localhost:5173"}),
		},
		Token: TokenConfig{
			Secret:     getEnv("KOORD_TOKEN_SECRET", ""),
			AccessTTL:  accessTTL,
			RefreshTTL: refreshTTL,
			Leeway:     leeway,
		},
		Redis: RedisConfig{
			Addr:     getEnv("KOORD_REDIS_ADDR", "localhost:6379"),
			Password: getEnv("KOORD_REDIS_PASSWORD", ""),
			DB:       redisDB,
		},
		Database: DatabaseConfig{
			Host:     getEnv("KOORD_DB_HOST", "localhost"),
			Port:     dbPort,
			User:     getEnv("KOORD_DB_USER", "koord"),
			Password: getEnv("KOORD_DB_PASSWORD", ""),
			DBName:   getEnv("KOORD_DB_NAME", "koord_dev"),
			SSLMode:  getEnv("KOORD_DB_SSLMODE", "disable"),
			MaxConns: dbMaxConns,
		},
		Limits: LimitsConfig{
			ReadRate:   readRate,
			ReadBurst:  readBurst,
			WriteRate:  writeRate,
			WriteBurst: writeBurst,
			AuthRate:   authRate,
			AuthBurst:  authBurst,
		},
		Cache: CacheConfig{
			Backend:  getEnv("KOORD_CACHE_BACKEND", "memory"),
			ReadTTL:  cacheReadTTL,
			WriteTTL: cacheWriteTTL,
		},
		Bus: BusConfig{
			Backend: getEnv("KOORD_BUS_BACKEND", "memory"),
		},
		Dispatch: DispatchConfig{
			ReadHandlerTimeout:  readHandlerTimeout,
			WriteHandlerTimeout: writeHandlerTimeout,
			AuditTimeout:        auditTimeout,
		},
		Audit: AuditConfig{
			Sink: getEnv("KOORD_AUDIT_SINK", "memory"),
		},
		Assistants: assistants,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return cfg, nil
}

// loadAssistants reads the assistant allow-list. KOORD_ASSISTANTS is a
// comma-separated list of kinds; each kind K reads
// KOORD_ASSISTANT_<K>_CREDENTIAL (argon2id hash) and
// KOORD_ASSISTANT_<K>_CAPS (comma-separated capability names), with
// non-alphanumeric characters in K mapped to underscores.
func loadAssistants() ([]AssistantConfig, error) {
	kinds := getEnvList("KOORD_ASSISTANTS", nil)
	assistants := make([]AssistantConfig, 0, len(kinds))

	for _, kind := range kinds {
		key := envKey(kind)
		cred := os.Getenv("KOORD_ASSISTANT_" + key + "_CREDENTIAL")
		if cred == "" {
			return nil, fmt.Errorf("assistant %q: KOORD_ASSISTANT_%s_CREDENTIAL is required", kind, key)
		}
		caps := getEnvList("KOORD_ASSISTANT_"+key+"_CAPS", nil)
		if len(caps) == 0 {
			return nil, fmt.Errorf("assistant %q: KOORD_ASSISTANT_%s_CAPS is required", kind, key)
		}
		assistants = append(assistants, AssistantConfig{
			Kind:           kind,
			CredentialHash: cred,
			Capabilities:   caps,
		})
	}

	return assistants, nil
}

func envKey(kind string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(kind) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}

// validate checks required fields and value bounds.
func (c *Config) validate() error {
	if c.Token.Secret == "" {
		return errors.New("KOORD_TOKEN_SECRET is required")
	}
	if len(c.Token.Secret) < 32 {
		return errors.New("KOORD_TOKEN_SECRET must be at least 32 characters")
	}
	if c.Token.AccessTTL <= 0 {
		return fmt.Errorf("KOORD_TOKEN_ACCESS_TTL must be positive, got %s", c.Token.AccessTTL)
	}
	if c.Token.RefreshTTL <= c.Token.AccessTTL {
		return fmt.Errorf("KOORD_TOKEN_REFRESH_TTL must exceed the access TTL, got %s", c.Token.RefreshTTL)
	}
	if c.Token.Leeway < 0 || c.Token.Leeway > 5*time.Second {
		return fmt.Errorf("KOORD_TOKEN_LEEWAY must be between 0 and 5s, got %s", c.Token.Leeway)
	}
	if c.Cache.Backend != "memory" && c.Cache.Backend != "redis" {
		return fmt.Errorf("KOORD_CACHE_BACKEND must be memory or redis, got %q", c.Cache.Backend)
	}
	if c.Bus.Backend != "memory" && c.Bus.Backend != "redis" {
		return fmt.Errorf("KOORD_BUS_BACKEND must be memory or redis, got %q", c.Bus.Backend)
	}
	if c.Audit.Sink != "memory" && c.Audit.Sink != "postgres" {
		return fmt.Errorf("KOORD_AUDIT_SINK must be memory or postgres, got %q", c.Audit.Sink)
	}
	if c.Limits.ReadRate <= 0 || c.Limits.WriteRate <= 0 || c.Limits.AuthRate <= 0 {
		return errors.New("rate-limit refill rates must be positive")
	}
	if c.Limits.ReadBurst < 1 || c.Limits.WriteBurst < 1 || c.Limits.AuthBurst < 1 {
		return errors.New("rate-limit bucket sizes must be >= 1")
	}
	if c.Dispatch.ReadHandlerTimeout <= 0 || c.Dispatch.WriteHandlerTimeout <= 0 {
		return errors.New("handler timeouts must be positive")
	}
	if c.Database.Port < 1 || c.Database.Port > 65535 {
		return fmt.Errorf("KOORD_DB_PORT must be 1-65535, got %d", c.Database.Port)
	}
	if c.Database.MaxConns < 1 {
		return fmt.Errorf("KOORD_DB_MAX_CONNS must be >= 1, got %d", c.Database.MaxConns)
	}
	if c.Audit.Sink == "postgres" && c.Database.SSLMode == "disable" {
		log.Warn().Msg("KOORD_DB_SSLMODE=disable is insecure for production; set to 'require' or 'verify-full'")
	}
	if len(c.Assistants) == 0 {
		log.Warn().Msg("no assistants configured; every handshake will be rejected")
	}

	return nil
}

// DSN returns the PostgreSQL connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as int: %w", key, v, err)
	}
	return n, nil
}

func getEnvFloat(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as float: %w", key, v, err)
	}
	return f, nil
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("parsing %s=%q as duration: %w", key, v, err)
	}
	return d, nil
}

func getEnvList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parts := strings.Split(v, ",")
	result := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
