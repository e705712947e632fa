package config

import (
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/fx"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string
	NodeID      int64

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int

	Vault     VaultConfig
	Tenant    TenantConfig
	Redis     RedisConfig
	RateLimit RateLimitConfig
	Admin     AdminConfig
	Bootstrap BootstrapConfig
	Scheduler SchedulerConfig
}

// VaultConfig lists the credential vault key ring. Keys maps a key version to
// its secret; ActiveVersion selects the version used for new encryptions.
type VaultConfig struct {
	Keys          map[int]string
	ActiveVersion int
}

type TenantConfig struct {
	BaseDomain       string
	MaxOpenConns     int
	MaxIdleConns     int
	ConnMaxLifetime  time.Duration
	IdleThreshold    time.Duration
	SweepInterval    time.Duration
	ConnectAttempts  int
	ConnectBaseDelay time.Duration
	ConnectTimeout   time.Duration
	HostCacheTTL     time.Duration
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type RateLimitConfig struct {
	AdminTriggerRate  float64
	AdminTriggerBurst int
}

type AdminConfig struct {
	Token string
}

type BootstrapConfig struct {
	DemoStore bool
}

// SchedulerConfig tunes the billing poller. EnabledJobs empty means every job.
type SchedulerConfig struct {
	RunInterval       time.Duration
	RecoveryThreshold time.Duration
	JobTimeout        time.Duration
	LeaderLockTTL     time.Duration
	EnabledJobs       []string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:      getenv("APP_SERVICE", "storefront"),
		AppVersion:   getenv("APP_VERSION", "0.1.0"),
		Environment:  getenv("ENVIRONMENT", "development"),
		HTTPAddr:     getenv("HTTP_ADDR", ":8080"),
		NodeID:       int64(getenvInt("SNOWFLAKE_NODE_ID", 1)),
		OTLPEndpoint: getenv("OTLP_ENDPOINT", "localhost:4317"),

		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "storefront_master"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     getenvInt("DATABASE_MAX_IDLE_CONN", 5),
		DBMaxOpenConn:     getenvInt("DATABASE_MAX_OPEN_CONN", 20),
		DBConnMaxLifetime: getenvInt("DATABASE_CONN_MAX_LIFETIME_SECONDS", 1800),
		DBConnMaxIdleTime: getenvInt("DATABASE_CONN_MAX_IDLE_TIME_SECONDS", 300),

		Vault: VaultConfig{
			Keys:          parseKeyRing(os.Getenv("CREDENTIAL_VAULT_KEYS")),
			ActiveVersion: getenvInt("CREDENTIAL_VAULT_ACTIVE_VERSION", 1),
		},
		Tenant: TenantConfig{
			BaseDomain:       strings.ToLower(strings.TrimSpace(getenv("TENANT_BASE_DOMAIN", "localhost"))),
			MaxOpenConns:     getenvInt("TENANT_POOL_MAX_OPEN", 10),
			MaxIdleConns:     getenvInt("TENANT_POOL_MAX_IDLE", 2),
			ConnMaxLifetime:  getenvDuration("TENANT_POOL_CONN_MAX_LIFETIME", 30*time.Minute),
			IdleThreshold:    getenvDuration("TENANT_IDLE_THRESHOLD", 30*time.Minute),
			SweepInterval:    getenvDuration("TENANT_SWEEP_INTERVAL", 5*time.Minute),
			ConnectAttempts:  getenvInt("TENANT_CONNECT_ATTEMPTS", 3),
			ConnectBaseDelay: getenvDuration("TENANT_CONNECT_BASE_DELAY", 200*time.Millisecond),
			ConnectTimeout:   getenvDuration("TENANT_CONNECT_TIMEOUT", 5*time.Second),
			HostCacheTTL:     getenvDuration("TENANT_HOST_CACHE_TTL", time.Minute),
		},
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       getenvInt("REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			AdminTriggerRate:  getenvFloat("RATE_LIMIT_ADMIN_TRIGGER_RATE", 0.2),
			AdminTriggerBurst: getenvInt("RATE_LIMIT_ADMIN_TRIGGER_BURST", 2),
		},
		Admin: AdminConfig{
			Token: strings.TrimSpace(getenv("ADMIN_API_TOKEN", "")),
		},
		Bootstrap: BootstrapConfig{
			DemoStore: getenvBool("BOOTSTRAP_DEMO_STORE", false),
		},
		Scheduler: SchedulerConfig{
			RunInterval:       getenvDuration("SCHEDULER_RUN_INTERVAL", time.Minute),
			RecoveryThreshold: getenvDuration("SCHEDULER_RECOVERY_THRESHOLD", 15*time.Minute),
			JobTimeout:        getenvDuration("SCHEDULER_JOB_TIMEOUT", 10*time.Minute),
			LeaderLockTTL:     getenvDuration("SCHEDULER_LEADER_LOCK_TTL", 50*time.Second),
			EnabledJobs:       getenvList("SCHEDULER_ENABLED_JOBS"),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

var Module = fx.Module("config",
	fx.Provide(Load),
	fx.Provide(NewBillingScheduleHolder),
)

// parseKeyRing parses "1:secret,2:secret" into a version -> secret map.
func parseKeyRing(raw string) map[int]string {
	out := make(map[int]string)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		version, secret, ok := strings.Cut(part, ":")
		if !ok {
			log.Printf("[config] ignoring vault key without version prefix")
			continue
		}
		v, err := strconv.Atoi(strings.TrimSpace(version))
		if err != nil || v <= 0 {
			log.Printf("[config] ignoring vault key with invalid version %q", version)
			continue
		}
		secret = strings.TrimSpace(secret)
		if secret == "" {
			continue
		}
		out[v] = secret
	}
	return out
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt(key string, def int) int {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}
