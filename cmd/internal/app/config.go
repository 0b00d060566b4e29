package app

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

// Store drivers accepted by MARKETCHAT_STORE_DRIVER.
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"MARKETCHAT_HTTP_ADDR,default=0.0.0.0:8080"`
	LogLevel  string `env:"MARKETCHAT_LOG_LEVEL,default=info"`
	LogFormat string `env:"MARKETCHAT_LOG_FORMAT,default=json"`

	ReadHeaderTimeout time.Duration `env:"MARKETCHAT_HTTP_READ_HEADER_TIMEOUT,default=5s"`
	ReadTimeout       time.Duration `env:"MARKETCHAT_HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout      time.Duration `env:"MARKETCHAT_HTTP_WRITE_TIMEOUT,default=15s"`
	IdleTimeout       time.Duration `env:"MARKETCHAT_HTTP_IDLE_TIMEOUT,default=60s"`
	MaxHeaderBytes    int           `env:"MARKETCHAT_HTTP_MAX_HEADER_BYTES,default=1048576"`

	StoreDriver   string `env:"MARKETCHAT_STORE_DRIVER,default=memory"`
	DatabaseURL   string `env:"MARKETCHAT_DATABASE_URL"`
	DBSchema      string `env:"MARKETCHAT_DB_SCHEMA,default=marketchat"`
	DBMaxConns    int    `env:"MARKETCHAT_DB_MAX_CONNS,default=10"`
	DBMinConns    int    `env:"MARKETCHAT_DB_MIN_CONNS,default=0"`
	DBAutoMigrate bool   `env:"MARKETCHAT_DB_AUTO_MIGRATE,default=false"`
	BadgerDir     string `env:"MARKETCHAT_BADGER_DIR,default=./data/badger"`

	// If true, /readyz returns 503 unless the postgres driver is configured and reachable.
	ReadinessRequireDB bool `env:"MARKETCHAT_READINESS_REQUIRE_DB,default=false"`

	// 32-byte hex key for message text at rest. Empty stores plaintext.
	MessageKeyHex string `env:"MARKETCHAT_MESSAGE_KEY"`
	// Refuse to start without MessageKeyHex.
	RequireMessageKey bool `env:"MARKETCHAT_REQUIRE_MESSAGE_KEY,default=false"`

	AuthPublicKeyHex string        `env:"MARKETCHAT_AUTH_PUBLIC_KEY"`
	AuthIssuer       string        `env:"MARKETCHAT_AUTH_ISSUER,default=marketplace"`
	AuthClockSkew    time.Duration `env:"MARKETCHAT_AUTH_CLOCK_SKEW,default=30s"`
	// Trusts X-Marketchat-User / ?user_id= as identity. Local development only.
	AuthDevMode bool `env:"MARKETCHAT_AUTH_DEV_MODE,default=false"`

	CORSAllowedOrigins   []string
	CORSOrigins          string `env:"MARKETCHAT_CORS_ALLOWED_ORIGINS"`
	CORSAllowCredentials bool   `env:"MARKETCHAT_CORS_ALLOW_CREDENTIALS,default=false"`
	CORSMaxAgeSeconds    int    `env:"MARKETCHAT_CORS_MAX_AGE_SECONDS,default=600"`

	WSOriginPatterns     []string
	WSOrigins            string        `env:"MARKETCHAT_WS_ORIGIN_PATTERNS"`
	WSInsecureSkipVerify bool          `env:"MARKETCHAT_WS_INSECURE_SKIP_VERIFY,default=false"`
	WSSendQueueSize      int           `env:"MARKETCHAT_WS_SEND_QUEUE,default=256"`
	WSMaxFrameBytes      int64         `env:"MARKETCHAT_WS_MAX_FRAME_BYTES,default=65536"`
	WSWriteTimeout       time.Duration `env:"MARKETCHAT_WS_WRITE_TIMEOUT,default=5s"`
	WSReadIdleTimeout    time.Duration `env:"MARKETCHAT_WS_READ_IDLE_TIMEOUT,default=0s"`
	WSHeartbeatInterval  time.Duration `env:"MARKETCHAT_WS_HEARTBEAT_INTERVAL,default=25s"`
	WSHeartbeatTimeout   time.Duration `env:"MARKETCHAT_WS_HEARTBEAT_TIMEOUT,default=5s"`
	WSRateEvents         int           `env:"MARKETCHAT_WS_RATE_EVENTS,default=120"`
	WSRateWindow         time.Duration `env:"MARKETCHAT_WS_RATE_WINDOW,default=10s"`

	// Typing signals older than this are cleared. Zero disables expiry.
	TypingTTL       time.Duration `env:"MARKETCHAT_TYPING_TTL,default=8s"`
	TypingSweepTick time.Duration `env:"MARKETCHAT_TYPING_SWEEP_INTERVAL,default=1s"`
}

// LoadConfig reads an optional .env file, then the process environment.
func LoadConfig() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	cfg.CORSAllowedOrigins = splitList(cfg.CORSOrigins)
	cfg.WSOriginPatterns = splitList(cfg.WSOrigins)
	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects combinations that cannot start.
func (c Config) Validate() error {
	switch c.StoreDriver {
	case DriverMemory, DriverBadger:
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseURL) == "" {
			return errors.New("config: MARKETCHAT_DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("config: unknown store driver %q", c.StoreDriver)
	}
	if c.StoreDriver == DriverBadger && strings.TrimSpace(c.BadgerDir) == "" {
		return errors.New("config: MARKETCHAT_BADGER_DIR is required for the badger driver")
	}
	// pgxpool takes int32 pool sizes.
	if c.DBMaxConns > math.MaxInt32 || c.DBMinConns > math.MaxInt32 {
		return errors.New("config: db pool size exceeds int32")
	}
	if c.DBMinConns < 0 || c.DBMaxConns < 0 || (c.DBMaxConns > 0 && c.DBMinConns > c.DBMaxConns) {
		return errors.New("config: invalid db pool bounds")
	}
	if c.TypingTTL < 0 {
		return errors.New("config: MARKETCHAT_TYPING_TTL must not be negative")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
