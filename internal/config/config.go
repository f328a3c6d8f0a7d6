package config

import (
	"errors"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Config centralises every runtime setting so the rest of the codebase can remain deterministic
// and easy to test. All fields can be overridden using environment variables.
type Config struct {
	AppName      string             `env:"APP_NAME" envDefault:"sos-engine"`
	Env          string             `env:"APP_ENV" envDefault:"development"`
	LogLevel     string             `env:"LOG_LEVEL" envDefault:"info"`
	LogFile      string             `env:"LOG_FILE" envDefault:"logs/sos.log"`
	HTTP         HTTPConfig         `envPrefix:"HTTP_"`
	Database     DatabaseConfig     `envPrefix:"DB_"`
	Redis        RedisConfig        `envPrefix:"REDIS_"`
	Keycloak     KeycloakConfig     `envPrefix:"KEYCLOAK_"`
	Engine       EngineConfig       `envPrefix:"ENGINE_"`
	Connectors   ConnectorConfig    `envPrefix:"CONNECTOR_"`
	DriverStatus DriverStatusConfig `envPrefix:"DRIVER_STATUS_"`
	Regions      map[string]string  `env:"REGIONS" envSeparator:";" envKeyValSeparator:"="`
}

// HTTPConfig controls the HTTP server behaviour.
type HTTPConfig struct {
	Address        string        `env:"ADDRESS" envDefault:":8080"`
	ReadTimeout    time.Duration `env:"READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout   time.Duration `env:"WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout    time.Duration `env:"IDLE_TIMEOUT" envDefault:"60s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000" envSeparator:","`
}

// DatabaseConfig groups the Postgres settings. An empty URL selects the in-memory store.
type DatabaseConfig struct {
	URL             string        `env:"URL"`
	RunMigrations   bool          `env:"RUN_MIGRATIONS" envDefault:"true"`
	MigrationsDir   string        `env:"MIGRATIONS_DIR" envDefault:"migrations"`
	MaxConns        int32         `env:"MAX_CONNS" envDefault:"20"`
	MaxConnIdleTime time.Duration `env:"MAX_CONN_IDLE_TIME" envDefault:"5m"`
	MaxConnLifetime time.Duration `env:"MAX_CONN_LIFETIME" envDefault:"30m"`
}

// RedisConfig configures the pub/sub fabric. An empty address keeps fan-out in-process.
type RedisConfig struct {
	Addr         string `env:"ADDR"`
	Password     string `env:"PASSWORD"`
	DB           int    `env:"DB" envDefault:"0"`
	PoolSize     int    `env:"POOL_SIZE" envDefault:"20"`
	MinIdleConns int    `env:"MIN_IDLE_CONNS" envDefault:"5"`
}

// KeycloakConfig points the JWT middleware at the identity provider.
type KeycloakConfig struct {
	URL       string `env:"URL" envDefault:"http://keycloak:8080"`
	PublicURL string `env:"PUBLIC_URL" envDefault:"http://localhost:8080"`
	Realm     string `env:"REALM" envDefault:"ops-console"`
	Disabled  bool   `env:"DISABLED" envDefault:"false"`
}

// EngineConfig holds the real-time budgets of the alert pipeline.
type EngineConfig struct {
	StoreTimeout       time.Duration `env:"STORE_TIMEOUT" envDefault:"2s"`
	DispatchTimeout    time.Duration `env:"DISPATCH_TIMEOUT" envDefault:"3s"`
	PanicWindow        time.Duration `env:"PANIC_WINDOW" envDefault:"30s"`
	DefaultWindow      time.Duration `env:"DEFAULT_WINDOW" envDefault:"60s"`
	CriticalWindow     time.Duration `env:"CRITICAL_WINDOW" envDefault:"30s"`
	SecondaryWindow    time.Duration `env:"SECONDARY_WINDOW" envDefault:"2m"`
	MaxEscalationLevel int           `env:"MAX_ESCALATION_LEVEL" envDefault:"3"`
	SweepSchedule      string        `env:"SWEEP_SCHEDULE" envDefault:"*/15 * * * * *"`
	CloseAfter         time.Duration `env:"CLOSE_AFTER" envDefault:"24h"`
	BroadcastQueue     int           `env:"BROADCAST_QUEUE" envDefault:"1024"`
	BroadcastRetries   int           `env:"BROADCAST_RETRIES" envDefault:"4"`
	BroadcastBackoff   time.Duration `env:"BROADCAST_BACKOFF" envDefault:"50ms"`
	ComplianceWindow   int           `env:"COMPLIANCE_WINDOW" envDefault:"200"`
	// TypeWindows overrides the primary window per emergency type, e.g. "fire=20s,medical=45s".
	TypeWindows map[string]string `env:"TYPE_WINDOWS" envSeparator:"," envKeyValSeparator:"="`
}

// ConnectorConfig lists the emergency-service endpoints. A service without a URL is not registered.
type ConnectorConfig struct {
	AmbulanceURL        string `env:"AMBULANCE_URL"`
	PoliceURL           string `env:"POLICE_URL"`
	FireURL             string `env:"FIRE_URL"`
	DisasterResponseURL string `env:"DISASTER_RESPONSE_URL"`
	APIKey              string `env:"API_KEY"`
}

// DriverStatusConfig points at the fleet API that owns driver operational status.
type DriverStatusConfig struct {
	URL     string        `env:"URL"`
	Timeout time.Duration `env:"TIMEOUT" envDefault:"3s"`
}

// Load reads configuration from the environment, applying defaults defined above.
// A .env file in the working directory is honoured when present.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, err
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
