package cfg

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

type Secret struct {
	value []byte
}

func NewSecret(s string) Secret {
	return Secret{value: []byte(s)}
}
func (s Secret) Value() string {
	return string(s.value)
}
func (s Secret) Bytes() []byte {
	return s.value
}
func (s Secret) Empty() bool {
	return len(s.value) == 0
}
func (s *Secret) UnmarshalText(text []byte) error {
	s.value = append([]byte(nil), text...)
	return nil
}
func (s Secret) Wipe() {
	for i := range s.value {
		s.value[i] = 0
	}
}
func (s Secret) String() string {
	return "***REDACTED***"
}

const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Cfg struct {
	Port        string `env:"PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
	Title       string `env:"TITLE" envDefault:"cinder"`

	StoreBackend   string        `env:"STORE_BACKEND" envDefault:"sqlite"`
	DatabasePath   string        `env:"DATABASE_PATH" envDefault:"cinder.db"`
	DatabaseURL    Secret        `env:"DATABASE_URL"`
	RedisURL       string        `env:"REDIS_URL"`
	RedisTLS       bool          `env:"REDIS_TLS" envDefault:"false"`
	RedisUsername  string        `env:"REDIS_USERNAME"`
	RedisPassword  Secret        `env:"REDIS_PASSWORD"`
	RedisTimeout   time.Duration `env:"REDIS_TIMEOUT" envDefault:"5s"`
	DBMaxOpenConns int           `env:"DB_MAX_OPEN_CONNS" envDefault:"100"`
	DBMaxIdleConns int           `env:"DB_MAX_IDLE_CONNS" envDefault:"10"`
	DBQueryTimeout time.Duration `env:"DB_QUERY_TIMEOUT" envDefault:"5s"`

	Argon2Time        uint32 `env:"ARGON2_TIME" envDefault:"3"`
	Argon2Memory      uint32 `env:"ARGON2_MEMORY" envDefault:"65536"`
	Argon2Parallelism uint8  `env:"ARGON2_PARALLELISM" envDefault:"2"`
	KDFWorkers        int    `env:"KDF_WORKERS" envDefault:"4"`
	Pepper            Secret `env:"PEPPER"`
	SecretsFromKMS    bool   `env:"SECRETS_FROM_KMS" envDefault:"false"`

	AtRestEncryption bool          `env:"AT_REST_ENCRYPTION" envDefault:"false"`
	DataKeyCacheTTL  time.Duration `env:"DATA_KEY_CACHE_TTL" envDefault:"10m"`
	DataKeyCacheSize int           `env:"DATA_KEY_CACHE_SIZE" envDefault:"1024"`
	KMS              KMSCfg

	MaxPasteSize        int64         `env:"MAX_PASTE_SIZE" envDefault:"1048576"`
	MaxIDAttempts       int           `env:"MAX_ID_ATTEMPTS" envDefault:"5"`
	ReadFailureFloor    time.Duration `env:"READ_FAILURE_FLOOR" envDefault:"350ms"`
	SweepInterval       time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	DeletionTokenSecret Secret        `env:"DELETION_TOKEN_SECRET"`
	DeletionTokenExpiry time.Duration `env:"DELETION_TOKEN_EXPIRY" envDefault:"24h"`

	ContextTimeout time.Duration `env:"CONTEXT_TIMEOUT" envDefault:"5s"`
	AllowedOrigins []string      `env:"ALLOWED_ORIGINS" envSeparator:","`
	MetricsUser    string        `env:"METRICS_USER"`
	MetricsPass    Secret        `env:"METRICS_PASS"`

	// TrustProxyHeaders takes the client address from X-Forwarded-For
	// and X-Real-IP. Only enable it behind a proxy that sets them.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`
}

// KMSCfg selects the provider that wraps data keys and serves secrets.
// Vault wins over AWS; the local key is only a fallback.
type KMSCfg struct {
	VaultAddr       string `env:"VAULT_ADDR"`
	VaultToken      Secret `env:"VAULT_TOKEN"`
	VaultTokenFile  string `env:"VAULT_TOKEN_FILE"`
	VaultMountPath  string `env:"VAULT_MOUNT_PATH" envDefault:"transit"`
	VaultKeyID      string `env:"VAULT_KEY_ID" envDefault:"cinder-master"`
	VaultSecretPath string `env:"VAULT_SECRET_PATH" envDefault:"secret/data/cinder"`
	AWSRegion       string `env:"AWS_REGION"`
	AWSKeyID        string `env:"KMS_MASTER_KEY_ID" envDefault:"alias/cinder-master"`
	LocalKey        Secret `env:"KMS_LOCAL_KEY"`
	RequirePrimary  bool   `env:"KMS_REQUIRE_PRIMARY" envDefault:"false"`
	FailClosed      bool   `env:"KMS_FAIL_CLOSED" envDefault:"true"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Cfg, error) {
	_ = godotenv.Load()
	c := &Cfg{}
	if err := env.Parse(c); err != nil {
		return nil, errors.Wrap(err, "parse environment")
	}
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))
	return c, nil
}

func Validate(c *Cfg) error {
	if c.Port == "" {
		return errors.New("PORT is required")
	}
	if _, err := strconv.Atoi(c.Port); err != nil {
		return errors.New("PORT must be a number")
	}

	switch c.StoreBackend {
	case BackendMemory:
	case BackendSQLite:
		if err := validateDBPath(c.DatabasePath); err != nil {
			return err
		}
	case BackendPostgres:
		if c.DatabaseURL.Empty() {
			return errors.New("DATABASE_URL is required for STORE_BACKEND=postgres")
		}
	case BackendRedis:
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required for STORE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", c.StoreBackend)
	}
	if c.RedisURL != "" {
		if !strings.HasPrefix(c.RedisURL, "redis://") && !strings.HasPrefix(c.RedisURL, "rediss://") {
			return errors.New("REDIS_URL must start with redis:// or rediss://")
		}
		if strings.HasPrefix(c.RedisURL, "rediss://") && !c.RedisTLS {
			return errors.New("REDIS_URL uses rediss:// but REDIS_TLS=false")
		}
	}
	if c.DBMaxOpenConns <= 0 {
		return errors.New("DB_MAX_OPEN_CONNS must be positive")
	}

	if c.Argon2Time < 1 {
		return errors.New("ARGON2_TIME must be at least 1")
	}
	if c.Argon2Memory < 8*1024 {
		return errors.New("ARGON2_MEMORY must be >= 8192 (8MB)")
	}
	if c.Argon2Parallelism < 1 {
		return errors.New("ARGON2_PARALLELISM must be at least 1")
	}
	if c.KDFWorkers < 1 {
		return errors.New("KDF_WORKERS must be at least 1")
	}
	if !c.SecretsFromKMS && !c.Pepper.Empty() && len(c.Pepper.Value()) < 32 {
		return errors.New("PEPPER must be at least 32 bytes")
	}

	if c.MaxPasteSize <= 0 {
		return errors.New("MAX_PASTE_SIZE must be positive")
	}
	if c.MaxPasteSize > 10*1024*1024 {
		return errors.New("MAX_PASTE_SIZE cannot exceed 10MB")
	}
	if c.MaxIDAttempts < 1 {
		return errors.New("MAX_ID_ATTEMPTS must be at least 1")
	}
	if c.ReadFailureFloor < 0 || c.ReadFailureFloor > 5*time.Second {
		return errors.New("READ_FAILURE_FLOOR must be between 0 and 5s")
	}
	if c.SweepInterval < time.Second {
		return errors.New("SWEEP_INTERVAL must be at least 1 second")
	}

	if c.DeletionTokenExpiry > 7*24*time.Hour {
		return errors.New("DELETION_TOKEN_EXPIRY cannot exceed 7 days")
	}
	if c.DeletionTokenExpiry < 1*time.Minute {
		return errors.New("DELETION_TOKEN_EXPIRY must be at least 1 minute")
	}
	if !c.DeletionTokenSecret.Empty() && len(c.DeletionTokenSecret.Value()) < 32 {
		return errors.New("DELETION_TOKEN_SECRET must be at least 32 bytes")
	}

	if c.AtRestEncryption {
		if c.DataKeyCacheTTL < 1*time.Minute {
			return errors.New("DATA_KEY_CACHE_TTL must be at least 1 minute")
		}
		if c.DataKeyCacheTTL > 1*time.Hour {
			return errors.New("DATA_KEY_CACHE_TTL should not exceed 1 hour")
		}
		if c.DataKeyCacheSize <= 0 {
			return errors.New("DATA_KEY_CACHE_SIZE must be positive")
		}
	}
	if (c.AtRestEncryption || c.SecretsFromKMS) && !c.KMS.Configured() {
		return errors.New("AT_REST_ENCRYPTION and SECRETS_FROM_KMS need VAULT_ADDR, AWS_REGION or KMS_LOCAL_KEY")
	}

	if c.Environment == "production" {
		if c.MetricsUser == "" || c.MetricsPass.Empty() {
			return errors.New("METRICS_USER and METRICS_PASS are required in production")
		}
		if c.DeletionTokenSecret.Empty() && !c.SecretsFromKMS {
			return errors.New("DELETION_TOKEN_SECRET is required in production")
		}
	}
	return nil
}

func (k KMSCfg) Configured() bool {
	return k.VaultAddr != "" || k.AWSRegion != "" || !k.LocalKey.Empty()
}

func (c *Cfg) IsDev() bool {
	return c.Environment == "development"
}

func (c *Cfg) Wipe() {
	c.DatabaseURL.Wipe()
	c.RedisPassword.Wipe()
	c.MetricsPass.Wipe()
	c.Pepper.Wipe()
	c.DeletionTokenSecret.Wipe()
	c.KMS.VaultToken.Wipe()
	c.KMS.LocalKey.Wipe()
}

func validateDBPath(p string) error {
	if p == "" {
		return errors.New("DATABASE_PATH is required")
	}
	if p == ":memory:" {
		return nil
	}
	workDir, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get working directory: %w", err)
	}
	absWorkDir, err := filepath.Abs(workDir)
	if err != nil {
		return fmt.Errorf("failed to resolve working directory: %w", err)
	}
	absDBPath, err := filepath.Abs(p)
	if err != nil {
		return fmt.Errorf("invalid DATABASE_PATH: %w", err)
	}
	if !strings.HasPrefix(absDBPath, absWorkDir+string(filepath.Separator)) && absDBPath != absWorkDir {
		return fmt.Errorf("DATABASE_PATH must be within working directory %s", absWorkDir)
	}
	return nil
}
