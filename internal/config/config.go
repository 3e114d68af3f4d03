package config

import (
	"encoding/hex"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string        `mapstructure:"PORT"`
	Env             string        `mapstructure:"ENV"`
	StoreDriver     string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL     string        `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32         `mapstructure:"DB_MIN_CONNS"`
	CORSOrigins     []string      `mapstructure:"CORS_ORIGINS"`
	AuthIssuer      string        `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string        `mapstructure:"AUTH_AUDIENCE"`
	AuthJWKSURL     string        `mapstructure:"AUTH_JWKS_URL"`
	AuthSigningKey  string        `mapstructure:"AUTH_SIGNING_KEY"`
	ArchiveURL      string        `mapstructure:"ARCHIVE_URL"`
	ArchivePublic   string        `mapstructure:"ARCHIVE_PUBLIC_URL"`
	ArchiveUsername string        `mapstructure:"ARCHIVE_USERNAME"`
	ArchivePassword string        `mapstructure:"ARCHIVE_PASSWORD"`
	ArchiveTimeout  time.Duration `mapstructure:"ARCHIVE_TIMEOUT"`
	FileStoreDriver string        `mapstructure:"FILESTORE_DRIVER"`
	FileStorePath   string        `mapstructure:"FILESTORE_PATH"`
	RequestTimeout  time.Duration `mapstructure:"REQUEST_TIMEOUT"`
	OrphanGrace     time.Duration `mapstructure:"ORPHAN_GRACE_PERIOD"`
	MaxUploadSize   string        `mapstructure:"MAX_UPLOAD_SIZE"`
	ServiceName     string        `mapstructure:"OTEL_SERVICE_NAME"`
	OTLPEndpoint    string        `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	TraceSampleRate float64       `mapstructure:"OTEL_TRACES_SAMPLER_ARG"`
}

var boundKeys = []string{
	"PORT", "ENV", "STORE_DRIVER", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CORS_ORIGINS", "AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_JWKS_URL", "AUTH_SIGNING_KEY",
	"ARCHIVE_URL", "ARCHIVE_PUBLIC_URL", "ARCHIVE_USERNAME", "ARCHIVE_PASSWORD", "ARCHIVE_TIMEOUT",
	"FILESTORE_DRIVER", "FILESTORE_PATH", "REQUEST_TIMEOUT", "ORPHAN_GRACE_PERIOD", "MAX_UPLOAD_SIZE", "OTEL_SERVICE_NAME",
	"OTEL_EXPORTER_OTLP_ENDPOINT", "OTEL_TRACES_SAMPLER_ARG",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("ARCHIVE_URL", "http://localhost:8042")
	v.SetDefault("ARCHIVE_TIMEOUT", "15s")
	v.SetDefault("FILESTORE_DRIVER", "memory")
	v.SetDefault("FILESTORE_PATH", "./data/filestore")
	v.SetDefault("REQUEST_TIMEOUT", "60s")
	v.SetDefault("ORPHAN_GRACE_PERIOD", "1h")
	v.SetDefault("MAX_UPLOAD_SIZE", "110M")
	v.SetDefault("OTEL_SERVICE_NAME", "portal-server")
	v.SetDefault("OTEL_TRACES_SAMPLER_ARG", 1.0)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range boundKeys {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}
	if cfg.ArchivePublic == "" {
		cfg.ArchivePublic = cfg.ArchiveURL
	}

	if cfg.StoreDriver == "postgres" && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is postgres")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: DevAuthMiddleware is active: requests without a token get admin access.")
		log.Println("WARNING: Do NOT use this configuration in production.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// a JWT verification source (signing key or JWKS) is required, and the
// archive timeout must be positive since every archive call is bounded by it.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("STORE_DRIVER must be \"postgres\" or \"memory\", got %q", c.StoreDriver)
	}
	switch c.FileStoreDriver {
	case "memory":
	case "leveldb":
		if c.FileStorePath == "" {
			return fmt.Errorf("FILESTORE_PATH is required when FILESTORE_DRIVER is leveldb")
		}
	default:
		return fmt.Errorf("FILESTORE_DRIVER must be \"memory\" or \"leveldb\", got %q", c.FileStoreDriver)
	}

	if c.ArchiveURL == "" {
		return fmt.Errorf("ARCHIVE_URL is required")
	}
	if c.ArchiveTimeout <= 0 {
		return fmt.Errorf("ARCHIVE_TIMEOUT must be positive, got %s", c.ArchiveTimeout)
	}

	// Binaries of an add in flight are unreferenced until the request ends.
	if c.OrphanGrace < c.RequestTimeout {
		return fmt.Errorf("ORPHAN_GRACE_PERIOD (%s) must be at least REQUEST_TIMEOUT (%s)", c.OrphanGrace, c.RequestTimeout)
	}

	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf(
			"AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set outside development (current ENV=%q)", c.Env)
	}
	if c.AuthSigningKey != "" {
		if _, err := hex.DecodeString(c.AuthSigningKey); err != nil {
			return fmt.Errorf("AUTH_SIGNING_KEY is not valid hex: %w", err)
		}
	}
	return nil
}

// SigningKeyBytes decodes AUTH_SIGNING_KEY. Validate has already rejected
// malformed values, so decode errors yield nil.
func (c *Config) SigningKeyBytes() []byte {
	if c.AuthSigningKey == "" {
		return nil
	}
	b, err := hex.DecodeString(c.AuthSigningKey)
	if err != nil {
		return nil
	}
	return b
}
