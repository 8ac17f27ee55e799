package rbacauth

import (
	"errors"
	"time"

	"github.com/braybrandon/rbacauth/password"
	"github.com/braybrandon/rbacauth/permission"
)

// Config is the full Engine configuration. Start from DefaultConfig and
// override fields; Build validates and clones it.
//
// The koanf tags let command-line tools load the same structure from YAML
// and environment variables.
type Config struct {
	JWT      JWTConfig      `koanf:"jwt"`
	Refresh  RefreshConfig  `koanf:"refresh"`
	Password PasswordConfig `koanf:"password"`
	Cache    CacheConfig    `koanf:"cache"`
	Security SecurityConfig `koanf:"security"`
	Audit    AuditConfig    `koanf:"audit"`
	Metrics  MetricsConfig  `koanf:"metrics"`
	Redis    RedisConfig    `koanf:"redis"`
}

/*
====================================
JWT CONFIG
====================================
*/

// JWTConfig controls access-token signing.
type JWTConfig struct {
	AccessTTL     time.Duration `koanf:"access_ttl"`
	SigningMethod string        `koanf:"signing_method"` // "hs256" (default) or "ed25519"
	PrivateKey    []byte        `koanf:"private_key"`
	PublicKey     []byte        `koanf:"public_key"`
	Issuer        string        `koanf:"issuer"`
	Audience      string        `koanf:"audience"`
	Leeway        time.Duration `koanf:"leeway"`
	KeyID         string        `koanf:"key_id"`
}

/*
====================================
REFRESH CONFIG
====================================
*/

// RefreshConfig controls refresh credential lifetime.
type RefreshConfig struct {
	TTL time.Duration `koanf:"ttl"`
	// LedgerRetention is how long the Redis ledger keeps a row after its
	// expiry so that late replays are still detected as reuse.
	LedgerRetention time.Duration `koanf:"ledger_retention"`
}

/*
====================================
PASSWORD CONFIG
====================================
*/

// PasswordConfig holds argon2id cost parameters and the length policy.
type PasswordConfig struct {
	Memory         uint32 `koanf:"memory"` // in KB
	Time           uint32 `koanf:"time"`
	Parallelism    uint8  `koanf:"parallelism"`
	SaltLength     uint32 `koanf:"salt_length"`
	KeyLength      uint32 `koanf:"key_length"`
	MinLength      int    `koanf:"min_length"`
	MaxLength      int    `koanf:"max_length"`
	UpgradeOnLogin bool   `koanf:"upgrade_on_login"`
}

/*
====================================
CACHE CONFIG
====================================
*/

// CacheConfig tunes the permission cache and the authorization gate.
type CacheConfig struct {
	// LookupTimeout bounds role and mask lookups in Authorize. A lookup that
	// exceeds it denies.
	LookupTimeout    time.Duration `koanf:"lookup_timeout"`
	RecomputeRetries int           `koanf:"recompute_retries"`
}

/*
====================================
SECURITY CONFIG
====================================
*/

// SecurityConfig controls throttling and clock tolerance.
type SecurityConfig struct {
	ProductionMode          bool          `koanf:"production_mode"`
	EnableIPThrottle        bool          `koanf:"enable_ip_throttle"`
	EnableRefreshThrottle   bool          `koanf:"enable_refresh_throttle"`
	MaxLoginAttempts        int           `koanf:"max_login_attempts"`
	LoginCooldownDuration   time.Duration `koanf:"login_cooldown"`
	MaxRefreshAttempts      int           `koanf:"max_refresh_attempts"`
	RefreshCooldownDuration time.Duration `koanf:"refresh_cooldown"`
	MaxClockSkew            time.Duration `koanf:"max_clock_skew"`
}

// AuditConfig controls the asynchronous audit dispatcher.
type AuditConfig struct {
	Enabled    bool `koanf:"enabled"`
	BufferSize int  `koanf:"buffer_size"`
	DropIfFull bool `koanf:"drop_if_full"`

	// SinkTimeout bounds each sink delivery; zero means no deadline.
	SinkTimeout time.Duration `koanf:"sink_timeout"`
}

// MetricsConfig toggles in-process metrics.
type MetricsConfig struct {
	Enabled                 bool `koanf:"enabled"`
	EnableLatencyHistograms bool `koanf:"enable_latency_histograms"`
}

// RedisConfig holds the key prefix shared by every Redis-backed component.
type RedisConfig struct {
	Prefix string `koanf:"prefix"`
}

/*
====================================
DEFAULTS
====================================
*/

// DefaultConfig returns the baseline configuration: 15 minute access tokens,
// 7 day refresh credentials, argon2id at 64 MiB.
func DefaultConfig() Config {
	return Config{
		JWT: JWTConfig{
			AccessTTL:     15 * time.Minute,
			SigningMethod: "hs256",
		},
		Refresh: RefreshConfig{
			TTL:             7 * 24 * time.Hour,
			LedgerRetention: 30 * 24 * time.Hour,
		},
		Password: PasswordConfig{
			Memory:         65536,
			Time:           3,
			Parallelism:    2,
			SaltLength:     16,
			KeyLength:      32,
			MinLength:      password.DefaultMinPasswordBytes,
			MaxLength:      password.DefaultMaxPasswordBytes,
			UpgradeOnLogin: true,
		},
		Cache: CacheConfig{
			LookupTimeout:    2 * time.Second,
			RecomputeRetries: permission.DefaultRecomputeRetries,
		},
		Security: SecurityConfig{
			EnableIPThrottle:        false,
			EnableRefreshThrottle:   true,
			MaxLoginAttempts:        5,
			LoginCooldownDuration:   15 * time.Minute,
			MaxRefreshAttempts:      20,
			RefreshCooldownDuration: 1 * time.Minute,
			MaxClockSkew:            30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled:    false,
			BufferSize:  1024,
			DropIfFull:  true,
			SinkTimeout: 5 * time.Second,
		},
		Metrics: MetricsConfig{
			Enabled:                 false,
			EnableLatencyHistograms: false,
		},
		Redis: RedisConfig{
			Prefix: "rbac",
		},
	}
}

func cloneConfig(cfg Config) Config {
	out := cfg
	out.JWT.PrivateKey = cloneBytes(cfg.JWT.PrivateKey)
	out.JWT.PublicKey = cloneBytes(cfg.JWT.PublicKey)
	return out
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

/*
====================================
VALIDATION
====================================
*/

// Validate reports the first inconsistency in c.
func (c *Config) Validate() error {
	// JWT
	if c.JWT.AccessTTL <= 0 {
		return errors.New("JWT AccessTTL must be > 0")
	}
	switch c.JWT.SigningMethod {
	case "hs256":
		if len(c.JWT.PrivateKey) < 32 {
			return errors.New("JWT hs256 requires a PrivateKey of at least 32 bytes")
		}
	case "ed25519":
		if len(c.JWT.PrivateKey) == 0 {
			return errors.New("JWT ed25519 requires a PrivateKey")
		}
	default:
		return errors.New("unsupported JWT signing method")
	}

	// Refresh
	if c.Refresh.TTL <= 0 {
		return errors.New("Refresh TTL must be > 0")
	}
	if c.Refresh.LedgerRetention < 0 {
		return errors.New("Refresh LedgerRetention must be >= 0")
	}

	// Password
	if c.Password.MinLength < 0 || c.Password.MaxLength < 0 {
		return errors.New("Password length bounds must be >= 0")
	}
	if c.Password.MaxLength > 0 && c.Password.MinLength > c.Password.MaxLength {
		return errors.New("Password MinLength must be <= MaxLength")
	}

	// Cache
	if c.Cache.LookupTimeout < 0 {
		return errors.New("Cache LookupTimeout must be >= 0")
	}
	if c.Cache.RecomputeRetries < 0 {
		return errors.New("Cache RecomputeRetries must be >= 0")
	}

	// Audit
	if c.Audit.Enabled && c.Audit.BufferSize <= 0 {
		return errors.New("Audit BufferSize must be > 0 when audit is enabled")
	}
	if c.Audit.SinkTimeout < 0 {
		return errors.New("Audit SinkTimeout must be >= 0")
	}

	// Security
	if c.Security.MaxLoginAttempts < 0 {
		return errors.New("Security MaxLoginAttempts must be >= 0")
	}
	if c.Security.MaxLoginAttempts > 0 && c.Security.LoginCooldownDuration <= 0 {
		return errors.New("Security LoginCooldownDuration must be > 0 when login throttling is on")
	}
	if c.Security.EnableRefreshThrottle {
		if c.Security.MaxRefreshAttempts <= 0 {
			return errors.New("Security MaxRefreshAttempts must be > 0 when refresh throttling is on")
		}
		if c.Security.RefreshCooldownDuration <= 0 {
			return errors.New("Security RefreshCooldownDuration must be > 0 when refresh throttling is on")
		}
	}
	if c.Security.MaxClockSkew < 0 {
		return errors.New("Security MaxClockSkew must be >= 0")
	}

	if c.Security.ProductionMode {
		if c.JWT.AccessTTL > 15*time.Minute {
			return errors.New("ProductionMode requires JWT AccessTTL <= 15m")
		}
		if c.Refresh.TTL > 30*24*time.Hour {
			return errors.New("ProductionMode requires Refresh TTL <= 30d")
		}
		if c.Password.Memory < 64*1024 {
			return errors.New("ProductionMode requires Password Memory >= 65536 KB")
		}
		if c.Password.Time < 2 {
			return errors.New("ProductionMode requires Password Time >= 2")
		}
		if c.Password.KeyLength < 32 {
			return errors.New("ProductionMode requires Password KeyLength >= 32")
		}
		if c.Password.SaltLength < 16 {
			return errors.New("ProductionMode requires Password SaltLength >= 16")
		}
		if c.Security.MaxLoginAttempts == 0 {
			return errors.New("ProductionMode requires login throttling")
		}
	}

	// Redis
	if c.Redis.Prefix == "" {
		return errors.New("Redis Prefix must not be empty")
	}

	return nil
}
