package rbacauth

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	internalaudit "github.com/braybrandon/rbacauth/internal/audit"
	"github.com/braybrandon/rbacauth/internal/flows"
	"github.com/braybrandon/rbacauth/internal/logging"
	"github.com/braybrandon/rbacauth/internal/rate"
	"github.com/braybrandon/rbacauth/jwt"
	"github.com/braybrandon/rbacauth/password"
	"github.com/braybrandon/rbacauth/permission"
	"github.com/braybrandon/rbacauth/refresh"
	"github.com/braybrandon/rbacauth/store/redisstore"
)

// Builder assembles an Engine. A Builder is single-use: Build may succeed
// once.
type Builder struct {
	config Config
	redis  redis.UniversalClient

	users      UserStore
	grants     GrantStore
	ledger     refresh.Ledger
	cacheStore permission.CacheStore

	logger    *zerolog.Logger
	auditSink AuditSink
	clock     func() time.Time

	built bool
}

// New returns a Builder seeded with DefaultConfig.
func New() *Builder {
	return &Builder{
		config: DefaultConfig(),
	}
}

// WithConfig replaces the whole configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis sets the client used for rate limiting and, unless overridden by
// WithLedger or WithCacheStore, for the refresh ledger and the permission
// cache.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithUserStore sets the credential store. Required.
func (b *Builder) WithUserStore(users UserStore) *Builder {
	b.users = users
	return b
}

// WithGrantStore sets the role and grant source. Required.
func (b *Builder) WithGrantStore(grants GrantStore) *Builder {
	b.grants = grants
	return b
}

// WithLedger sets the refresh ledger, for example a store/pgstore Ledger.
func (b *Builder) WithLedger(ledger refresh.Ledger) *Builder {
	b.ledger = ledger
	return b
}

// WithCacheStore sets where aggregated permission masks are kept. Without
// it and without Redis the cache lives in process memory.
func (b *Builder) WithCacheStore(store permission.CacheStore) *Builder {
	b.cacheStore = store
	return b
}

// WithLogger sets the logger for best-effort failures. The default writes
// JSON to stderr.
func (b *Builder) WithLogger(log zerolog.Logger) *Builder {
	b.logger = &log
	return b
}

// WithAuditSink sets the audit destination. Audit.Enabled must also be set
// for events to be dispatched.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// WithClock overrides time.Now for ledger timestamps, token issuance and
// audit events. Tests use it to move past expiry.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.clock = now
	return b
}

// Build validates the configuration and wires the Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if b.users == nil {
		return nil, errors.New("user store required")
	}
	if b.grants == nil {
		return nil, errors.New("grant store required")
	}
	if b.ledger == nil && b.redis == nil {
		return nil, errors.New("refresh ledger or redis client required")
	}
	if cfg.Security.ProductionMode && b.redis == nil {
		return nil, errors.New("ProductionMode requires redis client for throttling")
	}

	log := logging.New(logging.Config{}, "rbacauth")
	if b.logger != nil {
		log = *b.logger
	}

	engine := &Engine{
		config: cfg,
		users:  b.users,
		grants: b.grants,
		log:    log,
		clock:  b.clock,
	}

	// -------- REFRESH LEDGER --------
	engine.ledger = b.ledger
	if engine.ledger == nil {
		engine.ledger = redisstore.NewLedger(b.redis, redisstore.LedgerOptions{
			Prefix:    cfg.Redis.Prefix,
			Retention: cfg.Refresh.LedgerRetention,
		})
	}

	// -------- PERMISSION CACHE --------
	cacheStore := b.cacheStore
	if cacheStore == nil {
		if b.redis != nil {
			cacheStore = redisstore.NewCacheStore(b.redis, cfg.Redis.Prefix)
		} else {
			cacheStore = permission.NewMemoryStore()
		}
	}
	cache, err := permission.NewCache(cacheStore, b.grants, permission.CacheOptions{
		RecomputeRetries: cfg.Cache.RecomputeRetries,
		Logger:           log,
	})
	if err != nil {
		return nil, err
	}
	engine.cache = cache

	// -------- THROTTLING --------
	if b.redis != nil {
		engine.rateLimiter = rate.New(b.redis, rate.Config{
			Prefix:                  cfg.Redis.Prefix,
			EnableIPThrottle:        cfg.Security.EnableIPThrottle,
			EnableRefreshThrottle:   cfg.Security.EnableRefreshThrottle,
			MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
			LoginCooldownDuration:   cfg.Security.LoginCooldownDuration,
			MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
			RefreshCooldownDuration: cfg.Security.RefreshCooldownDuration,
		})
	} else if cfg.Security.MaxLoginAttempts > 0 || cfg.Security.EnableRefreshThrottle {
		log.Info().Msg("rbacauth: no redis client, login and refresh throttling disabled")
	}

	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:     cfg.Audit.Enabled,
		BufferSize:  cfg.Audit.BufferSize,
		DropIfFull:  cfg.Audit.DropIfFull,
		SinkTimeout: cfg.Audit.SinkTimeout,
		Logger:      log,
	}, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	ph, err := password.NewArgon2(password.Config{
		Memory:           cfg.Password.Memory,
		Time:             cfg.Password.Time,
		Parallelism:      cfg.Password.Parallelism,
		SaltLength:       cfg.Password.SaltLength,
		KeyLength:        cfg.Password.KeyLength,
		MinPasswordBytes: cfg.Password.MinLength,
		MaxPasswordBytes: cfg.Password.MaxLength,
	})
	if err != nil {
		return nil, err
	}
	engine.passwordHash = ph

	jm, err := jwt.NewManager(jwt.Config{
		AccessTTL:     cfg.JWT.AccessTTL,
		SigningMethod: jwt.SigningMethod(cfg.JWT.SigningMethod),
		PrivateKey:    cloneBytes(cfg.JWT.PrivateKey),
		PublicKey:     cloneBytes(cfg.JWT.PublicKey),
		Issuer:        cfg.JWT.Issuer,
		Audience:      cfg.JWT.Audience,
		Leeway:        cfg.JWT.Leeway,
		KeyID:         cfg.JWT.KeyID,
		Now:           b.clock,
	})
	if err != nil {
		return nil, err
	}
	engine.jwtManager = jm

	engine.flows = flows.New(engine.flowDeps())

	b.built = true

	return engine, nil
}

func (e *Engine) flowDeps() flows.Deps {
	var (
		checkLogin, incLogin, resetLogin func(context.Context, string, string) error
		refreshLimiter                   flows.RefreshRateLimiter
	)
	if e.rateLimiter != nil {
		checkLogin = e.rateLimiter.CheckLogin
		incLogin = e.rateLimiter.IncrementLogin
		resetLogin = e.rateLimiter.ResetLogin
		refreshLimiter = e.rateLimiter
	}

	return flows.Deps{
		Login: flows.LoginDeps{
			PasswordUpgradeOnLogin: e.config.Password.UpgradeOnLogin,
			RefreshTTL:             e.config.Refresh.TTL,
			ClientIPFromContext:    clientIPFromContext,
			Now:                    e.now,
			CheckLoginRate:         checkLogin,
			IncrementLoginRate:     incLogin,
			ResetLoginRate:         resetLogin,
			GetUserByEmail:         e.subjectByEmail,
			UpdatePasswordHash:     e.users.UpdatePasswordHash,
			VerifyPassword:         e.passwordHash.Verify,
			VerifyDummy:            e.passwordHash.VerifyDummy,
			PasswordNeedsUpgrade:   e.passwordHash.NeedsUpgrade,
			HashPassword:           e.passwordHash.Hash,
			Ledger:                 e.ledger,
			NewRefreshSecret:       refresh.NewSecret,
			IssueAccessToken:       e.jwtManager.CreateAccess,
			MetricInc:              e.flowMetricInc,
			EmitAudit:              e.flowAudit,
			Warn:                   e.warn,
			Metrics: flows.LoginMetrics{
				LoginSuccess:     int(MetricLoginSuccess),
				LoginFailure:     int(MetricLoginFailure),
				LoginRateLimited: int(MetricLoginRateLimited),
				RefreshIssued:    int(MetricRefreshIssued),
			},
			Events: flows.LoginEvents{
				LoginSuccess:     auditEventLoginSuccess,
				LoginFailure:     auditEventLoginFailure,
				LoginRateLimited: auditEventLoginRateLimited,
			},
			Errors: flows.LoginErrors{
				EngineNotReady:     ErrEngineNotReady,
				InvalidCredentials: ErrInvalidCredentials,
				LoginRateLimited:   ErrLoginRateLimited,
				UserNotFound:       ErrUserNotFound,
				BackendUnavailable: ErrBackendUnavailable,
			},
		},
		Refresh: flows.RefreshDeps{
			ClientIPFromContext: clientIPFromContext,
			Now:                 e.now,
			RefreshTTL:          e.config.Refresh.TTL,
			Ledger:              e.ledger,
			LoadUser:            e.subjectByID,
			NewRefreshSecret:    refresh.NewSecret,
			IssueAccessToken:    e.jwtManager.CreateAccess,
			RateLimiter:         refreshLimiter,
			Warn:                e.warn,
			UserNotFound:        ErrUserNotFound,
		},
		Validate: flows.ValidateDeps{
			ParseAccess:  e.jwtManager.ParseAccess,
			LoadUser:     e.subjectByID,
			Now:          e.now,
			MaxClockSkew: e.config.Security.MaxClockSkew,
			UserNotFound: ErrUserNotFound,
		},
		Logout: flows.LogoutDeps{
			Ledger: e.ledger,
		},
		Authorize: flows.AuthorizeDeps{
			RoleIDs:       e.grants.UserRoleIDs,
			Masks:         e.cache.Get,
			LookupTimeout: e.config.Cache.LookupTimeout,
		},
		Password: flows.PasswordDeps{
			GetUserByID:           e.subjectByID,
			UpdatePasswordHash:    e.users.UpdatePasswordHash,
			IncrementTokenVersion: e.users.IncrementTokenVersion,
			VerifyPassword:        e.passwordHash.Verify,
			VerifyDummy:           e.passwordHash.VerifyDummy,
			CheckPolicy:           e.passwordHash.CheckPolicy,
			HashPassword:          e.passwordHash.Hash,
			RevokeAllForUser:      e.ledger.RevokeAllForUser,
			MetricInc:             e.flowMetricInc,
			EmitAudit:             e.flowAudit,
			Warn:                  e.warn,
			Metrics: flows.PasswordMetrics{
				PasswordChangeSuccess: int(MetricPasswordChangeSuccess),
				PasswordChangeFailure: int(MetricPasswordChangeFailure),
			},
			Events: flows.PasswordEvents{
				PasswordChanged: auditEventPasswordChangeSuccess,
				PasswordFailure: auditEventPasswordChangeFailure,
			},
			Errors: flows.PasswordErrors{
				EngineNotReady:     ErrEngineNotReady,
				InvalidCredentials: ErrInvalidCredentials,
				PasswordPolicy:     ErrPasswordPolicy,
				PasswordAlreadySet: ErrPasswordAlreadySet,
				UserNotFound:       ErrUserNotFound,
				BackendUnavailable: ErrBackendUnavailable,
			},
		},
	}
}
