package tokenledger

import (
	"database/sql"
	"errors"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/arkadyv/tokenledger/cache"
	"github.com/arkadyv/tokenledger/internal/rate"
	"github.com/arkadyv/tokenledger/ledger"
	"github.com/arkadyv/tokenledger/password"
	"github.com/arkadyv/tokenledger/token"
)

// Builder assembles an Engine. A builder is single-use: Build succeeds
// at most once.
type Builder struct {
	config Config

	redis       redis.UniversalClient
	db          *sql.DB
	ledgerStore ledger.Store
	credentials CredentialStore
	auditSink   AuditSink
	logger      *logrus.Logger

	built bool
}

// New returns a Builder preloaded with defaults.
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the entire configuration.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithRedis attaches the Redis client used for the status cache and
// the rate limiter. Optional: without it the engine runs ledger-only,
// with no cache and no throttling.
func (b *Builder) WithRedis(client redis.UniversalClient) *Builder {
	b.redis = client
	return b
}

// WithDB attaches a Postgres handle and uses the SQL-backed ledger.
// Ignored when WithLedger is also called.
func (b *Builder) WithDB(db *sql.DB) *Builder {
	b.db = db
	return b
}

// WithLedger attaches an explicit ledger store, overriding WithDB.
func (b *Builder) WithLedger(store ledger.Store) *Builder {
	b.ledgerStore = store
	return b
}

// WithCredentialStore attaches the account lookup backend. Required.
func (b *Builder) WithCredentialStore(store CredentialStore) *Builder {
	b.credentials = store
	return b
}

// WithAuditSink attaches the audit event consumer.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger attaches a logrus logger. Defaults to a fresh logger at
// Warn level.
func (b *Builder) WithLogger(logger *logrus.Logger) *Builder {
	b.logger = logger
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

// Build validates the configuration, wires the dependencies, and
// returns a ready Engine.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	store := b.ledgerStore
	if store == nil {
		if b.db == nil {
			return nil, errors.New("ledger store or database handle required")
		}
		store = ledger.NewPostgres(b.db)
	}

	if b.credentials == nil {
		return nil, errors.New("credential store required")
	}

	logger := b.logger
	if logger == nil {
		logger = logrus.New()
		logger.SetLevel(logrus.WarnLevel)
	}

	codec, err := token.NewCodec(token.Config{
		AccessTTL:     cfg.Token.AccessTTL,
		RefreshTTL:    cfg.Token.RefreshTTL,
		SigningMethod: token.SigningMethod(cfg.Token.SigningMethod),
		PrivateKey:    cloneBytes(cfg.Token.PrivateKey),
		PublicKey:     cloneBytes(cfg.Token.PublicKey),
		Issuer:        cfg.Token.Issuer,
		Leeway:        cfg.Token.Leeway,
		KeyID:         cfg.Token.KeyID,
		VerifyKeys:    cfg.Token.VerifyKeys,
	})
	if err != nil {
		return nil, err
	}

	hasher, err := password.NewHasher(password.Config{
		Memory:      cfg.Password.Memory,
		Time:        cfg.Password.Time,
		Parallelism: cfg.Password.Parallelism,
		SaltLength:  cfg.Password.SaltLength,
		KeyLength:   cfg.Password.KeyLength,
	})
	if err != nil {
		return nil, err
	}

	// Hash of a random throwaway password, verified against when login
	// finds no account, so both branches pay the same argon2 cost.
	decoy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}

	engine := &Engine{
		config:      cfg,
		codec:       codec,
		ledger:      store,
		credentials: b.credentials,
		hasher:      hasher,
		decoyHash:   decoy,
		logger:      logger,
	}

	if b.redis != nil {
		if !cfg.Cache.Disabled {
			engine.cache = cache.NewStore(b.redis, cfg.Cache.Prefix)
		}
		engine.limiter = rate.New(b.redis, rate.Config{
			EnableIPThrottle:        cfg.Security.EnableIPThrottle,
			EnableRefreshThrottle:   cfg.Security.EnableRefreshThrottle,
			MaxLoginAttempts:        cfg.Security.MaxLoginAttempts,
			LoginCooldownDuration:   cfg.Security.LoginCooldownDuration,
			MaxRefreshAttempts:      cfg.Security.MaxRefreshAttempts,
			RefreshCooldownDuration: cfg.Security.RefreshCooldownDuration,
		})
	}

	engine.audit = newAuditDispatcher(cfg.Audit, b.auditSink)
	engine.metrics = NewMetrics(cfg.Metrics)

	b.built = true

	return engine, nil
}
