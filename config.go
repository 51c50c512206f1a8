package tokenledger

import (
	"errors"
	"time"
)

// Config collects all engine tuning. Zero values are filled in from
// defaultConfig by the builder; instances are treated as immutable
// after Build.
type Config struct {
	Token    TokenConfig
	Cache    CacheConfig
	Security SecurityConfig
	Password PasswordConfig
	Audit    AuditConfig
	Metrics  MetricsConfig
}

// TokenConfig mirrors the token codec settings.
type TokenConfig struct {
	AccessTTL     time.Duration
	RefreshTTL    time.Duration
	SigningMethod string // "ed25519" (default) or "hs256"
	PrivateKey    []byte
	PublicKey     []byte
	Issuer        string
	Leeway        time.Duration
	KeyID         string
	// VerifyKeys maps key IDs to verification keys accepted alongside
	// the active key, for signing-key rotation.
	VerifyKeys map[string][]byte
}

// CacheConfig controls the Redis status mirror.
type CacheConfig struct {
	Prefix string
	// Disabled skips the cache entirely even when a Redis client is
	// configured. Reads go straight to the ledger.
	Disabled bool
}

// SecurityConfig controls throttling and revocation policy.
type SecurityConfig struct {
	EnableIPThrottle        bool
	EnableRefreshThrottle   bool
	MaxLoginAttempts        int
	LoginCooldownDuration   time.Duration
	MaxRefreshAttempts      int
	RefreshCooldownDuration time.Duration
	// RevokeFamilyOnReuse revokes the whole family when a rotated
	// refresh token is replayed. Disabling it keeps reuse detection but
	// only rejects the replayed token.
	RevokeFamilyOnReuse bool
	// RevokeFamilyOnLogout revokes the whole family on logout instead of
	// only the presented refresh token.
	RevokeFamilyOnLogout bool
}

// PasswordConfig holds argon2id cost parameters. Memory is in KB.
type PasswordConfig struct {
	Memory      uint32
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// AuditConfig controls the async audit dispatcher.
type AuditConfig struct {
	Enabled    bool
	BufferSize int
	// DropIfFull drops events instead of blocking the hot path when the
	// buffer is full. Drops are counted.
	DropIfFull bool
}

// MetricsConfig controls the in-process counters.
type MetricsConfig struct {
	Enabled                 bool
	EnableLatencyHistograms bool
}

// DefaultConfig returns the configuration the builder starts from.
// Callers adjust it and pass the result to [Builder.WithConfig].
func DefaultConfig() Config {
	return defaultConfig()
}

func defaultConfig() Config {
	return Config{
		Token: TokenConfig{
			AccessTTL:     15 * time.Minute,
			RefreshTTL:    7 * 24 * time.Hour,
			SigningMethod: "ed25519",
			Issuer:        "tokenledger",
			Leeway:        30 * time.Second,
		},
		Cache: CacheConfig{
			Prefix: "tl",
		},
		Security: SecurityConfig{
			MaxLoginAttempts:        10,
			LoginCooldownDuration:   15 * time.Minute,
			MaxRefreshAttempts:      30,
			RefreshCooldownDuration: time.Minute,
			RevokeFamilyOnReuse:     true,
			RevokeFamilyOnLogout:    true,
		},
		Password: PasswordConfig{
			Memory:      64 * 1024,
			Time:        3,
			Parallelism: 2,
			SaltLength:  16,
			KeyLength:   32,
		},
		Audit: AuditConfig{
			BufferSize: 256,
			DropIfFull: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}

// Validate checks the invariants the builder cannot default away.
func (c *Config) Validate() error {
	if c.Token.AccessTTL <= 0 {
		return errors.New("access TTL must be positive")
	}
	if c.Token.RefreshTTL <= 0 {
		return errors.New("refresh TTL must be positive")
	}
	if c.Token.RefreshTTL < c.Token.AccessTTL {
		return errors.New("refresh TTL must not be shorter than access TTL")
	}
	if len(c.Token.PrivateKey) == 0 {
		return errors.New("signing private key required")
	}
	if c.Token.SigningMethod == "ed25519" && len(c.Token.PublicKey) == 0 && len(c.Token.VerifyKeys) == 0 {
		return errors.New("ed25519 public key or verify key set required")
	}
	if c.Security.MaxLoginAttempts <= 0 {
		return errors.New("max login attempts must be positive")
	}
	if c.Security.EnableRefreshThrottle && c.Security.MaxRefreshAttempts <= 0 {
		return errors.New("max refresh attempts must be positive")
	}
	return nil
}

// cloneConfig deep-copies the byte slices and maps so callers cannot
// mutate key material out from under a running engine.
func cloneConfig(c Config) Config {
	out := c
	out.Token.PrivateKey = cloneBytes(c.Token.PrivateKey)
	out.Token.PublicKey = cloneBytes(c.Token.PublicKey)
	if c.Token.VerifyKeys != nil {
		out.Token.VerifyKeys = make(map[string][]byte, len(c.Token.VerifyKeys))
		for kid, key := range c.Token.VerifyKeys {
			out.Token.VerifyKeys[kid] = cloneBytes(key)
		}
	}
	return out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
