package tokenledger

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/arkadyv/tokenledger/cache"
	"github.com/arkadyv/tokenledger/internal/rate"
	"github.com/arkadyv/tokenledger/ledger"
	"github.com/arkadyv/tokenledger/password"
	"github.com/arkadyv/tokenledger/token"
)

// Engine orchestrates the token codec, the durable ledger, and the
// Redis status cache behind the four public flows: Login, Authorize,
// Refresh, Logout.
//
// The ledger is the source of truth. The cache only shortens the read
// path; when it is unreachable the engine degrades to ledger reads and
// keeps answering correctly.
type Engine struct {
	config      Config
	codec       *token.Codec
	ledger      ledger.Store
	cache       *cache.Store
	limiter     *rate.Limiter
	credentials CredentialStore
	hasher      *password.Hasher
	// decoyHash is a hash of a throwaway random password, verified
	// against when no account matches the identifier.
	decoyHash string
	audit     *auditDispatcher
	metrics   *Metrics
	logger    *logrus.Logger
}

// Close flushes the audit dispatcher. The ledger and Redis clients are
// owned by the caller and stay open.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
}

// AuditDropped reports how many audit events were discarded because
// the dispatch buffer was full.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// Metrics exposes the counter set, primarily for exporters.
func (e *Engine) Metrics() *Metrics {
	if e == nil {
		return nil
	}
	return e.metrics
}

// MetricsSnapshot returns a point-in-time copy of all counters.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) emitAudit(ctx context.Context, event AuditEvent) {
	if e == nil || e.audit == nil {
		return
	}
	event.Timestamp = time.Now()
	event.IP = clientIPFromContext(ctx)
	e.audit.Emit(ctx, event)
}

// degraded records a cache or limiter outage and lets the caller fall
// back to the ledger.
func (e *Engine) degraded(op string, err error) {
	e.metricInc(MetricCacheDegraded)
	if e.logger != nil {
		e.logger.WithError(err).WithField("op", op).Warn("redis degraded, serving from ledger")
	}
}

// Login verifies credentials and mints a fresh token family: one
// access token and one refresh token sharing a new family ID. The
// refresh token is recorded as the family's single active entry.
func (e *Engine) Login(ctx context.Context, identifier, pass string) (TokenPair, error) {
	if e == nil || e.codec == nil {
		return TokenPair{}, ErrEngineNotReady
	}
	ip := clientIPFromContext(ctx)

	if e.limiter != nil {
		if err := e.limiter.CheckLogin(ctx, identifier, ip); err != nil {
			switch {
			case errors.Is(err, rate.ErrRateLimited):
				e.metricInc(MetricLoginRateLimited)
				e.emitAudit(ctx, AuditEvent{
					EventType: AuditLogin,
					Error:     ErrLoginRateLimited.Error(),
					Metadata:  map[string]string{"identifier": identifier, "reason": "rate_limited"},
				})
				return TokenPair{}, ErrLoginRateLimited
			default:
				e.degraded("login_throttle", err)
			}
		}
	}

	if pass == "" {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, "", "empty_password")
	}

	account, err := e.credentials.Lookup(ctx, identifier)
	if err != nil {
		if errors.Is(err, ErrStoreUnavailable) {
			e.metricInc(MetricLoginFailure)
			return TokenPair{}, err
		}
		// Burn the same hashing cost as a real verify so an unknown
		// identifier is not distinguishable from a wrong password by
		// response time.
		_, _ = e.hasher.Verify(pass, e.decoyHash)
		return TokenPair{}, e.failLogin(ctx, identifier, ip, "", "unknown_identifier")
	}

	ok, err := e.hasher.Verify(pass, account.CredentialHash)
	if err != nil || !ok {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, account.Subject, "credential_mismatch")
	}

	// Disabled accounts answer exactly like bad passwords; the audit
	// trail carries the real reason.
	if account.Status != AccountActive {
		return TokenPair{}, e.failLogin(ctx, identifier, ip, account.Subject, "account_disabled")
	}

	pair, refresh, err := e.mintPair(account.Subject, "")
	if err != nil {
		e.metricInc(MetricLoginFailure)
		return TokenPair{}, err
	}

	entry := entryFromClaims(refresh)
	if err := e.ledger.Record(ctx, entry); err != nil {
		e.metricInc(MetricLoginFailure)
		return TokenPair{}, mapLedgerError(err)
	}

	e.writeThrough(ctx, entry, true)

	if e.limiter != nil {
		if err := e.limiter.ResetLogin(ctx, identifier, ip); err != nil {
			e.degraded("login_reset", err)
		}
	}

	e.metricInc(MetricLoginSuccess)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditLogin,
		Subject:   account.Subject,
		TokenID:   entry.TokenID,
		FamilyID:  entry.FamilyID,
		Success:   true,
	})

	return pair, nil
}

func (e *Engine) failLogin(ctx context.Context, identifier, ip, subject, reason string) error {
	if e.limiter != nil {
		if err := e.limiter.IncrementLogin(ctx, identifier, ip); err != nil {
			switch {
			case errors.Is(err, rate.ErrRateLimited):
				e.metricInc(MetricLoginRateLimited)
				return ErrLoginRateLimited
			default:
				e.degraded("login_throttle", err)
			}
		}
	}

	e.metricInc(MetricLoginFailure)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditLogin,
		Subject:   subject,
		Error:     ErrInvalidCredentials.Error(),
		Metadata:  map[string]string{"identifier": identifier, "reason": reason},
	})
	return ErrInvalidCredentials
}

// Authorize verifies an access token and checks that its family is
// still alive. Access tokens are never persisted individually; family
// liveness is the revocation signal.
func (e *Engine) Authorize(ctx context.Context, accessToken string) (AuthResult, error) {
	if e == nil || e.codec == nil {
		return AuthResult{}, ErrEngineNotReady
	}
	start := time.Now()

	claims, err := e.codec.Verify(accessToken)
	if err != nil {
		e.metricInc(MetricAuthorizeDenied)
		return AuthResult{}, mapTokenError(err)
	}
	if claims.Kind != token.KindAccess {
		e.metricInc(MetricAuthorizeDenied)
		return AuthResult{}, ErrTokenMalformed
	}

	alive, err := e.familyAlive(ctx, claims.FamilyID)
	if err != nil {
		e.metricInc(MetricAuthorizeDenied)
		return AuthResult{}, err
	}
	if !alive {
		e.metricInc(MetricAuthorizeDenied)
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditAuthorize,
			Subject:   claims.Subject,
			TokenID:   claims.ID,
			FamilyID:  claims.FamilyID,
			Error:     ErrRevoked.Error(),
		})
		return AuthResult{}, ErrRevoked
	}

	e.metricInc(MetricAuthorizeSuccess)
	if e.metrics.LatencyEnabled() {
		e.metrics.Observe(MetricAuthorizeLatency, time.Since(start))
	}

	return AuthResult{
		Subject:   claims.Subject,
		TokenID:   claims.ID,
		FamilyID:  claims.FamilyID,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}

// familyAlive answers from the cache when possible and falls back to
// the ledger on a miss or outage, repopulating the cache afterwards.
func (e *Engine) familyAlive(ctx context.Context, familyID string) (bool, error) {
	if e.cache != nil {
		active, err := e.cache.GetFamily(ctx, familyID)
		switch {
		case err == nil:
			e.metricInc(MetricCacheHit)
			return active, nil
		case errors.Is(err, cache.ErrMiss):
			e.metricInc(MetricCacheMiss)
		default:
			e.degraded("family_read", err)
		}
	}

	active, expiresAt, err := e.ledger.FamilyActive(ctx, familyID)
	if err != nil {
		return false, mapLedgerError(err)
	}

	// Cache for the family's remaining lifetime only; a longer TTL would
	// let the flag outlive every entry behind it.
	if ttl := time.Until(expiresAt); e.cache != nil && ttl > 0 {
		if err := e.cache.SetFamily(ctx, familyID, active, ttl); err != nil {
			e.degraded("family_repopulate", err)
		}
	}

	return active, nil
}

// Refresh rotates a refresh token: the presented token is consumed and
// a new access+refresh pair is minted in the same family. Presenting
// an already-consumed token is treated as theft evidence and revokes
// the whole family.
func (e *Engine) Refresh(ctx context.Context, refreshToken string) (TokenPair, error) {
	if e == nil || e.codec == nil {
		return TokenPair{}, ErrEngineNotReady
	}

	claims, err := e.codec.Verify(refreshToken)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, mapTokenError(err)
	}
	if claims.Kind != token.KindRefresh {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, ErrTokenMalformed
	}

	if e.limiter != nil {
		if err := e.limiter.CheckRefresh(ctx, claims.FamilyID); err != nil {
			switch {
			case errors.Is(err, rate.ErrRateLimited):
				e.metricInc(MetricRefreshRateLimited)
				return TokenPair{}, ErrRefreshRateLimited
			default:
				e.degraded("refresh_throttle", err)
			}
		}
	}

	pair, err := e.rotate(ctx, claims, false)
	if err != nil {
		return TokenPair{}, err
	}

	e.metricInc(MetricRefreshSuccess)
	return pair, nil
}

// rotate performs one ledger rotation attempt, retrying exactly once
// when a concurrent writer wins the race.
func (e *Engine) rotate(ctx context.Context, claims *token.Claims, retried bool) (TokenPair, error) {
	pair, next, err := e.mintPair(claims.Subject, claims.FamilyID)
	if err != nil {
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, err
	}

	entry := entryFromClaims(next)
	switch err := e.ledger.Rotate(ctx, claims.ID, entry); {
	case err == nil:
		e.writeThroughRotation(ctx, claims.ID, entry)
		e.emitAudit(ctx, AuditEvent{
			EventType: AuditRefresh,
			Subject:   claims.Subject,
			TokenID:   entry.TokenID,
			FamilyID:  entry.FamilyID,
			Success:   true,
		})
		return pair, nil

	case errors.Is(err, ledger.ErrAlreadyRotated):
		return TokenPair{}, e.handleReuse(ctx, claims)

	case errors.Is(err, ledger.ErrAlreadyRevoked):
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, ErrRevoked

	case errors.Is(err, ledger.ErrConflict):
		if retried {
			e.metricInc(MetricRefreshFailure)
			return TokenPair{}, ErrConflict
		}
		e.metricInc(MetricConflictRetried)
		return e.rotate(ctx, claims, true)

	case errors.Is(err, ledger.ErrNotFound):
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, ErrNotFound

	default:
		e.metricInc(MetricRefreshFailure)
		return TokenPair{}, mapLedgerError(err)
	}
}

// handleReuse reacts to a replayed refresh token. With family revoke
// enabled (the default), every descendant of the stolen token dies
// with it.
func (e *Engine) handleReuse(ctx context.Context, claims *token.Claims) error {
	e.metricInc(MetricRefreshReuseDetected)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditReuseDetected,
		Subject:   claims.Subject,
		TokenID:   claims.ID,
		FamilyID:  claims.FamilyID,
		Error:     ErrReuseDetected.Error(),
	})

	if !e.config.Security.RevokeFamilyOnReuse {
		return ErrReuseDetected
	}

	if _, err := e.ledger.RevokeFamily(ctx, claims.FamilyID); err != nil && !errors.Is(err, ledger.ErrNotFound) {
		// Reuse is still reported even when the punitive revoke fails;
		// the caller must not treat this as a transient error.
		if e.logger != nil {
			e.logger.WithError(err).WithField("family_id", claims.FamilyID).
				Error("family revoke after reuse detection failed")
		}
		return ErrReuseDetected
	}

	e.metricInc(MetricFamilyRevoked)
	e.cacheRevokeFamily(ctx, claims.FamilyID)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditFamilyRevoked,
		Subject:   claims.Subject,
		FamilyID:  claims.FamilyID,
		Success:   true,
		Metadata:  map[string]string{"cause": "reuse"},
	})

	return ErrReuseDetected
}

// Logout retires the presented refresh token. With family revoke
// enabled (the default) the whole family dies, killing outstanding
// access tokens too; otherwise only the presented token is revoked.
// Logout of an already-revoked token succeeds.
func (e *Engine) Logout(ctx context.Context, refreshToken string) error {
	if e == nil || e.codec == nil {
		return ErrEngineNotReady
	}

	claims, err := e.codec.Verify(refreshToken)
	if err != nil {
		return mapTokenError(err)
	}
	if claims.Kind != token.KindRefresh {
		return ErrTokenMalformed
	}

	if e.config.Security.RevokeFamilyOnLogout {
		if _, err := e.ledger.RevokeFamily(ctx, claims.FamilyID); err != nil {
			return mapLedgerError(err)
		}
		e.metricInc(MetricFamilyRevoked)
		e.cacheRevokeFamily(ctx, claims.FamilyID)
	} else {
		if err := e.ledger.Revoke(ctx, claims.ID); err != nil {
			return mapLedgerError(err)
		}
		if e.cache != nil {
			if err := e.cache.SetToken(ctx, claims.ID, claims.FamilyID, ledger.StatusRevoked, e.config.Token.RefreshTTL); err != nil {
				e.degraded("logout_write", err)
			}
		}
	}

	e.metricInc(MetricLogout)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditLogout,
		Subject:   claims.Subject,
		TokenID:   claims.ID,
		FamilyID:  claims.FamilyID,
		Success:   true,
	})

	return nil
}

// RevokeFamily is the administrative kill switch for one family. It
// returns how many ledger entries changed state.
func (e *Engine) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	if e == nil || e.ledger == nil {
		return 0, ErrEngineNotReady
	}

	changed, err := e.ledger.RevokeFamily(ctx, familyID)
	if err != nil {
		return 0, mapLedgerError(err)
	}

	e.metricInc(MetricFamilyRevoked)
	e.cacheRevokeFamily(ctx, familyID)
	e.emitAudit(ctx, AuditEvent{
		EventType: AuditFamilyRevoked,
		FamilyID:  familyID,
		Success:   true,
		Metadata:  map[string]string{"cause": "admin"},
	})

	return changed, nil
}

// TokenStatus reports the ledger status of one refresh token,
// answering from the cache when possible.
func (e *Engine) TokenStatus(ctx context.Context, tokenID string) (ledger.Status, error) {
	if e == nil || e.ledger == nil {
		return 0, ErrEngineNotReady
	}

	if e.cache != nil {
		status, err := e.cache.GetToken(ctx, tokenID)
		switch {
		case err == nil:
			e.metricInc(MetricCacheHit)
			return status, nil
		case errors.Is(err, cache.ErrMiss):
			e.metricInc(MetricCacheMiss)
		default:
			e.degraded("status_read", err)
		}
	}

	entry, err := e.ledger.Lookup(ctx, tokenID)
	if err != nil {
		return 0, mapLedgerError(err)
	}

	// Repopulate with the entry's real family so a later family-wide
	// revoke reaches this key, and only for its remaining lifetime.
	if ttl := time.Until(entry.ExpiresAt); e.cache != nil && ttl > 0 {
		if err := e.cache.SetToken(ctx, tokenID, entry.FamilyID, entry.Status, ttl); err != nil {
			e.degraded("status_repopulate", err)
		}
	}

	return entry.Status, nil
}

// PurgeExpired removes ledger entries whose tokens can no longer
// verify anyway. Intended for a periodic maintenance job.
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	if e == nil || e.ledger == nil {
		return 0, ErrEngineNotReady
	}

	purged, err := e.ledger.PurgeExpired(ctx, time.Now())
	if err != nil {
		return 0, mapLedgerError(err)
	}
	return purged, nil
}

// mintPair mints a matched access+refresh pair. An empty familyID
// starts a new family; the access token carries the same family as the
// refresh token so revocation reaches both.
func (e *Engine) mintPair(subject, familyID string) (TokenPair, *token.Claims, error) {
	refreshRaw, refreshClaims, err := e.codec.Mint(subject, token.KindRefresh, familyID)
	if err != nil {
		return TokenPair{}, nil, err
	}

	accessRaw, _, err := e.codec.Mint(subject, token.KindAccess, refreshClaims.FamilyID)
	if err != nil {
		return TokenPair{}, nil, err
	}

	return TokenPair{
		AccessToken:  accessRaw,
		RefreshToken: refreshRaw,
	}, refreshClaims, nil
}

// writeThrough mirrors a fresh ledger entry into the cache. Failures
// degrade silently; the ledger already holds the truth.
func (e *Engine) writeThrough(ctx context.Context, entry ledger.Entry, familyActive bool) {
	if e.cache == nil {
		return
	}
	ttl := time.Until(entry.ExpiresAt)
	if err := e.cache.SetToken(ctx, entry.TokenID, entry.FamilyID, entry.Status, ttl); err != nil {
		e.degraded("write_through", err)
		return
	}
	if err := e.cache.SetFamily(ctx, entry.FamilyID, familyActive, ttl); err != nil {
		e.degraded("write_through", err)
	}
}

func (e *Engine) writeThroughRotation(ctx context.Context, oldTokenID string, next ledger.Entry) {
	if e.cache == nil {
		return
	}
	ttl := time.Until(next.ExpiresAt)
	if err := e.cache.SetToken(ctx, oldTokenID, next.FamilyID, ledger.StatusRotated, ttl); err != nil {
		e.degraded("write_through", err)
	}
	e.writeThrough(ctx, next, true)
}

func (e *Engine) cacheRevokeFamily(ctx context.Context, familyID string) {
	if e.cache == nil {
		return
	}
	if err := e.cache.RevokeFamily(ctx, familyID, e.config.Token.RefreshTTL); err != nil {
		e.degraded("family_revoke", err)
	}
}

func entryFromClaims(claims *token.Claims) ledger.Entry {
	return ledger.Entry{
		TokenID:   claims.ID,
		FamilyID:  claims.FamilyID,
		Subject:   claims.Subject,
		Status:    ledger.StatusActive,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}
}

func mapTokenError(err error) error {
	switch {
	case errors.Is(err, token.ErrExpired):
		return ErrTokenExpired
	case errors.Is(err, token.ErrSignature):
		return ErrTokenSignature
	default:
		return ErrTokenMalformed
	}
}

func mapLedgerError(err error) error {
	switch {
	case errors.Is(err, ledger.ErrNotFound):
		return ErrNotFound
	case errors.Is(err, ledger.ErrConflict):
		return ErrConflict
	case errors.Is(err, ledger.ErrUnavailable):
		return ErrStoreUnavailable
	default:
		return err
	}
}
