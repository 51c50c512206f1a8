// Command tokenledgerd serves the token engine over HTTP: login,
// refresh, logout, and token verification, with Prometheus metrics.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	tokenledger "github.com/arkadyv/tokenledger"
	"github.com/arkadyv/tokenledger/ledger"
	promexport "github.com/arkadyv/tokenledger/metrics/export/prometheus"
)

func main() {
	configPath := flag.String("config", ".", "directory containing tokenledgerd.yaml")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logger.WithError(err).Fatal("configuration load failed")
	}

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Fatal("server exited")
	}
}

func run(cfg serverConfig, logger *logrus.Logger) error {
	db, err := sql.Open("pgx", cfg.Database.DSN)
	if err != nil {
		return err
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := ledger.RunMigrations(ctx, db); err != nil {
		cancel()
		return err
	}
	cancel()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()

	privateKey, err := decodeKey(cfg.Token.PrivateKey)
	if err != nil {
		return err
	}
	publicKey, err := decodeKey(cfg.Token.PublicKey)
	if err != nil {
		return err
	}

	engineConfig := tokenledger.DefaultConfig()
	engineConfig.Security.EnableRefreshThrottle = true
	engineConfig.Metrics.EnableLatencyHistograms = true
	engineConfig.Token.AccessTTL = cfg.Token.AccessTTL
	engineConfig.Token.RefreshTTL = cfg.Token.RefreshTTL
	engineConfig.Token.Issuer = cfg.Token.Issuer
	engineConfig.Token.PrivateKey = privateKey
	engineConfig.Token.PublicKey = publicKey
	engineConfig.Token.KeyID = cfg.Token.KeyID
	engineConfig.Audit.Enabled = cfg.Audit.Enabled

	builder := tokenledger.New().
		WithConfig(engineConfig).
		WithRedis(rdb).
		WithDB(db).
		WithCredentialStore(&pgCredentialStore{db: db}).
		WithLogger(logger)
	if cfg.Audit.Enabled {
		builder = builder.WithAuditSink(tokenledger.NewJSONWriterSink(os.Stdout))
	}

	engine, err := builder.Build()
	if err != nil {
		return err
	}
	defer engine.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /login", handleLogin(engine))
	mux.HandleFunc("POST /refresh", handleRefresh(engine))
	mux.HandleFunc("POST /logout", handleLogout(engine))
	mux.HandleFunc("GET /verify", handleVerify(engine))
	mux.Handle("GET /metrics", promexport.Handler(engine))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           withClientIP(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("listening")
		errCh <- server.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.WithField("signal", sig.String()).Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// pgCredentialStore resolves identifiers against the accounts table.
type pgCredentialStore struct {
	db *sql.DB
}

func (s *pgCredentialStore) Lookup(ctx context.Context, identifier string) (tokenledger.Account, error) {
	const query = `SELECT subject, credential_hash, status FROM accounts WHERE identifier = $1`

	var account tokenledger.Account
	var status string
	err := s.db.QueryRowContext(ctx, query, identifier).Scan(&account.Subject, &account.CredentialHash, &status)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return tokenledger.Account{}, tokenledger.ErrNotFound
		}
		return tokenledger.Account{}, tokenledger.ErrStoreUnavailable
	}

	account.Identifier = identifier
	account.Status = tokenledger.AccountDisabled
	if status == "active" {
		account.Status = tokenledger.AccountActive
	}
	return account, nil
}

type credentialsRequest struct {
	Identifier string `json:"identifier"`
	Password   string `json:"password"`
}

type tokenRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type pairResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

func handleLogin(engine *tokenledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req credentialsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		pair, err := engine.Login(r.Context(), req.Identifier, req.Password)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pairResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
		})
	}
}

func handleRefresh(engine *tokenledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		pair, err := engine.Refresh(r.Context(), req.RefreshToken)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, pairResponse{
			AccessToken:  pair.AccessToken,
			RefreshToken: pair.RefreshToken,
		})
	}
}

func handleLogout(engine *tokenledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req tokenRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		if err := engine.Logout(r.Context(), req.RefreshToken); err != nil {
			writeEngineError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleVerify(engine *tokenledger.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		result, err := engine.Authorize(r.Context(), raw)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"subject":    result.Subject,
			"token_id":   result.TokenID,
			"family_id":  result.FamilyID,
			"expires_at": result.ExpiresAt,
		})
	}
}

func writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, tokenledger.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, tokenledger.ErrTokenMalformed),
		errors.Is(err, tokenledger.ErrTokenSignature):
		writeError(w, http.StatusUnauthorized, "invalid token")
	case errors.Is(err, tokenledger.ErrTokenExpired):
		writeError(w, http.StatusUnauthorized, "token expired")
	case errors.Is(err, tokenledger.ErrRevoked):
		writeError(w, http.StatusUnauthorized, "token revoked")
	case errors.Is(err, tokenledger.ErrReuseDetected):
		writeError(w, http.StatusUnauthorized, "token reuse detected")
	case errors.Is(err, tokenledger.ErrNotFound):
		writeError(w, http.StatusNotFound, "token not found")
	case errors.Is(err, tokenledger.ErrConflict):
		writeError(w, http.StatusConflict, "concurrent refresh")
	case errors.Is(err, tokenledger.ErrLoginRateLimited),
		errors.Is(err, tokenledger.ErrRefreshRateLimited):
		writeError(w, http.StatusTooManyRequests, "rate limited")
	case errors.Is(err, tokenledger.ErrStoreUnavailable):
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// withClientIP copies the remote address into the request context so
// the engine can throttle and audit per IP.
func withClientIP(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := r.RemoteAddr
		if idx := strings.LastIndex(ip, ":"); idx >= 0 {
			ip = ip[:idx]
		}
		next.ServeHTTP(w, r.WithContext(tokenledger.WithClientIP(r.Context(), ip)))
	})
}
