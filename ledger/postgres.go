package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pressly/goose/v3"

	"github.com/arkadyv/tokenledger/ledger/migrations"
)

const pgUniqueViolation = "23505"

// Postgres is the production Store. It runs over database/sql with the
// pgx stdlib driver; the token_ledger table carries a partial unique
// index on (family_id) WHERE status = 'active', so the at-most-one-active
// invariant is enforced by the database itself, not just by this code.
type Postgres struct {
	db *sql.DB
}

// NewPostgres binds a ledger to an open database handle. The caller owns
// the handle; RunMigrations brings the schema up to date.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

// RunMigrations applies the embedded goose migrations.
func RunMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetBaseFS(migrations.Migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	if err := goose.UpContext(ctx, db, "."); err != nil {
		return fmt.Errorf("ledger migrations: %w", err)
	}
	return nil
}

// Record implements Store.
func (p *Postgres) Record(ctx context.Context, entry Entry) error {
	const query = `
		INSERT INTO token_ledger (token_id, family_id, subject, status, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := p.db.ExecContext(ctx, query,
		entry.TokenID, entry.FamilyID, entry.Subject,
		entry.Status.String(), entry.IssuedAt, entry.ExpiresAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Rotate implements Store. The conditional UPDATE is the serialization
// point: of two concurrent rotations of the same token, exactly one
// flips the row from active to rotated; the other sees zero rows and
// reports the state it lost to.
func (p *Postgres) Rotate(ctx context.Context, oldTokenID string, next Entry) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE token_ledger
		SET status = 'rotated'
		WHERE token_id = $1 AND status = 'active' AND expires_at > $2
	`, oldTokenID, time.Now())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected == 0 {
		var status string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM token_ledger WHERE token_id = $1`, oldTokenID,
		).Scan(&status)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			return ErrNotFound
		case err != nil:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		switch status {
		case "rotated":
			return ErrAlreadyRotated
		case "revoked":
			return ErrAlreadyRevoked
		default:
			// Active but past expiry: the token is dead, not stolen.
			return ErrNotFound
		}
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO token_ledger (token_id, family_id, subject, status, issued_at, expires_at)
		VALUES ($1, $2, $3, 'active', $4, $5)
	`, next.TokenID, next.FamilyID, next.Subject, next.IssuedAt, next.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// Revoke implements Store.
func (p *Postgres) Revoke(ctx context.Context, tokenID string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE token_ledger SET status = 'revoked'
		WHERE token_id = $1 AND status <> 'revoked'
	`, tokenID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected > 0 {
		return nil
	}

	// Zero rows means either already revoked (fine) or unknown token.
	var exists bool
	err = p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM token_ledger WHERE token_id = $1)`, tokenID,
	).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		return ErrNotFound
	}
	return nil
}

// RevokeFamily implements Store.
func (p *Postgres) RevokeFamily(ctx context.Context, familyID string) (int, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE token_ledger SET status = 'revoked'
		WHERE family_id = $1 AND status <> 'revoked'
	`, familyID)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if affected > 0 {
		return int(affected), nil
	}

	var exists bool
	err = p.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM token_ledger WHERE family_id = $1)`, familyID,
	).Scan(&exists)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !exists {
		return 0, ErrNotFound
	}
	return 0, nil
}

// Status implements Store.
func (p *Postgres) Status(ctx context.Context, tokenID string) (Status, error) {
	var status string
	err := p.db.QueryRowContext(ctx,
		`SELECT status FROM token_ledger WHERE token_id = $1`, tokenID,
	).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, ErrNotFound
	case err != nil:
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return ParseStatus(status)
}

// Lookup implements Store.
func (p *Postgres) Lookup(ctx context.Context, tokenID string) (Entry, error) {
	var (
		entry  Entry
		status string
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT token_id, family_id, subject, status, issued_at, expires_at
		FROM token_ledger
		WHERE token_id = $1
	`, tokenID).Scan(
		&entry.TokenID, &entry.FamilyID, &entry.Subject,
		&status, &entry.IssuedAt, &entry.ExpiresAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Entry{}, ErrNotFound
	case err != nil:
		return Entry{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	entry.Status, err = ParseStatus(status)
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

// FamilyActive implements Store.
func (p *Postgres) FamilyActive(ctx context.Context, familyID string) (bool, time.Time, error) {
	var (
		total, active int
		latest        sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE status = 'active' AND expires_at > $2),
		       max(expires_at)
		FROM token_ledger
		WHERE family_id = $1
	`, familyID, time.Now()).Scan(&total, &active, &latest)
	if err != nil {
		return false, time.Time{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if total == 0 {
		return false, time.Time{}, ErrNotFound
	}
	return active > 0, latest.Time, nil
}

// PurgeExpired implements Store.
func (p *Postgres) PurgeExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM token_ledger WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	purged, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return purged, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
