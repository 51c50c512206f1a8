package tokenledger

import (
	"context"
	"time"
)

// AccountStatus is the lifecycle state of a credential-store account.
type AccountStatus uint8

const (
	// AccountActive accounts may log in.
	AccountActive AccountStatus = iota + 1
	// AccountDisabled accounts fail login with ErrInvalidCredentials.
	// The audit event carries the real reason.
	AccountDisabled
)

// Account is the credential-store view of a principal. CredentialHash
// is an argon2id PHC string as produced by the password package.
type Account struct {
	Subject        string
	Identifier     string
	CredentialHash string
	Status         AccountStatus
}

// CredentialStore resolves login identifiers to accounts. Lookup must
// return ErrNotFound for unknown identifiers and ErrStoreUnavailable
// for backend failures; the engine folds both into its login error
// taxonomy.
type CredentialStore interface {
	Lookup(ctx context.Context, identifier string) (Account, error)
}

// TokenPair is the access+refresh pair minted by Login and Refresh.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
}

// AuthResult describes a successfully authorized access token.
type AuthResult struct {
	Subject   string
	TokenID   string
	FamilyID  string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
