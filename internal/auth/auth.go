// Package auth resolves bearer credentials into principals for new
// real-time connections. A principal is derived once at authentication
// and is immutable for the connection's lifetime; role or tenant changes
// take effect on reconnect only.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Shubhamdas27/SevaDaan-backend-sub002/internal/store"
)

// Role is the fixed role enumeration carried in access tokens.
type Role string

const (
	RoleAdmin     Role = "admin"
	RoleOrgAdmin  Role = "org_admin"
	RoleDonor     Role = "donor"
	RoleApplicant Role = "applicant"
)

// Roles lists every valid role, in the order their rooms are created at
// startup.
var Roles = []Role{RoleAdmin, RoleOrgAdmin, RoleDonor, RoleApplicant}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleOrgAdmin, RoleDonor, RoleApplicant:
		return true
	}
	return false
}

// Elevated reports whether the role bypasses room join permission checks.
func (r Role) Elevated() bool { return r == RoleAdmin }

// Principal is the authenticated identity owning a connection.
type Principal struct {
	UserID   string
	Role     Role
	TenantID string // organization id; empty for platform-level users
}

var (
	ErrMissingCredential = errors.New("auth: missing credential")
	ErrInvalidToken      = errors.New("auth: invalid token")
	ErrAccountInactive   = errors.New("auth: account inactive")
)

// IsAuthError reports whether err is one of the credential/account
// failures that terminate a connection attempt.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrMissingCredential) ||
		errors.Is(err, ErrInvalidToken) ||
		errors.Is(err, ErrAccountInactive)
}

// AccountDirectory answers whether an account may still connect.
type AccountDirectory interface {
	Active(ctx context.Context, userID string) (bool, error)
}

// StoreDirectory reads account status from the shared state store, where
// the CRUD layer mirrors it as the `status` field of `account:{id}`.
type StoreDirectory struct {
	st store.Store
}

func NewStoreDirectory(st store.Store) *StoreDirectory {
	return &StoreDirectory{st: st}
}

func (d *StoreDirectory) Active(ctx context.Context, userID string) (bool, error) {
	status, err := d.st.HGet(ctx, "account:"+userID, "status")
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// No record means the account was deleted; tokens for it may
			// still be unexpired, so this check fails closed.
			return false, nil
		}
		return false, err
	}
	return status == "active", nil
}

// tokenClaims is the subset of access-token claims the gateway needs.
type tokenClaims struct {
	jwt.RegisteredClaims
	Role     string `json:"role"`
	TenantID string `json:"org"`
}

// Authenticator validates signed bearer tokens and resolves them to
// principals.
type Authenticator struct {
	keyfunc  jwt.Keyfunc
	issuer   string
	accounts AccountDirectory
}

// New builds an Authenticator. issuer may be empty to skip the issuer
// claim check (single-issuer deployments behind the platform gateway).
func New(kf jwt.Keyfunc, issuer string, accounts AccountDirectory) *Authenticator {
	return &Authenticator{keyfunc: kf, issuer: issuer, accounts: accounts}
}

// Authenticate validates credential and resolves the principal. Any
// returned error is fatal to the connection attempt and is never retried.
func (a *Authenticator) Authenticate(ctx context.Context, credential string) (Principal, error) {
	if credential == "" {
		return Principal{}, ErrMissingCredential
	}

	claims := &tokenClaims{}
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(credential, claims, a.keyfunc, opts...)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Principal{}, ErrInvalidToken
	}

	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: no subject claim", ErrInvalidToken)
	}
	role := Role(claims.Role)
	if !role.Valid() {
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrInvalidToken, claims.Role)
	}

	active, err := a.accounts.Active(ctx, claims.Subject)
	if err != nil {
		return Principal{}, fmt.Errorf("account status lookup for %s: %w", claims.Subject, err)
	}
	if !active {
		slog.WarnContext(ctx, "Rejected connection for inactive account", "user", claims.Subject)
		return Principal{}, ErrAccountInactive
	}

	return Principal{
		UserID:   claims.Subject,
		Role:     role,
		TenantID: claims.TenantID,
	}, nil
}
