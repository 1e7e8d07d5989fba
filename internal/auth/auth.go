// Package auth verifies the self-contained bearer credentials accepted on
// HTTP commands and websocket attach.
package auth

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/streambid/streambid/errs"
	"github.com/streambid/streambid/internal/domain/schema"
)

// Identity is the resolved caller: user id plus granted roles.
type Identity struct {
	UserID int64
	Roles  []schema.Role
}

// HasRole reports whether the identity carries the given role.
func (i Identity) HasRole(role schema.Role) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Claims is the JWT claim set carried by streambid credentials.
type Claims struct {
	UserID int64    `json:"uid"`
	Roles  []string `json:"roles"`
	jwt.RegisteredClaims
}

// Authenticator verifies HS256-signed bearer tokens. Credentials are
// self-contained; no session state is kept.
type Authenticator struct {
	signingKey []byte
}

// New constructs an Authenticator with the shared signing key.
func New(signingKey string) *Authenticator {
	return &Authenticator{signingKey: []byte(signingKey)}
}

// Verify parses and validates a raw token, returning the caller identity.
func (a *Authenticator) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, errs.New("auth/verify", errs.CodeUnauthenticated, errs.WithMessage("missing credential"))
	}
	claims := new(Claims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errs.New("auth/verify", errs.CodeUnauthenticated, errs.WithMessage("unexpected signing method"))
		}
		return a.signingKey, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !parsed.Valid {
		return Identity{}, errs.New("auth/verify", errs.CodeUnauthenticated, errs.WithMessage("invalid credential"), errs.WithCause(err))
	}
	if claims.UserID <= 0 {
		return Identity{}, errs.New("auth/verify", errs.CodeUnauthenticated, errs.WithMessage("credential missing user id"))
	}
	roles := make([]schema.Role, 0, len(claims.Roles))
	for _, role := range claims.Roles {
		roles = append(roles, schema.Role(role))
	}
	return Identity{UserID: claims.UserID, Roles: roles}, nil
}

// FromRequest extracts the credential from the Authorization header, or the
// token query parameter used on websocket attach, and verifies it.
func (a *Authenticator) FromRequest(r *http.Request) (Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			return Identity{}, errs.New("auth/request", errs.CodeUnauthenticated, errs.WithMessage("malformed authorization header"))
		}
		return a.Verify(parts[1])
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return a.Verify(token)
	}
	return Identity{}, errs.New("auth/request", errs.CodeUnauthenticated, errs.WithMessage("missing credential"))
}

// Mint issues a signed credential for the given user. Used by signup and by
// tests; expiry is enforced on verification.
func (a *Authenticator) Mint(userID int64, roles []schema.Role, ttl time.Duration) (string, error) {
	now := time.Now()
	names := make([]string, 0, len(roles))
	for _, role := range roles {
		names = append(names, string(role))
	}
	claims := Claims{
		UserID: userID,
		Roles:  names,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.signingKey)
	if err != nil {
		return "", errs.New("auth/mint", errs.CodeInternal, errs.WithMessage("sign credential"), errs.WithCause(err))
	}
	return signed, nil
}
