package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"ponte/config"
)

// ErrRejected is returned by a verifier when the presented credentials
// are not valid. The gateway treats a rejected request the same as one
// carrying no credentials at all.
var ErrRejected = errors.New("credentials rejected")

// Principal is the authenticated identity associated with a request.
// The gateway never persists principals; they live for one request.
type Principal struct {
	Username string
	Roles    map[string]struct{}
}

// NewPrincipal builds a principal from a username and role list.
func NewPrincipal(username string, roles ...string) *Principal {
	p := &Principal{Username: username, Roles: make(map[string]struct{}, len(roles))}
	for _, role := range roles {
		p.Roles[role] = struct{}{}
	}
	return p
}

// HasRole reports whether the principal holds the given role.
func (p *Principal) HasRole(role string) bool {
	_, ok := p.Roles[role]
	return ok
}

// Credential kinds extracted from the Authorization header.
const (
	KindBasic  = "basic"
	KindBearer = "bearer"
)

// Credentials is the raw authentication material presented by a client.
type Credentials struct {
	Kind     string
	Username string // basic only
	Password string // basic only
	Token    string // bearer only
}

// FromRequest extracts credentials from the Authorization header.
// Returns nil when the request carries none or the scheme is unknown.
func FromRequest(r *http.Request) *Credentials {
	if username, password, ok := r.BasicAuth(); ok {
		return &Credentials{Kind: KindBasic, Username: username, Password: password}
	}
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok && token != "" {
		return &Credentials{Kind: KindBearer, Token: token}
	}
	return nil
}

// CredentialVerifier is the pluggable identity-verification capability.
// The gateway delegates credential storage and password hashing to
// whatever sits behind this interface; it only consumes the resulting
// principal.
type CredentialVerifier interface {
	Verify(ctx context.Context, creds *Credentials) (*Principal, error)
}

// StaticVerifier verifies basic credentials against a fixed user table.
// It is the in-process stand-in for an external identity provider, meant
// for development and tests.
type StaticVerifier struct {
	users map[string]config.UserConfig
}

// NewStaticVerifier builds a verifier from the configured user table.
func NewStaticVerifier(users []config.UserConfig) *StaticVerifier {
	v := &StaticVerifier{users: make(map[string]config.UserConfig, len(users))}
	for _, user := range users {
		v.users[user.Username] = user
	}
	return v
}

// Verify checks basic credentials against the user table.
func (v *StaticVerifier) Verify(_ context.Context, creds *Credentials) (*Principal, error) {
	if creds == nil || creds.Kind != KindBasic {
		return nil, ErrRejected
	}
	user, ok := v.users[creds.Username]
	if !ok {
		// Burn a comparison anyway so lookups and mismatches cost the same.
		subtle.ConstantTimeCompare([]byte(creds.Password), []byte(creds.Password))
		return nil, ErrRejected
	}
	if subtle.ConstantTimeCompare([]byte(creds.Password), []byte(user.Password)) != 1 {
		return nil, ErrRejected
	}
	return NewPrincipal(user.Username, user.Roles...), nil
}

// BearerVerifier verifies HS256-signed bearer tokens. The token subject
// becomes the username and the "roles" claim the role set.
type BearerVerifier struct {
	secret []byte
}

// NewBearerVerifier builds a verifier for tokens signed with the shared
// secret.
func NewBearerVerifier(secret string) *BearerVerifier {
	return &BearerVerifier{secret: []byte(secret)}
}

// Verify parses and validates a bearer token.
func (v *BearerVerifier) Verify(_ context.Context, creds *Credentials) (*Principal, error) {
	if creds == nil || creds.Kind != KindBearer {
		return nil, ErrRejected
	}

	claims := jwt.MapClaims{}
	token, err := jwt.ParseWithClaims(creds.Token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrRejected
	}

	subject, err := claims.GetSubject()
	if err != nil || subject == "" {
		return nil, ErrRejected
	}

	var roles []string
	if raw, ok := claims["roles"].([]any); ok {
		for _, r := range raw {
			if role, ok := r.(string); ok {
				roles = append(roles, role)
			}
		}
	}
	return NewPrincipal(subject, roles...), nil
}

// multiVerifier dispatches by credential kind.
type multiVerifier struct {
	basic  CredentialVerifier
	bearer CredentialVerifier
}

// Verify routes the credentials to the matching verifier.
func (v *multiVerifier) Verify(ctx context.Context, creds *Credentials) (*Principal, error) {
	if creds == nil {
		return nil, ErrRejected
	}
	switch creds.Kind {
	case KindBasic:
		if v.basic != nil {
			return v.basic.Verify(ctx, creds)
		}
	case KindBearer:
		if v.bearer != nil {
			return v.bearer.Verify(ctx, creds)
		}
	}
	return nil, ErrRejected
}

// NewVerifier assembles the verifier described by the auth configuration:
// a static user table for basic credentials and, when a bearer secret is
// configured, HS256 token verification for bearer credentials.
func NewVerifier(cfg config.AuthConfig) CredentialVerifier {
	v := &multiVerifier{}
	if len(cfg.Users) > 0 {
		v.basic = NewStaticVerifier(cfg.Users)
	}
	if cfg.BearerSecret != "" {
		v.bearer = NewBearerVerifier(cfg.BearerSecret)
	}
	return v
}
