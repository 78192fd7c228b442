package auth_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ponte/auth"
	"ponte/config"
)

var testUsers = []config.UserConfig{
	{Username: "mcpuser", Password: "password123", Roles: []string{"USER"}},
	{Username: "mcpadmin", Password: "admin123", Roles: []string{"USER", "ADMIN"}},
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Nil(t, auth.FromRequest(r))

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.SetBasicAuth("mcpuser", "password123")
	creds := auth.FromRequest(r)
	require.NotNil(t, creds)
	assert.Equal(t, auth.KindBasic, creds.Kind)
	assert.Equal(t, "mcpuser", creds.Username)
	assert.Equal(t, "password123", creds.Password)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer some.token.here")
	creds = auth.FromRequest(r)
	require.NotNil(t, creds)
	assert.Equal(t, auth.KindBearer, creds.Kind)
	assert.Equal(t, "some.token.here", creds.Token)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Digest nope")
	assert.Nil(t, auth.FromRequest(r))
}

func TestStaticVerifier(t *testing.T) {
	v := auth.NewStaticVerifier(testUsers)

	principal, err := v.Verify(context.Background(), &auth.Credentials{
		Kind: auth.KindBasic, Username: "mcpuser", Password: "password123",
	})
	require.NoError(t, err)
	assert.Equal(t, "mcpuser", principal.Username)
	assert.True(t, principal.HasRole("USER"))
	assert.False(t, principal.HasRole("ADMIN"))

	_, err = v.Verify(context.Background(), &auth.Credentials{
		Kind: auth.KindBasic, Username: "mcpuser", Password: "wrong",
	})
	assert.ErrorIs(t, err, auth.ErrRejected)

	_, err = v.Verify(context.Background(), &auth.Credentials{
		Kind: auth.KindBasic, Username: "ghost", Password: "password123",
	})
	assert.ErrorIs(t, err, auth.ErrRejected)

	_, err = v.Verify(context.Background(), nil)
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestBearerVerifier(t *testing.T) {
	const secret = "test-secret"
	v := auth.NewBearerVerifier(secret)

	signed := signToken(t, secret, jwt.MapClaims{
		"sub":   "mcpadmin",
		"roles": []any{"USER", "ADMIN"},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})

	principal, err := v.Verify(context.Background(), &auth.Credentials{Kind: auth.KindBearer, Token: signed})
	require.NoError(t, err)
	assert.Equal(t, "mcpadmin", principal.Username)
	assert.True(t, principal.HasRole("ADMIN"))
}

func TestBearerVerifierRejects(t *testing.T) {
	v := auth.NewBearerVerifier("test-secret")

	// Wrong secret.
	wrong := signToken(t, "other-secret", jwt.MapClaims{"sub": "x"})
	_, err := v.Verify(context.Background(), &auth.Credentials{Kind: auth.KindBearer, Token: wrong})
	assert.ErrorIs(t, err, auth.ErrRejected)

	// Expired token.
	expired := signToken(t, "test-secret", jwt.MapClaims{
		"sub": "x",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err = v.Verify(context.Background(), &auth.Credentials{Kind: auth.KindBearer, Token: expired})
	assert.ErrorIs(t, err, auth.ErrRejected)

	// Missing subject.
	noSub := signToken(t, "test-secret", jwt.MapClaims{"roles": []any{"USER"}})
	_, err = v.Verify(context.Background(), &auth.Credentials{Kind: auth.KindBearer, Token: noSub})
	assert.ErrorIs(t, err, auth.ErrRejected)

	// Garbage.
	_, err = v.Verify(context.Background(), &auth.Credentials{Kind: auth.KindBearer, Token: "garbage"})
	assert.ErrorIs(t, err, auth.ErrRejected)
}

func TestNewVerifierDispatchesByKind(t *testing.T) {
	v := auth.NewVerifier(config.AuthConfig{Users: testUsers, BearerSecret: "test-secret"})

	principal, err := v.Verify(context.Background(), &auth.Credentials{
		Kind: auth.KindBasic, Username: "mcpadmin", Password: "admin123",
	})
	require.NoError(t, err)
	assert.True(t, principal.HasRole("ADMIN"))

	signed := signToken(t, "test-secret", jwt.MapClaims{"sub": "mcpuser", "roles": []any{"USER"}})
	principal, err = v.Verify(context.Background(), &auth.Credentials{Kind: auth.KindBearer, Token: signed})
	require.NoError(t, err)
	assert.Equal(t, "mcpuser", principal.Username)
}

func TestNewVerifierWithoutBearerSecret(t *testing.T) {
	v := auth.NewVerifier(config.AuthConfig{Users: testUsers})

	signed := signToken(t, "any", jwt.MapClaims{"sub": "mcpuser"})
	_, err := v.Verify(context.Background(), &auth.Credentials{Kind: auth.KindBearer, Token: signed})
	assert.ErrorIs(t, err, auth.ErrRejected)
}
