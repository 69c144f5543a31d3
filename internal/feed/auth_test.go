package feed

import (
	"net/http/httptest"
	"testing"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthenticator_IssueVerify(t *testing.T) {
	a := NewAuthenticator("s3cret")
	tok, err := a.Issue("u1", time.Minute)
	require.NoError(t, err)

	voter, err := a.Verify(tok)
	require.NoError(t, err)
	assert.Equal(t, "u1", voter)
}

func TestAuthenticator_Rejects(t *testing.T) {
	a := NewAuthenticator("s3cret")

	other, err := NewAuthenticator("other").Issue("u1", time.Minute)
	require.NoError(t, err)

	expired := NewAuthenticator("s3cret")
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	old, err := expired.Issue("u1", time.Minute)
	require.NoError(t, err)

	none, err := gojwt.NewWithClaims(gojwt.SigningMethodNone, gojwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   "u1",
		ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString(gojwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	noSubject, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.RegisteredClaims{
		Issuer:    issuer,
		ExpiresAt: gojwt.NewNumericDate(time.Now().Add(time.Minute)),
	}).SignedString([]byte("s3cret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"wrong secret", other},
		{"expired", old},
		{"unsigned", none},
		{"no subject", noSubject},
		{"garbage", "not.a.token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.Verify(tt.token)
			assert.ErrorIs(t, err, ErrUnauthenticated)
		})
	}
}

func TestAuthenticator_Disabled(t *testing.T) {
	a := NewAuthenticator("")
	assert.False(t, a.Enabled())
	_, err := a.Issue("u1", time.Minute)
	assert.Error(t, err)
	_, err = a.Verify("anything")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestAuthenticator_FromRequest(t *testing.T) {
	a := NewAuthenticator("s3cret")
	tok, err := a.Issue("u1", time.Minute)
	require.NoError(t, err)

	r := httptest.NewRequest("GET", "/feed", nil)
	voter, err := a.FromRequest(r)
	require.NoError(t, err)
	assert.Empty(t, voter, "no token is anonymous")

	r = httptest.NewRequest("GET", "/feed?token="+tok, nil)
	voter, err = a.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", voter)

	r = httptest.NewRequest("GET", "/feed", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	voter, err = a.FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "u1", voter)

	r = httptest.NewRequest("GET", "/feed", nil)
	r.Header.Set("Authorization", "Basic dTE6cHc=")
	_, err = a.FromRequest(r)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}
