package feed

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated is returned for a missing or invalid voter token.
var ErrUnauthenticated = errors.New("unauthenticated")

const issuer = "tally"

// Authenticator issues and verifies HS256 voter tokens. The token subject
// is the voter id.
type Authenticator struct {
	secret []byte
	now    func() time.Time
}

// NewAuthenticator creates an Authenticator. An empty secret disables
// authentication: every request is anonymous.
func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret), now: time.Now}
}

// Enabled reports whether tokens can be verified.
func (a *Authenticator) Enabled() bool {
	return len(a.secret) > 0
}

// Issue signs a token for voterID valid for ttl.
func (a *Authenticator) Issue(voterID string, ttl time.Duration) (string, error) {
	if !a.Enabled() {
		return "", fmt.Errorf("issue token: no secret configured")
	}
	if voterID == "" {
		return "", fmt.Errorf("issue token: empty voter id")
	}
	now := a.now()
	claims := gojwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   voterID,
		IssuedAt:  gojwt.NewNumericDate(now),
		ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
	}
	return gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Verify checks token and returns its voter id.
func (a *Authenticator) Verify(token string) (string, error) {
	if !a.Enabled() {
		return "", ErrUnauthenticated
	}
	parser := gojwt.NewParser(
		gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}),
		gojwt.WithIssuer(issuer),
		gojwt.WithExpirationRequired(),
		gojwt.WithTimeFunc(a.now),
	)
	var claims gojwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(token, &claims, func(*gojwt.Token) (any, error) {
		return a.secret, nil
	}); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return claims.Subject, nil
}

// FromRequest returns the voter of r, taken from a bearer Authorization
// header or a token query parameter (browsers cannot set headers on a
// websocket handshake). A request without a token is anonymous and yields "".
func (a *Authenticator) FromRequest(r *http.Request) (string, error) {
	token := r.URL.Query().Get("token")
	if h := r.Header.Get("Authorization"); h != "" {
		var ok bool
		token, ok = strings.CutPrefix(h, "Bearer ")
		if !ok {
			return "", fmt.Errorf("%w: unsupported authorization scheme", ErrUnauthenticated)
		}
	}
	if token == "" {
		return "", nil
	}
	return a.Verify(token)
}
