package hub

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/avendel/cryptodesk/internal/domain"
)

// TokenVerifier checks the HS256 access tokens clients pass as a query
// parameter when opening a scoped socket.
type TokenVerifier struct {
	secret []byte
}

func NewTokenVerifier(secret string) *TokenVerifier {
	return &TokenVerifier{secret: []byte(secret)}
}

type accessClaims struct {
	Scope string `json:"scope"`
	jwt.RegisteredClaims
}

// Verify parses the token and returns the subject identity. Only
// access-scope tokens are accepted; refresh tokens cannot open sockets.
func (v *TokenVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", domain.NewError(domain.KindUnauthorized, "missing token")
	}
	if len(v.secret) == 0 {
		return "", domain.NewError(domain.KindUnauthorized, "token auth is not configured")
	}

	claims := &accessClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, domain.Errorf(domain.KindUnauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return "", domain.WrapError(domain.KindUnauthorized, "invalid token", err)
	}
	if !parsed.Valid {
		return "", domain.NewError(domain.KindUnauthorized, "invalid token")
	}
	if claims.Scope != "access" {
		return "", domain.NewError(domain.KindUnauthorized, "token scope is not access")
	}
	if claims.Subject == "" {
		return "", domain.NewError(domain.KindUnauthorized, "token has no subject")
	}
	return claims.Subject, nil
}

// IssueToken mints an access token for a user. Used by the session layer
// and by tests.
func (v *TokenVerifier) IssueToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := accessClaims{
		Scope: "access",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", domain.WrapError(domain.KindInternal, "sign token", err)
	}
	return signed, nil
}
