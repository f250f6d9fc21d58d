package identity

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// expirySkew tolerates small clock drift between client and service.
const expirySkew = 30 * time.Second

// TokenExpired reports whether token is a JWT whose exp claim is already in
// the past. The signature is not checked; only the service can do that.
// Opaque tokens and JWTs without exp report false, leaving the decision to
// the service.
func TokenExpired(token string, now time.Time) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return now.After(claims.ExpiresAt.Add(expirySkew))
}
