package middleware

import (
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// tenantClaims are the explicit routing claims honored by resolution
// strategy 3.
type tenantClaims struct {
	TenantSlug string `json:"tenant_slug"`
	OrgSlug    string `json:"org_slug"`
	jwt.RegisteredClaims
}

// NewJWTClaimsParser builds a ClaimsParser verifying HS256 tokens with
// secret. Tokens without a tenant_slug claim resolve nothing.
func NewJWTClaimsParser(secret []byte) ClaimsParser {
	return func(token string) (string, string, error) {
		claims := &tenantClaims{}
		parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return secret, nil
		})
		if err != nil {
			return "", "", err
		}
		if !parsed.Valid {
			return "", "", fmt.Errorf("invalid token")
		}
		return claims.TenantSlug, claims.OrgSlug, nil
	}
}
