package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Role names carried in token claims. Tokens are issued by the identity
// service; this package only validates them and generates test tokens.
const (
	RoleViewer            = "viewer"
	RoleQAManager         = "qa_manager"
	RoleComplianceManager = "compliance_manager"
	RoleOpsScheduler      = "ops_scheduler"
	RoleAdmin             = "admin"
)

type Claims struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	jwt.RegisteredClaims
}

// HasAnyRole reports whether the claims carry at least one of the wanted
// roles. Admin always passes.
func (c *Claims) HasAnyRole(wanted ...string) bool {
	for _, have := range c.Roles {
		if have == RoleAdmin {
			return true
		}
		for _, w := range wanted {
			if have == w {
				return true
			}
		}
	}
	return false
}

// GenerateJWT signs a token for an actor. If expiration <= 0, 24h is used.
func GenerateJWT(secret, actorID string, roles []string, expiration time.Duration) (string, error) {
	if expiration <= 0 {
		expiration = 24 * time.Hour
	}

	claims := Claims{
		ActorID: actorID,
		Roles:   roles,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiration)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "compliance-trace",
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func ParseJWT(secret string, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil {
		return nil, err
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}
