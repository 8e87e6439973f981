package middleware

import (
	"strings"

	"github.com/compliance-trace/backend/internal/auth"
	"github.com/compliance-trace/backend/internal/config"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

const (
	CtxActorID = "actor_id"
	CtxRoles   = "roles"
)

// AuthMiddleware validates the bearer token issued by the identity
// service and exposes the actor id and roles to handlers.
func AuthMiddleware(cfg *config.Config, log *zap.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "missing authorization header"})
		}

		tokenStr := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenStr == authHeader {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid authorization format"})
		}

		claims, err := auth.ParseJWT(cfg.JWTSecret, tokenStr)
		if err != nil {
			log.Debug("jwt parse error", zap.Error(err))
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "invalid or expired token"})
		}

		c.Locals(CtxActorID, claims.ActorID)
		c.Locals(CtxRoles, claims.Roles)

		return c.Next()
	}
}

func GetActorID(c *fiber.Ctx) string {
	id, _ := c.Locals(CtxActorID).(string)
	return id
}

func GetRoles(c *fiber.Ctx) []string {
	roles, _ := c.Locals(CtxRoles).([]string)
	return roles
}

// RequireRoles guards a route group: the actor must carry at least one of
// the wanted roles (admin always passes).
func RequireRoles(wanted ...string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		claims := auth.Claims{Roles: GetRoles(c)}
		if !claims.HasAnyRole(wanted...) {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "insufficient role"})
		}
		return c.Next()
	}
}
