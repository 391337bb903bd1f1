package middleware

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"recapflow/api-gateway/internal/identity"
	"recapflow/api-gateway/internal/signature"
	"recapflow/api-gateway/utils"
)

const principalKey = "principal"

// Authenticator resolves a bearer token to its principal.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*identity.Principal, error)
}

// RequireAuth rejects requests without a valid bearer token and stores the
// principal for handlers.
func RequireAuth(auth Authenticator, log *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get(fiber.HeaderAuthorization)
		scheme, token, ok := strings.Cut(header, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return utils.RespondWithError(c, fiber.StatusUnauthorized, "Missing bearer token")
		}

		p, err := auth.Authenticate(c.UserContext(), strings.TrimSpace(token))
		if err != nil {
			if !errors.Is(err, identity.ErrUnauthorized) && !errors.Is(err, identity.ErrInactive) {
				return utils.RespondWithServiceError(c, log, err, "Authentication")
			}
			log.WithError(err).WithField("request_id", c.Locals(utils.RequestIDKey)).Debug("Rejected bearer token")
			return utils.RespondWithError(c, utils.StatusFor(err), err.Error())
		}
		c.Locals(principalKey, p)
		return c.Next()
	}
}

// RequireAdmin lets only principals with the admin role through.
func RequireAdmin() fiber.Handler {
	return func(c *fiber.Ctx) error {
		p := PrincipalFrom(c)
		if p == nil || !p.IsAdmin() {
			return utils.RespondWithError(c, fiber.StatusForbidden, "Admin role required")
		}
		return c.Next()
	}
}

// PrincipalFrom returns the authenticated principal, or nil.
func PrincipalFrom(c *fiber.Ctx) *identity.Principal {
	p, _ := c.Locals(principalKey).(*identity.Principal)
	return p
}

// VerifyCallbackSignature checks the HMAC signature the processing backend puts on callbacks.
func VerifyCallbackSignature(secret string, log *logrus.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		err := signature.Verify(secret,
			c.Get(signature.HeaderTimestamp),
			c.Get(signature.HeaderSignature),
			c.Body(), time.Now(), signature.DefaultTolerance)
		if err != nil {
			log.WithError(err).WithFields(logrus.Fields{
				"path":      c.Path(),
				"client_ip": c.IP(),
			}).Warn("Rejected unsigned backend callback")
			return utils.RespondWithError(c, fiber.StatusUnauthorized, "Invalid callback signature")
		}
		return c.Next()
	}
}
