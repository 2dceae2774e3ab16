package http

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/server/services"
)

const principalKey = "principal"

// bearerAuth introspects the Authorization bearer token and stores the
// resulting Principal on the context.
func (s *Server) bearerAuth(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		bearer, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
		if !ok {
			return common.ErrorUnauthorized.WithMessage("missing bearer token")
		}

		p, err := s.tokens.Authenticate(c.Request().Context(), bearer)
		if err != nil {
			return err
		}

		c.Set(principalKey, *p)
		return next(c)
	}
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func principal(c echo.Context) services.Principal {
	p, _ := c.Get(principalKey).(services.Principal)
	return p
}

func (s *Server) requestLogger(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		start := time.Now()
		err := next(c)
		if err != nil {
			c.Error(err)
		}

		req := c.Request()
		s.logger.Info(req.Context(), "request",
			"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			"method", req.Method,
			"path", c.Path(),
			"status", c.Response().Status,
			"duration", time.Since(start).String(),
		)
		return nil
	}
}
