// Package http exposes the token lifecycle flows over an echo router.
package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/segmentio/ksuid"

	"github.com/dmitrijs2005/authmanager/internal/logging"
	"github.com/dmitrijs2005/authmanager/internal/server/services"
)

const shutdownTimeout = 10 * time.Second

// TokenAPI is the orchestrator surface the handlers call.
type TokenAPI interface {
	FreshAccessToken(ctx context.Context, id string) (*services.AccessTokenResult, error)
	OfflineConsent(ctx context.Context, p services.Principal) (*services.OfflineConsentResult, error)
	OfflineCallback(ctx context.Context, p services.CallbackParams) *services.CallbackResult
	ReissueOfflineToken(ctx context.Context, p services.Principal) (*services.OfflineTokenResult, error)
	RevokeOfflineToken(ctx context.Context, id string) (*services.RevocationResult, error)
	StoreRefreshToken(ctx context.Context, p services.Principal, refreshToken string) (*services.RefreshTokenIDResult, error)
	RotateRefreshToken(ctx context.Context, p services.Principal) (*services.RefreshTokenIDResult, error)
	ValidateToken(ctx context.Context, token string) (*services.ValidationResult, error)
	Authenticate(ctx context.Context, bearer string) (*services.Principal, error)
}

// BuildInfo is reported by GET /version.
type BuildInfo struct {
	AppName   string
	Version   string
	CommitSHA string
	Env       string
}

// SchemaVersionFunc returns the applied migration version.
type SchemaVersionFunc func(ctx context.Context) (int64, error)

type Server struct {
	address       string
	echo          *echo.Echo
	tokens        TokenAPI
	info          BuildInfo
	schemaVersion SchemaVersionFunc
	logger        logging.Logger
}

func NewServer(address string, l logging.Logger, tokens TokenAPI, info BuildInfo, schemaVersion SchemaVersionFunc) *Server {
	s := &Server{
		address:       address,
		tokens:        tokens,
		info:          info,
		schemaVersion: schemaVersion,
		logger:        l.With("module", "http_server"),
	}
	s.echo = s.router()
	return s
}

func (s *Server) router() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Validator = newRequestValidator()
	e.HTTPErrorHandler = s.errorHandler

	e.Use(
		middleware.Recover(),
		middleware.RequestIDWithConfig(middleware.RequestIDConfig{
			Generator: func() string { return ksuid.New().String() },
		}),
		s.requestLogger,
	)

	e.GET("/health", s.health)
	e.GET("/version", s.version)
	e.GET("/offline-token/callback", s.offlineTokenCallback)

	// per-route bearer middleware keeps unknown paths at 404
	e.GET("/access-token", s.accessToken, s.bearerAuth)
	e.GET("/offline-token", s.offlineConsent, s.bearerAuth)
	e.POST("/offline-token-id", s.reissueOfflineToken, s.bearerAuth)
	e.DELETE("/offline-token-id", s.revokeOfflineToken, s.bearerAuth)
	e.POST("/refresh-token", s.storeRefreshToken, s.bearerAuth)
	e.POST("/refresh-token-id", s.rotateRefreshToken, s.bearerAuth)
	// introspects the bearer itself
	e.GET("/validate-token", s.validateToken)

	return e
}

// Handler returns the router for use with httptest.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {

	listen, err := net.Listen("tcp", s.address)
	if err != nil {
		return err
	}

	srv := &http.Server{Handler: s.echo, ReadHeaderTimeout: 10 * time.Second}

	go func() {
		<-ctx.Done()
		s.logger.Info(ctx, "Stopping HTTP server...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.logger.Error(ctx, "http shutdown failed", "error", err)
		}
	}()

	s.logger.Info(ctx, "Starting HTTP server", "address", listen.Addr().String())

	if err := srv.Serve(listen); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
