package http

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/server/services"
)

// bindValid binds request input into dst and validates it.
func bindValid(c echo.Context, dst any) error {
	if err := c.Bind(dst); err != nil {
		return validationError(err)
	}
	return c.Validate(dst)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, "OK")
}

type versionResponse struct {
	AppName         string `json:"app_name"`
	AppVersion      string `json:"app_version"`
	DatabaseVersion string `json:"database_version"`
	CommitSHA       string `json:"commit_sha"`
	Env             string `json:"env"`
}

func (s *Server) version(c echo.Context) error {
	resp := versionResponse{
		AppName:    s.info.AppName,
		AppVersion: s.info.Version,
		CommitSHA:  s.info.CommitSHA,
		Env:        s.info.Env,
	}
	if s.schemaVersion != nil {
		v, err := s.schemaVersion(c.Request().Context())
		if err != nil {
			return common.ErrStorage.WithMessage("reading schema version failed").Wrap(err)
		}
		resp.DatabaseVersion = strconv.FormatInt(v, 10)
	}
	return ok(c, resp)
}

func (s *Server) accessToken(c echo.Context) error {
	var q idQuery
	if err := bindValid(c, &q); err != nil {
		return err
	}
	res, err := s.tokens.FreshAccessToken(c.Request().Context(), q.ID)
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) offlineConsent(c echo.Context) error {
	res, err := s.tokens.OfflineConsent(c.Request().Context(), principal(c))
	if err != nil {
		return err
	}
	return ok(c, res)
}

// offlineTokenCallback always redirects; the new entry id travels in a header.
func (s *Server) offlineTokenCallback(c echo.Context) error {
	var q callbackQuery
	if err := c.Bind(&q); err != nil {
		return validationError(err)
	}

	res := s.tokens.OfflineCallback(c.Request().Context(), services.CallbackParams{
		Code:             q.Code,
		State:            q.State,
		Error:            q.Error,
		ErrorDescription: q.ErrorDescription,
	})
	if res.PersistentTokenID != "" {
		c.Response().Header().Set(common.PersistentTokenHeaderName, res.PersistentTokenID)
	}
	return c.Redirect(http.StatusFound, res.RedirectURL)
}

func (s *Server) reissueOfflineToken(c echo.Context) error {
	res, err := s.tokens.ReissueOfflineToken(c.Request().Context(), principal(c))
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) revokeOfflineToken(c echo.Context) error {
	var q idQuery
	if err := bindValid(c, &q); err != nil {
		return err
	}
	res, err := s.tokens.RevokeOfflineToken(c.Request().Context(), q.ID)
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) storeRefreshToken(c echo.Context) error {
	var body refreshTokenBody
	if err := bindValid(c, &body); err != nil {
		return err
	}
	res, err := s.tokens.StoreRefreshToken(c.Request().Context(), principal(c), body.RefreshToken)
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) rotateRefreshToken(c echo.Context) error {
	res, err := s.tokens.RotateRefreshToken(c.Request().Context(), principal(c))
	if err != nil {
		return err
	}
	return ok(c, res)
}

func (s *Server) validateToken(c echo.Context) error {
	bearer, found := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
	if !found {
		return common.ErrorUnauthorized.WithMessage("missing bearer token")
	}
	res, err := s.tokens.ValidateToken(c.Request().Context(), bearer)
	if err != nil {
		return err
	}
	return ok(c, res)
}
