package http

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/dmitrijs2005/authmanager/internal/common"
)

type dataEnvelope struct {
	Data any `json:"data"`
}

type errorEnvelope struct {
	Error   string         `json:"error"`
	Code    string         `json:"code"`
	Reason  string         `json:"reason"`
	Details map[string]any `json:"details"`
}

var kindStatus = map[common.Kind]int{
	common.KindNotFound:       http.StatusNotFound,
	common.KindInvalidState:   http.StatusBadRequest,
	common.KindValidation:     http.StatusUnprocessableEntity,
	common.KindProvider:       http.StatusBadGateway,
	common.KindStorage:        http.StatusInternalServerError,
	common.KindTokenNotActive: http.StatusUnauthorized,
	common.KindUnauthorized:   http.StatusUnauthorized,
	common.KindInternal:       http.StatusInternalServerError,
}

func statusFor(kind common.Kind) int {
	if st, ok := kindStatus[kind]; ok {
		return st
	}
	return http.StatusInternalServerError
}

func ok(c echo.Context, data any) error {
	return c.JSON(http.StatusOK, dataEnvelope{Data: data})
}

// errorHandler renders every handler error as the JSON error envelope.
func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}

	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, errorEnvelope{Error: msg, Code: "http_error", Reason: http.StatusText(he.Code)})
		return
	}

	de, ok := common.AsError(err)
	if !ok {
		de = common.ErrorInternal.Wrap(err)
	}

	status := statusFor(de.Kind)
	ctx := c.Request().Context()
	if status >= http.StatusInternalServerError {
		s.logger.Error(ctx, "request failed", "path", c.Path(), "code", de.Code, "error", err)
	} else {
		s.logger.Debug(ctx, "request rejected", "path", c.Path(), "code", de.Code)
	}

	details := de.Details
	if details == nil {
		details = map[string]any{}
	}
	_ = c.JSON(status, errorEnvelope{
		Error:   de.Message,
		Code:    de.Code,
		Reason:  string(de.Kind),
		Details: details,
	})
}

func validationError(err error) error {
	return common.ErrValidation.WithMessage(fmt.Sprintf("invalid request: %v", err))
}
