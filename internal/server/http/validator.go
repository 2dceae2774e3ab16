package http

import (
	"errors"

	"github.com/go-playground/validator/v10"

	"github.com/dmitrijs2005/authmanager/internal/common"
)

type requestValidator struct {
	v *validator.Validate
}

func newRequestValidator() *requestValidator {
	return &requestValidator{v: validator.New()}
}

// Validate reports the failing fields as details of common.ErrValidation.
func (rv *requestValidator) Validate(i any) error {
	err := rv.v.Struct(i)
	if err == nil {
		return nil
	}

	var fields validator.ValidationErrors
	if !errors.As(err, &fields) {
		return validationError(err)
	}

	e := common.ErrValidation.WithMessage("request validation failed")
	for _, f := range fields {
		e = e.WithDetail(f.Field(), f.Tag())
	}
	return e
}

type idQuery struct {
	ID string `query:"id" validate:"required,uuid"`
}

type refreshTokenBody struct {
	RefreshToken string `json:"refresh_token" validate:"required"`
}

type callbackQuery struct {
	Code             string `query:"code"`
	State            string `query:"state"`
	Error            string `query:"error"`
	ErrorDescription string `query:"error_description"`
}
