package keycloak

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/oauth2"

	"github.com/dmitrijs2005/authmanager/internal/common"
)

const maxErrorBody = 4 << 10

// ProviderError describes a failed provider call. StatusCode is 0 when no
// response was received.
type ProviderError struct {
	Op         string
	StatusCode int
	Body       string
	Err        error
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("keycloak %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("keycloak %s: unexpected status %d", e.Op, e.StatusCode)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// providerError wraps pe in common.ErrProvider so callers can branch on the
// domain code and still reach the upstream status and body.
func providerError(message string, pe *ProviderError) error {
	if len(pe.Body) > maxErrorBody {
		pe.Body = pe.Body[:maxErrorBody]
	}
	de := common.ErrProvider.WithMessage(message).
		WithDetail("operation", pe.Op).
		WithDetail("status_code", pe.StatusCode)
	if pe.Body != "" {
		de = de.WithDetail("body", pe.Body)
	}
	var ne net.Error
	if errors.As(pe.Err, &ne) && ne.Timeout() {
		de = de.WithDetail("timeout", true)
	}
	return de.Wrap(pe)
}

// transportError converts an error from an oauth2 call.
func transportError(op, message string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		status := 0
		if re.Response != nil {
			status = re.Response.StatusCode
		}
		return providerError(message, &ProviderError{Op: op, StatusCode: status, Body: string(re.Body), Err: err})
	}
	return providerError(message, &ProviderError{Op: op, Err: err})
}
