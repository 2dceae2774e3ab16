package keycloak

import (
	"context"
	"errors"
	"net/http"
	"net/url"
)

// RevokeSession logs out the session, offline parts included. Only 200 and
// 204 count as success.
func (c *Client) RevokeSession(ctx context.Context, sessionID string) error {
	endpoint := c.adminURL("sessions/"+url.PathEscape(sessionID)) + "?isOffline=true"
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, endpoint, nil)
	if err != nil {
		return providerError("session revocation failed", &ProviderError{Op: "revoke_session", Err: err})
	}
	return c.do(c.admin, req, "revoke_session", "session revocation failed", []int{http.StatusOK, http.StatusNoContent}, nil)
}

// ListUserSessions returns the user's regular (non-offline) sessions.
func (c *Client) ListUserSessions(ctx context.Context, userID string) ([]Session, error) {
	return c.listSessions(ctx, "list_sessions", "fetch user sessions failed",
		c.adminURL("users/"+url.PathEscape(userID)+"/sessions"))
}

// ListUserOfflineSessions returns the user's offline sessions for this client.
func (c *Client) ListUserOfflineSessions(ctx context.Context, userID string) ([]Session, error) {
	if c.cfg.ClientUUID == "" {
		return nil, providerError("fetch offline sessions failed", &ProviderError{Op: "list_offline_sessions", Err: errors.New("client uuid is not configured")})
	}
	return c.listSessions(ctx, "list_offline_sessions", "fetch offline sessions failed",
		c.adminURL("users/"+url.PathEscape(userID)+"/offline-sessions/"+url.PathEscape(c.cfg.ClientUUID)))
}

func (c *Client) listSessions(ctx context.Context, op, message, endpoint string) ([]Session, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, providerError(message, &ProviderError{Op: op, Err: err})
	}
	req.Header.Set("Accept", "application/json")

	var sessions []Session
	if err := c.do(c.admin, req, op, message, []int{http.StatusOK}, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}
