package keycloak

import "github.com/golang-jwt/jwt/v5"

// TokenResponse is the token endpoint payload. RefreshToken is empty when
// the provider did not issue a new one.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshToken     string `json:"refresh_token,omitempty"`
	RefreshExpiresIn int    `json:"refresh_expires_in,omitempty"`
	TokenType        string `json:"token_type,omitempty"`
	IDToken          string `json:"id_token,omitempty"`
	SessionState     string `json:"session_state,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// Introspection is the RFC 7662 response with the Keycloak extensions used
// here.
type Introspection struct {
	Active       bool   `json:"active"`
	Exp          int64  `json:"exp,omitempty"`
	Iat          int64  `json:"iat,omitempty"`
	Sub          string `json:"sub,omitempty"`
	Sid          string `json:"sid,omitempty"`
	SessionState string `json:"session_state,omitempty"`
	Scope        string `json:"scope,omitempty"`
	ClientID     string `json:"client_id,omitempty"`
	Username     string `json:"username,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
}

// SessionID returns sid, falling back to the older session_state claim.
func (i *Introspection) SessionID() string {
	if i.Sid != "" {
		return i.Sid
	}
	return i.SessionState
}

// Token types reported in the typ claim.
const (
	TypRefresh = "Refresh"
	TypOffline = "Offline"
)

// TokenPayload holds the claims of a provider-issued token.
type TokenPayload struct {
	jwt.RegisteredClaims
	Typ          string `json:"typ,omitempty"`
	Azp          string `json:"azp,omitempty"`
	Sid          string `json:"sid,omitempty"`
	SessionState string `json:"session_state,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// SessionID returns sid, falling back to session_state.
func (p *TokenPayload) SessionID() string {
	if p.Sid != "" {
		return p.Sid
	}
	return p.SessionState
}

// Session is one entry of the admin user-sessions listing.
type Session struct {
	ID            string            `json:"id"`
	Username      string            `json:"username,omitempty"`
	UserID        string            `json:"userId,omitempty"`
	IPAddress     string            `json:"ipAddress,omitempty"`
	Start         int64             `json:"start,omitempty"`
	LastAccess    int64             `json:"lastAccess,omitempty"`
	RememberMe    bool              `json:"rememberMe,omitempty"`
	Clients       map[string]string `json:"clients,omitempty"`
	TransientUser bool              `json:"transientUser,omitempty"`
}
