package services

import (
	"context"
	"fmt"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/guard"
	"github.com/dmitrijs2005/authmanager/internal/logging"
	"github.com/dmitrijs2005/authmanager/internal/server/auth"
	"github.com/dmitrijs2005/authmanager/internal/server/keycloak"
	"github.com/dmitrijs2005/authmanager/internal/server/models"
	"github.com/dmitrijs2005/authmanager/internal/server/replay"
)

// IdentityProvider is the subset of the Keycloak client used by the flows.
type IdentityProvider interface {
	RefreshAccessToken(ctx context.Context, refreshToken string) (*keycloak.TokenResponse, error)
	RequestOfflineToken(ctx context.Context, offlineToken string) (*keycloak.TokenResponse, error)
	IntrospectToken(ctx context.Context, token string) (*keycloak.Introspection, error)
	DecodeToken(ctx context.Context, token string, verifySignature bool) (*keycloak.TokenPayload, error)
	ExchangeCodeForToken(ctx context.Context, code, redirectURI string) (*keycloak.TokenResponse, error)
	RevokeSession(ctx context.Context, sessionID string) error
	ListUserSessions(ctx context.Context, userID string) ([]keycloak.Session, error)
	ListUserOfflineSessions(ctx context.Context, userID string) ([]keycloak.Session, error)
	AuthCodeURL(state, nonce string) string
}

// Principal is the caller identity taken from a validated bearer token.
type Principal struct {
	UserID         string
	SessionStateID string
	AccessToken    string
}

// AccessTokenResult is a freshly minted access token.
type AccessTokenResult struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// OfflineConsentResult points the user at the provider consent page.
type OfflineConsentResult struct {
	ConsentURL     string `json:"consent_url"`
	SessionStateID string `json:"session_state_id"`
	Message        string `json:"message"`
}

// OfflineTokenResult identifies a vaulted offline token.
type OfflineTokenResult struct {
	PersistentTokenID string `json:"persistent_token_id"`
	SessionStateID    string `json:"session_state_id"`
}

// RevocationResult reports what revoking an offline token removed.
type RevocationResult struct {
	Message           string `json:"message"`
	PersistentTokenID string `json:"persistent_token_id"`
	TokenDeleted      bool   `json:"token_deleted"`
	SessionRevoked    bool   `json:"session_revoked"`
	HadSharedSession  bool   `json:"had_shared_session"`
}

// RefreshTokenIDResult is the vault id of the user's refresh token.
type RefreshTokenIDResult struct {
	ID string `json:"id"`
}

// ValidationResult tells whether a token is active.
type ValidationResult struct {
	Valid bool `json:"valid"`
}

// CallbackParams are the query parameters the provider sends to the consent
// callback.
type CallbackParams struct {
	Code             string
	State            string
	Error            string
	ErrorDescription string
}

// CallbackResult tells the HTTP layer where to redirect the browser.
// PersistentTokenID is set only on success.
type CallbackResult struct {
	RedirectURL       string
	PersistentTokenID string
}

// TokenServiceConfig holds the redirect targets of the consent flow.
type TokenServiceConfig struct {
	ConsentRedirectURI      string
	AfterConsentRedirectURI string
}

// TokenService runs the token lifecycle flows over the vault, the identity
// provider and the ack-state service.
type TokenService struct {
	vault    *VaultService
	provider IdentityProvider
	ack      *auth.AckStateService
	ledger   replay.Ledger
	cfg      TokenServiceConfig
	logger   logging.Logger
}

func NewTokenService(vault *VaultService, provider IdentityProvider, ack *auth.AckStateService, ledger replay.Ledger, cfg TokenServiceConfig, logger logging.Logger) *TokenService {
	if ledger == nil {
		ledger = replay.Nop{}
	}
	return &TokenService{
		vault:    vault,
		provider: provider,
		ack:      ack,
		ledger:   ledger,
		cfg:      cfg,
		logger:   logger.With("module", "tokens"),
	}
}

// FreshAccessToken exchanges the stored token id for a new access token. A
// rotated refresh token replaces the user's REFRESH entry; offline tokens are
// never rotated into it.
func (s *TokenService) FreshAccessToken(ctx context.Context, id string) (*AccessTokenResult, error) {
	var (
		entry *models.VaultEntry
		token string
	)
	err := guard.Translate(nil, "no data found for this persistent token id", "", func() (err error) {
		entry, token, err = s.vault.RetrieveAndDecrypt(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	resp, err := guard.Value(nil, "could not generate new access token", common.ErrProvider.Code, func() (*keycloak.TokenResponse, error) {
		return s.provider.RefreshAccessToken(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	if resp.RefreshToken != "" {
		payload, err := guard.Value(common.ErrProvider, "provider returned a malformed refresh token", common.ErrProvider.Code, func() (*keycloak.TokenPayload, error) {
			return s.provider.DecodeToken(ctx, resp.RefreshToken, false)
		})
		if err != nil {
			return nil, err
		}
		if payload.Typ == keycloak.TypRefresh {
			session := firstNonEmpty(resp.SessionState, payload.SessionID(), entry.SessionStateID)
			if _, err := s.vault.UpsertRefreshToken(ctx, entry.UserID, resp.RefreshToken, session, entry.Attributes); err != nil {
				return nil, err
			}
		}
	}

	return &AccessTokenResult{AccessToken: resp.AccessToken, ExpiresIn: resp.ExpiresIn}, nil
}

// OfflineConsent returns the provider URL where the user grants offline
// access. The signed state binds the callback to this caller and session.
func (s *TokenService) OfflineConsent(ctx context.Context, p Principal) (*OfflineConsentResult, error) {
	state, err := s.ack.Make(p.UserID, p.SessionStateID, 0)
	if err != nil {
		return nil, err
	}
	return &OfflineConsentResult{
		ConsentURL:     s.provider.AuthCodeURL(state, common.MakeURLSafeToken(32)),
		SessionStateID: p.SessionStateID,
		Message:        "Please visit the consent URL to authorize offline access",
	}, nil
}

// OfflineCallback completes the consent flow. Failures are reported through
// the redirect URL, never as an error, because the caller is a browser.
func (s *TokenService) OfflineCallback(ctx context.Context, p CallbackParams) *CallbackResult {
	if p.Error != "" || p.ErrorDescription != "" {
		return &CallbackResult{RedirectURL: s.feedbackURL(p.Error, p.ErrorDescription)}
	}

	entry, err := guard.Value(nil, "offline token callback failed", "", func() (*models.VaultEntry, error) {
		return s.completeConsent(ctx, p)
	})
	if err != nil {
		de, _ := common.AsError(err)
		s.logger.Warn(ctx, "offline consent failed", "code", de.Code, "error", err)
		return &CallbackResult{RedirectURL: s.feedbackURL(de.Code, de.Message)}
	}

	return &CallbackResult{RedirectURL: s.cfg.AfterConsentRedirectURI, PersistentTokenID: entry.ID}
}

func (s *TokenService) completeConsent(ctx context.Context, p CallbackParams) (*models.VaultEntry, error) {
	if p.Code == "" || p.State == "" {
		return nil, common.ErrValidation.WithMessage("code and state are required")
	}

	state, err := s.ack.Parse(p.State)
	if err != nil {
		return nil, err
	}
	if err := s.ledger.Consume(ctx, state.ID, state.ExpiresAt); err != nil {
		return nil, err
	}

	resp, err := s.provider.ExchangeCodeForToken(ctx, p.Code, s.cfg.ConsentRedirectURI)
	if err != nil {
		return nil, err
	}
	if resp.RefreshToken == "" {
		return nil, common.ErrContractViolation.WithMessage("code exchange returned no offline token")
	}

	// the session comes from the signed state, not from the new token response
	entry, err := s.vault.Store(ctx, state.UserID, resp.RefreshToken, models.TokenTypeOffline, state.SessionStateID, nil)
	if err != nil {
		// no compensating revoke: the provider session is left for the
		// operator, identified here without the token itself
		s.logger.Error(ctx, "offline token issued but not stored",
			"user_id", state.UserID, "session_state_id", state.SessionStateID, "error", err)
		return nil, err
	}
	return entry, nil
}

func (s *TokenService) feedbackURL(code, description string) string {
	u, err := url.Parse(s.cfg.AfterConsentRedirectURI)
	if err != nil {
		return s.cfg.AfterConsentRedirectURI
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("description", description)
	u.RawQuery = q.Encode()
	return u.String()
}

// ReissueOfflineToken stores another vault entry for the caller's offline
// session. The provider is expected to answer the offline refresh without a
// new refresh_token; receiving one is a contract violation and nothing is
// stored.
func (s *TokenService) ReissueOfflineToken(ctx context.Context, p Principal) (*OfflineTokenResult, error) {
	var (
		entry *models.VaultEntry
		token string
	)
	err := guard.Translate(nil, "no offline token was found to generate a new one", "", func() (err error) {
		entry, token, err = s.vault.RequireBySessionState(ctx, p.SessionStateID, models.TokenTypeOffline.Ptr())
		return err
	})
	if err != nil {
		return nil, err
	}

	resp, err := guard.Value(nil, "generating new offline token failed", common.ErrProvider.Code, func() (*keycloak.TokenResponse, error) {
		return s.provider.RequestOfflineToken(ctx, token)
	})
	if err != nil {
		return nil, err
	}

	if _, err := guard.Invariant(resp, func(r *keycloak.TokenResponse) bool { return r.RefreshToken != "" },
		common.ErrContractViolation.
			WithMessage("provider issued a new refresh token for an offline re-issuance").
			WithDetail("session_state_id", p.SessionStateID)); err != nil {
		s.logger.Warn(ctx, "offline re-issuance contract violated", "session_state_id", p.SessionStateID)
		return nil, err
	}

	stored, err := s.vault.Store(ctx, p.UserID, token, models.TokenTypeOffline, entry.SessionStateID,
		map[string]any{common.AttributeFrom: entry.ID})
	if err != nil {
		return nil, err
	}
	return &OfflineTokenResult{PersistentTokenID: stored.ID, SessionStateID: stored.SessionStateID}, nil
}

// RevokeOfflineToken deletes the entry and then, unless another entry shares
// its session or the session is still active, revokes the provider session.
func (s *TokenService) RevokeOfflineToken(ctx context.Context, id string) (*RevocationResult, error) {
	var entry *models.VaultEntry
	err := guard.Translate(nil, "no offline token was found", "", func() (err error) {
		entry, _, err = s.vault.RetrieveAndDecrypt(ctx, id)
		return err
	})
	if err != nil {
		return nil, err
	}

	deleted, err := guard.Value(common.ErrStorage, "delete operation failed", common.ErrStorage.Code, func() (bool, error) {
		return s.vault.DeleteToken(ctx, entry.ID)
	})
	if err != nil {
		return nil, err
	}

	var (
		shared   bool
		sessions []keycloak.Session
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		shared, err = s.vault.IsTokenShared(gctx, entry.SessionStateID, entry.ID, entry.TokenType.Ptr())
		return err
	})
	g.Go(func() (err error) {
		sessions, err = s.provider.ListUserSessions(gctx, entry.UserID)
		return err
	})
	msg := fmt.Sprintf("revoke session %s for token %s failed", entry.SessionStateID, entry.ID)
	if err := guard.Translate(nil, msg, "", g.Wait); err != nil {
		return nil, err
	}

	revoked := false
	if !shared && !sessionActive(sessions, entry.SessionStateID) {
		if err := guard.Translate(nil, msg, common.ErrProvider.Code, func() error {
			return s.provider.RevokeSession(ctx, entry.SessionStateID)
		}); err != nil {
			return nil, err
		}
		revoked = true
	}

	attrs := []any{"id", entry.ID, "session_revoked", revoked, "had_shared_session", shared}
	if offline, err := s.provider.ListUserOfflineSessions(ctx, entry.UserID); err != nil {
		s.logger.Debug(ctx, "offline session count unavailable", "user_id", entry.UserID, "error", err)
	} else {
		attrs = append(attrs, "offline_sessions", len(offline))
	}
	s.logger.Info(ctx, "offline token revoked", attrs...)

	return &RevocationResult{
		Message:           "Offline token revoked successfully",
		PersistentTokenID: entry.ID,
		TokenDeleted:      deleted,
		SessionRevoked:    revoked,
		HadSharedSession:  shared,
	}, nil
}

// StoreRefreshToken saves a caller-supplied refresh token as the caller's
// REFRESH entry after checking that it decodes as one.
func (s *TokenService) StoreRefreshToken(ctx context.Context, p Principal, refreshToken string) (*RefreshTokenIDResult, error) {
	payload, err := guard.Value(common.ErrValidation, "provided refresh token is not valid", common.ErrValidation.Code, func() (*keycloak.TokenPayload, error) {
		return s.provider.DecodeToken(ctx, refreshToken, false)
	})
	if err != nil {
		return nil, err
	}
	if payload.Typ != keycloak.TypRefresh {
		return nil, common.ErrValidation.WithMessage(fmt.Sprintf("expected a %s token, got %q", keycloak.TypRefresh, payload.Typ))
	}
	if payload.Subject != "" && payload.Subject != p.UserID {
		return nil, common.ErrValidation.WithMessage("refresh token belongs to another user")
	}

	id, err := guard.Value(common.ErrStorage, "inserting new refresh token failed", common.ErrStorage.Code, func() (string, error) {
		return s.vault.UpsertRefreshToken(ctx, p.UserID, refreshToken, p.SessionStateID, nil)
	})
	if err != nil {
		return nil, err
	}
	return &RefreshTokenIDResult{ID: id}, nil
}

// RotateRefreshToken refreshes the REFRESH entry of the caller's session and
// stores the rotated token in its place.
func (s *TokenService) RotateRefreshToken(ctx context.Context, p Principal) (*RefreshTokenIDResult, error) {
	var (
		entry *models.VaultEntry
		token string
	)
	err := guard.Translate(nil, "no refresh token was found with this session", "", func() (err error) {
		entry, token, err = s.vault.RequireBySessionState(ctx, p.SessionStateID, models.TokenTypeRefresh.Ptr())
		return err
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.provider.RefreshAccessToken(ctx, token)
	if err != nil {
		return nil, err
	}
	resp, err = guard.Invariant(resp, func(r *keycloak.TokenResponse) bool { return r.RefreshToken == "" },
		common.ErrProvider.WithMessage("no refresh token was generated"))
	if err != nil {
		return nil, err
	}

	id, err := s.vault.UpsertRefreshToken(ctx, p.UserID, resp.RefreshToken, firstNonEmpty(resp.SessionState, entry.SessionStateID), nil)
	if err != nil {
		return nil, err
	}
	return &RefreshTokenIDResult{ID: id}, nil
}

// ValidateToken reports whether the provider considers token active.
func (s *TokenService) ValidateToken(ctx context.Context, token string) (*ValidationResult, error) {
	info, err := s.provider.IntrospectToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if !info.Active {
		return nil, common.ErrTokenNotActive
	}
	return &ValidationResult{Valid: true}, nil
}

// Authenticate turns a bearer token into a Principal via introspection.
func (s *TokenService) Authenticate(ctx context.Context, bearer string) (*Principal, error) {
	if bearer == "" {
		return nil, common.ErrorUnauthorized.WithMessage("bearer token is missing")
	}
	info, err := s.provider.IntrospectToken(ctx, bearer)
	if err != nil {
		return nil, err
	}
	if !info.Active {
		return nil, common.ErrTokenNotActive
	}
	if info.Sub == "" {
		return nil, common.ErrorUnauthorized.WithMessage("bearer token has no subject")
	}
	return &Principal{UserID: info.Sub, SessionStateID: info.SessionID(), AccessToken: bearer}, nil
}

func sessionActive(sessions []keycloak.Session, id string) bool {
	for _, s := range sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
