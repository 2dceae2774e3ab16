package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/logging"
	"github.com/dmitrijs2005/authmanager/internal/server/auth"
	"github.com/dmitrijs2005/authmanager/internal/server/keycloak"
	"github.com/dmitrijs2005/authmanager/internal/server/models"
	"github.com/dmitrijs2005/authmanager/internal/server/replay"
)

const feedback = "https://app.example/consent-feedback"

type tokenFixture struct {
	svc      *TokenService
	vault    *VaultService
	provider *fakeProvider
	ack      *auth.AckStateService
}

func newTokenFixture(t *testing.T, ledger replay.Ledger) *tokenFixture {
	t.Helper()
	vs, _ := newTestVault(t)
	p := newFakeProvider()
	ack := auth.NewAckStateService([]byte("ack-secret-0123456789"), time.Minute)
	svc := NewTokenService(vs, p, ack, ledger, TokenServiceConfig{
		ConsentRedirectURI:      "https://broker.example/offline-token/callback",
		AfterConsentRedirectURI: feedback,
	}, logging.Nop{})
	return &tokenFixture{svc: svc, vault: vs, provider: p, ack: ack}
}

func providerFailure() error {
	return common.ErrProvider.WithMessage("token refresh failed").WithDetail("status_code", 400)
}

func TestFreshAccessToken(t *testing.T) {
	ctx := context.Background()

	t.Run("offline token is not rotated into REFRESH", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		e, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
		require.NoError(t, err)

		f.provider.refresh = func(token string) (*keycloak.TokenResponse, error) {
			assert.Equal(t, "off-1", token)
			return &keycloak.TokenResponse{AccessToken: "at", ExpiresIn: 300, RefreshToken: "off-1"}, nil
		}
		f.provider.payloads["off-1"] = &keycloak.TokenPayload{Typ: keycloak.TypOffline}

		got, err := f.svc.FreshAccessToken(ctx, e.ID)
		require.NoError(t, err)
		assert.Equal(t, &AccessTokenResult{AccessToken: "at", ExpiresIn: 300}, got)

		_, err = f.vault.RetrieveByUserID(ctx, "u1", models.TokenTypeRefresh.Ptr())
		require.ErrorIs(t, err, common.ErrorNotFound)
	})

	t.Run("rotated refresh token replaces REFRESH entry", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		id, err := f.vault.UpsertRefreshToken(ctx, "u1", "rt-1", "S1", map[string]any{"k": "v"})
		require.NoError(t, err)

		f.provider.refresh = func(string) (*keycloak.TokenResponse, error) {
			return &keycloak.TokenResponse{AccessToken: "at", ExpiresIn: 60, RefreshToken: "rt-2", SessionState: "S1"}, nil
		}
		f.provider.payloads["rt-2"] = &keycloak.TokenPayload{Typ: keycloak.TypRefresh}

		_, err = f.svc.FreshAccessToken(ctx, id)
		require.NoError(t, err)

		entry, token, err := f.vault.RetrieveAndDecrypt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "rt-2", token)
		assert.Equal(t, "v", entry.Attributes["k"])
	})

	t.Run("unknown id", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		_, err := f.svc.FreshAccessToken(ctx, "7f1d9a4e-3d0c-4c1b-8a55-000000000000")
		require.ErrorIs(t, err, common.ErrTokenNotFound)
		assert.Equal(t, common.KindNotFound, common.KindOf(err))
	})

	t.Run("provider failure keeps its code", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		e, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
		require.NoError(t, err)
		f.provider.refresh = func(string) (*keycloak.TokenResponse, error) { return nil, providerFailure() }

		_, err = f.svc.FreshAccessToken(ctx, e.ID)
		require.ErrorIs(t, err, common.ErrProvider)
		de, _ := common.AsError(err)
		assert.Equal(t, 400, de.Details["status_code"])
	})

	t.Run("malformed rotated token is a provider failure", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		id, err := f.vault.UpsertRefreshToken(ctx, "u1", "rt-1", "S1", nil)
		require.NoError(t, err)

		f.provider.refresh = func(string) (*keycloak.TokenResponse, error) {
			return &keycloak.TokenResponse{AccessToken: "at", ExpiresIn: 60, RefreshToken: "garbage"}, nil
		}
		f.provider.decodeErr = common.ErrValidation.WithMessage("malformed token")

		_, err = f.svc.FreshAccessToken(ctx, id)
		require.ErrorIs(t, err, common.ErrProvider)
		assert.Equal(t, common.KindProvider, common.KindOf(err))
		de, _ := common.AsError(err)
		assert.Equal(t, "provider returned a malformed refresh token", de.Message)

		_, token, err := f.vault.RetrieveAndDecrypt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "rt-1", token)
	})

	t.Run("non-domain provider failure becomes internal with provider code", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		e, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
		require.NoError(t, err)
		f.provider.refresh = func(string) (*keycloak.TokenResponse, error) { return nil, errors.New("socket closed") }

		_, err = f.svc.FreshAccessToken(ctx, e.ID)
		de, ok := common.AsError(err)
		require.True(t, ok)
		assert.Equal(t, common.KindInternal, de.Kind)
		assert.Equal(t, common.ErrProvider.Code, de.Code)
	})
}

func TestOfflineConsentAndCallback(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, nil)

	consent, err := f.svc.OfflineConsent(ctx, Principal{UserID: "u1", SessionStateID: "S1"})
	require.NoError(t, err)
	assert.Equal(t, "S1", consent.SessionStateID)
	assert.NotEmpty(t, consent.Message)

	u, err := url.Parse(consent.ConsentURL)
	require.NoError(t, err)
	state := u.Query().Get("state")
	assert.NotEmpty(t, u.Query().Get("nonce"))

	parsed, err := f.ack.Parse(state)
	require.NoError(t, err)
	assert.Equal(t, "u1", parsed.UserID)

	f.provider.exchange = func(code, redirectURI string) (*keycloak.TokenResponse, error) {
		assert.Equal(t, "the-code", code)
		assert.Equal(t, "https://broker.example/offline-token/callback", redirectURI)
		return &keycloak.TokenResponse{AccessToken: "at", RefreshToken: "offline-1", SessionState: "S-other"}, nil
	}

	res := f.svc.OfflineCallback(ctx, CallbackParams{Code: "the-code", State: state})
	assert.Equal(t, feedback, res.RedirectURL)
	require.NotEmpty(t, res.PersistentTokenID)

	entry, token, err := f.vault.RetrieveAndDecrypt(ctx, res.PersistentTokenID)
	require.NoError(t, err)
	assert.Equal(t, "offline-1", token)
	assert.Equal(t, models.TokenTypeOffline, entry.TokenType)
	assert.Equal(t, "S1", entry.SessionStateID, "session comes from the state")
	assert.Equal(t, "u1", entry.UserID)
}

func TestOfflineCallback_Failures(t *testing.T) {
	ctx := context.Background()

	t.Run("provider error is passed through verbatim", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		res := f.svc.OfflineCallback(ctx, CallbackParams{Error: "access_denied", ErrorDescription: "user said no"})
		u, err := url.Parse(res.RedirectURL)
		require.NoError(t, err)
		assert.Equal(t, "access_denied", u.Query().Get("error"))
		assert.Equal(t, "user said no", u.Query().Get("description"))
		assert.Empty(t, res.PersistentTokenID)
	})

	t.Run("tampered state", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		res := f.svc.OfflineCallback(ctx, CallbackParams{Code: "c", State: "not-a-state"})
		u, err := url.Parse(res.RedirectURL)
		require.NoError(t, err)
		assert.Equal(t, common.ErrInvalidAckState.Code, u.Query().Get("error"))
		assert.Empty(t, res.PersistentTokenID)
	})

	t.Run("exchange failure", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		state, err := f.ack.Make("u1", "S1", 0)
		require.NoError(t, err)
		f.provider.exchange = func(string, string) (*keycloak.TokenResponse, error) {
			return nil, common.ErrProvider.WithMessage("code exchange failed")
		}

		res := f.svc.OfflineCallback(ctx, CallbackParams{Code: "c", State: state})
		u, _ := url.Parse(res.RedirectURL)
		assert.Equal(t, common.ErrProvider.Code, u.Query().Get("error"))
		assert.Equal(t, "code exchange failed", u.Query().Get("description"))
	})

	t.Run("replayed state rejected with ledger", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { _ = client.Close() })

		f := newTokenFixture(t, replay.NewRedisLedger(client))
		state, err := f.ack.Make("u1", "S1", 0)
		require.NoError(t, err)
		f.provider.exchange = func(string, string) (*keycloak.TokenResponse, error) {
			return &keycloak.TokenResponse{RefreshToken: "offline-1"}, nil
		}

		first := f.svc.OfflineCallback(ctx, CallbackParams{Code: "c", State: state})
		require.NotEmpty(t, first.PersistentTokenID)

		second := f.svc.OfflineCallback(ctx, CallbackParams{Code: "c", State: state})
		assert.Empty(t, second.PersistentTokenID)
		u, _ := url.Parse(second.RedirectURL)
		assert.Equal(t, common.ErrInvalidAckState.Code, u.Query().Get("error"))
	})
}

func TestReissueOfflineToken(t *testing.T) {
	ctx := context.Background()
	p := Principal{UserID: "u1", SessionStateID: "S1"}

	t.Run("stores predecessor token with provenance", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		prev, err := f.vault.Store(ctx, "u1", "offline-1", models.TokenTypeOffline, "S1", nil)
		require.NoError(t, err)
		f.provider.offline = func(token string) (*keycloak.TokenResponse, error) {
			assert.Equal(t, "offline-1", token)
			return &keycloak.TokenResponse{AccessToken: "at"}, nil
		}

		got, err := f.svc.ReissueOfflineToken(ctx, p)
		require.NoError(t, err)
		assert.NotEqual(t, prev.ID, got.PersistentTokenID)
		assert.Equal(t, "S1", got.SessionStateID)

		entry, token, err := f.vault.RetrieveAndDecrypt(ctx, got.PersistentTokenID)
		require.NoError(t, err)
		assert.Equal(t, "offline-1", token)
		assert.Equal(t, prev.ID, entry.Attributes[common.AttributeFrom])
	})

	t.Run("new refresh token is a contract violation", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		_, err := f.vault.Store(ctx, "u1", "offline-1", models.TokenTypeOffline, "S1", nil)
		require.NoError(t, err)
		f.provider.offline = func(string) (*keycloak.TokenResponse, error) {
			return &keycloak.TokenResponse{AccessToken: "at", RefreshToken: "surprise"}, nil
		}

		_, err = f.svc.ReissueOfflineToken(ctx, p)
		require.ErrorIs(t, err, common.ErrContractViolation)

		shared, err := f.vault.IsTokenShared(ctx, "S1", "", models.TokenTypeOffline.Ptr())
		require.NoError(t, err)
		assert.True(t, shared, "only the first entry remains")
		others, err := f.vault.repo().RetrieveAllBySessionState(ctx, "S1", "", nil)
		require.NoError(t, err)
		assert.Len(t, others, 1)
	})

	t.Run("no offline entry for session", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		_, err := f.svc.ReissueOfflineToken(ctx, p)
		require.ErrorIs(t, err, common.ErrTokenNotFound)
	})
}

func TestRevokeOfflineToken_SharedSessionScenario(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, nil)
	f.provider.sessions = func(userID string) ([]keycloak.Session, error) {
		assert.Equal(t, "u1", userID)
		return []keycloak.Session{{ID: "S-online"}}, nil
	}

	e1, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
	require.NoError(t, err)
	e2, err := f.vault.Store(ctx, "u1", "off-2", models.TokenTypeOffline, "S1", nil)
	require.NoError(t, err)

	got, err := f.svc.RevokeOfflineToken(ctx, e1.ID)
	require.NoError(t, err)
	assert.Equal(t, &RevocationResult{
		Message:           "Offline token revoked successfully",
		PersistentTokenID: e1.ID,
		TokenDeleted:      true,
		SessionRevoked:    false,
		HadSharedSession:  true,
	}, got)
	assert.Empty(t, f.provider.revoked)

	got, err = f.svc.RevokeOfflineToken(ctx, e2.ID)
	require.NoError(t, err)
	assert.True(t, got.TokenDeleted)
	assert.False(t, got.HadSharedSession)
	assert.True(t, got.SessionRevoked)
	assert.Equal(t, []string{"S1"}, f.provider.revoked)

	_, err = f.svc.RevokeOfflineToken(ctx, e1.ID)
	require.ErrorIs(t, err, common.ErrTokenNotFound)
	assert.Equal(t, common.KindNotFound, common.KindOf(err))
}

func TestRevokeOfflineToken_LogsOfflineSessionCount(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, nil)
	var buf bytes.Buffer
	f.svc.logger = logging.New(&buf, "info", "json")

	f.provider.offlineSessions = func(userID string) ([]keycloak.Session, error) {
		assert.Equal(t, "u1", userID)
		return []keycloak.Session{{ID: "S2"}}, nil
	}
	e, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
	require.NoError(t, err)

	_, err = f.svc.RevokeOfflineToken(ctx, e.ID)
	require.NoError(t, err)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "offline token revoked", rec["msg"])
	assert.Equal(t, float64(1), rec["offline_sessions"])

	t.Run("lookup failure does not fail revocation", func(t *testing.T) {
		buf.Reset()
		f.provider.offlineSessions = func(string) ([]keycloak.Session, error) {
			return nil, common.ErrProvider.WithMessage("fetch offline sessions failed")
		}
		e, err := f.vault.Store(ctx, "u1", "off-2", models.TokenTypeOffline, "S3", nil)
		require.NoError(t, err)

		got, err := f.svc.RevokeOfflineToken(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, got.TokenDeleted)
		assert.Contains(t, buf.String(), `"msg":"offline token revoked"`)
		assert.NotContains(t, buf.String(), "offline_sessions")
	})
}

func TestRevokeOfflineToken_ActiveSessionKept(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, nil)
	f.provider.sessions = func(string) ([]keycloak.Session, error) {
		return []keycloak.Session{{ID: "S1"}}, nil
	}

	e, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
	require.NoError(t, err)

	got, err := f.svc.RevokeOfflineToken(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.SessionRevoked)
	assert.False(t, got.HadSharedSession)
	assert.Empty(t, f.provider.revoked)
}

func TestRevokeOfflineToken_FanOutFailure(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, nil)
	f.provider.sessions = func(string) ([]keycloak.Session, error) {
		return nil, common.ErrProvider.WithMessage("fetch user sessions failed")
	}

	e, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
	require.NoError(t, err)

	_, err = f.svc.RevokeOfflineToken(ctx, e.ID)
	require.ErrorIs(t, err, common.ErrProvider)

	// deletion happened before the fan-out and is not undone
	_, _, err = f.vault.RetrieveAndDecrypt(ctx, e.ID)
	require.ErrorIs(t, err, common.ErrTokenNotFound)
	assert.Empty(t, f.provider.revoked)
}

func TestRevokeOfflineToken_RevokeFailure(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, nil)
	f.provider.revokeErr = common.ErrProvider.WithMessage("session revocation failed")

	e, err := f.vault.Store(ctx, "u1", "off-1", models.TokenTypeOffline, "S1", nil)
	require.NoError(t, err)

	_, err = f.svc.RevokeOfflineToken(ctx, e.ID)
	require.ErrorIs(t, err, common.ErrProvider)
}

func TestStoreRefreshToken(t *testing.T) {
	ctx := context.Background()
	p := Principal{UserID: "u1", SessionStateID: "S1"}

	t.Run("stores and supersedes", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		f.provider.payloads["rt-1"] = &keycloak.TokenPayload{Typ: keycloak.TypRefresh}
		f.provider.payloads["rt-2"] = &keycloak.TokenPayload{Typ: keycloak.TypRefresh}

		first, err := f.svc.StoreRefreshToken(ctx, p, "rt-1")
		require.NoError(t, err)
		second, err := f.svc.StoreRefreshToken(ctx, p, "rt-2")
		require.NoError(t, err)
		assert.Equal(t, first.ID, second.ID)

		entry, token, err := f.vault.RetrieveAndDecrypt(ctx, first.ID)
		require.NoError(t, err)
		assert.Equal(t, "rt-2", token)
		assert.Equal(t, "S1", entry.SessionStateID)
	})

	t.Run("offline token rejected", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		f.provider.payloads["off"] = &keycloak.TokenPayload{Typ: keycloak.TypOffline}

		_, err := f.svc.StoreRefreshToken(ctx, p, "off")
		require.ErrorIs(t, err, common.ErrValidation)
		assert.Equal(t, common.KindValidation, common.KindOf(err))
	})

	t.Run("foreign subject rejected", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		payload := &keycloak.TokenPayload{Typ: keycloak.TypRefresh}
		payload.Subject = "someone-else"
		f.provider.payloads["rt"] = payload

		_, err := f.svc.StoreRefreshToken(ctx, p, "rt")
		require.ErrorIs(t, err, common.ErrValidation)
	})
}

func TestRotateRefreshToken(t *testing.T) {
	ctx := context.Background()
	p := Principal{UserID: "u1", SessionStateID: "S1"}

	t.Run("rotates", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		id, err := f.vault.UpsertRefreshToken(ctx, "u1", "rt-1", "S1", nil)
		require.NoError(t, err)
		f.provider.refresh = func(token string) (*keycloak.TokenResponse, error) {
			assert.Equal(t, "rt-1", token)
			return &keycloak.TokenResponse{AccessToken: "at", RefreshToken: "rt-2"}, nil
		}

		got, err := f.svc.RotateRefreshToken(ctx, p)
		require.NoError(t, err)
		assert.Equal(t, id, got.ID)

		_, token, err := f.vault.RetrieveAndDecrypt(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "rt-2", token)
	})

	t.Run("no refresh token issued", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		_, err := f.vault.UpsertRefreshToken(ctx, "u1", "rt-1", "S1", nil)
		require.NoError(t, err)
		f.provider.refresh = func(string) (*keycloak.TokenResponse, error) {
			return &keycloak.TokenResponse{AccessToken: "at"}, nil
		}

		_, err = f.svc.RotateRefreshToken(ctx, p)
		require.ErrorIs(t, err, common.ErrProvider)
	})

	t.Run("nothing stored for session", func(t *testing.T) {
		f := newTokenFixture(t, nil)
		_, err := f.svc.RotateRefreshToken(ctx, p)
		require.ErrorIs(t, err, common.ErrTokenNotFound)
	})
}

func TestValidateAndAuthenticate(t *testing.T) {
	ctx := context.Background()
	f := newTokenFixture(t, nil)
	f.provider.introspect = func(token string) (*keycloak.Introspection, error) {
		if token == "live" {
			return &keycloak.Introspection{Active: true, Sub: "u1", SessionState: "S1"}, nil
		}
		return &keycloak.Introspection{Active: false}, nil
	}

	got, err := f.svc.ValidateToken(ctx, "live")
	require.NoError(t, err)
	assert.True(t, got.Valid)

	_, err = f.svc.ValidateToken(ctx, "dead")
	require.ErrorIs(t, err, common.ErrTokenNotActive)

	principal, err := f.svc.Authenticate(ctx, "live")
	require.NoError(t, err)
	assert.Equal(t, &Principal{UserID: "u1", SessionStateID: "S1", AccessToken: "live"}, principal)

	_, err = f.svc.Authenticate(ctx, "")
	require.ErrorIs(t, err, common.ErrorUnauthorized)

	_, err = f.svc.Authenticate(ctx, "dead")
	require.ErrorIs(t, err, common.ErrTokenNotActive)
}
