package services

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dmitrijs2005/authmanager/internal/cryptox"
	"github.com/dmitrijs2005/authmanager/internal/server/keycloak"
	"github.com/dmitrijs2005/authmanager/internal/server/repositories/repomanager"
)

func newTestCrypto(t *testing.T, seed byte) *cryptox.Service {
	t.Helper()
	key := make([]byte, cryptox.KeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	c, err := cryptox.NewService(key)
	require.NoError(t, err)
	return c
}

func newTestVault(t *testing.T) (*VaultService, *sql.DB) {
	t.Helper()
	ctx := context.Background()

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := repomanager.Open(ctx, repomanager.DriverSQLite, fmt.Sprintf("file:%s?mode=memory&cache=shared", name))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m := repomanager.NewSQLiteRepositoryManager()
	require.NoError(t, m.RunMigrations(ctx, db))

	return NewVaultService(db, m, newTestCrypto(t, 1)), db
}

// fakeProvider is an in-memory IdentityProvider. Unset hooks return zero
// values.
type fakeProvider struct {
	mu sync.Mutex

	refresh    func(token string) (*keycloak.TokenResponse, error)
	offline    func(token string) (*keycloak.TokenResponse, error)
	introspect func(token string) (*keycloak.Introspection, error)
	exchange   func(code, redirectURI string) (*keycloak.TokenResponse, error)
	sessions   func(userID string) ([]keycloak.Session, error)
	revokeErr  error
	decodeErr  error

	offlineSessions func(userID string) ([]keycloak.Session, error)

	payloads map[string]*keycloak.TokenPayload
	revoked  []string
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{payloads: map[string]*keycloak.TokenPayload{}}
}

func (f *fakeProvider) RefreshAccessToken(_ context.Context, token string) (*keycloak.TokenResponse, error) {
	return f.refresh(token)
}

func (f *fakeProvider) RequestOfflineToken(_ context.Context, token string) (*keycloak.TokenResponse, error) {
	return f.offline(token)
}

func (f *fakeProvider) IntrospectToken(_ context.Context, token string) (*keycloak.Introspection, error) {
	return f.introspect(token)
}

func (f *fakeProvider) DecodeToken(_ context.Context, token string, _ bool) (*keycloak.TokenPayload, error) {
	if f.decodeErr != nil {
		return nil, f.decodeErr
	}
	if p, ok := f.payloads[token]; ok {
		return p, nil
	}
	return &keycloak.TokenPayload{}, nil
}

func (f *fakeProvider) ExchangeCodeForToken(_ context.Context, code, redirectURI string) (*keycloak.TokenResponse, error) {
	return f.exchange(code, redirectURI)
}

func (f *fakeProvider) RevokeSession(_ context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.revokeErr != nil {
		return f.revokeErr
	}
	f.revoked = append(f.revoked, sessionID)
	return nil
}

func (f *fakeProvider) ListUserSessions(_ context.Context, userID string) ([]keycloak.Session, error) {
	if f.sessions == nil {
		return nil, nil
	}
	return f.sessions(userID)
}

func (f *fakeProvider) ListUserOfflineSessions(_ context.Context, userID string) ([]keycloak.Session, error) {
	if f.offlineSessions == nil {
		return nil, nil
	}
	return f.offlineSessions(userID)
}

func (f *fakeProvider) AuthCodeURL(state, nonce string) string {
	return "https://idp.example/auth?state=" + state + "&nonce=" + nonce
}
