package guard

import (
	"errors"
	"testing"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslate_NilPassesThrough(t *testing.T) {
	assert.NoError(t, Translate(common.ErrStorage, "x", "", func() error { return nil }))
}

func TestTranslate_RetypesDomainError(t *testing.T) {
	orig := common.ErrorNotFound.WithDetail("table", "vault")

	err := Translate(common.ErrTokenNotFound, "No offline token was found", "", func() error { return orig })

	de, ok := common.AsError(err)
	require.True(t, ok)
	assert.Equal(t, common.KindNotFound, de.Kind)
	assert.Equal(t, "token_not_found", de.Code)
	assert.Equal(t, "No offline token was found", de.Message)
	assert.Equal(t, "vault", de.Details["table"])
	assert.Equal(t, "entity_not_found", de.Details[CauseCodeKey])
	assert.ErrorIs(t, err, common.ErrTokenNotFound)
	assert.ErrorIs(t, err, common.ErrorNotFound)
}

func TestTranslate_RetypeKeepsOriginalMessageWhenEmpty(t *testing.T) {
	err := Translate(common.ErrStorage, "", "", func() error {
		return common.ErrorNotFound.WithMessage("row vanished")
	})
	assert.Equal(t, "row vanished", err.Error())
}

func TestTranslate_NoOverridePreservesCodeAndMessage(t *testing.T) {
	err := Translate(nil, "Could not generate new access token", "", func() error {
		return common.ErrProvider.WithMessage("Token refresh failed").WithDetail("code", 400)
	})

	de, ok := common.AsError(err)
	require.True(t, ok)
	assert.Equal(t, common.KindProvider, de.Kind)
	assert.Equal(t, "keycloak_error", de.Code)
	assert.Equal(t, "Token refresh failed", de.Message)
	assert.Equal(t, 400, de.Details["code"])
}

func TestTranslate_NonDomainBecomesInternal(t *testing.T) {
	cause := errors.New("socket closed")

	err := Translate(common.ErrTokenNotFound, "lookup failed", "vault_lookup", func() error { return cause })

	de, ok := common.AsError(err)
	require.True(t, ok)
	assert.Equal(t, common.KindInternal, de.Kind)
	assert.Equal(t, "vault_lookup", de.Code)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "lookup failed: socket closed", err.Error())
}

func TestTranslate_NonDomainDefaultCode(t *testing.T) {
	err := Translate(nil, "", "", func() error { return errors.New("x") })
	assert.ErrorIs(t, err, common.ErrorInternal)
}

func TestValue(t *testing.T) {
	v, err := Value(nil, "", "", func() (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)

	v, err = Value(common.ErrStorage, "insert failed", "", func() (int, error) { return 3, common.ErrorInternal })
	assert.Zero(t, v)
	assert.ErrorIs(t, err, common.ErrStorage)
}

func TestInvariant(t *testing.T) {
	type row struct{ ct, iv []byte }
	missing := func(r row) bool { return len(r.ct) == 0 || len(r.iv) == 0 }

	got, err := Invariant(row{ct: []byte{1}, iv: []byte{2}}, missing, common.ErrTokenNotFound)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got.ct)

	_, err = Invariant(row{ct: []byte{1}}, missing, common.ErrTokenNotFound)
	assert.ErrorIs(t, err, common.ErrTokenNotFound)
}

func TestNotFound(t *testing.T) {
	err := NotFound(common.ErrorNotFound, common.ErrTokenNotFound)
	assert.ErrorIs(t, err, common.ErrTokenNotFound)

	other := common.ErrStorage.Wrap(errors.New("db down"))
	assert.Same(t, other, NotFound(other, common.ErrTokenNotFound))
}
