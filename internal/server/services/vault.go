// Package services contains server-side business logic. This file implements
// VaultService, which encrypts tokens before they are persisted and decrypts
// them on the way out.
package services

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/cryptox"
	"github.com/dmitrijs2005/authmanager/internal/guard"
	"github.com/dmitrijs2005/authmanager/internal/server/models"
	"github.com/dmitrijs2005/authmanager/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authmanager/internal/server/repositories/vault"
)

// VaultService composes the vault repository with the encryption service.
type VaultService struct {
	db          *sql.DB
	repomanager repomanager.RepositoryManager
	crypto      *cryptox.Service
}

func NewVaultService(db *sql.DB, m repomanager.RepositoryManager, crypto *cryptox.Service) *VaultService {
	return &VaultService{db: db, repomanager: m, crypto: crypto}
}

func (s *VaultService) repo() vault.Repository { return s.repomanager.Vault(s.db) }

type sealed struct {
	ciphertext []byte
	iv         []byte
	hash       string
}

func (s *VaultService) seal(token string) (*sealed, error) {
	iv := s.crypto.GenerateIV()
	ct, err := s.crypto.Encrypt([]byte(token), iv)
	if err != nil {
		return nil, common.ErrorInternal.WithMessage("token encryption failed").Wrap(err)
	}
	return &sealed{ciphertext: ct, iv: iv, hash: s.crypto.Hash([]byte(token))}, nil
}

// open decrypts entry after checking that both ciphertext fields are present.
func (s *VaultService) open(entry *models.VaultEntry) (string, error) {
	entry, err := guard.Invariant(entry, func(e *models.VaultEntry) bool { return !e.HasCiphertext() },
		common.ErrTokenNotFound.WithMessage("vault entry has no usable ciphertext"))
	if err != nil {
		return "", err
	}
	pt, err := s.crypto.Decrypt(entry.EncryptedToken, entry.IV)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// Store encrypts token and persists it as a new entry.
func (s *VaultService) Store(ctx context.Context, userID, token string, tokenType models.TokenType, sessionStateID string, attributes map[string]any) (*models.VaultEntry, error) {
	return guard.Value(nil, "failed to store token", common.ErrStorage.Code, func() (*models.VaultEntry, error) {
		sealed, err := s.seal(token)
		if err != nil {
			return nil, err
		}
		return s.repo().Create(ctx, &models.VaultEntry{
			UserID:         userID,
			TokenType:      tokenType,
			EncryptedToken: sealed.ciphertext,
			IV:             sealed.iv,
			TokenHash:      sealed.hash,
			SessionStateID: sessionStateID,
			Attributes:     attributes,
		})
	})
}

// RetrieveAndDecrypt loads the entry by id and returns it with its plaintext.
// Absent and corrupt entries fail with common.ErrTokenNotFound.
func (s *VaultService) RetrieveAndDecrypt(ctx context.Context, id string) (*models.VaultEntry, string, error) {
	entry, err := s.repo().Retrieve(ctx, id)
	if err != nil {
		return nil, "", guard.NotFound(err, common.ErrTokenNotFound.WithMessage(fmt.Sprintf("token %s not found", id)))
	}
	token, err := s.open(entry)
	if err != nil {
		return nil, "", err
	}
	return entry, token, nil
}

// UpsertRefreshToken stores token as the user's only REFRESH entry.
func (s *VaultService) UpsertRefreshToken(ctx context.Context, userID, token, sessionStateID string, attributes map[string]any) (string, error) {
	sealed, err := s.seal(token)
	if err != nil {
		return "", err
	}
	return s.repo().UpsertRefreshToken(ctx, userID, sealed.ciphertext, sealed.iv, sealed.hash, sessionStateID, attributes)
}

// RequireBySessionState returns the first entry of the session with its
// plaintext, failing with common.ErrTokenNotFound when absent or corrupt.
func (s *VaultService) RequireBySessionState(ctx context.Context, sessionStateID string, tokenType *models.TokenType) (*models.VaultEntry, string, error) {
	entry, err := s.repo().RequireBySessionState(ctx, sessionStateID, tokenType)
	if err != nil {
		return nil, "", guard.NotFound(err, common.ErrTokenNotFound.WithMessage(fmt.Sprintf("no token stored for session %s", sessionStateID)))
	}
	token, err := s.open(entry)
	if err != nil {
		return nil, "", err
	}
	return entry, token, nil
}

// RetrieveBySessionState returns nil when the session has no entry.
func (s *VaultService) RetrieveBySessionState(ctx context.Context, sessionStateID string, tokenType *models.TokenType) (*models.VaultEntry, error) {
	return s.repo().RetrieveBySessionState(ctx, sessionStateID, tokenType)
}

func (s *VaultService) RetrieveByUserID(ctx context.Context, userID string, tokenType *models.TokenType) (*models.VaultEntry, error) {
	return s.repo().RetrieveByUserID(ctx, userID, tokenType)
}

func (s *VaultService) DeleteToken(ctx context.Context, id string) (bool, error) {
	return s.repo().Delete(ctx, id)
}

// IsTokenShared reports whether any entry other than excludeID belongs to the
// same session and type.
func (s *VaultService) IsTokenShared(ctx context.Context, sessionStateID, excludeID string, tokenType *models.TokenType) (bool, error) {
	others, err := s.repo().RetrieveAllBySessionState(ctx, sessionStateID, excludeID, tokenType)
	if err != nil {
		return false, err
	}
	return len(others) > 0, nil
}
