// Package vault declares the persistence contract for encrypted vault
// entries and its database/sql implementation.
package vault

import (
	"context"

	"github.com/dmitrijs2005/authmanager/internal/server/models"
)

// Repository stores encrypted vault entries. Absent rows are reported as
// common.ErrorNotFound and driver failures as common.ErrStorage.
type Repository interface {
	// Create inserts a new row and returns it with its generated id.
	Create(ctx context.Context, entry *models.VaultEntry) (*models.VaultEntry, error)

	Retrieve(ctx context.Context, id string) (*models.VaultEntry, error)

	// RetrieveBySessionState returns the first match, or nil when none exists.
	RetrieveBySessionState(ctx context.Context, sessionStateID string, tokenType *models.TokenType) (*models.VaultEntry, error)

	// RequireBySessionState is RetrieveBySessionState that fails with
	// common.ErrorNotFound instead of returning nil.
	RequireBySessionState(ctx context.Context, sessionStateID string, tokenType *models.TokenType) (*models.VaultEntry, error)

	RetrieveByUserID(ctx context.Context, userID string, tokenType *models.TokenType) (*models.VaultEntry, error)

	// RetrieveAllBySessionState lists entries of the session other than excludeID.
	RetrieveAllBySessionState(ctx context.Context, sessionStateID, excludeID string, tokenType *models.TokenType) ([]*models.VaultEntry, error)

	// UpsertRefreshToken replaces the user's REFRESH row in one statement,
	// keeping its id, or inserts one when none exists.
	UpsertRefreshToken(ctx context.Context, userID string, ciphertext, iv []byte, hash, sessionStateID string, attributes map[string]any) (string, error)

	// Delete reports whether a row was removed.
	Delete(ctx context.Context, id string) (bool, error)

	// List pages through all entries ordered by id, starting after afterID.
	List(ctx context.Context, afterID string, limit int) ([]*models.VaultEntry, error)

	// UpdateCiphertext rewrites the encrypted material of one row, but only
	// while the row still holds prevIV and prevHash. Otherwise it fails with
	// common.ErrStaleEntry.
	UpdateCiphertext(ctx context.Context, id string, prevIV []byte, prevHash string, ciphertext, iv []byte, hash string) error
}
