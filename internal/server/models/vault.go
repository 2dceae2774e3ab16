// Package models defines server-side data models persisted in the database.
package models

import "time"

// TokenType distinguishes the two kinds of long-lived tokens held in the vault.
type TokenType string

const (
	TokenTypeRefresh TokenType = "REFRESH"
	TokenTypeOffline TokenType = "OFFLINE"
)

// Ptr returns a pointer to t, for optional token type filters.
func (t TokenType) Ptr() *TokenType { return &t }

// VaultEntry is one encrypted token record.
//
// EncryptedToken and IV are written together; an entry with either missing
// is corrupt and must not be decrypted.
type VaultEntry struct {
	ID             string
	UserID         string
	TokenType      TokenType
	EncryptedToken []byte
	IV             []byte
	TokenHash      string
	SessionStateID string
	Attributes     map[string]any
	CreatedAt      time.Time
	UpdatedAt      *time.Time
}

// HasCiphertext reports whether both ciphertext fields are present.
func (e *VaultEntry) HasCiphertext() bool {
	return e != nil && len(e.EncryptedToken) > 0 && len(e.IV) > 0
}
