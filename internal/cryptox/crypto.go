// Package cryptox implements the symmetric encryption used by the token vault:
// AES-256-GCM for token material and a keyed, deterministic digest for
// equality checks without decryption.
package cryptox

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
)

// KeySize is the length of the vault master key and of each derived subkey.
const KeySize = 32

// IVSize is the AES-GCM standard nonce length.
const IVSize = 12

var ErrInvalidKey = errors.New("vault key must be 32 bytes (hex or base64 encoded)")

// DeriveMasterKey stretches a passphrase into a master key with Argon2id.
func DeriveMasterKey(password []byte, salt []byte) []byte {
	return argon2.IDKey(password, salt, 1, 64*1024, 4, KeySize)
}

// ParseKey decodes a configured master key given as hex or standard base64.
func ParseKey(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := hex.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	if b, err := base64.StdEncoding.DecodeString(s); err == nil && len(b) == KeySize {
		return b, nil
	}
	return nil, ErrInvalidKey
}

// ResolveKey returns the master key from its encoded form, or derives it
// from passphrase and salt when key is empty.
func ResolveKey(key, passphrase, salt string) ([]byte, error) {
	if key != "" {
		return ParseKey(key)
	}
	if passphrase == "" || salt == "" {
		return nil, ErrInvalidKey
	}
	return DeriveMasterKey([]byte(passphrase), []byte(salt)), nil
}

// Service encrypts, decrypts and hashes token material with one process-wide
// master key. Separate subkeys for encryption and hashing are expanded from
// the master key with HKDF-SHA256.
type Service struct {
	aead    cipher.AEAD
	hashKey []byte
}

// NewService builds a Service from a 32-byte master key.
func NewService(masterKey []byte) (*Service, error) {
	if len(masterKey) != KeySize {
		return nil, ErrInvalidKey
	}

	encKey, err := expand(masterKey, "authmanager/vault/encryption")
	if err != nil {
		return nil, err
	}
	hashKey, err := expand(masterKey, "authmanager/vault/hash")
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	common.WipeByteArray(encKey)

	return &Service{aead: aead, hashKey: hashKey}, nil
}

func expand(masterKey []byte, info string) ([]byte, error) {
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, masterKey, nil, []byte(info)), out); err != nil {
		return nil, fmt.Errorf("hkdf expand %q: %w", info, err)
	}
	return out, nil
}

// GenerateIV returns a fresh random nonce of IVSize bytes.
func (s *Service) GenerateIV() []byte {
	return common.GenerateRandByteArray(s.aead.NonceSize())
}

// Encrypt seals plaintext under iv.
func (s *Service) Encrypt(plaintext, iv []byte) ([]byte, error) {
	if len(iv) != s.aead.NonceSize() {
		return nil, fmt.Errorf("iv must be %d bytes, got %d", s.aead.NonceSize(), len(iv))
	}
	return s.aead.Seal(nil, iv, plaintext, nil), nil
}

// Decrypt opens ciphertext sealed under iv. Any inconsistency between
// ciphertext, iv and key yields common.ErrDecryption.
func (s *Service) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != s.aead.NonceSize() {
		return nil, common.ErrDecryption.WithMessage("token decryption failed: bad iv length")
	}
	plaintext, err := s.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, common.ErrDecryption.Wrap(err)
	}
	return plaintext, nil
}

// Hash returns the hex HMAC-SHA256 of plaintext. It is stable for a given
// master key and is only ever used for comparisons.
func (s *Service) Hash(plaintext []byte) string {
	mac := hmac.New(sha256.New, s.hashKey)
	mac.Write(plaintext)
	return hex.EncodeToString(mac.Sum(nil))
}

// Reencrypt opens ciphertext with from and seals it again with to under a
// fresh iv, returning the new ciphertext, iv and hash.
func Reencrypt(from, to *Service, ciphertext, iv []byte) (newCiphertext, newIV []byte, hash string, err error) {
	plaintext, err := from.Decrypt(ciphertext, iv)
	if err != nil {
		return nil, nil, "", err
	}
	defer common.WipeByteArray(plaintext)

	newIV = to.GenerateIV()
	newCiphertext, err = to.Encrypt(plaintext, newIV)
	if err != nil {
		return nil, nil, "", err
	}
	return newCiphertext, newIV, to.Hash(plaintext), nil
}
