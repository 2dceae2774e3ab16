package vaultctl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/cryptox"
	"github.com/dmitrijs2005/authmanager/internal/dbx"
	"github.com/dmitrijs2005/authmanager/internal/logging"
	"github.com/dmitrijs2005/authmanager/internal/server/models"
	"github.com/dmitrijs2005/authmanager/internal/server/repositories/repomanager"
)

const (
	rekeyPageSize = 200
	rekeyAttempts = 3
)

var errNoCiphertext = errors.New("vault row has no ciphertext")

// RekeyResult counts what a key rotation did.
type RekeyResult struct {
	Rekeyed int
	// Skipped rows were already sealed with the new key.
	Skipped int
	// Corrupt rows lack ciphertext or open with neither key.
	Corrupt int
	// Deleted rows disappeared between listing and rewriting.
	Deleted int
}

// Rekey re-encrypts every vault row from the old key to the new one. Each
// row is re-read and rewritten in its own transaction, and the write only
// lands while the row still holds what was read, so a token replaced by a
// running server is never overwritten with its predecessor. An interrupted
// run can be repeated: rows that already open with the new key are skipped.
func Rekey(ctx context.Context, db *sql.DB, m repomanager.RepositoryManager, from, to *cryptox.Service, logger logging.Logger) (*RekeyResult, error) {
	res := &RekeyResult{}
	after := ""
	for {
		page, err := m.Vault(db).List(ctx, after, rekeyPageSize)
		if err != nil {
			return res, err
		}

		for _, e := range page {
			if err := rekeyRow(ctx, db, m, e.ID, from, to, logger, res); err != nil {
				return res, fmt.Errorf("rekey %s: %w", e.ID, err)
			}
		}

		if len(page) < rekeyPageSize {
			return res, nil
		}
		after = page[len(page)-1].ID
	}
}

// rekeyRow rewrites one row from its current contents, reading it again
// when a concurrent writer changed it in between.
func rekeyRow(ctx context.Context, db *sql.DB, m repomanager.RepositoryManager, id string, from, to *cryptox.Service, logger logging.Logger, res *RekeyResult) error {
	for attempt := 1; ; attempt++ {
		var cur *models.VaultEntry
		err := dbx.WithTx(ctx, db, nil, func(ctx context.Context, tx dbx.DBTX) error {
			repo := m.Vault(tx)
			var err error
			if cur, err = repo.Retrieve(ctx, id); err != nil {
				return err
			}
			if !cur.HasCiphertext() {
				return errNoCiphertext
			}
			ct, iv, hash, err := cryptox.Reencrypt(from, to, cur.EncryptedToken, cur.IV)
			if err != nil {
				return err
			}
			return repo.UpdateCiphertext(ctx, id, cur.IV, cur.TokenHash, ct, iv, hash)
		})

		switch {
		case err == nil:
			res.Rekeyed++
		case errors.Is(err, errNoCiphertext):
			logger.Warn(ctx, "vault row has no ciphertext", "id", id)
			res.Corrupt++
		case errors.Is(err, common.ErrorNotFound):
			logger.Debug(ctx, "vault row deleted during rekey", "id", id)
			res.Deleted++
		case errors.Is(err, common.ErrStaleEntry) && attempt < rekeyAttempts:
			logger.Debug(ctx, "vault row changed during rekey, retrying", "id", id, "attempt", attempt)
			continue
		case errors.Is(err, common.ErrDecryption):
			if _, derr := to.Decrypt(cur.EncryptedToken, cur.IV); derr == nil {
				res.Skipped++
				return nil
			}
			logger.Warn(ctx, "vault row opens with neither key", "id", id)
			res.Corrupt++
		default:
			return err
		}
		return nil
	}
}

func (c *cli) rekeyCmd() *cobra.Command {
	var (
		oldKey, newKey string
		prompt         bool
	)

	cmd := &cobra.Command{
		Use:   "rekey",
		Short: "Re-encrypt every vault row under a new master key",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			if oldKey == "" && !prompt {
				oldKey = c.settings.VaultKey
			}
			if newKey == "" && !prompt {
				newKey = c.settings.NewVaultKey
			}
			if prompt {
				var err error
				if oldKey, err = c.promptKey(cmd, "Current vault key"); err != nil {
					return err
				}
				if newKey, err = c.promptKey(cmd, "New vault key"); err != nil {
					return err
				}
			}

			from, err := c.cryptoFor(oldKey)
			if err != nil {
				return fmt.Errorf("current key: %w", err)
			}
			if newKey == "" {
				return fmt.Errorf("new key is required (--new-key, AUTHMANAGER_NEW_VAULT_KEY or --prompt)")
			}
			to, err := c.cryptoFor(newKey)
			if err != nil {
				return fmt.Errorf("new key: %w", err)
			}

			db, m, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			res, err := Rekey(ctx, db, m, from, to, c.logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "rekeyed %d, skipped %d, corrupt %d, deleted %d\n", res.Rekeyed, res.Skipped, res.Corrupt, res.Deleted)
			return nil
		},
	}

	cmd.Flags().StringVar(&oldKey, "old-key", "", "current master key (hex or base64)")
	cmd.Flags().StringVar(&newKey, "new-key", "", "new master key (hex or base64)")
	cmd.Flags().BoolVar(&prompt, "prompt", false, "read both keys from the terminal")
	return cmd
}

func (c *cli) promptKey(cmd *cobra.Command, label string) (string, error) {
	b, err := GetSecret(cmd.ErrOrStderr(), label)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(b)
	return string(b), nil
}

// cryptoFor builds a Service from an encoded key, falling back to the
// configured passphrase when key is empty.
func (c *cli) cryptoFor(key string) (*cryptox.Service, error) {
	raw, err := cryptox.ResolveKey(key, c.settings.VaultPassphrase, c.settings.VaultSalt)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(raw)
	return cryptox.NewService(raw)
}
