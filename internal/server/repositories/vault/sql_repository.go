package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/dbx"
	"github.com/dmitrijs2005/authmanager/internal/server/models"
)

const entryColumns = `id, user_id, token_type, encrypted_token, iv, token_hash, session_state_id, attributes, created_at, updated_at`

// now and newID are seams for tests.
var (
	now   = func() time.Time { return time.Now().UTC() }
	newID = uuid.NewString
)

// SQLRepository implements Repository over dbx.DBTX (satisfied by *sql.DB
// or *sql.Tx).
type SQLRepository struct {
	db      dbx.DBTX
	dialect dialect
}

// NewPostgresRepository constructs a repository for the pgx driver.
func NewPostgresRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db, dialect: postgresDialect}
}

// NewSQLiteRepository constructs a repository for modernc.org/sqlite.
func NewSQLiteRepository(db dbx.DBTX) *SQLRepository {
	return &SQLRepository{db: db, dialect: sqliteDialect}
}

func storageError(op string, err error) error {
	return common.ErrStorage.WithMessage(fmt.Sprintf("%s: database error", op)).Wrap(err)
}

func (r *SQLRepository) Create(ctx context.Context, entry *models.VaultEntry) (*models.VaultEntry, error) {
	attrs, err := encodeAttributes(entry.Attributes)
	if err != nil {
		return nil, err
	}

	out := *entry
	out.ID = newID()
	out.CreatedAt = now()
	out.UpdatedAt = nil

	query := `
		INSERT INTO vault_entries (id, user_id, token_type, encrypted_token, iv, token_hash, session_state_id, attributes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = r.db.ExecContext(ctx, r.dialect.rebind(query),
		out.ID, out.UserID, string(out.TokenType), out.EncryptedToken, out.IV,
		out.TokenHash, out.SessionStateID, attrs, out.CreatedAt)
	if err != nil {
		return nil, storageError("create vault entry", err)
	}
	return &out, nil
}

func (r *SQLRepository) Retrieve(ctx context.Context, id string) (*models.VaultEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM vault_entries WHERE id = $1`
	entry, err := scanEntry(r.db.QueryRowContext(ctx, r.dialect.rebind(query), id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound.WithMessage(fmt.Sprintf("vault entry %s not found", id))
		}
		return nil, storageError("retrieve vault entry", err)
	}
	return entry, nil
}

func (r *SQLRepository) RetrieveBySessionState(ctx context.Context, sessionStateID string, tokenType *models.TokenType) (*models.VaultEntry, error) {
	entry, err := r.RequireBySessionState(ctx, sessionStateID, tokenType)
	if errors.Is(err, common.ErrorNotFound) {
		return nil, nil
	}
	return entry, err
}

func (r *SQLRepository) RequireBySessionState(ctx context.Context, sessionStateID string, tokenType *models.TokenType) (*models.VaultEntry, error) {
	where, args := filter("session_state_id = $1", []any{sessionStateID}, tokenType)
	query := `SELECT ` + entryColumns + ` FROM vault_entries WHERE ` + where + ` ORDER BY created_at, id LIMIT 1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, r.dialect.rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound.WithMessage(fmt.Sprintf("no vault entry for session %s", sessionStateID))
		}
		return nil, storageError("retrieve vault entry by session", err)
	}
	return entry, nil
}

func (r *SQLRepository) RetrieveByUserID(ctx context.Context, userID string, tokenType *models.TokenType) (*models.VaultEntry, error) {
	where, args := filter("user_id = $1", []any{userID}, tokenType)
	query := `SELECT ` + entryColumns + ` FROM vault_entries WHERE ` + where + ` ORDER BY created_at, id LIMIT 1`

	entry, err := scanEntry(r.db.QueryRowContext(ctx, r.dialect.rebind(query), args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrorNotFound.WithMessage(fmt.Sprintf("no vault entry for user %s", userID))
		}
		return nil, storageError("retrieve vault entry by user", err)
	}
	return entry, nil
}

func (r *SQLRepository) RetrieveAllBySessionState(ctx context.Context, sessionStateID, excludeID string, tokenType *models.TokenType) ([]*models.VaultEntry, error) {
	where, args := filter("session_state_id = $1 AND id <> $2", []any{sessionStateID, orNil(excludeID)}, tokenType)
	query := `SELECT ` + entryColumns + ` FROM vault_entries WHERE ` + where + ` ORDER BY created_at, id`

	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), args...)
	if err != nil {
		return nil, storageError("list vault entries by session", err)
	}
	return collect(rows, "list vault entries by session")
}

func (r *SQLRepository) UpsertRefreshToken(ctx context.Context, userID string, ciphertext, iv []byte, hash, sessionStateID string, attributes map[string]any) (string, error) {
	attrs, err := encodeAttributes(attributes)
	if err != nil {
		return "", err
	}

	query := `
		INSERT INTO vault_entries (id, user_id, token_type, encrypted_token, iv, token_hash, session_state_id, attributes, created_at)
		VALUES ($1, $2, 'REFRESH', $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id) WHERE token_type = 'REFRESH'
		DO UPDATE SET
			encrypted_token = excluded.encrypted_token,
			iv = excluded.iv,
			token_hash = excluded.token_hash,
			session_state_id = excluded.session_state_id,
			attributes = excluded.attributes,
			updated_at = excluded.created_at
		RETURNING id
	`
	var id string
	err = r.db.QueryRowContext(ctx, r.dialect.rebind(query),
		newID(), userID, ciphertext, iv, hash, sessionStateID, attrs, now()).Scan(&id)
	if err != nil {
		return "", storageError("upsert refresh token", err)
	}
	return id, nil
}

func (r *SQLRepository) Delete(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(`DELETE FROM vault_entries WHERE id = $1`), id)
	if err != nil {
		return false, storageError("delete vault entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storageError("delete vault entry", err)
	}
	return n > 0, nil
}

func (r *SQLRepository) List(ctx context.Context, afterID string, limit int) ([]*models.VaultEntry, error) {
	query := `SELECT ` + entryColumns + ` FROM vault_entries WHERE id > $1 ORDER BY id LIMIT $2`
	rows, err := r.db.QueryContext(ctx, r.dialect.rebind(query), orNil(afterID), limit)
	if err != nil {
		return nil, storageError("list vault entries", err)
	}
	return collect(rows, "list vault entries")
}

func (r *SQLRepository) UpdateCiphertext(ctx context.Context, id string, prevIV []byte, prevHash string, ciphertext, iv []byte, hash string) error {
	query := `
		UPDATE vault_entries
		SET encrypted_token = $1, iv = $2, token_hash = $3, updated_at = $4
		WHERE id = $5 AND iv = $6 AND token_hash = $7
	`
	res, err := r.db.ExecContext(ctx, r.dialect.rebind(query), ciphertext, iv, hash, now(), id, prevIV, prevHash)
	if err != nil {
		return storageError("update vault entry", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageError("update vault entry", err)
	}
	if n == 0 {
		return common.ErrStaleEntry.WithMessage(fmt.Sprintf("vault entry %s changed or was deleted", id))
	}
	return nil
}

// orNil maps an empty id to the nil UUID, which sorts before every other
// id and is never assigned.
func orNil(id string) string {
	if id == "" {
		return uuid.Nil.String()
	}
	return id
}

// filter appends an optional token_type condition as the next placeholder.
func filter(where string, args []any, tokenType *models.TokenType) (string, []any) {
	if tokenType == nil {
		return where, args
	}
	args = append(args, string(*tokenType))
	return fmt.Sprintf("%s AND token_type = $%d", where, len(args)), args
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*models.VaultEntry, error) {
	var (
		e         models.VaultEntry
		tokenType string
		attrs     []byte
		updatedAt sql.NullTime
	)
	if err := row.Scan(&e.ID, &e.UserID, &tokenType, &e.EncryptedToken, &e.IV,
		&e.TokenHash, &e.SessionStateID, &attrs, &e.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	e.TokenType = models.TokenType(strings.ToUpper(tokenType))
	if updatedAt.Valid {
		t := updatedAt.Time
		e.UpdatedAt = &t
	}
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}

func collect(rows *sql.Rows, op string) ([]*models.VaultEntry, error) {
	defer rows.Close()

	var out []*models.VaultEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, storageError(op, err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageError(op, err)
	}
	return out, nil
}

func encodeAttributes(attrs map[string]any) (string, error) {
	if attrs == nil {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", common.ErrValidation.WithMessage("attributes are not JSON serialisable").Wrap(err)
	}
	return string(b), nil
}
