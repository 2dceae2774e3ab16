package repomanager

import (
	"context"
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/dmitrijs2005/authmanager/internal/dbx"
	"github.com/dmitrijs2005/authmanager/internal/server/migrations"
	"github.com/dmitrijs2005/authmanager/internal/server/repositories/vault"
)

// SQLiteRepositoryManager vends SQLite-backed repositories for single-node
// deployments and tests.
type SQLiteRepositoryManager struct{}

func NewSQLiteRepositoryManager() *SQLiteRepositoryManager {
	return &SQLiteRepositoryManager{}
}

func (m *SQLiteRepositoryManager) Vault(db dbx.DBTX) vault.Repository {
	return vault.NewSQLiteRepository(db)
}

func (m *SQLiteRepositoryManager) RunMigrations(ctx context.Context, db *sql.DB) error {
	return runMigrations(ctx, db, migrations.SQLite, "sqlite3", "sqlite")
}

func (m *SQLiteRepositoryManager) SchemaVersion(ctx context.Context, db *sql.DB) (int64, error) {
	return gooseVersion(ctx, db)
}
