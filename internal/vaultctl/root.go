package vaultctl

import (
	"context"
	"database/sql"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/authmanager/internal/logging"
	"github.com/dmitrijs2005/authmanager/internal/server/repositories/repomanager"
)

// cli carries the state shared by subcommands.
type cli struct {
	envFile string
	driver  string
	dsn     string

	settings *Settings
	logger   logging.Logger
	out      io.Writer
}

// NewRootCmd builds the vaultctl command tree writing to out.
func NewRootCmd(out io.Writer) *cobra.Command {
	c := &cli{out: out}

	root := &cobra.Command{
		Use:           "vaultctl",
		Short:         "Operate the authmanager token vault",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadSettings(c.envFile)
			if err != nil {
				return fmt.Errorf("settings: %w", err)
			}
			if c.driver != "" {
				s.DatabaseDriver = c.driver
			}
			if c.dsn != "" {
				s.DatabaseDSN = c.dsn
			}
			c.settings = s
			c.logger = logging.New(cmd.ErrOrStderr(), s.LogLevel, "text").With("module", "vaultctl")
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	root.SetOut(out)

	root.PersistentFlags().StringVar(&c.envFile, "env-file", "", "path to a .env file")
	root.PersistentFlags().StringVar(&c.driver, "driver", "", "database driver (pgx or sqlite)")
	root.PersistentFlags().StringVarP(&c.dsn, "dsn", "d", "", "database DSN")

	root.AddCommand(c.migrateCmd(), c.rekeyCmd(), c.backupCmd())
	return root
}

func (c *cli) open(ctx context.Context) (*sql.DB, repomanager.RepositoryManager, error) {
	if c.settings.DatabaseDSN == "" {
		return nil, nil, fmt.Errorf("database DSN is required (--dsn or AUTHMANAGER_DATABASE_DSN)")
	}
	m, err := repomanager.New(c.settings.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	db, err := repomanager.Open(ctx, c.settings.DatabaseDriver, c.settings.DatabaseDSN)
	if err != nil {
		return nil, nil, err
	}
	return db, m, nil
}

func (c *cli) migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, m, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := m.RunMigrations(ctx, db); err != nil {
				return err
			}
			v, err := m.SchemaVersion(ctx, db)
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "schema version %d\n", v)
			return nil
		},
	}
}
