package vaultctl

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/authmanager/internal/server/backup"
)

func (c *cli) backupCmd() *cobra.Command {
	var bucket string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Upload a ciphertext-only vault snapshot to S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			db, m, err := c.open(ctx)
			if err != nil {
				return err
			}
			defer db.Close()

			cfg := backup.Config{
				Region:       c.settings.S3Region,
				AccessKey:    c.settings.S3AccessKey,
				SecretKey:    c.settings.S3SecretKey,
				Bucket:       c.settings.S3Bucket,
				BaseEndpoint: c.settings.S3BaseEndpoint,
			}
			if bucket != "" {
				cfg.Bucket = bucket
			}

			res, err := backup.NewExporter(cfg, c.logger).Export(ctx, m.Vault(db))
			if err != nil {
				return err
			}
			fmt.Fprintf(c.out, "exported %d entries to s3://%s/%s\n", res.Entries, res.Bucket, res.Key)
			return nil
		},
	}

	cmd.Flags().StringVar(&bucket, "bucket", "", "target bucket (overrides AUTHMANAGER_S3_BUCKET)")
	return cmd
}
