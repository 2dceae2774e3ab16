package vaultctl

import (
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/dmitrijs2005/authmanager/internal/server/config"
)

// Settings is the subset of the server configuration the CLI needs.
type Settings struct {
	DatabaseDriver  string `env:"DATABASE_DRIVER" envDefault:"pgx"`
	DatabaseDSN     string `env:"DATABASE_DSN"`
	VaultKey        string `env:"VAULT_KEY"`
	VaultPassphrase string `env:"VAULT_PASSPHRASE"`
	VaultSalt       string `env:"VAULT_SALT"`
	NewVaultKey     string `env:"NEW_VAULT_KEY"`

	S3AccessKey    string `env:"S3_ACCESS_KEY"`
	S3SecretKey    string `env:"S3_SECRET_KEY"`
	S3Bucket       string `env:"S3_BUCKET" envDefault:"authmanager-backups"`
	S3Region       string `env:"S3_REGION" envDefault:"us-east-1"`
	S3BaseEndpoint string `env:"S3_BASE_ENDPOINT"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// loadSettings reads envFile (when set) and then the prefixed environment.
func loadSettings(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, err
		}
	}
	s := &Settings{}
	if err := env.ParseWithOptions(s, env.Options{Prefix: config.EnvPrefix}); err != nil {
		return nil, err
	}
	return s, nil
}
