package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/dmitrijs2005/authmanager/internal/timex"
)

// JsonConfig mirrors Config for JSON files. Pointer fields distinguish
// "absent" from "empty" so a partial file only overrides what it names, and
// durations accept strings such as "30s".
type JsonConfig struct {
	HTTPAddr                *string         `json:"http_addr"`
	GRPCHealthAddr          *string         `json:"grpc_health_addr"`
	DatabaseDriver          *string         `json:"database_driver"`
	DatabaseDSN             *string         `json:"database_dsn"`
	VaultKey                *string         `json:"vault_key"`
	VaultPassphrase         *string         `json:"vault_passphrase"`
	VaultSalt               *string         `json:"vault_salt"`
	AckStateSecret          *string         `json:"ack_state_secret"`
	AckStateTTL             *timex.Duration `json:"ack_state_ttl"`
	KeycloakIssuer          *string         `json:"keycloak_issuer"`
	KeycloakRealm           *string         `json:"keycloak_realm"`
	KeycloakClientID        *string         `json:"keycloak_client_id"`
	KeycloakClientSecret    *string         `json:"keycloak_client_secret"`
	KeycloakClientUUID      *string         `json:"keycloak_client_uuid"`
	ConsentRedirectURI      *string         `json:"consent_redirect_uri"`
	AfterConsentRedirectURI *string         `json:"after_consent_redirect_uri"`
	ProviderTimeout         *timex.Duration `json:"provider_timeout"`
	JWKSRefreshInterval     *timex.Duration `json:"jwks_refresh_interval"`
	RedisAddr               *string         `json:"redis_addr"`
	RedisPassword           *string         `json:"redis_password"`
	S3AccessKey             *string         `json:"s3_access_key"`
	S3SecretKey             *string         `json:"s3_secret_key"`
	S3Bucket                *string         `json:"s3_bucket"`
	S3Region                *string         `json:"s3_region"`
	S3BaseEndpoint          *string         `json:"s3_base_endpoint"`
	LogLevel                *string         `json:"log_level"`
	LogFormat               *string         `json:"log_format"`
}

// parseJson overlays values from the JSON file at path. An empty path is a
// no-op.
func parseJson(config *Config, path string) error {
	if path == "" {
		return nil
	}

	file, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	c := &JsonConfig{}
	if err := json.Unmarshal(file, c); err != nil {
		return fmt.Errorf("decode config file %s: %w", path, err)
	}

	setString(&config.HTTPAddr, c.HTTPAddr)
	setString(&config.GRPCHealthAddr, c.GRPCHealthAddr)
	setString(&config.DatabaseDriver, c.DatabaseDriver)
	setString(&config.DatabaseDSN, c.DatabaseDSN)
	setString(&config.VaultKey, c.VaultKey)
	setString(&config.VaultPassphrase, c.VaultPassphrase)
	setString(&config.VaultSalt, c.VaultSalt)
	setString(&config.AckStateSecret, c.AckStateSecret)
	setString(&config.KeycloakIssuer, c.KeycloakIssuer)
	setString(&config.KeycloakRealm, c.KeycloakRealm)
	setString(&config.KeycloakClientID, c.KeycloakClientID)
	setString(&config.KeycloakClientSecret, c.KeycloakClientSecret)
	setString(&config.KeycloakClientUUID, c.KeycloakClientUUID)
	setString(&config.ConsentRedirectURI, c.ConsentRedirectURI)
	setString(&config.AfterConsentRedirectURI, c.AfterConsentRedirectURI)
	setString(&config.RedisAddr, c.RedisAddr)
	setString(&config.RedisPassword, c.RedisPassword)
	setString(&config.S3AccessKey, c.S3AccessKey)
	setString(&config.S3SecretKey, c.S3SecretKey)
	setString(&config.S3Bucket, c.S3Bucket)
	setString(&config.S3Region, c.S3Region)
	setString(&config.S3BaseEndpoint, c.S3BaseEndpoint)
	setString(&config.LogLevel, c.LogLevel)
	setString(&config.LogFormat, c.LogFormat)

	if c.AckStateTTL != nil {
		config.AckStateTTL = c.AckStateTTL.Duration
	}
	if c.ProviderTimeout != nil {
		config.ProviderTimeout = c.ProviderTimeout.Duration
	}
	if c.JWKSRefreshInterval != nil {
		config.JWKSRefreshInterval = c.JWKSRefreshInterval.Duration
	}
	return nil
}

func setString(dst *string, v *string) {
	if v != nil {
		*dst = *v
	}
}
