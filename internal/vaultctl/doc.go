// Package vaultctl implements the operator CLI for the token vault:
// schema migrations, master-key rotation and ciphertext snapshots to S3.
//
// Settings come from the same AUTHMANAGER_* environment the server reads
// (optionally loaded from a .env file), overridden by command flags.
package vaultctl
