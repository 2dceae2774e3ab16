package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/authmanager/internal/flagx"
)

// parseFlags overlays selected fields from command-line flags.
//
//	-a string   HTTP bind address
//	-g string   gRPC health bind address ("" disables)
//	-d string   database DSN
//	-k string   vault master key
//	-l string   log level
func parseFlags(config *Config, args []string) error {
	filtered := flagx.FilterArgs(args, []string{"-a", "-g", "-d", "-k", "-l"})

	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&config.HTTPAddr, "a", config.HTTPAddr, "address and port to serve HTTP")
	fs.StringVar(&config.GRPCHealthAddr, "g", config.GRPCHealthAddr, "address and port for gRPC health")
	fs.StringVar(&config.DatabaseDSN, "d", config.DatabaseDSN, "database DSN")
	fs.StringVar(&config.VaultKey, "k", config.VaultKey, "vault master key (hex or base64)")
	fs.StringVar(&config.LogLevel, "l", config.LogLevel, "log level")

	if err := fs.Parse(filtered); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
