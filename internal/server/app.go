// Package server wires the authmanager components together and runs the
// HTTP API next to the gRPC health endpoint until a shutdown signal arrives.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrijs2005/authmanager/internal/common"
	"github.com/dmitrijs2005/authmanager/internal/cryptox"
	"github.com/dmitrijs2005/authmanager/internal/logging"
	"github.com/dmitrijs2005/authmanager/internal/server/auth"
	"github.com/dmitrijs2005/authmanager/internal/server/config"
	"github.com/dmitrijs2005/authmanager/internal/server/keycloak"
	"github.com/dmitrijs2005/authmanager/internal/server/replay"
	"github.com/dmitrijs2005/authmanager/internal/server/repositories/repomanager"
	"github.com/dmitrijs2005/authmanager/internal/server/services"

	gs "github.com/dmitrijs2005/authmanager/internal/server/grpc"
	hs "github.com/dmitrijs2005/authmanager/internal/server/http"
)

type App struct {
	config  *config.Config
	logger  logging.Logger
	db      *sql.DB
	manager repomanager.RepositoryManager
	redis   *redis.Client
	tokens  *services.TokenService
}

func NewApp(ctx context.Context, c *config.Config) (*App, error) {

	logger := logging.New(os.Stdout, c.LogLevel, c.LogFormat).With("app", c.AppName, "env", c.AppEnv)

	manager, err := repomanager.New(c.DatabaseDriver)
	if err != nil {
		return nil, err
	}

	db, err := repomanager.Open(ctx, c.DatabaseDriver, c.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	app := &App{config: c, logger: logger, db: db, manager: manager}
	if err := app.init(ctx); err != nil {
		app.close()
		return nil, err
	}
	return app, nil
}

func (app *App) init(ctx context.Context) error {
	c := app.config

	if err := app.manager.RunMigrations(ctx, app.db); err != nil {
		return fmt.Errorf("migrations failed: %w", err)
	}

	key, err := cryptox.ResolveKey(c.VaultKey, c.VaultPassphrase, c.VaultSalt)
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}
	crypto, err := cryptox.NewService(key)
	common.WipeByteArray(key)
	if err != nil {
		return fmt.Errorf("vault key: %w", err)
	}

	kc, err := keycloak.New(ctx, keycloak.Config{
		Issuer:              c.KeycloakIssuer,
		Realm:               c.KeycloakRealm,
		ClientID:            c.KeycloakClientID,
		ClientSecret:        c.KeycloakClientSecret,
		ClientUUID:          c.KeycloakClientUUID,
		RedirectURI:         c.ConsentRedirectURI,
		Timeout:             c.ProviderTimeout,
		JWKSRefreshInterval: c.JWKSRefreshInterval,
	}, app.logger)
	if err != nil {
		return fmt.Errorf("keycloak client: %w", err)
	}

	var ledger replay.Ledger = replay.Nop{}
	if c.RedisAddr != "" {
		app.redis = redis.NewClient(&redis.Options{Addr: c.RedisAddr, Password: c.RedisPassword})
		if err := app.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping: %w", err)
		}
		ledger = replay.NewRedisLedger(app.redis)
		app.logger.Info(ctx, "consent state replay ledger enabled", "redis", c.RedisAddr)
	}

	vault := services.NewVaultService(app.db, app.manager, crypto)
	ack := auth.NewAckStateService([]byte(c.AckStateSecret), c.AckStateTTL)
	app.tokens = services.NewTokenService(vault, kc, ack, ledger, services.TokenServiceConfig{
		ConsentRedirectURI:      c.ConsentRedirectURI,
		AfterConsentRedirectURI: c.AfterConsentRedirectURI,
	}, app.logger)

	return nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	// Channel to catch OS signals.
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startHTTPServer(ctx context.Context, cancelFunc context.CancelFunc) {
	info := hs.BuildInfo{
		AppName:   app.config.AppName,
		Version:   app.config.Version,
		CommitSHA: app.config.CommitSHA,
		Env:       app.config.AppEnv,
	}
	schemaVersion := func(ctx context.Context) (int64, error) {
		return app.manager.SchemaVersion(ctx, app.db)
	}

	s := hs.NewServer(app.config.HTTPAddr, app.logger, app.tokens, info, schemaVersion)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) startGRPCServer(ctx context.Context, cancelFunc context.CancelFunc) {
	s := gs.NewHealthServer(app.config.GRPCHealthAddr, app.logger)
	if err := s.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

func (app *App) close() {
	if app.redis != nil {
		_ = app.redis.Close()
	}
	if app.db != nil {
		_ = app.db.Close()
	}
}

func (app *App) Run(ctx context.Context) {

	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting app...", "version", app.config.Version)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startHTTPServer(ctx, cancelFunc)
	}()

	if app.config.GRPCHealthAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			app.startGRPCServer(ctx, cancelFunc)
		}()
	}

	wg.Wait()
	app.close()

	app.logger.Info(context.Background(), "App stopped")
}
