package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/fleet-provisioning-backend/cmd/flags"
	"github.com/ruteri/fleet-provisioning-backend/config"
	"github.com/ruteri/fleet-provisioning-backend/httpserver"
	"github.com/urfave/cli/v2"
)

var flagListenAddr = &cli.StringFlag{
	Name:  "listen-addr",
	Usage: "address to listen on for the device API, overrides listen_addr",
}

var flagAdminListenAddr = &cli.StringFlag{
	Name:  "admin-listen-addr",
	Usage: "address to listen on for the admin API, overrides admin_addr",
}

var flagPostgresDSN = &cli.StringFlag{
	Name:    "postgres-dsn",
	Usage:   "PostgreSQL connection string, overrides store.dsn",
	EnvVars: []string{"FLEET_POSTGRES_DSN"},
}

var flagRedisPassword = &cli.StringFlag{
	Name:    "redis-password",
	Usage:   "password of the redis locker, overrides locker.password",
	EnvVars: []string{"FLEET_REDIS_PASSWORD"},
}

func main() {
	app := &cli.App{
		Name:  "fleetd",
		Usage: "Serve the fleet provisioning API to devices holding a claim credential",
		Flags: append([]cli.Flag{
			flags.ConfigFlag,
			flagListenAddr,
			flagAdminListenAddr,
			flagPostgresDSN,
			flagRedisPassword,
			flags.LogServiceFlagFn("fleetd"),
		}, flags.CommonFlags...),
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			cfg, err := config.Load(cCtx.String(flags.ConfigFlag.Name))
			if err != nil {
				logger.Error("Failed to load configuration", "err", err)
				return err
			}
			if addr := cCtx.String(flagListenAddr.Name); addr != "" {
				cfg.ListenAddr = addr
			}
			if addr := cCtx.String(flagAdminListenAddr.Name); addr != "" {
				cfg.AdminAddr = addr
			}
			if dsn := cCtx.String(flagPostgresDSN.Name); dsn != "" {
				cfg.Store.DSN = dsn
			}
			if password := cCtx.String(flagRedisPassword.Name); password != "" {
				cfg.Locker.Password = password
			}
			if err := cfg.Validate(); err != nil {
				logger.Error("Invalid configuration", "err", err)
				return err
			}

			ctx := context.Background()
			fleet, err := buildFleet(ctx, cfg, logger)
			if err != nil {
				logger.Error("Failed to set up the registration service", "err", err)
				return err
			}
			defer fleet.Close()

			serverCfg := flags.ConfigureServer(cCtx, logger, cfg.ListenAddr, cfg.AdminAddr)
			serverCfg.TLS = fleet.tlsConfig
			serverCfg.SessionTTL = cfg.Sessions.TTL
			serverCfg.SessionSweepInterval = cfg.Sessions.SweepInterval

			var admin *httpserver.AdminHandler
			if cfg.AdminAddr != "" {
				admin = httpserver.NewAdminHandler(fleet.registry, fleet.issuer, logger)
			}
			server, err := httpserver.New(serverCfg, httpserver.NewHandler(fleet.service, logger), admin)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server",
				"templates", fleet.templates.Names(),
				"policies", fleet.policies.Names(),
				"store", cfg.Store.Type,
				"locker", cfg.Locker.Type,
				"authorizer", cfg.Authorizer)
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")
			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
