package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	cli "github.com/urfave/cli/v3"

	"github.com/ignite/campaign-engine/internal/config"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/repository/postgres"
)

func main() {
	cmd := &cli.Command{
		Name:  "campaign-worker",
		Usage: "Run the campaign and automation delivery engine",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to the YAML config file (defaults only when empty)",
				Sources: cli.EnvVars("CONFIG_PATH"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error); overrides the config file",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.IntFlag{
				Name:    "port",
				Usage:   "HTTP port for probes, metrics, tracking and the API",
				Sources: cli.EnvVars("PORT"),
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "migrate",
				Usage: "Apply pending database migrations and exit",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "list", Usage: "Print the embedded migrations without applying them"},
				},
				Action: runMigrate,
			},
		},
		Action: runWorker,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		logger.Error("worker exited", "error", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file and env, then applies flag overrides.
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.LoadFromEnv(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if lvl := cmd.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if port := cmd.Int("port"); port > 0 {
		cfg.Server.Port = int(port)
	}

	logger.SetLevel(logger.ParseLevel(cfg.Log.Level))
	logger.SetRedactPII(cfg.Log.Redact())
	return cfg, nil
}

func runMigrate(ctx context.Context, cmd *cli.Command) error {
	if cmd.Bool("list") {
		names, err := postgres.Migrations()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	db, err := openDB(ctx, cfg.Database)
	if err != nil {
		return err
	}
	defer db.Close()

	applied, err := postgres.Migrate(ctx, db)
	if err != nil {
		return err
	}
	logger.Info("migrations complete", "applied", len(applied))
	return nil
}

func runWorker(ctx context.Context, cmd *cli.Command) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	app, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer app.Close()

	return app.Run(ctx)
}
