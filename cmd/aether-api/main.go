package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/log"
	cli "github.com/urfave/cli/v3"
)

const (
	defaultPort     = 8787
	shutdownTimeout = 15 * time.Second
)

func main() {
	cmd := &cli.Command{
		Name:                  "aether-api",
		Usage:                 "Run prompt-to-addon runs against a Blender host",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:    "port",
				Aliases: []string{"p"},
				Usage:   "Port to run the API server on",
				Value:   defaultPort,
				Sources: cli.EnvVars("PORT"),
			},
			&cli.StringFlag{
				Name:    "data-dir",
				Usage:   "Directory for settings, the audit log, run directories and the file run store",
				Value:   "./data",
				Sources: cli.EnvVars("DATA_DIR"),
			},
			&cli.StringFlag{
				Name:    "database-url",
				Usage:   "Run store URL (postgres://, redis:// or a directory path). Defaults to <data-dir>/store",
				Sources: cli.EnvVars("DATABASE_URL"),
			},
			&cli.StringFlag{
				Name:    "event-bus",
				Usage:   "Event bus type (gochannel, kafka)",
				Value:   "gochannel",
				Sources: cli.EnvVars("EVENT_BUS_TYPE"),
			},
			&cli.StringFlag{
				Name:    "kafka-brokers",
				Usage:   "Comma separated Kafka brokers",
				Value:   "localhost:9092",
				Sources: cli.EnvVars("KAFKA_BROKERS"),
			},
			&cli.StringFlag{
				Name:    "workspace",
				Usage:   "Default workspace path for new settings",
				Sources: cli.EnvVars("WORKSPACE_PATH"),
			},
			&cli.StringFlag{
				Name:    "api-key",
				Usage:   "API key required on mutating requests. Falls back to the serverApiKey setting",
				Sources: cli.EnvVars("AETHER_API_KEY"),
			},
			&cli.StringFlag{
				Name:    "scaffold-dir",
				Usage:   "Addon scaffold copied into every run. Empty uses the built-in template",
				Sources: cli.EnvVars("SCAFFOLD_DIR"),
			},
			&cli.StringFlag{
				Name:    "harness-path",
				Usage:   "Validation harness script passed to Blender",
				Value:   "./test_harness.py",
				Sources: cli.EnvVars("HARNESS_PATH"),
			},
			&cli.StringFlag{
				Name:    "audit-verify-schedule",
				Usage:   "Cron schedule for audit log integrity checks",
				Value:   audit.DefaultVerifySchedule,
				Sources: cli.EnvVars("AUDIT_VERIFY_SCHEDULE"),
			},
			&cli.BoolFlag{
				Name:    "otel-enabled",
				Usage:   "Export traces over OTLP/HTTP",
				Sources: cli.EnvVars("OTEL_ENABLED"),
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "info",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "log-format",
				Usage:   "Log format (text, json)",
				Value:   "text",
				Sources: cli.EnvVars("LOG_FORMAT"),
			},
		},
		Action: func(ctx context.Context, command *cli.Command) error {
			log.Setup(command.String("log-level"), command.String("log-format"))

			logger := log.WithModule("api")

			logger.InfoContext(ctx, "Initializing Aether API")

			srv, err := newServer(ctx, serverConfig{
				DataDir:             command.String("data-dir"),
				DatabaseURL:         command.String("database-url"),
				EventBus:            command.String("event-bus"),
				KafkaBrokers:        command.String("kafka-brokers"),
				Workspace:           command.String("workspace"),
				APIKey:              command.String("api-key"),
				ScaffoldDir:         command.String("scaffold-dir"),
				HarnessPath:         command.String("harness-path"),
				AuditVerifySchedule: command.String("audit-verify-schedule"),
				OtelEnabled:         command.Bool("otel-enabled"),
			}, logger)
			if err != nil {
				return err
			}

			sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)

			go func() {
				errCh <- srv.api.Start(command.Int("port"))
			}()

			select {
			case err = <-errCh:
				logger.ErrorContext(ctx, "API server stopped", "error", err)
			case <-sigCtx.Done():
				logger.InfoContext(ctx, "Shutting down Aether API")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()

			return errors.Join(err, srv.Close(shutdownCtx))
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.WithModule("api").Error("aether-api failed", "error", err)
		os.Exit(1)
	}
}
