// Package main provides the aether operator CLI.
package main

import (
	"context"
	"os"

	"github.com/dukex/aether/pkg/log"
	cli "github.com/urfave/cli/v3"
)

func newCommand() *cli.Command {
	return &cli.Command{
		Name:                  "aether",
		Usage:                 "Inspect the Aether audit ledger and protocol plans",
		EnableShellCompletion: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "Log level (debug, info, warn, error)",
				Value:   "warn",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
		},
		Before: func(ctx context.Context, command *cli.Command) (context.Context, error) {
			log.Setup(command.String("log-level"), "text")

			return ctx, nil
		},
		Commands: []*cli.Command{
			{
				Name:  "audit",
				Usage: "Audit ledger operations",
				Commands: []*cli.Command{
					{
						Name:  "verify",
						Usage: "Walk the hash chain and report the first broken record",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:    "audit-log",
								Aliases: []string{"f"},
								Usage:   "Path of the audit ledger",
								Value:   "./data/audit.log",
								Sources: cli.EnvVars("AUDIT_LOG_PATH"),
							},
							&cli.BoolFlag{
								Name:  "json",
								Usage: "Print the verification result as JSON",
							},
						},
						Action: verifyAudit,
					},
				},
			},
			{
				Name:  "plan",
				Usage: "Protocol plan operations",
				Commands: []*cli.Command{
					{
						Name:      "validate",
						Usage:     "Validate a protocol plan file against the plan schema",
						ArgsUsage: "<plan.json>",
						Flags: []cli.Flag{
							&cli.IntFlag{
								Name:  "max-steps",
								Usage: "Maximum number of steps accepted in one plan",
							},
							&cli.IntFlag{
								Name:  "max-python-code-length",
								Usage: "Maximum length of a PYTHON step's code",
							},
						},
						Action: validatePlan,
					},
				},
			},
		},
	}
}

func main() {
	if err := newCommand().Run(context.Background(), os.Args); err != nil {
		log.WithModule("cli").Error("aether failed", "error", err)
		os.Exit(1)
	}
}
