package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/dukex/aether/pkg/taxonomy"
	"github.com/dukex/aether/pkg/validation"
	cli "github.com/urfave/cli/v3"
)

var errPlanFileRequired = errors.New("plan file path is required")

func validatePlan(_ context.Context, command *cli.Command) error {
	path := command.Args().First()
	if path == "" {
		return errPlanFileRequired
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read plan: %w", err)
	}

	out := command.Root().Writer

	plan, err := validation.ValidatePlan(data, validation.Options{
		MaxSteps:            command.Int("max-steps"),
		MaxPythonCodeLength: command.Int("max-python-code-length"),
	})
	if err != nil {
		var coded *taxonomy.Error
		if errors.As(err, &coded) {
			_, _ = fmt.Fprintf(out, "invalid: %s at %s: %s\n", coded.Code, coded.Path, coded.Message)
		}

		return err
	}

	_, _ = fmt.Fprintf(out, "valid: %d steps, done=%t\n", len(plan.Steps), plan.Done)

	for _, step := range plan.Steps {
		_, _ = fmt.Fprintf(out, "  %s %s\n", step.ID, step.Type)
	}

	return nil
}
