package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dukex/aether/pkg/audit"
	"github.com/dukex/aether/pkg/log"
	cli "github.com/urfave/cli/v3"
)

var errAuditChainBroken = errors.New("audit chain verification failed")

func verifyAudit(ctx context.Context, command *cli.Command) error {
	logger := log.WithModule("cli")
	out := command.Root().Writer

	result, err := audit.New(command.String("audit-log"), logger).Verify(ctx)
	if err != nil {
		return fmt.Errorf("failed to verify audit log: %w", err)
	}

	if command.Bool("json") {
		encoder := json.NewEncoder(out)
		encoder.SetIndent("", "  ")

		if err := encoder.Encode(result); err != nil {
			return fmt.Errorf("failed to encode result: %w", err)
		}
	} else if result.OK {
		_, _ = fmt.Fprintf(out, "ok: %d records verified\n", result.RecordCount)
	} else {
		issue := result.Issues[0]
		_, _ = fmt.Fprintf(out, "broken at line %d: %s (%s)\n", issue.Line, issue.Message, issue.Code)
	}

	if !result.OK {
		return errAuditChainBroken
	}

	return nil
}
