package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/urfave/cli/v3"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
)

// Send posts one player command to the server.
func (r *Runner) Send(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	name := cmd.StringArg("command")
	if name == "" {
		return fmt.Errorf("%w: command name", shared.ErrMissingArgument)
	}

	data := parseValue(cmd.StringArg("value"))

	client := r.client()
	defer client.Close()

	r.logger.Info("sending command", "command", name, "data", data)

	result, err := client.Command(ctx, name, data)
	if err != nil {
		return fmt.Errorf("command %q failed: %w", name, err)
	}

	if len(result) > 0 {
		return r.writeJSON(result, true)
	}
	r.writePlain("✓ %s\n", name)
	return nil
}

// parseValue interprets the optional command argument: integers and booleans
// are passed through typed (setVolume, seek and shuffle expect them), anything
// else stays a string. An empty argument means no payload.
func parseValue(raw string) any {
	if raw == "" {
		return nil
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return raw
}
