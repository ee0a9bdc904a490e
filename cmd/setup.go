package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
)

// Setup creates a config file from the embedded template.
func (r *Runner) Setup(ctx context.Context, cmd *cli.Command) error {
	path := cmd.String("config")

	if _, err := os.Stat(path); err == nil {
		r.writePlain("Config file already exists at %s\n", path)
		return nil
	}

	if err := shared.CreateConfigFile(path); err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}

	r.logger.Info("config file created", "path", path)
	r.writePlain("✓ Created %s\n", path)
	r.writePlain("Edit [server] to point at your Companion Server, then run `ytmdctl pair`.\n")
	return nil
}
