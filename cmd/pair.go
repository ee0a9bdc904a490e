package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"github.com/ytmd-tools/ytmdctl/internal/api"
	"github.com/ytmd-tools/ytmdctl/internal/pairing"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
)

// Pair runs the numeric-code pairing flow and optionally persists the token.
func (r *Runner) Pair(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	// Pairing endpoints take no credential; use a tokenless client.
	client := api.NewClient(r.config.Server.Host, r.config.Server.Port, "", r.httpClient)
	defer client.Close()

	flow := pairing.NewFlow(client, r.logger)
	app := pairing.App{
		Name:    r.config.Auth.AppName,
		Version: r.config.Auth.AppVersion,
		ID:      r.config.Auth.AppID,
	}

	r.logger.Info("requesting pairing code", "server", r.serverID())

	cred, err := flow.Run(ctx, app, func(code string) {
		r.writePlainHeader("Pairing code: " + code)
		r.writePlain("Open YTMDesktop on the target machine and approve this code.\n\n")
	})
	if err != nil {
		return fmt.Errorf("pairing failed: %w", err)
	}

	r.writePlain("✓ Paired successfully\n")
	r.writePlain("Token: %s\n", cred.Token)

	r.config.Auth.Token = cred.Token
	r.config.Auth.AppID = cred.AppID

	if cmd.Bool("save") {
		path := cmd.String("config")
		if err := shared.SaveConfig(path, r.config); err != nil {
			return fmt.Errorf("token issued but not saved: %w", err)
		}
		r.writePlain("Saved to %s\n", path)
	}

	return nil
}
