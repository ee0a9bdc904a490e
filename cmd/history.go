package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"github.com/ytmd-tools/ytmdctl/internal/history"
)

// History lists the most recently recorded plays.
func (r *Runner) History(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	store, err := history.Open(r.config.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history database: %w", err)
	}
	defer store.Close()

	plays, err := store.Recent(int(cmd.Int("limit")))
	if err != nil {
		return fmt.Errorf("failed to read history: %w", err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(plays, true)
	}

	if len(plays) == 0 {
		r.writePlain("No plays recorded yet. Run `ytmdctl watch --record`.\n")
		return nil
	}

	for _, p := range plays {
		line := p.Title
		if p.Artist != "" {
			line = fmt.Sprintf("%s - %s", p.Artist, p.Title)
		}
		r.writePlain("%s  %s\n", p.StartedAt.Local().Format("2006-01-02 15:04"), line)
	}

	return nil
}
