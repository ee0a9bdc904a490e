package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v3"
	"github.com/ytmd-tools/ytmdctl/internal/models"
)

// Status fetches the current state once and prints it.
func (r *Runner) Status(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	client := r.client()
	defer client.Close()

	snap, err := client.State(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch state: %w", err)
	}

	if cmd.Bool("json") {
		return r.writeJSON(snap, cmd.Bool("pretty"))
	}

	if snap.Empty() {
		r.writePlain("Server reachable, no state reported.\n")
		return nil
	}

	np := models.NowPlayingFrom(snap)
	r.writePlain("State: %s\n", np.State)
	if np.Title != "" {
		r.writePlain("Title: %s\n", np.Title)
	}
	if np.Artist != "" {
		r.writePlain("Artist: %s\n", np.Artist)
	}
	if np.Album != "" {
		r.writePlain("Album: %s\n", np.Album)
	}
	if np.Volume >= 0 {
		r.writePlain("Volume: %d%%\n", int(np.Volume*100))
	}
	if np.Position > 0 {
		minutes := int(np.Position) / 60
		seconds := int(np.Position) % 60
		r.writePlain("Position: %d:%02d\n", minutes, seconds)
	}
	if np.Shuffle {
		r.writePlain("Shuffle: on\n")
	}

	return nil
}
