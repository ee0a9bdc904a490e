// submodule cmd contains command definitions
package main

import "github.com/urfave/cli/v3"

func configFlag() cli.Flag {
	return &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to configuration file",
		Value:   "config.toml",
	}
}

// setupCommand writes a starter configuration file.
func setupCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:   "setup",
		Usage:  "Create a starter config.toml",
		Flags:  []cli.Flag{configFlag()},
		Action: r.Setup,
	}
}

// pairCommand runs the one-time pairing flow against the configured server.
func pairCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "pair",
		Usage: "Pair with the Companion Server and obtain a permanent token",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "save",
				Usage: "Write the token back into the config file",
				Value: true,
			},
		},
		Action: r.Pair,
	}
}

// statusCommand performs a one-shot state fetch.
func statusCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "status",
		Usage: "Fetch and print the current player state",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output the raw state snapshot as JSON",
			},
			&cli.BoolFlag{
				Name:  "pretty",
				Usage: "Pretty-print output",
				Value: true,
			},
		},
		Action: r.Status,
	}
}

// sendCommand posts a single player command.
func sendCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "send",
		Usage: "Send a player command (play, pause, next, previous, setVolume, seek, shuffle, repeatMode)",
		Arguments: []cli.Argument{
			&cli.StringArg{Name: "command"},
			&cli.StringArg{Name: "value"},
		},
		Flags:  []cli.Flag{configFlag()},
		Action: r.Send,
	}
}

// watchCommand opens the live now-playing TUI.
func watchCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "watch",
		Usage: "Live now-playing view over the realtime channel",
		Flags: []cli.Flag{
			configFlag(),
			&cli.BoolFlag{
				Name:  "record",
				Usage: "Record track changes into the listening history database",
			},
		},
		Action: r.Watch,
	}
}

// historyCommand lists the recorded listening history.
func historyCommand(r *Runner) *cli.Command {
	return &cli.Command{
		Name:  "history",
		Usage: "List recently recorded plays",
		Flags: []cli.Flag{
			configFlag(),
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of plays to list",
				Value: 20,
			},
			&cli.BoolFlag{
				Name:  "json",
				Usage: "Output raw JSON",
			},
		},
		Action: r.History,
	}
}
