package main

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
	"github.com/urfave/cli/v3"
	"github.com/ytmd-tools/ytmdctl/internal/history"
	"github.com/ytmd-tools/ytmdctl/internal/session"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
	"github.com/ytmd-tools/ytmdctl/internal/ui"
)

// Watch runs the live now-playing TUI over a realtime session. The initial
// connection failing is fatal (the user can fix the config and rerun); drops
// after that are handled by the session's own reconnect loop.
func (r *Runner) Watch(ctx context.Context, cmd *cli.Command) error {
	r.reloadConfig(cmd)

	// Redirect logs to file to avoid interfering with TUI rendering
	fileLogger, err := shared.NewFileLogger("./tmp/ytmdctl-watch.log")
	if err != nil {
		return fmt.Errorf("failed to create file logger: %w", err)
	}
	shared.SetLogLevel(fileLogger, log.DebugLevel)
	r.SetLogger(fileLogger)

	manager := session.NewManager(r.client(), shared.WithLogger(fileLogger, "server", r.serverID()))
	r.registry.Add(r.serverID(), manager)
	defer r.registry.Remove(r.serverID())

	if cmd.Bool("record") {
		store, err := history.Open(r.config.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open history database: %w", err)
		}
		defer store.Close()
		manager.Subscribe(history.NewRecorder(store, fileLogger))
	}

	if err := manager.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}

	program := tea.NewProgram(ui.NewModel(manager))

	forwarder := ui.NewForwarder(program)
	manager.Subscribe(forwarder)
	defer manager.Unsubscribe(forwarder)

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("error running TUI: %w", err)
	}

	return nil
}
