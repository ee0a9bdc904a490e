// package pairing implements the one-time code-for-token exchange with the
// Companion Server.
//
// The flow is a bounded poll, not a background subscription: it always
// terminates with a credential, an authorization failure, a timeout, or
// caller cancellation, and no goroutine outlives Run.
package pairing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/ytmd-tools/ytmdctl/internal/api"
	"github.com/ytmd-tools/ytmdctl/internal/shared"
)

const (
	// The server holds an approval window of about a minute; polling every
	// few seconds keeps the flow responsive without hammering it.
	defaultInterval = 3 * time.Second
	defaultTimeout  = 60 * time.Second
)

// App identifies this application to the server during pairing. The ID is
// generated when empty.
type App struct {
	Name    string
	Version string
	ID      string
}

// Credential is the durable result of a successful pairing: the permanent
// token plus the application id it was issued to. The flow never persists it;
// that is the caller's decision.
type Credential struct {
	Token string
	AppID string
}

// Flow borrows a request layer client to run one pairing attempt.
type Flow struct {
	client   *api.Client
	logger   *log.Logger
	interval time.Duration
	timeout  time.Duration
}

func NewFlow(client *api.Client, logger *log.Logger) *Flow {
	if logger == nil {
		logger = shared.NewLogger(nil)
	}
	return &Flow{
		client:   client,
		logger:   logger,
		interval: defaultInterval,
		timeout:  defaultTimeout,
	}
}

// Run requests a numeric code, hands it to notify for display to the human
// operator, then polls the token exchange until the code is approved.
//
// Failure modes: a code request error fails fast; ErrAuthorization during
// polling aborts immediately; transient failures ("not yet approved",
// transport hiccups) are logged at debug level and polling continues; once
// the overall deadline passes the flow fails with ErrPairingTimeout.
func (f *Flow) Run(ctx context.Context, app App, notify func(code string)) (*Credential, error) {
	if app.ID == "" {
		app.ID = shared.GenerateID()
	}

	resp, err := f.client.RequestCode(ctx, app.Name, app.Version, app.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to request pairing code: %w", err)
	}
	if resp.Code == "" {
		return nil, fmt.Errorf("%w: server returned no pairing code", shared.ErrRequestFailed)
	}

	f.logger.Info("pairing code received, waiting for approval", "app_id", app.ID)
	if notify != nil {
		notify(resp.Code)
	}

	deadline := time.NewTimer(f.timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		token, err := f.client.RequestToken(ctx, resp.Code, app.ID)
		switch {
		case err == nil && token.Token != "":
			f.logger.Info("pairing approved", "app_id", app.ID)
			return &Credential{Token: token.Token, AppID: app.ID}, nil
		case errors.Is(err, shared.ErrAuthorization):
			return nil, fmt.Errorf("pairing rejected: %w", err)
		case err != nil:
			f.logger.Debug("token exchange pending", "error", err)
		default:
			f.logger.Debug("token exchange returned no token yet")
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", shared.ErrPairingTimeout, f.timeout)
		case <-ticker.C:
		}
	}
}
