// Package email sends a single rendered message through one provider. It has
// no knowledge of flows, queues or retries.
package email

import (
	"context"

	"PulseFlow/internal/apperr"
	"PulseFlow/internal/models"
)

// Executor delivers through one provider using the credentials it is given.
// Returned errors are classified with apperr kinds.
type Executor interface {
	Send(ctx context.Context, msg models.Message, creds models.Credentials) (logID string, err error)

	// Ping performs a provider handshake without sending mail.
	Ping(ctx context.Context, creds models.Credentials) error
}

// runWithContext runs fn in the background and gives up when ctx ends. The
// underlying client libraries don't take a context.
func runWithContext(ctx context.Context, op string, fn func() error) error {
	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return apperr.Transient(op+" timed out", ctx.Err())
	}
}
