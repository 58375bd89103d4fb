// Package svcbus starts and stops the host services this daemon owns,
// and runs the tunnel configuration tool.
package svcbus

import (
	"context"
	"fmt"

	sd "github.com/coreos/go-systemd/v22/dbus"
)

// systemdConn is the slice of the manager D-Bus API the client uses.
type systemdConn interface {
	StartUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	StopUnitContext(ctx context.Context, name string, mode string, ch chan<- string) (int, error)
	Close()
}

// Client talks to the service manager on the system bus.
type Client struct {
	conn systemdConn
}

// Connect opens a connection to the system bus.
func Connect(ctx context.Context) (*Client, error) {
	conn, err := sd.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}
	return &Client{conn: conn}, nil
}

// StartUnit starts the named unit with "replace" conflict resolution
// and waits for the job to finish.
func (c *Client) StartUnit(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := c.conn.StartUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("start %s: %w", unit, err)
	}
	return awaitJob(ctx, unit, ch)
}

// StopUnit is StartUnit's counterpart.
func (c *Client) StopUnit(ctx context.Context, unit string) error {
	ch := make(chan string, 1)
	if _, err := c.conn.StopUnitContext(ctx, unit, "replace", ch); err != nil {
		return fmt.Errorf("stop %s: %w", unit, err)
	}
	return awaitJob(ctx, unit, ch)
}

func awaitJob(ctx context.Context, unit string, ch <-chan string) error {
	select {
	case result := <-ch:
		if result != "done" {
			return fmt.Errorf("job for %s finished with %q", unit, result)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("job for %s: %w", unit, ctx.Err())
	}
}

// Close releases the bus connection.
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}
