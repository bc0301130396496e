package client

import (
	"context"
	"fmt"

	"github.com/termgate/termgate/internal/reconnect"
)

// Split runs two fully independent clients side by side. The secondary has
// its own WebSocket, session, and reconnect engine; only the primary's
// status transitions reach the host-level listener.
type Split struct {
	Primary   *Client
	secondary *Client
}

// NewSplit wraps an already-constructed primary client.
func NewSplit(primary *Client) *Split {
	return &Split{Primary: primary}
}

// Secondary returns the split-screen client, nil while split is off.
func (s *Split) Secondary() *Client {
	return s.secondary
}

// OpenSecondary starts the split-screen pane: a second client with the same
// connection options but no status listener and a fresh engine, so its
// retries and failures never bleed into the primary's surfaced state.
func (s *Split) OpenSecondary(ctx context.Context, opts Options) (*Client, error) {
	if s.secondary != nil {
		return nil, fmt.Errorf("split screen already open")
	}
	opts.Listener = nil
	opts.Countdown = nil
	// The secondary never resumes: it is an ephemeral pane.
	opts.ResumeOnReload = false
	opts.Store = nil

	c, err := New(opts, reconnect.NewEngine(reconnect.DefaultConfig()))
	if err != nil {
		return nil, err
	}
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	s.secondary = c
	return c, nil
}

// CloseSecondary tears down the split-screen pane.
func (s *Split) CloseSecondary() error {
	if s.secondary == nil {
		return nil
	}
	err := s.secondary.Close()
	s.secondary = nil
	return err
}
