// Package client implements the attach-side terminal session client: one
// WebSocket connection to the relay, driven by a connection state machine
// with resume-on-reconnect, backoff-scheduled retries, and PTY output
// filtering.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/url"
	"sync"

	"github.com/coder/websocket"
	"github.com/termgate/termgate/internal/credhash"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/reconnect"
)

// State is the client connection status.
type State string

const (
	StateInitial      State = "initial"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateReconnecting State = "reconnecting"
	StateError        State = "error"
)

// StatusListener receives every state transition with an optional
// human-readable reason threaded from the server.
type StatusListener func(state State, reason string)

// Options configures a Client.
type Options struct {
	URL         string
	APIKey      string
	AccessToken string

	// ResumeOnReload enables persisting the session id for resume across
	// client restarts. Requires a Store.
	ResumeOnReload bool
	Store          Store

	Listener StatusListener
	Output   io.Writer

	// Countdown, when set, receives remaining-milliseconds ticks while a
	// reconnect is scheduled.
	Countdown reconnect.CountdownFunc

	dialFn func(ctx context.Context, u string) (*websocket.Conn, error)
}

// Client drives one terminal session connection. Safe for use from multiple
// goroutines; the read loop and timer callbacks synchronize on the client
// mutex.
type Client struct {
	mu     sync.Mutex
	opts   Options
	host   string
	engine *reconnect.Engine

	state          State
	sessionID      string
	episodeCounted bool
	conn           *websocket.Conn
	readCancel     context.CancelFunc
	filter         MetaFilter
}

// New creates a Client. The reconnect engine is injected so callers control
// retry policy and tests control timing.
func New(opts Options, engine *reconnect.Engine) (*Client, error) {
	u, err := url.Parse(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("url %q has no host", opts.URL)
	}
	if opts.ResumeOnReload && opts.Store == nil {
		return nil, fmt.Errorf("resume-on-reload requires a store")
	}
	if opts.dialFn == nil {
		opts.dialFn = func(ctx context.Context, u string) (*websocket.Conn, error) {
			conn, _, err := websocket.Dial(ctx, u, nil)
			return conn, err
		}
	}
	c := &Client{
		opts:   opts,
		host:   u.Host,
		engine: engine,
		state:  StateInitial,
	}
	if opts.Countdown != nil {
		engine.SetCountdownCallback(opts.Countdown)
	}
	return c, nil
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionID returns the session id announced by the server's hello, empty
// before the first hello.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) setState(state State, reason string) {
	c.mu.Lock()
	if c.state == state {
		c.mu.Unlock()
		return
	}
	c.state = state
	listener := c.opts.Listener
	c.mu.Unlock()
	if listener != nil {
		listener(state, reason)
	}
}

// Connect opens the WebSocket, sends the auth payload, and starts the read
// loop. Each call begins a new failure episode.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	c.episodeCounted = false
	c.mu.Unlock()

	c.setState(StateConnecting, "")

	conn, err := c.opts.dialFn(ctx, c.opts.URL)
	if err != nil {
		c.onFailure(-1, err.Error())
		return err
	}

	auth := c.authPayload()
	payload, _ := json.Marshal(auth)
	if err := conn.Write(ctx, websocket.MessageText, protocol.WrapControl(payload)); err != nil {
		conn.CloseNow()
		c.onFailure(-1, err.Error())
		return err
	}

	readCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.readCancel = cancel
	c.mu.Unlock()

	go c.readLoop(readCtx, conn)
	return nil
}

// authPayload builds the auth message. The stored session id is included
// only when resume is enabled, a record exists for this exact host, and the
// stored credential hash matches the current credentials; any mismatch
// purges the record so a rotated credential can never resume a stale
// session.
func (c *Client) authPayload() protocol.Auth {
	auth := protocol.Auth{
		Type:        protocol.TypeAuth,
		APIKey:      c.opts.APIKey,
		AccessToken: c.opts.AccessToken,
	}
	if !c.opts.ResumeOnReload {
		return auth
	}

	storedID, okID := c.opts.Store.Load(sessionIDKey(c.host))
	storedHash, okHash := c.opts.Store.Load(credentialHashKey(c.host))
	if !okID || !okHash {
		c.purgeStored()
		return auth
	}
	current := credhash.Fingerprint(c.opts.APIKey, c.opts.AccessToken)
	if !credhash.Equal(storedHash, current) {
		c.purgeStored()
		return auth
	}
	auth.SessionID = storedID
	return auth
}

func (c *Client) purgeStored() {
	if c.opts.Store == nil {
		return
	}
	c.opts.Store.Remove(sessionIDKey(c.host))
	c.opts.Store.Remove(credentialHashKey(c.host))
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		msgType, data, err := conn.Read(ctx)
		if err != nil {
			code := int(websocket.CloseStatus(err))
			c.onFailure(code, err.Error())
			return
		}
		c.handleFrame(msgType, data)
	}
}

// handleFrame routes one inbound frame. Only frames carrying the control
// prefix are control; everything else is PTY output, even text that happens
// to parse as control-shaped JSON.
func (c *Client) handleFrame(msgType websocket.MessageType, data []byte) {
	if msgType == websocket.MessageText {
		if payload, ok := protocol.UnwrapControl(data); ok {
			if ctl, ok := protocol.DecodeControl(payload); ok {
				c.handleControl(ctl)
			}
			return
		}
	}
	c.handleOutput(data)
}

func (c *Client) handleControl(ctl protocol.Control) {
	switch ctl.Type {
	case protocol.TypeHello:
		c.mu.Lock()
		c.sessionID = ctl.SessionID
		c.mu.Unlock()
		if c.opts.ResumeOnReload && ctl.SessionID != "" {
			hash := credhash.Fingerprint(c.opts.APIKey, c.opts.AccessToken)
			if err := c.opts.Store.Save(sessionIDKey(c.host), ctl.SessionID); err != nil {
				log.Printf("[client] persist session id: %v", err)
			}
			if err := c.opts.Store.Save(credentialHashKey(c.host), hash); err != nil {
				log.Printf("[client] persist credential hash: %v", err)
			}
		}
	case protocol.TypeStatus:
		c.handleStatus(ctl.Payload, ctl.Reason)
	}
}

func (c *Client) handleStatus(payload, reason string) {
	switch payload {
	case protocol.StatusConnected:
		c.setState(StateConnected, "")
	case protocol.StatusConnecting:
		c.setState(StateConnecting, reason)
	case protocol.StatusDisconnected, protocol.StatusError:
		if reason != "" && c.opts.Output != nil {
			fmt.Fprintf(c.opts.Output, "\r\n%s\r\n", reason)
		}
		c.purgeStored()
		if payload == protocol.StatusError {
			c.setState(StateError, reason)
		} else {
			c.setState(StateDisconnected, reason)
		}
	}
}

// handleOutput filters and forwards PTY bytes. A recognizable shell prompt
// confirms the session is interactive: only then does the retry counter
// reset, since a socket can open while the shell handshake still fails.
func (c *Client) handleOutput(data []byte) {
	out := c.filter.Filter(data)
	if len(out) == 0 {
		return
	}
	if c.opts.Output != nil {
		c.opts.Output.Write(out)
	}
	if looksLikePrompt(string(out)) {
		c.setState(StateConnected, "")
		c.engine.SuccessfulConnectionReset()
	}
}

// onFailure handles a connection failure episode. The error and close events
// of one underlying failure both land here; the episode flag guarantees a
// single attempt increment per episode.
func (c *Client) onFailure(code int, reason string) {
	c.mu.Lock()
	if c.episodeCounted {
		c.mu.Unlock()
		return
	}
	c.episodeCounted = true
	c.conn = nil
	c.mu.Unlock()

	// 1000 is a deliberate close: the session was taken over by another
	// client or the server shut down gracefully. Auto-retrying would
	// re-present the stored session id and steal the session back.
	if code == protocol.CloseNormal {
		c.setState(StateDisconnected, reason)
		return
	}

	// Non-recoverable closes never schedule; the user can still retry
	// manually via Reconnect.
	if protocol.NonRecoverable(code) {
		c.setState(StateError, reason)
		return
	}

	c.engine.Increment()
	if c.engine.IsMaxAttemptsReached() {
		c.setState(StateError, "reconnect attempts exhausted")
		return
	}

	c.setState(StateReconnecting, reason)
	c.engine.ScheduleReconnect(func() {
		c.Connect(context.Background())
	})
}

// Reconnect is the manual retry path (Enter key): cancels any pending
// scheduled retry and reconnects immediately with the same auth flow as the
// initial connect, including the stored session id if still valid.
func (c *Client) Reconnect(ctx context.Context) error {
	c.engine.CancelReconnect()
	return c.Connect(ctx)
}

// Write sends PTY input to the server.
func (c *Client) Write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	return conn.Write(ctx, websocket.MessageBinary, data)
}

// Resize requests a PTY size change.
func (c *Client) Resize(ctx context.Context, cols, rows uint16) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}
	payload, _ := json.Marshal(protocol.Resize{Type: protocol.TypeResize, Cols: cols, Rows: rows})
	return conn.Write(ctx, websocket.MessageText, protocol.WrapControl(payload))
}

// Close shuts the client down: cancels pending retries, stops the read
// loop, and closes the socket gracefully.
func (c *Client) Close() error {
	c.engine.CancelReconnect()

	c.mu.Lock()
	conn := c.conn
	cancel := c.readCancel
	c.conn = nil
	c.readCancel = nil
	c.episodeCounted = true // suppress the failure path for our own close
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "")
	}
	return nil
}
