// Package protocol defines the WebSocket wire format shared by the relay
// server and the attach client. Control messages are JSON with a "type"
// discriminator; everything else on the socket is raw PTY bytes.
package protocol

import (
	"bytes"
	"encoding/json"
)

// Message type discriminators.
const (
	TypeAuth   = "auth"
	TypeHello  = "hello"
	TypeStatus = "status"
	TypeResize = "resize"
	TypePing   = "ping"
)

// Status payloads carried by TypeStatus messages.
const (
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"
	StatusDisconnected = "disconnected"
	StatusError        = "error"
)

// Close codes. The 4xxx codes are protocol-level rejections with fixed
// client-side handling; see NonRecoverable.
const (
	CloseNormal             = 1000
	CloseCredentialMismatch = 4001
	CloseSessionEnded       = 4004
	CloseAuthTimeout        = 4008
	CloseInternalError      = 4500
	CloseRateLimited        = 4429
)

// NonRecoverable reports whether a close code must never trigger an
// automatic reconnect. 4008 still allows a manual reconnect.
func NonRecoverable(code int) bool {
	switch code {
	case CloseCredentialMismatch, CloseSessionEnded, CloseAuthTimeout, CloseRateLimited:
		return true
	}
	return false
}

// controlPrefix marks an embedded control JSON payload on the PTY channel:
// two NUL bytes followed by a fixed marker. Raw shell output never starts
// with a NUL, so the prefix cannot collide with PTY data.
var controlPrefix = []byte("\x00\x00termgate-ctl:")

// Auth is the first message a client sends after the socket opens.
// SessionID, when present, requests resume of an existing session.
type Auth struct {
	Type        string `json:"type"`
	APIKey      string `json:"apiKey,omitempty"`
	AccessToken string `json:"accessToken,omitempty"`
	SessionID   string `json:"sessionId,omitempty"`
	Cols        uint16 `json:"cols,omitempty"`
	Rows        uint16 `json:"rows,omitempty"`
}

// Hello announces the resolved session id once creation or resume succeeds.
type Hello struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId"`
}

// Status reports a connection state change, optionally with a
// human-readable reason threaded through to the user.
type Status struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
	Reason  string `json:"reason,omitempty"`
}

// Resize requests a PTY size change.
type Resize struct {
	Type string `json:"type"`
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

// Control is the decoded form of any inbound control message.
type Control struct {
	Type        string `json:"type"`
	APIKey      string `json:"apiKey"`
	AccessToken string `json:"accessToken"`
	SessionID   string `json:"sessionId"`
	Payload     string `json:"payload"`
	Reason      string `json:"reason"`
	Cols        uint16 `json:"cols"`
	Rows        uint16 `json:"rows"`
}

// DecodeControl attempts to parse data as a control message. It returns
// ok=false for anything malformed or untyped; callers must then treat the
// frame as opaque PTY text rather than dropping the connection.
func DecodeControl(data []byte) (Control, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return Control{}, false
	}
	var c Control
	if err := json.Unmarshal(trimmed, &c); err != nil {
		return Control{}, false
	}
	switch c.Type {
	case TypeAuth, TypeHello, TypeStatus, TypeResize, TypePing:
		return c, true
	}
	return Control{}, false
}

// WrapControl frames a control payload for transmission on the PTY channel.
func WrapControl(payload []byte) []byte {
	out := make([]byte, 0, len(controlPrefix)+len(payload))
	out = append(out, controlPrefix...)
	out = append(out, payload...)
	return out
}

// UnwrapControl splits a PTY-channel frame into its embedded control payload
// if the control prefix is present. ok=false means the frame is raw PTY data.
func UnwrapControl(data []byte) ([]byte, bool) {
	if !bytes.HasPrefix(data, controlPrefix) {
		return nil, false
	}
	return data[len(controlPrefix):], true
}

// EncodeStatus marshals a status message. Marshal of a flat struct cannot
// fail, so the error is discarded.
func EncodeStatus(payload, reason string) []byte {
	b, _ := json.Marshal(Status{Type: TypeStatus, Payload: payload, Reason: reason})
	return b
}

// EncodeHello marshals a hello message.
func EncodeHello(sessionID string) []byte {
	b, _ := json.Marshal(Hello{Type: TypeHello, SessionID: sessionID})
	return b
}
