package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/termgate/termgate/internal/config"
	"github.com/termgate/termgate/internal/credhash"
	"github.com/termgate/termgate/internal/database"
	"github.com/termgate/termgate/internal/logutil"
	"github.com/termgate/termgate/internal/protocol"
	"github.com/termgate/termgate/internal/runtime"
	"github.com/termgate/termgate/internal/session"
)

// terminalRateLimit defines the maximum number of messages allowed per second
// per WebSocket connection. Messages beyond this rate are dropped.
const terminalRateLimit = 200

// terminalRateBurst is the token bucket burst size, allowing short bursts
// of rapid input (e.g., paste operations) before rate limiting kicks in.
const terminalRateBurst = 200

// maxInputMessageSize bounds one inbound PTY input frame.
const maxInputMessageSize = 64 * 1024

// Resize dimensions are clamped to these bounds.
const (
	maxResizeCols = 1000
	maxResizeRows = 1000
)

// Reg is set from main.go during init.
var Reg *session.Registry

// wsConn adapts a websocket connection to the registry's Conn surface.
type wsConn struct {
	conn *websocket.Conn
}

func (c wsConn) WriteText(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

func (c wsConn) WriteBinary(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageBinary, data)
}

func (c wsConn) Close(code int, reason string) error {
	return c.conn.Close(websocket.StatusCode(code), reason)
}

// clientContextFor fingerprints the connecting client: remote address
// without port plus a digest of the user agent. Coarse on purpose; it only
// has to be stable across a reload from the same client.
func clientContextFor(r *http.Request) string {
	ua := sha256.Sum256([]byte(r.UserAgent()))
	return fmt.Sprintf("%s/%s", hostOnly(r.RemoteAddr), hex.EncodeToString(ua[:8]))
}

func hostOnly(addr string) string {
	for i := len(addr) - 1; i >= 0; i-- {
		if addr[i] == ':' {
			return addr[:i]
		}
	}
	return addr
}

// TerminalWS handles the terminal WebSocket endpoint: auth handshake,
// resume-or-create, hello + replay, then bidirectional relay until the
// socket drops. A dropped socket does not end the session; the orphan
// window starts instead.
func TerminalWS(w http.ResponseWriter, r *http.Request) {
	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		log.Printf("Failed to accept terminal websocket: %v", err)
		return
	}
	defer clientConn.CloseNow()

	clientConn.SetReadLimit(1024 * 1024)
	ctx := r.Context()

	auth, ok := readAuth(ctx, clientConn)
	if !ok {
		clientConn.Close(protocol.CloseAuthTimeout, "authentication timeout")
		return
	}

	credentialHash := credhash.Fingerprint(auth.APIKey, auth.AccessToken)
	clientContext := clientContextFor(r)
	conn := wsConn{clientConn}

	s, ok := resolveSession(ctx, conn, auth, credentialHash, clientContext)
	if !ok {
		return // resolveSession already closed with the right code
	}
	s.MarkAuthenticated()

	if err := conn.WriteText(ctx, protocol.WrapControl(protocol.EncodeHello(s.ID))); err != nil {
		Reg.DetachSocket(s)
		Reg.ScheduleOrphanCleanup(s)
		return
	}

	// Replay buffered output so a resumed client sees what it missed.
	if s.ResumedCount() > 0 {
		for _, line := range s.Buffer.Lines() {
			if err := conn.WriteText(ctx, []byte(line+"\r\n")); err != nil {
				break
			}
		}
	}

	relay(ctx, conn, s)
}

// readAuth waits for the auth control message, bounded by the configured
// auth timeout. Anything else on the socket before auth is a protocol
// violation treated the same as a timeout.
func readAuth(ctx context.Context, conn *websocket.Conn) (protocol.Control, bool) {
	authCtx, cancel := context.WithTimeout(ctx, config.Cfg.AuthTimeout)
	defer cancel()

	_, data, err := conn.Read(authCtx)
	if err != nil {
		return protocol.Control{}, false
	}
	payload, ok := protocol.UnwrapControl(data)
	if !ok {
		return protocol.Control{}, false
	}
	ctl, ok := protocol.DecodeControl(payload)
	if !ok || ctl.Type != protocol.TypeAuth {
		return protocol.Control{}, false
	}
	return ctl, true
}

// resolveSession maps an auth message to a session: in-memory resume,
// cross-process resume, or fresh creation. On failure it closes the socket
// with the protocol close code and returns ok=false.
func resolveSession(ctx context.Context, conn wsConn, auth protocol.Control, credentialHash, clientContext string) (*session.Session, bool) {
	if auth.SessionID != "" {
		if existing := Reg.Get(auth.SessionID); existing != nil {
			if !Reg.CanResumeSession(auth.SessionID, credentialHash, clientContext) {
				conn.Close(protocol.CloseCredentialMismatch, "credential mismatch")
				return nil, false
			}
			if !Reg.TakeoverSession(existing, conn) {
				conn.Close(protocol.CloseInternalError, "session is shutting down")
				return nil, false
			}
			log.Printf("[terminal] session %s resumed in-memory", logutil.SanitizeForLog(auth.SessionID))
			return existing, true
		}

		resumed, outcome, err := Reg.ResolveCrossProcess(ctx, auth.SessionID, credentialHash, clientContext)
		switch outcome {
		case session.ResumeOK:
			if !Reg.TakeoverSession(resumed, conn) {
				conn.Close(protocol.CloseInternalError, "session is shutting down")
				return nil, false
			}
			log.Printf("[terminal] session %s resumed cross-process", logutil.SanitizeForLog(auth.SessionID))
			return resumed, true
		case session.ResumeEnded:
			conn.WriteText(ctx, protocol.WrapControl(protocol.EncodeStatus(protocol.StatusDisconnected, "session ended")))
			conn.Close(protocol.CloseSessionEnded, "session ended")
			return nil, false
		case session.ResumeMismatch:
			conn.Close(protocol.CloseCredentialMismatch, "credential mismatch")
			return nil, false
		case session.ResumeRateLimited:
			conn.Close(protocol.CloseRateLimited, "too many resume attempts")
			return nil, false
		case session.ResumeNotFound:
			if err != nil {
				log.Printf("[terminal] cross-process lookup for %s: %v", logutil.SanitizeForLog(auth.SessionID), err)
			}
			// Fall through to fresh-session creation.
		}
	}

	return createSession(ctx, conn, auth, credentialHash, clientContext)
}

func createSession(ctx context.Context, conn wsConn, auth protocol.Control, credentialHash, clientContext string) (*session.Session, bool) {
	id := Reg.GenerateSessionID()

	// Settings-table overrides win over the environment so the image can be
	// rolled without a restart.
	handle, err := Reg.Runtime().SpawnSession(ctx, runtime.SpawnParams{
		SessionID:   id,
		Image:       database.GetSettingOr("session_image", config.Cfg.SessionImage),
		Shell:       database.GetSettingOr("session_shell", config.Cfg.SessionShell),
		APIKey:      auth.APIKey,
		AccessToken: auth.AccessToken,
		CPULimit:    config.Cfg.CPULimit,
		MemoryLimit: config.Cfg.MemoryLimit,
		Cols:        auth.Cols,
		Rows:        auth.Rows,
	})
	if err != nil {
		log.Printf("[terminal] spawn session container: %v", err)
		conn.Close(protocol.CloseInternalError, "failed to start session")
		return nil, false
	}

	s := Reg.Create(id, conn, credentialHash, clientContext)
	s.SetAttach(handle)
	log.Printf("[terminal] session %s created", logutil.SanitizeForLog(id))
	return s, true
}

// relay pumps socket input to the container until the socket drops.
// Container output is delivered by the session's own output pump, so a
// displaced relay never holds a read on the container stream. Returning
// means the socket is done; the session itself enters the orphan window.
func relay(ctx context.Context, conn wsConn, s *session.Session) {
	relayCtx, relayCancel := context.WithCancel(context.Background())
	s.SetRelayCancel(relayCancel)
	defer relayCancel()

	attach := s.Attach()
	if attach == nil {
		Reg.TerminateSession(s.ID, "session has no container stream", false, protocol.CloseInternalError)
		return
	}

	limiter := newTokenBucket(terminalRateBurst, terminalRateLimit)

	for {
		msgType, data, err := conn.conn.Read(relayCtx)
		if err != nil {
			break
		}

		if !limiter.allow() {
			continue
		}
		s.Touch(time.Now())

		if msgType == websocket.MessageBinary {
			if len(data) > maxInputMessageSize {
				log.Printf("[terminal] input message too large: session=%s size=%d", logutil.SanitizeForLog(s.ID), len(data))
				continue
			}
			if _, err := attach.Stdin.Write(data); err != nil {
				break
			}
			continue
		}

		payload, isControl := protocol.UnwrapControl(data)
		if !isControl {
			// Text without the control prefix is PTY input, even when it
			// happens to look like control JSON.
			if _, err := attach.Stdin.Write(data); err != nil {
				break
			}
			continue
		}
		ctl, ok := protocol.DecodeControl(payload)
		if !ok {
			continue
		}
		switch ctl.Type {
		case protocol.TypeResize:
			if ctl.Cols > 0 && ctl.Rows > 0 && attach.Resize != nil {
				cols, rows := ctl.Cols, ctl.Rows
				if cols > maxResizeCols {
					cols = maxResizeCols
				}
				if rows > maxResizeRows {
					rows = maxResizeRows
				}
				attach.Resize(cols, rows)
			}
		case protocol.TypePing:
			// Activity already touched above.
		}
	}

	// Socket gone: keep the session alive for the resume window.
	if Reg.Get(s.ID) != nil && s.Conn() == conn {
		Reg.DetachSocket(s)
		Reg.ScheduleOrphanCleanup(s)
	}
}

// tokenBucket implements a simple token bucket rate limiter for terminal messages.
type tokenBucket struct {
	tokens     int
	maxTokens  int
	refillRate int // tokens added per second
	lastRefill time.Time
}

func newTokenBucket(maxTokens, refillRate int) *tokenBucket {
	return &tokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// allow checks if a message is allowed and consumes a token.
func (tb *tokenBucket) allow() bool {
	now := time.Now()
	elapsed := now.Sub(tb.lastRefill)
	tb.lastRefill = now

	tb.tokens += int(elapsed.Seconds() * float64(tb.refillRate))
	if tb.tokens > tb.maxTokens {
		tb.tokens = tb.maxTokens
	}

	if tb.tokens <= 0 {
		return false
	}
	tb.tokens--
	return true
}
