// Package websocket provides the WebSocket terminal endpoint.
package websocket

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/common/stringutil"
	"github.com/constellation-dev/bridge/internal/terminal"
)

// Frame types. Every frame is a JSON text message.
const (
	MsgConnected = "connected"
	MsgData      = "data"
	MsgExit      = "exit"
	MsgInput     = "input"
	MsgResize    = "resize"
)

// drainTimeout bounds how long output is forwarded after the shell exits
// while a background job still holds the terminal open.
const drainTimeout = 500 * time.Millisecond

// closeReplyTimeout bounds the wait for the client's close frame once the
// server has closed the socket.
const closeReplyTimeout = time.Second

// ServerMessage is a frame sent to the client.
type ServerMessage struct {
	Type       string `json:"type"`
	TerminalID string `json:"terminalId,omitempty"`
	Data       string `json:"data,omitempty"`
	ExitCode   *int   `json:"exitCode,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ClientMessage is a frame received from the client.
type ClientMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Cols int    `json:"cols,omitempty"`
	Rows int    `json:"rows,omitempty"`
}

// TerminalHandler bridges WebSocket connections to PTY shells. Each
// connection owns exactly one shell; closing the socket ends it.
type TerminalHandler struct {
	terminals *terminal.Manager
	upgrader  gorillaws.Upgrader
	logger    *logger.Logger
}

// NewTerminalHandler creates a handler. allowedOrigins extends the default
// localhost and same-host origin policy.
func NewTerminalHandler(terminals *terminal.Manager, allowedOrigins []string, log *logger.Logger) *TerminalHandler {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[strings.TrimRight(o, "/")] = true
	}
	return &TerminalHandler{
		terminals: terminals,
		upgrader: gorillaws.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return allowed[r.Header.Get("Origin")] || checkWebSocketOrigin(r)
			},
		},
		logger: log.WithFields(zap.String("component", "terminal_handler")),
	}
}

// checkWebSocketOrigin allows requests without an Origin, from localhost, or
// whose origin host matches the request host.
func checkWebSocketOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	if strings.HasPrefix(origin, "http://localhost") ||
		strings.HasPrefix(origin, "http://127.0.0.1") ||
		strings.HasPrefix(origin, "https://localhost") ||
		strings.HasPrefix(origin, "https://127.0.0.1") {
		return true
	}

	originURL, err := url.Parse(origin)
	if err != nil || originURL.Host == "" {
		return false
	}

	host := r.Host
	if host == "" && r.URL != nil {
		host = r.URL.Host
	}
	if host == "" {
		return false
	}
	// Ports are ignored on both sides.
	return originURL.Hostname() == (&url.URL{Host: host}).Hostname()
}

// wsWriter serializes frames onto the socket and drops them once closed.
type wsWriter struct {
	conn   *gorillaws.Conn
	mu     sync.Mutex
	closed bool
}

func newWsWriter(conn *gorillaws.Conn) *wsWriter {
	return &wsWriter{conn: conn}
}

func (w *wsWriter) send(msg ServerMessage) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	return w.conn.WriteJSON(msg)
}

// close sends a close frame once and stops further writes.
func (w *wsWriter) close(code int, reason string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	_ = w.conn.WriteControl(gorillaws.CloseMessage,
		gorillaws.FormatCloseMessage(code, reason), time.Now().Add(time.Second))
}

// HandleTerminalWS upgrades the request and runs a shell for the lifetime of
// the socket.
func (h *TerminalHandler) HandleTerminalWS(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Failed to upgrade to WebSocket", zap.String("remote_addr", c.Request.RemoteAddr), zap.Error(err))
		return
	}
	defer func() { _ = conn.Close() }()

	wsw := newWsWriter(conn)

	session, err := h.terminals.Open(c.Request.Context())
	if err != nil {
		h.logger.Warn("Could not open terminal", zap.Error(err))
		code := -1
		_ = wsw.send(ServerMessage{Type: MsgExit, ExitCode: &code, Error: err.Error()})
		wsw.close(gorillaws.CloseTryAgainLater, "terminal unavailable")
		return
	}
	log := h.logger.WithFields(zap.String("terminal_id", session.ID), zap.String("remote_addr", c.Request.RemoteAddr))
	log.Info("Terminal WebSocket connected")

	if err := wsw.send(ServerMessage{Type: MsgConnected, TerminalID: session.ID}); err != nil {
		log.Debug("Failed to send connected frame", zap.Error(err))
	}

	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		h.pumpOutput(session, wsw, log)
	}()

	go func() {
		<-session.Done()
		select {
		case <-outputDone:
		case <-time.After(drainTimeout):
		}
		code := session.ExitCode()
		_ = wsw.send(ServerMessage{Type: MsgExit, ExitCode: &code})
		wsw.close(gorillaws.CloseNormalClosure, "shell exited")
		// Bound the wait for the peer's close reply.
		_ = conn.SetReadDeadline(time.Now().Add(closeReplyTimeout))
	}()

	h.readInput(conn, session, log)

	// Socket gone: stop the shell, then let the output pump finish.
	wsw.close(gorillaws.CloseNormalClosure, "")
	if err := h.terminals.Close(session.ID); err != nil {
		log.Debug("Terminal close error", zap.Error(err))
	}
	_ = session.Close()
	<-outputDone
	log.Info("Terminal WebSocket disconnected")
}

// pumpOutput forwards PTY output as data frames. Multi-byte characters split
// across reads are held back until complete.
func (h *TerminalHandler) pumpOutput(session *terminal.Session, wsw *wsWriter, log *logger.Logger) {
	buf := make([]byte, 8192)
	var aligner stringutil.RuneAligner
	for {
		n, err := session.Read(buf)
		if n > 0 {
			if text := aligner.Push(buf[:n]); text != "" {
				if sendErr := wsw.send(ServerMessage{Type: MsgData, Data: text}); sendErr != nil {
					return
				}
			}
		}
		if err != nil {
			if rest := aligner.Flush(); rest != "" {
				_ = wsw.send(ServerMessage{Type: MsgData, Data: rest})
			}
			if !errors.Is(err, io.EOF) {
				log.Debug("PTY read ended", zap.Error(err))
			}
			return
		}
	}
}

// readInput applies client frames until the socket closes.
func (h *TerminalHandler) readInput(conn *gorillaws.Conn, session *terminal.Session, log *logger.Logger) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !gorillaws.IsCloseError(err, gorillaws.CloseNormalClosure, gorillaws.CloseGoingAway) {
				log.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Debug("Ignoring malformed frame", zap.Error(err))
			continue
		}

		switch msg.Type {
		case MsgInput:
			if _, err := session.Write([]byte(msg.Data)); err != nil {
				log.Debug("PTY write error", zap.Error(err))
			}
		case MsgResize:
			if msg.Cols <= 0 || msg.Rows <= 0 {
				log.Warn("Invalid resize dimensions", zap.Int("cols", msg.Cols), zap.Int("rows", msg.Rows))
				continue
			}
			if err := session.Resize(msg.Cols, msg.Rows); err != nil {
				log.Warn("Failed to resize terminal", zap.Error(err))
			}
		default:
			log.Debug("Ignoring unknown frame type", zap.String("type", msg.Type))
		}
	}
}

// HandleListSessions returns the live terminal sessions.
func (h *TerminalHandler) HandleListSessions(c *gin.Context) {
	sessions := h.terminals.List()
	c.JSON(http.StatusOK, gin.H{"sessions": sessions, "total": len(sessions)})
}
