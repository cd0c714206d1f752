package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/agent"
	"github.com/constellation-dev/bridge/internal/common/appctx"
	"github.com/constellation-dev/bridge/internal/workspace"
)

// ChatRequest is the body of POST /chat/stream.
type ChatRequest struct {
	Message   string `json:"message"`
	ProjectID string `json:"projectId"`
}

// ChunkFrame carries one piece of agent output.
type ChunkFrame struct {
	Message string `json:"message"`
}

// CompleteFrame is the last frame of every stream.
type CompleteFrame struct {
	Complete bool                 `json:"complete"`
	Success  bool                 `json:"success"`
	Files    workspace.FileTree   `json:"files,omitempty"`
	Message  string               `json:"message,omitempty"`
	Changes  *workspace.ChangeSet `json:"changes,omitempty"`
	Error    string               `json:"error,omitempty"`
	Code     string               `json:"code,omitempty"`
	ExitCode *int                 `json:"exitCode,omitempty"`
}

// sseStream serializes gin's SSE rendering between the agent callback and
// the keep-alive ticker. Writes after the client has gone are dropped.
type sseStream struct {
	mu     sync.Mutex
	c      *gin.Context
	broken bool
}

// data sends v as an unnamed event, which renders as a bare "data:" frame.
func (s *sseStream) data(v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return false
	}
	errs := len(s.c.Errors)
	s.c.SSEvent("", v)
	if len(s.c.Errors) > errs {
		s.broken = true
		return false
	}
	s.c.Writer.Flush()
	return true
}

// comment writes an SSE comment line. gin's sse.Event has no comment form.
func (s *sseStream) comment(text string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return false
	}
	if _, err := s.c.Writer.WriteString(": " + text + "\n\n"); err != nil {
		s.broken = true
		return false
	}
	s.c.Writer.Flush()
	return true
}

// ChatStream runs the agent against the project's workspace and streams its
// output as SSE frames, ending with a CompleteFrame.
// POST /chat/stream
func (h *Handler) ChatStream(c *gin.Context) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" || req.Message == "" {
		h.badRequest(c, "projectId and message are required")
		return
	}

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	out := &sseStream{c: c}

	log := h.logger.WithFields(zap.String("project_id", req.ProjectID))

	ws, err := h.workspaces.Get(req.ProjectID)
	if err != nil {
		appErr := toAppError(err, req.ProjectID)
		out.data(CompleteFrame{Complete: true, Success: false, Error: appErr.Message, Code: appErr.Code})
		return
	}

	ctx, cancel := h.runContext(c.Request.Context())
	defer cancel()

	stopKeepAlive := make(chan struct{})
	go func() {
		ticker := time.NewTicker(h.opts.KeepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-stopKeepAlive:
				return
			case <-ticker.C:
				out.comment("keep-alive")
			}
		}
	}()

	agentReq := agent.Request{Message: req.Message, WorkspacePath: ws.Path}
	result, runErr := h.agent.Run(ctx, agentReq, func(chunk string) {
		out.data(ChunkFrame{Message: chunk})
	})
	close(stopKeepAlive)

	if runErr == nil {
		out.data(CompleteFrame{
			Complete: true,
			Success:  true,
			Files:    result.Files,
			Message:  result.Message,
			Changes:  &result.Changes,
		})
		return
	}

	log.Warn("Agent run failed", zap.Error(runErr))
	appErr := toAppError(runErr, req.ProjectID)
	final := CompleteFrame{
		Complete: true,
		Success:  false,
		Message:  h.agent.Guidance(agentReq, runErr),
		Error:    appErr.Message,
		Code:     appErr.Code,
	}

	var failed *agent.ProcessFailedError
	if errors.As(runErr, &failed) {
		code := failed.ExitCode
		final.ExitCode = &code
	}

	if result != nil {
		final.Files = result.Files
		final.Changes = &result.Changes
	} else if tree, scanErr := h.workspaces.Scan(context.WithoutCancel(ctx), ws.Path); scanErr == nil {
		// The agent never started; show what is there now.
		final.Files = tree
	}
	out.data(final)
}

// runContext returns the context an agent run executes under. By default it
// is the request context, so a disconnect cancels the run. Detached runs
// survive the client and end at their timeout or server shutdown.
func (h *Handler) runContext(reqCtx context.Context) (context.Context, context.CancelFunc) {
	if !h.opts.DetachOnDisconnect {
		return context.WithCancel(reqCtx)
	}
	return appctx.Detached(reqCtx, h.shutdown, h.agent.Timeout())
}
