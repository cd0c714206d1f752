// Package api serves the bridge's HTTP endpoints.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/agent"
	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/container"
	"github.com/constellation-dev/bridge/internal/workspace"
)

// WorkspaceStore is the subset of *workspace.Store the handlers use.
type WorkspaceStore interface {
	Ensure(ctx context.Context, projectID string) (*workspace.Workspace, bool, error)
	Get(projectID string) (*workspace.Workspace, error)
	Clear(ctx context.Context, projectID string) bool
	ResolvePath(p string) (string, error)
	Scan(ctx context.Context, dir string) (workspace.FileTree, error)
	ScanProject(ctx context.Context, projectID string) (workspace.FileTree, error)
	List() []workspace.Workspace
}

// ContainerManager is the subset of *container.Manager the handlers use.
type ContainerManager interface {
	RuntimeName() string
	Create(ctx context.Context, projectID string, cfg container.CreateConfig) (*container.CreateResult, error)
	Destroy(ctx context.Context, target container.Target) (*container.DestroyResult, error)
	Exec(ctx context.Context, target container.Target, command string) (*container.ExecResult, error)
	Status(ctx context.Context, target container.Target) (*container.Info, error)
}

// AgentRunner is the subset of *agent.Runner the handlers use.
type AgentRunner interface {
	Run(ctx context.Context, req agent.Request, onChunk func(string)) (*agent.Result, error)
	Guidance(req agent.Request, err error) string
	Timeout() time.Duration
}

// Options tunes handler behaviour.
type Options struct {
	// DetachOnDisconnect lets an agent run finish after its stream client
	// goes away. By default the run is cancelled.
	DetachOnDisconnect bool
	// KeepAlive is the SSE comment interval while an agent is quiet.
	KeepAlive time.Duration
	// EventBus names the bus transport reported by /health.
	EventBus string
}

// Handler holds the HTTP handlers.
type Handler struct {
	workspaces WorkspaceStore
	containers ContainerManager
	agent      AgentRunner
	opts       Options
	logger     *logger.Logger

	// closed on server shutdown; bounds detached agent runs.
	shutdown <-chan struct{}
}

// NewHandler creates the API handler.
func NewHandler(ws WorkspaceStore, cm ContainerManager, ar AgentRunner, opts Options, shutdown <-chan struct{}, log *logger.Logger) *Handler {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 15 * time.Second
	}
	return &Handler{
		workspaces: ws,
		containers: cm,
		agent:      ar,
		opts:       opts,
		shutdown:   shutdown,
		logger:     log.WithFields(zap.String("component", "api")),
	}
}

// RegisterRoutes mounts the bridge endpoints on router.
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/workspaces", h.ListWorkspaces)
	router.POST("/workspace/create", h.CreateWorkspace)
	router.POST("/workspace/destroy", h.DestroyWorkspace)
	router.GET("/workspace/:projectId/files", h.GetFiles)
	router.POST("/files/sync", h.SyncFiles)

	router.POST("/chat/stream", h.ChatStream)

	router.POST("/container/create", h.CreateContainer)
	router.POST("/container/destroy", h.DestroyContainer)
	router.POST("/container/exec", h.ExecContainer)
	router.GET("/container/:projectId", h.ContainerStatus)

	router.GET("/health", h.Health)
}

// Health is the liveness probe.
// GET /health
func (h *Handler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"runtime":   h.containers.RuntimeName(),
		"eventBus":  h.opts.EventBus,
	})
}
