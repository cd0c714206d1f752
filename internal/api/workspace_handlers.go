package api

import (
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/container"
	"github.com/constellation-dev/bridge/internal/workspace"
)

// CreateWorkspaceRequest is the body of POST /workspace/create.
type CreateWorkspaceRequest struct {
	ProjectID   string `json:"projectId"`
	ProjectName string `json:"projectName"`
}

// WorkspaceResponse describes a ready workspace.
type WorkspaceResponse struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Path   string `json:"path"`
	Status string `json:"status"`
	Ports  []int  `json:"ports"`
}

// DestroyWorkspaceRequest is the body of POST /workspace/destroy.
type DestroyWorkspaceRequest struct {
	ProjectID     string `json:"projectId"`
	ContainerID   string `json:"containerId"`
	WorkspacePath string `json:"workspacePath"`
}

// DestroyWorkspaceResponse reports a workspace teardown.
type DestroyWorkspaceResponse struct {
	Success            bool `json:"success"`
	ContainerDestroyed bool `json:"containerDestroyed"`
	WorkspaceCleared   bool `json:"workspaceCleared"`
}

// SyncFilesRequest is the body of POST /files/sync.
type SyncFilesRequest struct {
	ProjectID     string `json:"projectId"`
	WorkspacePath string `json:"workspacePath"`
}

// CreateWorkspace ensures the project's directory exists.
// POST /workspace/create
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		h.badRequest(c, "projectId is required")
		return
	}

	ws, _, err := h.workspaces.Ensure(c.Request.Context(), req.ProjectID)
	if err != nil {
		h.fail(c, err, req.ProjectID)
		return
	}

	name := req.ProjectName
	if name == "" {
		name = req.ProjectID
	}
	c.JSON(http.StatusOK, WorkspaceResponse{
		ID:     ws.ID,
		Name:   name,
		Path:   ws.Path,
		Status: "ready",
		Ports:  []int{},
	})
}

// DestroyWorkspace tears down the project's container and forgets the
// workspace. Files on disk are left in place.
// POST /workspace/destroy
func (h *Handler) DestroyWorkspace(c *gin.Context) {
	var req DestroyWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		h.badRequest(c, "projectId is required")
		return
	}
	if req.WorkspacePath != "" {
		if _, err := h.workspaces.ResolvePath(req.WorkspacePath); err != nil {
			h.fail(c, err, req.ProjectID)
			return
		}
	}

	target := container.Target{ProjectID: req.ProjectID, ContainerID: req.ContainerID}
	res, err := h.containers.Destroy(c.Request.Context(), target)
	if err != nil {
		h.failContainer(c, err, req.ProjectID)
		return
	}

	cleared := h.workspaces.Clear(c.Request.Context(), req.ProjectID)
	h.logger.Info("Workspace destroyed",
		zap.String("project_id", req.ProjectID),
		zap.Bool("container_destroyed", res.Destroyed),
		zap.Bool("workspace_cleared", cleared))

	c.JSON(http.StatusOK, DestroyWorkspaceResponse{
		Success:            true,
		ContainerDestroyed: res.Destroyed,
		WorkspaceCleared:   cleared,
	})
}

// ListWorkspaces returns the registered workspaces ordered by project id.
// GET /workspaces
func (h *Handler) ListWorkspaces(c *gin.Context) {
	list := h.workspaces.List()
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	c.JSON(http.StatusOK, gin.H{"workspaces": list})
}

// GetFiles returns the project's file tree.
// GET /workspace/:projectId/files
func (h *Handler) GetFiles(c *gin.Context) {
	projectID := c.Param("projectId")
	tree, err := h.workspaces.ScanProject(c.Request.Context(), projectID)
	if err != nil {
		h.fail(c, err, projectID)
		return
	}
	c.JSON(http.StatusOK, tree)
}

// SyncFiles rescans a workspace named by project id or by path.
// POST /files/sync
func (h *Handler) SyncFiles(c *gin.Context) {
	var req SyncFilesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}

	var (
		tree workspace.FileTree
		err  error
	)
	switch {
	case req.ProjectID != "":
		tree, err = h.workspaces.ScanProject(c.Request.Context(), req.ProjectID)
	case req.WorkspacePath != "":
		var dir string
		if dir, err = h.workspaces.ResolvePath(req.WorkspacePath); err == nil {
			tree, err = h.workspaces.Scan(c.Request.Context(), dir)
		}
	default:
		h.badRequest(c, "projectId or workspacePath is required")
		return
	}
	if err != nil {
		h.fail(c, err, req.ProjectID)
		return
	}
	c.JSON(http.StatusOK, tree)
}
