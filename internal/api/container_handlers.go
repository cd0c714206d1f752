package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/constellation-dev/bridge/internal/container"
)

// CreateContainerRequest is the body of POST /container/create.
type CreateContainerRequest struct {
	ProjectID string                 `json:"projectId"`
	Config    container.CreateConfig `json:"config"`
}

// ContainerTargetRequest names a container by project or runtime id.
type ContainerTargetRequest struct {
	ProjectID   string `json:"projectId"`
	ContainerID string `json:"containerId"`
}

func (r ContainerTargetRequest) target() container.Target {
	return container.Target{ProjectID: r.ProjectID, ContainerID: r.ContainerID}
}

// ExecRequest is the body of POST /container/exec.
type ExecRequest struct {
	ContainerTargetRequest
	Command string `json:"command"`
}

// CreateContainer starts the project's container.
// POST /container/create
func (h *Handler) CreateContainer(c *gin.Context) {
	var req CreateContainerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" {
		h.badRequest(c, "projectId is required")
		return
	}

	res, err := h.containers.Create(c.Request.Context(), req.ProjectID, req.Config)
	if err != nil {
		h.failContainer(c, err, req.ProjectID)
		return
	}
	c.JSON(http.StatusOK, res)
}

// DestroyContainer stops and removes a container. Missing containers are
// reported with destroyed=false, not as errors.
// POST /container/destroy
func (h *Handler) DestroyContainer(c *gin.Context) {
	var req ContainerTargetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" && req.ContainerID == "" {
		h.badRequest(c, "projectId or containerId is required")
		return
	}

	res, err := h.containers.Destroy(c.Request.Context(), req.target())
	if err != nil {
		h.failContainer(c, err, req.ProjectID)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ExecContainer runs a shell command in a container. A failing command is
// reported through exitCode, never as an HTTP error.
// POST /container/exec
func (h *Handler) ExecContainer(c *gin.Context) {
	var req ExecRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, "invalid request body: "+err.Error())
		return
	}
	if req.ProjectID == "" && req.ContainerID == "" {
		h.badRequest(c, "projectId or containerId is required")
		return
	}
	if req.Command == "" {
		h.badRequest(c, "command is required")
		return
	}

	res, err := h.containers.Exec(c.Request.Context(), req.target(), req.Command)
	if err != nil {
		h.failContainer(c, err, req.ProjectID)
		return
	}
	c.JSON(http.StatusOK, res)
}

// ContainerStatus reports the project's running container.
// GET /container/:projectId
func (h *Handler) ContainerStatus(c *gin.Context) {
	projectID := c.Param("projectId")
	info, err := h.containers.Status(c.Request.Context(), container.Target{ProjectID: projectID})
	if err != nil {
		h.failContainer(c, err, projectID)
		return
	}
	c.JSON(http.StatusOK, info)
}
