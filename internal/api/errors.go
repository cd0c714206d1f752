package api

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/agent"
	apperrors "github.com/constellation-dev/bridge/internal/common/errors"
	"github.com/constellation-dev/bridge/internal/container"
	"github.com/constellation-dev/bridge/internal/process"
	"github.com/constellation-dev/bridge/internal/workspace"
)

// toAppError maps a domain error onto the API error taxonomy. Errors it does
// not recognise become internal errors.
func toAppError(err error, projectID string) *apperrors.AppError {
	if appErr := classify(err, projectID); appErr != nil {
		return appErr
	}
	return apperrors.InternalError(err.Error(), err)
}

func classify(err error, projectID string) *apperrors.AppError {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	var (
		spawnErr   *agent.SpawnFailedError
		agentErr   *agent.ProcessFailedError
		cliErr     *container.ContainerCommandFailedError
		commandErr *process.CommandFailedError
	)
	switch {
	case errors.Is(err, workspace.ErrInvalidProjectID):
		return apperrors.ValidationError("projectId", err.Error())
	case errors.Is(err, workspace.ErrNotFound):
		return apperrors.WorkspaceNotFound(projectID)
	case errors.Is(err, workspace.ErrOutsideRoot):
		return apperrors.BadRequest(err.Error())
	case errors.Is(err, container.ErrInvalidPort):
		return apperrors.ValidationError("config.ports", err.Error())
	case errors.Is(err, container.ErrContainerNotFound):
		target := "project " + projectID
		if projectID == "" {
			target = "target"
		}
		return apperrors.ContainerNotFound(target)
	case errors.Is(err, container.ErrNoPortsAvailable):
		e := apperrors.ServiceUnavailable("port allocator")
		e.Err = err
		return e
	case errors.As(err, &spawnErr):
		return apperrors.AgentSpawnFailed(err)
	case errors.As(err, &agentErr):
		return apperrors.AgentProcessFailed(agentErr.ExitCode, err)
	case errors.As(err, &cliErr):
		return apperrors.ContainerCommandFailed(cliErr.Error(), err)
	case errors.As(err, &commandErr):
		return apperrors.CommandFailed(commandErr.Error(), err)
	}
	return nil
}

// fail writes the JSON error body for err.
func (h *Handler) fail(c *gin.Context, err error, projectID string) {
	appErr := toAppError(err, projectID)
	if appErr.HTTPStatus >= 500 {
		h.logger.Error("Request failed",
			zap.String("path", c.FullPath()),
			zap.String("code", appErr.Code),
			zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, appErr.Body())
}

// failContainer is fail for runtime calls: unrecognised errors came from the
// container engine.
func (h *Handler) failContainer(c *gin.Context, err error, projectID string) {
	if classify(err, projectID) == nil {
		err = apperrors.ContainerCommandFailed(err.Error(), err)
	}
	h.fail(c, err, projectID)
}

func (h *Handler) badRequest(c *gin.Context, msg string) {
	appErr := apperrors.BadRequest(msg)
	c.JSON(appErr.HTTPStatus, appErr.Body())
}
