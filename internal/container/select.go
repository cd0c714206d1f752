package container

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/config"
	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/process"
)

// NewRuntime builds the runtime named by cfg.Runtime. In auto mode the
// Engine API is used when the daemon answers a ping, otherwise the CLI.
func NewRuntime(ctx context.Context, cfg config.ContainerConfig, runner *process.Runner, maxOutputBytes int64, log *logger.Logger) (Runtime, error) {
	newCLI := func() Runtime {
		priv := NewPrivilegedRunner(runner, cfg.Docker.Binary, cfg.Privilege.Mode, cfg.Privilege.Group, log)
		return NewCLIRuntime(priv, log)
	}

	switch cfg.Runtime {
	case "cli":
		return newCLI(), nil
	case "docker-api":
		return NewDockerRuntime(cfg.Docker, maxOutputBytes, log)
	case "auto", "":
		rt, err := NewDockerRuntime(cfg.Docker, maxOutputBytes, log)
		if err == nil {
			pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			err = rt.Ping(pingCtx)
			cancel()
			if err == nil {
				return rt, nil
			}
			_ = rt.Close()
		}
		log.Info("Docker API unavailable, using container CLI", zap.Error(err))
		return newCLI(), nil
	default:
		return nil, fmt.Errorf("unknown container runtime %q", cfg.Runtime)
	}
}
