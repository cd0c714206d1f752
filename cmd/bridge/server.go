package main

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/constellation-dev/bridge/internal/api"
	"github.com/constellation-dev/bridge/internal/common/config"
	"github.com/constellation-dev/bridge/internal/common/httpmw"
	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/common/tracing"
	gateways "github.com/constellation-dev/bridge/internal/gateway/websocket"
)

const serverName = "bridge"

func buildRouter(cfg *config.Config, comps *components, shutdown <-chan struct{}, log *logger.Logger) *gin.Engine {
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(httpmw.CORS(cfg.Server.AllowedOrigins))
	router.Use(httpmw.OtelTracing(serverName))
	router.Use(httpmw.RequestLogger(log, serverName))
	if comps.metrics != nil {
		router.Use(comps.metrics.Middleware())
		router.GET(cfg.Metrics.Path, gin.WrapH(comps.metrics.Handler()))
	}

	handler := api.NewHandler(comps.workspaces, comps.containers, comps.agent, api.Options{
		DetachOnDisconnect: cfg.Agent.DetachOnDisconnect,
		EventBus:           comps.bus.Kind,
	}, shutdown, log)
	handler.RegisterRoutes(router)

	terminals := gateways.NewTerminalHandler(comps.terminals, cfg.Server.AllowedOrigins, log)
	router.GET("/terminal", terminals.HandleTerminalWS)
	router.GET("/terminal/sessions", terminals.HandleListSessions)

	return router
}

// serve runs the HTTP server until ctx is cancelled, then drains it.
func serve(ctx context.Context, cfg *config.Config, comps *components, log *logger.Logger) error {
	shutdown := make(chan struct{})
	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      buildRouter(cfg, comps, shutdown, log),
		ReadTimeout:  cfg.Server.ReadTimeoutDuration(),
		WriteTimeout: cfg.Server.WriteTimeoutDuration(),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP server listening",
			zap.String("addr", server.Addr),
			zap.String("terminal", "/terminal"),
			zap.String("chat", "/chat/stream"))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down bridge...")
		close(shutdown)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeoutDuration())
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		// Hijacked websocket connections are not tracked by Shutdown.
		if err := comps.terminals.CloseAll(); err != nil {
			log.Warn("Terminal shutdown error", zap.Error(err))
		}

		if err := tracing.Shutdown(shutdownCtx); err != nil {
			log.Warn("Tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	err := g.Wait()
	log.Info("Bridge stopped")
	return err
}
