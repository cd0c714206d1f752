// Package events wires the configured event bus and gives components a
// fire-and-forget publisher for lifecycle events.
package events

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/constellation-dev/bridge/internal/common/config"
	"github.com/constellation-dev/bridge/internal/common/logger"
	"github.com/constellation-dev/bridge/internal/events/bus"
)

// ProvidedBus wraps the active event bus implementation.
type ProvidedBus struct {
	Bus  bus.EventBus
	Kind string // memory or nats
}

// Provide builds the configured event bus implementation.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		cleanup := func() error {
			natsBus.Close()
			return nil
		}
		return &ProvidedBus{Bus: natsBus, Kind: "nats"}, cleanup, nil
	}

	memBus := bus.NewMemoryEventBus(log)
	cleanup := func() error {
		memBus.Close()
		return nil
	}
	return &ProvidedBus{Bus: memBus, Kind: "memory"}, cleanup, nil
}

// Publisher emits lifecycle events. A nil Publisher or nil bus drops events.
type Publisher struct {
	bus    bus.EventBus
	source string
	logger *logger.Logger
}

// NewPublisher returns a Publisher tagging events with source.
func NewPublisher(b bus.EventBus, source string, log *logger.Logger) *Publisher {
	return &Publisher{bus: b, source: source, logger: log}
}

// Emit publishes an event on subject. Failures are logged, never returned.
func (p *Publisher) Emit(ctx context.Context, subject string, data map[string]any) {
	if p == nil || p.bus == nil {
		return
	}
	event := bus.NewEvent(subject, p.source, data)
	if err := p.bus.Publish(ctx, subject, event); err != nil {
		p.logger.Warn("failed to publish event", zap.String("subject", subject), zap.Error(err))
	}
}
