package events

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kandev/devbridge/internal/common/config"
	"github.com/kandev/devbridge/internal/common/logger"
	"github.com/kandev/devbridge/internal/events/bus"
)

// ProvidedBus is the bus chosen for one activation. Exactly one of Memory and
// NATS is set, and Bus points at it.
type ProvidedBus struct {
	Bus    bus.EventBus
	Memory *bus.MemoryEventBus
	NATS   *bus.NATSEventBus
}

// Transport names the active implementation: "nats" or "memory".
func (p *ProvidedBus) Transport() string {
	if p.NATS != nil {
		return "nats"
	}
	return "memory"
}

// Provide builds the configured event bus: NATS when nats.url is set, the
// in-memory bus otherwise. An unreachable NATS server is an error rather than
// a silent downgrade. The returned cleanup closes the bus.
func Provide(cfg *config.Config, log *logger.Logger) (*ProvidedBus, func() error, error) {
	provided := &ProvidedBus{}
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, nil, fmt.Errorf("event bus: %w", err)
		}
		provided.NATS, provided.Bus = natsBus, natsBus
	} else {
		provided.Memory = bus.NewMemoryEventBus(log)
		provided.Bus = provided.Memory
	}
	log.Info("event bus ready", zap.String("transport", provided.Transport()))

	return provided, func() error {
		provided.Bus.Close()
		return nil
	}, nil
}
