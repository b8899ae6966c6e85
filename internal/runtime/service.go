package runtime

import (
	"context"

	"github.com/viewguard/mediagateway/internal/logger"
	"go.uber.org/zap"
)

// Service is a long-lived component managed by a Manager: the SFU control
// client, the health monitor, and the HTTP server are Services. The port
// broker, transcoder supervisor, consumer registry, HLS pruner and
// extraction worker pool are not; main constructs and drives them
// directly. Stream State Machine actors are dynamically created per-stream and are not
// Services themselves; they publish onto the same EventBus instead.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Base provides the bookkeeping every Service implementation needs:
// a name, a logger scoped to that name, a shared EventBus, and a Status.
type Base struct {
	name   string
	Logger *logger.Logger
	Bus    *EventBus
	Status *Status
}

func NewBase(name string, log *logger.Logger, bus *EventBus) Base {
	return Base{
		name:   name,
		Logger: log.WithFields(zap.String("component", name)),
		Bus:    bus,
		Status: NewStatus(),
	}
}

func (b *Base) Name() string { return b.name }
