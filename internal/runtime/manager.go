package runtime

import (
	"context"
	"fmt"

	"github.com/viewguard/mediagateway/internal/logger"
	"go.uber.org/multierr"
)

// Manager registers Services and starts/stops them in a controlled order:
// start in registration order, stop in reverse, so a later-registered
// Service (which may depend on an earlier one) is always torn down first.
type Manager struct {
	logger   *logger.Logger
	services []Service
}

func NewManager(log *logger.Logger) *Manager {
	return &Manager{logger: log}
}

func (m *Manager) Register(svc Service) {
	m.services = append(m.services, svc)
}

// StartAll starts every registered Service in registration order. If one
// fails, the Services already started are stopped in reverse before the
// error is returned.
func (m *Manager) StartAll(ctx context.Context) error {
	started := make([]Service, 0, len(m.services))
	for _, svc := range m.services {
		m.logger.Info("starting service", "service", svc.Name())
		if err := svc.Start(ctx); err != nil {
			m.logger.Error("service failed to start", "service", svc.Name(), "error", err)
			m.stopInReverse(ctx, started)
			return fmt.Errorf("starting %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	return nil
}

// StopAll stops every registered Service in reverse registration order,
// aggregating errors so one failed shutdown step never hides the others.
func (m *Manager) StopAll(ctx context.Context) error {
	return m.stopInReverse(ctx, m.services)
}

func (m *Manager) stopInReverse(ctx context.Context, services []Service) error {
	var errs error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		m.logger.Info("stopping service", "service", svc.Name())
		if err := svc.Stop(ctx); err != nil {
			m.logger.Error("service failed to stop", "service", svc.Name(), "error", err)
			errs = multierr.Append(errs, fmt.Errorf("stopping %s: %w", svc.Name(), err))
		}
	}
	return errs
}
