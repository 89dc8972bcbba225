package subsystem

import (
	"context"
	"time"

	"github.com/moolen/nosql/internal/connection"
	"github.com/moolen/nosql/internal/naming"
)

func (m *Manager) runHealthChecks(ctx context.Context) {
	defer close(m.healthDone)

	ticker := time.NewTicker(m.config.HealthCheckInterval)
	defer ticker.Stop()

	m.logger.Debug("Health check loop started (interval: %s)", m.config.HealthCheckInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CheckHealth(ctx)
		}
	}
}

// CheckHealth pings every active profile and restarts profiles that are
// Failed or whose ping fails. Explicitly stopped profiles are left alone.
func (m *Manager) CheckHealth(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	if m.stopped {
		return
	}

	order, targets := m.snapshot()
	for _, id := range order {
		if ctx.Err() != nil {
			return
		}
		svc, ok := m.services.Get(id)
		if !ok {
			continue
		}

		switch svc.State() {
		case connection.StateActive:
			pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := svc.Ping(pingCtx)
			cancel()
			if err == nil {
				continue
			}
			m.logger.Warn("Profile %s failed health check: %v", id, err)
			if m.metrics != nil {
				m.metrics.HealthFailures.WithLabelValues(id).Inc()
			}
		case connection.StateFailed:
			m.logger.Debug("Profile %s is failed, attempting recovery", id)
		default:
			continue
		}

		m.restart(ctx, svc, targets[id])
	}
}

func (m *Manager) restart(ctx context.Context, svc *connection.Service, target naming.BindTarget) {
	m.stopProfile(ctx, svc)
	if m.metrics != nil {
		m.metrics.RestartsTotal.WithLabelValues(svc.Identity()).Inc()
	}
	m.startProfile(ctx, svc, target)

	if svc.State() == connection.StateActive {
		m.logger.Info("Profile %s recovered", svc.Identity())
	}
}
