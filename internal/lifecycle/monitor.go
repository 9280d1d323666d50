package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/ashita-ai/seigyo/internal/model"
)

const monitorBackoff = 60 * time.Second

// StartMonitoring runs periodic fleet maintenance until ctx is cancelled or
// StopMonitoring is called: heartbeat health, trust-threshold revocation,
// idle eviction, and max-lifetime eviction. A pass that fails backs the loop
// off for a minute instead of killing it.
func (m *Manager) StartMonitoring(ctx context.Context) {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	interval := m.policies.MonitorInterval
	if interval <= 0 {
		interval = DefaultPolicies().MonitorInterval
	}

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		m.logger.Info("lifecycle: monitoring started", "interval", interval)
		for {
			select {
			case <-ctx.Done():
				m.logger.Info("lifecycle: monitoring stopped")
				return
			case <-ticker.C:
				if err := m.monitorPass(ctx); err != nil {
					m.logger.Error("lifecycle: monitor pass failed", "error", err)
					select {
					case <-ctx.Done():
						m.logger.Info("lifecycle: monitoring stopped")
						return
					case <-time.After(monitorBackoff):
					}
				}
			}
		}
	}()
}

// StopMonitoring cancels the loop and waits for it to exit.
func (m *Manager) StopMonitoring() {
	m.loopMu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.loopMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Monitoring reports whether the loop is running.
func (m *Manager) Monitoring() bool {
	m.loopMu.Lock()
	defer m.loopMu.Unlock()
	return m.cancel != nil
}

// monitorPass walks the active fleet once. A panic in a pass is recovered
// and surfaced as an error so one bad agent cannot take the loop down.
func (m *Manager) monitorPass(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lifecycle: monitor pass panicked: %v", r)
		}
	}()

	now := m.now()
	// One walk covers revocation, lifetime, and idle eviction per agent;
	// each check ends the agent's turn, so the order here is the pass order.
	for _, snap := range m.Agents() {
		if snap.State == model.AgentOffline {
			continue
		}

		// Trust below the floor: the agent is no longer safe to schedule.
		if snap.TrustScore < m.policies.MinTrustThreshold {
			if rerr := m.Revoke(ctx, snap.ID, fmt.Sprintf("trust %.3f below threshold %.2f", snap.TrustScore, m.policies.MinTrustThreshold)); rerr != nil {
				err = rerr
			}
			continue
		}

		if m.policies.HeartbeatStale > 0 && now.Sub(snap.LastHeartbeat) > m.policies.HeartbeatStale {
			m.logger.Warn("lifecycle: agent heartbeat stale",
				"agent_id", snap.ID, "kind", snap.Kind,
				"last_heartbeat", snap.LastHeartbeat)
		}

		// Max lifetime: retire regardless of activity.
		if m.policies.MaxAgentLifetime > 0 && now.Sub(snap.SpawnedAt) > m.policies.MaxAgentLifetime {
			m.logger.Info("lifecycle: agent exceeded max lifetime", "agent_id", snap.ID, "age", now.Sub(snap.SpawnedAt))
			m.Terminate(ctx, snap.ID)
			continue
		}

		// Idle eviction: measured from the last job, or from spawn when the
		// agent never ran one.
		if m.policies.MaxIdle > 0 && snap.State == model.AgentIdle {
			last := snap.SpawnedAt
			if snap.LastJobAt != nil {
				last = *snap.LastJobAt
			}
			if now.Sub(last) > m.policies.MaxIdle {
				m.logger.Info("lifecycle: agent idle too long", "agent_id", snap.ID, "idle_for", now.Sub(last))
				m.Terminate(ctx, snap.ID)
				continue
			}
		}

		// Healthy and kept: refresh its heartbeat.
		if a, ok := m.activeAgent(snap.ID); ok {
			a.Heartbeat()
		}
	}
	return err
}

func (m *Manager) activeAgent(id string) (a interface{ Heartbeat() }, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	got, ok := m.active[id]
	return got, ok
}
