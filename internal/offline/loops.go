package offline

import (
	"context"
	"time"

	"github.com/ghostspeak/relay/internal/metrics"
	"github.com/ghostspeak/relay/internal/models"
)

// MonitorSessions fails sessions active past the hard timeout and
// purges terminal sessions older than an hour. Blocks until ctx is
// cancelled.
func (m *Manager) MonitorSessions(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.MonitorTick()
		}
	}
}

// MonitorTick performs one monitor pass. Exposed so tests can drive
// the monitor without timers.
func (m *Manager) MonitorTick() {
	now := m.nowFn()

	m.sessMu.Lock()
	for id, sess := range m.sessions {
		switch {
		case sess.Status == models.SessionActive && now.Sub(sess.StartTime) > sessionHardTimeout:
			sess.Status = models.SessionFailed
			sess.EndTime = now
			metrics.SyncSessions.WithLabelValues("timed_out").Inc()
			m.logger.Warn().
				Str("session_id", id).
				Str("agent", sess.Agent).
				Msg((&SyncTimeoutError{SessionID: id}).Error())
		case sess.Status.IsTerminal() && !sess.EndTime.IsZero() && now.Sub(sess.EndTime) > sessionRetention:
			delete(m.sessions, id)
		}
	}
	m.sessMu.Unlock()
}

// PurgeResolutions removes conflict resolutions older than 24 hours.
// Runs hourly; blocks until ctx is cancelled.
func (m *Manager) PurgeResolutions(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.PurgeTick()
		}
	}
}

// PurgeTick performs one resolution-retention pass.
func (m *Manager) PurgeTick() int {
	cutoff := m.nowFn().Add(-resolutionRetention)

	m.resMu.Lock()
	removed := 0
	for id, res := range m.resolutions {
		if res.ResolvedAt.Before(cutoff) {
			delete(m.resolutions, id)
			removed++
		}
	}
	m.resMu.Unlock()

	if removed > 0 {
		m.logger.Info().Int("removed", removed).Msg("purged old conflict resolutions")
	}
	return removed
}

// SampleAnalytics periodically exports aggregate gauges. Blocks until
// ctx is cancelled.
func (m *Manager) SampleAnalytics(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a := m.GetAnalytics(interval)
			metrics.PendingMessages.Set(float64(a.PendingMessages))
			metrics.OpenConflicts.Set(float64(a.OpenConflicts))
			metrics.OnlineAgents.Set(float64(a.OnlineAgents))
		}
	}
}
