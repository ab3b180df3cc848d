package session

import (
	"context"
	"sort"
	"time"
)

// WatchdogConfig bounds a session's lifetime.
type WatchdogConfig struct {
	MaxDuration time.Duration
	Interval    time.Duration

	// Thresholds are the remaining times at which a warning is sent.
	Thresholds []time.Duration
}

// DefaultWatchdogConfig allows five hours with warnings during the final hour.
var DefaultWatchdogConfig = WatchdogConfig{
	MaxDuration: 5 * time.Hour,
	Interval:    10 * time.Second,
	Thresholds: []time.Duration{
		60 * time.Minute,
		30 * time.Minute,
		15 * time.Minute,
		10 * time.Minute,
		5 * time.Minute,
		1 * time.Minute,
	},
}

func (c WatchdogConfig) withDefaults() WatchdogConfig {
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultWatchdogConfig.MaxDuration
	}
	if c.Interval <= 0 {
		c.Interval = DefaultWatchdogConfig.Interval
	}
	if c.Thresholds == nil {
		c.Thresholds = DefaultWatchdogConfig.Thresholds
	}
	c.Thresholds = append([]time.Duration(nil), c.Thresholds...)
	sort.Slice(c.Thresholds, func(i, j int) bool { return c.Thresholds[i] > c.Thresholds[j] })
	return c
}

// dueWarnings returns the thresholds, largest first, that remaining has
// reached and that are not yet in warned. It marks them in warned.
func dueWarnings(remaining time.Duration, thresholds []time.Duration, warned map[time.Duration]bool) []time.Duration {
	var due []time.Duration
	for _, th := range thresholds {
		if remaining <= th && !warned[th] {
			warned[th] = true
			due = append(due, th)
		}
	}
	return due
}

// watch enforces the session time limit until ctx is cancelled.
func (m *Manager) watch(ctx context.Context, sessionID string, startedAt time.Time, cfg WatchdogConfig) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("watchdog panicked", "session_id", sessionID, "panic", r)
		}
	}()

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	warned := make(map[time.Duration]bool, len(cfg.Thresholds))
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		remaining := cfg.MaxDuration - time.Since(startedAt)
		for range dueWarnings(remaining, cfg.Thresholds, warned) {
			if ctx.Err() != nil {
				return
			}
			m.publish(warningNotification(sessionID, m.cfg.Agent.Name, max(remaining, 0)))
		}

		if remaining <= 0 {
			if ctx.Err() != nil {
				return
			}
			m.log.Warn("session time limit reached, terminating", "session_id", sessionID)
			m.publish(timeoutNotification(sessionID))
			if _, err := m.end(context.Background(), true, sessionID); err != nil {
				m.log.Debug("watchdog end skipped", "session_id", sessionID, "error", err)
			}
			return
		}
	}
}
