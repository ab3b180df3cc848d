package session

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/remote-agent-terminal/agentrelay/internal/model"
)

func TestWatchdog_WarnsThenEnds(t *testing.T) {
	env := setupTestManager(t, ptyAgent, func(cfg *Config) {
		cfg.Watchdog = WatchdogConfig{
			MaxDuration: 300 * time.Millisecond,
			Interval:    10 * time.Millisecond,
			Thresholds:  []time.Duration{150 * time.Millisecond},
		}
	})
	ctx := context.Background()

	sess, err := env.manager.Start(ctx, env.dir, "")
	require.NoError(t, err)
	env.spawner.Last().emit("working")

	require.Eventually(t, func() bool { return len(env.events.Events(EventSessionWarning)) == 1 }, waitFor, tick)
	assert.Empty(t, env.events.Events(EventSessionTimeout))

	require.Eventually(t, func() bool { return env.manager.State() == StateIdle }, waitFor, tick)

	assert.Len(t, env.events.Events(EventSessionWarning), 1, "each threshold warns once")
	timeouts := env.events.Events(EventSessionTimeout)
	require.Len(t, timeouts, 1)
	assert.Equal(t, sess.ID, timeouts[0].Room)

	warning := env.events.Events(EventSessionWarning)[0].Payload.(SessionWarning)
	assert.LessOrEqual(t, warning.RemainingSeconds, 0.15)
	assert.Equal(t, "0 minutes", warning.TimeString)
	assert.Contains(t, warning.Message, "gemini session will reset in")

	writes := env.spawner.Last().Writes()
	assert.Equal(t, "/quit", writes[len(writes)-1], "timeout ends gracefully")

	stored, err := env.store.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusCompleted, stored.Status)
}

func TestWatchdog_StopsWithSession(t *testing.T) {
	env := setupTestManager(t, ptyAgent, func(cfg *Config) {
		cfg.Watchdog = WatchdogConfig{
			MaxDuration: 100 * time.Millisecond,
			Interval:    10 * time.Millisecond,
			Thresholds:  []time.Duration{50 * time.Millisecond},
		}
	})
	ctx := context.Background()

	_, err := env.manager.Start(ctx, env.dir, "")
	require.NoError(t, err)
	_, err = env.manager.End(ctx, false)
	require.NoError(t, err)

	// A new session must not be ended by the previous session's watchdog.
	env.manager.cfg.Watchdog.MaxDuration = time.Hour
	_, err = env.manager.Start(ctx, env.dir, "")
	require.NoError(t, err)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, StateActive, env.manager.State())
	assert.Empty(t, env.events.Events(EventSessionTimeout))
}

func TestDueWarnings(t *testing.T) {
	thresholds := DefaultWatchdogConfig.withDefaults().Thresholds
	warned := map[time.Duration]bool{}

	assert.Empty(t, dueWarnings(2*time.Hour, thresholds, warned))
	assert.Equal(t, []time.Duration{time.Hour}, dueWarnings(59*time.Minute, thresholds, warned))
	assert.Empty(t, dueWarnings(58*time.Minute, thresholds, warned))
	assert.Equal(t, []time.Duration{15 * time.Minute, 10 * time.Minute},
		dueWarnings(9*time.Minute, thresholds[1:], map[time.Duration]bool{30 * time.Minute: true}))
}

func TestWatchdogConfig_Defaults(t *testing.T) {
	cfg := WatchdogConfig{Thresholds: []time.Duration{time.Minute, time.Hour, 10 * time.Minute}}.withDefaults()
	assert.Equal(t, 5*time.Hour, cfg.MaxDuration)
	assert.Equal(t, 10*time.Second, cfg.Interval)
	assert.Equal(t, []time.Duration{time.Hour, 10 * time.Minute, time.Minute}, cfg.Thresholds)
}

// **Property 4: Every threshold warns exactly once**
// For any non-increasing sequence of remaining times that ends at zero,
// each threshold is reported exactly once and always after remaining
// first drops to it.
func TestProperty_WarningsFireOnce(t *testing.T) {
	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	thresholds := DefaultWatchdogConfig.withDefaults().Thresholds

	properties.Property("thresholds fire once", prop.ForAll(
		func(steps []int) bool {
			remaining := 2 * time.Hour
			warned := map[time.Duration]bool{}
			counts := map[time.Duration]int{}

			check := func(r time.Duration) bool {
				for _, th := range dueWarnings(r, thresholds, warned) {
					if r > th {
						return false
					}
					counts[th]++
				}
				return true
			}
			for _, s := range steps {
				remaining -= time.Duration(s) * time.Second
				if remaining < 0 {
					remaining = 0
				}
				if !check(remaining) {
					return false
				}
			}
			if !check(0) {
				return false
			}
			for _, th := range thresholds {
				if counts[th] != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 1200)),
	))

	properties.TestingRun(t)
}
