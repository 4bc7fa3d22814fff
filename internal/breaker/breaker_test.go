package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dealhound/fetchengine/internal/fetch"
)

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time { return c.now }

func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestRegistry(cfg Config) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	return New(cfg, clock, nil), clock
}

// allow discards the probe release, modeling a request whose outcome will
// reach Observe.
func allow(reg *Registry, domain string) error {
	_, err := reg.Allow(domain)
	return err
}

func tripCircuit(t *testing.T, reg *Registry, domain string, threshold int) {
	t.Helper()
	for i := 0; i <= threshold; i++ {
		reg.Observe(domain, fetch.ClassRetryable)
	}
	require.Equal(t, StateOpen, reg.StateOf(domain))
}

func TestCircuitOpensPastThreshold(t *testing.T) {
	reg, _ := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})

	for i := 0; i < 3; i++ {
		reg.Observe("shop.example.com", fetch.ClassRetryable)
		require.NoError(t, allow(reg, "shop.example.com"))
	}
	reg.Observe("shop.example.com", fetch.ClassRetryable)
	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen)
}

func TestOpenCircuitRejectsUntilCooldown(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})
	tripCircuit(t, reg, "shop.example.com", 3)

	clock.Advance(29 * time.Second)
	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, allow(reg, "shop.example.com"), "cooldown elapsed, probe admitted")
}

func TestHalfOpenAdmitsSingleProbe(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})
	tripCircuit(t, reg, "shop.example.com", 3)

	clock.Advance(30 * time.Second)
	require.NoError(t, allow(reg, "shop.example.com"))
	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen,
		"only one probe in flight while half-open")
}

func TestProbeSuccessClosesAndResetsCooldown(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second, CooldownGrowth: 2})
	tripCircuit(t, reg, "shop.example.com", 3)

	clock.Advance(30 * time.Second)
	require.NoError(t, allow(reg, "shop.example.com"))
	reg.Observe("shop.example.com", fetch.ClassSuccess)
	require.Equal(t, StateClosed, reg.StateOf("shop.example.com"))

	// A fresh trip starts back at the base cooldown.
	tripCircuit(t, reg, "shop.example.com", 3)
	clock.Advance(30 * time.Second)
	require.NoError(t, allow(reg, "shop.example.com"))
}

func TestProbeFailureReopensWithGrownCooldown(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second, CooldownGrowth: 2, CooldownMax: 10 * time.Minute})
	tripCircuit(t, reg, "shop.example.com", 3)

	clock.Advance(30 * time.Second)
	require.NoError(t, allow(reg, "shop.example.com"))
	reg.Observe("shop.example.com", fetch.ClassBlockDetected)
	require.Equal(t, StateOpen, reg.StateOf("shop.example.com"))

	clock.Advance(30 * time.Second)
	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen,
		"reopened cooldown doubled to 60s")
	clock.Advance(30 * time.Second)
	require.NoError(t, allow(reg, "shop.example.com"))
}

func TestCooldownGrowthCaps(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second, CooldownGrowth: 2, CooldownMax: time.Minute})
	tripCircuit(t, reg, "shop.example.com", 1)

	// Fail three probes in a row; cooldown would be 240s uncapped.
	for i := 0; i < 3; i++ {
		clock.Advance(time.Minute)
		require.NoError(t, allow(reg, "shop.example.com"))
		reg.Observe("shop.example.com", fetch.ClassRetryable)
	}
	clock.Advance(time.Minute)
	require.NoError(t, allow(reg, "shop.example.com"), "cooldown capped at one minute")
}

func TestFailuresOutsideWindowForgotten(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})

	for i := 0; i < 3; i++ {
		reg.Observe("shop.example.com", fetch.ClassRetryable)
	}
	clock.Advance(2 * time.Minute)
	reg.Observe("shop.example.com", fetch.ClassRetryable)
	require.NoError(t, allow(reg, "shop.example.com"),
		"stale failures must not count toward the threshold")
}

func TestFatalOutcomesIgnored(t *testing.T) {
	reg, _ := newTestRegistry(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second})

	for i := 0; i < 10; i++ {
		reg.Observe("shop.example.com", fetch.ClassFatal)
	}
	require.Equal(t, StateClosed, reg.StateOf("shop.example.com"))
	require.NoError(t, allow(reg, "shop.example.com"))
}

func TestDomainsIsolated(t *testing.T) {
	reg, _ := newTestRegistry(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second})
	tripCircuit(t, reg, "blocked.example.com", 1)

	require.NoError(t, allow(reg, "healthy.example.com"))
	require.Equal(t, StateClosed, reg.StateOf("healthy.example.com"))
}

func TestAbortedProbeReturnsSlot(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})
	tripCircuit(t, reg, "shop.example.com", 3)

	// Probe admitted, but the request dies before any outcome is observed
	// (empty proxy pool, canceled context). Releasing must free the slot.
	clock.Advance(30 * time.Second)
	release, err := reg.Allow("shop.example.com")
	require.NoError(t, err)
	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen)
	release()

	release2, err := reg.Allow("shop.example.com")
	require.NoError(t, err, "next request takes over the probe")
	release2()
	require.Equal(t, StateHalfOpen, reg.StateOf("shop.example.com"))
}

func TestReleaseAfterObservedProbeIsNoop(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second, CooldownGrowth: 2})
	tripCircuit(t, reg, "shop.example.com", 3)

	clock.Advance(30 * time.Second)
	release, err := reg.Allow("shop.example.com")
	require.NoError(t, err)
	reg.Observe("shop.example.com", fetch.ClassBlockDetected)
	require.Equal(t, StateOpen, reg.StateOf("shop.example.com"))

	// The deferred release fires after the failed probe reopened the
	// circuit; it must not disturb the new Open state or its cooldown.
	release()
	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen)
	clock.Advance(time.Minute)
	require.NoError(t, allow(reg, "shop.example.com"))
}

func TestStaleReleaseCannotFreeNewerProbe(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})
	tripCircuit(t, reg, "shop.example.com", 3)

	clock.Advance(30 * time.Second)
	first, err := reg.Allow("shop.example.com")
	require.NoError(t, err)
	first()

	_, err = reg.Allow("shop.example.com")
	require.NoError(t, err)
	first()
	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen,
		"replaying an old release must not free the in-flight probe")
}

func TestFatalProbeOutcomeStillFreesSlot(t *testing.T) {
	reg, clock := newTestRegistry(Config{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second})
	tripCircuit(t, reg, "shop.example.com", 3)

	// Observe ignores Fatal, so only the release returns the slot.
	clock.Advance(30 * time.Second)
	release, err := reg.Allow("shop.example.com")
	require.NoError(t, err)
	reg.Observe("shop.example.com", fetch.ClassFatal)
	release()

	require.NoError(t, allow(reg, "shop.example.com"))
}

func TestDomainCaseInsensitive(t *testing.T) {
	reg, _ := newTestRegistry(Config{FailureThreshold: 1, Window: time.Minute, Cooldown: 30 * time.Second})
	tripCircuit(t, reg, "Shop.Example.com", 1)

	require.ErrorIs(t, allow(reg, "shop.example.com"), fetch.ErrCircuitOpen)
}
