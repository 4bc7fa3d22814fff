package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRankPrefersHigherDecayedRate(t *testing.T) {
	table := New(DefaultConfig())

	for i := 0; i < 10; i++ {
		table.Record("shop.example.com", "static", true, 200*time.Millisecond)
		table.Record("shop.example.com", "stealth", i%2 == 0, 2*time.Second)
	}

	order := table.Rank("shop.example.com", []string{"stealth", "static"})
	require.Equal(t, []string{"static", "stealth"}, order)
}

func TestDecayedRateWeighsRecentOutcomes(t *testing.T) {
	table := New(Config{RecencyAlpha: 0.5})

	for i := 0; i < 10; i++ {
		table.Record("shop.example.com", "static", true, 0)
	}
	st, ok := table.StatFor("shop.example.com", "static")
	require.True(t, ok)
	require.InDelta(t, 1.0, st.DecayedRate, 1e-9)

	// A run of recent failures drags the rate down fast even against a long
	// success history.
	for i := 0; i < 4; i++ {
		table.Record("shop.example.com", "static", false, 0)
	}
	st, _ = table.StatFor("shop.example.com", "static")
	require.InDelta(t, 0.0625, st.DecayedRate, 1e-9)
	require.Equal(t, 14, st.Attempts)
	require.Equal(t, 10, st.Successes)
}

func TestUnseenRanksAboveFlooredStrategies(t *testing.T) {
	table := New(Config{RecencyAlpha: 0.5, ExplorationFloor: 0.1})

	// Drive one strategy well under the floor.
	for i := 0; i < 10; i++ {
		table.Record("shop.example.com", "static", false, 0)
	}
	st, _ := table.StatFor("shop.example.com", "static")
	require.Less(t, st.DecayedRate, 0.1)

	order := table.Rank("shop.example.com", []string{"static", "stealth"})
	require.Equal(t, []string{"stealth", "static"}, order,
		"a never-tried strategy outranks one that keeps failing")
}

func TestUnseenRanksBelowHealthyStrategies(t *testing.T) {
	table := New(DefaultConfig())

	table.Record("shop.example.com", "static", true, 0)
	order := table.Rank("shop.example.com", []string{"stealth", "static"})
	require.Equal(t, []string{"static", "stealth"}, order)
}

func TestRankBreaksTiesByLatency(t *testing.T) {
	table := New(DefaultConfig())

	table.Record("shop.example.com", "direct_api", true, 50*time.Millisecond)
	table.Record("shop.example.com", "static", true, 400*time.Millisecond)

	order := table.Rank("shop.example.com", []string{"static", "direct_api"})
	require.Equal(t, []string{"direct_api", "static"}, order)
}

func TestRankIsolatesDomains(t *testing.T) {
	table := New(DefaultConfig())

	table.Record("hostile.example.com", "static", false, 0)
	table.Record("hostile.example.com", "stealth", true, 0)
	table.Record("friendly.example.com", "static", true, 0)

	require.Equal(t, []string{"stealth", "static"},
		table.Rank("hostile.example.com", []string{"static", "stealth"}))
	require.Equal(t, []string{"static", "stealth"},
		table.Rank("friendly.example.com", []string{"static", "stealth"}))
}

func TestSeedWarmStartsRanking(t *testing.T) {
	table := New(DefaultConfig())

	table.Seed("shop.example.com", "stealth", 120, 110, 0.9, 2*time.Second)
	table.Seed("shop.example.com", "static", 200, 40, 0.2, 300*time.Millisecond)

	order := table.Rank("shop.example.com", []string{"static", "stealth", "direct_api"})
	require.Equal(t, "stealth", order[0])

	st, ok := table.StatFor("shop.example.com", "stealth")
	require.True(t, ok)
	require.Equal(t, 120, st.Attempts)
	require.Equal(t, 110, st.Successes)
}

func TestSeedIgnoresEmptyAggregates(t *testing.T) {
	table := New(DefaultConfig())
	table.Seed("shop.example.com", "static", 0, 0, 0, 0)

	_, ok := table.StatFor("shop.example.com", "static")
	require.False(t, ok)
}
