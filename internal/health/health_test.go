package health

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snowscope/internal/clock"
	"snowscope/internal/snowerr"
)

func healthyCheck(status Status, reason string) Check {
	return func(ctx context.Context) ComponentReport {
		return ComponentReport{Status: status, Reason: reason}
	}
}

func TestOverallIsMinimumOfComponents(t *testing.T) {
	m := NewMonitor()
	m.Register("profile", time.Minute, healthyCheck(StatusHealthy, ""))
	m.Register("connection", time.Minute, healthyCheck(StatusDegraded, "slow"))
	m.Register("resources", time.Minute, healthyCheck(StatusHealthy, ""))

	report := m.HealthCheck()
	assert.Equal(t, StatusDegraded, report.Overall)
	assert.Len(t, report.Components, 3)

	m2 := NewMonitor()
	m2.Register("profile", time.Minute, healthyCheck(StatusUnhealthy, "bad creds"))
	m2.Register("connection", time.Minute, healthyCheck(StatusDegraded, ""))
	assert.Equal(t, StatusUnhealthy, m2.HealthCheck().Overall)
}

func TestComponentCachedWithinTTL(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var calls atomic.Int32

	m := NewMonitor(WithClock(clk))
	m.Register("profile", 30*time.Second, func(ctx context.Context) ComponentReport {
		calls.Add(1)
		return ComponentReport{Status: StatusHealthy}
	})

	m.Component("profile")
	m.Component("profile")
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(31 * time.Second)
	m.Component("profile")
	assert.Equal(t, int32(2), calls.Load())
}

func TestSlowProbeReportsDegraded(t *testing.T) {
	m := NewMonitor(WithProbeTimeout(20 * time.Millisecond))
	release := make(chan struct{})
	m.Register("connection", time.Minute, func(ctx context.Context) ComponentReport {
		<-release
		return ComponentReport{Status: StatusHealthy}
	})

	report := m.Component("connection")
	assert.Equal(t, StatusDegraded, report.Status)
	assert.Equal(t, "probe_timeout", report.Reason)
	close(release)

	// The background probe eventually refreshes the cache.
	require.Eventually(t, func() bool {
		return m.Component("connection").Status == StatusHealthy
	}, time.Second, 10*time.Millisecond)
}

func TestUptimeThroughClock(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	m := NewMonitor(WithClock(clk))
	clk.Advance(90 * time.Second)
	assert.Equal(t, int64(90), m.HealthCheck().ServerUptimeS)
}

func TestResourceReadyWhenDependenciesHealthy(t *testing.T) {
	s := NewSupervisor()
	s.RegisterDependency("profile", func() (bool, string) { return true, "" })
	s.RegisterDependency("connection", func() (bool, string) { return true, "" })

	info, err := s.Status("catalog")
	require.NoError(t, err)
	assert.True(t, info.Available)
	assert.Equal(t, ResourceReady, info.Status)
	assert.True(t, info.DependenciesMet)
	assert.Empty(t, info.BlockingIssues)
}

func TestResourceBlockedByFailingDependency(t *testing.T) {
	s := NewSupervisor()
	s.RegisterDependency("profile", func() (bool, string) { return true, "" })
	s.RegisterDependency("connection", func() (bool, string) { return false, "network unreachable" })
	s.RegisterDependency("catalog", func() (bool, string) { return true, "" })

	info, err := s.Status("lineage")
	require.NoError(t, err)
	assert.False(t, info.Available)
	assert.Equal(t, ResourceUnavailable, info.Status)
	assert.Equal(t, []string{"connection"}, info.MissingDependencies)
	assert.Equal(t, []string{"network unreachable"}, info.BlockingIssues)
}

func TestLineageRequiresCatalog(t *testing.T) {
	s := NewSupervisor()
	s.RegisterDependency("profile", func() (bool, string) { return true, "" })
	s.RegisterDependency("connection", func() (bool, string) { return true, "" })
	s.RegisterDependency("catalog", func() (bool, string) { return false, "no catalog built" })

	err := s.Require("lineage")
	se := snowerr.As(err)
	require.NotNil(t, se)
	assert.Equal(t, snowerr.CategoryResource, se.Category)
	assert.Equal(t, snowerr.CodeResourceUnavailable, se.Code())
	assert.Equal(t, []string{"catalog"}, se.Data["missing_dependencies"])
}

func TestCortexGatedByFlag(t *testing.T) {
	s := NewSupervisor()
	s.RegisterDependency("profile", func() (bool, string) { return true, "" })
	s.RegisterDependency("connection", func() (bool, string) { return true, "" })
	s.RegisterDependency("cortex_enabled", func() (bool, string) { return false, "cortex search is disabled" })

	info, err := s.Status("cortex_search")
	require.NoError(t, err)
	assert.False(t, info.Available)
	assert.Contains(t, info.MissingDependencies, "cortex_enabled")
}

func TestUnregisteredDependencyIsInitializing(t *testing.T) {
	s := NewSupervisor()

	info, err := s.Status("catalog")
	require.NoError(t, err)
	assert.False(t, info.Available)
	assert.Equal(t, ResourceInitializing, info.Status)
}

func TestUnknownResourceIsInvalidArgs(t *testing.T) {
	s := NewSupervisor()
	_, err := s.Status("warp_drive")
	se := snowerr.As(err)
	require.NotNil(t, se)
	assert.Equal(t, snowerr.CategoryInvalidArgs, se.Category)
}

func TestResourceStatusCached(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	var calls atomic.Int32

	s := NewSupervisor(WithSupervisorClock(clk), WithResourceTTL(time.Minute))
	s.RegisterDependency("profile", func() (bool, string) { calls.Add(1); return true, "" })
	s.RegisterDependency("connection", func() (bool, string) { return true, "" })

	_, err := s.Status("catalog")
	require.NoError(t, err)
	_, err = s.Status("catalog")
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	clk.Advance(2 * time.Minute)
	_, err = s.Status("catalog")
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestAllStatuses(t *testing.T) {
	s := NewSupervisor()
	s.RegisterDependency("profile", func() (bool, string) { return true, "" })
	s.RegisterDependency("connection", func() (bool, string) { return true, "" })
	s.RegisterDependency("catalog", func() (bool, string) { return true, "" })
	s.RegisterDependency("cortex_enabled", func() (bool, string) { return false, "disabled" })

	all := s.AllStatuses()
	assert.Len(t, all, 4)
	assert.True(t, all["catalog"].Available)
	assert.True(t, all["lineage"].Available)
	assert.True(t, all["dependency_graph"].Available)
	assert.False(t, all["cortex_search"].Available)
}
