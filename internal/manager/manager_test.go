package manager

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/meshd/internal/config"
	"github.com/meshbridge/meshd/internal/metrics"
	"github.com/meshbridge/meshd/internal/schedule"
)

func TestNewBuildsAllSubsystems(t *testing.T) {
	cfg := config.Defaults()
	cfg.DatabasePath = ":memory:"

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	m, err := New(cfg, reg)
	require.NoError(t, err)
	require.NotNil(t, m.session)
	require.NotNil(t, m.dispatcher)
	require.NotNil(t, m.cmds)

	require.NoError(t, m.store.Close())
}

func TestConfigureTracerouteRejectsOutOfRangeInterval(t *testing.T) {
	cfg := config.Defaults()
	cfg.DatabasePath = ":memory:"
	m, err := New(cfg, metrics.NewRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer m.store.Close()

	before := m.tracerouteSched
	require.Error(t, m.ConfigureTraceroute(61))
	require.Same(t, before, m.tracerouteSched, "rejected config must leave the scheduler untouched")

	require.NoError(t, m.ConfigureTraceroute(0))
	require.NotSame(t, before, m.tracerouteSched)
}

func TestConfigureAnnouncementsRejectsInvalidAndDisables(t *testing.T) {
	cfg := config.Defaults()
	cfg.DatabasePath = ":memory:"
	m, err := New(cfg, metrics.NewRegistry(prometheus.NewRegistry()))
	require.NoError(t, err)
	defer m.store.Close()

	require.Error(t, m.ConfigureAnnouncements(true, schedule.AnnouncementConfig{CronExpr: "bogus"}))

	require.NoError(t, m.ConfigureAnnouncements(false, schedule.AnnouncementConfig{}))
	require.Nil(t, m.announceSched)

	require.NoError(t, m.ConfigureAnnouncements(true, schedule.AnnouncementConfig{
		IntervalHours: 6,
		MessageFunc:   func() string { return "mesh is up" },
	}))
	require.NotNil(t, m.announceSched)
}

func TestParseNodeIDRoundTrips(t *testing.T) {
	num, err := parseNodeID("!0011aabb")
	require.NoError(t, err)
	require.Equal(t, uint32(0x0011aabb), num)

	_, err = parseNodeID("not-a-node-id")
	require.Error(t, err)
}
