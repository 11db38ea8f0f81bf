package schedule

import (
	"context"
	"fmt"
	"testing"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/store"
)

type fakeSender struct{ count int }

func (f *fakeSender) Send(raw []byte) error { f.count++; return nil }

func newTestCommands(t *testing.T) (*outbound.Commands, store.Store, *fakeSender) {
	t.Helper()
	st, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := device.NewModel(nil)
	m.ProcessMyNodeInfo(&meshtastic.MyNodeInfo{MyNodeNum: 1})
	sender := &fakeSender{}
	return outbound.New(sender, m, st), st, sender
}

func TestTracerouteSchedulerProbesLeastRecentNode(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newTestCommands(t)

	require.NoError(t, st.UpsertNode(ctx, store.Node{Num: 2, NodeID: "!2", LastHeard: time.Now()}))

	s := NewTracerouteScheduler(st, cmds, time.Hour)
	s.tick(ctx)

	require.Equal(t, 1, sender.count)
}

func TestTracerouteSchedulerZeroIntervalNeverFires(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	cmds, st, _ := newTestCommands(t)

	s := NewTracerouteScheduler(st, cmds, 0)
	err := s.Run(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTracerouteSchedulerSkipsTickWhenNotReady(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newTestCommands(t)
	require.NoError(t, st.UpsertNode(ctx, store.Node{Num: 2, NodeID: "!2", LastHeard: time.Now()}))

	s := NewTracerouteScheduler(st, cmds, time.Hour)
	ready := false
	s.Ready = func() bool { return ready }

	s.tick(ctx)
	require.Equal(t, 0, sender.count, "must not probe while disconnected")

	ready = true
	s.tick(ctx)
	require.Equal(t, 1, sender.count)
}

func TestAnnouncementSchedulerRejectsOutOfRangeIntervalHours(t *testing.T) {
	cmds, st, _ := newTestCommands(t)

	_, err := NewAnnouncementScheduler(st, cmds, AnnouncementConfig{IntervalHours: 1})
	require.Error(t, err)

	_, err = NewAnnouncementScheduler(st, cmds, AnnouncementConfig{IntervalHours: 100})
	require.Error(t, err)

	s, err := NewAnnouncementScheduler(st, cmds, AnnouncementConfig{IntervalHours: 12})
	require.NoError(t, err)
	require.Equal(t, 12, s.cfg.IntervalHours)
}

func TestAnnouncementSchedulerRejectsBadCron(t *testing.T) {
	cmds, st, _ := newTestCommands(t)
	_, err := NewAnnouncementScheduler(st, cmds, AnnouncementConfig{CronExpr: "not a cron expr"})
	require.Error(t, err)
}

func TestAnnouncementSchedulerSkipsWithinCooldown(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newTestCommands(t)

	s, err := NewAnnouncementScheduler(st, cmds, AnnouncementConfig{
		IntervalHours: MinAnnounceIntervalHours,
		MessageFunc:   func() string { return "hello mesh" },
	})
	require.NoError(t, err)

	s.fire(ctx)
	require.Equal(t, 1, sender.count)

	s.fire(ctx) // immediately again, should be suppressed by cooldown
	require.Equal(t, 1, sender.count)
}

func TestTracerouteSchedulerOnTickFiresEveryInterval(t *testing.T) {
	ctx := context.Background()
	cmds, st, _ := newTestCommands(t)
	require.NoError(t, st.UpsertNode(ctx, store.Node{Num: 2, NodeID: "!2", LastHeard: time.Now()}))

	s := NewTracerouteScheduler(st, cmds, time.Hour)
	ticks := 0
	s.OnTick = func() { ticks++ }

	s.tick(ctx)
	s.tick(ctx)
	require.Equal(t, 2, ticks)
}

func TestAnnouncementSchedulerOnStartRespectsOneHourAntiSpam(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newTestCommands(t)

	s, err := NewAnnouncementScheduler(st, cmds, AnnouncementConfig{
		IntervalHours: MinAnnounceIntervalHours,
		OnStart:       true,
		MessageFunc:   func() string { return "hello mesh" },
	})
	require.NoError(t, err)

	// External callers address this state by its settings key.
	recent := time.Now().Add(-30 * time.Minute).Unix()
	require.NoError(t, st.SetSetting(ctx, "lastAnnouncementTime", fmt.Sprintf("%d", recent)))
	s.maybeFireOnStart(ctx)
	require.Equal(t, 0, sender.count, "last announcement 30m ago must suppress on-start send")

	old := time.Now().Add(-2 * time.Hour).Unix()
	require.NoError(t, st.SetSetting(ctx, "lastAnnouncementTime", fmt.Sprintf("%d", old)))
	s.maybeFireOnStart(ctx)
	require.Equal(t, 1, sender.count, "last announcement 2h ago must allow an on-start send")
}
