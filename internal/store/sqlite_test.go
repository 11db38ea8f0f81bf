package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestUpsertNodeInsertsThenUpdates(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	n := Node{Num: 1, NodeID: "!00000001", LongName: "Alpha", ShortName: "ALP", LastHeard: time.Now()}
	require.NoError(t, s.UpsertNode(ctx, n))

	got, ok, err := s.GetNode(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alpha", got.LongName)

	// Re-upsert with blank name must not clear the stored name.
	require.NoError(t, s.UpsertNode(ctx, Node{Num: 1, NodeID: "!00000001", RSSI: -70, LastHeard: time.Now()}))
	got, ok, err = s.GetNode(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Alpha", got.LongName)
	require.Equal(t, int32(-70), got.RSSI)
}

func TestUpsertNodeNeverClearsWelcomedAt(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	now := time.Now()
	require.NoError(t, s.UpsertNode(ctx, Node{Num: 1, NodeID: "!1", WelcomedAt: &now, LastHeard: now}))
	require.NoError(t, s.UpsertNode(ctx, Node{Num: 1, NodeID: "!1", LastHeard: now}))

	got, _, err := s.GetNode(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, got.WelcomedAt)
}

func TestUpsertNodeChannelIsSticky(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertNode(ctx, Node{Num: 1, NodeID: "!1", Channel: 2, LastHeard: time.Now()}))
	// A later update with no channel opinion must not reset it to 0.
	require.NoError(t, s.UpsertNode(ctx, Node{Num: 1, NodeID: "!1", LastHeard: time.Now()}))

	got, _, err := s.GetNode(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, int32(2), got.Channel)
}

func TestGetActiveNodesFiltersByAge(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertNode(ctx, Node{Num: 1, NodeID: "!1", LastHeard: time.Now()}))
	require.NoError(t, s.UpsertNode(ctx, Node{Num: 2, NodeID: "!2", LastHeard: time.Now().Add(-48 * time.Hour)}))

	active, err := s.GetActiveNodes(ctx, 24)
	require.NoError(t, err)
	require.Len(t, active, 1)
	require.Equal(t, uint32(1), active[0].Num)
}

func TestGetNodeNeedingTraceroutePrefersUnprobed(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertNode(ctx, Node{Num: 1, NodeID: "!1", LastHeard: time.Now()}))
	require.NoError(t, s.UpsertNode(ctx, Node{Num: 2, NodeID: "!2", LastHeard: time.Now()}))
	require.NoError(t, s.RecordTracerouteRequest(ctx, 1))

	n, ok, err := s.GetNodeNeedingTraceroute(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(2), n.Num)
}

func TestMessageDeliveryLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	msg := Message{Key: "1_100", RequestID: 100, FromNum: 1, ToNum: BroadcastNum, Text: "hi",
		DeliveryState: DeliveryPending, IsOutbound: true, Kind: "text", CreatedAt: time.Now()}
	require.NoError(t, s.InsertMessage(ctx, msg))

	got, ok, err := s.GetMessageByRequestID(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, DeliveryPending, got.DeliveryState)

	require.NoError(t, s.UpdateMessageDeliveryState(ctx, 100, DeliveryDelivered))
	got, _, err = s.GetMessageByRequestID(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, DeliveryDelivered, got.DeliveryState)

	require.NoError(t, s.MarkMessageAsRead(ctx, "1_100"))
}

func TestChannelUpsertRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.UpsertChannel(ctx, Channel{Index: 0, Name: "Primary", Role: "PRIMARY"}))
	c, ok, err := s.GetChannelByID(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "Primary", c.Name)
}

func TestTelemetryLatestByType(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertTelemetry(ctx, Telemetry{NodeNum: 1, Type: "battery", Value: 80, Timestamp: time.Now().Add(-time.Hour)}))
	require.NoError(t, s.InsertTelemetry(ctx, Telemetry{NodeNum: 1, Type: "battery", Value: 75, Timestamp: time.Now()}))

	latest, ok, err := s.GetLatestTelemetryForType(ctx, 1, "battery")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 75.0, latest.Value)
}

func TestRouteSegmentRecordHolderUpdate(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.InsertRouteSegment(ctx, RouteSegment{FromNum: 1, ToNum: 2, DistanceKm: 12.3}))
	require.NoError(t, s.UpdateRecordHolderSegment(ctx, 1, 2, true))
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	_, ok, err := s.GetSetting(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.SetSetting(ctx, "announce.interval_hours", "12"))
	v, ok, err := s.GetSetting(ctx, "announce.interval_hours")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "12", v)
}

func TestLogPacketAssignsID(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.LogPacket(ctx, PacketLogEntry{FromNum: 1, ToNum: BroadcastNum, PortNum: 1, Preview: "hi", Timestamp: time.Now()}))
}
