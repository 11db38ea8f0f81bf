package outbound

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent [][]byte
}

func (f *fakeSender) Send(raw []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, raw)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func newTestCommands(t *testing.T) (*Commands, *fakeSender, store.Store) {
	t.Helper()
	st, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := device.NewModel(nil)
	m.ProcessMyNodeInfo(&meshtastic.MyNodeInfo{MyNodeNum: 1})

	sender := &fakeSender{}
	return New(sender, m, st), sender, st
}

func TestSendTextRecordsPendingMessage(t *testing.T) {
	ctx := context.Background()
	cmds, sender, st := newTestCommands(t)

	id, err := cmds.SendText(ctx, store.BroadcastNum, 0, "hello mesh")
	require.NoError(t, err)
	require.Equal(t, 1, sender.count())

	msg, ok, err := st.GetMessageByRequestID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.DeliveryPending, msg.DeliveryState)
	require.Equal(t, "hello mesh", msg.Text)
}

func TestSendTextSplitsLongMessages(t *testing.T) {
	ctx := context.Background()
	cmds, sender, st := newTestCommands(t)

	long := strings.Repeat("the quick brown fox jumps over the lazy dog ", 12) // ~528 bytes
	id, err := cmds.SendText(ctx, 42, -1, long)
	require.NoError(t, err)
	require.Equal(t, 3, sender.count())

	msg, ok, err := st.GetMessageByRequestID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.LessOrEqual(t, len(msg.Text), maxTextPayloadBytes)
}

func TestSplitTextNeverBreaksUTF8OrExceedsLimit(t *testing.T) {
	short := splitText("hello", 200)
	require.Equal(t, []string{"hello"}, short)

	long := strings.Repeat("héllo wörld ", 40)
	frags := splitText(long, 200)
	require.Greater(t, len(frags), 1)
	var rejoined strings.Builder
	for _, f := range frags {
		require.LessOrEqual(t, len(f), 200)
		require.True(t, utf8.ValidString(f))
		rejoined.WriteString(f)
		rejoined.WriteString(" ")
	}
	require.Equal(t, strings.Fields(long), strings.Fields(rejoined.String()))
}

func TestTrackerConfirmsDirectMessageOnTargetAck(t *testing.T) {
	ctx := context.Background()
	cmds, _, st := newTestCommands(t)

	id, err := cmds.SendText(ctx, 42, -1, "hi")
	require.NoError(t, err)

	cmds.Tracker.HandleAck(ctx, id, 42, false, false)

	msg, ok, err := st.GetMessageByRequestID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.DeliveryConfirmed, msg.DeliveryState)
}

func TestTrackerDeliversBroadcastOnSelfAck(t *testing.T) {
	ctx := context.Background()
	cmds, _, st := newTestCommands(t)

	id, err := cmds.SendText(ctx, store.BroadcastNum, 0, "hi all")
	require.NoError(t, err)

	cmds.Tracker.HandleAck(ctx, id, 1, true, false)

	msg, ok, err := st.GetMessageByRequestID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.DeliveryDelivered, msg.DeliveryState)
}

func TestTrackerNeverDowngradesTerminalState(t *testing.T) {
	ctx := context.Background()
	cmds, _, st := newTestCommands(t)

	id, err := cmds.SendText(ctx, 42, -1, "hi")
	require.NoError(t, err)

	cmds.Tracker.HandleAck(ctx, id, 42, false, false) // -> confirmed
	cmds.Tracker.HandleAck(ctx, id, 1, true, false)   // self ack arriving late must not downgrade

	msg, ok, err := st.GetMessageByRequestID(ctx, id)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.DeliveryConfirmed, msg.DeliveryState)
}

func TestTrackerMarksFailedOnTimeout(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := NewTracker(st)
	require.NoError(t, st.InsertMessage(ctx, store.Message{
		Key: "1_7", RequestID: 7, FromNum: 1, ToNum: 2, DeliveryState: store.DeliveryPending,
		IsOutbound: true, Kind: "text", CreatedAt: time.Now(),
	}))

	tr.Track(ctx, 7, 2, -1, 10*time.Millisecond)
	time.Sleep(50 * time.Millisecond)

	msg, ok, err := st.GetMessageByRequestID(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.DeliveryFailed, msg.DeliveryState)
}

func TestTrackerTimeoutSkipsDeliveredDirectMessage(t *testing.T) {
	ctx := context.Background()
	st, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	tr := NewTracker(st)
	require.NoError(t, st.InsertMessage(ctx, store.Message{
		Key: "1_7", RequestID: 7, FromNum: 1, ToNum: 2, DeliveryState: store.DeliveryPending,
		IsOutbound: true, Kind: "text", CreatedAt: time.Now(),
	}))

	tr.Track(ctx, 7, 2, -1, 20*time.Millisecond)
	tr.HandleAck(ctx, 7, 1, true, false) // self ack: delivered, still awaiting confirmation
	time.Sleep(80 * time.Millisecond)

	msg, ok, err := st.GetMessageByRequestID(ctx, 7)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.DeliveryDelivered, msg.DeliveryState,
		"ack timeout must not regress a delivered message to failed")
}

func TestTrackerOnTransitionFiresForEveryStateChange(t *testing.T) {
	ctx := context.Background()
	cmds, _, _ := newTestCommands(t)

	var seen []store.DeliveryState
	cmds.Tracker.OnTransition = func(s store.DeliveryState) { seen = append(seen, s) }

	id, err := cmds.SendText(ctx, 42, -1, "hi")
	require.NoError(t, err)

	cmds.Tracker.HandleAck(ctx, id, 42, false, false) // -> confirmed
	require.Equal(t, []store.DeliveryState{store.DeliveryConfirmed}, seen)
}

func TestFavoriteNodeRejectedOnOldFirmware(t *testing.T) {
	ctx := context.Background()
	cmds, _, _ := newTestCommands(t)

	err := cmds.FavoriteNode(ctx, 99)
	require.ErrorIs(t, err, device.ErrFirmwareNotSupported)
}

func TestFavoriteNodeAllowedOnSupportingFirmware(t *testing.T) {
	ctx := context.Background()
	cmds, sender, _ := newTestCommands(t)
	cmds.model.ProcessDeviceMetadata(&meshtastic.DeviceMetadata{FirmwareVersion: "2.7.0"})

	require.NoError(t, cmds.FavoriteNode(ctx, 99))
	require.Equal(t, 1, sender.count())
}
