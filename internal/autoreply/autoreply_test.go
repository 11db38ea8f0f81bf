package autoreply

import (
	"context"
	"testing"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/stretchr/testify/require"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/store"
)

type fakeSender struct {
	sent []string
}

func (f *fakeSender) Send(raw []byte) error { f.sent = append(f.sent, string(raw)); return nil }

func newHarness(t *testing.T) (*outbound.Commands, store.Store, *fakeSender) {
	t.Helper()
	st, err := store.OpenSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	m := device.NewModel(nil)
	m.ProcessMyNodeInfo(&meshtastic.MyNodeInfo{MyNodeNum: 1})
	sender := &fakeSender{}
	return outbound.New(sender, m, st), st, sender
}

func TestExpandRendersAllTokens(t *testing.T) {
	cmds, st, _ := newHarness(t)
	_ = cmds
	exp := NewExpander(device.NewModel(nil), st, "1.2.3", []string{"mqtt", "traceroute"}, time.Now().Add(-90*time.Minute))

	node := store.Node{NodeID: "!1", LongName: "Alpha", ShortName: "ALP"}
	out := exp.Expand(context.Background(), "v{VERSION} up {DURATION} feats={FEATURES} id={NODE_ID} hops={NUMBER_HOPS}/{RABBIT_HOPS}",
		node, HopContext{HopStart: 5, HopLimit: 2})

	require.Contains(t, out, "v1.2.3")
	require.Contains(t, out, "1h 30m")
	require.Contains(t, out, "mqtt, traceroute")
	require.Contains(t, out, "id=!1")
	require.Contains(t, out, "hops=3/\U0001F407\U0001F407\U0001F407")
}

func TestFormatDurationAllBands(t *testing.T) {
	require.Equal(t, "45s", formatDuration(45*time.Second))
	require.Equal(t, "5m", formatDuration(5*time.Minute+20*time.Second))
	require.Equal(t, "2h 5m", formatDuration(2*time.Hour+5*time.Minute))
	require.Equal(t, "1d 3h", formatDuration(27*time.Hour))
}

func TestRabbitHopsIsTargetOnDirectHop(t *testing.T) {
	require.Equal(t, "\U0001F3AF", rabbitHops(HopContext{HopStart: 3, HopLimit: 3}))
	require.Equal(t, "\U0001F407\U0001F407", rabbitHops(HopContext{HopStart: 3, HopLimit: 1}))
}

func TestAutoAckFirstMatchingRuleWins(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	engine := NewAutoAckEngine(cmds, st, exp, []Rule{
		{Pattern: `(?i)ping`, Reply: "pong", AllowDirectMsg: true},
		{Pattern: `.*`, Reply: "catch-all", AllowDirectMsg: true},
	})

	engine.HandleText(ctx, store.Node{Num: 7, NodeID: "!7"}, store.DMChannel, "ping please", 1, HopContext{})
	require.Len(t, sender.sent, 1)
}

func TestAutoAckRespectsChannelGating(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	engine := NewAutoAckEngine(cmds, st, exp, []Rule{
		{Pattern: `ping`, Reply: "pong", AllowChannels: []int32{1}},
	})

	engine.HandleText(ctx, store.Node{Num: 7, NodeID: "!7"}, 0, "ping", 1, HopContext{})
	require.Empty(t, sender.sent)

	engine.HandleText(ctx, store.Node{Num: 7, NodeID: "!7"}, 1, "ping", 1, HopContext{})
	require.Len(t, sender.sent, 1)
}

func TestAutoAckMarksTriggeringMessageRead(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	require.NoError(t, st.InsertMessage(ctx, store.Message{
		Key: "7_5", FromNum: 7, ToNum: 1, Channel: store.DMChannel,
		Text: "ping", Kind: "text", CreatedAt: time.Now(),
	}))

	engine := NewAutoAckEngine(cmds, st, exp, []Rule{
		{Pattern: `ping`, Reply: "pong", AllowDirectMsg: true},
	})
	engine.HandleText(ctx, store.Node{Num: 7, NodeID: "!7"}, store.DMChannel, "ping", 5, HopContext{})
	require.Len(t, sender.sent, 1)

	msg, ok, err := st.GetMessageByRequestID(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, msg.ReadAt, "the auto-ack reply doubles as a read receipt")
}

func TestAutoAckDropsInvalidRegex(t *testing.T) {
	cmds, st, _ := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	engine := NewAutoAckEngine(cmds, st, exp, []Rule{{Pattern: `(`, Reply: "never"}})
	require.Empty(t, engine.rules)
}

func TestAutoWelcomeSendsOnlyOnce(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	engine := NewAutoWelcomeEngine(st, cmds, exp, "welcome {NODE_ID}")

	node := store.Node{Num: 9, NodeID: "!9"}
	require.NoError(t, st.UpsertNode(ctx, node))

	engine.Consider(ctx, node)
	require.Len(t, sender.sent, 1)

	got, ok, err := st.GetNode(ctx, 9)
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, got.WelcomedAt)

	engine.Consider(ctx, got)
	require.Len(t, sender.sent, 1, "already-welcomed node must not be welcomed again")
}

func TestAutoWelcomeSendsToConfiguredChannelTarget(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	engine := NewAutoWelcomeEngine(st, cmds, exp, "welcome {NODE_ID}")
	engine.Target = "2"

	node := store.Node{Num: 9, NodeID: "!9"}
	require.NoError(t, st.UpsertNode(ctx, node))

	engine.Consider(ctx, node)
	require.Len(t, sender.sent, 1)

	msg, ok, err := st.GetMessageByRequestID(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, store.BroadcastNum, msg.ToNum)
	require.Equal(t, int32(2), msg.Channel)
}

func TestAutoWelcomeDefaultTargetIsDirectMessage(t *testing.T) {
	ctx := context.Background()
	cmds, st, _ := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	engine := NewAutoWelcomeEngine(st, cmds, exp, "welcome {NODE_ID}")

	node := store.Node{Num: 9, NodeID: "!9"}
	require.NoError(t, st.UpsertNode(ctx, node))
	engine.Consider(ctx, node)

	msg, ok, err := st.GetMessageByRequestID(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint32(9), msg.ToNum)
	require.Equal(t, store.DMChannel, msg.Channel)
}

func TestAutoWelcomeWaitsForNameWhenConfigured(t *testing.T) {
	ctx := context.Background()
	cmds, st, sender := newHarness(t)
	exp := NewExpander(device.NewModel(nil), st, "1.0", nil, time.Now())

	engine := NewAutoWelcomeEngine(st, cmds, exp, "welcome {NODE_ID}")
	engine.WaitForName = true

	nameless := store.Node{Num: 9, NodeID: "!9"}
	require.NoError(t, st.UpsertNode(ctx, nameless))
	engine.Consider(ctx, nameless)
	require.Empty(t, sender.sent, "must not welcome before a long/short name is known")

	named := store.Node{Num: 9, NodeID: "!9", LongName: "Alpha", ShortName: "ALP"}
	require.NoError(t, st.UpsertNode(ctx, named))
	engine.Consider(ctx, named)
	require.Len(t, sender.sent, 1)
}
