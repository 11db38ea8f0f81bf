package dispatch

import (
	"context"
	"fmt"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshbridge/meshd/internal/store"
)

// handleText records an inbound TEXT_MESSAGE_APP packet. Auto-ack is
// decided one layer up: internal/manager re-decodes the same frame after
// dispatch and hands its text, with the sender's node row, to
// internal/autoreply.
func (d *Dispatcher) handleText(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	channel := int32(pkt.GetChannel())
	if pkt.GetTo() != store.BroadcastNum {
		channel = store.DMChannel
	}

	msg := store.Message{
		Key:        fmt.Sprintf("%d_%d", pkt.GetFrom(), pkt.GetId()),
		FromNum:    pkt.GetFrom(),
		ToNum:      pkt.GetTo(),
		Channel:    channel,
		Text:       string(data.GetPayload()),
		HopStart:   uint32(pkt.GetHopStart()),
		HopLimit:   uint32(pkt.GetHopLimit()),
		IsOutbound: false,
		Kind:       "text",
		CreatedAt:  time.Now(),
	}
	if replyID := data.GetReplyId(); replyID != 0 {
		msg.ReplyID = replyID
	}
	if emoji := data.GetEmoji(); emoji != 0 {
		msg.Emoji = fmt.Sprintf("%d", emoji)
	}

	target := pkt.GetTo()
	if target == store.BroadcastNum {
		if err := d.store.UpsertNode(ctx, store.Node{Num: store.BroadcastNum, NodeID: "^all", LongName: "Broadcast"}); err != nil {
			d.logger.Error("ensuring broadcast node row", "err", err)
		}
	} else if _, ok, err := d.store.GetNode(ctx, target); err == nil && !ok {
		if err := d.store.UpsertNode(ctx, store.Node{Num: target, NodeID: fmt.Sprintf("!%08x", target)}); err != nil {
			d.logger.Error("ensuring target node row", "num", target, "err", err)
		}
	}
	if err := d.store.InsertMessage(ctx, msg); err != nil {
		d.logger.Error("recording inbound text message", "from", pkt.GetFrom(), "err", err)
	}
}
