// Package outbound is the only path by which the core originates traffic
// toward the radio: plain text, traceroute probes, and the admin command
// surface (owner/config/channel/favorites), plus the delivery tracker that
// watches acks come back in.
package outbound

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"
	"google.golang.org/protobuf/proto"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/store"
	"github.com/meshbridge/meshd/internal/wire"
)

// Sender is the narrow transport dependency outbound needs: a place to hand
// an already-framed ToRadio payload. transport.Session satisfies this.
type Sender interface {
	Send(raw []byte) error
}

// AckTimeout is how long a request waits for any ack before the tracker
// marks it failed.
const AckTimeout = 30 * time.Second

// Commands is the outbound command surface bound to one session's sender,
// device model, and store.
type Commands struct {
	logger  *log.Logger
	sender  Sender
	model   *device.Model
	store   store.Store
	ids     *packetIDGenerator
	Tracker *Tracker

	passkeyMu      sync.Mutex
	passkey        sessionPasskey
	passkeyWaiters []chan []byte
}

// New builds a Commands bound to the given transport, device model, and
// store.
func New(sender Sender, model *device.Model, st store.Store) *Commands {
	return &Commands{
		logger:  log.With("component", "outbound"),
		sender:  sender,
		model:   model,
		store:   st,
		ids:     newPacketIDGenerator(),
		Tracker: NewTracker(st),
	}
}

func (c *Commands) sendToRadio(ctx context.Context, msg *meshtastic.ToRadio) error {
	raw, err := wire.EncodeToRadio(msg)
	if err != nil {
		return fmt.Errorf("encoding outbound message: %w", err)
	}
	if err := c.sender.Send(raw); err != nil {
		return fmt.Errorf("sending outbound message: %w", err)
	}
	return nil
}

func (c *Commands) sendPacket(ctx context.Context, pkt *meshtastic.MeshPacket) error {
	return c.sendToRadio(ctx, &meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_Packet{Packet: pkt},
	})
}

func (c *Commands) newPacket(to uint32, channel uint32, wantAck bool) (*meshtastic.MeshPacket, uint32) {
	id := c.ids.Next()
	return &meshtastic.MeshPacket{
		Id:      id,
		To:      to,
		Channel: channel,
		WantAck: wantAck,
		HopLimit: 3,
	}, id
}

// maxTextPayloadBytes is the largest TEXT_MESSAGE_APP payload one mesh
// packet carries; longer messages are split across packets.
const maxTextPayloadBytes = 200

// SendText sends a TEXT_MESSAGE_APP packet to the given destination
// (store.BroadcastNum for a channel broadcast) over the given channel index,
// recording an outbound Message row and starting delivery tracking.
func (c *Commands) SendText(ctx context.Context, to uint32, channel int32, text string) (requestID uint32, err error) {
	return c.SendTextReply(ctx, to, channel, text, 0, "")
}

// SendTextReply is SendText plus an optional replyId (0 for none) and emoji
// reaction string, per spec.md §4.13's sendText(text, channel, destination?,
// replyId?, emoji?) signature. Text longer than one packet's payload is
// split into multiple packets, each tracked as its own outbound record; the
// returned request id is the first fragment's, and only the first fragment
// carries the replyId thread.
func (c *Commands) SendTextReply(ctx context.Context, to uint32, channel int32, text string, replyID uint32, emoji string) (requestID uint32, err error) {
	fragments := splitText(text, maxTextPayloadBytes)
	var firstID uint32
	for i, frag := range fragments {
		fragReply := replyID
		if i > 0 {
			fragReply = 0
		}
		id, err := c.sendTextFragment(ctx, to, channel, frag, fragReply, emoji)
		if err != nil {
			return firstID, err
		}
		if i == 0 {
			firstID = id
		}
	}
	return firstID, nil
}

func (c *Commands) sendTextFragment(ctx context.Context, to uint32, channel int32, text string, replyID uint32, emoji string) (requestID uint32, err error) {
	pkt, id := c.newPacket(to, uint32(maxInt32(channel, 0)), true)
	data := &meshtastic.Data{
		Portnum: meshtastic.PortNum_TEXT_MESSAGE_APP,
		Payload: []byte(text),
	}
	if replyID != 0 {
		data.ReplyId = replyID
	}
	pkt.PayloadVariant = &meshtastic.MeshPacket_Decoded{Decoded: data}

	msg := store.Message{
		Key:           fmt.Sprintf("%d_%d", c.model.GetLocal().Num, id),
		RequestID:     id,
		FromNum:       c.model.GetLocal().Num,
		ToNum:         to,
		Channel:       channel,
		Text:          text,
		ReplyID:       replyID,
		Emoji:         emoji,
		WantAck:       true,
		DeliveryState: store.DeliveryPending,
		IsOutbound:    true,
		Kind:          "text",
		CreatedAt:     time.Now(),
	}
	if err := c.store.InsertMessage(ctx, msg); err != nil {
		return 0, fmt.Errorf("recording outbound text message: %w", err)
	}

	if err := c.sendPacket(ctx, pkt); err != nil {
		_ = c.store.UpdateMessageDeliveryState(ctx, id, store.DeliveryFailed)
		return 0, err
	}

	c.Tracker.Track(ctx, id, to, channel, AckTimeout)
	return id, nil
}

// SendTraceroute sends a TRACEROUTE_APP request toward target over the
// given channel index (0 is the default primary channel).
func (c *Commands) SendTraceroute(ctx context.Context, target uint32, channel uint32) (requestID uint32, err error) {
	payload, err := proto.Marshal(&meshtastic.RouteDiscovery{})
	if err != nil {
		return 0, fmt.Errorf("marshalling route discovery: %w", err)
	}
	pkt, id := c.newPacket(target, channel, true)
	pkt.PayloadVariant = &meshtastic.MeshPacket_Decoded{
		Decoded: &meshtastic.Data{
			Portnum:    meshtastic.PortNum_TRACEROUTE_APP,
			Payload:    payload,
			WantResponse: true,
		},
	}
	if err := c.sendPacket(ctx, pkt); err != nil {
		return 0, err
	}
	if err := c.store.RecordTracerouteRequest(ctx, target); err != nil {
		c.logger.Error("recording traceroute request", "target", target, "err", err)
	}
	c.Tracker.Track(ctx, id, target, -1, AckTimeout)
	return id, nil
}

// SendRawBytes passes an already-framed opaque ToRadio payload straight to
// the transport, bypassing encode entirely. This is the surface named in
// spec.md §4.13/§6: the virtual-node server uses it to forward frames a
// mobile client originated, verbatim, onto the same radio session.
func (c *Commands) SendRawBytes(ctx context.Context, raw []byte) error {
	return c.sender.Send(raw)
}

// splitText breaks text into fragments of at most limit bytes, never
// splitting inside a UTF-8 sequence and preferring to break at the last
// space inside the window when one exists.
func splitText(text string, limit int) []string {
	if len(text) <= limit {
		return []string{text}
	}
	var out []string
	for len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		if sp := strings.LastIndexByte(text[:cut], ' '); sp > 0 {
			cut = sp + 1
		}
		if cut == 0 {
			cut = limit
		}
		out = append(out, strings.TrimRight(text[:cut], " "))
		text = text[cut:]
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func maxInt32(v, floor int32) int32 {
	if v < floor {
		return floor
	}
	return v
}
