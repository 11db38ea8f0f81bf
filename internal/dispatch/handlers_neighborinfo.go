package dispatch

import (
	"context"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/store"
)

// handleNeighborInfo persists a NEIGHBORINFO_APP broadcast, one row per
// reported neighbor (port 71), and per spec.md §4.3.3 creates a placeholder
// node row at senderHopsAway+1 for any neighbor this bridge hasn't heard
// from directly yet, so the node table has a (rough) entry for every node
// the mesh topology implies exists even before it shows up in its own
// NodeInfo broadcast.
func (d *Dispatcher) handleNeighborInfo(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	info := &meshtastic.NeighborInfo{}
	if err := unmarshalInto(data.GetPayload(), info); err != nil {
		d.logger.Error("decoding neighborinfo packet", "from", pkt.GetFrom(), "err", err)
		return
	}

	sender, senderOk, err := d.store.GetNode(ctx, info.GetNodeId())
	if err != nil {
		d.logger.Error("looking up neighborinfo sender", "node", info.GetNodeId(), "err", err)
	}
	senderHopsAway := int32(0)
	if senderOk {
		senderHopsAway = sender.HopsAway
	}

	now := time.Now()
	for _, nb := range info.GetNeighbors() {
		if err := d.store.SaveNeighborInfo(ctx, store.NeighborInfo{
			NodeNum:     info.GetNodeId(),
			NeighborNum: nb.GetNodeId(),
			SNR:         nb.GetSnr(),
			UpdatedAt:   now,
		}); err != nil {
			d.logger.Error("saving neighbor info", "node", info.GetNodeId(), "neighbor", nb.GetNodeId(), "err", err)
		}

		if _, ok, err := d.store.GetNode(ctx, nb.GetNodeId()); err == nil && !ok {
			if err := d.store.UpsertNode(ctx, store.Node{
				Num:       nb.GetNodeId(),
				NodeID:    device.NodeID(nb.GetNodeId()),
				HopsAway:  senderHopsAway + 1,
				LastHeard: now,
			}); err != nil {
				d.logger.Error("creating placeholder neighbor node", "neighbor", nb.GetNodeId(), "err", err)
			}
		}
	}
}
