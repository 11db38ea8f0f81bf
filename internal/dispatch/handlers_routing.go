package dispatch

import (
	"context"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

// handleRouting applies a ROUTING_APP packet — an ack or a nak — to the
// delivery tracker. request_id correlates the ack back
// to the outbound send that caused it; a zero request id means the radio
// is reporting routing for a packet this bridge never originated, which is
// ignored.
func (d *Dispatcher) handleRouting(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	requestID := data.GetRequestId()
	if requestID == 0 {
		return
	}

	route := &meshtastic.Routing{}
	if err := unmarshalInto(data.GetPayload(), route); err != nil {
		d.logger.Error("decoding routing packet", "err", err)
		return
	}

	isSelf := pkt.GetFrom() == d.model.GetLocal().Num
	failed := route.GetErrorReason() != meshtastic.Routing_NONE
	if failed {
		d.logger.Warn("routing error",
			"request_id", requestID,
			"from", pkt.GetFrom(),
			"reason", routingErrorKind(route.GetErrorReason()))
	}

	d.cmds.Tracker.HandleAck(ctx, requestID, pkt.GetFrom(), isSelf, failed)
}

// routingErrorKind names a Routing.Error value for logs and callers. The
// protobuf enum already carries the canonical names (NO_ROUTE, GOT_NAK,
// TIMEOUT, MAX_RETRANSMIT, ...); anything the firmware adds later falls
// back to the enum's numeric rendering.
func routingErrorKind(e meshtastic.Routing_Error) string {
	return e.String()
}
