package dispatch

import (
	"context"
	"encoding/base64"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
)

// handleAdmin processes an inbound ADMIN_APP packet — almost always a
// response to something internal/outbound asked for: a session key handoff
// for PKI-admin, or an explicitly requested Config/ModuleConfig section.
// Unsolicited admin pushes are logged and otherwise ignored; the radio
// never originates admin traffic on its own.
func (d *Dispatcher) handleAdmin(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	admin := &meshtastic.AdminMessage{}
	if err := unmarshalInto(data.GetPayload(), admin); err != nil {
		d.logger.Error("decoding admin packet", "from", pkt.GetFrom(), "err", err)
		return
	}

	if key := admin.GetSessionPasskey(); len(key) > 0 {
		d.logger.Debug("received session key", "key", base64.StdEncoding.EncodeToString(key))
		d.cmds.ReceiveSessionPasskey(key)
	}

	switch v := admin.GetPayloadVariant().(type) {
	case *meshtastic.AdminMessage_GetConfigResponse:
		d.model.ProcessConfig(v.GetConfigResponse)
	case *meshtastic.AdminMessage_GetModuleConfigResponse:
		d.model.ProcessModuleConfig(v.GetModuleConfigResponse)
	default:
		d.logger.Debug("ignoring admin message variant", "from", pkt.GetFrom())
	}
}
