package dispatch

import (
	"context"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshbridge/meshd/internal/device"
	radio "github.com/meshbridge/meshd/internal/radioutil"
	"github.com/meshbridge/meshd/internal/store"
)

// handleNodeInfo processes a FromRadio.node_info frame: one row of the
// initial node database replay, or an unsolicited update for a node already
// known.
func (d *Dispatcher) handleNodeInfo(ctx context.Context, info *meshtastic.NodeInfo) {
	if info == nil {
		return
	}
	num := info.GetNum()
	id := device.NodeID(num)

	if num == d.model.GetLocal().Num {
		d.model.AdoptNames(info.GetUser().GetLongName(), info.GetUser().GetShortName())
	}

	publicKeyB64 := radio.EncodePublicKey(info.GetUser().GetPublicKey())

	n := store.Node{
		Num:             num,
		NodeID:          id,
		LongName:        info.GetUser().GetLongName(),
		ShortName:       info.GetUser().GetShortName(),
		HardwareModel:   int32(info.GetUser().GetHwModel()),
		IsFavorite:      info.GetIsFavorite(),
		HasPKI:          len(info.GetUser().GetPublicKey()) > 0,
		PublicKeyB64:    publicKeyB64,
		IsLowEntropyKey: radio.IsLowEntropyKey(publicKeyB64),
		SNR:             info.GetSnr(),
		LastHeard:       time.Unix(int64(info.GetLastHeard()), 0),
		HopsAway:        int32(info.GetHopsAway()),
	}
	var posTelemetry []store.Telemetry
	if pos := info.GetPosition(); pos != nil && (pos.GetLatitudeI() != 0 || pos.GetLongitudeI() != 0) {
		lat := float64(pos.GetLatitudeI()) * 1e-7
		lon := float64(pos.GetLongitudeI()) * 1e-7
		if validCoordinate(lat, lon) { // invariant I6
			n.HasPosition = true
			n.Latitude = lat
			n.Longitude = lon
			n.Altitude = pos.GetAltitude()
			n.PositionUpdatedAt = time.Now()

			ts := time.Now()
			posTelemetry = []store.Telemetry{
				{NodeNum: num, Type: "latitude", Value: lat, Unit: "deg", Timestamp: ts},
				{NodeNum: num, Type: "longitude", Value: lon, Unit: "deg", Timestamp: ts},
				{NodeNum: num, Type: "altitude", Value: float64(pos.GetAltitude()), Unit: "m", Timestamp: ts},
			}
		} else {
			d.logger.Warn("rejecting invalid nodeinfo position", "num", num, "lat", lat, "lon", lon)
		}
	}
	if info.GetLastHeard() == 0 {
		n.LastHeard = time.Now()
	} else if now := time.Now(); n.LastHeard.After(now) {
		n.LastHeard = now // invariant: lastHeard is never accepted in the future
	}

	if err := d.store.UpsertNode(ctx, n); err != nil {
		d.logger.Error("upserting node from node info", "num", num, "err", err)
		return
	}
	for _, t := range posTelemetry {
		if err := d.store.InsertTelemetry(ctx, t); err != nil {
			d.logger.Error("inserting nodeinfo position telemetry", "num", num, "type", t.Type, "err", err)
		}
	}
	d.recordDeviceMetrics(ctx, num, info.GetDeviceMetrics(), time.Now())

	if num != d.model.GetLocal().Num && d.OnNodeInfo != nil {
		stored, ok, err := d.store.GetNode(ctx, num)
		if err == nil && ok {
			d.OnNodeInfo(ctx, stored)
		}
	}
}

// handleNodeInfoPacket handles a NODEINFO_APP mesh packet carrying a raw
// User protobuf, the form nodes broadcast on name changes and in response to
// a node info request (distinct from the FromRadio.node_info replay frame).
// Routed through the same store write and OnNodeInfo hook as 4.3.1 so a
// name-change broadcast can still trigger auto-welcome for a node first seen
// without one.
func (d *Dispatcher) handleNodeInfoPacket(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	user := &meshtastic.User{}
	if err := unmarshalInto(data.GetPayload(), user); err != nil {
		d.logger.Error("decoding nodeinfo packet", "err", err)
		return
	}

	num := pkt.GetFrom()
	if num == d.model.GetLocal().Num {
		d.model.AdoptNames(user.GetLongName(), user.GetShortName())
	}

	packetPublicKeyB64 := radio.EncodePublicKey(user.GetPublicKey())

	// The User protobuf carried by a NODEINFO_APP packet has no is_favorite
	// field (that lives only on the NodeInfo wrapper in 4.3.1's replay
	// form), so the existing flag is carried forward rather than reset.
	existing, _, err := d.store.GetNode(ctx, num)
	if err != nil {
		d.logger.Error("looking up node for nodeinfo packet", "num", num, "err", err)
		return
	}

	n := store.Node{
		Num:             num,
		NodeID:          device.NodeID(num),
		LongName:        user.GetLongName(),
		ShortName:       user.GetShortName(),
		HardwareModel:   int32(user.GetHwModel()),
		IsFavorite:      existing.IsFavorite,
		HasPKI:          len(user.GetPublicKey()) > 0,
		PublicKeyB64:    packetPublicKeyB64,
		IsLowEntropyKey: radio.IsLowEntropyKey(packetPublicKeyB64),
		LastHeard:       time.Now(),
	}
	if err := d.store.UpsertNode(ctx, n); err != nil {
		d.logger.Error("upserting node from nodeinfo packet", "num", num, "err", err)
		return
	}

	if num != d.model.GetLocal().Num && d.OnNodeInfo != nil {
		stored, ok, err := d.store.GetNode(ctx, num)
		if err == nil && ok {
			d.OnNodeInfo(ctx, stored)
		}
	}
}

// handleChannel processes a FromRadio.channel replay frame. Per spec.md
// invariant I5, channel 0 is always normalized to PRIMARY and channels 1-7
// never carry PRIMARY regardless of what the radio reported; a channel is
// only persisted at all if it carries a name, a PSK, a primary/secondary
// role, or is index 0.
func (d *Dispatcher) handleChannel(ctx context.Context, ch *meshtastic.Channel) {
	if ch == nil {
		return
	}
	settings := ch.GetSettings()

	role := "DISABLED"
	switch ch.GetRole() {
	case meshtastic.Channel_PRIMARY:
		role = "PRIMARY"
	case meshtastic.Channel_SECONDARY:
		role = "SECONDARY"
	}
	switch {
	case ch.GetIndex() == 0:
		role = "PRIMARY"
	case role == "PRIMARY":
		role = "SECONDARY"
	}

	hasPSK := len(settings.GetPsk()) > 0
	worthPersisting := ch.GetIndex() == 0 || settings.GetName() != "" || hasPSK || role != "DISABLED"
	if !worthPersisting {
		return
	}

	c := store.Channel{
		Index:             ch.GetIndex(),
		Name:              settings.GetName(),
		Role:              role,
		PositionPrecision: int32(settings.GetModuleSettings().GetPositionPrecision()),
	}
	if hasPSK {
		c.PSKBase64 = encodePSK(settings.GetPsk())
	}
	if err := d.store.UpsertChannel(ctx, c); err != nil {
		d.logger.Error("upserting channel", "index", ch.GetIndex(), "err", err)
	}
}
