package dispatch

import (
	"context"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"google.golang.org/protobuf/proto"

	"github.com/meshbridge/meshd/internal/device"
	radio "github.com/meshbridge/meshd/internal/radioutil"
	"github.com/meshbridge/meshd/internal/store"
)

func unmarshalInto(payload []byte, msg proto.Message) error {
	return proto.Unmarshal(payload, msg)
}

func encodePSK(psk []byte) string {
	return radio.EncodePSK(psk)
}

// recordDeviceMetrics inserts the four device-metrics telemetry rows
// spec.md §4.8 names (battery_level, voltage, channel_utilization,
// air_util_tx), firing OnLowBattery when the reported level is at or below
// lowBatteryThreshold. Shared by the TELEMETRY_APP port handler and
// handleNodeInfo, since device metrics can arrive embedded in either frame
// (spec.md §4.3.1's "Insert telemetry rows ... for device metrics ... when
// present" and §4.8's own dedicated handler both describe the same rows).
func (d *Dispatcher) recordDeviceMetrics(ctx context.Context, node uint32, m *meshtastic.DeviceMetrics, ts time.Time) {
	if m == nil {
		return
	}
	record := func(kind string, value float64, unit string) {
		if err := d.store.InsertTelemetry(ctx, store.Telemetry{
			NodeNum: node, Type: kind, Value: value, Unit: unit, Timestamp: ts,
		}); err != nil {
			d.logger.Error("inserting telemetry", "node", node, "type", kind, "err", err)
		}
	}
	record("battery_level", float64(m.GetBatteryLevel()), "%")
	record("voltage", float64(m.GetVoltage()), "V")
	record("channel_utilization", float64(m.GetChannelUtilization()), "%")
	record("air_util_tx", float64(m.GetAirUtilTx()), "%")

	if level := m.GetBatteryLevel(); level > 0 && level <= lowBatteryThreshold && d.OnLowBattery != nil {
		d.OnLowBattery(ctx, node, level)
	}
}

// touchFromNode implements spec.md §4.3.3's packet-level rule: every
// MeshPacket's `from` node has its transmission-metrics fields (snr, rssi,
// lastHeard) updated, creating a placeholder node (name left blank) only
// when the node is entirely unseen. Port-specific handlers run afterward
// and may fill in richer fields (names, position); this only ever touches
// the three metrics fields on an already-known node, leaving everything
// else untouched via the store's sticky upsert semantics.
func (d *Dispatcher) touchFromNode(ctx context.Context, pkt *meshtastic.MeshPacket) {
	from := pkt.GetFrom()
	if from == 0 {
		return
	}
	existing, ok, err := d.store.GetNode(ctx, from)
	if err != nil {
		d.logger.Error("looking up node for transmission metrics", "from", from, "err", err)
		return
	}

	n := existing
	n.Num = from
	if !ok {
		n.NodeID = device.NodeID(from)
	}
	n.SNR = pkt.GetRxSnr()
	n.RSSI = pkt.GetRxRssi()
	if pkt.GetTo() == store.BroadcastNum {
		// Remember which channel the node broadcasts on so scheduled
		// traceroutes can probe it there (DM packets carry a channel hash,
		// not an index, so only broadcasts update this).
		n.Channel = int32(pkt.GetChannel())
	}
	if pkt.GetRxTime() != 0 {
		n.LastHeard = time.Unix(int64(pkt.GetRxTime()), 0)
	} else {
		n.LastHeard = time.Now()
	}
	if now := time.Now(); n.LastHeard.After(now) {
		n.LastHeard = now // invariant: lastHeard is never accepted in the future
	}

	if err := d.store.UpsertNode(ctx, n); err != nil {
		d.logger.Error("updating transmission metrics", "from", from, "err", err)
	}
}
