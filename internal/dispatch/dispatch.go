// Package dispatch is the inbound half of the bridge: one handler per
// FromRadio variant and, within Packet frames, one per mesh port number.
package dispatch

import (
	"context"
	"fmt"
	"sync"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"

	"github.com/meshbridge/meshd/internal/capture"
	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/store"
	"github.com/meshbridge/meshd/internal/wire"
)

// Dispatcher's own state is limited to the init handshake's want-config id,
// the in-memory longest-link record and the per-node SNR/RSSI sample cache;
// node/config mutation lands in device.Model and
// store.Store, which the rest of the process (REST surface, schedulers) can
// read concurrently.
type Dispatcher struct {
	logger  *log.Logger
	model   *device.Model
	store   store.Store
	cmds    *outbound.Commands
	capture *capture.Buffer

	wantConfigID uint32

	recordMu         sync.Mutex
	recordDistanceKm float64
	recordFrom       uint32
	recordTo         uint32

	snrRssiMu sync.Mutex
	snrRssi   map[uint32]snrRssiSample

	// OnConfigComplete is the single-slot registration point named in
	// spec.md §6 (onConfigCaptureComplete): invoked once per session, the
	// instant the capture buffer freezes. Left nil, it is simply skipped.
	OnConfigComplete func()
	// OnNodeInfo fires after every NodeInfo frame or NODEINFO_APP packet
	// is persisted, passing the node row as stored. The manager wires this
	// to the auto-welcome engine rather than dispatch depending on
	// autoreply directly.
	OnNodeInfo func(ctx context.Context, n store.Node)
	// OnLowBattery fires when device metrics, from a TELEMETRY_APP reading
	// or a NodeInfo, report a battery percentage at or below
	// lowBatteryThreshold.
	OnLowBattery func(ctx context.Context, node uint32, batteryLevel uint32)
	// Broadcast is the virtual-node fan-out registration slot named in
	// spec.md §6: every inbound frame's raw bytes are handed to it opaquely,
	// unmodified, before decode. Left nil, broadcast is simply skipped.
	Broadcast func(raw []byte)
	// OnTraceroute fires once a traceroute response has been persisted,
	// passing the stored record (rendered text included) so the manager can
	// notify the push bus without this package depending on it directly.
	OnTraceroute func(ctx context.Context, tr store.Traceroute)

	// DistanceUnit controls whether renderTraceroute prints segment
	// distances in kilometers or miles, per spec.md §4.9 ("distances (km or
	// mi by setting)"). Defaults to "km"; set from the settings-store
	// distanceUnit key.
	DistanceUnit string
}

// New builds a Dispatcher wired to the given model, store, outbound command
// surface (for ack/traceroute correlation) and init-capture buffer.
func New(model *device.Model, st store.Store, cmds *outbound.Commands, cap *capture.Buffer) *Dispatcher {
	return &Dispatcher{
		logger:       log.With("component", "dispatch"),
		model:        model,
		store:        st,
		cmds:         cmds,
		capture:      cap,
		snrRssi:      make(map[uint32]snrRssiSample),
		DistanceUnit: "km",
	}
}

// BeginSession resets session-scoped state and starts a fresh init capture
// keyed to wantConfigID, to be sent as ToRadio.want_config_id by the
// manager immediately after this call.
func (d *Dispatcher) BeginSession(wantConfigID uint32) {
	d.wantConfigID = wantConfigID
	d.model.ResetForNewSession()
	d.capture.BeginCapture(wantConfigID)
}

// HandleFrame decodes one raw inbound frame and routes it to the matching
// handler. Decode errors are logged and swallowed: one malformed frame must
// never take down the session.
func (d *Dispatcher) HandleFrame(ctx context.Context, raw []byte) {
	d.capture.Append(raw)

	if d.Broadcast != nil {
		d.Broadcast(raw)
	}

	msg, err := wire.DecodeFromRadio(raw)
	if err != nil {
		d.logger.Error("discarding undecodable frame", "err", err)
		return
	}

	switch v := msg.GetPayloadVariant().(type) {
	case *meshtastic.FromRadio_MyInfo:
		d.model.ProcessMyNodeInfo(v.MyInfo)
	case *meshtastic.FromRadio_Metadata:
		d.model.ProcessDeviceMetadata(v.Metadata)
	case *meshtastic.FromRadio_NodeInfo:
		d.handleNodeInfo(ctx, v.NodeInfo)
	case *meshtastic.FromRadio_Channel:
		d.handleChannel(ctx, v.Channel)
	case *meshtastic.FromRadio_Config:
		d.model.ProcessConfig(v.Config)
	case *meshtastic.FromRadio_ModuleConfig:
		d.model.ProcessModuleConfig(v.ModuleConfig)
	case *meshtastic.FromRadio_ConfigCompleteId:
		if d.capture.Complete(v.ConfigCompleteId) && d.OnConfigComplete != nil {
			d.OnConfigComplete()
		}
	case *meshtastic.FromRadio_Packet:
		d.handlePacket(ctx, v.Packet)
	default:
		d.logger.Debug("ignoring unhandled FromRadio variant")
	}
}

func (d *Dispatcher) handlePacket(ctx context.Context, pkt *meshtastic.MeshPacket) {
	if pkt == nil {
		return
	}

	preview := ""
	portNum := int32(0)
	if decoded := pkt.GetDecoded(); decoded != nil {
		portNum = int32(decoded.GetPortnum())
		preview = previewFor(decoded)
	}
	if err := d.store.LogPacket(ctx, store.PacketLogEntry{
		FromNum: pkt.GetFrom(), ToNum: pkt.GetTo(), PortNum: portNum, Preview: preview,
	}); err != nil {
		d.logger.Error("logging packet", "err", err)
	}

	// Every packet's sender gets its transmission metrics (snr, rssi,
	// lastHeard) refreshed, creating a placeholder row if this is the first
	// time the node has been heard from at all (spec.md §4.3.3). Port
	// handlers below run afterward and may fill in richer fields.
	d.touchFromNode(ctx, pkt)

	decoded := pkt.GetDecoded()
	if decoded == nil {
		return // encrypted packet we have no channel key for; logged above, nothing more to do
	}

	switch decoded.GetPortnum() {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		d.handleText(ctx, pkt, decoded)
	case meshtastic.PortNum_POSITION_APP:
		d.handlePosition(ctx, pkt, decoded)
	case meshtastic.PortNum_ROUTING_APP:
		d.handleRouting(ctx, pkt, decoded)
	case meshtastic.PortNum_ADMIN_APP:
		d.handleAdmin(ctx, pkt, decoded)
	case meshtastic.PortNum_TELEMETRY_APP:
		d.handleTelemetry(ctx, pkt, decoded)
	case meshtastic.PortNum_TRACEROUTE_APP:
		d.handleTraceroute(ctx, pkt, decoded)
	case meshtastic.PortNum_NEIGHBORINFO_APP:
		d.handleNeighborInfo(ctx, pkt, decoded)
	case meshtastic.PortNum_NODEINFO_APP:
		d.handleNodeInfoPacket(ctx, pkt, decoded)
	default:
		d.logger.Debug("ignoring packet on unhandled port",
			"port", int32(decoded.GetPortnum()), "from", pkt.GetFrom())
	}
}

func previewFor(d *meshtastic.Data) string {
	switch d.GetPortnum() {
	case meshtastic.PortNum_TEXT_MESSAGE_APP:
		return truncate(string(d.GetPayload()), 80)
	default:
		return fmt.Sprintf("%d bytes", len(d.GetPayload()))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
