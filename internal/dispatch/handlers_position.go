package dispatch

import (
	"context"
	"math"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/store"
)

// stalePositionWindow is how long an existing, more-precise position is
// trusted over an incoming, less-precise one before the less-precise
// reading is allowed to win anyway (smart-precision policy, spec.md §4.5:
// never let a coarse reading silently clobber a precise fix, but don't let
// a stale precise fix block updates forever either).
const stalePositionWindow = 12 * time.Hour

// mobilityThresholdKm is the displacement beyond which a node is flagged
// mobile, per the "store-side flag set when displacement exceeds threshold"
// rule in spec.md §4.5. A stationary sensor node's GPS jitter is well under
// this; a node genuinely on the move (vehicle, backpack) exceeds it between
// two successive fixes.
const mobilityThresholdKm = 0.5

// handlePosition applies a POSITION_APP packet to the node's stored
// position, preferring higher precision_bits readings and falling back to
// accepting a coarser one only once the last position update has gone
// stale.
func (d *Dispatcher) handlePosition(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	pos := &meshtastic.Position{}
	if err := unmarshalInto(data.GetPayload(), pos); err != nil {
		d.logger.Error("decoding position packet", "from", pkt.GetFrom(), "err", err)
		return
	}
	if pos.GetLatitudeI() == 0 && pos.GetLongitudeI() == 0 {
		return // no fix carried, nothing to record
	}

	lat := float64(pos.GetLatitudeI()) * 1e-7
	lon := float64(pos.GetLongitudeI()) * 1e-7
	if !validCoordinate(lat, lon) {
		d.logger.Warn("rejecting invalid position", "from", pkt.GetFrom(), "lat", lat, "lon", lon)
		return // invariant I6: clamp/skip, never break the frame
	}

	existing, ok, err := d.store.GetNode(ctx, pkt.GetFrom())
	if err != nil {
		d.logger.Error("looking up node for position update", "from", pkt.GetFrom(), "err", err)
		return
	}

	newPrecision := int32(pos.GetPrecisionBits())
	if ok && existing.HasPosition {
		stale := time.Since(existing.PositionUpdatedAt) > stalePositionWindow
		if newPrecision < existing.PositionPrecisionBit && !stale {
			return
		}
	}

	hadPriorFix := ok && existing.HasPosition
	prevLat, prevLon := existing.Latitude, existing.Longitude

	n := existing
	n.Num = pkt.GetFrom()
	if !ok {
		n.NodeID = device.NodeID(pkt.GetFrom())
		n.LastHeard = time.Now()
	}
	n.HasPosition = true
	n.Latitude = lat
	n.Longitude = lon
	n.Altitude = pos.GetAltitude()
	n.PositionPrecisionBit = newPrecision
	n.PositionUpdatedAt = time.Now()

	if err := d.store.UpsertNode(ctx, n); err != nil {
		d.logger.Error("upserting node position", "from", pkt.GetFrom(), "err", err)
	}

	ts := time.Now()
	for _, t := range []store.Telemetry{
		{NodeNum: pkt.GetFrom(), Type: "latitude", Value: lat, Unit: "deg", Timestamp: ts},
		{NodeNum: pkt.GetFrom(), Type: "longitude", Value: lon, Unit: "deg", Timestamp: ts},
		{NodeNum: pkt.GetFrom(), Type: "altitude", Value: float64(pos.GetAltitude()), Unit: "m", Timestamp: ts},
	} {
		if err := d.store.InsertTelemetry(ctx, t); err != nil {
			d.logger.Error("inserting position telemetry", "from", pkt.GetFrom(), "type", t.Type, "err", err)
		}
	}

	if hadPriorFix {
		displacement := haversineKm(prevLat, prevLon, lat, lon)
		if err := d.store.UpdateNodeMobility(ctx, pkt.GetFrom(), displacement > mobilityThresholdKm); err != nil {
			d.logger.Error("updating node mobility", "from", pkt.GetFrom(), "err", err)
		}
	}
}

// validCoordinate implements invariant I6: reject |lat|>90, |lon|>180, NaN,
// or infinite values outright rather than let them into the node row.
func validCoordinate(lat, lon float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lon) || math.IsInf(lat, 0) || math.IsInf(lon, 0) {
		return false
	}
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180
}
