package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/store"
)

// milesPerKm converts the haversine km distances this handler already
// computes into miles for operators who configured distanceUnit=mi.
const milesPerKm = 0.621371

// handleTraceroute processes a returned TRACEROUTE_APP response, persisting
// the hop path, rendering a human-readable summary as a traceroute-typed
// message, notifying the push bus, and updating the record-holder distance
// table for every consecutive hop pair with known positions.
func (d *Dispatcher) handleTraceroute(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	route := &meshtastic.RouteDiscovery{}
	if err := unmarshalInto(data.GetPayload(), route); err != nil {
		d.logger.Error("decoding traceroute response", "err", err)
		return
	}

	// The response MeshPacket travels responder -> requester, so From is the
	// responder and To is the requester (spec.md §4.9: "the wire direction
	// and the display direction are opposite; handlers translate
	// accordingly"). route.Route is already in responder->requester order;
	// route.RouteBack is requester->responder.
	responder, requester := pkt.GetFrom(), pkt.GetTo()
	forwardPath := append(append([]uint32{responder}, route.GetRoute()...), requester)
	returnPath := append(append([]uint32{requester}, route.GetRouteBack()...), responder)

	rendered := d.renderTraceroute(ctx, forwardPath, returnPath, route.GetSnrTowards(), route.GetSnrBack())

	tr := store.Traceroute{
		ResponderID:  device.NodeID(responder),
		RequesterID:  device.NodeID(requester),
		ForwardPath:  route.GetRoute(),
		ReturnPath:   route.GetRouteBack(),
		SNRTowards:   route.GetSnrTowards(),
		SNRBack:      route.GetSnrBack(),
		RenderedText: rendered,
		CreatedAt:    time.Now(),
	}
	if err := d.store.InsertTraceroute(ctx, tr); err != nil {
		d.logger.Error("inserting traceroute", "responder", tr.ResponderID, "err", err)
	}

	msg := store.Message{
		Key:       fmt.Sprintf("%d_%d", responder, pkt.GetId()),
		FromNum:   responder,
		ToNum:     requester,
		Channel:   int32(pkt.GetChannel()),
		Text:      rendered,
		Kind:      "traceroute",
		CreatedAt: time.Now(),
	}
	if err := d.store.InsertMessage(ctx, msg); err != nil {
		d.logger.Error("recording traceroute message", "responder", tr.ResponderID, "err", err)
	}

	if d.OnTraceroute != nil {
		d.OnTraceroute(ctx, tr)
	}

	d.recordRouteSegments(ctx, forwardPath)
	d.estimateIntermediatePositions(ctx, forwardPath)

	if requestID := data.GetRequestId(); requestID != 0 {
		d.cmds.Tracker.HandleAck(ctx, requestID, pkt.GetFrom(), false, false)
	}
}

// renderTraceroute builds the multi-line human-readable summary spec.md
// §4.9 calls for: the forward path (responder -> ... -> requester), the
// return path (requester -> ... -> responder), and, under each, one line per
// hop annotating its SNR (the wire value is snr*4, so divided by 4 here) and
// the great-circle distance when both endpoints have a known position.
func (d *Dispatcher) renderTraceroute(ctx context.Context, forwardPath, returnPath []uint32, snrForward, snrBack []int32) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Forward path: %s\n", d.pathSummary(ctx, forwardPath))
	b.WriteString(d.hopDetails(ctx, forwardPath, snrForward))
	fmt.Fprintf(&b, "Return path: %s\n", d.pathSummary(ctx, returnPath))
	b.WriteString(d.hopDetails(ctx, returnPath, snrBack))
	return strings.TrimRight(b.String(), "\n")
}

// pathSummary renders the "A --> B --> C" style name-only path line.
func (d *Dispatcher) pathSummary(ctx context.Context, path []uint32) string {
	names := make([]string, len(path))
	for i, num := range path {
		names[i] = d.displayName(ctx, num)
	}
	return strings.Join(names, " --> ")
}

// hopDetails renders one indented line per consecutive hop pair in path,
// annotated with its SNR (when the carrier supplied one for that hop) and
// distance (when both endpoints have a known GPS fix).
func (d *Dispatcher) hopDetails(ctx context.Context, path []uint32, snr []int32) string {
	var b strings.Builder
	for i := 0; i+1 < len(path); i++ {
		from, to := path[i], path[i+1]
		fmt.Fprintf(&b, "  %s -> %s", d.displayName(ctx, from), d.displayName(ctx, to))
		if i < len(snr) {
			fmt.Fprintf(&b, ", %.2f dB", float64(snr[i])/4)
		}
		if dist, ok := d.hopDistance(ctx, from, to); ok {
			fmt.Fprintf(&b, ", %s", d.formatDistance(dist))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// hopDistance returns the haversine distance between from and to's known
// positions, or false if either node has no recorded fix.
func (d *Dispatcher) hopDistance(ctx context.Context, from, to uint32) (float64, bool) {
	a, okA, err := d.store.GetNode(ctx, from)
	if err != nil || !okA || !a.HasPosition {
		return 0, false
	}
	b, okB, err := d.store.GetNode(ctx, to)
	if err != nil || !okB || !b.HasPosition {
		return 0, false
	}
	return haversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude), true
}

// formatDistance renders a haversine km distance in the configured unit.
func (d *Dispatcher) formatDistance(km float64) string {
	if d.DistanceUnit == "mi" {
		return fmt.Sprintf("%.1f mi", km*milesPerKm)
	}
	return fmt.Sprintf("%.1f km", km)
}

func (d *Dispatcher) displayName(ctx context.Context, num uint32) string {
	n, ok, err := d.store.GetNode(ctx, num)
	if err != nil || !ok || n.ShortName == "" {
		return device.NodeID(num)
	}
	return n.ShortName
}

// recordRouteSegments upserts the distance between every consecutive pair of
// known-position nodes along path, and promotes any segment that beats the
// current record holder.
func (d *Dispatcher) recordRouteSegments(ctx context.Context, path []uint32) {
	for i := 0; i+1 < len(path); i++ {
		a, okA, err := d.store.GetNode(ctx, path[i])
		if err != nil || !okA || !a.HasPosition {
			continue
		}
		b, okB, err := d.store.GetNode(ctx, path[i+1])
		if err != nil || !okB || !b.HasPosition {
			continue
		}
		dist := haversineKm(a.Latitude, a.Longitude, b.Latitude, b.Longitude)
		if err := d.store.InsertRouteSegment(ctx, store.RouteSegment{
			FromNum: a.Num, ToNum: b.Num, DistanceKm: dist,
		}); err != nil {
			d.logger.Error("inserting route segment", "from", a.Num, "to", b.Num, "err", err)
			continue
		}
		d.promoteRecordHolder(ctx, a.Num, b.Num, dist)
	}
}

// estimateIntermediatePositions stores an estimated lat/lon telemetry pair
// for every interior node of path that has no GPS fix of its own but sits
// between two path neighbors that both do: the midpoint of those neighbors.
// The estimate lands as telemetry rows only, never on the node row, so a
// real fix arriving later is never blocked by a guess.
func (d *Dispatcher) estimateIntermediatePositions(ctx context.Context, path []uint32) {
	for i := 1; i+1 < len(path); i++ {
		mid, ok, err := d.store.GetNode(ctx, path[i])
		if err != nil || (ok && mid.HasPosition) {
			continue
		}
		prev, okP, err := d.store.GetNode(ctx, path[i-1])
		if err != nil || !okP || !prev.HasPosition {
			continue
		}
		next, okN, err := d.store.GetNode(ctx, path[i+1])
		if err != nil || !okN || !next.HasPosition {
			continue
		}

		now := time.Now()
		for _, t := range []store.Telemetry{
			{NodeNum: path[i], Type: "estimated_latitude", Value: (prev.Latitude + next.Latitude) / 2, Unit: "deg", Timestamp: now},
			{NodeNum: path[i], Type: "estimated_longitude", Value: (prev.Longitude + next.Longitude) / 2, Unit: "deg", Timestamp: now},
		} {
			if err := d.store.InsertTelemetry(ctx, t); err != nil {
				d.logger.Error("inserting estimated position", "node", path[i], "type", t.Type, "err", err)
			}
		}
	}
}

// promoteRecordHolder compares dist against the longest segment seen so far
// this process and, if it wins, demotes the previous holder and promotes
// this one. The record itself is only ever tracked in memory: a restart
// resets "longest known link" back to whatever the next traceroute round
// re-establishes, trading that restart churn for avoiding a full table scan
// on every insert.
func (d *Dispatcher) promoteRecordHolder(ctx context.Context, from, to uint32, dist float64) {
	d.recordMu.Lock()
	defer d.recordMu.Unlock()

	if dist <= d.recordDistanceKm {
		return
	}
	if d.recordDistanceKm > 0 {
		if err := d.store.UpdateRecordHolderSegment(ctx, d.recordFrom, d.recordTo, false); err != nil {
			d.logger.Error("demoting previous record holder", "err", err)
		}
	}
	if err := d.store.UpdateRecordHolderSegment(ctx, from, to, true); err != nil {
		d.logger.Error("promoting record holder", "from", from, "to", to, "err", err)
		return
	}
	d.recordDistanceKm = dist
	d.recordFrom, d.recordTo = from, to
}
