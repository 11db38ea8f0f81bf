package dispatch

import (
	"context"
	"fmt"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"

	"github.com/meshbridge/meshd/internal/store"
)

// lowBatteryThreshold is the device battery percentage at or below which
// OnLowBattery fires, a low-enough bound to avoid paging on a healthy node
// reporting a momentary dip during a charge cycle.
const lowBatteryThreshold = 20

// snrRssiSampleInterval bounds how often an unchanged SNR/RSSI pair is
// re-recorded, per spec.md §4.8.
const snrRssiSampleInterval = 10 * time.Minute

type snrRssiSample struct {
	snr      float32
	rssi     int32
	sampleAt time.Time
}

// handleTelemetry fans one TELEMETRY_APP packet out into typed readings.
// Only the variant kinds actually carried are recorded; absent sub-messages
// contribute nothing.
func (d *Dispatcher) handleTelemetry(ctx context.Context, pkt *meshtastic.MeshPacket, data *meshtastic.Data) {
	t := &meshtastic.Telemetry{}
	if err := unmarshalInto(data.GetPayload(), t); err != nil {
		d.logger.Error("decoding telemetry packet", "from", pkt.GetFrom(), "err", err)
		return
	}
	ts := time.Now()
	if t.GetTime() != 0 {
		ts = time.Unix(int64(t.GetTime()), 0)
	}

	node := pkt.GetFrom()
	record := func(kind string, value float64, unit string) {
		if err := d.store.InsertTelemetry(ctx, store.Telemetry{
			NodeNum: node, Type: kind, Value: value, Unit: unit, Timestamp: ts,
		}); err != nil {
			d.logger.Error("inserting telemetry", "node", node, "type", kind, "err", err)
		}
	}

	d.recordDeviceMetrics(ctx, node, t.GetDeviceMetrics(), ts)
	if m := t.GetEnvironmentMetrics(); m != nil {
		record("temperature", float64(m.GetTemperature()), "C")
		record("relative_humidity", float64(m.GetRelativeHumidity()), "%")
		record("barometric_pressure", float64(m.GetBarometricPressure()), "hPa")
	}
	if m := t.GetPowerMetrics(); m != nil {
		for _, ch := range []struct {
			n       int
			voltage float32
			current float32
		}{
			{1, m.GetCh1Voltage(), m.GetCh1Current()},
			{2, m.GetCh2Voltage(), m.GetCh2Current()},
			{3, m.GetCh3Voltage(), m.GetCh3Current()},
			{4, m.GetCh4Voltage(), m.GetCh4Current()},
			{5, m.GetCh5Voltage(), m.GetCh5Current()},
			{6, m.GetCh6Voltage(), m.GetCh6Current()},
			{7, m.GetCh7Voltage(), m.GetCh7Current()},
			{8, m.GetCh8Voltage(), m.GetCh8Current()},
		} {
			if ch.voltage != 0 {
				record(fmt.Sprintf("ch%d_voltage", ch.n), float64(ch.voltage), "V")
			}
			if ch.current != 0 {
				record(fmt.Sprintf("ch%d_current", ch.n), float64(ch.current), "mA")
			}
		}
	}

	d.recordSnrRssiIfDue(ctx, node, pkt.GetRxSnr(), pkt.GetRxRssi())
}

// recordSnrRssiIfDue appends SNR/RSSI telemetry for the carrier packet
// reporting node only when the values changed since the last sample or
// snrRssiSampleInterval has elapsed, per spec.md §4.8. The in-memory map is
// a cache over the telemetry table's latest rows; after a restart the last
// persisted sample is recovered so the empty map doesn't force a redundant
// row for every known node.
func (d *Dispatcher) recordSnrRssiIfDue(ctx context.Context, node uint32, snr float32, rssi int32) {
	now := time.Now()

	d.snrRssiMu.Lock()
	prev, ok := d.snrRssi[node]
	d.snrRssiMu.Unlock()
	if !ok {
		prev, ok = d.lastStoredSnrRssi(ctx, node)
	}

	due := !ok || prev.snr != snr || prev.rssi != rssi || now.Sub(prev.sampleAt) >= snrRssiSampleInterval

	sample := prev
	if due {
		sample = snrRssiSample{snr: snr, rssi: rssi, sampleAt: now}
	}
	d.snrRssiMu.Lock()
	d.snrRssi[node] = sample
	d.snrRssiMu.Unlock()

	if !due {
		return
	}
	if err := d.store.InsertTelemetry(ctx, store.Telemetry{
		NodeNum: node, Type: "snr", Value: float64(snr), Unit: "dB", Timestamp: now,
	}); err != nil {
		d.logger.Error("inserting telemetry", "node", node, "type", "snr", "err", err)
	}
	if err := d.store.InsertTelemetry(ctx, store.Telemetry{
		NodeNum: node, Type: "rssi", Value: float64(rssi), Unit: "dBm", Timestamp: now,
	}); err != nil {
		d.logger.Error("inserting telemetry", "node", node, "type", "rssi", "err", err)
	}
}

// lastStoredSnrRssi reads the most recently persisted SNR/RSSI pair for
// node, reporting false when either kind has never been recorded.
func (d *Dispatcher) lastStoredSnrRssi(ctx context.Context, node uint32) (snrRssiSample, bool) {
	s, okS, err := d.store.GetLatestTelemetryForType(ctx, node, "snr")
	if err != nil || !okS {
		return snrRssiSample{}, false
	}
	r, okR, err := d.store.GetLatestTelemetryForType(ctx, node, "rssi")
	if err != nil || !okR {
		return snrRssiSample{}, false
	}
	return snrRssiSample{snr: float32(s.Value), rssi: int32(r.Value), sampleAt: s.Timestamp}, true
}
