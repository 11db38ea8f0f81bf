// Package manager wires the session, device model, store, dispatcher,
// outbound command surface, init capture, and the two schedulers into one
// supervised unit. Every consumer is an explicit struct field, constructed
// once in New and supervised by one errgroup, rather than reached through
// global registration or callbacks.
package manager

import (
	"context"
	"fmt"
	"sync"
	"time"

	meshtastic "buf.build/gen/go/meshtastic/protobufs/protocolbuffers/go/meshtastic"
	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"

	"github.com/meshbridge/meshd/internal/autoreply"
	"github.com/meshbridge/meshd/internal/capture"
	"github.com/meshbridge/meshd/internal/config"
	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/dispatch"
	"github.com/meshbridge/meshd/internal/metrics"
	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/pushbus"
	"github.com/meshbridge/meshd/internal/schedule"
	"github.com/meshbridge/meshd/internal/store"
	"github.com/meshbridge/meshd/internal/transport"
	"github.com/meshbridge/meshd/internal/wire"
)

// Manager is the top-level object cmd/meshd constructs: one Session, one
// Store, one of everything downstream of them.
type Manager struct {
	logger *log.Logger
	cfg    config.Config

	session    *transport.Session
	store      store.Store
	model      *device.Model
	capture    *capture.Buffer
	dispatcher *dispatch.Dispatcher
	cmds       *outbound.Commands
	bus        *pushbus.Bus
	metrics    *metrics.Registry

	schedMu         sync.Mutex
	tracerouteSched *schedule.TracerouteScheduler
	announceSched   *schedule.AnnouncementScheduler // nil when announcements are disabled
	tracReload      chan struct{}
	annReload       chan struct{}

	autoAck *autoreply.AutoAckEngine
	welcome *autoreply.AutoWelcomeEngine
}

// New constructs a Manager from resolved configuration. It opens the store
// but does not connect to the radio; call Run to connect and block until
// ctx is cancelled.
func New(cfg config.Config, reg *metrics.Registry) (*Manager, error) {
	st, err := store.OpenSQLiteStore(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	model := device.NewModel(func(nodeID string) (string, bool) {
		num, convErr := parseNodeID(nodeID)
		if convErr != nil {
			return "", false
		}
		n, ok, lookupErr := st.GetNode(context.Background(), num)
		if lookupErr != nil || !ok || n.LongName == "" {
			return "", false
		}
		return n.LongName, true
	})

	session := transport.NewSession(cfg.RadioHost, cfg.RadioPort, cfg.StaleTimeout)
	cmds := outbound.New(session, model, st)
	cap := capture.NewBuffer()
	d := dispatch.New(model, st, cmds, cap)

	bus := pushbus.New(pushbus.NewClient(cfg.RedisAddr), "meshd:events")

	ms := loadMeshSettings(context.Background(), st, cfg.AnnounceHours)

	expander := autoreply.NewExpander(model, st, "dev", enabledFeatures(ms), time.Now())
	if ms.maxNodeAgeHours > 0 {
		expander.MaxNodeAgeHours = ms.maxNodeAgeHours
	}
	welcome := autoreply.NewAutoWelcomeEngine(st, cmds, expander, "")
	if ms.autoWelcomeEnabled {
		welcome = autoreply.NewAutoWelcomeEngine(st, cmds, expander, ms.autoWelcomeMessage)
	}
	welcome.WaitForName = ms.autoWelcomeWaitForName
	welcome.Target = ms.autoWelcomeTarget
	d.DistanceUnit = ms.distanceUnit
	autoAck := autoreply.NewAutoAckEngine(cmds, st, expander, ms.autoAckRules())

	// VirtualNodeBroadcaster is the only process-wide slot spec.md §5 allows:
	// looked up through this explicit field rather than a package-level
	// global, and nil (skipped) until a caller wires a real virtual-node
	// server in via SetVirtualNodeBroadcaster.
	d.Broadcast = nil

	d.OnNodeInfo = func(ctx context.Context, n store.Node) {
		welcome.Consider(ctx, n)
		bus.Publish(ctx, pushbus.Event{Kind: pushbus.EventNodeJoined, NodeID: n.NodeID})
	}
	d.OnLowBattery = func(ctx context.Context, num uint32, level uint32) {
		bus.Publish(ctx, pushbus.Event{
			Kind:   pushbus.EventLowBattery,
			NodeID: device.NodeID(num),
			Text:   fmt.Sprintf("%d%%", level),
		})
	}
	d.OnTraceroute = func(ctx context.Context, tr store.Traceroute) {
		bus.Publish(ctx, pushbus.Event{
			Kind:   pushbus.EventTraceroute,
			NodeID: tr.ResponderID,
			Text:   tr.RenderedText,
		})
	}

	tracerouteEvery := cfg.TracerouteEvery
	if ms.tracerouteIntervalMinutes >= 0 {
		tracerouteEvery = ms.tracerouteInterval()
	}
	tracSched := schedule.NewTracerouteScheduler(st, cmds, tracerouteEvery)
	tracSched.OnTick = func() {
		reg.SchedulerTicks.WithLabelValues("traceroute").Inc()
		if active, err := st.GetActiveNodes(context.Background(), ms.maxNodeAgeHours); err == nil {
			reg.ActiveNodes.Set(float64(len(active)))
		}
	}
	tracSched.Ready = func() bool {
		return session.State() == transport.StateConnected && model.GetLocal().Num != 0
	}

	announceCfg := ms.announcementConfig()
	if announceCfg.CronExpr == "" && cfg.AnnounceCron != "" {
		announceCfg.CronExpr = cfg.AnnounceCron
	}
	var announceSched *schedule.AnnouncementScheduler
	if announceCfg.MessageFunc != nil {
		announceSched, err = schedule.NewAnnouncementScheduler(st, cmds, announceCfg)
		if err != nil {
			// A bad stored schedule shouldn't stop the bridge from coming up;
			// announcements stay off until reconfigured.
			log.Warn("disabling announcements, invalid stored configuration", "err", err)
			announceSched = nil
		} else {
			announceSched.OnTick = func() { reg.SchedulerTicks.WithLabelValues("announce").Inc() }
		}
	}

	cmds.Tracker.OnTransition = func(state store.DeliveryState) {
		reg.DeliveryTransitions.WithLabelValues(string(state)).Inc()
		if state == store.DeliveryFailed {
			bus.Publish(context.Background(), pushbus.Event{Kind: pushbus.EventDeliveryFailed})
		}
	}

	return &Manager{
		logger:          log.With("component", "manager"),
		cfg:             cfg,
		session:         session,
		store:           st,
		model:           model,
		capture:         cap,
		dispatcher:      d,
		cmds:            cmds,
		bus:             bus,
		metrics:         reg,
		tracerouteSched: tracSched,
		announceSched:   announceSched,
		tracReload:      make(chan struct{}, 1),
		annReload:       make(chan struct{}, 1),
		autoAck:         autoAck,
		welcome:         welcome,
	}, nil
}

// Run connects to the radio and runs every supervised goroutine until ctx
// is cancelled or one of them returns a non-context error, at which point
// the whole group is torn down (one failing subsystem takes the
// process down rather than limping along silently broken).
func (m *Manager) Run(ctx context.Context) error {
	defer m.store.Close()

	if err := m.session.Connect(ctx); err != nil {
		return err
	}
	m.dispatcher.OnConfigComplete = func() {
		m.logger.Info("init capture complete", "frames", len(m.capture.Snapshot()))
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.dispatchLoop(ctx) })
	g.Go(func() error { return m.handshakeLoop(ctx) })
	g.Go(func() error { return m.runTracerouteScheduler(ctx) })
	g.Go(func() error { return m.runAnnouncementScheduler(ctx) })
	g.Go(func() error { return m.forwardTransportErrors(ctx) })

	return g.Wait()
}

// handshakeLoop redrives the init handshake every time the transport session
// (re)connects: the initial Connect and every automatic reconnect after an
// involuntary loss both land here, since spec.md §4.14 ties the want_config_id
// / get_config(LORA) / get_module_config sequence to "at connect", not just
// process startup.
func (m *Manager) handshakeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.session.Connected():
			// A fresh connection means any prior session's cached firmware
			// answer is suspect (the radio may have been reflashed while we
			// were away).
			m.model.InvalidateFavoritesCache()
			if err := m.beginHandshake(ctx); err != nil {
				m.logger.Error("beginning handshake", "err", err)
				continue
			}
			go m.requestRemainingInitConfig(ctx)
		}
	}
}

// runTracerouteScheduler supervises the traceroute probe loop, restarting it
// with the current scheduler whenever ConfigureTraceroute swaps one in.
func (m *Manager) runTracerouteScheduler(ctx context.Context) error {
	for {
		m.schedMu.Lock()
		sched := m.tracerouteSched
		m.schedMu.Unlock()

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sched.Run(runCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case <-m.tracReload:
			cancel()
			<-done
		}
	}
}

// runAnnouncementScheduler supervises the announcement loop the same way. A
// nil scheduler (announcements disabled) just parks until a reconfiguration
// installs one.
func (m *Manager) runAnnouncementScheduler(ctx context.Context) error {
	for {
		m.schedMu.Lock()
		sched := m.announceSched
		m.schedMu.Unlock()

		if sched == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-m.annReload:
			}
			continue
		}

		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan error, 1)
		go func() { done <- sched.Run(runCtx) }()

		select {
		case <-ctx.Done():
			cancel()
			<-done
			return ctx.Err()
		case <-m.annReload:
			cancel()
			<-done
		}
	}
}

// ConfigureTraceroute applies a new probe interval (minutes, 0..60; 0
// disables probing) and restarts the scheduler. Out-of-range values are
// rejected and the running scheduler is left untouched.
func (m *Manager) ConfigureTraceroute(minutes int) error {
	if minutes < 0 || int(schedule.MaxTracerouteInterval/time.Minute) < minutes {
		return fmt.Errorf("traceroute interval %dm outside [0,%d]",
			minutes, int(schedule.MaxTracerouteInterval/time.Minute))
	}
	next := schedule.NewTracerouteScheduler(m.store, m.cmds, time.Duration(minutes)*time.Minute)

	m.schedMu.Lock()
	next.OnTick = m.tracerouteSched.OnTick
	next.Ready = m.tracerouteSched.Ready
	m.tracerouteSched = next
	m.schedMu.Unlock()

	m.kick(m.tracReload)
	return nil
}

// ConfigureAnnouncements validates cfg and swaps it in, restarting the
// announcement loop; enabled=false tears the scheduler down entirely. An
// invalid cfg (bad cron expression, out-of-range interval) is rejected with
// the running scheduler left untouched.
func (m *Manager) ConfigureAnnouncements(enabled bool, cfg schedule.AnnouncementConfig) error {
	var next *schedule.AnnouncementScheduler
	if enabled {
		s, err := schedule.NewAnnouncementScheduler(m.store, m.cmds, cfg)
		if err != nil {
			return err
		}
		next = s
	}

	m.schedMu.Lock()
	if next != nil && m.announceSched != nil {
		next.OnTick = m.announceSched.OnTick
	} else if next != nil {
		reg := m.metrics
		next.OnTick = func() { reg.SchedulerTicks.WithLabelValues("announce").Inc() }
	}
	m.announceSched = next
	m.schedMu.Unlock()

	m.kick(m.annReload)
	return nil
}

// kick signals a reload without blocking; the runner re-reads the current
// scheduler on every pass, so coalescing back-to-back reconfigurations into
// one reload is safe.
func (m *Manager) kick(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// SetVirtualNodeBroadcaster registers the external virtual-node TCP server's
// fan-out (spec.md §6's single-slot registration point), which from then on
// receives a copy of every inbound frame's raw bytes, opaquely, as they
// arrive. Call before Run; the slot is not safe to change concurrently with
// an active dispatch loop.
func (m *Manager) SetVirtualNodeBroadcaster(fn func(raw []byte)) {
	m.dispatcher.Broadcast = fn
}

// ForwardRaw hands an already-framed ToRadio payload straight to the radio
// session, bypassing encode. The virtual-node server uses this to relay
// frames a mobile client originated onto the same physical session this
// Manager owns (spec.md §4.13's sendRaw).
func (m *Manager) ForwardRaw(ctx context.Context, raw []byte) error {
	return m.cmds.SendRawBytes(ctx, raw)
}

// beginHandshake sends the want_config_id frame that kicks off the radio's
// replay of MyInfo/Metadata/NodeInfo/Channel/Config/ModuleConfig, and arms
// the init capture buffer for the matching config_complete_id.
func (m *Manager) beginHandshake(ctx context.Context) error {
	configID := uint32(time.Now().UnixNano())
	m.dispatcher.BeginSession(configID)

	raw, err := wire.EncodeToRadio(&meshtastic.ToRadio{
		PayloadVariant: &meshtastic.ToRadio_WantConfigId{WantConfigId: configID},
	})
	if err != nil {
		return err
	}
	return m.session.Send(raw)
}

// allModuleConfigTypes is every AdminMessage_ModuleConfigType the radio's
// get_module_config handshake step asks for, in the order spec.md §4.14
// paces them out in.
var allModuleConfigTypes = []meshtastic.AdminMessage_ModuleConfigType{
	meshtastic.AdminMessage_MQTT_CONFIG,
	meshtastic.AdminMessage_SERIAL_CONFIG,
	meshtastic.AdminMessage_EXTNOTIF_CONFIG,
	meshtastic.AdminMessage_STOREFORWARD_CONFIG,
	meshtastic.AdminMessage_RANGETEST_CONFIG,
	meshtastic.AdminMessage_TELEMETRY_CONFIG,
	meshtastic.AdminMessage_CANNEDMSG_CONFIG,
	meshtastic.AdminMessage_AUDIO_CONFIG,
	meshtastic.AdminMessage_REMOTEHARDWARE_CONFIG,
	meshtastic.AdminMessage_NEIGHBORINFO_CONFIG,
	meshtastic.AdminMessage_AMBIENTLIGHTING_CONFIG,
	meshtastic.AdminMessage_DETECTIONSENSOR_CONFIG,
	meshtastic.AdminMessage_PAXCOUNTER_CONFIG,
}

// requestRemainingInitConfig follows up the want_config_id handshake with
// the two extra steps spec.md §4.14 calls out: an explicit LoRa config
// request at ≈2s, then all 13 module config sections at ≈3s, paced 100ms
// apart so the radio isn't asked to answer 13 requests in the same tick.
// Both land inside the still-open init capture window (frozen only on
// configComplete), so they replay to virtual-node clients like anything
// else the radio sends during startup.
func (m *Manager) requestRemainingInitConfig(ctx context.Context) {
	t := time.NewTimer(2 * time.Second)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	if err := m.cmds.GetConfig(ctx, meshtastic.AdminMessage_LORA_CONFIG); err != nil {
		m.logger.Warn("requesting lora config", "err", err)
	}

	t.Reset(1 * time.Second)
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	for _, mct := range allModuleConfigTypes {
		if err := m.cmds.GetModuleConfig(ctx, mct); err != nil {
			m.logger.Warn("requesting module config", "type", mct, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (m *Manager) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case frame, ok := <-m.session.Frames():
			if !ok {
				return nil
			}
			m.dispatcher.HandleFrame(ctx, frame.Raw)
			m.afterFrame(ctx, frame.Raw)
		}
	}
}

// afterFrame runs the cross-cutting concerns that sit above plain
// dispatch: metrics, push notifications, and auto-reply consideration, all
// of which need to see the same decoded message dispatch already persisted.
func (m *Manager) afterFrame(ctx context.Context, raw []byte) {
	msg, err := wire.DecodeFromRadio(raw)
	if err != nil {
		m.metrics.DispatchErrors.WithLabelValues("decode").Inc()
		return
	}
	m.metrics.FramesDecoded.WithLabelValues(frameVariant(msg)).Inc()

	pkt, ok := msg.GetPayloadVariant().(*meshtastic.FromRadio_Packet)
	if !ok {
		return
	}
	decoded := pkt.Packet.GetDecoded()
	if decoded == nil || decoded.GetPortnum() != meshtastic.PortNum_TEXT_MESSAGE_APP {
		return
	}

	if pkt.Packet.GetFrom() == m.model.GetLocal().Num {
		return // never auto-ack our own traffic
	}

	channel := int32(pkt.Packet.GetChannel())
	isDirect := pkt.Packet.GetTo() != store.BroadcastNum
	if isDirect {
		channel = store.DMChannel
	}

	eventKind := pushbus.EventChannelMessage
	if isDirect {
		eventKind = pushbus.EventDirectMessage
	}
	m.bus.Publish(ctx, pushbus.Event{
		Kind:   eventKind,
		NodeID: device.NodeID(pkt.Packet.GetFrom()),
		Text:   string(decoded.GetPayload()),
	})

	node, ok, err := m.store.GetNode(ctx, pkt.Packet.GetFrom())
	if err != nil || !ok {
		return
	}
	hops := autoreply.HopContext{
		HopStart: uint32(pkt.Packet.GetHopStart()),
		HopLimit: uint32(pkt.Packet.GetHopLimit()),
	}
	if rx := pkt.Packet.GetRxTime(); rx != 0 {
		hops.RxTime = time.Unix(int64(rx), 0)
	}
	m.autoAck.HandleText(ctx, node, channel, string(decoded.GetPayload()), pkt.Packet.GetId(), hops)
}

// frameVariant names the FromRadio oneof variant for the FramesDecoded
// metric label, matching the variant names used in dispatch.go's switch.
func frameVariant(msg *meshtastic.FromRadio) string {
	switch msg.GetPayloadVariant().(type) {
	case *meshtastic.FromRadio_MyInfo:
		return "my_info"
	case *meshtastic.FromRadio_Metadata:
		return "metadata"
	case *meshtastic.FromRadio_NodeInfo:
		return "node_info"
	case *meshtastic.FromRadio_Channel:
		return "channel"
	case *meshtastic.FromRadio_Config:
		return "config"
	case *meshtastic.FromRadio_ModuleConfig:
		return "module_config"
	case *meshtastic.FromRadio_ConfigCompleteId:
		return "config_complete_id"
	case *meshtastic.FromRadio_Packet:
		return "packet"
	default:
		return "unknown"
	}
}

func (m *Manager) forwardTransportErrors(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err, ok := <-m.session.Errors():
			if !ok {
				return nil
			}
			m.logger.Warn("transport error", "err", err)
		}
	}
}

func parseNodeID(id string) (uint32, error) {
	var num uint32
	_, err := fmt.Sscanf(id, "!%08x", &num)
	return num, err
}
