// Package schedule runs the two background timers the bridge owns: the
// traceroute probe loop and the announcement loop.
package schedule

import (
	"context"
	"time"

	"github.com/charmbracelet/log"

	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/store"
)

// MinTracerouteInterval and MaxTracerouteInterval bound the configurable
// probe cadence (0-60 minutes; 0 disables the scheduler).
const (
	MinTracerouteInterval = 0 * time.Minute
	MaxTracerouteInterval = 60 * time.Minute
)

// TracerouteScheduler periodically asks the oldest-unprobed (or
// least-recently-probed) node for a traceroute, spreading probes evenly
// across the known node set instead of hammering one node repeatedly.
type TracerouteScheduler struct {
	logger   *log.Logger
	store    store.Store
	cmds     *outbound.Commands
	interval time.Duration

	// OnTick, if set, is called once per timer fire (whether or not a node
	// needing a probe was found), for callers that want to observe
	// scheduler activity (e.g. a metrics counter).
	OnTick func()

	// Ready, if set, gates each tick: a probe is only issued while the
	// transport is connected and the local node is known. Left nil, ticks
	// always probe.
	Ready func() bool
}

// NewTracerouteScheduler builds a scheduler with the given probe interval.
// An interval of 0 means the scheduler never fires; Run then just blocks
// until ctx is cancelled.
func NewTracerouteScheduler(st store.Store, cmds *outbound.Commands, interval time.Duration) *TracerouteScheduler {
	return &TracerouteScheduler{
		logger:   log.With("component", "schedule.traceroute"),
		store:    st,
		cmds:     cmds,
		interval: interval,
	}
}

// Run blocks until ctx is cancelled, firing one traceroute probe per tick.
func (s *TracerouteScheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *TracerouteScheduler) tick(ctx context.Context) {
	if s.OnTick != nil {
		s.OnTick()
	}
	if s.Ready != nil && !s.Ready() {
		return
	}
	node, ok, err := s.store.GetNodeNeedingTraceroute(ctx)
	if err != nil {
		s.logger.Error("selecting node for traceroute", "err", err)
		return
	}
	if !ok {
		return
	}
	if _, err := s.cmds.SendTraceroute(ctx, node.Num, uint32(node.Channel)); err != nil {
		s.logger.Error("sending scheduled traceroute", "node", node.Num, "err", err)
	}
}
