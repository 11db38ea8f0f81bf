package autoreply

import (
	"context"
	"strconv"
	"time"

	"github.com/charmbracelet/log"

	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/store"
)

// AutoWelcomeEngine greets a node the first time it's seen, keyed off
// Node.WelcomedAt so a restart never re-sends a welcome to a node that
// already got one (idempotent by design).
type AutoWelcomeEngine struct {
	logger   *log.Logger
	store    store.Store
	cmds     *outbound.Commands
	expander *Expander
	template string

	// Target selects where the welcome lands: empty (the default) sends a
	// direct message; a numeric string 0-7 sends to that channel index
	// instead, per spec.md §4.10's configurable welcome target.
	Target string

	// WaitForName requires a non-placeholder long and short name before
	// welcoming, per spec.md §4.10; when false, a NodeInfo carrying no
	// name yet is still welcomed immediately.
	WaitForName bool
}

// NewAutoWelcomeEngine builds an engine that sends template as a direct
// message on first contact.
func NewAutoWelcomeEngine(st store.Store, cmds *outbound.Commands, expander *Expander, template string) *AutoWelcomeEngine {
	return &AutoWelcomeEngine{
		logger:   log.With("component", "autoreply.welcome"),
		store:    st,
		cmds:     cmds,
		expander: expander,
		template: template,
	}
}

// destination resolves the configured Target into a (to, channel) pair:
// a numeric Target broadcasts on that channel index, anything else (the
// zero value included) sends a direct message to node.
func (e *AutoWelcomeEngine) destination(node store.Node) (to uint32, channel int32) {
	if idx, err := strconv.Atoi(e.Target); err == nil && idx >= 0 && idx <= 7 {
		return store.BroadcastNum, int32(idx)
	}
	return node.Num, store.DMChannel
}

// Consider welcomes node if it has never been welcomed before. The node row
// passed in already reflects the latest nodeinfo; once the welcome is sent,
// Consider stamps WelcomedAt on it and persists it with its own UpsertNode.
func (e *AutoWelcomeEngine) Consider(ctx context.Context, node store.Node) {
	if node.WelcomedAt != nil {
		return
	}
	if e.template == "" {
		return
	}
	if e.WaitForName && (node.LongName == "" || node.ShortName == "") {
		return
	}

	reply := e.expander.Expand(ctx, e.template, node, HopContext{})
	to, channel := e.destination(node)
	if _, err := e.cmds.SendText(ctx, to, channel, reply); err != nil {
		e.logger.Error("sending welcome message", "node", node.NodeID, "err", err)
		return
	}

	now := nowFunc()
	node.WelcomedAt = &now
	if err := e.store.UpsertNode(ctx, node); err != nil {
		e.logger.Error("recording welcomed node", "node", node.NodeID, "err", err)
	}
}

// nowFunc is a seam so tests can observe a stable timestamp without
// depending on wall-clock precision.
var nowFunc = time.Now
