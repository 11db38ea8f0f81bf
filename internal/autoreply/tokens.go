// Package autoreply implements the two reply engines that originate
// traffic without a human driving them: auto-acknowledge (regex-matched
// triggers) and auto-welcome (first-contact greeting), both built on the
// same token-expanding template language.
package autoreply

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/meshbridge/meshd/internal/device"
	"github.com/meshbridge/meshd/internal/store"
)

// HopContext carries the per-message routing facts a template may reference
// (NUMBER_HOPS/RABBIT_HOPS tokens: hops actually used versus
// the hop budget the sender started the packet with).
type HopContext struct {
	HopStart uint32
	HopLimit uint32
	// RxTime is the triggering packet's receive timestamp; the DATE/TIME
	// tokens fall back to the current wall clock when it is zero.
	RxTime time.Time
}

// Expander renders the fixed token set against the current device/store
// state and one message's routing context.
type Expander struct {
	model     *device.Model
	store     store.Store
	version   string
	features  []string
	startedAt time.Time

	// MaxNodeAgeHours bounds the {NODECOUNT}/{DIRECTCOUNT} lookback window
	// (spec.md §6's maxNodeAgeHours setting); defaults to 24 if unset.
	MaxNodeAgeHours int
}

// NewExpander builds an Expander. version and features feed the VERSION and
// FEATURES tokens; startedAt feeds DURATION (process uptime).
func NewExpander(model *device.Model, st store.Store, version string, features []string, startedAt time.Time) *Expander {
	return &Expander{model: model, store: st, version: version, features: features, startedAt: startedAt, MaxNodeAgeHours: 24}
}

// Expand replaces every {TOKEN} in template with its rendered value.
// Unrecognized tokens are left verbatim rather than erroring, so an operator
// typo in a custom reply template degrades gracefully instead of blocking
// all auto-replies.
func (e *Expander) Expand(ctx context.Context, template string, node store.Node, hops HopContext) string {
	ts := time.Now()
	if !hops.RxTime.IsZero() {
		ts = hops.RxTime
	}
	replacer := strings.NewReplacer(
		"{VERSION}", e.version,
		"{DURATION}", formatDuration(time.Since(e.startedAt)),
		"{FEATURES}", strings.Join(e.features, ", "),
		"{NODECOUNT}", strconv.Itoa(e.nodeCount(ctx)),
		"{DIRECTCOUNT}", strconv.Itoa(e.directCount(ctx)),
		"{NODE_ID}", node.NodeID,
		"{LONG_NAME}", node.LongName,
		"{SHORT_NAME}", node.ShortName,
		"{NUMBER_HOPS}", hopsUsed(hops),
		"{RABBIT_HOPS}", rabbitHops(hops),
		"{DATE}", ts.Format("2006-01-02"),
		"{TIME}", ts.Format("15:04:05"),
	)
	return replacer.Replace(template)
}

func hopsUsed(h HopContext) string {
	if h.HopStart == 0 || h.HopStart < h.HopLimit {
		return "0"
	}
	return strconv.Itoa(int(h.HopStart) - int(h.HopLimit))
}

// rabbitHops renders NUMBER_HOPS as a dartboard for a direct hop, otherwise
// one rabbit per hop travelled.
func rabbitHops(h HopContext) string {
	hops, err := strconv.Atoi(hopsUsed(h))
	if err != nil || hops == 0 {
		return "\U0001F3AF" // 🎯
	}
	return strings.Repeat("\U0001F407", hops) // 🐇
}

func (e *Expander) maxNodeAgeHours() int {
	if e.MaxNodeAgeHours > 0 {
		return e.MaxNodeAgeHours
	}
	return 24
}

func (e *Expander) nodeCount(ctx context.Context) int {
	nodes, err := e.store.GetActiveNodes(ctx, e.maxNodeAgeHours())
	if err != nil {
		return 0
	}
	return len(nodes)
}

func (e *Expander) directCount(ctx context.Context) int {
	nodes, err := e.store.GetActiveNodes(ctx, e.maxNodeAgeHours())
	if err != nil {
		return 0
	}
	count := 0
	for _, n := range nodes {
		if n.HopsAway == 0 {
			count++
		}
	}
	return count
}

// formatDuration renders a duration the way spec.md §4.10 specifies:
// "{d}d {h}h" once at least a day has elapsed, "{h}h {m}m" once at least an
// hour has, "{m}m" once at least a minute has, and "{s}s" otherwise.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	minutes := d / time.Minute
	d -= minutes * time.Minute
	seconds := d / time.Second

	switch {
	case days > 0:
		return fmt.Sprintf("%dd %dh", days, hours)
	case hours > 0:
		return fmt.Sprintf("%dh %dm", hours, minutes)
	case minutes > 0:
		return fmt.Sprintf("%dm", minutes)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}
