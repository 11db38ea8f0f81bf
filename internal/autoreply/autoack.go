package autoreply

import (
	"context"
	"fmt"
	"regexp"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/meshbridge/meshd/internal/outbound"
	"github.com/meshbridge/meshd/internal/store"
)

// Rule is one configured auto-acknowledge trigger: if Pattern matches an
// inbound text message on an allowed channel, Reply is expanded and sent
// back.
type Rule struct {
	Pattern        string
	Reply          string
	AllowChannels  []int32 // empty means allow every channel; DMs (store.DMChannel) are governed by AllowDirectMsg alone
	AllowDirectMsg bool
	// UseDM redirects the reply to a DM on channel 0 addressed to the
	// sender, dropping the replyId thread, instead of replying in place.
	UseDM bool
}

// AutoAckEngine matches inbound text against a configured rule set and
// sends back a templated reply, compiling each rule's regex once and
// reusing it for the engine's lifetime.
type AutoAckEngine struct {
	logger   *log.Logger
	cmds     *outbound.Commands
	store    store.Store
	expander *Expander

	mu      sync.Mutex
	rules   []Rule
	compile []*regexp.Regexp
}

// NewAutoAckEngine builds an engine from a static rule set. Rules with an
// invalid regex are dropped with a logged warning rather than failing
// construction, so one bad operator-entered pattern doesn't disable every
// other rule.
func NewAutoAckEngine(cmds *outbound.Commands, st store.Store, expander *Expander, rules []Rule) *AutoAckEngine {
	e := &AutoAckEngine{
		logger:   log.With("component", "autoreply.autoack"),
		cmds:     cmds,
		store:    st,
		expander: expander,
	}
	for _, r := range rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			e.logger.Warn("dropping auto-ack rule with invalid pattern", "pattern", r.Pattern, "err", err)
			continue
		}
		e.rules = append(e.rules, r)
		e.compile = append(e.compile, re)
	}
	return e
}

// HandleText considers a newly received text message for auto-ack. channel
// is store.DMChannel for direct messages; packetID is the inbound packet id,
// threaded back as replyId unless the matching rule redirects to a DM.
func (e *AutoAckEngine) HandleText(ctx context.Context, node store.Node, channel int32, text string, packetID uint32, hops HopContext) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, re := range e.compile {
		if !re.MatchString(text) {
			continue
		}
		rule := e.rules[i]
		if !channelAllowed(rule, channel) {
			continue
		}
		reply := e.expander.Expand(ctx, rule.Reply, node, hops)

		replyChannel, to, replyID := channel, node.Num, packetID
		switch {
		case rule.UseDM:
			replyChannel, replyID = store.DMChannel, 0
		case channel != store.DMChannel:
			to = store.BroadcastNum
		}
		if _, err := e.cmds.SendTextReply(ctx, to, replyChannel, reply, replyID, ""); err != nil {
			e.logger.Error("sending auto-ack reply", "node", node.NodeID, "err", err)
			return
		}
		// Our reply doubles as the read receipt for the triggering message.
		key := fmt.Sprintf("%d_%d", node.Num, packetID)
		if err := e.store.MarkMessageAsRead(ctx, key); err != nil {
			e.logger.Error("marking acked message read", "key", key, "err", err)
		}
		return // first matching rule wins
	}
}

func channelAllowed(r Rule, channel int32) bool {
	if channel == store.DMChannel {
		return r.AllowDirectMsg
	}
	if len(r.AllowChannels) == 0 {
		return true
	}
	for _, c := range r.AllowChannels {
		if c == channel {
			return true
		}
	}
	return false
}
