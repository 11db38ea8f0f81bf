package outbound

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/meshbridge/meshd/internal/store"
)

// Tracker drives the outbound delivery state machine:
//
//	pending   -> delivered   (self ACK: the originating node's own routing ack)
//	pending   -> confirmed   (target ACK: a direct message's addressee acked it)
//	delivered -> confirmed   (target ACK after the self ACK)
//	pending   -> failed      (a NAK, or the request times out un-acked)
//
// Channel broadcasts have no addressee to confirm from, so they terminate at
// delivered. Terminal states are never downgraded.
type Tracker struct {
	logger *log.Logger
	store  store.Store

	mu      sync.Mutex
	pending map[uint32]*pendingSend

	// OnTransition, if set, is called after every delivery state change this
	// tracker commits, for callers that want to observe it (metrics, push
	// notifications on a failed send).
	OnTransition func(state store.DeliveryState)
}

type pendingSend struct {
	toNum   uint32
	channel int32
	cancel  context.CancelFunc
}

// NewTracker builds a Tracker backed by a durable Store for state
// transitions (the in-memory pending map exists only to run per-request
// ack-timeout timers).
func NewTracker(st store.Store) *Tracker {
	return &Tracker{
		logger:  log.With("component", "outbound.tracker"),
		store:   st,
		pending: make(map[uint32]*pendingSend),
	}
}

// Track registers a freshly sent request for ack-timeout bookkeeping. If the
// request's message is still pending when timeout elapses, it is marked
// failed.
func (t *Tracker) Track(ctx context.Context, requestID uint32, toNum uint32, channel int32, timeout time.Duration) {
	ctx, cancel := context.WithCancel(ctx)

	t.mu.Lock()
	t.pending[requestID] = &pendingSend{toNum: toNum, channel: channel, cancel: cancel}
	t.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(timeout):
		}
		t.mu.Lock()
		_, stillPending := t.pending[requestID]
		delete(t.pending, requestID)
		t.mu.Unlock()
		if !stillPending {
			return
		}
		// A DM that reached delivered via a self-ack may still be waiting on
		// the addressee's confirmation when the timer fires; delivered is as
		// far as that send will get, and the state machine has no
		// delivered -> failed edge.
		msg, ok, err := t.store.GetMessageByRequestID(context.Background(), requestID)
		if err != nil {
			t.logger.Error("looking up timed-out message", "request_id", requestID, "err", err)
			return
		}
		if !ok || msg.DeliveryState != store.DeliveryPending {
			return
		}
		if err := t.store.UpdateMessageDeliveryState(context.Background(), requestID, store.DeliveryFailed); err != nil {
			t.logger.Error("marking timed-out message failed", "request_id", requestID, "err", err)
			return
		}
		if t.OnTransition != nil {
			t.OnTransition(store.DeliveryFailed)
		}
	}()
}

// forget stops the timeout timer for a request, called once a terminal
// transition, or a broadcast's delivered transition, has landed.
func (t *Tracker) forget(requestID uint32) {
	t.mu.Lock()
	p, ok := t.pending[requestID]
	delete(t.pending, requestID)
	t.mu.Unlock()
	if ok {
		p.cancel()
	}
}

// HandleAck applies a routing ack/nak observed for requestID. fromNum is the
// node that emitted the routing packet; isSelf is true when that's this
// bridge's own local node (the "transmitted to mesh" relay ack). Per
// spec.md §4.6: a self-ack is always "delivered"; for a DM, an ack from the
// intended recipient additionally advances to "confirmed"; an ack from
// anyone else (a forwarding intermediate) is ignored outright, since it
// confirms nothing about the original message's fate.
func (t *Tracker) HandleAck(ctx context.Context, requestID uint32, fromNum uint32, isSelf, failed bool) {
	msg, ok, err := t.store.GetMessageByRequestID(ctx, requestID)
	if err != nil {
		t.logger.Error("looking up message for ack", "request_id", requestID, "err", err)
		return
	}
	if !ok {
		return
	}
	if msg.DeliveryState == store.DeliveryConfirmed || msg.DeliveryState == store.DeliveryFailed {
		return // terminal, never downgraded
	}

	isBroadcast := msg.ToNum == store.BroadcastNum
	isFromTarget := !isBroadcast && fromNum == msg.ToNum

	var next store.DeliveryState
	switch {
	case failed:
		if msg.DeliveryState != store.DeliveryPending {
			return // no delivered -> failed edge
		}
		next = store.DeliveryFailed
	case isSelf:
		next = store.DeliveryDelivered
	case isFromTarget:
		next = store.DeliveryConfirmed
	default:
		return // non-target intermediate ack: nothing to record
	}

	if next == store.DeliveryDelivered && msg.DeliveryState == store.DeliveryConfirmed {
		return // never downgrade confirmed back to delivered
	}

	if err := t.store.UpdateMessageDeliveryState(ctx, requestID, next); err != nil {
		t.logger.Error("updating delivery state", "request_id", requestID, "err", err)
		return
	}
	if t.OnTransition != nil {
		t.OnTransition(next)
	}

	if next == store.DeliveryConfirmed || next == store.DeliveryFailed {
		t.forget(requestID)
	}
	if next == store.DeliveryDelivered && isBroadcast {
		t.forget(requestID)
	}
}
