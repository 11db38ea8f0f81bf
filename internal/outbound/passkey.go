package outbound

import (
	"context"
	"errors"
	"time"
)

// SessionPasskeyTTL is how long a session passkey is valid after it's
// received, per spec.md §3's SessionPasskey entity (≈290s).
const SessionPasskeyTTL = 290 * time.Second

// sessionPasskeyWait bounds RequestSessionPasskey, per spec.md §4.13/§6:
// it is the only outbound call that waits on a device response, and only
// waits briefly.
const sessionPasskeyWait = 3 * time.Second

// ErrSessionPasskeyTimeout is returned by RequestSessionPasskey when the
// device does not answer within sessionPasskeyWait.
var ErrSessionPasskeyTimeout = errors.New("outbound: timed out waiting for session passkey")

type sessionPasskey struct {
	key       []byte
	expiresAt time.Time
}

// RequestSessionPasskey sends a get-session-key admin request and blocks up
// to sessionPasskeyWait for the device to answer. Only remote-node admin
// operations need this; local TCP admin ops never call it (spec.md §4.7).
func (c *Commands) RequestSessionPasskey(ctx context.Context) error {
	ch := make(chan []byte, 1)
	c.passkeyMu.Lock()
	c.passkeyWaiters = append(c.passkeyWaiters, ch)
	c.passkeyMu.Unlock()

	if err := c.GetSessionKey(ctx); err != nil {
		return err
	}

	select {
	case <-ch:
		return nil
	case <-time.After(sessionPasskeyWait):
		return ErrSessionPasskeyTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ReceiveSessionPasskey is invoked by internal/dispatch when an inbound
// admin message carries a fresh session key. It caches the key with a
// 290s expiry and wakes any RequestSessionPasskey callers waiting on it.
func (c *Commands) ReceiveSessionPasskey(key []byte) {
	c.passkeyMu.Lock()
	c.passkey = sessionPasskey{key: key, expiresAt: time.Now().Add(SessionPasskeyTTL)}
	waiters := c.passkeyWaiters
	c.passkeyWaiters = nil
	c.passkeyMu.Unlock()

	for _, w := range waiters {
		select {
		case w <- key:
		default:
		}
	}
}

// ValidSessionPasskey returns the cached session passkey if it has not yet
// expired. Remote-node admin helpers must call this before sending and fail
// (via RequestSessionPasskey) if it reports false.
func (c *Commands) ValidSessionPasskey() ([]byte, bool) {
	c.passkeyMu.Lock()
	defer c.passkeyMu.Unlock()
	if c.passkey.key == nil || time.Now().After(c.passkey.expiresAt) {
		return nil, false
	}
	return c.passkey.key, true
}
