// Package capture buffers the raw frames exchanged during a session's init
// handshake so a virtual-node replay consumer can be handed an exact replica
// of what the physical radio sent between want_config_id and
// config_complete_id.
package capture

import "sync"

// Buffer is a ring of raw frames captured while isCapturingInit is true.
// It is cleared on every new connection and frozen the instant
// ConfigComplete observes the matching config ID.
type Buffer struct {
	mu        sync.Mutex
	capturing bool
	configID  uint32
	frames    [][]byte
}

// NewBuffer returns an empty, non-capturing Buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// BeginCapture clears any prior frames and starts capturing for the given
// want_config_id. Called once per Session.Connect.
func (b *Buffer) BeginCapture(configID uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capturing = true
	b.configID = configID
	b.frames = nil
}

// Append records a raw frame if a capture is in progress. No-op otherwise,
// so steady-state traffic never grows the buffer.
func (b *Buffer) Append(raw []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.capturing {
		return
	}
	cp := make([]byte, len(raw))
	copy(cp, raw)
	b.frames = append(b.frames, cp)
}

// Complete freezes the buffer once the completion ID matches the
// want_config_id the capture started with. A mismatched ID (a stale
// completion from a previous handshake) is ignored. Reports whether this
// call actually froze the buffer, so a caller can fire a one-shot
// completion callback exactly once per session.
func (b *Buffer) Complete(configCompleteID uint32) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.capturing || configCompleteID != b.configID {
		return false
	}
	b.capturing = false
	return true
}

// IsCapturing reports whether the buffer is still accepting frames.
func (b *Buffer) IsCapturing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.capturing
}

// Snapshot returns a defensive copy of the frames captured so far (or the
// final frozen set, once capture has completed).
func (b *Buffer) Snapshot() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.frames))
	for i, f := range b.frames {
		cp := make([]byte, len(f))
		copy(cp, f)
		out[i] = cp
	}
	return out
}
