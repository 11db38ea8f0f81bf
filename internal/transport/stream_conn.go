package transport

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"google.golang.org/protobuf/proto"
)

// Meshtastic stream framing: two magic bytes, a big-endian uint16 length,
// then that many bytes of a serialized protobuf message. The TCP and
// serial APIs share this exact framing; only the underlying io.ReadWriteCloser
// differs between a client dialing a radio and a radio accepting a client.
const (
	Start1 = 0x94
	Start2 = 0xc3

	maxFrameLen = 1024 * 16
)

// StreamConn reads and writes length-framed Meshtastic protobuf messages
// over an arbitrary io.ReadWriteCloser. A client-side conn frames ToRadio on
// write and FromRadio on read; a radio-side conn (used only in tests here)
// does the opposite.
type StreamConn struct {
	mu sync.Mutex
	rw io.ReadWriteCloser
	r  *bufio.Reader
}

// NewClientStreamConn wraps a connection dialed to a radio: Write frames
// ToRadio, Read decodes FromRadio.
func NewClientStreamConn(rw io.ReadWriteCloser) (*StreamConn, error) {
	return &StreamConn{rw: rw, r: bufio.NewReader(rw)}, nil
}

// NewRadioStreamConn wraps the radio side of a connection: Write frames
// FromRadio, Read decodes ToRadio. Used by tests to emulate a radio without
// a real device.
func NewRadioStreamConn(rw io.ReadWriteCloser) *StreamConn {
	return &StreamConn{rw: rw, r: bufio.NewReader(rw)}
}

func writeStreamHeader(w io.Writer, length int) error {
	if length < 0 || length > maxFrameLen {
		return fmt.Errorf("frame length %d out of range", length)
	}
	header := [4]byte{Start1, Start2, 0, 0}
	binary.BigEndian.PutUint16(header[2:], uint16(length))
	_, err := w.Write(header[:])
	return err
}

// Write marshals msg and writes one framed message to the underlying
// connection. Safe for concurrent use.
func (c *StreamConn) Write(msg proto.Message) error {
	payload, err := proto.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := writeStreamHeader(c.rw, len(payload)); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := c.rw.Write(payload); err != nil {
		return fmt.Errorf("writing frame payload: %w", err)
	}
	return nil
}

// Read blocks until one framed message has been read and unmarshalled into
// msg. Read is not safe for concurrent use by multiple goroutines; the
// manager owns a single reader goroutine per session.
func (c *StreamConn) Read(msg proto.Message) error {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		if b != Start1 {
			continue
		}
		b2, err := c.r.ReadByte()
		if err != nil {
			return err
		}
		if b2 != Start2 {
			continue
		}
		break
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return fmt.Errorf("reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if int(length) > maxFrameLen {
		return fmt.Errorf("frame length %d exceeds maximum", length)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return fmt.Errorf("reading frame payload: %w", err)
	}

	return proto.Unmarshal(payload, msg)
}

// RawPayload reads one frame the same way Read does but returns the raw
// bytes without decoding them, for callers (the init-capture buffer, the
// virtual-node fan-out) that need the opaque wire bytes rather than the
// parsed message.
func (c *StreamConn) RawPayload() ([]byte, error) {
	for {
		b, err := c.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != Start1 {
			continue
		}
		b2, err := c.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b2 != Start2 {
			continue
		}
		break
	}
	var lenBuf [2]byte
	if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
		return nil, fmt.Errorf("reading frame length: %w", err)
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if int(length) > maxFrameLen {
		return nil, fmt.Errorf("frame length %d exceeds maximum", length)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return nil, fmt.Errorf("reading frame payload: %w", err)
	}
	return payload, nil
}

// Close closes the underlying connection. Idempotent in the sense that a
// second Close on an already-closed net.Conn simply returns the OS error,
// which callers treat as non-fatal.
func (c *StreamConn) Close() error {
	return c.rw.Close()
}
