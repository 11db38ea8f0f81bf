package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal io.ReadWriteCloser used to drive StreamConn without
// a real socket.
type fakeConn struct {
	mu     sync.Mutex
	toRead *bytes.Buffer
	writes bytes.Buffer
	closed bool
}

func newFakeConn() *fakeConn {
	return &fakeConn{toRead: bytes.NewBuffer(nil)}
}

func (f *fakeConn) Read(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.toRead.Len() == 0 {
		return 0, io.EOF
	}
	return f.toRead.Read(p)
}

func (f *fakeConn) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes.Write(p)
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestStreamConnRoundTrip(t *testing.T) {
	fc := newFakeConn()
	conn, err := NewClientStreamConn(fc)
	require.NoError(t, err)

	require.NoError(t, writeStreamHeader(fc.toRead, 3))
	fc.toRead.Write([]byte{0x0a, 0x01, 0x41})

	payload, err := conn.RawPayload()
	require.NoError(t, err)
	require.Equal(t, []byte{0x0a, 0x01, 0x41}, payload)
}

func TestWriteStreamHeaderRejectsOversizedFrame(t *testing.T) {
	out := bytes.NewBuffer(nil)
	err := writeStreamHeader(out, maxFrameLen+1)
	require.Error(t, err)
}

func TestSessionDisconnectIsIdempotent(t *testing.T) {
	s := NewSession("127.0.0.1", 1, time.Second)
	require.NoError(t, s.Disconnect())
	require.NoError(t, s.Disconnect())
	require.Equal(t, StateUserDisconnected, s.State())
}

func TestSessionSendWithoutConnectionFails(t *testing.T) {
	s := NewSession("127.0.0.1", 1, time.Second)
	err := s.Send([]byte{0x01})
	require.ErrorIs(t, err, ErrDisconnected)
}

func TestSessionConnectedFiresOnEachConnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 2)
	go func() {
		for i := 0; i < 2; i++ {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			accepted <- c
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	s := NewSession("127.0.0.1", addr.Port, 0)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, s.Connect(ctx))
	select {
	case <-s.Connected():
	case <-time.After(time.Second):
		t.Fatal("did not observe Connected() after initial Connect")
	}

	first := <-accepted
	first.Close() // forces handleLoss -> automatic reconnect

	select {
	case <-s.Connected():
	case <-time.After(2 * time.Second):
		t.Fatal("did not observe Connected() after automatic reconnect")
	}
	<-accepted
}
