package capture

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBufferCapturesUntilMatchingComplete(t *testing.T) {
	b := NewBuffer()
	b.BeginCapture(42)
	b.Append([]byte("frame1"))
	b.Append([]byte("frame2"))
	require.True(t, b.IsCapturing())

	b.Complete(99) // mismatched, ignored
	require.True(t, b.IsCapturing())

	b.Complete(42)
	require.False(t, b.IsCapturing())
	require.Equal(t, [][]byte{[]byte("frame1"), []byte("frame2")}, b.Snapshot())
}

func TestBufferClearsOnNewCapture(t *testing.T) {
	b := NewBuffer()
	b.BeginCapture(1)
	b.Append([]byte("old"))
	b.Complete(1)

	b.BeginCapture(2)
	require.Empty(t, b.Snapshot())
	b.Append([]byte("new"))
	require.Equal(t, [][]byte{[]byte("new")}, b.Snapshot())
}

func TestBufferIgnoresAppendWhenNotCapturing(t *testing.T) {
	b := NewBuffer()
	b.Append([]byte("ignored"))
	require.Empty(t, b.Snapshot())
}

func TestSnapshotIsDefensiveCopy(t *testing.T) {
	b := NewBuffer()
	b.BeginCapture(1)
	b.Append([]byte("frame"))

	snap := b.Snapshot()
	snap[0][0] = 'X'

	require.Equal(t, "frame", string(b.Snapshot()[0]))
}
