package reactor

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestBufferAppendRetrieve(t *testing.T) {
	buf := NewBuffer()
	require.Equal(t, 0, buf.ReadableBytes())
	require.Equal(t, InitialSize, buf.WritableBytes())
	require.Equal(t, CheapPrepend, buf.PrependableBytes())

	s := bytes.Repeat([]byte("x"), 200)
	buf.Append(s)
	require.Equal(t, 200, buf.ReadableBytes())
	require.Equal(t, InitialSize-200, buf.WritableBytes())

	got := buf.RetrieveAsString(50)
	require.Equal(t, string(s[:50]), got)
	require.Equal(t, 150, buf.ReadableBytes())
	require.Equal(t, CheapPrepend+50, buf.PrependableBytes())

	buf.Append(s)
	require.Equal(t, 350, buf.ReadableBytes())

	rest := buf.RetrieveAllAsString()
	require.Equal(t, 350, len(rest))
	require.Equal(t, 0, buf.ReadableBytes())
	require.Equal(t, InitialSize, buf.WritableBytes())
	require.Equal(t, CheapPrepend, buf.PrependableBytes())
}

func TestBufferGrow(t *testing.T) {
	buf := NewBuffer()
	buf.Append(bytes.Repeat([]byte("y"), 400))
	buf.Retrieve(50)

	buf.Append(bytes.Repeat([]byte("z"), 1000))
	require.Equal(t, 1350, buf.ReadableBytes())

	buf.RetrieveAll()
	require.Equal(t, 0, buf.ReadableBytes())
	require.Equal(t, CheapPrepend, buf.PrependableBytes())
}

// Growth must preserve readable bytes whether it slides or reallocates.
func TestBufferMakeSpacePreservesContent(t *testing.T) {
	buf := NewBuffer()
	buf.Append(bytes.Repeat([]byte("a"), 800))
	buf.Retrieve(700)
	require.Equal(t, 100, buf.ReadableBytes())

	// Writable (224) + prependable (708) covers 300+8: slides, no
	// reallocation.
	capBefore := buf.Capacity()
	buf.Append(bytes.Repeat([]byte("b"), 300))
	require.Equal(t, capBefore, buf.Capacity())
	require.Equal(t, 400, buf.ReadableBytes())
	require.Equal(t, CheapPrepend, buf.PrependableBytes())

	want := append(bytes.Repeat([]byte("a"), 100), bytes.Repeat([]byte("b"), 300)...)
	require.Equal(t, want, buf.Peek())

	// Too big to slide: reallocates, content still intact.
	buf.Append(bytes.Repeat([]byte("c"), 2000))
	want = append(want, bytes.Repeat([]byte("c"), 2000)...)
	require.Equal(t, want, buf.Peek())
}

func TestBufferPrepend(t *testing.T) {
	buf := NewBuffer()
	buf.Append(bytes.Repeat([]byte("q"), 200))

	buf.PrependInt32(123)
	require.Equal(t, 204, buf.ReadableBytes())
	require.Equal(t, CheapPrepend-4, buf.PrependableBytes())
	require.Equal(t, int32(123), buf.ReadInt32())
	require.Equal(t, 200, buf.ReadableBytes())
}

func TestBufferIntRoundTrip(t *testing.T) {
	buf := NewBuffer()
	buf.AppendInt64(0x0102030405060708)
	buf.AppendInt32(-3)
	buf.AppendInt16(513)
	buf.AppendInt8(-1)

	// Big-endian on the wire.
	require.Equal(t,
		[]byte{1, 2, 3, 4, 5, 6, 7, 8},
		buf.Peek()[:8])

	require.Equal(t, int64(0x0102030405060708), buf.PeekInt64())
	require.Equal(t, int64(0x0102030405060708), buf.ReadInt64())
	require.Equal(t, int32(-3), buf.ReadInt32())
	require.Equal(t, int16(513), buf.ReadInt16())
	require.Equal(t, int8(-1), buf.ReadInt8())
	require.Equal(t, 0, buf.ReadableBytes())
}

func TestBufferFindCRLF(t *testing.T) {
	buf := NewBuffer()
	buf.AppendString("hello\r\nworld\r\n")

	require.Equal(t, 5, buf.FindCRLF())
	require.Equal(t, 12, buf.FindCRLFFrom(6))
	require.Equal(t, -1, buf.FindCRLFFrom(13))

	require.Equal(t, 6, buf.FindEOL())
	require.Equal(t, 13, buf.FindEOLFrom(7))
	require.Equal(t, -1, buf.FindEOLFrom(14))
}

func TestBufferPrepareRead(t *testing.T) {
	buf := NewBuffer()
	buf.AppendInt32(7)
	require.NoError(t, buf.PrepareRead(4))
	require.Error(t, buf.PrepareRead(5))
}

func TestBufferShrinkSwap(t *testing.T) {
	buf := NewBuffer()
	buf.Append(bytes.Repeat([]byte("s"), 2000))
	buf.Retrieve(1500)
	buf.Shrink(0)
	require.Equal(t, 500, buf.ReadableBytes())
	require.Equal(t, CheapPrepend+500, buf.Capacity())

	other := NewBuffer()
	other.AppendString("abc")
	buf.Swap(other)
	require.Equal(t, 3, buf.ReadableBytes())
	require.Equal(t, 500, other.ReadableBytes())
}

func TestBufferReadFd(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := bytes.Repeat([]byte("p"), 500)
	_, err = unix.Write(fds[0], payload)
	require.NoError(t, err)

	buf := NewBuffer()
	n, err := buf.ReadFd(fds[1])
	require.NoError(t, err)
	require.Equal(t, 500, n)
	require.Equal(t, payload, buf.Peek())
}

// A read larger than the writable tail must land partly in the spill
// slice and still come out intact.
func TestBufferReadFdSpill(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := bytes.Repeat([]byte("q"), 3000)
	_, err = unix.Write(fds[0], payload)
	require.NoError(t, err)

	buf := NewBuffer()
	total := 0
	for total < len(payload) {
		n, err := buf.ReadFd(fds[1])
		require.NoError(t, err)
		total += n
	}
	require.Equal(t, payload, buf.Peek())
}
