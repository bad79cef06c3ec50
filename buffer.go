package reactor

import (
	"bytes"
	"encoding/binary"

	"github.com/talostrading/reactor/reactorerrors"
	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend bytes are reserved in front of the readable window so a
	// length or type field can be prepended without moving the payload.
	CheapPrepend = 8
	// InitialSize is the usable capacity a fresh Buffer starts with.
	InitialSize = 1024
)

var crlf = []byte("\r\n")

// Buffer is a growable byte store split into three windows:
//
//	[ prependable | readable | writable ]
//	0 <= readerIndex <= writerIndex <= len(buf)
//
// Bytes are appended into the writable window and consumed from the
// readable window. Retrieving everything resets both indices so the cheap
// prepend region is restored.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

func NewBuffer() *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+InitialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int {
	return b.writerIndex - b.readerIndex
}

func (b *Buffer) WritableBytes() int {
	return len(b.buf) - b.writerIndex
}

func (b *Buffer) PrependableBytes() int {
	return b.readerIndex
}

// Peek returns the readable window without consuming it.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// FindCRLF returns the index of the first "\r\n" in the readable window,
// relative to its start, or -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// FindCRLFFrom is FindCRLF starting the search at offset from.
func (b *Buffer) FindCRLFFrom(from int) int {
	if from < 0 || from > b.ReadableBytes() {
		return -1
	}
	i := bytes.Index(b.Peek()[from:], crlf)
	if i < 0 {
		return -1
	}
	return from + i
}

// FindEOL returns the index of the first '\n' in the readable window, or -1.
func (b *Buffer) FindEOL() int {
	return bytes.IndexByte(b.Peek(), '\n')
}

// FindEOLFrom is FindEOL starting the search at offset from.
func (b *Buffer) FindEOLFrom(from int) int {
	if from < 0 || from > b.ReadableBytes() {
		return -1
	}
	i := bytes.IndexByte(b.Peek()[from:], '\n')
	if i < 0 {
		return -1
	}
	return from + i
}

// Retrieve consumes n readable bytes. Consuming everything resets the
// buffer so the prepend region regains its full size.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

// RetrieveUntil consumes up to index end of the readable window.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

// RetrieveAllAsString consumes and returns the whole readable window.
func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveAsString consumes and returns n readable bytes.
func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.Peek()[:n])
	b.Retrieve(n)
	return s
}

// Append copies data into the writable window, growing as needed.
func (b *Buffer) Append(data []byte) {
	b.EnsureWritableBytes(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.hasWritten(len(data))
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritableBytes(len(s))
	copy(b.buf[b.writerIndex:], s)
	b.hasWritten(len(s))
}

// EnsureWritableBytes grows or compacts the buffer until at least n bytes
// are writable.
func (b *Buffer) EnsureWritableBytes(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) hasWritten(n int) {
	b.writerIndex += n
}

// Unwrite gives back the last n written-but-unread bytes.
func (b *Buffer) Unwrite(n int) {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	b.writerIndex -= n
}

// Prepend copies data in front of the readable window. The caller must not
// prepend more than PrependableBytes.
func (b *Buffer) Prepend(data []byte) {
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

func (b *Buffer) AppendInt64(v int64) {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(v))
	b.Append(be[:])
}

func (b *Buffer) AppendInt32(v int32) {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], uint32(v))
	b.Append(be[:])
}

func (b *Buffer) AppendInt16(v int16) {
	var be [2]byte
	binary.BigEndian.PutUint16(be[:], uint16(v))
	b.Append(be[:])
}

func (b *Buffer) AppendInt8(v int8) {
	b.Append([]byte{byte(v)})
}

// PeekInt64 reads a big-endian int64 from the front of the readable window
// without consuming it.
func (b *Buffer) PeekInt64() int64 {
	return int64(binary.BigEndian.Uint64(b.Peek()[:8]))
}

func (b *Buffer) PeekInt32() int32 {
	return int32(binary.BigEndian.Uint32(b.Peek()[:4]))
}

func (b *Buffer) PeekInt16() int16 {
	return int16(binary.BigEndian.Uint16(b.Peek()[:2]))
}

func (b *Buffer) PeekInt8() int8 {
	return int8(b.Peek()[0])
}

func (b *Buffer) ReadInt64() int64 {
	v := b.PeekInt64()
	b.Retrieve(8)
	return v
}

func (b *Buffer) ReadInt32() int32 {
	v := b.PeekInt32()
	b.Retrieve(4)
	return v
}

func (b *Buffer) ReadInt16() int16 {
	v := b.PeekInt16()
	b.Retrieve(2)
	return v
}

func (b *Buffer) ReadInt8() int8 {
	v := b.PeekInt8()
	b.Retrieve(1)
	return v
}

func (b *Buffer) PrependInt64(v int64) {
	var be [8]byte
	binary.BigEndian.PutUint64(be[:], uint64(v))
	b.Prepend(be[:])
}

func (b *Buffer) PrependInt32(v int32) {
	var be [4]byte
	binary.BigEndian.PutUint32(be[:], uint32(v))
	b.Prepend(be[:])
}

func (b *Buffer) PrependInt16(v int16) {
	var be [2]byte
	binary.BigEndian.PutUint16(be[:], uint16(v))
	b.Prepend(be[:])
}

func (b *Buffer) PrependInt8(v int8) {
	b.Prepend([]byte{byte(v)})
}

// PrepareRead reports whether n bytes can be read from the readable
// window, returning ErrNeedMore when the frame is still incomplete.
func (b *Buffer) PrepareRead(n int) error {
	if b.ReadableBytes() < n {
		return reactorerrors.ErrNeedMore
	}
	return nil
}

// Swap exchanges the contents of two buffers without copying.
func (b *Buffer) Swap(other *Buffer) {
	b.buf, other.buf = other.buf, b.buf
	b.readerIndex, other.readerIndex = other.readerIndex, b.readerIndex
	b.writerIndex, other.writerIndex = other.writerIndex, b.writerIndex
}

// Shrink drops excess capacity, keeping the readable bytes plus reserve
// writable bytes.
func (b *Buffer) Shrink(reserve int) {
	readable := b.ReadableBytes()
	buf := make([]byte, CheapPrepend+readable+reserve)
	copy(buf[CheapPrepend:], b.Peek())
	b.buf = buf
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend + readable
}

func (b *Buffer) Capacity() int {
	return len(b.buf)
}

// makeSpace either compacts the readable window back to CheapPrepend or
// grows the storage, whichever makes n bytes writable. Readable bytes are
// preserved by both branches.
func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		buf := make([]byte, b.writerIndex+n)
		copy(buf, b.buf[:b.writerIndex])
		b.buf = buf
		return
	}
	readable := b.ReadableBytes()
	copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
	b.readerIndex = CheapPrepend
	b.writerIndex = b.readerIndex + readable
}

// ReadFd drains fd into the buffer with a two-iovec scatter read: the
// writable tail first, then a 65536-byte spill slice that is appended
// afterwards. One syscall drains large reads while the resident buffer
// stays small. Returns the byte count and the errno on failure.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var spill [65536]byte
	writable := b.WritableBytes()

	iovs := [2][]byte{b.buf[b.writerIndex:], spill[:]}
	nvec := 2
	if writable >= len(spill) {
		nvec = 1
	}

	n, err := unix.Readv(fd, iovs[:nvec])
	if err != nil {
		return -1, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(spill[:n-writable])
	}
	return n, nil
}
