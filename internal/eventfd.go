//go:build linux

package internal

import (
	"encoding/binary"
	"os"

	"golang.org/x/sys/unix"
)

// EventFd is the wakeup primitive a loop registers for reads in its own
// poller. Any goroutine may Write to it; the owning loop Reads to quiesce
// the counter. Only the fact that at least one write happened matters, not
// the counter's value.
type EventFd struct {
	fd  int
	buf [8]byte
}

func NewEventFd() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &EventFd{fd: fd}, nil
}

func (e *EventFd) Fd() int {
	return e.fd
}

func (e *EventFd) Write(x uint64) (int, error) {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], x)
	return unix.Write(e.fd, b[:])
}

// Read drains the counter and returns its value.
func (e *EventFd) Read() (uint64, error) {
	n, err := unix.Read(e.fd, e.buf[:])
	if err != nil || n != 8 {
		return 0, err
	}
	return binary.NativeEndian.Uint64(e.buf[:]), nil
}

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}
