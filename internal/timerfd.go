//go:build linux

package internal

import (
	"encoding/binary"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// TimerFd is a kernel timer on the monotonic clock. A timer queue arms it
// to its earliest expiration and reads it on readability to quiesce the
// expiration count.
type TimerFd struct {
	fd  int
	buf [8]byte
}

func NewTimerFd() (*TimerFd, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC,
		unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("timerfd_create", err)
	}
	return &TimerFd{fd: fd}, nil
}

func (t *TimerFd) Fd() int {
	return t.fd
}

// ArmAt sets a one-shot expiration at the given absolute time. Expirations
// in the past or less than 100µs away are clamped to 100µs so the kernel
// never sees a zero it_value, which would disarm the timer.
func (t *TimerFd) ArmAt(when time.Time) error {
	d := time.Until(when)
	if d < 100*time.Microsecond {
		d = 100 * time.Microsecond
	}
	ts := unix.NsecToTimespec(d.Nanoseconds())
	err := unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{Value: ts}, nil)
	if err != nil {
		return os.NewSyscallError("timerfd_settime", err)
	}
	return nil
}

// Disarm cancels any pending expiration.
func (t *TimerFd) Disarm() error {
	err := unix.TimerfdSettime(t.fd, 0, &unix.ItimerSpec{}, nil)
	if err != nil {
		return os.NewSyscallError("timerfd_settime", err)
	}
	return nil
}

// Read consumes the pending expiration count.
func (t *TimerFd) Read() (uint64, int, error) {
	n, err := unix.Read(t.fd, t.buf[:])
	if err != nil {
		return 0, n, err
	}
	return binary.NativeEndian.Uint64(t.buf[:]), n, nil
}

func (t *TimerFd) Close() error {
	t.Disarm()
	return unix.Close(t.fd)
}
