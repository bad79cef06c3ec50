package reactor

import (
	"github.com/talostrading/reactor/internal"
	"go.uber.org/zap"
)

// socket owns one descriptor and closes it exactly once.
type socket struct {
	fd int
}

func newSocket(fd int) *socket {
	return &socket{fd: fd}
}

func (s *socket) bindAddress(addr InetAddress) {
	if err := internal.Bind(s.fd, addr.AddrPort()); err != nil {
		logger.Fatal("socket: bind", zap.String("addr", addr.String()),
			zap.Error(err))
	}
}

func (s *socket) listen() {
	if err := internal.Listen(s.fd); err != nil {
		logger.Fatal("socket: listen", zap.Error(err))
	}
}

func (s *socket) shutdownWrite() {
	if err := internal.ShutdownWrite(s.fd); err != nil {
		logger.Error("socket: shutdown write", zap.Error(err))
	}
}

func (s *socket) setReuseAddr(on bool) {
	if err := internal.SetReuseAddr(s.fd, on); err != nil {
		logger.Error("socket: reuse addr", zap.Error(err))
	}
}

func (s *socket) setReusePort(on bool) {
	if err := internal.SetReusePort(s.fd, on); err != nil {
		logger.Error("socket: reuse port", zap.Error(err))
	}
}

func (s *socket) setKeepAlive(on bool) {
	if err := internal.SetKeepAlive(s.fd, on); err != nil {
		logger.Error("socket: keep alive", zap.Error(err))
	}
}

func (s *socket) setNoDelay(on bool) {
	if err := internal.SetNoDelay(s.fd, on); err != nil {
		logger.Error("socket: no delay", zap.Error(err))
	}
}

func (s *socket) close() {
	internal.Close(s.fd)
}
