package reactor

import (
	"time"

	"github.com/talostrading/reactor/internal"
	"github.com/talostrading/reactor/reactoropts"
	"go.uber.org/zap"
)

// newConnectionFunc receives each accepted descriptor and its peer
// address.
type newConnectionFunc func(fd int, peerAddr InetAddress)

// Acceptor owns the listening socket and turns its readability into
// accepted descriptors. It keeps an idle reserve descriptor so a
// descriptor-exhausted process can still drain the backlog instead of
// leaving the pending connection to retry forever.
type Acceptor struct {
	loop          *EventLoop
	acceptSocket  *socket
	acceptChannel *Channel
	newConnection newConnectionFunc
	listening     bool
	idleFd        int
}

func newAcceptor(loop *EventLoop, listenAddr InetAddress, opts ...reactoropts.Option) *Acceptor {
	fd, err := internal.CreateNonblockingSocket(listenAddr.Family())
	if err != nil {
		logger.Fatal("acceptor: socket", zap.Error(err))
	}
	idleFd, err := internal.OpenIdleFd()
	if err != nil {
		logger.Fatal("acceptor: idle fd", zap.Error(err))
	}

	a := &Acceptor{
		loop:          loop,
		acceptSocket:  newSocket(fd),
		acceptChannel: newChannel(loop, fd),
		idleFd:        idleFd,
	}
	a.acceptSocket.setReuseAddr(true)
	// Nonblocking is not consulted: the listening socket is always
	// non-blocking.
	for _, opt := range opts {
		switch opt.Type() {
		case reactoropts.TypeNoDelay:
			a.acceptSocket.setNoDelay(opt.Value().(bool))
		case reactoropts.TypeReusePort:
			a.acceptSocket.setReusePort(opt.Value().(bool))
		case reactoropts.TypeReuseAddr:
			a.acceptSocket.setReuseAddr(opt.Value().(bool))
		case reactoropts.TypeKeepAlive:
			a.acceptSocket.setKeepAlive(opt.Value().(bool))
		}
	}
	a.acceptSocket.bindAddress(listenAddr)
	a.acceptChannel.SetReadCallback(a.handleRead)
	return a
}

func (a *Acceptor) close() {
	a.acceptChannel.DisableAll()
	a.acceptChannel.Remove()
	a.acceptSocket.close()
	if a.idleFd >= 0 {
		internal.Close(a.idleFd)
	}
}

func (a *Acceptor) setNewConnectionCallback(cb newConnectionFunc) {
	a.newConnection = cb
}

// listen begins listening and registers read interest. In-loop only.
func (a *Acceptor) listen() {
	a.loop.assertInLoopThread()
	a.listening = true
	a.acceptSocket.listen()
	a.acceptChannel.EnableReading()
}

func (a *Acceptor) handleRead(_ time.Time) {
	a.loop.assertInLoopThread()

	fd, peer, err := internal.Accept(a.acceptSocket.fd)
	if err == nil {
		if a.newConnection != nil {
			a.newConnection(fd, addrFromAddrPort(peer))
		} else {
			internal.Close(fd)
		}
		return
	}

	switch internal.ClassifyAcceptError(err) {
	case internal.AcceptRecoverable:
		logger.Debug("acceptor: transient accept failure", zap.Error(err))
	case internal.AcceptExhausted:
		logger.Error("acceptor: descriptor table exhausted", zap.Error(err))
		a.idleFd = internal.DrainExhausted(a.acceptSocket.fd, a.idleFd)
	default:
		logger.Fatal("acceptor: unexpected accept failure", zap.Error(err))
	}
}
