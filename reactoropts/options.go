package reactoropts

import "fmt"

type OptionType uint8

type Option interface {
	Type() OptionType
	Value() interface{}
}

const (
	TypeNonblocking OptionType = iota
	TypeReusePort
	TypeReuseAddr
	TypeNoDelay
	TypeKeepAlive
	MaxOption
)

func (t OptionType) String() string {
	switch t {
	case TypeNonblocking:
		return "nonblocking"
	case TypeReusePort:
		return "reuse_port"
	case TypeReuseAddr:
		return "reuse_addr"
	case TypeNoDelay:
		return "no_delay"
	case TypeKeepAlive:
		return "keep_alive"
	default:
		panic(fmt.Errorf("invalid option %d", t))
	}
}

type boolOption struct {
	t OptionType
	v bool
}

func (o *boolOption) Type() OptionType   { return o.t }
func (o *boolOption) Value() interface{} { return o.v }

// Nonblocking sets O_NONBLOCK on the socket.
func Nonblocking(v bool) Option { return &boolOption{TypeNonblocking, v} }

// ReusePort sets SO_REUSEPORT on the socket.
func ReusePort(v bool) Option { return &boolOption{TypeReusePort, v} }

// ReuseAddr sets SO_REUSEADDR on the socket.
func ReuseAddr(v bool) Option { return &boolOption{TypeReuseAddr, v} }

// NoDelay sets TCP_NODELAY on the socket.
func NoDelay(v bool) Option { return &boolOption{TypeNoDelay, v} }

// KeepAlive sets SO_KEEPALIVE on the socket.
func KeepAlive(v bool) Option { return &boolOption{TypeKeepAlive, v} }
