package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/felixge/fgprof"
	"github.com/talostrading/reactor"
)

var (
	addr     = flag.String("addr", "127.0.0.1:9001", "listen address")
	workers  = flag.Int("workers", 4, "worker loops")
	profAddr = flag.String("prof", "localhost:6060", "fgprof listen address")
)

func main() {
	flag.Parse()

	http.DefaultServeMux.Handle("/debug/fgprof", fgprof.Handler())
	go func() {
		log.Println(http.ListenAndServe(*profAddr, nil))
	}()

	listenAddr, err := reactor.ResolveInetAddress(*addr)
	if err != nil {
		log.Fatal(err)
	}

	loop := reactor.NewEventLoop()
	defer loop.Close()

	server := reactor.NewTCPServer(loop, listenAddr, "pingpong")
	server.SetLoopGroup(reactor.NewEventLoopGroup(loop, "pingpong-worker", *workers))
	server.SetConnectionCallback(func(conn *reactor.TCPConn) {
		if conn.Connected() {
			conn.SetTCPNoDelay(true)
		}
	})
	server.SetMessageCallback(func(conn *reactor.TCPConn, buf *reactor.Buffer, _ time.Time) {
		conn.SendBuffer(buf)
	})

	server.Start()
	loop.Loop()
}
