package main

import (
	"encoding/binary"
	"flag"
	"log"
	"net"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	"github.com/talostrading/reactor/util"
)

var (
	addr = flag.String("addr", "127.0.0.1:9001", "address to connect to")
	n    = flag.Int64("n", 1024*32, "samples in a batch")

	hist = hdrhistogram.New(1, 10_000_000, 1)
)

func record(diff int64) {
	if err := hist.RecordValue(diff); err != nil {
		// diff might be too big for the histogram and we ignore it
		log.Printf("err=%v\n", err)
		return
	}
	if hist.TotalCount() >= *n {
		log.Printf(
			"min/avg/max/stddev = %d/%d/%d/%d p50=%d p90=%d p95=%d p99=%d p99.9=%d",
			hist.Min(),
			int64(hist.Mean()),
			hist.Max(),
			int64(hist.StdDev()),
			hist.ValueAtPercentile(50.0),
			hist.ValueAtPercentile(90.0),
			hist.ValueAtPercentile(95.0),
			hist.ValueAtPercentile(99.0),
			hist.ValueAtPercentile(99.9),
		)
		hist.Reset()
	}
}

func main() {
	flag.Parse()

	conn, err := net.Dial("tcp", *addr)
	if err != nil {
		log.Fatal(err)
	}
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true)
	}

	stats := util.NewStats(1024, func(r util.Result) {
		log.Printf("batch min/avg/max/stddev us = %.0f/%.0f/%.0f/%.0f",
			r.Min, r.Avg, r.Max, r.StdDev)
	})

	b := make([]byte, 8)
	for {
		binary.LittleEndian.PutUint64(b, uint64(time.Now().UnixNano()))
		if _, err := conn.Write(b); err != nil {
			log.Fatal(err)
		}
		if _, err := conn.Read(b); err != nil {
			log.Fatal(err)
		}
		sent := int64(binary.LittleEndian.Uint64(b))
		us := (time.Now().UnixNano() - sent) / 1000
		record(us)
		stats.Add(float64(us))
	}
}
