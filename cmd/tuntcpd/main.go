//go:build linux

// Command tuntcpd runs a minimal user-space TCP/IP stack over a TUN
// device, accepting connections on one port and echoing back whatever it
// reads.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tuntcp/tuntcp/tcp"
	"github.com/tuntcp/tuntcp/tcpmetrics"
	"github.com/tuntcp/tuntcp/tun"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		flagIface      = "tun0"
		flagAddr       = "10.0.0.1/24"
		flagListenAddr = "10.0.0.1"
		flagPort       = 7000
		flagMetrics    = "127.0.0.1:9100"
		flagTimeWait   = 30 * time.Second
		flagVerbose    = false
	)
	flag.StringVar(&flagIface, "i", flagIface, "TUN interface name")
	flag.StringVar(&flagAddr, "addr", flagAddr, "address/prefix to assign the TUN interface (e.g. 10.0.0.1/24)")
	flag.StringVar(&flagListenAddr, "listen-addr", flagListenAddr, "local IPv4 address the stack answers to")
	flag.IntVar(&flagPort, "port", flagPort, "TCP port to listen on")
	flag.StringVar(&flagMetrics, "metrics-addr", flagMetrics, "address to serve /metrics on")
	flag.DurationVar(&flagTimeWait, "timewait", flagTimeWait, "TIME-WAIT duration before a closed connection is evicted")
	flag.BoolVar(&flagVerbose, "v", flagVerbose, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "tuntcpd runs a user-space TCP/IP echo server over a TUN device.\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if flagVerbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	localAddr, err := parseIPv4(flagListenAddr)
	if err != nil {
		return fmt.Errorf("listen-addr: %w", err)
	}

	dev, err := tun.Open(flagIface, flagAddr)
	if err != nil {
		return fmt.Errorf("open tun device: %w", err)
	}
	defer dev.Close()

	ifc := tcp.NewInterface(dev, localAddr, tcp.ConnConfig{TimeWaitDuration: flagTimeWait}, log)

	reg := prometheus.NewRegistry()
	reg.MustRegister(tcpmetrics.New(ifc.Table()))
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	metricsSrv := &http.Server{Addr: flagMetrics, Handler: mux}
	go func() {
		if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server exited", slog.String("err", err.Error()))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := ifc.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("ingress loop exited", slog.String("err", err.Error()))
		}
	}()

	ln, err := ifc.Listen(uint16(flagPort))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", flagPort, err)
	}
	defer ln.Close()

	log.Info("listening", slog.String("iface", flagIface), slog.Int("port", flagPort))
	for {
		stream, err := ln.Accept(ctx)
		if err != nil {
			metricsSrv.Close()
			return nil
		}
		go serve(ctx, stream, log)
	}
}

// serve echoes every byte it reads back to the peer until the connection
// closes or the server shuts down.
func serve(ctx context.Context, s *tcp.Stream, log *slog.Logger) {
	log.Info("accepted", slog.String("quad", s.Quad().String()))
	defer s.Close()
	buf := make([]byte, 4096)
	for {
		n, err := s.Read(ctx, buf)
		for off := 0; off < n; {
			w, werr := s.Write(ctx, buf[off:n])
			if werr == tcp.ErrWouldBlock {
				werr = s.Flush(ctx) // wait for the send queue to drain, then retry.
			}
			if werr != nil {
				log.Debug("write failed", slog.String("quad", s.Quad().String()), slog.String("err", werr.Error()))
				return
			}
			off += w
		}
		if err != nil {
			log.Debug("closing", slog.String("quad", s.Quad().String()), slog.String("err", err.Error()))
			return
		}
	}
}

func parseIPv4(s string) ([4]byte, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return [4]byte{}, fmt.Errorf("invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return [4]byte{}, fmt.Errorf("%q is not an IPv4 address", s)
	}
	return [4]byte(ip4), nil
}
