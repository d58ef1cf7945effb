// Command usend streams a file (or stdin) to a urecv peer over the
// reliable UDP transport. The local socket can be deliberately impaired
// with a YAML profile to demonstrate recovery, and transfer counters
// can be exposed as prometheus metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/schollz/progressbar/v3"
	"golang.org/x/sync/errgroup"

	"github.com/NieTiger/ustream"
	"github.com/NieTiger/ustream/internal/lossy"
	"github.com/NieTiger/ustream/internal/stats"
)

const sendChunk = 32 * 1024

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	remote := fs.String("remote", "", "Peer address (host:port)")
	local := fs.String("local", "", "Local bind address (default: any interface, ephemeral port)")
	file := fs.String("file", "-", "File to send, - for stdin")
	impair := fs.String("impair", "", "YAML impairment profile applied to the local socket")
	metricsAddr := fs.String("metrics-addr", "", "Expose prometheus metrics on this address")
	pcapPath := fs.String("pcap", "", "Write a datagram capture to this file")
	window := fs.Int("window", ustream.DefaultWindow, "Maximum packets in flight")
	timeout := fs.Duration("timeout", ustream.DefaultRetransmitTimeout, "Retransmission timeout")
	flushTimeout := fs.Duration("flush-timeout", 30*time.Second, "How long to wait for the peer to ack everything")
	verbose := fs.Bool("v", false, "Debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *remote == "" {
		fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(log, *remote, *local, *file, *impair, *metricsAddr, *pcapPath, *window, *timeout, *flushTimeout); err != nil {
		fmt.Fprintf(os.Stderr, "usend: %v\n", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, remote, local, file, impair, metricsAddr, pcapPath string, window int, timeout, flushTimeout time.Duration) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	input := io.Reader(os.Stdin)
	size := int64(-1)
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return err
		}
		defer f.Close()
		if fi, err := f.Stat(); err == nil && fi.Mode().IsRegular() {
			size = fi.Size()
		}
		input = f
	}

	opts := []ustream.Option{
		ustream.WithLogger(log),
		ustream.WithWindow(window),
		ustream.WithRetransmitTimeout(timeout),
	}

	if impair != "" {
		conn, err := impairedConn(local, impair)
		if err != nil {
			return err
		}
		opts = append(opts, ustream.WithPacketConn(conn))
	}

	if pcapPath != "" {
		f, err := os.Create(pcapPath)
		if err != nil {
			return err
		}
		defer f.Close()
		opts = append(opts, ustream.WithCapture(f))
	}

	s, err := ustream.New(local, remote, opts...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(stats.NewCollector("ustream",
			prometheus.Labels{"stream": s.ID(), "remote": remote}, s.Stats))

		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		g.Go(func() error {
			if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		defer stop() // transfer done: release the metrics goroutines

		bar := progressbar.DefaultBytes(size, "sending")
		buf := make([]byte, sendChunk)
		for {
			if err := ctx.Err(); err != nil {
				return err
			}
			n, err := input.Read(buf)
			if n > 0 {
				if err := s.Send(buf[:n]); err != nil {
					return err
				}
				_ = bar.Add(n)
			}
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return err
			}
		}
		_ = bar.Finish()

		if err := awaitFlush(ctx, s, flushTimeout); err != nil {
			return err
		}
		return s.Close()
	})

	err = g.Wait()

	snap := s.Stats()
	log.Info("transfer finished",
		"sent", snap.PacketsSent,
		"retransmits", snap.Retransmits,
		"acked_watermark", snap.AckedWatermark)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// awaitFlush waits until the peer has acknowledged everything queued.
// Close alone does not flush: the FIN handshake completes as soon as
// the FIN itself is confirmed.
func awaitFlush(ctx context.Context, s *ustream.Stream, timeout time.Duration) error {
	deadline := time.After(timeout)
	for {
		snap := s.Stats()
		if snap.BytesQueued == 0 && snap.InFlight == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("peer did not acknowledge all data within %v", timeout)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func impairedConn(local, profilePath string) (net.PacketConn, error) {
	f, err := os.Open(profilePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	profile, err := lossy.LoadProfile(f)
	if err != nil {
		return nil, err
	}

	if local == "" {
		local = ":0"
	}
	pc, err := net.ListenPacket("udp", local)
	if err != nil {
		return nil, err
	}
	return lossy.Wrap(pc, profile, time.Now().UnixNano()), nil
}
