// Command urecv receives a byte stream from a usend peer and writes it
// to a file or stdout. It terminates when the sender closes the stream.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/NieTiger/ustream"
	"github.com/NieTiger/ustream/internal/lossy"
	"github.com/NieTiger/ustream/internal/stats"
)

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	local := fs.String("local", "", "Local bind address (host:port)")
	remote := fs.String("remote", "", "Peer address (host:port)")
	out := fs.String("out", "-", "Output file, - for stdout")
	impair := fs.String("impair", "", "YAML impairment profile applied to the local socket")
	metricsAddr := fs.String("metrics-addr", "", "Expose prometheus metrics on this address")
	pcapPath := fs.String("pcap", "", "Write a datagram capture to this file")
	verbose := fs.Bool("v", false, "Debug logging")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}
	if *local == "" || *remote == "" {
		fs.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if err := run(log, *local, *remote, *out, *impair, *metricsAddr, *pcapPath); err != nil {
		fmt.Fprintf(os.Stderr, "urecv: %v\n", err)
		os.Exit(1)
	}
}

func run(log *slog.Logger, local, remote, out, impair, metricsAddr, pcapPath string) error {
	output := io.Writer(os.Stdout)
	if out != "-" {
		f, err := os.Create(out)
		if err != nil {
			return err
		}
		defer f.Close()
		output = f
	}

	opts := []ustream.Option{ustream.WithLogger(log)}

	if impair != "" {
		f, err := os.Open(impair)
		if err != nil {
			return err
		}
		profile, err := lossy.LoadProfile(f)
		f.Close()
		if err != nil {
			return err
		}
		pc, err := net.ListenPacket("udp", local)
		if err != nil {
			return err
		}
		opts = append(opts, ustream.WithPacketConn(lossy.Wrap(pc, profile, time.Now().UnixNano())))
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
	defer s.Close()

	if metricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(stats.NewCollector("ustream",
			prometheus.Labels{"stream": s.ID(), "remote": remote}, s.Stats))
		go func() {
			if err := http.ListenAndServe(metricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})); err != nil {
				log.Error("metrics server failed", "err", err)
			}
		}()
	}

	log.Info("listening", "local", s.LocalAddr().String(), "remote", remote)

	var total int64
	for {
		payload, err := s.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, err := output.Write(payload); err != nil {
			return err
		}
		total += int64(len(payload))
	}

	snap := s.Stats()
	log.Info("stream ended",
		"bytes", total,
		"received", snap.PacketsRecv,
		"duplicates", snap.DupsDropped,
		"corrupt", snap.CorruptDropped)
	return nil
}
