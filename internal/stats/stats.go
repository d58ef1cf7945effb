// Package stats exposes a stream's counters as a prometheus collector.
// The collector samples a snapshot function at scrape time, so it holds
// no reference into the stream's internals and never blocks transport
// goroutines.
package stats

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// Snapshot is a point-in-time copy of a stream's counters and state.
type Snapshot struct {
	State string

	PacketsSent    uint64
	PacketsRecv    uint64
	Retransmits    uint64
	DupsDropped    uint64
	CorruptDropped uint64
	AcksSent       uint64
	BytesDelivered uint64
	BytesQueued    uint64

	InFlight       int
	SendNextSeq    uint64
	RecvExpectSeq  uint64
	AckedWatermark int64
}

type metric struct {
	desc     *prometheus.Desc
	kind     prometheus.ValueType
	supplier func(s Snapshot) float64
}

// Collector implements prometheus.Collector over a snapshot supplier.
type Collector struct {
	source  func() Snapshot
	metrics []metric
}

// NewCollector builds a collector with the given metric name prefix and
// constant labels (typically the stream id and remote address).
func NewCollector(prefix string, constLabels prometheus.Labels, source func() Snapshot) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(fmt.Sprintf("%s_%s", prefix, name), help, nil, constLabels)
	}

	return &Collector{
		source: source,
		metrics: []metric{
			{desc("packets_sent_total", "Datagrams transmitted, including retransmissions."), prometheus.CounterValue,
				func(s Snapshot) float64 { return float64(s.PacketsSent) }},
			{desc("packets_received_total", "Datagrams received and verified."), prometheus.CounterValue,
				func(s Snapshot) float64 { return float64(s.PacketsRecv) }},
			{desc("retransmits_total", "Go-back-N retransmissions triggered by head-of-line timeouts."), prometheus.CounterValue,
				func(s Snapshot) float64 { return float64(s.Retransmits) }},
			{desc("duplicates_dropped_total", "Received data packets below the expected sequence, dropped."), prometheus.CounterValue,
				func(s Snapshot) float64 { return float64(s.DupsDropped) }},
			{desc("corrupt_dropped_total", "Received datagrams failing digest verification, dropped."), prometheus.CounterValue,
				func(s Snapshot) float64 { return float64(s.CorruptDropped) }},
			{desc("acks_sent_total", "Acknowledgement packets emitted."), prometheus.CounterValue,
				func(s Snapshot) float64 { return float64(s.AcksSent) }},
			{desc("bytes_delivered_total", "Payload bytes handed to the application in order."), prometheus.CounterValue,
				func(s Snapshot) float64 { return float64(s.BytesDelivered) }},
			{desc("bytes_queued", "Payload bytes queued for transmission but not yet sent."), prometheus.GaugeValue,
				func(s Snapshot) float64 { return float64(s.BytesQueued) }},
			{desc("inflight_packets", "Packets transmitted but not yet acknowledged."), prometheus.GaugeValue,
				func(s Snapshot) float64 { return float64(s.InFlight) }},
			{desc("send_next_seq", "Next outgoing sequence number."), prometheus.GaugeValue,
				func(s Snapshot) float64 { return float64(s.SendNextSeq) }},
			{desc("recv_expect_seq", "Next sequence number the receiver will deliver."), prometheus.GaugeValue,
				func(s Snapshot) float64 { return float64(s.RecvExpectSeq) }},
			{desc("acked_watermark", "Highest acknowledged sequence number (-1 before the first ack)."), prometheus.GaugeValue,
				func(s Snapshot) float64 { return float64(s.AckedWatermark) }},
		},
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, m := range c.metrics {
		descs <- m.desc
	}
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	s := c.source()
	for _, m := range c.metrics {
		metrics <- prometheus.MustNewConstMetric(m.desc, m.kind, m.supplier(s))
	}
}
