package stats

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestCollectorReportsSnapshot(t *testing.T) {
	snap := Snapshot{
		State:          "open",
		PacketsSent:    12,
		Retransmits:    3,
		InFlight:       5,
		AckedWatermark: -1,
	}

	c := NewCollector("ustream", prometheus.Labels{"stream": "test"}, func() Snapshot { return snap })

	reg := prometheus.NewPedanticRegistry()
	if err := reg.Register(c); err != nil {
		t.Fatalf("register: %v", err)
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}

	byName := map[string]*dto.MetricFamily{}
	for _, mf := range families {
		byName[mf.GetName()] = mf
	}

	wantCounters := map[string]float64{
		"ustream_packets_sent_total": 12,
		"ustream_retransmits_total":  3,
	}
	for name, want := range wantCounters {
		mf, ok := byName[name]
		if !ok {
			t.Fatalf("missing metric %s", name)
		}
		if got := mf.GetMetric()[0].GetCounter().GetValue(); got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}

	wantGauges := map[string]float64{
		"ustream_inflight_packets": 5,
		"ustream_acked_watermark":  -1,
	}
	for name, want := range wantGauges {
		mf, ok := byName[name]
		if !ok {
			t.Fatalf("missing metric %s", name)
		}
		if got := mf.GetMetric()[0].GetGauge().GetValue(); got != want {
			t.Fatalf("%s = %v, want %v", name, got, want)
		}
	}

	// Constant labels come through on every series.
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			found := false
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "stream" && lp.GetValue() == "test" {
					found = true
				}
			}
			if !found {
				t.Fatalf("metric %s missing stream label", mf.GetName())
			}
		}
		if !strings.HasPrefix(mf.GetName(), "ustream_") {
			t.Fatalf("metric %s missing prefix", mf.GetName())
		}
	}
}
