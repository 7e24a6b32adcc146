// Package stpstats holds the atomic counters both peers accumulate over
// the lifetime of a connection (spec §6's summary counters, §8's
// invariants about duplicates/drops/retransmits) and exposes them both as
// a plain snapshot (for the wire-event summary log and the CLI banner) and
// as Prometheus metrics (§B.3 of SPEC_FULL.md), gated behind an optional
// HTTP listener so the fixed CLI surface from spec §6 is unaffected when
// metrics are not requested.
package stpstats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters accumulates the statistics either peer tracks. All fields are
// updated with atomic operations since the listener, scheduler, and timer
// goroutines all contribute to them concurrently.
type Counters struct {
	BytesTransferred   int64
	SegmentsSent       int64
	SegmentsReceived   int64
	DuplicateData      int64
	DuplicateAcks      int64
	SegmentsDropped    int64
	Retransmits        int64
	FastRetransmits    int64
	CurrentWindowBytes int64
}

// Snapshot is an immutable, consistent-enough-for-reporting copy of
// Counters, suitable for logging or rendering once a connection has
// closed.
type Snapshot struct {
	BytesTransferred   int64
	SegmentsSent       int64
	SegmentsReceived   int64
	DuplicateData      int64
	DuplicateAcks      int64
	SegmentsDropped    int64
	Retransmits        int64
	FastRetransmits    int64
	CurrentWindowBytes int64
}

func (c *Counters) AddBytesTransferred(n int) { atomic.AddInt64(&c.BytesTransferred, int64(n)) }
func (c *Counters) IncSegmentsSent()           { atomic.AddInt64(&c.SegmentsSent, 1) }
func (c *Counters) IncSegmentsReceived()       { atomic.AddInt64(&c.SegmentsReceived, 1) }
func (c *Counters) IncDuplicateData()          { atomic.AddInt64(&c.DuplicateData, 1) }
func (c *Counters) IncDuplicateAcks()          { atomic.AddInt64(&c.DuplicateAcks, 1) }
func (c *Counters) IncSegmentsDropped()        { atomic.AddInt64(&c.SegmentsDropped, 1) }
func (c *Counters) IncRetransmits()            { atomic.AddInt64(&c.Retransmits, 1) }
func (c *Counters) IncFastRetransmits()        { atomic.AddInt64(&c.FastRetransmits, 1) }

// SetCurrentWindowBytes records the sender's unacked window size in bytes
// at the moment the window slides (spec §4.1's (lb, ub) bounds). The
// receiver has no equivalent notion of an outbound window, so it simply
// never calls this and the metric reports zero.
func (c *Counters) SetCurrentWindowBytes(n int) { atomic.StoreInt64(&c.CurrentWindowBytes, int64(n)) }

// Snapshot copies the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		BytesTransferred:   atomic.LoadInt64(&c.BytesTransferred),
		SegmentsSent:       atomic.LoadInt64(&c.SegmentsSent),
		SegmentsReceived:   atomic.LoadInt64(&c.SegmentsReceived),
		DuplicateData:      atomic.LoadInt64(&c.DuplicateData),
		DuplicateAcks:      atomic.LoadInt64(&c.DuplicateAcks),
		SegmentsDropped:    atomic.LoadInt64(&c.SegmentsDropped),
		Retransmits:        atomic.LoadInt64(&c.Retransmits),
		FastRetransmits:    atomic.LoadInt64(&c.FastRetransmits),
		CurrentWindowBytes: atomic.LoadInt64(&c.CurrentWindowBytes),
	}
}

// PrometheusCollector adapts a Counters into a prometheus.Collector so it
// can be registered with a prometheus.Registry and scraped over HTTP.
type PrometheusCollector struct {
	role     string
	counters *Counters

	bytesDesc       *prometheus.Desc
	sentDesc        *prometheus.Desc
	recvDesc        *prometheus.Desc
	dupDataDesc     *prometheus.Desc
	dupAckDesc      *prometheus.Desc
	droppedDesc     *prometheus.Desc
	retransmitDesc  *prometheus.Desc
	fastRetransDesc *prometheus.Desc
	windowDesc      *prometheus.Desc
}

// NewPrometheusCollector builds a collector for counters, labeling every
// metric with role ("sender" or "receiver") so a single scrape target can
// serve both a test sender and receiver without colliding metric names.
func NewPrometheusCollector(role string, counters *Counters) *PrometheusCollector {
	labels := prometheus.Labels{"role": role}
	mk := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc("stp_"+name, help, nil, labels)
	}
	return &PrometheusCollector{
		role:            role,
		counters:        counters,
		bytesDesc:       mk("bytes_transferred_total", "Total payload bytes transferred"),
		sentDesc:        mk("segments_sent_total", "Total segments sent"),
		recvDesc:        mk("segments_received_total", "Total segments received"),
		dupDataDesc:     mk("duplicate_data_total", "Total duplicate DATA segments observed"),
		dupAckDesc:      mk("duplicate_acks_total", "Total duplicate ACKs observed"),
		droppedDesc:     mk("segments_dropped_total", "Total segments dropped by simulated loss"),
		retransmitDesc:  mk("retransmits_total", "Total timer-driven retransmissions"),
		fastRetransDesc: mk("fast_retransmits_total", "Total fast retransmissions"),
		windowDesc:      mk("current_window_bytes", "Current unacked sender window size in bytes"),
	}
}

func (p *PrometheusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.bytesDesc
	ch <- p.sentDesc
	ch <- p.recvDesc
	ch <- p.dupDataDesc
	ch <- p.dupAckDesc
	ch <- p.droppedDesc
	ch <- p.retransmitDesc
	ch <- p.fastRetransDesc
	ch <- p.windowDesc
}

func (p *PrometheusCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.counters.Snapshot()
	ch <- prometheus.MustNewConstMetric(p.bytesDesc, prometheus.CounterValue, float64(s.BytesTransferred))
	ch <- prometheus.MustNewConstMetric(p.sentDesc, prometheus.CounterValue, float64(s.SegmentsSent))
	ch <- prometheus.MustNewConstMetric(p.recvDesc, prometheus.CounterValue, float64(s.SegmentsReceived))
	ch <- prometheus.MustNewConstMetric(p.dupDataDesc, prometheus.CounterValue, float64(s.DuplicateData))
	ch <- prometheus.MustNewConstMetric(p.dupAckDesc, prometheus.CounterValue, float64(s.DuplicateAcks))
	ch <- prometheus.MustNewConstMetric(p.droppedDesc, prometheus.CounterValue, float64(s.SegmentsDropped))
	ch <- prometheus.MustNewConstMetric(p.retransmitDesc, prometheus.CounterValue, float64(s.Retransmits))
	ch <- prometheus.MustNewConstMetric(p.fastRetransDesc, prometheus.CounterValue, float64(s.FastRetransmits))
	ch <- prometheus.MustNewConstMetric(p.windowDesc, prometheus.GaugeValue, float64(s.CurrentWindowBytes))
}
