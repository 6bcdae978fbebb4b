// Package metrics exposes process statistics to Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"pitrac/internal/detector"
	"pitrac/internal/dispatcher"
	"pitrac/internal/pipeline"
	"pitrac/internal/transport"
)

const namespace = "pitrac"

// Sources are polled at scrape time. Nil sources are not registered.
type Sources struct {
	Dispatcher func() dispatcher.Stats
	Transport  func() (pub, sub transport.Stats)
	Detector   func() detector.Stats
	Pipeline   func() pipeline.Stats
	QueueDepth func() int
}

type counter struct {
	subsystem, name, help string
	value                 func() float64
}

// NewRegistry builds a registry holding the Go runtime collectors and one
// metric per statistic of every source.
func NewRegistry(src Sources) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var counters []counter
	var gauges []counter

	if src.Dispatcher != nil {
		d := src.Dispatcher
		counters = append(counters,
			counter{"ipc", "received_total", "Envelopes received from the peer.", func() float64 { return float64(d().Received) }},
			counter{"ipc", "self_discarded_total", "Envelopes dropped because they came from this process.", func() float64 { return float64(d().SelfDiscarded) }},
			counter{"ipc", "decode_failures_total", "Envelopes that could not be decoded.", func() float64 { return float64(d().DecodeFailures) }},
			counter{"ipc", "dispatched_total", "Messages turned into events.", func() float64 { return float64(d().Dispatched) }},
			counter{"ipc", "ignored_total", "Messages ignored in the current mode.", func() float64 { return float64(d().Ignored) }},
			counter{"ipc", "sent_total", "Messages sent to the peer.", func() float64 { return float64(d().Sent) }},
			counter{"ipc", "send_failures_total", "Messages that could not be sent.", func() float64 { return float64(d().SendFailures) }},
		)
	}

	if src.Transport != nil {
		tr := src.Transport
		pub := func() transport.Stats { p, _ := tr(); return p }
		sub := func() transport.Stats { _, s := tr(); return s }
		counters = append(counters,
			counter{"transport", "published_total", "Envelopes written to the socket.", func() float64 { return float64(pub().Sent) }},
			counter{"transport", "publish_dropped_total", "Outbound envelopes dropped at the high-water mark or linger expiry.", func() float64 { return float64(pub().Dropped) }},
			counter{"transport", "publish_errors_total", "Socket write errors.", func() float64 { return float64(pub().Errors) }},
			counter{"transport", "received_total", "Envelopes read from the socket.", func() float64 { return float64(sub().Received) }},
			counter{"transport", "receive_dropped_total", "Inbound envelopes dropped at the high-water mark.", func() float64 { return float64(sub().Dropped) }},
			counter{"transport", "excluded_total", "Inbound envelopes from the excluded system id.", func() float64 { return float64(sub().Excluded) }},
			counter{"transport", "filtered_total", "Inbound envelopes not matching a subscription.", func() float64 { return float64(sub().Filtered) }},
		)
	}

	if src.Detector != nil {
		det := src.Detector
		counters = append(counters,
			counter{"detector", "inferences_total", "Model inferences run.", func() float64 { return float64(det().TotalInferences) }},
			counter{"detector", "pool_fallbacks_total", "Buffers served outside the memory pool.", func() float64 { return float64(det().PoolFallbacks) }},
		)
		gauges = append(gauges,
			counter{"detector", "inference_avg_milliseconds", "Running average inference latency.", func() float64 { return det().AverageInferenceMs }},
		)
	}

	if src.Pipeline != nil {
		p := src.Pipeline
		counters = append(counters,
			counter{"pipeline", "frames_submitted_total", "Frames handed to the pipeline.", func() float64 { return float64(p().Submitted) }},
			counter{"pipeline", "frames_dropped_total", "Frames dropped because the queue was full.", func() float64 { return float64(p().Dropped) }},
			counter{"pipeline", "frames_processed_total", "Frames run through detection.", func() float64 { return float64(p().Processed) }},
		)
	}

	if src.QueueDepth != nil {
		q := src.QueueDepth
		gauges = append(gauges,
			counter{"events", "queue_depth", "Events waiting for the state machine.", func() float64 { return float64(q()) }},
		)
	}

	for _, c := range counters {
		reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: c.subsystem, Name: c.name, Help: c.help,
		}, c.value))
	}
	for _, g := range gauges {
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: g.subsystem, Name: g.name, Help: g.help,
		}, g.value))
	}
	return reg
}
