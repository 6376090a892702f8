// Package metrics exports engine activity as Prometheus metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/proximity-beacon/beacon-engine/internal/radio"
	"github.com/proximity-beacon/beacon-engine/pkg/beacon"
)

// Observer records engine events. It implements engine.Observer,
// engine.PeerWriteObserver and engine.PeerCountObserver.
type Observer struct {
	registry   *prometheus.Registry
	detections prometheus.Counter
	writes     prometheus.Counter
	poweredOn  prometheus.Gauge
	radioState *prometheus.GaugeVec
	peers      prometheus.Gauge
	rssi       prometheus.Histogram
}

// NewObserver creates the collectors and registers them on a private registry
func NewObserver() *Observer {
	o := &Observer{
		registry: prometheus.NewRegistry(),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_detections_total",
			Help: "Detections reported to observers.",
		}),
		writes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "beacon_peer_writes_total",
			Help: "Writes received from write-only peers on the advertised characteristic.",
		}),
		poweredOn: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_radio_powered_on",
			Help: "1 while the Bluetooth radio is powered on.",
		}),
		radioState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "beacon_radio_state",
			Help: "Current radio state; the active state is 1.",
		}, []string{"state"}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "beacon_tracked_peers",
			Help: "Peers in the table after the last scan pass.",
		}),
		rssi: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "beacon_detection_rssi",
			Help:    "Signal strength of reported detections in dBm.",
			Buckets: prometheus.LinearBuckets(-110, 10, 11),
		}),
	}

	o.registry.MustRegister(o.detections, o.writes, o.poweredOn, o.radioState, o.peers, o.rssi)
	return o
}

// Registry exposes the registry, e.g. to add process collectors
func (o *Observer) Registry() *prometheus.Registry {
	return o.registry
}

// Handler serves the registry in the Prometheus text format
func (o *Observer) Handler() http.Handler {
	return promhttp.HandlerFor(o.registry, promhttp.HandlerOpts{})
}

// Detected implements engine.Observer
func (o *Observer) Detected(_ beacon.Code, rssi beacon.SignalStrength) {
	o.detections.Inc()
	o.rssi.Observe(float64(rssi))
}

// RadioStateChanged implements engine.Observer
func (o *Observer) RadioStateChanged(state radio.State) {
	if state == radio.StatePoweredOn {
		o.poweredOn.Set(1)
	} else {
		o.poweredOn.Set(0)
	}
	o.radioState.Reset()
	o.radioState.WithLabelValues(state.String()).Set(1)
}

// PeerWrote implements engine.PeerWriteObserver
func (o *Observer) PeerWrote(string, int) {
	o.writes.Inc()
}

// PeersTracked implements engine.PeerCountObserver
func (o *Observer) PeersTracked(n int) {
	o.peers.Set(float64(n))
}
