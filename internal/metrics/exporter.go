package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mtikkanen/tcpwatch/pkg/model"
)

const namespace = "tcpwatch"

// Exporter publishes each round's snapshot as Prometheus gauges. The
// vectors are reset on every update so connections and groups that
// disappear also disappear from the scrape.
type Exporter struct {
	registry *prometheus.Registry

	connsByState *prometheus.GaugeVec
	connsByDir   *prometheus.GaugeVec
	groupSize    *prometheus.GaugeVec
	tracked      prometheus.Gauge
	newConns     prometheus.Gauge
	frames       *prometheus.GaugeVec
	rounds       prometheus.Counter
}

func NewExporter() *Exporter {
	e := &Exporter{
		registry: prometheus.NewRegistry(),
		connsByState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_by_state",
			Help:      "Tracked connections per TCP state.",
		}, []string{"state"}),
		connsByDir: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_by_direction",
			Help:      "Tracked connections per inferred direction.",
		}, []string{"direction"}),
		groupSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_connections",
			Help:      "Connections per group.",
		}, []string{"section", "group"}),
		tracked: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tracked_connections",
			Help:      "Connections currently in the tracking table.",
		}),
		newConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "new_connections",
			Help:      "Connections first seen in the last round.",
		}),
		frames: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_frames",
			Help:      "Capture replay frames by classification.",
		}, []string{"class"}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Completed polling rounds.",
		}),
	}
	e.registry.MustRegister(
		e.connsByState, e.connsByDir, e.groupSize,
		e.tracked, e.newConns, e.frames, e.rounds,
	)
	return e
}

// Update replaces the exported values with one round's snapshot.
func (e *Exporter) Update(snap *model.Snapshot) {
	e.connsByState.Reset()
	e.connsByDir.Reset()
	e.groupSize.Reset()

	e.tracked.Set(float64(snap.TableSize))
	e.newConns.Set(float64(snap.NewCount))
	e.rounds.Inc()

	count := func(section string, groups []model.GroupView) {
		for _, g := range groups {
			e.groupSize.WithLabelValues(section, g.Label).Set(float64(g.Count))
			for _, c := range g.Conns {
				e.connsByState.WithLabelValues(c.State).Inc()
				e.connsByDir.WithLabelValues(c.Dir).Inc()
			}
		}
	}
	count("listening", snap.Listening)
	count("outgoing", snap.Outgoing)
	count("ignored", snap.Ignored)
	for _, p := range snap.Pids {
		count("pid", []model.GroupView{p.Group})
	}

	if snap.Frames != nil {
		e.frames.WithLabelValues("frames").Set(float64(snap.Frames.Frames))
		e.frames.WithLabelValues("tcp").Set(float64(snap.Frames.TCP))
		e.frames.WithLabelValues("non_ip").Set(float64(snap.Frames.NonIP))
		e.frames.WithLabelValues("non_tcp").Set(float64(snap.Frames.NonTCP))
		e.frames.WithLabelValues("malformed").Set(float64(snap.Frames.Malformed))
	}
}

// Handler serves the exporter's registry.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.registry, promhttp.HandlerOpts{})
}

// Serve blocks on an HTTP listener exposing /metrics. Meant to run in its
// own goroutine.
func (e *Exporter) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
