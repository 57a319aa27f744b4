// Package metrics exposes jail state to Prometheus.
package metrics

import (
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crystal-mush/gojails/pkg/events"
	"github.com/crystal-mush/gojails/pkg/jail"
)

// Source supplies the gauges. *jail.Registry implements it.
type Source interface {
	Stats() jail.Stats
}

// Metrics holds Prometheus metric descriptors for the jail registry. It is
// also an events.Subscriber; subscribe it globally on the bus to feed the
// counters.
type Metrics struct {
	src       Source
	startTime time.Time
	gatherer  prometheus.Gatherer

	cells            prometheus.Gauge
	confinements     *prometheus.GaugeVec
	unresolved       prometheus.Gauge
	schedulerEntries *prometheus.GaugeVec
	persistentFails  prometheus.Gauge
	notifyFailures   prometheus.Gauge
	unsaved          prometheus.Gauge
	confinedTotal    prometheus.Counter
	releasesTotal    *prometheus.CounterVec
	extensionsTotal  prometheus.Counter
	cellEventsTotal  *prometheus.CounterVec
	uptimeSeconds    prometheus.Gauge
	goroutines       prometheus.Gauge
}

// New creates and registers the metrics on a fresh registry. Use NewWith to
// register elsewhere.
func New(src Source, startTime time.Time) *Metrics {
	reg := prometheus.NewRegistry()
	return NewWith(src, startTime, reg, reg)
}

// NewWith registers the metrics with reg and serves them from g.
func NewWith(src Source, startTime time.Time, reg prometheus.Registerer, g prometheus.Gatherer) *Metrics {
	m := &Metrics{
		src:       src,
		startTime: startTime,
		gatherer:  g,
		cells: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gojails_cells",
			Help: "Number of defined cells.",
		}),
		confinements: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gojails_confinements",
			Help: "Number of confined subjects by sentence kind.",
		}, []string{"kind"}),
		unresolved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gojails_unresolved_cells",
			Help: "Confinements whose cell was removed.",
		}),
		schedulerEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gojails_scheduler_entries",
			Help: "Release timers by state.",
		}, []string{"state"}),
		persistentFails: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gojails_release_persistent_failures",
			Help: "Subjects whose automatic release keeps failing.",
		}),
		notifyFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gojails_notify_failures",
			Help: "Event sink failures since start.",
		}),
		unsaved: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gojails_unsaved_confinements",
			Help: "Confinements held in memory whose record is missing from storage.",
		}),
		confinedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gojails_confinements_total",
			Help: "Confinements (including re-jails and relocations) since start.",
		}),
		releasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gojails_releases_total",
			Help: "Releases since start by reason.",
		}, []string{"reason"}),
		extensionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gojails_extensions_total",
			Help: "In-place sentence changes since start.",
		}),
		cellEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gojails_cell_events_total",
			Help: "Cell definitions and removals since start.",
		}, []string{"event"}),
		uptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gojails_uptime_seconds",
			Help: "Process uptime in seconds.",
		}),
		goroutines: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gojails_goroutines",
			Help: "Number of active goroutines.",
		}),
	}

	reg.MustRegister(
		m.cells,
		m.confinements,
		m.unresolved,
		m.schedulerEntries,
		m.persistentFails,
		m.notifyFailures,
		m.unsaved,
		m.confinedTotal,
		m.releasesTotal,
		m.extensionsTotal,
		m.cellEventsTotal,
		m.uptimeSeconds,
		m.goroutines,
	)
	return m
}

// Update refreshes all gauges from the current registry state.
func (m *Metrics) Update() {
	st := m.src.Stats()
	m.cells.Set(float64(st.Cells))
	m.confinements.WithLabelValues("timed").Set(float64(st.Confinements - st.Indefinite))
	m.confinements.WithLabelValues("indefinite").Set(float64(st.Indefinite))
	m.unresolved.Set(float64(st.Unresolved))
	m.notifyFailures.Set(float64(st.NotifyFailures))
	m.unsaved.Set(float64(st.Unsaved))

	m.schedulerEntries.WithLabelValues("scheduled").Set(float64(st.Scheduler.Scheduled))
	m.schedulerEntries.WithLabelValues("firing").Set(float64(st.Scheduler.Firing))
	m.schedulerEntries.WithLabelValues("retrying").Set(float64(st.Scheduler.Retrying))
	m.persistentFails.Set(float64(st.Scheduler.PersistentFailures))

	m.uptimeSeconds.Set(time.Since(m.startTime).Seconds())
	m.goroutines.Set(float64(runtime.NumGoroutine()))
}

// Receive counts one event.
func (m *Metrics) Receive(ev events.Event) error {
	switch ev.Type {
	case events.EvConfined:
		m.confinedTotal.Inc()
	case events.EvReleased:
		m.releasesTotal.WithLabelValues(ev.Reason.String()).Inc()
	case events.EvExtended:
		m.extensionsTotal.Inc()
	case events.EvCellDefined, events.EvCellRemoved:
		m.cellEventsTotal.WithLabelValues(ev.Type.String()).Inc()
	}
	return nil
}

// Closed reports false; metrics stay subscribed for the life of the process.
func (m *Metrics) Closed() bool { return false }

// Handler returns an http.Handler that updates metrics before serving them.
func (m *Metrics) Handler() http.Handler {
	inner := promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.Update()
		inner.ServeHTTP(w, r)
	})
}
