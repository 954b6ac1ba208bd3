// Package metrics holds the prometheus collectors shared by the authority's
// components.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "subnet_authority"

// Upsert outcomes used as the "result" label.
const (
	ResultInserted  = "inserted"
	ResultChanged   = "changed"
	ResultRefreshed = "refreshed"
	ResultError     = "error"
)

// Metrics groups every collector. A nil *Metrics is not valid; use New.
type Metrics struct {
	Entries       prometheus.Gauge
	AliveEntries  prometheus.Gauge
	PendingWrites prometheus.Gauge
	Upserts       *prometheus.CounterVec
	MarkedDead    prometheus.Counter
	Staled        prometheus.Counter
	Pruned        prometheus.Counter
	HashChanges   prometheus.Counter
	PersistErrors prometheus.Counter
	BrowserEvents *prometheus.CounterVec
	BrowsedTypes  prometheus.Gauge
	ResolveErrors prometheus.Counter
	Rearms        prometheus.Counter
	GoodbyesSeen  prometheus.Counter
	Announcements prometheus.Counter
	WatchClients  prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Entries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "entries",
			Help: "Number of cached service entries.",
		}),
		AliveEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "alive_entries",
			Help: "Number of cached service entries currently alive.",
		}),
		PendingWrites: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "cache", Name: "pending_writes",
			Help: "Entries whose durable write failed and awaits retry.",
		}),
		Upserts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "upserts_total",
			Help: "Upsert commands by outcome.",
		}, []string{"result"}),
		MarkedDead: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "marked_dead_total",
			Help: "Entries marked dead after a goodbye.",
		}),
		Staled: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "staled_total",
			Help: "Entries marked dead by the staleness sweep.",
		}),
		Pruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "pruned_total",
			Help: "Entries removed by the prune sweep.",
		}),
		HashChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "cache", Name: "hash_changes_total",
			Help: "Times the change hash took a new value.",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "store", Name: "errors_total",
			Help: "Failed durable writes.",
		}),
		BrowserEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "browser", Name: "events_total",
			Help: "Browser events by kind.",
		}, []string{"kind"}),
		BrowsedTypes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "browser", Name: "service_types",
			Help: "Service types with an active browse subscription.",
		}),
		ResolveErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "browser", Name: "resolve_errors_total",
			Help: "Resolved records that could not be turned into entries.",
		}),
		Rearms: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "browser", Name: "rearms_total",
			Help: "Per-type browse subscriptions restarted.",
		}),
		GoodbyesSeen: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "browser", Name: "goodbyes_total",
			Help: "Goodbye records received.",
		}),
		Announcements: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "advertiser", Name: "announcements_total",
			Help: "Self-advertisement announcements sent.",
		}),
		WatchClients: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "api", Name: "watch_clients",
			Help: "Connected websocket watch clients.",
		}),
	}
}

// NewRegistry returns a registry carrying the Go runtime and process
// collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}
