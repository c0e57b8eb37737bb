package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const promNamespace = "opt_scalp_bot"

type promCounter struct {
	counter prometheus.Counter
}

func (p promCounter) Inc() {
	p.counter.Inc()
}

type Prometheus struct {
	Metrics *Metrics

	registry *prometheus.Registry
}

func NewPrometheus() *Prometheus {
	registry := prometheus.NewRegistry()
	counter := func(name, help string) prometheus.Counter {
		c := prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: promNamespace,
			Name:      name,
			Help:      help,
		})
		registry.MustRegister(c)
		return c
	}

	m := &Metrics{
		DecisionsEvaluated: promCounter{counter("decisions_evaluated_total", "Total entry gate evaluations.")},
		EntriesPlaced:      promCounter{counter("entries_placed_total", "Total entry orders placed.")},
		EntriesRejected:    promCounter{counter("entries_rejected_total", "Total entry attempts rejected or failed.")},
		ExitsFired:         promCounter{counter("exits_fired_total", "Total close orders dispatched.")},
		CloseRejected:      promCounter{counter("close_rejected_total", "Total close orders rejected by the gateway.")},
		SquareOffs:         promCounter{counter("square_offs_total", "Total scheduled square-off sweeps executed.")},
		KillSwitchTripped:  promCounter{counter("kill_switch_tripped_total", "Total kill switch engagements.")},
		FillsUnresolved:    promCounter{counter("fills_unresolved_total", "Total fill resolutions that exhausted every fallback.")},
		TriggersFired:      promCounter{counter("triggers_fired_total", "Total one-shot trigger orders fired.")},
	}

	return &Prometheus{Metrics: m, registry: registry}
}

func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
