package sweep

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var sweepRunCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_sweep_runs",
	Help: "Number of sweep runs, by outcome",
}, []string{"sweep", "outcome"})

var sweepRunDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name: "vigil_sweep_run_duration_sec",
	Help: "Duration of individual sweep runs",
}, []string{"sweep"})

var sweepResultCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_sweep_results",
	Help: "Number of threshold crossings surfaced by sweeps",
}, []string{"sweep"})

var sweepCaseCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_sweep_cases_created",
	Help: "Number of moderation cases opened by sweeps",
}, []string{"sweep"})
