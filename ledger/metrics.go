package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var appendCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_ledger_appends",
	Help: "Number of audit records appended",
}, []string{"event_type"})

var appendErrorCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_ledger_append_errors",
	Help: "Number of failed append attempts",
})

var appendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Name: "vigil_ledger_append_duration_sec",
	Help: "Duration of serialized ledger appends",
})

var verifyCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_ledger_verify_runs",
	Help: "Number of integrity verification runs, by outcome",
}, []string{"outcome"})

var chainBreakCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_ledger_chain_breaks",
	Help: "Number of detected hash chain breaks (should stay at zero)",
})

var exportRecordCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_ledger_export_records",
	Help: "Number of audit records written to exports",
})
