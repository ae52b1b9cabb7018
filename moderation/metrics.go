package moderation

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var caseCreatedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_moderation_cases_created",
	Help: "Number of moderation cases created",
}, []string{"reason"})

var caseDedupedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_moderation_cases_deduped",
	Help: "Number of case creations suppressed by idempotency key",
})

var caseResolvedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_moderation_cases_resolved",
	Help: "Number of moderation cases resolved",
}, []string{"outcome"})

var actionTakenCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_moderation_actions_taken",
	Help: "Number of moderation actions taken",
}, []string{"action_type"})

var actionReversedCount = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vigil_moderation_actions_reversed",
	Help: "Number of moderation actions reversed via appeal",
})

var appealDecidedCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_moderation_appeals_decided",
	Help: "Number of appeal decisions",
}, []string{"decision"})
