package attest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var attestCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_attestations",
	Help: "Number of attestation attempts, by outcome",
}, []string{"outcome"})

var verifyAttCount = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vigil_attestation_verifications",
	Help: "Number of attestation verifications, by outcome",
}, []string{"outcome"})
