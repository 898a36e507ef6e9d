package pool

import "github.com/prometheus/client_golang/prometheus"

var (
	// claimResponses counts every Claim outcome by whether it was served
	// from the warm pool or required a cold start (§4.4).
	claimResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "warm_pool_claim_responses_total",
			Help: "Total number of warm pool claims by source.",
		},
		[]string{"source"}, // "warm" or "cold"
	)

	// poolSize is a live gauge of how many entries currently sit in each
	// tag's warm-pool bucket.
	poolSize = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "warm_pool_size",
			Help: "Current number of warm entries held for a given image tag.",
		},
		[]string{"tag"},
	)
)

func init() {
	prometheus.MustRegister(claimResponses, poolSize)
}
