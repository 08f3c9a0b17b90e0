package sigma

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	rulesLoaded = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "pgcpu_sigma_rules_loaded",
			Help: "Number of active sigma rules",
		},
	)

	sigmaMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pgcpu_sigma_matches_total",
			Help: "Records that matched a sigma rule, by rule id",
		},
		[]string{"rule"},
	)
)
