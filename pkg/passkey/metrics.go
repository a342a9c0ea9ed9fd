// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-passkey.
//
// go-passkey is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

package passkey

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	ceremonyRegistration   = "registration"
	ceremonyAuthentication = "authentication"
)

var (
	ceremoniesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "passkey",
		Name:      "ceremonies_total",
		Help:      "Total ceremony operations by ceremony and outcome.",
	}, []string{"ceremony", "status"})

	ceremonyDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "passkey",
		Name:      "ceremony_duration_seconds",
		Help:      "Ceremony operation duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"ceremony"})

	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "passkey",
		Name:      "failures_total",
		Help:      "Ceremony failures by ceremony and failure kind.",
	}, []string{"ceremony", "reason"})
)

// observeCeremony records the outcome and duration of a ceremony operation.
func observeCeremony(ceremony string, err error, start, end time.Time) {
	status := "ok"
	if err != nil {
		status = "error"
		failuresTotal.WithLabelValues(ceremony, FailureKind(err)).Inc()
	}
	ceremoniesTotal.WithLabelValues(ceremony, status).Inc()
	ceremonyDuration.WithLabelValues(ceremony).Observe(end.Sub(start).Seconds())
}
