// Copyright (c) 2025 Jeremy Hahn
// Copyright (c) 2025 Automate The Things, LLC
//
// This file is part of go-p11engine.
//
// go-p11engine is dual-licensed:
//
// 1. GNU Affero General Public License v3.0 (AGPL-3.0)
//    See LICENSE file or visit https://www.gnu.org/licenses/agpl-3.0.html
//
// 2. Commercial License
//    Contact licensing@automatethethings.com for commercial licensing options.

// Package metrics provides Prometheus instrumentation for object lookups,
// token logins and private-key operations.
package metrics

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	// Namespace is the Prometheus namespace for all engine metrics
	Namespace = "p11engine"

	// Label names
	LabelObject    = "object"
	LabelOperation = "operation"
	LabelPath      = "path"
	LabelStatus    = "status"

	// Status values
	StatusSuccess  = "success"
	StatusError    = "error"
	StatusNotFound = "not_found"
	StatusSkipped  = "skipped"

	// Object kinds
	ObjectCertificate = "certificate"
	ObjectPublicKey   = "public_key"
	ObjectPrivateKey  = "private_key"

	// Operation names
	OpSign    = "sign"
	OpDecrypt = "decrypt"

	// Execution paths
	PathToken    = "token"
	PathSoftware = "software"
)

var (
	// LookupsTotal counts object lookups by object kind and outcome.
	LookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "lookups_total",
			Help:      "Total number of object lookups by object kind and status",
		},
		[]string{LabelObject, LabelStatus},
	)

	// LookupDuration tracks how long a lookup took, including any login.
	LookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "lookup_duration_seconds",
			Help:      "Duration of object lookups in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{LabelObject},
	)

	// LoginsTotal counts token login attempts by outcome.
	LoginsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "logins_total",
			Help:      "Total number of token login attempts by status",
		},
		[]string{LabelStatus},
	)

	// OperationsTotal counts private-key operations by where they ran.
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Total number of private-key operations by type, execution path, and status",
		},
		[]string{LabelOperation, LabelPath, LabelStatus},
	)

	// ForksTotal counts detected process forks that forced reinitialization.
	ForksTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "forks_total",
			Help:      "Total number of detected forks that reinitialized the module",
		},
	)

	enabled atomic.Bool
)

func init() {
	enabled.Store(true)
}

// RecordLookup records one object lookup with its duration in seconds.
//
// Example:
//
//	start := time.Now()
//	cert, err := ctx.LoadCertificate(c, id)
//	metrics.RecordLookup(metrics.ObjectCertificate, metrics.Status(err), time.Since(start).Seconds())
func RecordLookup(object, status string, duration float64) {
	if !enabled.Load() {
		return
	}
	LookupsTotal.WithLabelValues(object, status).Inc()
	LookupDuration.WithLabelValues(object).Observe(duration)
}

// RecordLogin records a login attempt.
func RecordLogin(status string) {
	if !enabled.Load() {
		return
	}
	LoginsTotal.WithLabelValues(status).Inc()
}

// RecordOperation records a sign or decrypt and whether the token or the
// software implementation served it.
func RecordOperation(operation, path, status string) {
	if !enabled.Load() {
		return
	}
	OperationsTotal.WithLabelValues(operation, path, status).Inc()
}

// RecordFork records a reinitialization after a fork.
func RecordFork() {
	if !enabled.Load() {
		return
	}
	ForksTotal.Inc()
}

// Status maps an error to StatusSuccess or StatusError.
func Status(err error) string {
	if err != nil {
		return StatusError
	}
	return StatusSuccess
}

// Enable enables metrics collection.
func Enable() {
	enabled.Store(true)
}

// Disable disables metrics collection.
// Useful for testing or when metrics are not desired.
func Disable() {
	enabled.Store(false)
}

// IsEnabled returns whether metrics collection is currently enabled.
func IsEnabled() bool {
	return enabled.Load()
}
