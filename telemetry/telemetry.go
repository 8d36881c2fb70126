// Copyright (C) 2020-2026, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package telemetry adapts github.com/luxfi/log.Logger into a small,
// BFT-specific field vocabulary, and wraps prometheus counters/gauges
// tracking the observability surface spec.md §7 calls for: current
// round, commit height, and timeouts per round.
//
// The field-conversion shape is grounded on the teacher's
// engine/bft/logger_wrapper.go, restated for github.com/luxfi/log's
// variadic key-value logging convention instead of zap.Field, since
// this module does not use go.uber.org/zap directly (see DESIGN.md).
package telemetry

import (
	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"

	aleobft "github.com/luxfi/aleobft"
)

// Logger is the logging surface every consensus-core component
// accepts at construction. It defaults to a no-op implementation so
// tests and examples that don't care about logs don't need to wire
// one up.
type Logger = log.Logger

// NewNoOpLogger returns a logger that discards everything, matching
// the teacher's log.NewNoOpLogger default-logger convention.
func NewNoOpLogger() Logger { return log.NewNoOpLogger() }

// RoundField, AuthorField and QCRoundField build consistent key-value
// pairs for the handful of fields consensus-core log lines repeat.
func RoundField(r aleobft.Round) []interface{}    { return []interface{}{"round", uint64(r)} }
func AuthorField(a aleobft.Address) []interface{} { return []interface{}{"author", a.String()} }
func QCRoundField(r aleobft.Round) []interface{}  { return []interface{}{"qcRound", uint64(r)} }

// Metrics wraps a prometheus.Registerer the way the teacher's
// metrics.Metrics does, plus the concrete collectors this core emits.
type Metrics struct {
	Registry prometheus.Registerer

	CurrentRound     prometheus.Gauge
	CommitHeight     prometheus.Gauge
	CommitsTotal     prometheus.Counter
	TimeoutsTotal    prometheus.Counter
	QCFormedTotal    prometheus.Counter
	TCFormedTotal    prometheus.Counter
	VotesDropped     prometheus.Counter
	TimeoutsDropped  prometheus.Counter
}

// NewMetrics registers and returns the consensus-core collector set
// against reg. Passing nil skips registration; passing a
// prometheus.NewRegistry() (as NewNoOpMetrics does) is safe for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Registry: reg,
		CurrentRound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aleobft", Name: "current_round", Help: "Current pacemaker round.",
		}),
		CommitHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "aleobft", Name: "commit_height", Help: "Round of the most recently committed block.",
		}),
		CommitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aleobft", Name: "commits_total", Help: "Total blocks committed.",
		}),
		TimeoutsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aleobft", Name: "timeouts_total", Help: "Total local timeouts fired.",
		}),
		QCFormedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aleobft", Name: "qc_formed_total", Help: "Total quorum certificates formed.",
		}),
		TCFormedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aleobft", Name: "tc_formed_total", Help: "Total timeout certificates formed.",
		}),
		VotesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aleobft", Name: "votes_dropped_total", Help: "Votes dropped as protocol-invalid or unsafe.",
		}),
		TimeoutsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "aleobft", Name: "timeouts_dropped_total", Help: "Timeouts dropped as protocol-invalid or unsafe.",
		}),
	}
	if reg != nil {
		for _, c := range []prometheus.Collector{
			m.CurrentRound, m.CommitHeight, m.CommitsTotal, m.TimeoutsTotal,
			m.QCFormedTotal, m.TCFormedTotal, m.VotesDropped, m.TimeoutsDropped,
		} {
			_ = reg.Register(c)
		}
	}
	return m
}

// NewNoOpMetrics returns a Metrics set backed by an unregistered
// local registry, safe to use and read in tests without colliding
// with any process-wide default registry.
func NewNoOpMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
