// Package metrics exposes counters for the rotation pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Refresh outcomes.
const (
	RefreshSuccess = "success"
	RefreshFailed  = "failed"
	RefreshWasted  = "wasted"
)

// Collector is the recording interface used by the selector, acquirer and
// orchestrator.
type Collector interface {
	RecordSelection(strategy, decision string)
	RecordRefresh(outcome string)
	RecordLeaseConflict()
	RecordCooldown(reason string)
	RecordProbeDeduped()
	RecordExhaustionCrossing(window string)
}

// PromCollector implements Collector on prometheus counters.
type PromCollector struct {
	selections          *prometheus.CounterVec
	refreshes           *prometheus.CounterVec
	leaseConflicts      prometheus.Counter
	cooldowns           *prometheus.CounterVec
	probesDeduped       prometheus.Counter
	exhaustionCrossings *prometheus.CounterVec
}

// NewPromCollector registers the collectors on reg and returns the
// collector.
func NewPromCollector(reg prometheus.Registerer) *PromCollector {
	c := &PromCollector{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrotator_selections_total",
			Help: "Account selections by strategy and decision.",
		}, []string{"strategy", "decision"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrotator_refreshes_total",
			Help: "Token refresh attempts by outcome.",
		}, []string{"outcome"}),
		leaseConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authrotator_lease_conflicts_total",
			Help: "Refresh results discarded because another writer's lease won.",
		}),
		cooldowns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrotator_cooldowns_total",
			Help: "Accounts placed on cooldown by reason.",
		}, []string{"reason"}),
		probesDeduped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "authrotator_probes_deduped_total",
			Help: "Quota or catalog probes that joined an in-flight call.",
		}),
		exhaustionCrossings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "authrotator_exhaustion_crossings_total",
			Help: "Quota exhaustion crossings by window.",
		}, []string{"window"}),
	}

	reg.MustRegister(
		c.selections,
		c.refreshes,
		c.leaseConflicts,
		c.cooldowns,
		c.probesDeduped,
		c.exhaustionCrossings,
	)

	return c
}

func (c *PromCollector) RecordSelection(strategy, decision string) {
	c.selections.WithLabelValues(strategy, decision).Inc()
}

func (c *PromCollector) RecordRefresh(outcome string) {
	c.refreshes.WithLabelValues(outcome).Inc()
}

func (c *PromCollector) RecordLeaseConflict() {
	c.leaseConflicts.Inc()
}

func (c *PromCollector) RecordCooldown(reason string) {
	c.cooldowns.WithLabelValues(reason).Inc()
}

func (c *PromCollector) RecordProbeDeduped() {
	c.probesDeduped.Inc()
}

func (c *PromCollector) RecordExhaustionCrossing(window string) {
	c.exhaustionCrossings.WithLabelValues(window).Inc()
}

// Nop discards all measurements.
type Nop struct{}

func (Nop) RecordSelection(strategy, decision string) {}
func (Nop) RecordRefresh(outcome string)              {}
func (Nop) RecordLeaseConflict()                      {}
func (Nop) RecordCooldown(reason string)              {}
func (Nop) RecordProbeDeduped()                       {}
func (Nop) RecordExhaustionCrossing(window string)    {}
