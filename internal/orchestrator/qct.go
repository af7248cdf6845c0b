package orchestrator

import (
	"sort"

	"threadline/internal/config"
)

// SegmentScores are the normalized [0,1] governance dimensions of a unit of
// work. Callers are expected to pass valid scores; out-of-range inputs only
// shift the clamped outputs, they never panic.
type SegmentScores struct {
	Criticality     float64 `json:"criticality" required:"false"`
	Complexity      float64 `json:"complexity" required:"false"`
	Exposure        float64 `json:"exposure" required:"false"`
	Irreversibility float64 `json:"irreversibility" required:"false"`
	Uncertainty     float64 `json:"uncertainty" required:"false"`
	Volatility      float64 `json:"volatility" required:"false"`
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// RequiredQuality maps scores to the minimum verification quality the work
// deserves. Pure and total.
func RequiredQuality(s SegmentScores) float64 {
	return clamp01(0.2 + 0.35*s.Criticality + 0.25*s.Complexity + 0.25*s.Exposure + 0.25*s.Irreversibility + 0.15*s.Uncertainty)
}

// ExpectedErrorRate estimates how likely the work is to drift. Pure and total.
func ExpectedErrorRate(s SegmentScores) float64 {
	return clamp01(0.1 + 0.45*s.Volatility + 0.25*s.Complexity + 0.20*s.Uncertainty)
}

// Budgets bound a single selection: spendable cost, latency ceiling and the
// interaction mode.
type Budgets struct {
	CostRemaining   float64 `json:"cost_remaining"`
	LatencyBudgetMS int     `json:"latency_budget_ms"`
	Mode            string  `json:"mode" enum:"LIVE,ASYNC"`
}

// SelectConfiguration picks a verification configuration from the catalog.
// LIVE mode keeps the user waiting, so candidates shrink to the configured
// number of cheapest entries unless the required quality exceeds the
// escalation threshold. Among eligible entries that fit both budgets and meet
// the quality floor the cheapest wins; failing that, the cheapest that fits
// the budget; failing that, the minimal configuration. Selection degrades, it
// never errors.
func SelectConfiguration(rq float64, b Budgets, oc config.OrchestratorConfig) config.ConfigurationSpec {
	byCost := make([]config.ConfigurationSpec, len(oc.Configurations))
	copy(byCost, oc.Configurations)
	sort.SliceStable(byCost, func(i, j int) bool { return byCost[i].Cost < byCost[j].Cost })

	eligible := byCost
	if b.Mode == "LIVE" && rq <= oc.EscalationQuality && oc.LiveCandidateLimit > 0 && len(byCost) > oc.LiveCandidateLimit {
		eligible = byCost[:oc.LiveCandidateLimit]
	}

	var fitsBudget []config.ConfigurationSpec
	for _, spec := range eligible {
		if spec.Cost <= b.CostRemaining && spec.LatencyMS <= b.LatencyBudgetMS {
			fitsBudget = append(fitsBudget, spec)
		}
	}
	for _, spec := range fitsBudget {
		if spec.Quality >= rq {
			return spec
		}
	}
	if len(fitsBudget) > 0 {
		return fitsBudget[0]
	}
	return eligible[0]
}
