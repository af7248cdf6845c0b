package orchestrator

import (
	"fmt"
	"strings"

	"threadline/internal/config"
)

// Segment is one governable unit of a larger piece of work.
type Segment struct {
	ID      string        `json:"id"`
	Kind    string        `json:"kind" enum:"section,module,step,zone,blob"`
	Content string        `json:"content"`
	Scores  SegmentScores `json:"scores"`
}

// Type-specific default scores. Code and spatial work is harder to undo than
// prose; workflows sit in between.
func defaultScores(kind string) SegmentScores {
	switch kind {
	case "module":
		return SegmentScores{Criticality: 0.5, Complexity: 0.5, Exposure: 0.4, Irreversibility: 0.7, Uncertainty: 0.4, Volatility: 0.4}
	case "step":
		return SegmentScores{Criticality: 0.5, Complexity: 0.4, Exposure: 0.5, Irreversibility: 0.5, Uncertainty: 0.4, Volatility: 0.3}
	case "zone":
		return SegmentScores{Criticality: 0.6, Complexity: 0.5, Exposure: 0.5, Irreversibility: 0.8, Uncertainty: 0.5, Volatility: 0.3}
	case "section":
		return SegmentScores{Criticality: 0.4, Complexity: 0.3, Exposure: 0.5, Irreversibility: 0.2, Uncertainty: 0.3, Volatility: 0.3}
	default:
		return SegmentScores{Criticality: 0.4, Complexity: 0.4, Exposure: 0.4, Irreversibility: 0.4, Uncertainty: 0.4, Volatility: 0.3}
	}
}

// SegmentWork splits a content blob into typed segments: document sections on
// markdown headings, code modules on package clauses, workflow steps and
// spatial zones on their respective markers. Anything else is a single blob
// segment. Splitting is line-based and deterministic.
func SegmentWork(content, contentType string) []Segment {
	var kind, marker string
	switch contentType {
	case "document":
		kind, marker = "section", "# "
	case "code":
		kind, marker = "module", "package "
	case "workflow":
		kind, marker = "step", "step "
	case "spatial":
		kind, marker = "zone", "zone "
	default:
		return []Segment{{ID: "blob-1", Kind: "blob", Content: content, Scores: defaultScores("blob")}}
	}

	var chunks []string
	var current strings.Builder
	started := false
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(line, marker) && started {
			chunks = append(chunks, current.String())
			current.Reset()
		}
		if strings.HasPrefix(line, marker) {
			started = true
		}
		current.WriteString(line)
		current.WriteString("\n")
	}
	if current.Len() > 0 {
		chunks = append(chunks, current.String())
	}
	if len(chunks) == 0 {
		chunks = []string{content}
	}

	segments := make([]Segment, len(chunks))
	for i, chunk := range chunks {
		segments[i] = Segment{
			ID:      fmt.Sprintf("%s-%d", kind, i+1),
			Kind:    kind,
			Content: chunk,
			Scores:  defaultScores(kind),
		}
	}
	return segments
}

// scopedSignals returns the signals whose scope names the segment.
func scopedSignals(seg Segment, signals []Signal) []Signal {
	var scoped []Signal
	for _, s := range signals {
		for _, ref := range s.Scope {
			if ref == seg.ID {
				scoped = append(scoped, s)
				break
			}
		}
	}
	return scoped
}

// ShouldEscalate decides whether a segment needs the escalated treatment:
// a quality requirement past the configured threshold, multiple or severe
// scoped signals, a segment that has already been corrected past the
// configured threshold, or risky error odds on irreversible work.
func ShouldEscalate(oc config.OrchestratorConfig, seg Segment, signals []Signal, correctionCount int) bool {
	if RequiredQuality(seg.Scores) > oc.EscalationQuality {
		return true
	}
	scoped := scopedSignals(seg, signals)
	if len(scoped) >= 2 {
		return true
	}
	for _, s := range scoped {
		if s.Level == "BLOCK" || s.Level == "ESCALATE" {
			return true
		}
	}
	if correctionCount >= oc.CorrectionThreshold {
		return true
	}
	if ExpectedErrorRate(seg.Scores) > 0.5 && seg.Scores.Irreversibility > 0.7 {
		return true
	}
	return false
}

// SegmentPlan is the per-segment outcome of selective escalation.
type SegmentPlan struct {
	Segment           Segment                  `json:"segment"`
	Escalated         bool                     `json:"escalated"`
	RequiredQuality   float64                  `json:"required_quality"`
	ExpectedErrorRate float64                  `json:"expected_error_rate"`
	Configuration     config.ConfigurationSpec `json:"configuration"`
	Checks            []string                 `json:"checks"`
	EstimatedCost     float64                  `json:"estimated_cost"`
}

// SelectPerSegmentConfig splits the remaining budget evenly across the
// segments in list order and runs QCT per segment against its share. Shares
// are consumed sequentially and an underspending segment does not lend its
// leftover to later ones. Escalated segments get the configured quality floor
// and the widened check set.
func (o *Orchestrator) SelectPerSegmentConfig(segments []Segment, signals []Signal, b Budgets, correctionCount int) []SegmentPlan {
	if len(segments) == 0 {
		return nil
	}
	oc := o.Config.Orchestrator
	share := b.CostRemaining / float64(len(segments))
	plans := make([]SegmentPlan, 0, len(segments))
	for _, seg := range segments {
		rq := RequiredQuality(seg.Scores)
		er := ExpectedErrorRate(seg.Scores)
		checks := oc.Checks
		escalated := ShouldEscalate(oc, seg, signals, correctionCount)
		if escalated {
			if rq < oc.EscalationQuality {
				rq = oc.EscalationQuality
			}
			checks = append(append([]string{}, checks...), oc.EscalatedExtraChecks...)
		}
		segBudgets := Budgets{CostRemaining: share, LatencyBudgetMS: b.LatencyBudgetMS, Mode: b.Mode}
		spec := SelectConfiguration(rq, segBudgets, oc)
		plans = append(plans, SegmentPlan{
			Segment:           seg,
			Escalated:         escalated,
			RequiredQuality:   rq,
			ExpectedErrorRate: er,
			Configuration:     spec,
			Checks:            checks,
			EstimatedCost:     spec.Cost,
		})
	}
	return plans
}
