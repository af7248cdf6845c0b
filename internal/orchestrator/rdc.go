package orchestrator

import (
	"sync"
	"time"

	"threadline/internal/config"
)

// Orchestrator evaluates governance signals and budgets into decisions. It
// never writes the event ledger; callers append the decision events. The only
// mutable state is the signal inbox and the per-thread correction counters.
type Orchestrator struct {
	Config *config.Config
	Inbox  *Inbox
	Now    func() time.Time

	mu          sync.Mutex
	corrections map[string]int
}

func New(cfg *config.Config) *Orchestrator {
	return &Orchestrator{
		Config:      cfg,
		Inbox:       NewInbox(),
		Now:         time.Now,
		corrections: map[string]int{},
	}
}

func (o *Orchestrator) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// CorrectionCount returns how many patches this instance has issued for a
// thread.
func (o *Orchestrator) CorrectionCount(threadID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.corrections[threadID]
}

func (o *Orchestrator) bumpCorrections(threadID string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.corrections[threadID]++
	return o.corrections[threadID]
}

var severityRank = map[string]int{
	"WARN":     1,
	"CORRECT":  2,
	"PAUSE":    3,
	"BLOCK":    4,
	"ESCALATE": 5,
}

// Intervention kinds, in escalating order of disruption.
const (
	InterventionProceed  = "proceed"
	InterventionContinue = "continue"
	InterventionPatch    = "patch"
	InterventionAskHuman = "ask_human"
	InterventionBlock    = "block"
	InterventionEscalate = "escalate"
)

// DecideIntervention maps the most severe pending signal to an intervention.
// No signals means proceed.
func DecideIntervention(signals []Signal) (string, *Signal) {
	if len(signals) == 0 {
		return InterventionProceed, nil
	}
	top := signals[0]
	for _, s := range signals[1:] {
		if severityRank[s.Level] > severityRank[top.Level] {
			top = s
		}
	}
	dominant := top
	switch top.Level {
	case "WARN":
		return InterventionContinue, &dominant
	case "CORRECT":
		return InterventionPatch, &dominant
	case "PAUSE":
		return InterventionAskHuman, &dominant
	case "BLOCK":
		return InterventionBlock, &dominant
	case "ESCALATE":
		return InterventionEscalate, &dominant
	default:
		return InterventionContinue, &dominant
	}
}

// PatchInstruction is a targeted correction derived from a signal: what to
// constrain, how to correct, why, and how to verify the correction landed.
type PatchInstruction struct {
	SignalID         string   `json:"signal_id"`
	Constraint       string   `json:"constraint"`
	Correction       string   `json:"correction"`
	Rationale        string   `json:"rationale"`
	VerificationSpec string   `json:"verification_spec"`
	Scope            []string `json:"scope,omitempty"`
}

// GeneratePatch builds a patch instruction from a signal, tied to the
// signal's scope.
func GeneratePatch(s Signal) PatchInstruction {
	return PatchInstruction{
		SignalID:         s.ID,
		Constraint:       "respect criterion " + s.Criterion,
		Correction:       "revise the scoped work to satisfy " + s.Criterion,
		Rationale:        s.Origin + " flagged " + s.Criterion + " at level " + s.Level,
		VerificationSpec: "re-check " + s.Criterion + " over the same scope",
		Scope:            s.Scope,
	}
}

// GovernanceDecision is one orchestration outcome, ready for the caller to
// append to the ledger.
type GovernanceDecision struct {
	ThreadID          string                    `json:"thread_id,omitempty"`
	SegmentID         string                    `json:"segment_id,omitempty"`
	Intervention      string                    `json:"intervention"`
	Signal            *Signal                   `json:"signal,omitempty"`
	ConsumedSignals   int                       `json:"consumed_signals"`
	Patch             *PatchInstruction         `json:"patch,omitempty"`
	Configuration     *config.ConfigurationSpec `json:"configuration,omitempty"`
	RequiredQuality   float64                   `json:"required_quality"`
	ExpectedErrorRate float64                   `json:"expected_error_rate"`
	Checks            []string                  `json:"checks,omitempty"`
	EstimatedCost     float64                   `json:"estimated_cost"`
	Escalated         bool                      `json:"escalated,omitempty"`
	DecidedBy         string                    `json:"decided_by,omitempty"`
	DecidedAt         string                    `json:"decided_at" format:"date-time"`
}

// MakeDecision drains the inbox and turns the pending signals plus the scored
// work into one decision. The drain and the decision form one critical
// section per call: a signal feeds exactly one decision. A patch decision is
// based on the highest-confidence drained signal; a clean proceed runs QCT
// against the full check catalog.
func (o *Orchestrator) MakeDecision(threadID string, scores SegmentScores, b Budgets, user string) GovernanceDecision {
	signals := o.Inbox.Drain()
	intervention, dominant := DecideIntervention(signals)

	d := GovernanceDecision{
		ThreadID:          threadID,
		Intervention:      intervention,
		Signal:            dominant,
		ConsumedSignals:   len(signals),
		RequiredQuality:   RequiredQuality(scores),
		ExpectedErrorRate: ExpectedErrorRate(scores),
		DecidedBy:         user,
		DecidedAt:         o.now().UTC().Format(time.RFC3339),
	}
	switch intervention {
	case InterventionPatch:
		best := signals[0]
		for _, s := range signals[1:] {
			if s.Confidence > best.Confidence {
				best = s
			}
		}
		patch := GeneratePatch(best)
		d.Patch = &patch
		o.bumpCorrections(threadID)
	case InterventionProceed, InterventionContinue:
		spec := SelectConfiguration(d.RequiredQuality, b, o.Config.Orchestrator)
		d.Configuration = &spec
		d.Checks = o.Config.Orchestrator.Checks
		d.EstimatedCost = spec.Cost
	}
	return d
}

// ProcessSegmentBatch segments a content blob, drains the inbox once, and
// returns one decision per segment. Scoped signals drive per-segment
// escalation and intervention; the even budget split bounds the summed cost.
func (o *Orchestrator) ProcessSegmentBatch(threadID, content, contentType string, b Budgets, user string) []GovernanceDecision {
	segments := SegmentWork(content, contentType)
	signals := o.Inbox.Drain()
	now := o.now().UTC().Format(time.RFC3339)

	correction := o.CorrectionCount(threadID)
	plans := o.SelectPerSegmentConfig(segments, signals, b, correction)
	decisions := make([]GovernanceDecision, 0, len(plans))
	for _, plan := range plans {
		scoped := scopedSignals(plan.Segment, signals)
		intervention, dominant := DecideIntervention(scoped)
		spec := plan.Configuration
		d := GovernanceDecision{
			ThreadID:          threadID,
			SegmentID:         plan.Segment.ID,
			Intervention:      intervention,
			Signal:            dominant,
			ConsumedSignals:   len(scoped),
			Configuration:     &spec,
			RequiredQuality:   plan.RequiredQuality,
			ExpectedErrorRate: plan.ExpectedErrorRate,
			Checks:            plan.Checks,
			EstimatedCost:     plan.EstimatedCost,
			Escalated:         plan.Escalated,
			DecidedBy:         user,
			DecidedAt:         now,
		}
		if intervention == InterventionPatch {
			best := scoped[0]
			for _, s := range scoped[1:] {
				if s.Confidence > best.Confidence {
					best = s
				}
			}
			patch := GeneratePatch(best)
			d.Patch = &patch
			o.bumpCorrections(threadID)
		}
		decisions = append(decisions, d)
	}
	return decisions
}
