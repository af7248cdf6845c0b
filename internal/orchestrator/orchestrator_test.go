package orchestrator_test

import (
	"math"
	"strings"
	"testing"

	"threadline/internal/config"
	"threadline/internal/orchestrator"
)

func testConfig() *config.Config {
	return config.Default("id-1")
}

func TestRequiredQualityFormula(t *testing.T) {
	if got := orchestrator.RequiredQuality(orchestrator.SegmentScores{}); got != 0.2 {
		t.Fatalf("baseline quality %v", got)
	}
	all := orchestrator.SegmentScores{Criticality: 1, Complexity: 1, Exposure: 1, Irreversibility: 1, Uncertainty: 1, Volatility: 1}
	if got := orchestrator.RequiredQuality(all); got != 1 {
		t.Fatalf("clamp ceiling %v", got)
	}
	s := orchestrator.SegmentScores{Criticality: 0.4, Complexity: 0.2, Exposure: 0.6, Irreversibility: 0.2, Uncertainty: 0.5}
	want := 0.2 + 0.35*0.4 + 0.25*0.2 + 0.25*0.6 + 0.25*0.2 + 0.15*0.5
	if got := orchestrator.RequiredQuality(s); math.Abs(got-want) > 1e-9 {
		t.Fatalf("quality %v, want %v", got, want)
	}
}

func TestExpectedErrorRateFormula(t *testing.T) {
	if got := orchestrator.ExpectedErrorRate(orchestrator.SegmentScores{}); got != 0.1 {
		t.Fatalf("baseline error rate %v", got)
	}
	s := orchestrator.SegmentScores{Volatility: 0.8, Complexity: 0.5, Uncertainty: 0.5}
	want := 0.1 + 0.45*0.8 + 0.25*0.5 + 0.20*0.5
	if got := orchestrator.ExpectedErrorRate(s); math.Abs(got-want) > 1e-9 {
		t.Fatalf("error rate %v, want %v", got, want)
	}
}

func TestSelectConfigurationLiveRestriction(t *testing.T) {
	cfg := testConfig()
	generous := orchestrator.Budgets{CostRemaining: 1e6, LatencyBudgetMS: 1e6, Mode: "LIVE"}

	// ordinary quality stays within the three cheapest
	spec := orchestrator.SelectConfiguration(0.5, generous, cfg.Orchestrator)
	if spec.Name != "standard-review" {
		t.Fatalf("LIVE rq=0.5 picked %s", spec.Name)
	}
	// quality above the threshold unlocks the full catalog
	spec = orchestrator.SelectConfiguration(0.9, generous, cfg.Orchestrator)
	if spec.Name != "expert-panel" {
		t.Fatalf("LIVE rq=0.9 picked %s", spec.Name)
	}
	// ASYNC never restricts
	async := generous
	async.Mode = "ASYNC"
	spec = orchestrator.SelectConfiguration(0.95, async, cfg.Orchestrator)
	if spec.Name != "full-audit" {
		t.Fatalf("ASYNC rq=0.95 picked %s", spec.Name)
	}
}

func TestSelectConfigurationDegrades(t *testing.T) {
	cfg := testConfig()

	// quality unreachable within budget: cheapest that fits wins
	tight := orchestrator.Budgets{CostRemaining: 700, LatencyBudgetMS: 5000, Mode: "ASYNC"}
	spec := orchestrator.SelectConfiguration(0.95, tight, cfg.Orchestrator)
	if spec.Name != "quick-scan" {
		t.Fatalf("tight budget picked %s", spec.Name)
	}
	// nothing fits at all: minimal configuration, never an error
	broke := orchestrator.Budgets{CostRemaining: 1, LatencyBudgetMS: 1, Mode: "ASYNC"}
	spec = orchestrator.SelectConfiguration(0.5, broke, cfg.Orchestrator)
	if spec.Name != "quick-scan" {
		t.Fatalf("empty budget picked %s", spec.Name)
	}
}

func TestSelectConfigurationHonorsTuning(t *testing.T) {
	cfg := testConfig()
	generous := orchestrator.Budgets{CostRemaining: 1e6, LatencyBudgetMS: 1e6, Mode: "LIVE"}

	// a tighter candidate limit leaves only the cheapest entry eligible
	cfg.Orchestrator.LiveCandidateLimit = 1
	spec := orchestrator.SelectConfiguration(0.5, generous, cfg.Orchestrator)
	if spec.Name != "quick-scan" {
		t.Fatalf("limit=1 picked %s", spec.Name)
	}

	// raising the threshold keeps a high-quality request restricted
	cfg = testConfig()
	cfg.Orchestrator.EscalationQuality = 0.95
	spec = orchestrator.SelectConfiguration(0.9, generous, cfg.Orchestrator)
	if spec.Name != "quick-scan" {
		t.Fatalf("threshold=0.95 rq=0.9 picked %s", spec.Name)
	}
}

func TestCorrectionThresholdConfigurable(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.CorrectionThreshold = 1
	o := orchestrator.New(cfg)
	b := orchestrator.Budgets{CostRemaining: 10000, LatencyBudgetMS: 60000, Mode: "ASYNC"}

	o.Inbox.Receive(orchestrator.Signal{ID: "c", Level: "CORRECT", Criterion: "consistency", Confidence: 0.5})
	o.MakeDecision("thread-1", orchestrator.SegmentScores{}, b, "tester")

	decisions := o.ProcessSegmentBatch("thread-1", "package a\nfunc A() {}\n", "code", b, "tester")
	if len(decisions) != 1 || !decisions[0].Escalated {
		t.Fatalf("once-corrected thread not escalated at threshold 1: %+v", decisions)
	}
}

func TestSegmentWork(t *testing.T) {
	code := "package a\n\nfunc A() {}\n\npackage b\n\nfunc B() {}\n\npackage c\n"
	segments := orchestrator.SegmentWork(code, "code")
	if len(segments) != 3 {
		t.Fatalf("expected 3 modules, got %d", len(segments))
	}
	for i, seg := range segments {
		if seg.Kind != "module" {
			t.Fatalf("segment %d kind %s", i, seg.Kind)
		}
	}
	if !strings.Contains(segments[1].Content, "func B") {
		t.Fatalf("split lost content: %q", segments[1].Content)
	}

	doc := "preamble\n# One\nbody\n# Two\nbody\n"
	if got := orchestrator.SegmentWork(doc, "document"); len(got) != 2 {
		t.Fatalf("expected 2 sections, got %d", len(got))
	}

	if got := orchestrator.SegmentWork("free text", "audio"); len(got) != 1 || got[0].Kind != "blob" {
		t.Fatalf("unknown type should yield a single blob: %+v", got)
	}
}

func TestInboxDrainOnce(t *testing.T) {
	o := orchestrator.New(testConfig())
	o.Inbox.Receive(orchestrator.Signal{ID: "s1", Level: "WARN", Criterion: "style"})
	o.Inbox.Receive(orchestrator.Signal{ID: "s2", Level: "WARN", Criterion: "tone"})
	if o.Inbox.Pending() != 2 {
		t.Fatalf("pending %d", o.Inbox.Pending())
	}

	b := orchestrator.Budgets{CostRemaining: 10000, LatencyBudgetMS: 60000, Mode: "ASYNC"}
	d := o.MakeDecision("thread-1", orchestrator.SegmentScores{}, b, "tester")
	if d.ConsumedSignals != 2 || d.Intervention != orchestrator.InterventionContinue {
		t.Fatalf("first decision: %+v", d)
	}
	if o.Inbox.Pending() != 0 {
		t.Fatalf("inbox not drained")
	}

	// the next decision sees a clean inbox
	d = o.MakeDecision("thread-1", orchestrator.SegmentScores{}, b, "tester")
	if d.ConsumedSignals != 0 || d.Intervention != orchestrator.InterventionProceed {
		t.Fatalf("second decision: %+v", d)
	}
	if d.Configuration == nil {
		t.Fatalf("proceed decision missing configuration")
	}
}

func TestInterventionSeverity(t *testing.T) {
	cases := []struct {
		levels []string
		want   string
	}{
		{nil, orchestrator.InterventionProceed},
		{[]string{"WARN"}, orchestrator.InterventionContinue},
		{[]string{"WARN", "CORRECT"}, orchestrator.InterventionPatch},
		{[]string{"CORRECT", "PAUSE", "WARN"}, orchestrator.InterventionAskHuman},
		{[]string{"BLOCK", "PAUSE"}, orchestrator.InterventionBlock},
		{[]string{"WARN", "ESCALATE", "BLOCK"}, orchestrator.InterventionEscalate},
	}
	for _, c := range cases {
		var signals []orchestrator.Signal
		for i, lvl := range c.levels {
			signals = append(signals, orchestrator.Signal{ID: string(rune('a' + i)), Level: lvl})
		}
		got, _ := orchestrator.DecideIntervention(signals)
		if got != c.want {
			t.Errorf("levels %v -> %s, want %s", c.levels, got, c.want)
		}
	}
}

func TestPatchFromHighestConfidence(t *testing.T) {
	o := orchestrator.New(testConfig())
	o.Inbox.Receive(orchestrator.Signal{ID: "low", Level: "CORRECT", Criterion: "consistency", Confidence: 0.3})
	o.Inbox.Receive(orchestrator.Signal{ID: "high", Level: "CORRECT", Criterion: "policy", Confidence: 0.9})

	b := orchestrator.Budgets{CostRemaining: 10000, LatencyBudgetMS: 60000, Mode: "ASYNC"}
	d := o.MakeDecision("thread-1", orchestrator.SegmentScores{}, b, "tester")
	if d.Intervention != orchestrator.InterventionPatch {
		t.Fatalf("intervention %s", d.Intervention)
	}
	if d.Patch == nil || d.Patch.SignalID != "high" {
		t.Fatalf("patch source: %+v", d.Patch)
	}
	if o.CorrectionCount("thread-1") != 1 {
		t.Fatalf("correction count %d", o.CorrectionCount("thread-1"))
	}
}

func TestSegmentBatchBudgetSplit(t *testing.T) {
	o := orchestrator.New(testConfig())
	code := "package a\nfunc A() {}\npackage b\nfunc B() {}\npackage c\nfunc C() {}\n"
	b := orchestrator.Budgets{CostRemaining: 6000, LatencyBudgetMS: 60000, Mode: "ASYNC"}

	decisions := o.ProcessSegmentBatch("thread-1", code, "code", b, "tester")
	if len(decisions) != 3 {
		t.Fatalf("expected 3 decisions, got %d", len(decisions))
	}
	var total float64
	for _, d := range decisions {
		if d.Escalated {
			t.Fatalf("clean segment escalated: %+v", d)
		}
		if d.Configuration == nil || d.Configuration.Cost > 2000 {
			t.Fatalf("segment overspent its share: %+v", d.Configuration)
		}
		total += d.EstimatedCost
	}
	if total > 6000 {
		t.Fatalf("summed cost %v exceeds budget", total)
	}
}

func TestScopedSignalEscalatesSegment(t *testing.T) {
	o := orchestrator.New(testConfig())
	o.Inbox.Receive(orchestrator.Signal{ID: "s1", Level: "BLOCK", Criterion: "safety", Scope: []string{"module-2"}, Confidence: 0.8})

	code := "package a\nfunc A() {}\npackage b\nfunc B() {}\n"
	b := orchestrator.Budgets{CostRemaining: 20000, LatencyBudgetMS: 60000, Mode: "ASYNC"}
	decisions := o.ProcessSegmentBatch("thread-1", code, "code", b, "tester")
	if len(decisions) != 2 {
		t.Fatalf("expected 2 decisions, got %d", len(decisions))
	}

	first, second := decisions[0], decisions[1]
	if first.Escalated || first.Intervention != orchestrator.InterventionProceed {
		t.Fatalf("unscoped segment affected: %+v", first)
	}
	if !second.Escalated || second.Intervention != orchestrator.InterventionBlock {
		t.Fatalf("scoped segment not escalated: %+v", second)
	}
	if second.RequiredQuality < 0.85 {
		t.Fatalf("escalated quality floor not applied: %v", second.RequiredQuality)
	}
	joined := strings.Join(second.Checks, ",")
	if !strings.Contains(joined, "human_review") || !strings.Contains(joined, "cross_reference") {
		t.Fatalf("escalated checks not widened: %v", second.Checks)
	}
}

func TestRepeatedCorrectionsEscalate(t *testing.T) {
	o := orchestrator.New(testConfig())
	b := orchestrator.Budgets{CostRemaining: 10000, LatencyBudgetMS: 60000, Mode: "ASYNC"}

	for i := 0; i < 3; i++ {
		o.Inbox.Receive(orchestrator.Signal{ID: "c", Level: "CORRECT", Criterion: "consistency", Confidence: 0.5})
		o.MakeDecision("thread-1", orchestrator.SegmentScores{}, b, "tester")
	}
	if o.CorrectionCount("thread-1") != 3 {
		t.Fatalf("correction count %d", o.CorrectionCount("thread-1"))
	}
	decisions := o.ProcessSegmentBatch("thread-1", "package a\nfunc A() {}\n", "code", b, "tester")
	if len(decisions) != 1 || !decisions[0].Escalated {
		t.Fatalf("thrice-corrected thread not escalated: %+v", decisions)
	}
}
