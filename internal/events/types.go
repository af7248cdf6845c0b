package events

import (
	"encoding/json"
	"fmt"
)

// Event type vocabulary shared with external collaborators. Ledger appends use
// these constants; free-form types are still accepted on the generic append path.
const (
	ThreadCreated     = "thread.created"
	IntentDeclared    = "intent.declared"
	IntentRefined     = "intent.refined"
	ThreadUpdated     = "thread.updated"
	ThreadArchived    = "thread.archived"
	DecisionRecorded  = "decision.recorded"
	ActionCreated     = "action.created"
	ActionCompleted   = "action.completed"
	SummarySnapshot   = "summary.snapshot"
	CheckpointTrigger = "checkpoint.triggered"
	OrchDecisionMade  = "orch_decision_made"
	SpecRun           = "spec_run"
	SpecDeferred      = "spec_deferred"
	EscalationTrigger = "escalation_triggered"
	GovernanceSignal  = "governance_signal"
	BacklogItem       = "backlog_item_created"
	PatchApplied      = "patch_instruction_applied"
)

// Payload is the free-form JSON body of an event.
type Payload map[string]any

// Marshal serializes a payload for storage. A nil payload becomes an empty object.
func Marshal(p Payload) (string, error) {
	if p == nil {
		p = Payload{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("marshal event payload: %w", err)
	}
	return string(data), nil
}
