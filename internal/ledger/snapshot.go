package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"threadline/internal/domain"
	"threadline/internal/events"
	"threadline/internal/repo"
)

// Snapshot derives a compressed summary of the thread at its current sequence:
// the current intent, open decisions and pending actions. The snapshot never
// replaces the log; replay stays authoritative.
func (l Ledger) Snapshot(ctx context.Context, identityID, threadID, actor string) (domain.Snapshot, error) {
	t, err := l.guard(ctx, identityID, threadID)
	if err != nil {
		return domain.Snapshot{}, err
	}
	decisions, err := l.Repo.ListDecisions(ctx, t.ID, 0)
	if err != nil {
		return domain.Snapshot{}, err
	}
	pending, err := l.Repo.ListActions(ctx, t.ID, "pending", 0)
	if err != nil {
		return domain.Snapshot{}, err
	}
	decisionsJSON, err := json.Marshal(decisions)
	if err != nil {
		return domain.Snapshot{}, err
	}
	actionsJSON, err := json.Marshal(pending)
	if err != nil {
		return domain.Snapshot{}, err
	}

	summary := fmt.Sprintf("intent: %s | decisions: %d | pending actions: %d", t.CurrentIntent, len(decisions), len(pending))

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Snapshot{}, err
	}
	defer tx.Rollback()

	e, err := l.appendTx(ctx, tx, t.ID, events.SummarySnapshot, actor, events.Payload{
		"summary":         summary,
		"decision_count":  len(decisions),
		"pending_actions": len(pending),
	})
	if err != nil {
		return domain.Snapshot{}, err
	}
	s := domain.Snapshot{
		ID:             uuid.New().String(),
		ThreadID:       t.ID,
		SequenceNumber: e.SequenceNumber,
		Summary:        summary,
		DecisionsJSON:  string(decisionsJSON),
		ActionsJSON:    string(actionsJSON),
		CreatedAt:      e.CreatedAt,
	}
	if err := l.Repo.InsertSnapshotTx(ctx, tx, s); err != nil {
		return domain.Snapshot{}, fmt.Errorf("insert snapshot: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.Snapshot{}, err
	}
	return s, nil
}

// Projection is the state of a thread rebuilt from its log, resuming from the
// latest snapshot when one exists.
type Projection struct {
	ThreadID       string         `json:"thread_id"`
	CurrentIntent  string         `json:"current_intent"`
	Status         string         `json:"status"`
	LastSequence   int64          `json:"last_sequence"`
	ReplayedEvents int            `json:"replayed_events"`
	FromSnapshot   bool           `json:"from_snapshot"`
	Counts         map[string]int `json:"counts"`
}

// Replay folds the event log into a Projection. With useSnapshot it starts
// from the latest snapshot's sequence instead of zero.
func (l Ledger) Replay(ctx context.Context, identityID, threadID string, useSnapshot bool) (Projection, error) {
	t, err := l.guard(ctx, identityID, threadID)
	if err != nil {
		return Projection{}, err
	}
	proj := Projection{ThreadID: t.ID, Status: "active", Counts: map[string]int{}}
	var afterSeq int64
	if useSnapshot {
		snap, err := l.Repo.LatestSnapshot(ctx, t.ID)
		if err == nil {
			afterSeq = snap.SequenceNumber
			proj.FromSnapshot = true
			proj.Status = t.Status
		} else if !errors.Is(err, repo.ErrNotFound) {
			return Projection{}, err
		}
	}
	for {
		batch, err := l.Repo.ListEvents(ctx, t.ID, afterSeq, 500)
		if err != nil {
			return Projection{}, err
		}
		if len(batch) == 0 {
			break
		}
		for _, e := range batch {
			proj.ReplayedEvents++
			proj.LastSequence = e.SequenceNumber
			proj.Counts[e.Type]++
			switch e.Type {
			case events.IntentDeclared, events.IntentRefined:
				var p struct {
					Intent string `json:"intent"`
					To     string `json:"to"`
				}
				if err := json.Unmarshal([]byte(e.Payload), &p); err == nil {
					if p.To != "" {
						proj.CurrentIntent = p.To
					} else if p.Intent != "" {
						proj.CurrentIntent = p.Intent
					}
				}
			case events.ThreadArchived:
				proj.Status = "archived"
			case events.ThreadUpdated:
				var p struct {
					To string `json:"to"`
				}
				if err := json.Unmarshal([]byte(e.Payload), &p); err == nil {
					switch p.To {
					case "paused", "active":
						proj.Status = p.To
					}
				}
			}
		}
		afterSeq = batch[len(batch)-1].SequenceNumber
	}
	if proj.CurrentIntent == "" {
		proj.CurrentIntent = t.CurrentIntent
	}
	return proj, nil
}
