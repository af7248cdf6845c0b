package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threadline/internal/config"
	"threadline/internal/domain"
	"threadline/internal/events"
	"threadline/internal/gate"
	"threadline/internal/repo"
)

// Ledger owns the append-only event log of every thread: sequencing,
// immutability, the identity boundary, and the derived thread counters.
// Sensitive appends are routed through the checkpoint gate before anything is
// written.
type Ledger struct {
	DB     *sql.DB
	Repo   repo.Repo
	Gate   gate.Gate
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Ledger {
	return Ledger{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Gate:   gate.New(db, cfg),
		Config: cfg,
		Now:    time.Now,
	}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// AppendResult is the tagged outcome of a gated append: either the event was
// written, or the mutation is blocked behind a freshly created checkpoint.
// Blocked is an expected control-flow branch, not an error.
type AppendResult struct {
	Event      *domain.Event
	Checkpoint *domain.Checkpoint
}

func (r AppendResult) Blocked() bool { return r.Checkpoint != nil }

// CheckpointID returns the blocking checkpoint id, or "".
func (r AppendResult) CheckpointID() string {
	if r.Checkpoint == nil {
		return ""
	}
	return r.Checkpoint.ID
}

// guard loads a thread and enforces the identity boundary. A mismatch is
// fatal; it is never filtered down to an empty result.
func (l Ledger) guard(ctx context.Context, identityID, threadID string) (domain.Thread, error) {
	t, err := l.Repo.GetThread(ctx, threadID)
	if err != nil {
		return t, err
	}
	if t.IdentityID != identityID {
		return domain.Thread{}, fmt.Errorf("thread %s: %w", threadID, domain.ErrIdentityBoundary)
	}
	return t, nil
}

func ensureThreadTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case "active":
		if newStatus == "paused" || newStatus == "archived" {
			return nil
		}
	case "paused":
		if newStatus == "active" {
			return nil
		}
	}
	return fmt.Errorf("invalid thread status transition %s -> %s", oldStatus, newStatus)
}

// appendTx writes one event inside the caller's transaction: bump the
// per-thread sequence, link the parent, insert. The sequence bump serializes
// concurrent appenders on the thread row.
func (l Ledger) appendTx(ctx context.Context, tx *sql.Tx, threadID, evtType, actor string, payload events.Payload) (domain.Event, error) {
	nowStr := l.now().UTC().Format(time.RFC3339)
	seq, err := l.Repo.NextSequenceTx(ctx, tx, threadID, nowStr)
	if err != nil {
		return domain.Event{}, fmt.Errorf("assign sequence: %w", err)
	}
	parentID, err := l.Repo.LastEventIDTx(ctx, tx, threadID)
	if err != nil {
		return domain.Event{}, fmt.Errorf("resolve parent event: %w", err)
	}
	data, err := events.Marshal(payload)
	if err != nil {
		return domain.Event{}, err
	}
	e := domain.Event{
		ID:             uuid.New().String(),
		ThreadID:       threadID,
		SequenceNumber: seq,
		Type:           evtType,
		Payload:        data,
		Actor:          actor,
		CreatedAt:      nowStr,
	}
	if parentID != "" {
		e.ParentEventID = &parentID
	}
	if err := l.Repo.InsertEventTx(ctx, tx, e); err != nil {
		return domain.Event{}, fmt.Errorf("insert event: %w", err)
	}
	return e, nil
}

type CreateThreadOptions struct {
	IdentityID     string
	SphereID       string
	Title          string
	FoundingIntent string
	Actor          string
}

// CreateThread creates the thread row and its two foundational events
// (creation, intent declared) in one transaction. The founding intent is set
// here once and never touched again by any operation.
func (l Ledger) CreateThread(ctx context.Context, opts CreateThreadOptions) (domain.Thread, error) {
	if opts.IdentityID == "" {
		return domain.Thread{}, errors.New("identity required")
	}
	if opts.FoundingIntent == "" {
		return domain.Thread{}, errors.New("founding intent required")
	}
	now := l.now().UTC().Format(time.RFC3339)
	t := domain.Thread{
		ID:             uuid.New().String(),
		IdentityID:     opts.IdentityID,
		SphereID:       opts.SphereID,
		Title:          opts.Title,
		FoundingIntent: opts.FoundingIntent,
		CurrentIntent:  opts.FoundingIntent,
		Status:         "active",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Thread{}, err
	}
	defer tx.Rollback()

	if err := l.Repo.InsertThreadTx(ctx, tx, t); err != nil {
		return domain.Thread{}, fmt.Errorf("insert thread: %w", err)
	}
	if _, err := l.appendTx(ctx, tx, t.ID, events.ThreadCreated, opts.Actor, events.Payload{"title": t.Title, "sphere_id": t.SphereID}); err != nil {
		return domain.Thread{}, err
	}
	if _, err := l.appendTx(ctx, tx, t.ID, events.IntentDeclared, opts.Actor, events.Payload{"intent": t.FoundingIntent}); err != nil {
		return domain.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Thread{}, err
	}
	t.EventCount = 2
	t.LastSequence = 2
	return t, nil
}

type AppendOptions struct {
	IdentityID string
	ThreadID   string
	Type       string
	Payload    events.Payload
	Actor      string
	// ActionType/Impact describe the mutation for the checkpoint gate. Leave
	// empty for ungated bookkeeping events.
	ActionType string
	Impact     string
}

// Append writes one event to a thread's log, or returns a Blocked result when
// the gate requires human approval first. Nothing is written on the blocked
// path except the checkpoint itself.
func (l Ledger) Append(ctx context.Context, opts AppendOptions) (AppendResult, error) {
	if opts.Type == "" {
		return AppendResult{}, errors.New("event type required")
	}
	if opts.Actor == "" {
		return AppendResult{}, errors.New("actor required")
	}
	t, err := l.guard(ctx, opts.IdentityID, opts.ThreadID)
	if err != nil {
		return AppendResult{}, err
	}
	if t.Status == "archived" {
		return AppendResult{}, fmt.Errorf("invalid append: thread %s is archived", t.ID)
	}
	if opts.ActionType != "" && l.Gate.Required(opts.ActionType, opts.Impact) {
		cp, err := l.Gate.Create(ctx, gate.CreateOptions{
			IdentityID:  opts.IdentityID,
			ThreadID:    opts.ThreadID,
			ActionType:  opts.ActionType,
			Impact:      opts.Impact,
			RequestedBy: opts.Actor,
		})
		if err != nil {
			return AppendResult{}, err
		}
		return AppendResult{Checkpoint: &cp}, nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return AppendResult{}, err
	}
	defer tx.Rollback()
	e, err := l.appendTx(ctx, tx, opts.ThreadID, opts.Type, opts.Actor, opts.Payload)
	if err != nil {
		return AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return AppendResult{}, err
	}
	return AppendResult{Event: &e}, nil
}

// RefineIntent updates the mutable current intent and appends intent.refined.
// The founding intent is deliberately not part of the UPDATE.
func (l Ledger) RefineIntent(ctx context.Context, identityID, threadID, intent, actor string) (domain.Thread, error) {
	if intent == "" {
		return domain.Thread{}, errors.New("intent required")
	}
	t, err := l.guard(ctx, identityID, threadID)
	if err != nil {
		return domain.Thread{}, err
	}
	if t.Status == "archived" {
		return domain.Thread{}, fmt.Errorf("invalid refine: thread %s is archived", t.ID)
	}
	previous := t.CurrentIntent
	t.CurrentIntent = intent
	t.UpdatedAt = l.now().UTC().Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Thread{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.UpdateThreadTx(ctx, tx, t); err != nil {
		return domain.Thread{}, err
	}
	if _, err := l.appendTx(ctx, tx, t.ID, events.IntentRefined, actor, events.Payload{"from": previous, "to": intent}); err != nil {
		return domain.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Thread{}, err
	}
	return l.Repo.GetThread(ctx, t.ID)
}

// UpdateThread mutates title/sphere metadata and appends thread.updated.
func (l Ledger) UpdateThread(ctx context.Context, identityID, threadID string, title, sphereID *string, actor string) (domain.Thread, error) {
	t, err := l.guard(ctx, identityID, threadID)
	if err != nil {
		return domain.Thread{}, err
	}
	if t.Status == "archived" {
		return domain.Thread{}, fmt.Errorf("invalid update: thread %s is archived", t.ID)
	}
	changes := events.Payload{}
	if title != nil {
		changes["title"] = *title
		t.Title = *title
	}
	if sphereID != nil {
		changes["sphere_id"] = *sphereID
		t.SphereID = *sphereID
	}
	if len(changes) == 0 {
		return t, nil
	}
	t.UpdatedAt = l.now().UTC().Format(time.RFC3339)

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Thread{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.UpdateThreadTx(ctx, tx, t); err != nil {
		return domain.Thread{}, err
	}
	if _, err := l.appendTx(ctx, tx, t.ID, events.ThreadUpdated, actor, changes); err != nil {
		return domain.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Thread{}, err
	}
	return l.Repo.GetThread(ctx, t.ID)
}

// SetThreadStatus drives the active<->paused<->archived state machine.
// Archived is terminal; there is no un-archive path through this API.
func (l Ledger) SetThreadStatus(ctx context.Context, identityID, threadID, status, actor string) (domain.Thread, error) {
	t, err := l.guard(ctx, identityID, threadID)
	if err != nil {
		return domain.Thread{}, err
	}
	if err := ensureThreadTransition(t.Status, status); err != nil {
		return domain.Thread{}, err
	}
	previous := t.Status
	t.Status = status
	t.UpdatedAt = l.now().UTC().Format(time.RFC3339)
	evtType := events.ThreadUpdated
	if status == "archived" {
		evtType = events.ThreadArchived
	}

	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Thread{}, err
	}
	defer tx.Rollback()
	if err := l.Repo.UpdateThreadTx(ctx, tx, t); err != nil {
		return domain.Thread{}, err
	}
	if _, err := l.appendTx(ctx, tx, t.ID, evtType, actor, events.Payload{"from": previous, "to": status}); err != nil {
		return domain.Thread{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Thread{}, err
	}
	return l.Repo.GetThread(ctx, t.ID)
}

// ArchiveThread is the terminal transition.
func (l Ledger) ArchiveThread(ctx context.Context, identityID, threadID, actor string) (domain.Thread, error) {
	return l.SetThreadStatus(ctx, identityID, threadID, "archived", actor)
}

type RecordDecisionOptions struct {
	IdentityID string
	ThreadID   string
	Title      string
	Outcome    string
	Rationale  string
	DecidedBy  string
}

// RecordDecision materializes a decision row from a decision.recorded event;
// row, event, and counter move in one transaction.
func (l Ledger) RecordDecision(ctx context.Context, opts RecordDecisionOptions) (domain.Decision, error) {
	if opts.Title == "" || opts.Outcome == "" {
		return domain.Decision{}, errors.New("title and outcome required")
	}
	t, err := l.guard(ctx, opts.IdentityID, opts.ThreadID)
	if err != nil {
		return domain.Decision{}, err
	}
	if t.Status == "archived" {
		return domain.Decision{}, fmt.Errorf("invalid decision: thread %s is archived", t.ID)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Decision{}, err
	}
	defer tx.Rollback()

	e, err := l.appendTx(ctx, tx, t.ID, events.DecisionRecorded, opts.DecidedBy, events.Payload{"title": opts.Title, "outcome": opts.Outcome})
	if err != nil {
		return domain.Decision{}, err
	}
	d := domain.Decision{
		ID:        uuid.New().String(),
		ThreadID:  t.ID,
		EventID:   e.ID,
		Title:     opts.Title,
		Outcome:   opts.Outcome,
		Rationale: opts.Rationale,
		DecidedBy: opts.DecidedBy,
		CreatedAt: e.CreatedAt,
	}
	if err := l.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
		return domain.Decision{}, fmt.Errorf("insert decision: %w", err)
	}
	if err := l.Repo.AdjustCountersTx(ctx, tx, t.ID, 1, 0, 0); err != nil {
		return domain.Decision{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Decision{}, err
	}
	return d, nil
}

type CreateActionOptions struct {
	IdentityID string
	ThreadID   string
	ActionType string
	Impact     string
	Title      string
	AssignedTo string
	Actor      string
}

// CreateAction opens a pending action, unless the gate blocks the action type
// or impact level first.
func (l Ledger) CreateAction(ctx context.Context, opts CreateActionOptions) (domain.Action, AppendResult, error) {
	if opts.ActionType == "" || opts.Title == "" {
		return domain.Action{}, AppendResult{}, errors.New("action type and title required")
	}
	if opts.Impact == "" {
		opts.Impact = "low"
	}
	t, err := l.guard(ctx, opts.IdentityID, opts.ThreadID)
	if err != nil {
		return domain.Action{}, AppendResult{}, err
	}
	if t.Status == "archived" {
		return domain.Action{}, AppendResult{}, fmt.Errorf("invalid action: thread %s is archived", t.ID)
	}
	if l.Gate.Required(opts.ActionType, opts.Impact) {
		cp, err := l.Gate.Create(ctx, gate.CreateOptions{
			IdentityID:  opts.IdentityID,
			ThreadID:    opts.ThreadID,
			ActionType:  opts.ActionType,
			Impact:      opts.Impact,
			RequestedBy: opts.Actor,
		})
		if err != nil {
			return domain.Action{}, AppendResult{}, err
		}
		return domain.Action{}, AppendResult{Checkpoint: &cp}, nil
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, AppendResult{}, err
	}
	defer tx.Rollback()

	e, err := l.appendTx(ctx, tx, t.ID, events.ActionCreated, opts.Actor, events.Payload{"action_type": opts.ActionType, "title": opts.Title, "impact": opts.Impact})
	if err != nil {
		return domain.Action{}, AppendResult{}, err
	}
	a := domain.Action{
		ID:         uuid.New().String(),
		ThreadID:   t.ID,
		EventID:    e.ID,
		ActionType: opts.ActionType,
		Impact:     opts.Impact,
		Title:      opts.Title,
		Status:     "pending",
		AssignedTo: opts.AssignedTo,
		CreatedAt:  e.CreatedAt,
	}
	if err := l.Repo.InsertActionTx(ctx, tx, a); err != nil {
		return domain.Action{}, AppendResult{}, fmt.Errorf("insert action: %w", err)
	}
	if err := l.Repo.AdjustCountersTx(ctx, tx, t.ID, 0, 1, 1); err != nil {
		return domain.Action{}, AppendResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, AppendResult{}, err
	}
	return a, AppendResult{Event: &e}, nil
}

// CompleteAction performs the pending->completed terminal transition and
// appends action.completed. Completing twice is a validation error.
func (l Ledger) CompleteAction(ctx context.Context, identityID, actionID, actor string) (domain.Action, error) {
	a, err := l.Repo.GetAction(ctx, actionID)
	if err != nil {
		return domain.Action{}, err
	}
	t, err := l.guard(ctx, identityID, a.ThreadID)
	if err != nil {
		return domain.Action{}, err
	}
	if t.Status == "archived" {
		return domain.Action{}, fmt.Errorf("invalid action: thread %s is archived", t.ID)
	}
	tx, err := l.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Action{}, err
	}
	defer tx.Rollback()

	nowStr := l.now().UTC().Format(time.RFC3339)
	done, err := l.Repo.CompleteActionTx(ctx, tx, a.ID, nowStr)
	if err != nil {
		return domain.Action{}, err
	}
	if !done {
		return domain.Action{}, fmt.Errorf("invalid action status transition: %s already completed", a.ID)
	}
	if _, err := l.appendTx(ctx, tx, t.ID, events.ActionCompleted, actor, events.Payload{"action_id": a.ID}); err != nil {
		return domain.Action{}, err
	}
	if err := l.Repo.AdjustCountersTx(ctx, tx, t.ID, 0, 0, -1); err != nil {
		return domain.Action{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Action{}, err
	}
	a.Status = "completed"
	a.CompletedAt = &nowStr
	return a, nil
}

// EventPage is a page of a thread's log in ascending sequence order.
type EventPage struct {
	Items   []domain.Event
	Total   int64
	HasMore bool
}

func (l Ledger) ListEvents(ctx context.Context, identityID, threadID string, afterSeq int64, limit int) (EventPage, error) {
	if _, err := l.guard(ctx, identityID, threadID); err != nil {
		return EventPage{}, err
	}
	if limit <= 0 {
		limit = 100
	}
	items, err := l.Repo.ListEvents(ctx, threadID, afterSeq, limit)
	if err != nil {
		return EventPage{}, err
	}
	total, err := l.Repo.CountEvents(ctx, threadID)
	if err != nil {
		return EventPage{}, err
	}
	hasMore := false
	if len(items) > 0 {
		hasMore = items[len(items)-1].SequenceNumber < total
	}
	return EventPage{Items: items, Total: total, HasMore: hasMore}, nil
}

// GetThread is a guarded read.
func (l Ledger) GetThread(ctx context.Context, identityID, threadID string) (domain.Thread, error) {
	return l.guard(ctx, identityID, threadID)
}

func (l Ledger) ListThreads(ctx context.Context, f repo.ThreadFilters) ([]domain.Thread, error) {
	return l.Repo.ListThreads(ctx, f)
}
