package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"threadline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

const threadCols = `id,identity_id,COALESCE(sphere_id,''),COALESCE(title,''),founding_intent,current_intent,status,event_count,decision_count,action_count,pending_action_count,last_sequence,created_at,updated_at`

func scanThread(scan func(dest ...any) error) (domain.Thread, error) {
	var t domain.Thread
	err := scan(&t.ID, &t.IdentityID, &t.SphereID, &t.Title, &t.FoundingIntent, &t.CurrentIntent, &t.Status,
		&t.EventCount, &t.DecisionCount, &t.ActionCount, &t.PendingActionCount, &t.LastSequence, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) InsertThreadTx(ctx context.Context, tx *sql.Tx, t domain.Thread) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO threads(id,identity_id,sphere_id,title,founding_intent,current_intent,status,event_count,decision_count,action_count,pending_action_count,last_sequence,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.IdentityID, nullable(t.SphereID), nullable(t.Title), t.FoundingIntent, t.CurrentIntent, t.Status,
		t.EventCount, t.DecisionCount, t.ActionCount, t.PendingActionCount, t.LastSequence, t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetThread(ctx context.Context, id string) (domain.Thread, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+threadCols+` FROM threads WHERE id=?`, id)
	return scanThread(row.Scan)
}

func (r Repo) GetThreadTx(ctx context.Context, tx *sql.Tx, id string) (domain.Thread, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+threadCols+` FROM threads WHERE id=?`, id)
	return scanThread(row.Scan)
}

type ThreadFilters struct {
	IdentityID      string
	Status          string
	SphereID        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListThreads(ctx context.Context, f ThreadFilters) ([]domain.Thread, error) {
	clauses := []string{"identity_id=?"}
	args := []any{f.IdentityID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SphereID != "" {
		clauses = append(clauses, "sphere_id=?")
		args = append(args, f.SphereID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + threadCols + ` FROM threads WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Thread
	for rows.Next() {
		t, err := scanThread(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateThreadTx(ctx context.Context, tx *sql.Tx, t domain.Thread) error {
	res, err := tx.ExecContext(ctx, `UPDATE threads SET sphere_id=?, title=?, current_intent=?, status=?, updated_at=? WHERE id=?`,
		nullable(t.SphereID), nullable(t.Title), t.CurrentIntent, t.Status, t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// NextSequenceTx bumps the thread's sequence counter and event count in one
// statement and returns the freshly assigned sequence number. The UPDATE runs
// inside the caller's write transaction, so concurrent appenders to the same
// thread serialize on the row and numbers come out gapless.
func (r Repo) NextSequenceTx(ctx context.Context, tx *sql.Tx, threadID, updatedAt string) (int64, error) {
	res, err := tx.ExecContext(ctx, `UPDATE threads SET last_sequence=last_sequence+1, event_count=event_count+1, updated_at=? WHERE id=?`, updatedAt, threadID)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT last_sequence FROM threads WHERE id=?`, threadID).Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// AdjustCountersTx moves the derived decision/action counters by the given deltas.
func (r Repo) AdjustCountersTx(ctx context.Context, tx *sql.Tx, threadID string, decisions, actions, pending int64) error {
	_, err := tx.ExecContext(ctx, `UPDATE threads SET decision_count=decision_count+?, action_count=action_count+?, pending_action_count=pending_action_count+? WHERE id=?`,
		decisions, actions, pending, threadID)
	return err
}

const eventCols = `id,thread_id,sequence_number,type,payload_json,parent_event_id,actor,created_at`

func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, e domain.Event) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO events(id,thread_id,sequence_number,type,payload_json,parent_event_id,actor,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.ThreadID, e.SequenceNumber, e.Type, e.Payload, nullableStringPtr(e.ParentEventID), e.Actor, e.CreatedAt)
	return err
}

// LastEventIDTx returns the id of the most recent event on a thread, or "" for
// an empty log.
func (r Repo) LastEventIDTx(ctx context.Context, tx *sql.Tx, threadID string) (string, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM events WHERE thread_id=? ORDER BY sequence_number DESC LIMIT 1`, threadID).Scan(&id)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return id, err
}

func scanEvent(scan func(dest ...any) error) (domain.Event, error) {
	var e domain.Event
	var parent sql.NullString
	err := scan(&e.ID, &e.ThreadID, &e.SequenceNumber, &e.Type, &e.Payload, &parent, &e.Actor, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if parent.Valid {
		e.ParentEventID = &parent.String
	}
	return e, err
}

// ListEvents returns events in ascending sequence order, starting after the
// given sequence number (0 for the beginning).
func (r Repo) ListEvents(ctx context.Context, threadID string, afterSeq int64, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+eventCols+` FROM events WHERE thread_id=? AND sequence_number>? ORDER BY sequence_number ASC LIMIT ?`,
		threadID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) CountEvents(ctx context.Context, threadID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM events WHERE thread_id=?`, threadID).Scan(&n)
	return n, err
}

func (r Repo) GetEvent(ctx context.Context, id string) (domain.Event, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventCols+` FROM events WHERE id=?`, id)
	return scanEvent(row.Scan)
}

// EventsAfter returns events with sequence numbers greater than the cursor in
// ascending order, across all of an identity's threads (for webhook delivery).
func (r Repo) EventsAfter(ctx context.Context, limit int, cursorCreatedAt, cursorID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	clauses := []string{"1=1"}
	var args []any
	if cursorCreatedAt != "" && cursorID != "" {
		clauses = append(clauses, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, cursorCreatedAt, cursorCreatedAt, cursorID)
	}
	query := `SELECT ` + eventCols + ` FROM events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventCursor returns the position of the newest event, for initializing
// a webhook cursor so only future events are delivered.
func (r Repo) LatestEventCursor(ctx context.Context) (string, string, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT created_at, id FROM events ORDER BY created_at DESC, id DESC LIMIT 1`)
	var createdAt, id string
	err := row.Scan(&createdAt, &id)
	if err == sql.ErrNoRows {
		return "", "", nil
	}
	if err != nil {
		return "", "", err
	}
	return createdAt, id, nil
}

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.Decision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decisions(id,thread_id,event_id,title,outcome,rationale,decided_by,created_at) VALUES (?,?,?,?,?,?,?,?)`,
		d.ID, d.ThreadID, d.EventID, d.Title, d.Outcome, nullable(d.Rationale), d.DecidedBy, d.CreatedAt)
	return err
}

func (r Repo) ListDecisions(ctx context.Context, threadID string, limit int) ([]domain.Decision, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,thread_id,event_id,title,outcome,COALESCE(rationale,''),decided_by,created_at FROM decisions WHERE thread_id=? ORDER BY created_at DESC, id DESC LIMIT ?`, threadID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Decision
	for rows.Next() {
		var d domain.Decision
		if err := rows.Scan(&d.ID, &d.ThreadID, &d.EventID, &d.Title, &d.Outcome, &d.Rationale, &d.DecidedBy, &d.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) InsertActionTx(ctx context.Context, tx *sql.Tx, a domain.Action) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO actions(id,thread_id,event_id,action_type,impact,title,status,assigned_to,created_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.ThreadID, a.EventID, a.ActionType, a.Impact, a.Title, a.Status, nullable(a.AssignedTo), a.CreatedAt, nullableStringPtr(a.CompletedAt))
	return err
}

func scanAction(scan func(dest ...any) error) (domain.Action, error) {
	var a domain.Action
	var assigned, completed sql.NullString
	err := scan(&a.ID, &a.ThreadID, &a.EventID, &a.ActionType, &a.Impact, &a.Title, &a.Status, &assigned, &a.CreatedAt, &completed)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if assigned.Valid {
		a.AssignedTo = assigned.String
	}
	if completed.Valid {
		a.CompletedAt = &completed.String
	}
	return a, err
}

const actionCols = `id,thread_id,event_id,action_type,impact,title,status,assigned_to,created_at,completed_at`

func (r Repo) GetAction(ctx context.Context, id string) (domain.Action, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

func (r Repo) GetActionTx(ctx context.Context, tx *sql.Tx, id string) (domain.Action, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id=?`, id)
	return scanAction(row.Scan)
}

// CompleteActionTx performs the pending->completed transition. The WHERE clause
// doubles as the terminal-state guard: zero rows affected means the action was
// already completed.
func (r Repo) CompleteActionTx(ctx context.Context, tx *sql.Tx, id, completedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE actions SET status='completed', completed_at=? WHERE id=? AND status='pending'`, completedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r Repo) ListActions(ctx context.Context, threadID, status string, limit int) ([]domain.Action, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"thread_id=?"}
	args := []any{threadID}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, status)
	}
	query := `SELECT ` + actionCols + ` FROM actions WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Action
	for rows.Next() {
		a, err := scanAction(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}

func (r Repo) InsertSnapshotTx(ctx context.Context, tx *sql.Tx, s domain.Snapshot) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO snapshots(id,thread_id,sequence_number,summary,decisions_json,actions_json,created_at) VALUES (?,?,?,?,?,?,?)`,
		s.ID, s.ThreadID, s.SequenceNumber, s.Summary, nullable(s.DecisionsJSON), nullable(s.ActionsJSON), s.CreatedAt)
	return err
}

func (r Repo) LatestSnapshot(ctx context.Context, threadID string) (domain.Snapshot, error) {
	var s domain.Snapshot
	var decisions, actions sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,thread_id,sequence_number,summary,decisions_json,actions_json,created_at FROM snapshots WHERE thread_id=? ORDER BY sequence_number DESC LIMIT 1`, threadID).
		Scan(&s.ID, &s.ThreadID, &s.SequenceNumber, &s.Summary, &decisions, &actions, &s.CreatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if decisions.Valid {
		s.DecisionsJSON = decisions.String
	}
	if actions.Valid {
		s.ActionsJSON = actions.String
	}
	return s, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

