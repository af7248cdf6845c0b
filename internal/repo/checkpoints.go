package repo

import (
	"context"
	"database/sql"
	"strings"

	"threadline/internal/domain"
)

const checkpointCols = `id,identity_id,thread_id,action_type,impact,requested_by,context_json,status,reason,resolved_by,resolved_at,created_at,expires_at`

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var threadID, impact, contextJSON, reason, resolvedBy, resolvedAt sql.NullString
	err := scan(&c.ID, &c.IdentityID, &threadID, &c.ActionType, &impact, &c.RequestedBy, &contextJSON,
		&c.Status, &reason, &resolvedBy, &resolvedAt, &c.CreatedAt, &c.ExpiresAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if threadID.Valid {
		c.ThreadID = threadID.String
	}
	if impact.Valid {
		c.Impact = impact.String
	}
	if contextJSON.Valid {
		c.ContextJSON = contextJSON.String
	}
	if reason.Valid {
		c.Reason = reason.String
	}
	if resolvedBy.Valid {
		c.ResolvedBy = &resolvedBy.String
	}
	if resolvedAt.Valid {
		c.ResolvedAt = &resolvedAt.String
	}
	return c, err
}

func (r Repo) InsertCheckpointTx(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	exec := r.DB.ExecContext
	if tx != nil {
		exec = tx.ExecContext
	}
	_, err := exec(ctx, `INSERT INTO checkpoints(id,identity_id,thread_id,action_type,impact,requested_by,context_json,status,reason,resolved_by,resolved_at,created_at,expires_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.IdentityID, nullable(c.ThreadID), c.ActionType, nullable(c.Impact), c.RequestedBy, nullable(c.ContextJSON),
		c.Status, nullable(c.Reason), nullableStringPtr(c.ResolvedBy), nullableStringPtr(c.ResolvedAt), c.CreatedAt, c.ExpiresAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints WHERE id=?`, id)
	return scanCheckpoint(row.Scan)
}

// FindPendingCheckpoint returns the newest pending checkpoint matching the
// action, so a retried mutation reuses its gate instead of opening another.
func (r Repo) FindPendingCheckpoint(ctx context.Context, identityID, threadID, actionType, impact string) (domain.Checkpoint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints
WHERE identity_id=? AND thread_id=? AND action_type=? AND impact=? AND status='pending'
ORDER BY created_at DESC, id DESC LIMIT 1`, identityID, threadID, actionType, impact)
	return scanCheckpoint(row.Scan)
}

type CheckpointFilters struct {
	IdentityID string
	Status     string
	ThreadID   string
	Limit      int
}

func (r Repo) ListCheckpoints(ctx context.Context, f CheckpointFilters) ([]domain.Checkpoint, error) {
	clauses := []string{"identity_id=?"}
	args := []any{f.IdentityID}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ThreadID != "" {
		clauses = append(clauses, "thread_id=?")
		args = append(args, f.ThreadID)
	}
	query := `SELECT ` + checkpointCols + ` FROM checkpoints WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// ResolveCheckpoint attempts the single allowed terminal transition from
// pending. The status guard in the WHERE clause is the compare-and-swap: under
// racing approve/reject calls exactly one caller sees rows affected.
func (r Repo) ResolveCheckpoint(ctx context.Context, id, status, resolvedBy, resolvedAt, reason string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE checkpoints SET status=?, resolved_by=?, resolved_at=?, reason=? WHERE id=? AND status='pending'`,
		status, nullable(resolvedBy), resolvedAt, nullable(reason), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ExpireCheckpoint moves a pending checkpoint to expired. Loses silently to a
// concurrent human resolution.
func (r Repo) ExpireCheckpoint(ctx context.Context, id, resolvedAt string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE checkpoints SET status='expired', resolved_at=? WHERE id=? AND status='pending'`, resolvedAt, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
