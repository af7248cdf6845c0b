package repo

import (
	"context"
	"database/sql"
	"strings"

	"threadline/internal/domain"
)

const pointCols = `id,identity_id,thread_id,point_type,ref_id,title,context_json,suggestion,aging_level,reminder_count,is_active,is_archived,archive_reason,response_type,user_response,aging_anchor,created_at,updated_at,responded_at`

func scanPoint(scan func(dest ...any) error) (domain.DecisionPoint, error) {
	var p domain.DecisionPoint
	var threadID, refID, contextJSON, suggestion, archiveReason, responseType, userResponse, respondedAt sql.NullString
	var active, archived int
	err := scan(&p.ID, &p.IdentityID, &threadID, &p.PointType, &refID, &p.Title, &contextJSON, &suggestion,
		&p.AgingLevel, &p.ReminderCount, &active, &archived, &archiveReason, &responseType, &userResponse,
		&p.AgingAnchor, &p.CreatedAt, &p.UpdatedAt, &respondedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	p.IsActive = active != 0
	p.IsArchived = archived != 0
	if threadID.Valid {
		p.ThreadID = threadID.String
	}
	if refID.Valid {
		p.RefID = refID.String
	}
	if contextJSON.Valid {
		p.ContextJSON = contextJSON.String
	}
	if suggestion.Valid {
		p.Suggestion = suggestion.String
	}
	if archiveReason.Valid {
		p.ArchiveReason = archiveReason.String
	}
	if responseType.Valid {
		p.ResponseType = &responseType.String
	}
	if userResponse.Valid {
		p.UserResponse = &userResponse.String
	}
	if respondedAt.Valid {
		p.RespondedAt = &respondedAt.String
	}
	return p, err
}

func (r Repo) InsertPoint(ctx context.Context, p domain.DecisionPoint) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO decision_points(id,identity_id,thread_id,point_type,ref_id,title,context_json,suggestion,aging_level,reminder_count,is_active,is_archived,archive_reason,response_type,user_response,aging_anchor,created_at,updated_at,responded_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, p.IdentityID, nullable(p.ThreadID), p.PointType, nullable(p.RefID), p.Title, nullable(p.ContextJSON), nullable(p.Suggestion),
		p.AgingLevel, p.ReminderCount, boolToInt(p.IsActive), boolToInt(p.IsArchived), nullable(p.ArchiveReason),
		nullableStringPtr(p.ResponseType), nullableStringPtr(p.UserResponse), p.AgingAnchor, p.CreatedAt, p.UpdatedAt, nullableStringPtr(p.RespondedAt))
	return err
}

func (r Repo) GetPoint(ctx context.Context, id string) (domain.DecisionPoint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+pointCols+` FROM decision_points WHERE id=?`, id)
	return scanPoint(row.Scan)
}

type PointFilters struct {
	IdentityID string
	PointType  string
	ActiveOnly bool
	Limit      int
}

func (r Repo) ListPoints(ctx context.Context, f PointFilters) ([]domain.DecisionPoint, error) {
	clauses := []string{"identity_id=?"}
	args := []any{f.IdentityID}
	if f.PointType != "" {
		clauses = append(clauses, "point_type=?")
		args = append(args, f.PointType)
	}
	if f.ActiveOnly {
		clauses = append(clauses, "is_active=1")
	}
	query := `SELECT ` + pointCols + ` FROM decision_points WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionPoint
	for rows.Next() {
		p, err := scanPoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ListActivePoints returns every active point across identities, for the
// periodic aging sweep.
func (r Repo) ListActivePoints(ctx context.Context) ([]domain.DecisionPoint, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+pointCols+` FROM decision_points WHERE is_active=1 ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionPoint
	for rows.Next() {
		p, err := scanPoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// ClosePoint records a closing human response. The is_active guard is the
// compare-and-swap that makes a response win over a concurrent archive sweep.
func (r Repo) ClosePoint(ctx context.Context, id, responseType, userResponse, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE decision_points SET is_active=0, response_type=?, user_response=?, responded_at=?, updated_at=? WHERE id=? AND is_active=1`,
		responseType, nullable(userResponse), now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// AnnotatePoint records a non-closing response (comment).
func (r Repo) AnnotatePoint(ctx context.Context, id, responseType, userResponse, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE decision_points SET response_type=?, user_response=?, responded_at=?, updated_at=? WHERE id=? AND is_active=1`,
		responseType, nullable(userResponse), now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// DeferPoint resets the aging anchor and reminder count without closing.
func (r Repo) DeferPoint(ctx context.Context, id, userResponse, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE decision_points SET aging_level='green', aging_anchor=?, reminder_count=0, response_type='DEFER', user_response=?, responded_at=?, updated_at=? WHERE id=? AND is_active=1`,
		now, nullable(userResponse), now, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// SetPointAging persists a recomputed aging level and bumps the reminder count
// when the level changed. No-ops on closed points.
func (r Repo) SetPointAging(ctx context.Context, id, level, now string, bumpReminder bool) (bool, error) {
	query := `UPDATE decision_points SET aging_level=?, updated_at=? WHERE id=? AND is_active=1`
	if bumpReminder {
		query = `UPDATE decision_points SET aging_level=?, updated_at=?, reminder_count=reminder_count+1 WHERE id=? AND is_active=1`
	}
	res, err := r.DB.ExecContext(ctx, query, level, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ArchivePoint closes a point from the sweep side. Loses to a concurrent human
// response through the is_active guard.
func (r Repo) ArchivePoint(ctx context.Context, id, reason, now string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `UPDATE decision_points SET is_active=0, is_archived=1, archive_reason=?, aging_level='archive', updated_at=? WHERE id=? AND is_active=1`,
		reason, now, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// CountActivePointsByLevel aggregates active points per aging level.
func (r Repo) CountActivePointsByLevel(ctx context.Context, identityID string) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT aging_level, COUNT(*) FROM decision_points WHERE identity_id=? AND is_active=1 GROUP BY aging_level`, identityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var level string
		var count int
		if err := rows.Scan(&level, &count); err != nil {
			return nil, err
		}
		res[level] = count
	}
	return res, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
