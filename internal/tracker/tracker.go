package tracker

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"threadline/internal/config"
	"threadline/internal/domain"
	"threadline/internal/repo"
)

// Tracker keeps the list of open decision points: questions the system raised
// that a human has not answered yet. Points age through green, yellow, red and
// blink before the sweep archives them as unanswered.
type Tracker struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Tracker {
	return Tracker{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (t Tracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}

// ClosedError is returned for a response against a point that is no longer
// active, either answered already or archived by the sweep.
type ClosedError struct {
	ID string
}

func (e ClosedError) Error() string {
	return fmt.Sprintf("decision point %s is no longer active", e.ID)
}

type CreateOptions struct {
	IdentityID  string
	ThreadID    string
	PointType   string
	RefID       string
	Title       string
	ContextJSON string
	Suggestion  string
}

// Create opens a fresh green point. When no suggestion is supplied one is
// derived from the point type so the surfaced item always proposes a next
// step.
func (t Tracker) Create(ctx context.Context, opts CreateOptions) (domain.DecisionPoint, error) {
	if opts.IdentityID == "" {
		return domain.DecisionPoint{}, errors.New("identity required")
	}
	if opts.Title == "" {
		return domain.DecisionPoint{}, errors.New("title required")
	}
	switch opts.PointType {
	case "checkpoint", "backlog", "orchestrator_block":
	default:
		return domain.DecisionPoint{}, fmt.Errorf("unknown point type %s", opts.PointType)
	}
	if opts.Suggestion == "" {
		opts.Suggestion = defaultSuggestion(opts.PointType)
	}
	now := t.now().UTC().Format(time.RFC3339)
	p := domain.DecisionPoint{
		ID:          uuid.New().String(),
		IdentityID:  opts.IdentityID,
		ThreadID:    opts.ThreadID,
		PointType:   opts.PointType,
		RefID:       opts.RefID,
		Title:       opts.Title,
		ContextJSON: opts.ContextJSON,
		Suggestion:  opts.Suggestion,
		AgingLevel:  "green",
		IsActive:    true,
		AgingAnchor: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := t.Repo.InsertPoint(ctx, p); err != nil {
		return domain.DecisionPoint{}, fmt.Errorf("insert decision point: %w", err)
	}
	return p, nil
}

func defaultSuggestion(pointType string) string {
	switch pointType {
	case "checkpoint":
		return "review the pending checkpoint and approve or reject it"
	case "orchestrator_block":
		return "inspect the blocking signal and decide whether to override or abandon"
	default:
		return "review and validate, redirect, or reject this item"
	}
}

// Respond records a human answer. VALIDATE, REDIRECT and REJECT close the
// point; COMMENT annotates it and leaves it aging; DEFER resets the aging
// clock without closing. A response always beats a concurrent archive sweep
// or loses cleanly, never half-applies.
func (t Tracker) Respond(ctx context.Context, identityID, id, responseType, userResponse string) (domain.DecisionPoint, error) {
	p, err := t.Repo.GetPoint(ctx, id)
	if err != nil {
		return domain.DecisionPoint{}, err
	}
	if p.IdentityID != identityID {
		return domain.DecisionPoint{}, domain.ErrIdentityBoundary
	}
	if !p.IsActive {
		return p, ClosedError{ID: id}
	}
	now := t.now().UTC().Format(time.RFC3339)
	var won bool
	switch responseType {
	case "VALIDATE", "REDIRECT", "REJECT":
		won, err = t.Repo.ClosePoint(ctx, id, responseType, userResponse, now)
	case "COMMENT":
		won, err = t.Repo.AnnotatePoint(ctx, id, responseType, userResponse, now)
	case "DEFER":
		won, err = t.Repo.DeferPoint(ctx, id, userResponse, now)
	default:
		return domain.DecisionPoint{}, fmt.Errorf("unknown response type %s", responseType)
	}
	if err != nil {
		return domain.DecisionPoint{}, err
	}
	if !won {
		current, err := t.Repo.GetPoint(ctx, id)
		if err != nil {
			return domain.DecisionPoint{}, err
		}
		return current, ClosedError{ID: id}
	}
	return t.Repo.GetPoint(ctx, id)
}

// LevelAt returns the aging level for a point anchored at anchor, per the
// configured thresholds. "archive" means the sweep should archive it.
func LevelAt(cfg *config.Config, anchor, now time.Time) string {
	age := now.Sub(anchor)
	a := cfg.Aging
	switch {
	case age <= time.Duration(a.GreenHours)*time.Hour:
		return "green"
	case age <= time.Duration(a.YellowDays)*24*time.Hour:
		return "yellow"
	case age <= time.Duration(a.RedDays)*24*time.Hour:
		return "red"
	case age <= time.Duration(a.BlinkDays)*24*time.Hour:
		return "blink"
	case age <= time.Duration(a.ArchiveDays)*24*time.Hour:
		// archive_days past blink_days is a grace band; the point keeps blinking
		return "blink"
	default:
		return "archive"
	}
}

// SweepResult summarizes one aging pass.
type SweepResult struct {
	Scanned   int `json:"scanned"`
	Promoted  int `json:"promoted"`
	Archived  int `json:"archived"`
	Reminders int `json:"reminders"`
}

// RecomputeAging is the periodic sweep: every active point is re-leveled from
// its aging anchor, level promotions emit a reminder, and points past the
// archive threshold are closed with reason "timeout". Each archive is a
// compare-and-swap, so a human response landing mid-sweep keeps its answer.
func (t Tracker) RecomputeAging(ctx context.Context) (SweepResult, error) {
	points, err := t.Repo.ListActivePoints(ctx)
	if err != nil {
		return SweepResult{}, err
	}
	now := t.now().UTC()
	nowStr := now.Format(time.RFC3339)
	var res SweepResult
	for _, p := range points {
		res.Scanned++
		anchor, err := time.Parse(time.RFC3339, p.AgingAnchor)
		if err != nil {
			anchor, err = time.Parse(time.RFC3339, p.CreatedAt)
			if err != nil {
				continue
			}
		}
		level := LevelAt(t.Config, anchor, now)
		if level == p.AgingLevel {
			continue
		}
		if level == "archive" {
			won, err := t.Repo.ArchivePoint(ctx, p.ID, "timeout", nowStr)
			if err != nil {
				return res, err
			}
			if won {
				res.Archived++
			}
			continue
		}
		won, err := t.Repo.SetPointAging(ctx, p.ID, level, nowStr, true)
		if err != nil {
			return res, err
		}
		if won {
			res.Promoted++
			res.Reminders++
		}
	}
	return res, nil
}

// Get is a guarded read.
func (t Tracker) Get(ctx context.Context, identityID, id string) (domain.DecisionPoint, error) {
	p, err := t.Repo.GetPoint(ctx, id)
	if err != nil {
		return domain.DecisionPoint{}, err
	}
	if p.IdentityID != identityID {
		return domain.DecisionPoint{}, domain.ErrIdentityBoundary
	}
	return p, nil
}

func (t Tracker) List(ctx context.Context, f repo.PointFilters) ([]domain.DecisionPoint, error) {
	return t.Repo.ListPoints(ctx, f)
}

// UrgentPoints returns the active red and blink points for an identity,
// oldest first.
func (t Tracker) UrgentPoints(ctx context.Context, identityID string) ([]domain.DecisionPoint, error) {
	points, err := t.Repo.ListPoints(ctx, repo.PointFilters{IdentityID: identityID, ActiveOnly: true})
	if err != nil {
		return nil, err
	}
	var urgent []domain.DecisionPoint
	for _, p := range points {
		if p.AgingLevel == "red" || p.AgingLevel == "blink" {
			urgent = append(urgent, p)
		}
	}
	return urgent, nil
}

// AgingSummary aggregates an identity's active points per level.
func (t Tracker) AgingSummary(ctx context.Context, identityID string) (map[string]int, error) {
	return t.Repo.CountActivePointsByLevel(ctx, identityID)
}
