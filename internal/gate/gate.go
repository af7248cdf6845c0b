package gate

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

// Gate owns checkpoint creation and the single terminal transition of each
// checkpoint record.
type Gate struct {
	DB     *sql.DB
	Repo   repo.Repo
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Gate {
	return Gate{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (g Gate) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

// ResolvedError is returned when a terminal transition loses: the checkpoint
// already reached approved, rejected, or expired.
type ResolvedError struct {
	ID     string
	Status string
}

func (e ResolvedError) Error() string {
	return fmt.Sprintf("checkpoint %s already %s", e.ID, e.Status)
}

// Required consults the fixed policy table: high/critical impact always gates,
// as does the fixed action-type set, regardless of the other dimension.
func (g Gate) Required(actionType, impact string) bool {
	return g.Config.GateRequires(actionType, impact)
}

type CreateOptions struct {
	IdentityID  string
	ThreadID    string
	ActionType  string
	Impact      string
	RequestedBy string
	ContextJSON string
}

// Create opens a pending checkpoint with the configured expiry window. A
// retried mutation with a live pending checkpoint for the same action gets
// that checkpoint back instead of a duplicate.
func (g Gate) Create(ctx context.Context, opts CreateOptions) (domain.Checkpoint, error) {
	if opts.IdentityID == "" {
		return domain.Checkpoint{}, fmt.Errorf("identity required")
	}
	if opts.ActionType == "" {
		return domain.Checkpoint{}, fmt.Errorf("action type required")
	}
	existing, err := g.Repo.FindPendingCheckpoint(ctx, opts.IdentityID, opts.ThreadID, opts.ActionType, opts.Impact)
	if err == nil {
		refreshed, rerr := g.refresh(ctx, existing)
		if rerr != nil {
			return domain.Checkpoint{}, rerr
		}
		if refreshed.Status == "pending" {
			return refreshed, nil
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Checkpoint{}, err
	}
	now := g.now().UTC()
	cp := domain.Checkpoint{
		ID:          uuid.New().String(),
		IdentityID:  opts.IdentityID,
		ThreadID:    opts.ThreadID,
		ActionType:  opts.ActionType,
		Impact:      opts.Impact,
		RequestedBy: opts.RequestedBy,
		ContextJSON: opts.ContextJSON,
		Status:      "pending",
		CreatedAt:   now.Format(time.RFC3339),
		ExpiresAt:   now.Add(time.Duration(g.Config.Gate.WindowHours) * time.Hour).Format(time.RFC3339),
	}
	if err := g.Repo.InsertCheckpointTx(ctx, nil, cp); err != nil {
		return domain.Checkpoint{}, fmt.Errorf("insert checkpoint: %w", err)
	}
	return cp, nil
}

// Get returns a checkpoint after lazily applying expiry.
func (g Gate) Get(ctx context.Context, identityID, id string) (domain.Checkpoint, error) {
	cp, err := g.Repo.GetCheckpoint(ctx, id)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if cp.IdentityID != identityID {
		return domain.Checkpoint{}, domain.ErrIdentityBoundary
	}
	return g.refresh(ctx, cp)
}

// List returns an identity's checkpoints, lazily expiring stale pending ones.
func (g Gate) List(ctx context.Context, identityID, status, threadID string, limit int) ([]domain.Checkpoint, error) {
	items, err := g.Repo.ListCheckpoints(ctx, repo.CheckpointFilters{IdentityID: identityID, Status: status, ThreadID: threadID, Limit: limit})
	if err != nil {
		return nil, err
	}
	for i, cp := range items {
		refreshed, err := g.refresh(ctx, cp)
		if err != nil {
			return nil, err
		}
		items[i] = refreshed
	}
	return items, nil
}

// refresh applies lazy expiry: a pending checkpoint past expires_at reads as
// expired, and the transition is persisted through the same CAS the human
// resolutions use.
func (g Gate) refresh(ctx context.Context, cp domain.Checkpoint) (domain.Checkpoint, error) {
	if cp.Status != "pending" {
		return cp, nil
	}
	expires, err := time.Parse(time.RFC3339, cp.ExpiresAt)
	if err != nil {
		return cp, fmt.Errorf("parse expires_at: %w", err)
	}
	now := g.now().UTC()
	if now.Before(expires) {
		return cp, nil
	}
	won, err := g.Repo.ExpireCheckpoint(ctx, cp.ID, now.Format(time.RFC3339))
	if err != nil {
		return cp, err
	}
	if !won {
		// lost to a concurrent resolution; report whatever landed
		return g.Repo.GetCheckpoint(ctx, cp.ID)
	}
	cp.Status = "expired"
	resolvedAt := now.Format(time.RFC3339)
	cp.ResolvedAt = &resolvedAt
	return cp, nil
}

// Approve attempts the pending->approved transition. Exactly one of a racing
// approve/reject pair succeeds; the loser gets a ResolvedError.
func (g Gate) Approve(ctx context.Context, identityID, id, userID string) (domain.Checkpoint, error) {
	return g.resolve(ctx, identityID, id, userID, "approved", "")
}

// Reject attempts the pending->rejected transition.
func (g Gate) Reject(ctx context.Context, identityID, id, userID, reason string) (domain.Checkpoint, error) {
	return g.resolve(ctx, identityID, id, userID, "rejected", reason)
}

func (g Gate) resolve(ctx context.Context, identityID, id, userID, status, reason string) (domain.Checkpoint, error) {
	cp, err := g.Get(ctx, identityID, id)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if cp.Status != "pending" {
		return cp, ResolvedError{ID: id, Status: cp.Status}
	}
	now := g.now().UTC().Format(time.RFC3339)
	won, err := g.Repo.ResolveCheckpoint(ctx, id, status, userID, now, reason)
	if err != nil {
		return domain.Checkpoint{}, err
	}
	if !won {
		current, err := g.Repo.GetCheckpoint(ctx, id)
		if err != nil {
			return domain.Checkpoint{}, err
		}
		return current, ResolvedError{ID: id, Status: current.Status}
	}
	cp.Status = status
	cp.Reason = reason
	cp.ResolvedBy = &userID
	cp.ResolvedAt = &now
	return cp, nil
}

// AgingStatus buckets a checkpoint by the elapsed fraction of its approval
// window: <25% green, <50% yellow, <75% red, then blink, and expired once the
// window has fully elapsed. A checkpoint with unparseable timestamps reads as
// expired so a corrupt row never looks fresh.
func AgingStatus(cp domain.Checkpoint, now time.Time) string {
	created, cerr := time.Parse(time.RFC3339, cp.CreatedAt)
	expires, eerr := time.Parse(time.RFC3339, cp.ExpiresAt)
	if cerr != nil || eerr != nil {
		return "expired"
	}
	window := expires.Sub(created)
	if window <= 0 || !now.Before(expires) {
		return "expired"
	}
	frac := float64(now.Sub(created)) / float64(window)
	switch {
	case frac < 0.25:
		return "green"
	case frac < 0.50:
		return "yellow"
	case frac < 0.75:
		return "red"
	default:
		return "blink"
	}
}
