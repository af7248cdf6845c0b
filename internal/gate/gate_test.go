package gate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"threadline/internal/config"
	"threadline/internal/db"
	"threadline/internal/domain"
	"threadline/internal/gate"
	"threadline/internal/migrate"
)

func newTestGate(t *testing.T) gate.Gate {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gate.New(conn, config.Default("id-1"))
}

func TestRequiredMatrix(t *testing.T) {
	g := newTestGate(t)
	cases := []struct {
		actionType string
		impact     string
		want       bool
	}{
		{"list_files", "low", false},
		{"list_files", "high", true},
		{"list_files", "critical", true},
		{"delete_dataspace", "low", true}, // delete_* is always gated
		{"export_report", "medium", true},
		{"send_external", "low", true},
		{"agent_execute_l2", "low", true},
		{"write_summary", "medium", false},
	}
	for _, c := range cases {
		if got := g.Required(c.actionType, c.impact); got != c.want {
			t.Errorf("Required(%s, %s) = %v, want %v", c.actionType, c.impact, got, c.want)
		}
	}
}

func TestApproveThenRejectSingleTerminal(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	cp, err := g.Create(ctx, gate.CreateOptions{
		IdentityID:  "id-1",
		ThreadID:    "thread-1",
		ActionType:  "delete_dataspace",
		Impact:      "high",
		RequestedBy: "agent",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	approved, err := g.Approve(ctx, "id-1", cp.ID, "alice")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Status != "approved" || approved.ResolvedBy == nil || *approved.ResolvedBy != "alice" {
		t.Fatalf("approval not recorded: %+v", approved)
	}

	// the losing call reports the already-terminal status
	current, err := g.Reject(ctx, "id-1", cp.ID, "bob", "too risky")
	var re gate.ResolvedError
	if !errors.As(err, &re) {
		t.Fatalf("expected ResolvedError, got %v", err)
	}
	if re.Status != "approved" || current.Status != "approved" {
		t.Fatalf("terminal status flipped: err=%v current=%s", re, current.Status)
	}
}

func TestPendingDeduplication(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	opts := gate.CreateOptions{
		IdentityID:  "id-1",
		ThreadID:    "thread-1",
		ActionType:  "purge_archive",
		Impact:      "critical",
		RequestedBy: "agent",
	}
	first, err := g.Create(ctx, opts)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := g.Create(ctx, opts)
	if err != nil {
		t.Fatalf("retry create: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("retry opened a second checkpoint: %s vs %s", second.ID, first.ID)
	}
}

func TestLazyExpiry(t *testing.T) {
	g := newTestGate(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	g.Now = func() time.Time { return t0 }

	cp, err := g.Create(ctx, gate.CreateOptions{
		IdentityID:  "id-1",
		ActionType:  "transfer_ownership",
		Impact:      "high",
		RequestedBy: "agent",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if cp.ExpiresAt != t0.Add(24*time.Hour).Format(time.RFC3339) {
		t.Fatalf("expiry window: %s", cp.ExpiresAt)
	}

	// still pending just inside the window
	g.Now = func() time.Time { return t0.Add(23 * time.Hour) }
	fresh, err := g.Get(ctx, "id-1", cp.ID)
	if err != nil || fresh.Status != "pending" {
		t.Fatalf("expected pending at 23h: %v %s", err, fresh.Status)
	}

	// the first read past the window persists the expiry
	g.Now = func() time.Time { return t0.Add(25 * time.Hour) }
	expired, err := g.Get(ctx, "id-1", cp.ID)
	if err != nil {
		t.Fatalf("get after window: %v", err)
	}
	if expired.Status != "expired" || expired.ResolvedAt == nil {
		t.Fatalf("lazy expiry missed: %+v", expired)
	}

	// expired is terminal for approve too
	_, err = g.Approve(ctx, "id-1", cp.ID, "alice")
	var re gate.ResolvedError
	if !errors.As(err, &re) || re.Status != "expired" {
		t.Fatalf("expected expired ResolvedError, got %v", err)
	}
}

func TestAgingStatusBuckets(t *testing.T) {
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	cp := domain.Checkpoint{
		Status:    "pending",
		CreatedAt: created.Format(time.RFC3339),
		ExpiresAt: created.Add(24 * time.Hour).Format(time.RFC3339),
	}
	cases := []struct {
		at   time.Duration
		want string
	}{
		{1 * time.Hour, "green"},
		{7 * time.Hour, "yellow"},
		{13 * time.Hour, "red"},
		{20 * time.Hour, "blink"},
		{25 * time.Hour, "expired"},
	}
	for _, c := range cases {
		if got := gate.AgingStatus(cp, created.Add(c.at)); got != c.want {
			t.Errorf("AgingStatus at +%s = %s, want %s", c.at, got, c.want)
		}
	}

	// corrupt timestamps must not read as fresh
	corrupt := domain.Checkpoint{Status: "pending", CreatedAt: "not-a-time", ExpiresAt: cp.ExpiresAt}
	if got := gate.AgingStatus(corrupt, created); got != "expired" {
		t.Errorf("corrupt created_at = %s, want expired", got)
	}
	corrupt = domain.Checkpoint{Status: "pending", CreatedAt: cp.CreatedAt, ExpiresAt: ""}
	if got := gate.AgingStatus(corrupt, created); got != "expired" {
		t.Errorf("corrupt expires_at = %s, want expired", got)
	}
}
