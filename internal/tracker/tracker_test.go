package tracker_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"threadline/internal/config"
	"threadline/internal/db"
	"threadline/internal/migrate"
	"threadline/internal/tracker"
)

func newTestTracker(t *testing.T) tracker.Tracker {
	return newTestTrackerWithConfig(t, config.Default("id-1"))
}

func newTestTrackerWithConfig(t *testing.T, cfg *config.Config) tracker.Tracker {
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
	return tracker.New(conn, cfg)
}

func TestAgingTimeline(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }

	p, err := tr.Create(ctx, tracker.CreateOptions{
		IdentityID: "id-1",
		PointType:  "backlog",
		Title:      "decide on storage",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if p.AgingLevel != "green" {
		t.Fatalf("fresh point not green: %s", p.AgingLevel)
	}

	steps := []struct {
		at   time.Duration
		want string
	}{
		{25 * time.Hour, "yellow"},
		{4 * 24 * time.Hour, "red"},
		{8 * 24 * time.Hour, "blink"},
	}
	for _, step := range steps {
		tr.Now = func() time.Time { return t0.Add(step.at) }
		if _, err := tr.RecomputeAging(ctx); err != nil {
			t.Fatalf("sweep at +%s: %v", step.at, err)
		}
		got, err := tr.Get(ctx, "id-1", p.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.AgingLevel != step.want {
			t.Fatalf("at +%s level %s, want %s", step.at, got.AgingLevel, step.want)
		}
		if !got.IsActive {
			t.Fatalf("point closed prematurely at +%s", step.at)
		}
	}

	// past the archive threshold the sweep closes it as a timeout
	tr.Now = func() time.Time { return t0.Add(11 * 24 * time.Hour) }
	res, err := tr.RecomputeAging(ctx)
	if err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("archived %d points", res.Archived)
	}
	got, _ := tr.Get(ctx, "id-1", p.ID)
	if got.IsActive || !got.IsArchived || got.ArchiveReason != "timeout" {
		t.Fatalf("archive state: %+v", got)
	}
}

func TestArchiveDaysGraceBand(t *testing.T) {
	cfg := config.Default("id-1")
	cfg.Aging.ArchiveDays = 14
	tr := newTestTrackerWithConfig(t, cfg)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }

	p, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "lingering"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// past blink_days but inside archive_days the point keeps blinking
	tr.Now = func() time.Time { return t0.Add(12 * 24 * time.Hour) }
	if _, err := tr.RecomputeAging(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, _ := tr.Get(ctx, "id-1", p.ID)
	if !got.IsActive || got.AgingLevel != "blink" {
		t.Fatalf("grace band state: %+v", got)
	}

	// past archive_days the sweep closes it
	tr.Now = func() time.Time { return t0.Add(15 * 24 * time.Hour) }
	res, err := tr.RecomputeAging(ctx)
	if err != nil {
		t.Fatalf("final sweep: %v", err)
	}
	if res.Archived != 1 {
		t.Fatalf("archived %d points", res.Archived)
	}
}

func TestReminderOnPromotion(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }

	p, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "x"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tr.Now = func() time.Time { return t0.Add(2 * 24 * time.Hour) }
	res, err := tr.RecomputeAging(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Promoted != 1 || res.Reminders != 1 {
		t.Fatalf("sweep result: %+v", res)
	}
	got, _ := tr.Get(ctx, "id-1", p.ID)
	if got.ReminderCount != 1 {
		t.Fatalf("reminder count %d", got.ReminderCount)
	}
	// same level again, no second reminder
	res, _ = tr.RecomputeAging(ctx)
	if res.Promoted != 0 {
		t.Fatalf("re-promoted at same level: %+v", res)
	}
}

func TestDeferResetsAging(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }

	p, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "later"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tr.Now = func() time.Time { return t0.Add(4 * 24 * time.Hour) }
	if _, err := tr.RecomputeAging(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	deferred, err := tr.Respond(ctx, "id-1", p.ID, "DEFER", "revisit next week")
	if err != nil {
		t.Fatalf("defer: %v", err)
	}
	if !deferred.IsActive || deferred.AgingLevel != "green" {
		t.Fatalf("defer did not reset: %+v", deferred)
	}
	// an hour later it is still green from the new anchor
	tr.Now = func() time.Time { return t0.Add(4*24*time.Hour + time.Hour) }
	if _, err := tr.RecomputeAging(ctx); err != nil {
		t.Fatalf("post-defer sweep: %v", err)
	}
	got, _ := tr.Get(ctx, "id-1", p.ID)
	if got.AgingLevel != "green" {
		t.Fatalf("aged from stale anchor: %s", got.AgingLevel)
	}
}

func TestCommentKeepsAging(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }

	p, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "annotate"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	tr.Now = func() time.Time { return t0.Add(2 * 24 * time.Hour) }
	if _, err := tr.RecomputeAging(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	got, err := tr.Respond(ctx, "id-1", p.ID, "COMMENT", "still relevant")
	if err != nil {
		t.Fatalf("comment: %v", err)
	}
	if !got.IsActive || got.AgingLevel != "yellow" {
		t.Fatalf("comment changed lifecycle: %+v", got)
	}
}

func TestResponseBeatsSweep(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }

	p, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "race"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	// answer lands after the archive threshold but before the sweep runs
	tr.Now = func() time.Time { return t0.Add(11 * 24 * time.Hour) }
	answered, err := tr.Respond(ctx, "id-1", p.ID, "VALIDATE", "ship it")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if answered.IsActive {
		t.Fatalf("validated point still active")
	}
	res, err := tr.RecomputeAging(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Archived != 0 {
		t.Fatalf("sweep archived an answered point")
	}
	got, _ := tr.Get(ctx, "id-1", p.ID)
	if got.ResponseType == nil || *got.ResponseType != "VALIDATE" || got.ArchiveReason == "timeout" {
		t.Fatalf("answer overwritten: %+v", got)
	}
}

func TestRespondClosedPoint(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	p, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "once"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tr.Respond(ctx, "id-1", p.ID, "REJECT", "not needed"); err != nil {
		t.Fatalf("first response: %v", err)
	}
	_, err = tr.Respond(ctx, "id-1", p.ID, "VALIDATE", "changed my mind")
	var ce tracker.ClosedError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ClosedError, got %v", err)
	}
}

func TestUrgentAndSummary(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()
	t0 := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	tr.Now = func() time.Time { return t0 }

	if _, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "old"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	tr.Now = func() time.Time { return t0.Add(4 * 24 * time.Hour) }
	if _, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "checkpoint", Title: "new"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tr.RecomputeAging(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	urgent, err := tr.UrgentPoints(ctx, "id-1")
	if err != nil {
		t.Fatalf("urgent: %v", err)
	}
	if len(urgent) != 1 || urgent[0].Title != "old" {
		t.Fatalf("urgent set: %+v", urgent)
	}
	summary, err := tr.AgingSummary(ctx, "id-1")
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if summary["red"] != 1 || summary["green"] != 1 {
		t.Fatalf("summary: %+v", summary)
	}
}

func TestIdentityScoping(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	p, err := tr.Create(ctx, tracker.CreateOptions{IdentityID: "id-1", PointType: "backlog", Title: "mine"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := tr.Get(ctx, "id-other", p.ID); err == nil {
		t.Fatalf("expected boundary violation")
	}
	if _, err := tr.Respond(ctx, "id-other", p.ID, "VALIDATE", ""); err == nil {
		t.Fatalf("expected boundary violation on respond")
	}
}
