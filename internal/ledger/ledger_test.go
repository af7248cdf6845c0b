package ledger_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"threadline/internal/config"
	"threadline/internal/db"
	"threadline/internal/ledger"
	"threadline/internal/migrate"
)

type testEnv struct {
	Ledger ledger.Ledger
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
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
	cfg := config.Default("id-1")
	l := ledger.New(conn, cfg)
	return testEnv{Ledger: l, Ctx: context.Background()}
}

func mustCreateThread(t *testing.T, env testEnv) string {
	t.Helper()
	thread, err := env.Ledger.CreateThread(env.Ctx, ledger.CreateThreadOptions{
		IdentityID:     "id-1",
		Title:          "work",
		FoundingIntent: "ship the feature",
		Actor:          "tester",
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return thread.ID
}

func TestFoundingIntentImmutable(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	thread, err := env.Ledger.GetThread(env.Ctx, "id-1", id)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.FoundingIntent != "ship the feature" || thread.CurrentIntent != "ship the feature" {
		t.Fatalf("unexpected intents: %q / %q", thread.FoundingIntent, thread.CurrentIntent)
	}

	thread, err = env.Ledger.RefineIntent(env.Ctx, "id-1", id, "ship the feature behind a flag", "tester")
	if err != nil {
		t.Fatalf("refine: %v", err)
	}
	if thread.CurrentIntent != "ship the feature behind a flag" {
		t.Fatalf("current intent not refined: %q", thread.CurrentIntent)
	}
	if thread.FoundingIntent != "ship the feature" {
		t.Fatalf("founding intent changed: %q", thread.FoundingIntent)
	}

	title := "renamed"
	thread, err = env.Ledger.UpdateThread(env.Ctx, "id-1", id, &title, nil, "tester")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if thread.FoundingIntent != "ship the feature" {
		t.Fatalf("founding intent changed by update: %q", thread.FoundingIntent)
	}
}

func TestGaplessConcurrentSequencing(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	const writers = 4
	const perWriter = 5
	var wg sync.WaitGroup
	errs := make(chan error, writers*perWriter)
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				_, err := env.Ledger.Append(env.Ctx, ledger.AppendOptions{
					IdentityID: "id-1",
					ThreadID:   id,
					Type:       "note.added",
					Actor:      "tester",
				})
				if err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("append: %v", err)
	}

	page, err := env.Ledger.ListEvents(env.Ctx, "id-1", id, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	want := int64(2 + writers*perWriter) // thread.created + intent.declared + appends
	if page.Total != want {
		t.Fatalf("expected %d events, got %d", want, page.Total)
	}
	for i, e := range page.Items {
		if e.SequenceNumber != int64(i+1) {
			t.Fatalf("gap at position %d: sequence %d", i, e.SequenceNumber)
		}
	}
	thread, err := env.Ledger.GetThread(env.Ctx, "id-1", id)
	if err != nil {
		t.Fatalf("get thread: %v", err)
	}
	if thread.LastSequence != want {
		t.Fatalf("last_sequence %d, want %d", thread.LastSequence, want)
	}
}

func TestIdentityBoundary(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	if _, err := env.Ledger.GetThread(env.Ctx, "id-other", id); err == nil {
		t.Fatalf("expected boundary violation on read")
	}
	_, err := env.Ledger.Append(env.Ctx, ledger.AppendOptions{
		IdentityID: "id-other",
		ThreadID:   id,
		Type:       "note.added",
		Actor:      "intruder",
	})
	if err == nil {
		t.Fatalf("expected boundary violation on append")
	}
}

func TestGatedAppendBlocked(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	res, err := env.Ledger.Append(env.Ctx, ledger.AppendOptions{
		IdentityID: "id-1",
		ThreadID:   id,
		Type:       "action.requested",
		Actor:      "agent",
		ActionType: "delete_dataspace",
		Impact:     "high",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if !res.Blocked() {
		t.Fatalf("expected blocked result")
	}
	if res.Checkpoint.Status != "pending" {
		t.Fatalf("checkpoint status %s", res.Checkpoint.Status)
	}
	// nothing hit the log
	page, err := env.Ledger.ListEvents(env.Ctx, "id-1", id, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if page.Total != 2 {
		t.Fatalf("blocked append wrote events: total %d", page.Total)
	}

	// low-impact unlisted action goes straight through
	res, err = env.Ledger.Append(env.Ctx, ledger.AppendOptions{
		IdentityID: "id-1",
		ThreadID:   id,
		Type:       "action.requested",
		Actor:      "agent",
		ActionType: "list_files",
		Impact:     "low",
	})
	if err != nil {
		t.Fatalf("ungated append: %v", err)
	}
	if res.Blocked() {
		t.Fatalf("unexpected block for list_files/low")
	}
	if res.Event == nil || res.Event.SequenceNumber != 3 {
		t.Fatalf("expected event at sequence 3, got %+v", res.Event)
	}
}

func TestArchivedThreadRejectsMutation(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	if _, err := env.Ledger.ArchiveThread(env.Ctx, "id-1", id, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}
	_, err := env.Ledger.Append(env.Ctx, ledger.AppendOptions{
		IdentityID: "id-1", ThreadID: id, Type: "note.added", Actor: "tester",
	})
	if err == nil || !strings.Contains(err.Error(), "archived") {
		t.Fatalf("expected archived error, got %v", err)
	}
	if _, err := env.Ledger.RefineIntent(env.Ctx, "id-1", id, "new", "tester"); err == nil {
		t.Fatalf("expected archived error on refine")
	}
	// archived is terminal
	if _, err := env.Ledger.SetThreadStatus(env.Ctx, "id-1", id, "active", "tester"); err == nil {
		t.Fatalf("expected transition error out of archived")
	}
}

func TestCompleteActionOnArchivedThread(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	action, _, err := env.Ledger.CreateAction(env.Ctx, ledger.CreateActionOptions{
		IdentityID: "id-1",
		ThreadID:   id,
		ActionType: "write_summary",
		Impact:     "low",
		Title:      "summarize",
		Actor:      "agent",
	})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if _, err := env.Ledger.ArchiveThread(env.Ctx, "id-1", id, "tester"); err != nil {
		t.Fatalf("archive: %v", err)
	}

	_, err = env.Ledger.CompleteAction(env.Ctx, "id-1", action.ID, "agent")
	if err == nil || !strings.Contains(err.Error(), "archived") {
		t.Fatalf("expected archived error, got %v", err)
	}
	// the terminal log gained nothing and the action stayed pending
	page, err := env.Ledger.ListEvents(env.Ctx, "id-1", id, 0, 100)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if page.Total != 4 { // created, declared, action.created, archived
		t.Fatalf("archived log mutated: total %d", page.Total)
	}
	thread, _ := env.Ledger.GetThread(env.Ctx, "id-1", id)
	if thread.PendingActionCount != 1 {
		t.Fatalf("pending counter changed: %d", thread.PendingActionCount)
	}
}

func TestThreadStatusTransitions(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	thread, err := env.Ledger.SetThreadStatus(env.Ctx, "id-1", id, "paused", "tester")
	if err != nil || thread.Status != "paused" {
		t.Fatalf("pause: %v (%s)", err, thread.Status)
	}
	if _, err := env.Ledger.SetThreadStatus(env.Ctx, "id-1", id, "archived", "tester"); err == nil {
		t.Fatalf("expected paused->archived to be invalid")
	}
	thread, err = env.Ledger.SetThreadStatus(env.Ctx, "id-1", id, "active", "tester")
	if err != nil || thread.Status != "active" {
		t.Fatalf("resume: %v (%s)", err, thread.Status)
	}
}

func TestActionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	action, res, err := env.Ledger.CreateAction(env.Ctx, ledger.CreateActionOptions{
		IdentityID: "id-1",
		ThreadID:   id,
		ActionType: "write_summary",
		Impact:     "low",
		Title:      "summarize",
		Actor:      "agent",
	})
	if err != nil {
		t.Fatalf("create action: %v", err)
	}
	if res.Blocked() {
		t.Fatalf("unexpected gate on low-impact action")
	}
	if action.Status != "pending" {
		t.Fatalf("status %s", action.Status)
	}
	thread, _ := env.Ledger.GetThread(env.Ctx, "id-1", id)
	if thread.PendingActionCount != 1 || thread.ActionCount != 1 {
		t.Fatalf("counters: pending=%d actions=%d", thread.PendingActionCount, thread.ActionCount)
	}

	done, err := env.Ledger.CompleteAction(env.Ctx, "id-1", action.ID, "agent")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != "completed" || done.CompletedAt == nil {
		t.Fatalf("completion not recorded: %+v", done)
	}
	if _, err := env.Ledger.CompleteAction(env.Ctx, "id-1", action.ID, "agent"); err == nil {
		t.Fatalf("expected error on double completion")
	}
	thread, _ = env.Ledger.GetThread(env.Ctx, "id-1", id)
	if thread.PendingActionCount != 0 {
		t.Fatalf("pending counter not decremented: %d", thread.PendingActionCount)
	}
}

func TestRecordDecision(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	d, err := env.Ledger.RecordDecision(env.Ctx, ledger.RecordDecisionOptions{
		IdentityID: "id-1",
		ThreadID:   id,
		Title:      "use sqlite",
		Outcome:    "accepted",
		Rationale:  "single-file workspace",
		DecidedBy:  "tester",
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	if d.EventID == "" {
		t.Fatalf("decision not linked to an event")
	}
	thread, _ := env.Ledger.GetThread(env.Ctx, "id-1", id)
	if thread.DecisionCount != 1 {
		t.Fatalf("decision counter %d", thread.DecisionCount)
	}
}

func TestSnapshotAndReplay(t *testing.T) {
	env := newTestEnv(t)
	id := mustCreateThread(t, env)

	if _, err := env.Ledger.RecordDecision(env.Ctx, ledger.RecordDecisionOptions{
		IdentityID: "id-1", ThreadID: id, Title: "d1", Outcome: "accepted", DecidedBy: "tester",
	}); err != nil {
		t.Fatalf("decision: %v", err)
	}
	if _, err := env.Ledger.RefineIntent(env.Ctx, "id-1", id, "refined goal", "tester"); err != nil {
		t.Fatalf("refine: %v", err)
	}
	snap, err := env.Ledger.Snapshot(env.Ctx, "id-1", id, "tester")
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.SequenceNumber != 5 {
		t.Fatalf("snapshot sequence %d", snap.SequenceNumber)
	}

	// a post-snapshot event, then replay both ways
	if _, err := env.Ledger.Append(env.Ctx, ledger.AppendOptions{
		IdentityID: "id-1", ThreadID: id, Type: "note.added", Actor: "tester",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	full, err := env.Ledger.Replay(env.Ctx, "id-1", id, false)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if full.ReplayedEvents != 6 || full.CurrentIntent != "refined goal" || full.LastSequence != 6 {
		t.Fatalf("full replay: %+v", full)
	}
	partial, err := env.Ledger.Replay(env.Ctx, "id-1", id, true)
	if err != nil {
		t.Fatalf("replay from snapshot: %v", err)
	}
	if !partial.FromSnapshot || partial.ReplayedEvents != 1 || partial.LastSequence != 6 {
		t.Fatalf("partial replay: %+v", partial)
	}
}

func TestFixedClockTimestamps(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
	env.Ledger.Now = func() time.Time { return fixed }

	id := mustCreateThread(t, env)
	thread, err := env.Ledger.GetThread(env.Ctx, "id-1", id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if thread.CreatedAt != fixed.Format(time.RFC3339) {
		t.Fatalf("created_at %s", thread.CreatedAt)
	}
}
