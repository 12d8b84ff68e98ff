package store

import (
	"context"
	"path/filepath"
	"testing"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRunLifecycle(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()

	id, err := db.BeginRun(ctx, "/audio/ch01.wav", "abc123", "/audio/ch01.wav.ams", "asr transcribe")
	if err != nil {
		t.Fatalf("begin: %v", err)
	}

	events := []StageEvent{
		{RunID: id, Stage: "timeline", Outcome: "completed", Fingerprint: "fp1"},
		{RunID: id, Stage: "plan", Outcome: "skipped", Fingerprint: "fp2"},
		{RunID: id, Stage: "chunks", Outcome: "failed", Error: "ffmpeg exited 1"},
	}
	for _, ev := range events {
		if err := db.RecordStage(ctx, ev); err != nil {
			t.Fatalf("record: %v", err)
		}
	}
	if err := db.FinishRun(ctx, id, "failed", "chunks failed"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	runs, err := db.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != id {
		t.Fatalf("runs = %+v", runs)
	}
	if runs[0].Status != "failed" || runs[0].EndedAt == nil {
		t.Errorf("run = %+v", runs[0])
	}

	got, err := db.StageEvents(ctx, id)
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("events = %+v", got)
	}
	if got[2].Outcome != "failed" || got[2].Error != "ffmpeg exited 1" {
		t.Errorf("event 2 = %+v", got[2])
	}
	// Event order follows insertion.
	if got[0].Stage != "timeline" || got[1].Stage != "plan" {
		t.Errorf("event order = %+v", got)
	}
}

func TestRecentRunsOrder(t *testing.T) {
	db := openTest(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := db.BeginRun(ctx, "/a.wav", "sha", "/a.wav.ams", "validate"); err != nil {
			t.Fatal(err)
		}
	}
	runs, err := db.RecentRuns(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Errorf("limit ignored: %d runs", len(runs))
	}
}
