package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"

	"bookalign/internal/manifest"
)

func testRuntime(t *testing.T) *Runtime {
	t.Helper()
	dir := t.TempDir()
	input := filepath.Join(dir, "chapter.wav")
	if err := os.WriteFile(input, []byte("pcm"), 0o644); err != nil {
		t.Fatal(err)
	}
	m, err := manifest.New(dir, input, "feedface", 21)
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Save(); err != nil {
		t.Fatal(err)
	}
	return &Runtime{WorkDir: dir, Manifest: m, Log: zerolog.Nop()}
}

func countingStage(name string, runs *int32) *Stage {
	return &Stage{
		Name:   name,
		Dir:    name,
		Params: map[string]any{"n": 3},
		Run: func(ctx context.Context, sc *StageContext) (map[string]string, error) {
			atomic.AddInt32(runs, 1)
			path := filepath.Join(sc.StagingDir, "out.json")
			if err := os.WriteFile(path, []byte(`{"ok":true}`), 0o644); err != nil {
				return nil, err
			}
			return map[string]string{"out": "out.json"}, nil
		},
	}
}

func TestRunStageSkipsWhenUpToDate(t *testing.T) {
	rt := testRuntime(t)
	var runs int32
	st := countingStage("timeline", &runs)

	first := RunStage(context.Background(), rt, st)
	if first.State != Completed {
		t.Fatalf("first run: %v (%v)", first.State, first.Err)
	}
	second := RunStage(context.Background(), rt, st)
	if second.State != Skipped {
		t.Fatalf("second run: %v, want skipped", second.State)
	}
	if runs != 1 {
		t.Errorf("stage ran %d times, want 1", runs)
	}

	// Artifact bytes are identical across the skip.
	data, err := os.ReadFile(filepath.Join(rt.WorkDir, "timeline", "out.json"))
	if err != nil || string(data) != `{"ok":true}` {
		t.Errorf("artifact changed: %q, %v", data, err)
	}
}

func TestRunStageReRunsOnParamChange(t *testing.T) {
	rt := testRuntime(t)
	var runs int32
	st := countingStage("timeline", &runs)

	if out := RunStage(context.Background(), rt, st); out.State != Completed {
		t.Fatalf("first run: %v", out.State)
	}
	st.Params = map[string]any{"n": 4}
	if out := RunStage(context.Background(), rt, st); out.State != Completed {
		t.Fatalf("changed-params run: %v", out.State)
	}
	if runs != 2 {
		t.Errorf("stage ran %d times, want 2", runs)
	}
}

func TestRunStageFailureLeavesNoArtifacts(t *testing.T) {
	rt := testRuntime(t)
	st := &Stage{
		Name:   "plan",
		Dir:    "plan",
		Params: struct{}{},
		Run: func(ctx context.Context, sc *StageContext) (map[string]string, error) {
			// Partial output written before the failure must not survive.
			os.WriteFile(filepath.Join(sc.StagingDir, "partial.json"), []byte("{"), 0o644)
			return nil, Errf(KindConstraintViolation, "no feasible path")
		},
	}
	out := RunStage(context.Background(), rt, st)
	if out.State != Failed {
		t.Fatalf("state = %v, want failed", out.State)
	}
	if KindOf(out.Err) != KindConstraintViolation {
		t.Errorf("kind = %v", KindOf(out.Err))
	}
	if _, err := os.Stat(filepath.Join(rt.WorkDir, "plan")); !os.IsNotExist(err) {
		t.Errorf("failed stage published a directory")
	}
	entry := rt.Manifest.Stages["plan"]
	if entry.Status.Status != manifest.StatusFailed || entry.Status.Error == "" {
		t.Errorf("manifest entry not stamped failed: %+v", entry.Status)
	}
}

func TestRunStagePublishesMetaAndStatus(t *testing.T) {
	rt := testRuntime(t)
	var runs int32
	st := countingStage("timeline", &runs)
	if out := RunStage(context.Background(), rt, st); out.State != Completed {
		t.Fatalf("run: %v", out.State)
	}
	for _, f := range []string{"params.snapshot.json", "meta.json", "status.json", "log.txt"} {
		if _, err := os.Stat(filepath.Join(rt.WorkDir, "timeline", f)); err != nil {
			t.Errorf("missing %s: %v", f, err)
		}
	}
}

func TestPlanInterval(t *testing.T) {
	full, err := Plan("", "")
	if err != nil || len(full) != len(StageOrder) {
		t.Fatalf("full plan: %v %v", full, err)
	}
	mid, err := Plan("chunks", "anchors")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"chunks", "transcripts", "anchors"}
	if len(mid) != len(want) {
		t.Fatalf("interval = %v", mid)
	}
	for i := range want {
		if mid[i] != want[i] {
			t.Errorf("interval[%d] = %s, want %s", i, mid[i], want[i])
		}
	}
	if _, err := Plan("anchors", "chunks"); err == nil {
		t.Errorf("inverted interval accepted")
	}
	if _, err := Plan("nope", ""); err == nil {
		t.Errorf("unknown stage accepted")
	}
}

func TestInvalidateDownstream(t *testing.T) {
	rt := testRuntime(t)
	for _, name := range StageOrder {
		e := rt.Manifest.Entry(name)
		e.Status.Status = manifest.StatusCompleted
		fp, _ := manifest.NewFingerprint(map[string]string{"input": "x"}, nil, nil)
		e.Fingerprint = fp
	}
	if err := Invalidate(rt, "anchors"); err != nil {
		t.Fatal(err)
	}
	if rt.Manifest.Stages["chunks"].Fingerprint == nil {
		t.Errorf("upstream stage invalidated")
	}
	for _, name := range []string{"anchors", "windows", "validate"} {
		if rt.Manifest.Stages[name].Fingerprint != nil {
			t.Errorf("stage %s not invalidated", name)
		}
	}
}

func TestForEachBoundedAndCancels(t *testing.T) {
	var active, peak, total int32
	err := ForEach(context.Background(), 3, 20, func(ctx context.Context, i int) error {
		cur := atomic.AddInt32(&active, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if cur <= p || atomic.CompareAndSwapInt32(&peak, p, cur) {
				break
			}
		}
		atomic.AddInt32(&total, 1)
		atomic.AddInt32(&active, -1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if total != 20 {
		t.Errorf("ran %d units, want 20", total)
	}
	if peak > 3 {
		t.Errorf("parallelism %d exceeded bound 3", peak)
	}

	boom := errors.New("boom")
	var after int32
	err = ForEach(context.Background(), 2, 50, func(ctx context.Context, i int) error {
		if i == 0 {
			return boom
		}
		atomic.AddInt32(&after, 1)
		return nil
	})
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
	if after >= 50 {
		t.Errorf("no cancellation observed")
	}
}
