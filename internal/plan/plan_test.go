package plan

import (
	"math"
	"testing"
)

func TestComputeTwoWindowsOnMidpoint(t *testing.T) {
	// 21s chapter with one silence midpoint at 10.5: with target=10 the DP
	// prefers cutting there over a single overlong window.
	a, err := Compute(21.0, []float64{10.5}, Params{Min: 5, Max: 15, Target: 10})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(a.Windows) != 2 {
		t.Fatalf("got %d windows: %+v", len(a.Windows), a.Windows)
	}
	if a.Windows[0].Start != 0 || a.Windows[0].End != 10.5 {
		t.Errorf("window 0 = %+v", a.Windows[0])
	}
	if a.Windows[1].Start != 10.5 || a.Windows[1].End != 21.0 {
		t.Errorf("window 1 = %+v", a.Windows[1])
	}
	// cost = (10.5-10)^2 * 2
	if math.Abs(a.TotalCost-0.5) > 1e-9 {
		t.Errorf("cost = %v, want 0.5", a.TotalCost)
	}
	if a.TailRelaxed {
		t.Errorf("unexpected tail relaxation")
	}
}

func TestComputeCoversChapterContiguously(t *testing.T) {
	mids := []float64{58, 97, 140.2, 201, 260.7, 300}
	a, err := Compute(321.5, mids, Params{Min: 40, Max: 90, Target: 70})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if a.Windows[0].Start != 0 {
		t.Errorf("first window starts at %v", a.Windows[0].Start)
	}
	if last := a.Windows[len(a.Windows)-1]; last.End != 321.5 {
		t.Errorf("last window ends at %v", last.End)
	}
	for i := 1; i < len(a.Windows); i++ {
		if a.Windows[i].Start != a.Windows[i-1].End {
			t.Errorf("gap between windows %d and %d", i-1, i)
		}
	}
	for i, w := range a.Windows {
		length := w.End - w.Start
		if length < 40-1e-9 || length > 90+1e-9 {
			t.Errorf("window %d length %v out of [40,90]", i, length)
		}
	}
}

func TestComputeNoMidpoints(t *testing.T) {
	// Feasible single window.
	a, err := Compute(80, nil, Params{Min: 60, Max: 90, Target: 75})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if len(a.Windows) != 1 || a.Windows[0] != (Window{Start: 0, End: 80}) {
		t.Errorf("windows = %+v", a.Windows)
	}

	// Infeasible with a strict tail.
	if _, err := Compute(200, nil, Params{Min: 60, Max: 90, Target: 75, StrictTail: true}); err == nil {
		t.Errorf("strict tail accepted an infeasible plan")
	}

	// Relaxed tail admits the overlong single window.
	a, err = Compute(200, nil, Params{Min: 60, Max: 90, Target: 75})
	if err != nil {
		t.Fatalf("relaxed compute: %v", err)
	}
	if !a.TailRelaxed {
		t.Errorf("tailRelaxed not set")
	}
	if len(a.Windows) != 1 || a.Windows[0].End != 200 {
		t.Errorf("windows = %+v", a.Windows)
	}
}

func TestComputeOnlyLastWindowMayExceedMax(t *testing.T) {
	// Midpoints allow in-range windows until 150; the remainder is a 110s
	// tail with no cut candidates inside.
	a, err := Compute(260, []float64{75, 150}, Params{Min: 60, Max: 90, Target: 75})
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if !a.TailRelaxed {
		t.Fatalf("tail not relaxed: %+v", a.Windows)
	}
	for i, w := range a.Windows {
		length := w.End - w.Start
		if i < len(a.Windows)-1 && length > 90+1e-9 {
			t.Errorf("non-final window %d has length %v", i, length)
		}
	}
}

func TestComputeDeterministicTieBreak(t *testing.T) {
	// Two symmetric midpoints produce equal-cost plans; the leftmost
	// predecessor rule must pick the same one every time.
	p := Params{Min: 4, Max: 16, Target: 10}
	first, err := Compute(20, []float64{8, 12}, p)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		again, err := Compute(20, []float64{8, 12}, p)
		if err != nil {
			t.Fatal(err)
		}
		if len(again.Windows) != len(first.Windows) {
			t.Fatalf("window count changed between runs")
		}
		for j := range again.Windows {
			if again.Windows[j] != first.Windows[j] {
				t.Errorf("run %d window %d = %+v, want %+v", i, j, again.Windows[j], first.Windows[j])
			}
		}
	}
}

func TestComputeRejectsBadDuration(t *testing.T) {
	if _, err := Compute(0, nil, DefaultParams()); err == nil {
		t.Errorf("zero duration accepted")
	}
}
