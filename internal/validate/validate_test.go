package validate

import (
	"testing"

	"bookalign/internal/compare"
)

func passingReport() *compare.Report {
	return &compare.Report{
		WER:              0.05,
		CER:              0.02,
		OpeningRetention: 1.0,
		AnchorCoverage:   0.95,
		AnchorDriftP50:   0.1,
		AnchorDriftP95:   0.3,
		Windows: []compare.WindowMetrics{
			{WindowID: "win_0001", WER: 0.05, CER: 0.02, RefWords: 100, HypWords: 98},
		},
	}
}

func TestEvaluateAllPass(t *testing.T) {
	rep := Evaluate(passingReport(), DefaultParams())
	if !rep.Pass {
		t.Fatalf("expected pass: %+v", rep.Gates)
	}
	if len(rep.Gates) != 8 {
		t.Errorf("gates = %d, want 8", len(rep.Gates))
	}
}

// Metrics {openingRetention=0.992, seamDuplications=0, seamOmissions=0,
// anchorDriftP95=1.1} fail two gates and produce a repair plan.
func TestEvaluateGateFailure(t *testing.T) {
	r := passingReport()
	r.OpeningRetention = 0.992
	r.AnchorDriftP95 = 1.1

	rep := Evaluate(r, DefaultParams())
	if rep.Pass {
		t.Fatal("expected failure")
	}
	failed := map[string]bool{}
	for _, g := range rep.Gates {
		if !g.Pass {
			failed[g.Name] = true
		}
	}
	if !failed["openingRetention"] || !failed["anchorDriftP95"] {
		t.Errorf("failed gates = %v", failed)
	}
	if failed["seamDuplications"] || failed["seamOmissions"] {
		t.Errorf("passing gates flagged: %v", failed)
	}

	plan := BuildRepairPlan(r, rep, DefaultParams())
	if len(plan.Windows) == 0 {
		t.Fatal("repair plan names no windows")
	}
	found := false
	for _, w := range plan.Windows {
		if len(w.Suggestions) > 0 {
			found = true
		}
	}
	if !found {
		t.Errorf("repair plan has no suggestions: %+v", plan)
	}
}

func TestEvaluateSeamCounters(t *testing.T) {
	r := passingReport()
	r.SeamDuplications = 1
	rep := Evaluate(r, DefaultParams())
	if rep.Pass {
		t.Errorf("a single seam duplication must fail the gate")
	}
}

func TestBuildRepairPlanEmptyOnPass(t *testing.T) {
	r := passingReport()
	rep := Evaluate(r, DefaultParams())
	plan := BuildRepairPlan(r, rep, DefaultParams())
	if len(plan.Windows) != 0 {
		t.Errorf("repair plan for a passing run: %+v", plan)
	}
}
