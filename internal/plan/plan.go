// Package plan chooses chapter cut points on silence midpoints with a
// deterministic dynamic program, producing contiguous 60-90s windows.
package plan

import (
	"context"
	"math"
	"os"
	"path/filepath"

	"bookalign/internal/canonjson"
	"bookalign/internal/pipeline"
	"bookalign/internal/timeline"
)

// Params configure the window planner.
type Params struct {
	Min        float64 `json:"min"`    // seconds
	Max        float64 `json:"max"`    // seconds
	Target     float64 `json:"target"` // seconds
	StrictTail bool    `json:"strictTail"`
}

// DefaultParams give the 60-90s windows the aligner works best with.
func DefaultParams() Params {
	return Params{Min: 60, Max: 90, Target: 75, StrictTail: false}
}

// Window is one planned span in chapter coordinates.
type Window struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Artifact is plan/windows.json.
type Artifact struct {
	Windows     []Window `json:"windows"`
	Params      Params   `json:"params"`
	TotalCost   float64  `json:"totalCost"`
	TailRelaxed bool     `json:"tailRelaxed"`
}

// Load reads and validates a window plan artifact.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read window plan: %v", err)
	}
	var a Artifact
	if err := canonjson.Unmarshal(data, &a); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse window plan: %v", err)
	}
	for i := 1; i < len(a.Windows); i++ {
		if a.Windows[i].Start != a.Windows[i-1].End {
			return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "window plan not contiguous at %d", i)
		}
	}
	return &a, nil
}

const costEps = 1e-9

// Compute selects monotone cut points 0 = c_0 < ... < c_N = D from the
// silence midpoints, minimizing sum((length-target)^2) subject to every
// window length in [min, max]. Ties break toward fewer windows, then the
// leftmost predecessor. When no feasible path exists and StrictTail is
// false, the final window may fall outside [min, max] (TailRelaxed).
func Compute(durationSec float64, mids []float64, p Params) (*Artifact, error) {
	if durationSec <= 0 {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "non-positive duration %g", durationSec)
	}

	// Candidate cuts: 0, interior midpoints in ascending order, D.
	cuts := []float64{0}
	for _, m := range mids {
		if m > 0 && m < durationSec {
			cuts = append(cuts, m)
		}
	}
	cuts = append(cuts, durationSec)
	n := len(cuts) - 1 // index of the final cut

	const inf = math.MaxFloat64
	cost := make([]float64, n+1)
	nwin := make([]int, n+1)
	pred := make([]int, n+1)
	for i := 1; i <= n; i++ {
		cost[i] = inf
		pred[i] = -1
	}

	relax := func(i, j int, length float64) {
		if cost[j] == inf {
			return
		}
		d := length - p.Target
		cand := cost[j] + d*d
		switch {
		case cand < cost[i]-costEps:
		case cand <= cost[i]+costEps && nwin[j]+1 < nwin[i]:
		case cand <= cost[i]+costEps && nwin[j]+1 == nwin[i] && pred[i] >= 0 && j < pred[i]:
		default:
			return
		}
		cost[i] = cand
		nwin[i] = nwin[j] + 1
		pred[i] = j
	}

	for i := 1; i <= n; i++ {
		for j := 0; j < i; j++ {
			length := cuts[i] - cuts[j]
			if length < p.Min-costEps || length > p.Max+costEps {
				continue
			}
			relax(i, j, length)
		}
	}

	tailRelaxed := false
	if pred[n] == -1 {
		if p.StrictTail {
			return nil, pipeline.Errf(pipeline.KindConstraintViolation,
				"no feasible window plan for %.1fs with min=%g max=%g (strict tail)", durationSec, p.Min, p.Max)
		}
		// Admit an out-of-range final window from any reachable cut.
		for j := 0; j < n; j++ {
			if j > 0 && pred[j] == -1 {
				continue
			}
			relax(n, j, cuts[n]-cuts[j])
		}
		if pred[n] == -1 {
			return nil, pipeline.Errf(pipeline.KindConstraintViolation,
				"no window plan reaches %.1fs even with a relaxed tail", durationSec)
		}
		tailRelaxed = true
	}

	// Walk predecessors back to zero.
	var rev []int
	for i := n; i != 0; i = pred[i] {
		rev = append(rev, i)
	}
	windows := make([]Window, 0, len(rev))
	prev := 0.0
	for k := len(rev) - 1; k >= 0; k-- {
		c := cuts[rev[k]]
		windows = append(windows, Window{Start: prev, End: c})
		prev = c
	}

	return &Artifact{
		Windows:     windows,
		Params:      p,
		TotalCost:   cost[n],
		TailRelaxed: tailRelaxed,
	}, nil
}

// NewStage builds the plan stage definition.
func NewStage(params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "plan",
		Dir:    "plan",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			return pipeline.ArtifactHashes(rt, map[string][2]string{
				"timeline": {"timeline", "silence"},
			})
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			silencePath, err := sc.ArtifactIn("timeline", "silence")
			if err != nil {
				return nil, err
			}
			tl, err := timeline.Load(silencePath)
			if err != nil {
				return nil, err
			}
			artifact, err := Compute(sc.Runtime.Manifest.Input.DurationSec, tl.Mids(), params)
			if err != nil {
				return nil, err
			}
			data, err := canonjson.MarshalIndent(artifact)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "windows.json"), data, 0o644); err != nil {
				return nil, err
			}
			sc.Log.Info().
				Int("windows", len(artifact.Windows)).
				Bool("tailRelaxed", artifact.TailRelaxed).
				Msg("window plan written")
			return map[string]string{"windows": "windows.json"}, nil
		},
	}
}
