package pipeline

import (
	"context"
	"fmt"
)

// StageOrder is the topological order of the pipeline DAG. Cross-stage order
// is strict; parallelism only exists inside a stage.
var StageOrder = []string{
	"timeline",
	"plan",
	"chunks",
	"transcripts",
	"anchors",
	"windows",
	"window-align",
	"refine",
	"collate",
	"script-compare",
	"validate",
}

// indexOf returns the position of a stage name in StageOrder.
func indexOf(name string) (int, error) {
	for i, s := range StageOrder {
		if s == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("unknown stage %q", name)
}

// Plan selects the closed [from, to] interval of stages to execute. Empty
// bounds mean the full pipeline.
func Plan(from, to string) ([]string, error) {
	lo, hi := 0, len(StageOrder)-1
	if from != "" {
		i, err := indexOf(from)
		if err != nil {
			return nil, err
		}
		lo = i
	}
	if to != "" {
		i, err := indexOf(to)
		if err != nil {
			return nil, err
		}
		hi = i
	}
	if lo > hi {
		return nil, fmt.Errorf("--from %q is after --to %q", from, to)
	}
	return StageOrder[lo : hi+1], nil
}

// Invalidate clears fingerprints for the named stage and everything
// downstream of it, forcing recomputation on the next run.
func Invalidate(rt *Runtime, stage string) error {
	i, err := indexOf(stage)
	if err != nil {
		return err
	}
	for _, name := range StageOrder[i:] {
		rt.Manifest.Invalidate(name)
	}
	return rt.Manifest.Save()
}

// Run executes the given stages serially. It stops at the first failure; a
// gate failure also stops execution but is reported distinctly so the CLI
// can exit 2 instead of 1.
func Run(ctx context.Context, rt *Runtime, stages []*Stage, names []string) ([]Outcome, error) {
	byName := make(map[string]*Stage, len(stages))
	for _, s := range stages {
		byName[s.Name] = s
	}

	var outcomes []Outcome
	for _, name := range names {
		st, ok := byName[name]
		if !ok {
			return outcomes, fmt.Errorf("no stage registered for %q", name)
		}
		out := RunStage(ctx, rt, st)
		outcomes = append(outcomes, out)
		switch out.State {
		case Failed:
			return outcomes, out.Err
		case GateFailed:
			return outcomes, out.Err
		}
	}
	return outcomes, nil
}
