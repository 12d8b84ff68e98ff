// Package validate evaluates the QA gates over the comparison report and,
// on failure, emits a repair plan naming the offending windows.
package validate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"bookalign/internal/canonjson"
	"bookalign/internal/compare"
	"bookalign/internal/pipeline"
)

// Params are the gate thresholds.
type Params struct {
	MinOpeningRetention    float64 `json:"minOpeningRetention"`
	MaxSeamDuplications    int     `json:"maxSeamDuplications"`
	MaxSeamOmissions       int     `json:"maxSeamOmissions"`
	MaxShortPhraseLossRate float64 `json:"maxShortPhraseLossRate"`
	MaxAnchorDriftP95      float64 `json:"maxAnchorDriftP95"`
	MinAnchorCoverage      float64 `json:"minAnchorCoverage"`
	MaxWER                 float64 `json:"maxWer"`
	MaxCER                 float64 `json:"maxCer"`
}

// DefaultParams are the shipping gate thresholds.
func DefaultParams() Params {
	return Params{
		MinOpeningRetention:    0.995,
		MaxSeamDuplications:    0,
		MaxSeamOmissions:       0,
		MaxShortPhraseLossRate: 0.005,
		MaxAnchorDriftP95:      0.8,
		MinAnchorCoverage:      0.85,
		MaxWER:                 0.12,
		MaxCER:                 0.08,
	}
}

// Gate is one evaluated threshold.
type Gate struct {
	Name      string  `json:"name"`
	Threshold float64 `json:"threshold"`
	Actual    float64 `json:"actual"`
	Pass      bool    `json:"pass"`
}

// RepairWindow names a failing window with suggestions.
type RepairWindow struct {
	ID          string   `json:"id"`
	Suggestions []string `json:"suggestions"`
}

// RepairPlan is validate/repair/repair.plan.json.
type RepairPlan struct {
	Windows []RepairWindow `json:"windows"`
}

// Report is validate/report.json.
type Report struct {
	Params Params `json:"params"`
	Gates  []Gate `json:"gates"`
	Pass   bool   `json:"pass"`
}

// Evaluate runs every gate against the comparison report.
func Evaluate(r *compare.Report, p Params) *Report {
	gates := []Gate{
		{Name: "openingRetention", Threshold: p.MinOpeningRetention, Actual: r.OpeningRetention, Pass: r.OpeningRetention >= p.MinOpeningRetention},
		{Name: "seamDuplications", Threshold: float64(p.MaxSeamDuplications), Actual: float64(r.SeamDuplications), Pass: r.SeamDuplications <= p.MaxSeamDuplications},
		{Name: "seamOmissions", Threshold: float64(p.MaxSeamOmissions), Actual: float64(r.SeamOmissions), Pass: r.SeamOmissions <= p.MaxSeamOmissions},
		{Name: "shortPhraseLossRate", Threshold: p.MaxShortPhraseLossRate, Actual: r.ShortPhraseLossRate, Pass: r.ShortPhraseLossRate <= p.MaxShortPhraseLossRate},
		{Name: "anchorDriftP95", Threshold: p.MaxAnchorDriftP95, Actual: r.AnchorDriftP95, Pass: r.AnchorDriftP95 <= p.MaxAnchorDriftP95},
		{Name: "anchorCoverage", Threshold: p.MinAnchorCoverage, Actual: r.AnchorCoverage, Pass: r.AnchorCoverage >= p.MinAnchorCoverage},
		{Name: "wer", Threshold: p.MaxWER, Actual: r.WER, Pass: r.WER <= p.MaxWER},
		{Name: "cer", Threshold: p.MaxCER, Actual: r.CER, Pass: r.CER <= p.MaxCER},
	}
	pass := true
	for _, g := range gates {
		if !g.Pass {
			pass = false
		}
	}
	return &Report{Params: p, Gates: gates, Pass: pass}
}

// BuildRepairPlan names the windows most likely behind each failed gate.
func BuildRepairPlan(r *compare.Report, rep *Report, p Params) *RepairPlan {
	plan := &RepairPlan{Windows: []RepairWindow{}}
	failed := map[string]bool{}
	for _, g := range rep.Gates {
		if !g.Pass {
			failed[g.Name] = true
		}
	}
	if len(failed) == 0 {
		return plan
	}

	for _, w := range r.Windows {
		var suggestions []string
		if failed["wer"] && r.WER > p.MaxWER && w.WER > p.MaxWER {
			suggestions = append(suggestions, "re-transcribe window with a larger model or beam")
		}
		if failed["cer"] && w.CER > p.MaxCER {
			suggestions = append(suggestions, "inspect normalization mismatches in this window")
		}
		if failed["anchorCoverage"] && w.HypWords == 0 {
			suggestions = append(suggestions, "add a soft anchor: window has no usable ASR span")
		}
		if failed["anchorDriftP95"] {
			suggestions = append(suggestions, "increase window padding and re-run window-align")
		}
		if len(suggestions) > 0 {
			plan.Windows = append(plan.Windows, RepairWindow{ID: w.WindowID, Suggestions: suggestions})
		}
	}

	// Gate failures with no window attribution still deserve guidance.
	if len(plan.Windows) == 0 {
		general := RepairWindow{ID: "chapter"}
		if failed["openingRetention"] {
			general.Suggestions = append(general.Suggestions, "re-run refine with a smaller minSilenceDurSec to recover the opening")
		}
		if failed["seamDuplications"] || failed["seamOmissions"] {
			general.Suggestions = append(general.Suggestions, "re-run collate with a narrower gap range")
		}
		if failed["anchorCoverage"] {
			general.Suggestions = append(general.Suggestions, "lower the anchor n-gram floor or disable localization")
		}
		if len(general.Suggestions) == 0 {
			general.Suggestions = append(general.Suggestions, "inspect script-compare/report.json")
		}
		plan.Windows = append(plan.Windows, general)
	}
	return plan
}

// LoadRepairPlan reads a previously emitted repair plan.
func LoadRepairPlan(path string) (*RepairPlan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read repair plan: %v", err)
	}
	var p RepairPlan
	if err := canonjson.Unmarshal(data, &p); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse repair plan: %v", err)
	}
	return &p, nil
}

// NewStage builds the validate stage. A failed gate is not a runtime
// failure: the stage publishes its report and repair plan, then surfaces
// the distinguished gate-failure outcome (exit code 2).
func NewStage(params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "validate",
		Dir:    "validate",
		Params: params,
		Gate:   true,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			return pipeline.ArtifactHashes(rt, map[string][2]string{
				"report": {"script-compare", "report"},
			})
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			reportPath, err := sc.ArtifactIn("script-compare", "report")
			if err != nil {
				return nil, err
			}
			cmp, err := compare.LoadReport(reportPath)
			if err != nil {
				return nil, err
			}

			rep := Evaluate(cmp, params)
			data, err := canonjson.MarshalIndent(rep)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "report.json"), data, 0o644); err != nil {
				return nil, err
			}
			artifacts := map[string]string{"report": "report.json"}

			if !rep.Pass {
				plan := BuildRepairPlan(cmp, rep, params)
				planData, err := canonjson.MarshalIndent(plan)
				if err != nil {
					return nil, err
				}
				repairDir := filepath.Join(sc.StagingDir, "repair")
				if err := os.MkdirAll(repairDir, 0o755); err != nil {
					return nil, err
				}
				if err := os.WriteFile(filepath.Join(repairDir, "repair.plan.json"), planData, 0o644); err != nil {
					return nil, err
				}
				artifacts["repair"] = "repair/repair.plan.json"

				var failedNames []string
				for _, g := range rep.Gates {
					if !g.Pass {
						failedNames = append(failedNames, fmt.Sprintf("%s(%.3f)", g.Name, g.Actual))
					}
				}
				sc.Log.Error().Strs("failed", failedNames).Msg("validation gates failed")
				return artifacts, pipeline.Errf(pipeline.KindGateFailure, "validation gates failed: %v", failedNames)
			}

			sc.Log.Info().Msg("all validation gates passed")
			return artifacts, nil
		},
	}
}
