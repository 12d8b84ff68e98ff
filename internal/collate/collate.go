// Package collate replaces inter-sentence gaps with room tone, joining each
// seam with equal-power crossfades whose geometry comes from a
// high-frequency probe with hysteresis and bounded nudging.
package collate

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"bookalign/internal/canonjson"
	"bookalign/internal/media"
	"bookalign/internal/pipeline"
	"bookalign/internal/plan"
	"bookalign/internal/refine"
)

// Zipper constants.
const (
	FadeSecDefault = 0.005
	GuardHotL      = 0.012
	GuardHotR      = 0.015
	NudgeStepSec   = 0.003
	MaxLeftNudges  = 8
	MaxRightNudges = 3
	// bandAbortDb aborts left nudging when the probe gets louder than the
	// previous measurement by more than this; never chase worsening audio.
	bandAbortDb = 0.5
)

// Params configure collation.
type Params struct {
	RoomtoneSource      string  `json:"roomtoneSource"` // "auto" or "file"
	RoomtoneFilePath    string  `json:"roomtoneFilePath,omitempty"`
	RoomtoneLevelDb     float64 `json:"roomtoneLevelDb"`
	MinGapMs            float64 `json:"minGapMs"`
	MaxGapMs            float64 `json:"maxGapMs"`
	BridgeMaxMs         float64 `json:"bridgeMaxMs"`
	ZipperHysteresisMs  float64 `json:"zipperHysteresisMs"`
	DedupeWithinOverlap bool    `json:"dedupeWithinOverlap"`
	DbFloor             float64 `json:"dbFloor"`
}

// DefaultParams replace gaps of 120ms-2s with room tone at -50 dBFS.
func DefaultParams() Params {
	return Params{
		RoomtoneSource:      "auto",
		RoomtoneLevelDb:     -50,
		MinGapMs:            120,
		MaxGapMs:            2000,
		BridgeMaxMs:         250,
		ZipperHysteresisMs:  40,
		DedupeWithinOverlap: true,
		DbFloor:             -55,
	}
}

// Join records the decision made at one seam.
type Join struct {
	From        float64 `json:"from"`
	To          float64 `json:"to"`
	FadeL       float64 `json:"fadeL"`
	FadeR       float64 `json:"fadeR"`
	HfLeft      float64 `json:"hfLeft"`
	HfRight     float64 `json:"hfRight"`
	LeftNudges  int     `json:"leftNudges"`
	RightNudges int     `json:"rightNudges"`
	RightStart  float64 `json:"rightStart"`
	PauseMs     float64 `json:"pauseMs"`

	Ta     float64 `json:"ta"`
	Tb     float64 `json:"tb"`
	GuardR float64 `json:"guardR"`
	Kind   string  `json:"kind"`
}

// Replacement is one segments.json entry.
type Replacement struct {
	Kind     string  `json:"kind"`
	From     float64 `json:"from"`
	To       float64 `json:"to"`
	Duration float64 `json:"duration"`
	LevelDb  float64 `json:"levelDb"`
}

// PlanJoin runs the probe-and-nudge loop for one seam and derives the fade
// geometry. It never renders audio; the caller feeds the result to the
// filtergraph.
func PlanJoin(ctx context.Context, prober Prober, seam Seam, dbFloor float64) (Join, error) {
	ta, tb := seam.From, seam.To

	var leftState, rightState hotState
	leftProbe, err := prober.ProbeAt(ctx, ta, ProbeWinSec, true)
	if err != nil {
		return Join{}, err
	}
	leftHot := leftState.update(leftProbe, dbFloor)

	leftNudges := 0
	prevBand := leftProbe.BandDb
	for leftHot && leftNudges < MaxLeftNudges && ta+NudgeStepSec < tb {
		next, err := prober.ProbeAt(ctx, ta+NudgeStepSec, ProbeWinSec, true)
		if err != nil {
			return Join{}, err
		}
		if next.BandDb > prevBand+bandAbortDb {
			break
		}
		ta += NudgeStepSec
		leftNudges++
		prevBand = next.BandDb
		leftProbe = next
		leftHot = leftState.update(next, dbFloor)
	}

	rightProbe, err := prober.ProbeAt(ctx, tb, ProbeWinSec, false)
	if err != nil {
		return Join{}, err
	}
	rightHot := rightState.update(rightProbe, dbFloor)
	rightNudges := 0
	for rightHot && rightNudges < MaxRightNudges {
		tb += NudgeStepSec
		rightNudges++
		rightProbe, err = prober.ProbeAt(ctx, tb, ProbeWinSec, false)
		if err != nil {
			return Join{}, err
		}
		rightHot = rightState.update(rightProbe, dbFloor)
	}

	leftRisky := leftHot || leftNudges > 0
	rightRisky := rightHot || rightNudges > 0

	fadeL := FadeSecDefault
	if leftRisky {
		fadeL = math.Max(FadeSecDefault, GuardHotL)
	}
	guardR := 0.0
	fadeR := FadeSecDefault
	if rightRisky {
		guardR = GuardHotR
		fadeR = math.Max(FadeSecDefault, guardR)
	}

	pause := tb - ta
	if pause <= 0.001 || fadeL+fadeR > pause-0.001 {
		scale := 0.0
		if fadeL+fadeR > 0 && pause > 0.001 {
			scale = (pause - 0.001) / (fadeL + fadeR)
		}
		if scale < 0 {
			scale = 0
		}
		if scale > 1 {
			scale = 1
		}
		fadeL *= scale
		fadeR *= scale
		if guardR > fadeR {
			guardR = fadeR
		}
	}

	return Join{
		From:        seam.From,
		To:          seam.To,
		FadeL:       fadeL,
		FadeR:       fadeR,
		HfLeft:      leftProbe.BandDb,
		HfRight:     rightProbe.BandDb,
		LeftNudges:  leftNudges,
		RightNudges: rightNudges,
		RightStart:  tb - guardR,
		PauseMs:     pause * 1000,
		Ta:          ta,
		Tb:          tb,
		GuardR:      guardR,
		Kind:        seam.Kind,
	}, nil
}

// renderSeam applies one join as an ffmpeg filtergraph: original up to ta,
// a room-tone span of pause+fadeR-guardR with a fade-in of fadeL, then an
// equal-power crossfade of fadeR into the original pre-rolled by guardR.
// Total duration is preserved. Seams run one process each to keep graphs
// short.
func renderSeam(ctx context.Context, tool *media.Tool, inPath, roomtonePath, outPath string, j Join) error {
	rtLen := (j.Tb - j.Ta) + j.FadeR - j.GuardR
	if rtLen <= 0 || j.FadeR <= 0.0005 {
		return pipeline.Errf(pipeline.KindConstraintViolation,
			"seam at %.3f has no room for a crossfade (pause %.1fms)", j.From, j.PauseMs)
	}
	graph := fmt.Sprintf(
		"[0:a]atrim=end=%.6f[pre];"+
			"[1:a]aloop=loop=-1:size=2147483647,atrim=end=%.6f,afade=t=in:st=0:d=%.6f:curve=qsin[rt];"+
			"[0:a]atrim=start=%.6f,asetpts=PTS-STARTPTS[post];"+
			"[rt][post]acrossfade=d=%.6f:c1=qsin:c2=qsin[tail];"+
			"[pre][tail]concat=n=2:v=0:a=1[out]",
		j.Ta, rtLen, j.FadeL, j.RightStart, j.FadeR,
	)
	return tool.Render(ctx,
		"-i", inPath,
		"-i", roomtonePath,
		"-filter_complex", graph,
		"-map", "[out]",
		"-c:a", "pcm_s16le",
		"-ar", fmt.Sprintf("%d", media.SampleRate),
		"-ac", "1",
		outPath,
	)
}

// prepareRoomtone produces the mono reference buffer in the staging dir.
func prepareRoomtone(ctx context.Context, tool *media.Tool, sc *pipeline.StageContext, p Params) (string, error) {
	out := filepath.Join(sc.StagingDir, "roomtone.wav")
	input := sc.Runtime.Manifest.Input

	switch p.RoomtoneSource {
	case "auto":
		// A short span at ~10% into the chapter, attenuated to the target
		// level.
		start := input.DurationSec * 0.10
		samples, err := tool.DecodeSegment(ctx, input.Path, start, 5.0)
		if err != nil {
			return "", pipeline.Wrap(pipeline.KindToolNotFound, err)
		}
		if len(samples) == 0 {
			return "", pipeline.Errf(pipeline.KindInvalidInput, "no audio at room-tone extraction point %.1fs", start)
		}
		return out, writeWav(out, gainTo(samples, p.RoomtoneLevelDb))
	case "file":
		if p.RoomtoneFilePath == "" {
			return "", pipeline.Errf(pipeline.KindInvalidInput, "roomtoneSource=file requires roomtoneFilePath")
		}
		dur, err := tool.ProbeDuration(ctx, p.RoomtoneFilePath)
		if err != nil {
			return "", pipeline.Wrap(pipeline.KindInvalidInput, err)
		}
		// Resample to the authoritative rate; level is taken as provided.
		if err := tool.Cut(ctx, p.RoomtoneFilePath, out, 0, dur); err != nil {
			return "", pipeline.Wrap(pipeline.KindToolNotFound, err)
		}
		return out, nil
	default:
		return "", pipeline.Errf(pipeline.KindInvalidInput, "unknown roomtoneSource %q", p.RoomtoneSource)
	}
}

// NewStage builds the collate stage definition.
func NewStage(tool *media.Tool, params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "collate",
		Dir:    "collate",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			return pipeline.ArtifactHashes(rt, map[string][2]string{
				"sentences": {"refine", "sentences"},
				"plan":      {"plan", "windows"},
			})
		},
		Tools: func(ctx context.Context) (map[string]string, error) {
			v, err := tool.Version(ctx)
			if err != nil {
				return nil, pipeline.Wrap(pipeline.KindToolVersionUnknown, err)
			}
			return map[string]string{"ffmpeg": v}, nil
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			sentPath, err := sc.ArtifactIn("refine", "sentences")
			if err != nil {
				return nil, err
			}
			ref, err := refine.Load(sentPath)
			if err != nil {
				return nil, err
			}
			planPath, err := sc.ArtifactIn("plan", "windows")
			if err != nil {
				return nil, err
			}
			chunkPlan, err := plan.Load(planPath)
			if err != nil {
				return nil, err
			}

			roomtone, err := prepareRoomtone(ctx, tool, sc, params)
			if err != nil {
				return nil, err
			}

			seams := IdentifySeams(ref.Sentences, chunkPlan,
				params.MinGapMs/1000, params.MaxGapMs/1000, params.BridgeMaxMs/1000)
			seams = FilterSeams(seams, params.ZipperHysteresisMs/1000, params.DedupeWithinOverlap)

			// Working copy at the authoritative format; every seam render
			// swaps in a new working file.
			input := sc.Runtime.Manifest.Input
			work := filepath.Join(sc.StagingDir, "work.wav")
			if err := tool.Cut(ctx, input.Path, work, 0, input.DurationSec); err != nil {
				return nil, pipeline.Wrap(pipeline.KindToolNotFound, err)
			}

			joins := make([]Join, 0, len(seams))
			replacements := make([]Replacement, 0, len(seams))
			for i, seam := range seams {
				if err := ctx.Err(); err != nil {
					return nil, pipeline.Wrap(pipeline.KindCancellation, err)
				}
				prober := NewProber(tool, work, input.DurationSec)
				join, err := PlanJoin(ctx, prober, seam, params.DbFloor)
				if err != nil {
					return nil, err
				}
				next := filepath.Join(sc.StagingDir, fmt.Sprintf("work-%04d.wav", i+1))
				if err := renderSeam(ctx, tool, work, roomtone, next, join); err != nil {
					return nil, err
				}
				if err := os.Rename(next, work); err != nil {
					return nil, err
				}
				joins = append(joins, join)
				replacements = append(replacements, Replacement{
					Kind:     seam.Kind,
					From:     join.Ta,
					To:       join.Tb,
					Duration: join.Tb - join.Ta,
					LevelDb:  params.RoomtoneLevelDb,
				})
				sc.Log.Debug().
					Str("kind", seam.Kind).
					Float64("from", join.Ta).
					Float64("to", join.Tb).
					Int("leftNudges", join.LeftNudges).
					Int("rightNudges", join.RightNudges).
					Msg("seam rendered")
			}

			final := filepath.Join(sc.StagingDir, "final.wav")
			if err := os.Rename(work, final); err != nil {
				return nil, err
			}

			// Duration verification: drift beyond 10ms is a warning; the
			// validator owns the hard gates.
			outDur, err := tool.ProbeDuration(ctx, final)
			if err != nil {
				return nil, pipeline.Wrap(pipeline.KindInternal, err)
			}
			delta := outDur - input.DurationSec
			if math.Abs(delta) > 0.010 {
				sc.Log.Warn().
					Float64("deltaSec", delta).
					Msg("collated duration drifted from input")
			}

			segments := map[string]any{
				"sentences":    ref.Sentences,
				"replacements": replacements,
			}
			if err := writeJSON(sc.StagingDir, "segments.json", segments); err != nil {
				return nil, err
			}
			if err := writeJSON(sc.StagingDir, "map.json", map[string]any{"seams": joins}); err != nil {
				return nil, err
			}
			logDoc := map[string]any{
				"seams":             len(joins),
				"inputDurationSec":  input.DurationSec,
				"outputDurationSec": outDur,
				"durationDeltaSec":  delta,
				"roomtoneSource":    params.RoomtoneSource,
			}
			if err := writeJSON(sc.StagingDir, "log.json", logDoc); err != nil {
				return nil, err
			}

			sc.Log.Info().Int("seams", len(joins)).Float64("durationDeltaSec", delta).Msg("collation complete")
			return map[string]string{
				"final":    "final.wav",
				"segments": "segments.json",
				"map":      "map.json",
				"log":      "log.json",
				"roomtone": "roomtone.wav",
			}, nil
		},
	}
}

func writeJSON(dir, name string, v any) error {
	data, err := canonjson.MarshalIndent(v)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, name), data, 0o644)
}
