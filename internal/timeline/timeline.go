// Package timeline runs silence detection over the chapter audio and
// persists the silence timeline artifact consumed by the planner, refiner
// and collator.
package timeline

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"bookalign/internal/canonjson"
	"bookalign/internal/media"
	"bookalign/internal/pipeline"
)

// Params configure silence detection.
type Params struct {
	DbFloor       float64 `json:"dbFloor"`       // dBFS threshold
	MinSilenceDur float64 `json:"minSilenceDur"` // seconds
}

// DefaultParams match narrated speech: a -38 dBFS floor, so anything quieter
// (room tone included) reads as silence, and a short minimum so sentence gaps
// are visible.
func DefaultParams() Params {
	return Params{DbFloor: -38, MinSilenceDur: 0.12}
}

// Artifact is timeline/silence.json.
type Artifact struct {
	AudioSHA256   string               `json:"audioSha256"`
	FFmpegVersion string               `json:"ffmpegVersion"`
	Params        Params               `json:"params"`
	Events        []media.SilenceEvent `json:"events"`
}

// Load reads and validates a silence timeline artifact.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read silence timeline: %v", err)
	}
	var a Artifact
	if err := canonjson.Unmarshal(data, &a); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse silence timeline: %v", err)
	}
	for i := 1; i < len(a.Events); i++ {
		if a.Events[i].Start < a.Events[i-1].Start {
			return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "silence events out of order at %d", i)
		}
	}
	return &a, nil
}

// Mids returns the sorted midpoints of all events, the planner's cut
// candidates.
func (a *Artifact) Mids() []float64 {
	mids := make([]float64, len(a.Events))
	for i, e := range a.Events {
		mids[i] = e.Mid
	}
	return mids
}

// NewStage builds the timeline stage definition.
func NewStage(tool *media.Tool, params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "timeline",
		Dir:    "timeline",
		Params: params,
		Tools: func(ctx context.Context) (map[string]string, error) {
			v, err := tool.Version(ctx)
			if err != nil {
				return nil, pipeline.Wrap(pipeline.KindToolVersionUnknown, err)
			}
			return map[string]string{"ffmpeg": v}, nil
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			input := sc.Runtime.Manifest.Input
			events, err := tool.DetectSilence(ctx, input.Path, params.DbFloor, params.MinSilenceDur)
			if err != nil {
				return nil, pipeline.Wrap(pipeline.KindToolNotFound, err)
			}
			sort.Slice(events, func(i, j int) bool { return events[i].Start < events[j].Start })

			ver, err := tool.Version(ctx)
			if err != nil {
				return nil, pipeline.Wrap(pipeline.KindToolVersionUnknown, err)
			}
			artifact := Artifact{
				AudioSHA256:   input.SHA256,
				FFmpegVersion: ver,
				Params:        params,
				Events:        events,
			}
			data, err := canonjson.MarshalIndent(artifact)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "silence.json"), data, 0o644); err != nil {
				return nil, err
			}
			sc.Log.Info().Int("events", len(events)).Msg("silence timeline written")
			return map[string]string{"silence": "silence.json"}, nil
		},
	}
}
