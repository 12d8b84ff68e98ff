// Package chunks cuts the chapter audio at planned window boundaries into
// per-chunk WAVs with stable IDs.
package chunks

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"bookalign/internal/canonjson"
	"bookalign/internal/manifest"
	"bookalign/internal/media"
	"bookalign/internal/pipeline"
	"bookalign/internal/plan"
)

// Params configure the cutter. The sample rate is pinned so a rate change
// re-fingerprints the stage.
type Params struct {
	SampleRate int `json:"sampleRate"`
}

// DefaultParams use the authoritative rate.
func DefaultParams() Params {
	return Params{SampleRate: media.SampleRate}
}

// Span is a chunk's extent in chapter coordinates.
type Span struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Chunk is one entry of chunks/index.json.
type Chunk struct {
	ID          string  `json:"id"`
	Span        Span    `json:"span"`
	Filename    string  `json:"filename"`
	SHA256      string  `json:"sha256"`
	DurationSec float64 `json:"durationSec"`
}

// Index is chunks/index.json, sorted by span start.
type Index struct {
	Chunks []Chunk `json:"chunks"`
}

// ChunkID returns the deterministic id for the 1-based chunk number.
func ChunkID(n int) string {
	return fmt.Sprintf("ch_%04d", n)
}

// Load reads and validates a chunk index.
func Load(path string) (*Index, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read chunk index: %v", err)
	}
	var idx Index
	if err := canonjson.Unmarshal(data, &idx); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse chunk index: %v", err)
	}
	for i := 1; i < len(idx.Chunks); i++ {
		if idx.Chunks[i].Span.Start < idx.Chunks[i-1].Span.Start {
			return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "chunk index out of order at %d", i)
		}
	}
	return &idx, nil
}

// ByID returns the chunk with the given id.
func (idx *Index) ByID(id string) (Chunk, bool) {
	for _, c := range idx.Chunks {
		if c.ID == id {
			return c, true
		}
	}
	return Chunk{}, false
}

// NewStage builds the chunks stage definition.
func NewStage(tool *media.Tool, params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "chunks",
		Dir:    "chunks",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			return pipeline.ArtifactHashes(rt, map[string][2]string{
				"plan": {"plan", "windows"},
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
			planPath, err := sc.ArtifactIn("plan", "windows")
			if err != nil {
				return nil, err
			}
			p, err := plan.Load(planPath)
			if err != nil {
				return nil, err
			}
			if len(p.Windows) == 0 {
				return nil, pipeline.Errf(pipeline.KindInvalidInput, "window plan is empty")
			}

			wavDir := filepath.Join(sc.StagingDir, "wav")
			if err := os.MkdirAll(wavDir, 0o755); err != nil {
				return nil, err
			}

			input := sc.Runtime.Manifest.Input
			out := make([]Chunk, len(p.Windows))
			err = pipeline.ForEach(ctx, sc.Runtime.Jobs, len(p.Windows), func(ctx context.Context, i int) error {
				w := p.Windows[i]
				id := ChunkID(i + 1)
				filename := filepath.Join("wav", id+".wav")
				abs := filepath.Join(sc.StagingDir, filename)
				if err := tool.Cut(ctx, input.Path, abs, w.Start, w.End); err != nil {
					return pipeline.Wrap(pipeline.KindToolNotFound, err)
				}
				sha, err := manifest.HashFile(abs)
				if err != nil {
					return err
				}
				dur, err := tool.ProbeDuration(ctx, abs)
				if err != nil {
					return pipeline.Wrap(pipeline.KindInternal, err)
				}
				out[i] = Chunk{
					ID:          id,
					Span:        Span{Start: w.Start, End: w.End},
					Filename:    filepath.ToSlash(filename),
					SHA256:      sha,
					DurationSec: dur,
				}
				return nil
			})
			if err != nil {
				return nil, pipeline.Wrap(pipeline.KindInternal, err)
			}

			// Completion order is nondeterministic; the index is sorted so
			// its bytes are stable.
			sort.Slice(out, func(i, j int) bool { return out[i].Span.Start < out[j].Span.Start })
			idx := Index{Chunks: out}
			data, err := canonjson.MarshalIndent(idx)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "index.json"), data, 0o644); err != nil {
				return nil, err
			}
			sc.Log.Info().Int("chunks", len(out)).Msg("chunks cut")
			return map[string]string{"index": "index.json"}, nil
		},
	}
}
