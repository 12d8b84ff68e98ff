// Package windows turns consecutive anchors into half-open book-coordinate
// windows with time padding, the scopes for forced alignment.
package windows

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"bookalign/internal/anchors"
	"bookalign/internal/bookindex"
	"bookalign/internal/canonjson"
	"bookalign/internal/pipeline"
	"bookalign/internal/transcripts"
)

// Params configure window construction.
type Params struct {
	PrePadSec float64 `json:"prePadSec"`
	PadSec    float64 `json:"padSec"`
	// MaxAnchoredSec bounds how far apart two anchors may sit (in estimated
	// narration time) for the words between them to count as covered.
	MaxAnchoredSec float64 `json:"maxAnchoredSec"`
}

// DefaultParams give each window a short settling margin on both sides.
func DefaultParams() Params {
	return Params{PrePadSec: 1.0, PadSec: 1.5, MaxAnchoredSec: 120}
}

// Window is a half-open [BookStart, BookEnd) range of book word indices with
// ASR chapter-time bounds when derivable from the bounding anchors.
type Window struct {
	ID         string   `json:"id"`
	BookStart  int      `json:"bookStart"`
	BookEnd    int      `json:"bookEnd"`
	AsrStart   *float64 `json:"asrStart,omitempty"`
	AsrEnd     *float64 `json:"asrEnd,omitempty"`
	PrevAnchor *int     `json:"prevAnchor,omitempty"` // index into selected anchors
	NextAnchor *int     `json:"nextAnchor,omitempty"`
}

// Meta summarizes coverage.
type Meta struct {
	Coverage      float64 `json:"coverage"`
	LargestGapSec float64 `json:"largestGapSec"`
	WindowCount   int     `json:"windowCount"`
}

// Artifact is windows/windows.json.
type Artifact struct {
	Meta    Meta     `json:"meta"`
	Params  Params   `json:"params"`
	Windows []Window `json:"windows"`
}

// Load reads and validates a windows artifact.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read windows: %v", err)
	}
	var a Artifact
	if err := canonjson.Unmarshal(data, &a); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse windows: %v", err)
	}
	for i := 1; i < len(a.Windows); i++ {
		if a.Windows[i].BookStart < a.Windows[i-1].BookStart {
			return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "windows out of order at %d", i)
		}
	}
	return &a, nil
}

// anchorSpanEnd is the first book word index after the anchor's n-gram.
func anchorSpanEnd(c anchors.Candidate) int {
	return c.BpWordIndex + c.NgramSize
}

// Build constructs windows between consecutive selected anchors, including
// the synthetic end of book. Book bounds stay outside anchor spans; time
// padding applies to the ASR bounds and is clamped to the chapter.
func Build(book *bookindex.BookIndex, merged *transcripts.Merged, sel []anchors.Candidate, chapterDur float64, p Params) *Artifact {
	wps := book.WordsPerSecond()

	// Map an anchor's ap to chapter time via the merged transcript. The
	// anchor stream was built from the merged words, so ap indexes the
	// normalized stream; rebuild it for the Orig mapping.
	asrRaw := make([]string, len(merged.Words))
	for i, w := range merged.Words {
		asrRaw[i] = w.Word
	}
	asrStream := anchors.NormalizeStream(asrRaw)
	anchorTime := func(c anchors.Candidate) (float64, bool) {
		if c.NgramSize == 0 {
			// Start sentinel pins to the chapter origin.
			return 0, true
		}
		if c.Ap < 0 || c.Ap >= len(asrStream) {
			return 0, false
		}
		return merged.Words[asrStream[c.Ap].Orig].Start, true
	}

	bookEnd := book.Totals.Words
	var wins []Window
	covered := 0
	largestGapWords := 0

	for i := 0; i < len(sel); i++ {
		start := anchorSpanEnd(sel[i])
		end := bookEnd
		var nextIdx *int
		if i+1 < len(sel) {
			end = sel[i+1].BpWordIndex
			n := i + 1
			nextIdx = &n
		}
		if start >= end {
			continue
		}
		prevIdx := i

		w := Window{
			ID:         fmt.Sprintf("win_%04d", len(wins)+1),
			BookStart:  start,
			BookEnd:    end,
			PrevAnchor: &prevIdx,
			NextAnchor: nextIdx,
		}

		if t, ok := anchorTime(sel[i]); ok {
			s := t - p.PrePadSec
			if s < 0 {
				s = 0
			}
			w.AsrStart = &s
		}
		var endTime float64
		var endKnown bool
		if nextIdx != nil {
			endTime, endKnown = anchorTime(sel[*nextIdx])
		} else {
			endTime, endKnown = chapterDur, chapterDur > 0
		}
		if endKnown {
			e := endTime + p.PadSec
			if chapterDur > 0 && e > chapterDur {
				e = chapterDur
			}
			w.AsrEnd = &e
		}

		words := end - start
		estSec := float64(words) / wps
		if w.AsrStart != nil && w.AsrEnd != nil && estSec <= p.MaxAnchoredSec {
			covered += words
		} else if words > largestGapWords {
			largestGapWords = words
		}
		wins = append(wins, w)
	}

	coverage := 0.0
	if bookEnd > 0 {
		coverage = float64(covered) / float64(bookEnd)
	}
	if wins == nil {
		wins = []Window{}
	}
	return &Artifact{
		Meta: Meta{
			Coverage:      coverage,
			LargestGapSec: float64(largestGapWords) / wps,
			WindowCount:   len(wins),
		},
		Params:  p,
		Windows: wins,
	}
}

// NewStage builds the windows stage definition.
func NewStage(params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "windows",
		Dir:    "windows",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			refs, err := pipeline.ArtifactHashes(rt, map[string][2]string{
				"anchors":    {"anchors", "anchors"},
				"transcript": {"transcripts", "merged"},
			})
			if err != nil {
				return nil, err
			}
			refs["book"], err = pipeline.BookHash(rt)
			if err != nil {
				return nil, err
			}
			return refs, nil
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			book, err := bookindex.Load(filepath.Join(sc.Runtime.WorkDir, "book-index.json"))
			if err != nil {
				return nil, err
			}
			anchorsPath, err := sc.ArtifactIn("anchors", "anchors")
			if err != nil {
				return nil, err
			}
			anc, err := anchors.Load(anchorsPath)
			if err != nil {
				return nil, err
			}
			mergedPath, err := sc.ArtifactIn("transcripts", "merged")
			if err != nil {
				return nil, err
			}
			merged, err := transcripts.LoadMerged(mergedPath)
			if err != nil {
				return nil, err
			}

			artifact := Build(book, merged, anc.Selected, sc.Runtime.Manifest.Input.DurationSec, params)
			if artifact.Meta.Coverage < 0.85 {
				sc.Log.Warn().Float64("coverage", artifact.Meta.Coverage).Msg("low anchor coverage")
			}

			data, err := canonjson.MarshalIndent(artifact)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "windows.json"), data, 0o644); err != nil {
				return nil, err
			}
			sc.Log.Info().
				Int("windows", artifact.Meta.WindowCount).
				Float64("coverage", artifact.Meta.Coverage).
				Msg("windows built")
			return map[string]string{"windows": "windows.json"}, nil
		},
	}
}
