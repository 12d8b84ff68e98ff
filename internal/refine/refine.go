// Package refine snaps aligner sentence ends onto silence starts under
// monotonicity, minimum-duration and anchor-immutability constraints.
package refine

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	"bookalign/internal/anchors"
	"bookalign/internal/canonjson"
	"bookalign/internal/media"
	"bookalign/internal/pipeline"
	"bookalign/internal/timeline"
	"bookalign/internal/transcripts"
	"bookalign/internal/winalign"
	"bookalign/internal/windows"
)

// Provenance tags for refined sentence ends.
const (
	SourceSilenceStart = "aeneas+silence.start"
	SourceNoSnap       = "aeneas+no-snap"
	SourcePreSnap      = "aeneas+pre-snap"
)

// Params configure refinement.
type Params struct {
	SilenceThresholdDb float64 `json:"silenceThresholdDb"`
	MinSilenceDurSec   float64 `json:"minSilenceDurSec"`
	MinWordMs          float64 `json:"min_word_ms"`
	ShortPhraseGuardS  float64 `json:"short_phrase_guard_s"`
}

// DefaultParams mirror the timeline defaults so the refiner reads the same
// silence landscape the detector produced.
func DefaultParams() Params {
	return Params{
		SilenceThresholdDb: -38,
		MinSilenceDurSec:   0.12,
		MinWordMs:          50,
		ShortPhraseGuardS:  0.35,
	}
}

// Sentence is one refined sentence span in chapter time.
type Sentence struct {
	ID           int     `json:"id"`
	Start        float64 `json:"start"`
	End          float64 `json:"end"`
	StartWordIdx *int    `json:"startWordIdx,omitempty"`
	EndWordIdx   *int    `json:"endWordIdx,omitempty"`
	Source       string  `json:"source"`
}

// OpeningSentinel records retention over the first ten seconds.
type OpeningSentinel struct {
	Window    [2]float64 `json:"window"`
	Retention float64    `json:"retention"`
}

// Stats count snap outcomes.
type Stats struct {
	Sentences int `json:"sentences"`
	Snapped   int `json:"snapped"`
	PreSnaps  int `json:"preSnaps"`
	NoSnaps   int `json:"noSnaps"`
}

// Artifact is refine/sentences.json.
type Artifact struct {
	Params          Params          `json:"params"`
	Sentences       []Sentence      `json:"sentences"`
	OpeningSentinel OpeningSentinel `json:"openingSentinel"`
	Stats           Stats           `json:"stats"`
}

// Load reads and validates a refined-sentences artifact.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read refined sentences: %v", err)
	}
	var a Artifact
	if err := canonjson.Unmarshal(data, &a); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse refined sentences: %v", err)
	}
	for i := 1; i < len(a.Sentences); i++ {
		if a.Sentences[i].Start < a.Sentences[i-1].End {
			return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "refined sentences overlap at %d", i)
		}
	}
	return &a, nil
}

// Raw is one aligner-produced sentence before refinement.
type Raw struct {
	SentenceIdx int
	Start       float64
	End         float64
	WordRange   *[2]int
}

// Span is a closed time interval (anchor spans, pinned).
type Span struct {
	Start float64
	End   float64
}

const (
	minDurationSec = 0.05
	overlapEpsSec  = 0.001
)

// Refine applies the snap-to-silence pass and the constraint pass.
// Sentences must arrive in chronological order of Start; events sorted by
// start.
func Refine(raws []Raw, events []media.SilenceEvent, anchorSpans []Span, p Params) []Sentence {
	out := make([]Sentence, 0, len(raws))

	for i, r := range raws {
		nextStart := -1.0
		if i+1 < len(raws) {
			nextStart = raws[i+1].Start
		}

		end := r.End
		source := SourceNoSnap

		if r.End-r.Start >= p.ShortPhraseGuardS {
			if e, ok := containingSilence(events, r.End, p.MinSilenceDurSec); ok && e.Start > r.Start {
				// The raw end already sits inside a silence; pull it back to
				// the silence onset.
				end = e.Start
				source = SourcePreSnap
			} else if s, ok := firstSilenceStart(events, r.End, nextStart, p.MinSilenceDurSec); ok {
				end = s
				source = SourceSilenceStart
			}
		}

		s := Sentence{ID: r.SentenceIdx, Start: r.Start, End: end, Source: source}
		if r.WordRange != nil {
			lo, hi := r.WordRange[0], r.WordRange[1]
			s.StartWordIdx = &lo
			s.EndWordIdx = &hi
		}
		out = append(out, s)
	}

	// Constraint pass: minimum duration, non-overlap, anchor exclusion.
	for i := range out {
		s := &out[i]
		for _, a := range anchorSpans {
			if s.Start > a.Start && s.Start < a.End {
				s.Start = a.End
			}
			if s.End > a.Start && s.End < a.End {
				s.End = a.Start
			}
		}
		if s.End < s.Start+minDurationSec {
			s.End = s.Start + minDurationSec
		}
		if i+1 < len(out) && s.End >= out[i+1].Start {
			s.End = out[i+1].Start - overlapEpsSec
			if s.End < s.Start+minDurationSec {
				s.End = s.Start + minDurationSec
			}
		}
	}
	return out
}

// firstSilenceStart returns the earliest qualifying silence onset in
// [rawEnd, nextStart). nextStart < 0 means no following sentence.
func firstSilenceStart(events []media.SilenceEvent, rawEnd, nextStart, minDur float64) (float64, bool) {
	best := -1.0
	for _, e := range events {
		if e.Duration < minDur || e.Start < rawEnd {
			continue
		}
		if nextStart >= 0 && e.Start >= nextStart {
			continue
		}
		if best < 0 || e.Start < best {
			best = e.Start
		}
	}
	return best, best >= 0
}

// containingSilence finds a qualifying event with start < t <= end.
func containingSilence(events []media.SilenceEvent, t, minDur float64) (media.SilenceEvent, bool) {
	for _, e := range events {
		if e.Duration < minDur {
			continue
		}
		if e.Start < t && t <= e.End {
			return e, true
		}
	}
	return media.SilenceEvent{}, false
}

// OpeningRetention computes the fraction of ASR words in [lo, hi] whose
// midpoint lies inside a final sentence span. No words in the window means
// full retention.
func OpeningRetention(words []transcripts.Word, sentences []Sentence, lo, hi float64) float64 {
	total, kept := 0, 0
	for _, w := range words {
		mid := (w.Start + w.End) / 2
		if mid < lo || mid > hi {
			continue
		}
		total++
		for _, s := range sentences {
			if mid >= s.Start && mid <= s.End {
				kept++
				break
			}
		}
	}
	if total == 0 {
		return 1
	}
	return float64(kept) / float64(total)
}

// AnchorTimeSpans derives the pinned chapter-time span of each real anchor
// from the merged transcript.
func AnchorTimeSpans(sel []anchors.Candidate, merged *transcripts.Merged) []Span {
	asrRaw := make([]string, len(merged.Words))
	for i, w := range merged.Words {
		asrRaw[i] = w.Word
	}
	stream := anchors.NormalizeStream(asrRaw)

	var spans []Span
	for _, c := range sel {
		if c.NgramSize == 0 {
			continue
		}
		last := c.Ap + c.NgramSize - 1
		if c.Ap < 0 || last >= len(stream) {
			continue
		}
		spans = append(spans, Span{
			Start: merged.Words[stream[c.Ap].Orig].Start,
			End:   merged.Words[stream[last].Orig].End,
		})
	}
	sort.Slice(spans, func(i, j int) bool { return spans[i].Start < spans[j].Start })
	return spans
}

// NewStage builds the refine stage definition.
func NewStage(params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "refine",
		Dir:    "refine",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			return pipeline.ArtifactHashes(rt, map[string][2]string{
				"alignments": {"window-align", "index"},
				"timeline":   {"timeline", "silence"},
				"anchors":    {"anchors", "anchors"},
				"transcript": {"transcripts", "merged"},
				"windows":    {"windows", "windows"},
			})
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			tlPath, err := sc.ArtifactIn("timeline", "silence")
			if err != nil {
				return nil, err
			}
			tl, err := timeline.Load(tlPath)
			if err != nil {
				return nil, err
			}
			ancPath, err := sc.ArtifactIn("anchors", "anchors")
			if err != nil {
				return nil, err
			}
			anc, err := anchors.Load(ancPath)
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
			winPath, err := sc.ArtifactIn("windows", "windows")
			if err != nil {
				return nil, err
			}
			wart, err := windows.Load(winPath)
			if err != nil {
				return nil, err
			}

			raws, err := collectRaws(sc, wart)
			if err != nil {
				return nil, err
			}
			spans := AnchorTimeSpans(anc.Selected, merged)
			sentences := Refine(raws, tl.Events, spans, params)

			retention := OpeningRetention(merged.Words, sentences, 0, 10)
			stats := Stats{Sentences: len(sentences)}
			for _, s := range sentences {
				switch s.Source {
				case SourceSilenceStart:
					stats.Snapped++
				case SourcePreSnap:
					stats.PreSnaps++
				default:
					stats.NoSnaps++
				}
			}

			artifact := Artifact{
				Params:          params,
				Sentences:       sentences,
				OpeningSentinel: OpeningSentinel{Window: [2]float64{0, 10}, Retention: retention},
				Stats:           stats,
			}
			data, err := canonjson.MarshalIndent(artifact)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "sentences.json"), data, 0o644); err != nil {
				return nil, err
			}
			sc.Log.Info().
				Int("sentences", stats.Sentences).
				Int("snapped", stats.Snapped).
				Float64("openingRetention", retention).
				Msg("sentences refined")
			return map[string]string{"sentences": "sentences.json"}, nil
		},
	}
}

// collectRaws reads every per-window alignment, converts fragments to
// chapter time and produces one Raw per sentence, first window wins for
// sentences clipped across windows.
func collectRaws(sc *pipeline.StageContext, wart *windows.Artifact) ([]Raw, error) {
	alignDir := filepath.Join(sc.Runtime.WorkDir, "window-align")
	seen := map[int]bool{}
	var raws []Raw
	for _, w := range wart.Windows {
		path := filepath.Join(alignDir, w.ID+".aeneas.json")
		if _, err := os.Stat(path); err != nil {
			continue // unaligned window
		}
		wa, err := winalign.LoadWindow(path)
		if err != nil {
			return nil, err
		}
		frags := wa.ChapterFragments()
		if len(frags) != len(wa.Sentences) {
			return nil, pipeline.Errf(pipeline.KindArtifactCorruption,
				"window %s: %d fragments for %d sentences", wa.WindowID, len(frags), len(wa.Sentences))
		}
		for i, f := range frags {
			si := wa.Sentences[i]
			if seen[si] {
				continue
			}
			seen[si] = true
			raws = append(raws, Raw{SentenceIdx: si, Start: f.Begin, End: f.End})
		}
	}
	sort.Slice(raws, func(i, j int) bool {
		if raws[i].Start != raws[j].Start {
			return raws[i].Start < raws[j].Start
		}
		return raws[i].SentenceIdx < raws[j].SentenceIdx
	})
	return raws, nil
}
