package anchors

import (
	"context"
	"os"
	"path/filepath"

	"bookalign/internal/bookindex"
	"bookalign/internal/canonjson"
	"bookalign/internal/manifest"
	"bookalign/internal/pipeline"
	"bookalign/internal/transcripts"
)

// Meta identifies the inputs and rule tables behind an anchor artifact.
type Meta struct {
	BookHash         string `json:"bookHash"`
	AsrHash          string `json:"asrHash"`
	TokenizerVersion string `json:"tokenizerVersion"`
	StopwordsHash    string `json:"stopwordsHash"`
}

// Stats summarize a selection run.
type Stats struct {
	BookTokens   int    `json:"bookTokens"`
	AsrTokens    int    `json:"asrTokens"`
	Candidates   int    `json:"candidates"`
	Selected     int    `json:"selected"`
	SectionID    string `json:"sectionId,omitempty"`
	LocalizeMode string `json:"localizeMode,omitempty"`
}

// Artifact is anchors/anchors.json. Candidates are the pre-LIS pool;
// Selected is the monotone subset with the synthetic start sentinel first.
type Artifact struct {
	Meta       Meta          `json:"meta"`
	Params     Params        `json:"params"`
	Candidates []Candidate   `json:"candidates"`
	Selected   []Candidate   `json:"selected"`
	Loc        *Localization `json:"localization,omitempty"`
	Stats      Stats         `json:"stats"`
}

// Load reads and validates an anchor artifact.
func Load(path string) (*Artifact, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read anchors: %v", err)
	}
	var a Artifact
	if err := canonjson.Unmarshal(data, &a); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse anchors: %v", err)
	}
	for i := 1; i < len(a.Selected); i++ {
		if a.Selected[i].Bp <= a.Selected[i-1].Bp || a.Selected[i].Ap <= a.Selected[i-1].Ap {
			return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "selected anchors not monotone at %d", i)
		}
	}
	return &a, nil
}

// Select runs the full anchor pipeline over a book and a merged transcript.
func Select(book *bookindex.BookIndex, merged *transcripts.Merged, p Params) *Artifact {
	bookRaw := make([]string, len(book.Words))
	for i, w := range book.Words {
		bookRaw[i] = w.Text
	}
	asrRaw := make([]string, len(merged.Words))
	for i, w := range merged.Words {
		asrRaw[i] = w.Word
	}

	bookStream := NormalizeStream(bookRaw)
	asrStream := NormalizeStream(asrRaw)

	// Optional section localization restricts the book search window.
	var loc *Localization
	searchStream := bookStream
	offset := 0
	if p.Localize {
		loc = LocalizeSection(book, asrRaw)
		if loc != nil {
			lo, hi := 0, len(bookStream)
			for i, t := range bookStream {
				if t.Orig < loc.StartWord {
					lo = i + 1
				}
				if t.Orig <= loc.EndWord {
					hi = i + 1
				}
			}
			if lo < hi {
				searchStream = bookStream[lo:hi]
				offset = lo
			}
		}
	}

	candidates := Mine(searchStream, asrStream, p)
	for i := range candidates {
		candidates[i].Bp += offset
	}

	selected := SelectMonotone(candidates)

	// Synthetic start anchor at (0, 0), or at the section start when
	// localized. Real anchors that would tie the sentinel are dropped to
	// keep the selection strictly monotone.
	sentinel := Candidate{Bp: 0, Ap: 0, BpWordIndex: 0, NgramSize: 0}
	if loc != nil {
		sentinel.BpWordIndex = loc.StartWord
		sentinel.Bp = offset
	}
	withSentinel := make([]Candidate, 0, len(selected)+1)
	withSentinel = append(withSentinel, sentinel)
	for _, c := range selected {
		if c.Bp > sentinel.Bp && c.Ap > sentinel.Ap {
			withSentinel = append(withSentinel, c)
		}
	}

	stats := Stats{
		BookTokens: len(bookStream),
		AsrTokens:  len(asrStream),
		Candidates: len(candidates),
		Selected:   len(withSentinel),
	}
	if loc != nil {
		stats.SectionID = loc.SectionID
		stats.LocalizeMode = loc.Method
	}

	if candidates == nil {
		candidates = []Candidate{}
	}
	return &Artifact{
		Meta: Meta{
			TokenizerVersion: TokenizerVersion,
			StopwordsHash:    StopwordsHash(p.ExtraStopwords),
		},
		Params:     p,
		Candidates: candidates,
		Selected:   withSentinel,
		Loc:        loc,
		Stats:      stats,
	}
}

// NewStage builds the anchors stage definition. The book index is the
// external collaborator's artifact at the working-directory root.
func NewStage(params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "anchors",
		Dir:    "anchors",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			refs, err := pipeline.ArtifactHashes(rt, map[string][2]string{
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
			bookPath := filepath.Join(sc.Runtime.WorkDir, "book-index.json")
			book, err := bookindex.Load(bookPath)
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

			artifact := Select(book, merged, params)
			artifact.Meta.BookHash, _ = manifest.HashFile(bookPath)
			artifact.Meta.AsrHash, _ = manifest.HashFile(mergedPath)

			if artifact.Stats.Selected < 3 {
				// Sentinel plus fewer than two real anchors: downstream
				// coverage will be poor, but the stage itself succeeds and
				// validation gates the result.
				sc.Log.Warn().Int("selected", artifact.Stats.Selected).Msg("sparse anchor selection")
			}

			data, err := canonjson.MarshalIndent(artifact)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "anchors.json"), data, 0o644); err != nil {
				return nil, err
			}
			sc.Log.Info().
				Int("candidates", artifact.Stats.Candidates).
				Int("selected", artifact.Stats.Selected).
				Str("section", artifact.Stats.SectionID).
				Msg("anchors selected")
			return map[string]string{"anchors": "anchors.json"}, nil
		},
	}
}
