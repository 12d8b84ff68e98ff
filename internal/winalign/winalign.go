// Package winalign forces-aligns the book text inside each anchor-bounded
// window against the window's slice of the chapter audio. Anchor boundaries
// are immutable: fragments are clipped so they can neither cross them nor
// backtrack.
package winalign

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"bookalign/internal/bookindex"
	"bookalign/internal/canonjson"
	"bookalign/internal/media"
	"bookalign/internal/pipeline"
	"bookalign/internal/windows"
)

// Params configure window alignment.
type Params struct {
	Language   string `json:"language"`
	TimeoutSec int    `json:"timeoutSec"`
}

// DefaultParams align English with the service default timeout.
func DefaultParams() Params {
	return Params{Language: "en", TimeoutSec: 600}
}

// WindowAlignment is window-align/<windowId>.aeneas.json. Fragment times are
// window-relative; chapter time is begin+OffsetSec.
type WindowAlignment struct {
	WindowID     string            `json:"windowId"`
	OffsetSec    float64           `json:"offsetSec"`
	Language     string            `json:"language"`
	TextDigest   string            `json:"textDigest"`
	Fragments    []Fragment        `json:"fragments"`
	Sentences    []int             `json:"sentences"` // sentence index per fragment
	ToolVersions map[string]string `json:"toolVersions,omitempty"`
	GeneratedAt  string            `json:"generatedAt,omitempty"`
}

// LoadWindow reads one per-window alignment artifact.
func LoadWindow(path string) (*WindowAlignment, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read window alignment: %v", err)
	}
	var a WindowAlignment
	if err := canonjson.Unmarshal(data, &a); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse window alignment: %v", err)
	}
	return &a, nil
}

// windowLines collects the sentences intersecting [BookStart, BookEnd),
// clipped to the window's words. Returns parallel line texts and sentence
// indices.
func windowLines(book *bookindex.BookIndex, w windows.Window) ([]string, []int) {
	var lines []string
	var sentenceIdx []int
	for si, r := range book.Sentences {
		if r.End < w.BookStart || r.Start >= w.BookEnd {
			continue
		}
		lo, hi := r.Start, r.End
		if lo < w.BookStart {
			lo = w.BookStart
		}
		if hi >= w.BookEnd {
			hi = w.BookEnd - 1
		}
		var sb strings.Builder
		for i := lo; i <= hi; i++ {
			if sb.Len() > 0 {
				sb.WriteByte(' ')
			}
			sb.WriteString(book.Words[i].Text)
		}
		if sb.Len() == 0 {
			continue
		}
		lines = append(lines, sb.String())
		sentenceIdx = append(sentenceIdx, si)
	}
	return lines, sentenceIdx
}

// round6 rounds to the artifact's six-decimal time precision.
func round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// clipFragments enforces the hard-monotone / anchors-immutable contract:
// times are clamped into [0, windowDur], never decrease across fragments,
// and each fragment keeps end >= begin.
func clipFragments(frags []Fragment, windowDur float64) []Fragment {
	out := make([]Fragment, len(frags))
	cursor := 0.0
	for i, f := range frags {
		b, e := round6(f.Begin), round6(f.End)
		if b < cursor {
			b = cursor
		}
		if windowDur > 0 && b > windowDur {
			b = windowDur
		}
		if e < b {
			e = b
		}
		if windowDur > 0 && e > windowDur {
			e = windowDur
		}
		out[i] = Fragment{Begin: b, End: e}
		cursor = e
	}
	return out
}

func textDigest(lines []string) string {
	sum := sha256.Sum256([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(sum[:8])
}

// NewStage builds the window-align stage definition.
func NewStage(client *Client, tool *media.Tool, params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "window-align",
		Dir:    "window-align",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			refs, err := pipeline.ArtifactHashes(rt, map[string][2]string{
				"windows": {"windows", "windows"},
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
		Tools: func(ctx context.Context) (map[string]string, error) {
			versions, err := client.Version(ctx)
			if err != nil {
				return nil, err
			}
			ff, err := tool.Version(ctx)
			if err != nil {
				return nil, pipeline.Wrap(pipeline.KindToolVersionUnknown, err)
			}
			versions["ffmpeg"] = ff
			return versions, nil
		},
		Run: func(ctx context.Context, sc *pipeline.StageContext) (map[string]string, error) {
			if err := client.Health(ctx); err != nil {
				return nil, err
			}
			book, err := bookindex.Load(filepath.Join(sc.Runtime.WorkDir, "book-index.json"))
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

			input := sc.Runtime.Manifest.Input
			sliceDir := filepath.Join(sc.StagingDir, "audio")
			if err := os.MkdirAll(sliceDir, 0o755); err != nil {
				return nil, err
			}

			artifacts := make(map[string]string)
			type result struct {
				id   string
				file string
			}
			results := make([]result, len(wart.Windows))

			err = pipeline.ForEach(ctx, sc.Runtime.Jobs, len(wart.Windows), func(ctx context.Context, i int) error {
				w := wart.Windows[i]
				if w.AsrStart == nil || w.AsrEnd == nil || *w.AsrEnd <= *w.AsrStart {
					// Unanchored window: no audio scope to align against.
					return nil
				}
				lines, sentenceIdx := windowLines(book, w)
				if len(lines) == 0 {
					return nil
				}

				offset := *w.AsrStart
				windowDur := *w.AsrEnd - offset
				audio := filepath.Join(sliceDir, w.ID+".wav")
				if err := tool.Cut(ctx, input.Path, audio, offset, *w.AsrEnd); err != nil {
					return pipeline.Wrap(pipeline.KindToolNotFound, err)
				}

				resp, err := client.Align(ctx, AlignRequest{
					ChunkID:    w.ID,
					AudioPath:  media.NormalizePath(audio),
					Lines:      lines,
					Language:   params.Language,
					TimeoutSec: params.TimeoutSec,
				})
				if err != nil {
					return err
				}
				if len(resp.Fragments) != len(lines) {
					return pipeline.Errf(pipeline.KindArtifactCorruption,
						"aligner returned %d fragments for %d lines in %s", len(resp.Fragments), len(lines), w.ID)
				}

				wa := WindowAlignment{
					WindowID:     w.ID,
					OffsetSec:    round6(offset),
					Language:     params.Language,
					TextDigest:   textDigest(lines),
					Fragments:    clipFragments(resp.Fragments, windowDur),
					Sentences:    sentenceIdx,
					ToolVersions: resp.Tool,
					GeneratedAt:  resp.GeneratedAt,
				}
				data, err := canonjson.MarshalIndent(wa)
				if err != nil {
					return err
				}
				file := w.ID + ".aeneas.json"
				if err := os.WriteFile(filepath.Join(sc.StagingDir, file), data, 0o644); err != nil {
					return err
				}
				results[i] = result{id: w.ID, file: file}
				return nil
			})
			if err != nil {
				return nil, err
			}

			// Window audio slices are scratch, not artifacts.
			if err := os.RemoveAll(sliceDir); err != nil {
				return nil, err
			}

			var aligned []string
			for _, r := range results {
				if r.id == "" {
					continue
				}
				artifacts[r.id] = r.file
				aligned = append(aligned, r.id)
			}
			sort.Strings(aligned)
			indexData, err := canonjson.MarshalIndent(map[string]any{"windows": aligned})
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "index.json"), indexData, 0o644); err != nil {
				return nil, err
			}
			artifacts["index"] = "index.json"
			sc.Log.Info().Int("aligned", len(aligned)).Int("windows", len(wart.Windows)).Msg("window alignment complete")
			return artifacts, nil
		},
	}
}

// ChapterFragments converts a window alignment to chapter time.
func (wa *WindowAlignment) ChapterFragments() []Fragment {
	out := make([]Fragment, len(wa.Fragments))
	for i, f := range wa.Fragments {
		out[i] = Fragment{Begin: round6(f.Begin + wa.OffsetSec), End: round6(f.End + wa.OffsetSec)}
	}
	return out
}
