// Package compare computes the quantitative QA metrics: window-scoped WER
// and CER, seam duplication/omission counters, anchor drift percentiles,
// opening retention and short-phrase loss.
package compare

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"bookalign/internal/anchors"
	"bookalign/internal/bookindex"
	"bookalign/internal/canonjson"
	"bookalign/internal/pipeline"
	"bookalign/internal/refine"
	"bookalign/internal/transcripts"
	"bookalign/internal/windows"
)

// Params configure comparison.
type Params struct {
	// ShortPhraseMaxWords is the sentence length that counts as a "short
	// phrase" for loss-rate purposes.
	ShortPhraseMaxWords int `json:"shortPhraseMaxWords"`
	// SeamContextSec bounds how far around a seam tokens are examined.
	SeamContextSec float64 `json:"seamContextSec"`
}

// DefaultParams treat up to four words as a short phrase.
func DefaultParams() Params {
	return Params{ShortPhraseMaxWords: 4, SeamContextSec: 0.5}
}

// WindowMetrics is one per-window row.
type WindowMetrics struct {
	WindowID string  `json:"windowId"`
	WER      float64 `json:"wer"`
	CER      float64 `json:"cer"`
	RefWords int     `json:"refWords"`
	HypWords int     `json:"hypWords"`
}

// SentenceMetrics is one per-sentence row.
type SentenceMetrics struct {
	ID      int     `json:"id"`
	Words   int     `json:"words"`
	Aligned bool    `json:"aligned"`
	Start   float64 `json:"start,omitempty"`
	End     float64 `json:"end,omitempty"`
}

// Report is script-compare/report.json.
type Report struct {
	Params              Params            `json:"params"`
	WER                 float64           `json:"wer"`
	CER                 float64           `json:"cer"`
	OpeningRetention    float64           `json:"openingRetention0_10s"`
	ShortPhraseLossRate float64           `json:"shortPhraseLossRate"`
	SeamDuplications    int               `json:"seamDuplications"`
	SeamOmissions       int               `json:"seamOmissions"`
	AnchorCoverage      float64           `json:"anchorCoverage"`
	AnchorDriftP50      float64           `json:"anchorDriftP50"`
	AnchorDriftP95      float64           `json:"anchorDriftP95"`
	Windows             []WindowMetrics   `json:"windows"`
	Sentences           []SentenceMetrics `json:"sentences"`
}

// LoadReport reads a comparison report artifact.
func LoadReport(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read comparison report: %v", err)
	}
	var r Report
	if err := canonjson.Unmarshal(data, &r); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse comparison report: %v", err)
	}
	return &r, nil
}

// normalizeTokens applies the comparison lexicon (the anchor tokenizer's
// fold, which carries the versioned US/UK and confusion tables) and drops
// empty results.
func normalizeTokens(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		t := anchors.Fold(w)
		if t == "" {
			continue
		}
		out = append(out, t)
	}
	return out
}

// WindowWER computes per-window WER/CER: the book words inside the window
// against the ASR words whose midpoints fall inside the window's time span.
func WindowWER(book *bookindex.BookIndex, merged *transcripts.Merged, w windows.Window) WindowMetrics {
	var refRaw []string
	for i := w.BookStart; i < w.BookEnd && i < len(book.Words); i++ {
		refRaw = append(refRaw, book.Words[i].Text)
	}
	var hypRaw []string
	if w.AsrStart != nil && w.AsrEnd != nil {
		for _, word := range merged.Words {
			mid := (word.Start + word.End) / 2
			if mid >= *w.AsrStart && mid < *w.AsrEnd {
				hypRaw = append(hypRaw, word.Word)
			}
		}
	}
	ref := normalizeTokens(refRaw)
	hyp := normalizeTokens(hypRaw)
	return WindowMetrics{
		WindowID: w.ID,
		WER:      werTokens(ref, hyp),
		CER:      cerRunes([]rune(strings.Join(ref, "")), []rune(strings.Join(hyp, ""))),
		RefWords: len(ref),
		HypWords: len(hyp),
	}
}

// SeamCounters inspects the merged transcript around each replaced span:
// a duplication is the same normalized token ending just before the seam
// and starting just after it; an omission is any word whose midpoint was
// inside the replaced span.
func SeamCounters(merged *transcripts.Merged, seams []refine.Span, contextSec float64) (dups, omissions int) {
	for _, s := range seams {
		var before, after string
		for _, w := range merged.Words {
			mid := (w.Start + w.End) / 2
			switch {
			case mid > s.Start-contextSec && mid <= s.Start:
				before = anchors.Fold(w.Word)
			case mid > s.Start && mid < s.End:
				omissions++
			case mid >= s.End && mid < s.End+contextSec && after == "":
				after = anchors.Fold(w.Word)
			}
		}
		if before != "" && before == after {
			dups++
		}
	}
	return dups, omissions
}

// AnchorDrift measures, for each real anchor, the delta between the refined
// sentence timing at the anchor's book word and the ASR time of the
// anchor's token. Returns p50 and p95 over all anchors (0, 0 when none).
func AnchorDrift(book *bookindex.BookIndex, merged *transcripts.Merged, sel []anchors.Candidate, sentences []refine.Sentence) (p50, p95 float64) {
	asrRaw := make([]string, len(merged.Words))
	for i, w := range merged.Words {
		asrRaw[i] = w.Word
	}
	stream := anchors.NormalizeStream(asrRaw)

	byID := map[int]refine.Sentence{}
	for _, s := range sentences {
		byID[s.ID] = s
	}

	var drifts []float64
	for _, c := range sel {
		if c.NgramSize == 0 || c.Ap < 0 || c.Ap >= len(stream) {
			continue
		}
		asrTime := merged.Words[stream[c.Ap].Orig].Start
		if c.BpWordIndex >= len(book.Words) {
			continue
		}
		si := book.Words[c.BpWordIndex].SentenceIndex
		s, ok := byID[si]
		if !ok {
			continue
		}
		r := book.Sentences[si]
		frac := 0.0
		if r.End > r.Start {
			frac = float64(c.BpWordIndex-r.Start) / float64(r.End-r.Start+1)
		}
		aligned := s.Start + frac*(s.End-s.Start)
		d := aligned - asrTime
		if d < 0 {
			d = -d
		}
		drifts = append(drifts, d)
	}
	if len(drifts) == 0 {
		return 0, 0
	}
	sort.Float64s(drifts)
	p50 = stat.Quantile(0.5, stat.Empirical, drifts, nil)
	p95 = stat.Quantile(0.95, stat.Empirical, drifts, nil)
	return p50, p95
}

// ShortPhraseLossRate is the fraction of short book sentences (at most
// maxWords words) with no refined sentence span.
func ShortPhraseLossRate(book *bookindex.BookIndex, sentences []refine.Sentence, maxWords int) float64 {
	present := map[int]bool{}
	for _, s := range sentences {
		present[s.ID] = true
	}
	total, lost := 0, 0
	for i, r := range book.Sentences {
		words := r.End - r.Start + 1
		if words > maxWords {
			continue
		}
		total++
		if !present[i] {
			lost++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(lost) / float64(total)
}

// NewStage builds the script-compare stage definition.
func NewStage(params Params) *pipeline.Stage {
	return &pipeline.Stage{
		Name:   "script-compare",
		Dir:    "script-compare",
		Params: params,
		Inputs: func(ctx context.Context, rt *pipeline.Runtime) (map[string]string, error) {
			refs, err := pipeline.ArtifactHashes(rt, map[string][2]string{
				"segments":   {"collate", "segments"},
				"map":        {"collate", "map"},
				"windows":    {"windows", "windows"},
				"anchors":    {"anchors", "anchors"},
				"transcript": {"transcripts", "merged"},
				"sentences":  {"refine", "sentences"},
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
			ancPath, err := sc.ArtifactIn("anchors", "anchors")
			if err != nil {
				return nil, err
			}
			anc, err := anchors.Load(ancPath)
			if err != nil {
				return nil, err
			}
			refPath, err := sc.ArtifactIn("refine", "sentences")
			if err != nil {
				return nil, err
			}
			refined, err := refine.Load(refPath)
			if err != nil {
				return nil, err
			}
			mapPath, err := sc.ArtifactIn("collate", "map")
			if err != nil {
				return nil, err
			}
			seamSpans, err := loadSeamSpans(mapPath)
			if err != nil {
				return nil, err
			}

			report := BuildReport(book, merged, wart, anc, refined, seamSpans, params)

			data, err := canonjson.MarshalIndent(report)
			if err != nil {
				return nil, err
			}
			if err := os.WriteFile(filepath.Join(sc.StagingDir, "report.json"), data, 0o644); err != nil {
				return nil, err
			}
			if err := writeWindowMap(filepath.Join(sc.StagingDir, "map.jsonl"), report.Windows); err != nil {
				return nil, err
			}

			sc.Log.Info().
				Float64("wer", report.WER).
				Float64("cer", report.CER).
				Int("seamDuplications", report.SeamDuplications).
				Int("seamOmissions", report.SeamOmissions).
				Msg("comparison complete")
			return map[string]string{"report": "report.json", "map": "map.jsonl"}, nil
		},
	}
}

// BuildReport assembles the full report from loaded artifacts.
func BuildReport(book *bookindex.BookIndex, merged *transcripts.Merged, wart *windows.Artifact, anc *anchors.Artifact, refined *refine.Artifact, seamSpans []refine.Span, params Params) *Report {
	report := &Report{Params: params, Windows: []WindowMetrics{}, Sentences: []SentenceMetrics{}}

	var refAll, hypAll []string
	for _, w := range wart.Windows {
		wm := WindowWER(book, merged, w)
		report.Windows = append(report.Windows, wm)
		for i := w.BookStart; i < w.BookEnd && i < len(book.Words); i++ {
			refAll = append(refAll, book.Words[i].Text)
		}
		if w.AsrStart != nil && w.AsrEnd != nil {
			for _, word := range merged.Words {
				mid := (word.Start + word.End) / 2
				if mid >= *w.AsrStart && mid < *w.AsrEnd {
					hypAll = append(hypAll, word.Word)
				}
			}
		}
	}
	ref := normalizeTokens(refAll)
	hyp := normalizeTokens(hypAll)
	report.WER = werTokens(ref, hyp)
	report.CER = cerRunes([]rune(strings.Join(ref, "")), []rune(strings.Join(hyp, "")))

	report.SeamDuplications, report.SeamOmissions = SeamCounters(merged, seamSpans, params.SeamContextSec)
	report.AnchorCoverage = wart.Meta.Coverage
	report.AnchorDriftP50, report.AnchorDriftP95 = AnchorDrift(book, merged, anc.Selected, refined.Sentences)
	report.OpeningRetention = refine.OpeningRetention(merged.Words, refined.Sentences, 0, 10)
	report.ShortPhraseLossRate = ShortPhraseLossRate(book, refined.Sentences, params.ShortPhraseMaxWords)

	present := map[int]refine.Sentence{}
	for _, s := range refined.Sentences {
		present[s.ID] = s
	}
	for i, r := range book.Sentences {
		sm := SentenceMetrics{ID: i, Words: r.End - r.Start + 1}
		if s, ok := present[i]; ok {
			sm.Aligned = true
			sm.Start = s.Start
			sm.End = s.End
		}
		report.Sentences = append(report.Sentences, sm)
	}
	return report
}

// loadSeamSpans extracts replaced spans from collate/map.json.
func loadSeamSpans(path string) ([]refine.Span, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read seam map: %v", err)
	}
	var doc struct {
		Seams []struct {
			Ta float64 `json:"ta"`
			Tb float64 `json:"tb"`
		} `json:"seams"`
	}
	if err := canonjson.Unmarshal(data, &doc); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse seam map: %v", err)
	}
	spans := make([]refine.Span, len(doc.Seams))
	for i, s := range doc.Seams {
		spans[i] = refine.Span{Start: s.Ta, End: s.Tb}
	}
	return spans, nil
}

// writeWindowMap emits one JSON line per window.
func writeWindowMap(path string, rows []WindowMetrics) error {
	var sb strings.Builder
	for _, row := range rows {
		line, err := canonjson.Marshal(row)
		if err != nil {
			return err
		}
		sb.Write(line)
		sb.WriteByte('\n')
	}
	return os.WriteFile(path, []byte(sb.String()), 0o644)
}
