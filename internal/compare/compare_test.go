package compare

import (
	"math"
	"testing"

	"bookalign/internal/anchors"
	"bookalign/internal/bookindex"
	"bookalign/internal/refine"
	"bookalign/internal/transcripts"
	"bookalign/internal/windows"
)

func TestWerTokens(t *testing.T) {
	tests := []struct {
		name string
		ref  []string
		hyp  []string
		want float64
	}{
		{"identical", []string{"the", "black", "forest"}, []string{"the", "black", "forest"}, 0},
		{"one substitution", []string{"the", "black", "forest"}, []string{"the", "dark", "forest"}, 1.0 / 3},
		{"one deletion", []string{"the", "black", "forest"}, []string{"the", "forest"}, 1.0 / 3},
		{"one insertion", []string{"the", "forest"}, []string{"the", "old", "forest"}, 0.5},
		{"empty both", nil, nil, 0},
		{"empty ref", nil, []string{"x"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := werTokens(tt.ref, tt.hyp); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("wer = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCerRunes(t *testing.T) {
	// "black" vs "block": one substitution over five characters.
	if got := cerRunes([]rune("black"), []rune("block")); math.Abs(got-0.2) > 1e-9 {
		t.Errorf("cer = %v, want 0.2", got)
	}
}

func TestWindowWERUsesLexicon(t *testing.T) {
	book := &bookindex.BookIndex{
		Totals: bookindex.Totals{Words: 3},
		Words: []bookindex.Word{
			{Text: "The", WordIndex: 0},
			{Text: "grey", WordIndex: 1},
			{Text: "theatre.", WordIndex: 2},
		},
	}
	start, end := 0.0, 5.0
	w := windows.Window{ID: "win_0001", BookStart: 0, BookEnd: 3, AsrStart: &start, AsrEnd: &end}
	merged := &transcripts.Merged{Words: []transcripts.Word{
		{Word: "the", Start: 0.5, End: 0.8},
		{Word: "gray", Start: 1.0, End: 1.4},
		{Word: "theater", Start: 2.0, End: 2.6},
	}}
	m := WindowWER(book, merged, w)
	// US/UK folding makes these identical.
	if m.WER != 0 {
		t.Errorf("wer = %v, want 0 after lexicon folding", m.WER)
	}
	if m.CER != 0 {
		t.Errorf("cer = %v, want 0", m.CER)
	}
}

func TestSeamCounters(t *testing.T) {
	merged := &transcripts.Merged{Words: []transcripts.Word{
		{Word: "night", Start: 4.5, End: 4.9},
		{Word: "night", Start: 5.6, End: 5.9}, // repeated across the seam
		{Word: "fell", Start: 6.0, End: 6.4},
	}}
	dups, omissions := SeamCounters(merged, []refine.Span{{Start: 5.0, End: 5.5}}, 0.5)
	if dups != 1 {
		t.Errorf("duplications = %d, want 1", dups)
	}
	if omissions != 0 {
		t.Errorf("omissions = %d, want 0", omissions)
	}

	// A word swallowed by the replaced span counts as an omission.
	merged2 := &transcripts.Merged{Words: []transcripts.Word{
		{Word: "deep", Start: 4.5, End: 4.9},
		{Word: "woods", Start: 5.1, End: 5.4}, // inside the seam
		{Word: "ahead", Start: 5.6, End: 6.0},
	}}
	dups2, omissions2 := SeamCounters(merged2, []refine.Span{{Start: 5.0, End: 5.5}}, 0.5)
	if dups2 != 0 || omissions2 != 1 {
		t.Errorf("counters = %d/%d, want 0/1", dups2, omissions2)
	}
}

func TestShortPhraseLossRate(t *testing.T) {
	book := &bookindex.BookIndex{
		Sentences: []bookindex.Range{
			{Start: 0, End: 1},  // 2 words: short
			{Start: 2, End: 10}, // long
			{Start: 11, End: 12}, // 2 words: short
		},
	}
	sentences := []refine.Sentence{{ID: 0, Start: 0, End: 1}}
	// One of two short phrases is missing.
	if got := ShortPhraseLossRate(book, sentences, 4); got != 0.5 {
		t.Errorf("loss rate = %v, want 0.5", got)
	}
	if got := ShortPhraseLossRate(&bookindex.BookIndex{}, nil, 4); got != 0 {
		t.Errorf("loss rate on empty book = %v", got)
	}
}

func TestAnchorDriftPercentiles(t *testing.T) {
	// One sentence of five words at [10, 15]; the anchor sits on word 2 of
	// the sentence, so its aligned estimate is 10 + 2/5*5 = 12. The ASR
	// word time is 11.6: drift 0.4.
	book := &bookindex.BookIndex{
		Totals: bookindex.Totals{Words: 5},
		Words: []bookindex.Word{
			{Text: "alpha", WordIndex: 0, SentenceIndex: 0},
			{Text: "bravo", WordIndex: 1, SentenceIndex: 0},
			{Text: "charlie", WordIndex: 2, SentenceIndex: 0},
			{Text: "delta", WordIndex: 3, SentenceIndex: 0},
			{Text: "echo", WordIndex: 4, SentenceIndex: 0},
		},
		Sentences: []bookindex.Range{{Start: 0, End: 4}},
	}
	merged := &transcripts.Merged{Words: []transcripts.Word{
		{Word: "alpha", Start: 10.1, End: 10.5},
		{Word: "bravo", Start: 10.9, End: 11.3},
		{Word: "charlie", Start: 11.6, End: 12.1},
	}}
	sel := []anchors.Candidate{
		{Bp: 0, Ap: 0, BpWordIndex: 0, NgramSize: 0}, // sentinel: ignored
		{Bp: 2, Ap: 2, BpWordIndex: 2, NgramSize: 1},
	}
	sentences := []refine.Sentence{{ID: 0, Start: 10, End: 15}}

	p50, p95 := AnchorDrift(book, merged, sel, sentences)
	if math.Abs(p50-0.4) > 1e-6 || math.Abs(p95-0.4) > 1e-6 {
		t.Errorf("drift p50/p95 = %v/%v, want 0.4/0.4", p50, p95)
	}

	// No real anchors: both percentiles are zero.
	p50, p95 = AnchorDrift(book, merged, sel[:1], sentences)
	if p50 != 0 || p95 != 0 {
		t.Errorf("empty drift = %v/%v", p50, p95)
	}
}
