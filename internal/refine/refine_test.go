package refine

import (
	"testing"

	"bookalign/internal/media"
	"bookalign/internal/transcripts"
)

func ev(start, end float64) media.SilenceEvent {
	return media.SilenceEvent{Start: start, End: end, Duration: end - start, Mid: (start + end) / 2}
}

// A raw end at 5.0 with silences (5.2,5.5), (5.8,5.9), (6.1,6.3) and the
// next sentence starting at 6.0 snaps to 5.2: the 0.1s event fails the
// minimum duration, the 6.1 event lies past the next start.
func TestRefineSnapsToEarliestQualifyingSilence(t *testing.T) {
	raws := []Raw{
		{SentenceIdx: 0, Start: 2.0, End: 5.0},
		{SentenceIdx: 1, Start: 6.0, End: 9.0},
	}
	events := []media.SilenceEvent{ev(5.2, 5.5), ev(5.8, 5.9), ev(6.1, 6.3)}
	p := DefaultParams()
	p.MinSilenceDurSec = 0.12

	out := Refine(raws, events, nil, p)
	if out[0].End != 5.2 || out[0].Source != SourceSilenceStart {
		t.Errorf("sentence 0 = %+v, want end 5.2 via %s", out[0], SourceSilenceStart)
	}
}

func TestRefineNoQualifyingSilenceKeepsRawEnd(t *testing.T) {
	raws := []Raw{
		{SentenceIdx: 0, Start: 2.0, End: 5.0},
		{SentenceIdx: 1, Start: 6.0, End: 9.0},
	}
	// Only short or out-of-range events.
	events := []media.SilenceEvent{ev(5.2, 5.25), ev(6.5, 7.0)}
	p := DefaultParams()
	p.MinSilenceDurSec = 0.12

	out := Refine(raws, events, nil, p)
	if out[0].End != 5.0 || out[0].Source != SourceNoSnap {
		t.Errorf("sentence 0 = %+v, want raw end via %s", out[0], SourceNoSnap)
	}
}

// Refined sentences [(2.0,5.0),(6.0,9.0)] with silence (5.2,5.5) produce
// [(2.0,5.2),(6.0,9.0)].
func TestRefineEndToEndPair(t *testing.T) {
	raws := []Raw{
		{SentenceIdx: 0, Start: 2.0, End: 5.0},
		{SentenceIdx: 1, Start: 6.0, End: 9.0},
	}
	out := Refine(raws, []media.SilenceEvent{ev(5.2, 5.5)}, nil, DefaultParams())
	if out[0].Start != 2.0 || out[0].End != 5.2 {
		t.Errorf("sentence 0 = %+v", out[0])
	}
	if out[1].Start != 6.0 || out[1].End != 9.0 {
		t.Errorf("sentence 1 = %+v", out[1])
	}
}

func TestRefinePreSnapInsideSilence(t *testing.T) {
	// The raw end falls inside a long silence: pull back to its onset.
	raws := []Raw{{SentenceIdx: 0, Start: 1.0, End: 4.3}}
	out := Refine(raws, []media.SilenceEvent{ev(4.0, 4.6)}, nil, DefaultParams())
	if out[0].End != 4.0 || out[0].Source != SourcePreSnap {
		t.Errorf("sentence = %+v", out[0])
	}
}

func TestRefineShortPhraseGuardSkipsSnapping(t *testing.T) {
	raws := []Raw{{SentenceIdx: 0, Start: 1.0, End: 1.2}}
	p := DefaultParams()
	p.ShortPhraseGuardS = 0.35
	out := Refine(raws, []media.SilenceEvent{ev(1.3, 2.0)}, nil, p)
	if out[0].End != 1.2 || out[0].Source != SourceNoSnap {
		t.Errorf("short phrase was snapped: %+v", out[0])
	}
}

func TestRefineEnforcesMonotoneNonOverlap(t *testing.T) {
	// The aligner produced overlapping raw spans; the constraint pass must
	// separate them.
	raws := []Raw{
		{SentenceIdx: 0, Start: 1.0, End: 5.2},
		{SentenceIdx: 1, Start: 5.0, End: 8.0},
	}
	out := Refine(raws, nil, nil, DefaultParams())
	if out[0].End >= out[1].Start {
		t.Errorf("overlap: %+v then %+v", out[0], out[1])
	}
	for i := range out {
		if out[i].End < out[i].Start+0.05 {
			t.Errorf("sentence %d shorter than minimum: %+v", i, out[i])
		}
	}
}

func TestRefineRespectsAnchorSpans(t *testing.T) {
	raws := []Raw{
		{SentenceIdx: 0, Start: 1.0, End: 4.0},
		{SentenceIdx: 1, Start: 5.5, End: 8.0},
	}
	// A pinned anchor at [3.8, 4.4]: neither boundary may fall inside it.
	spansIn := []Span{{Start: 3.8, End: 4.4}}
	out := Refine(raws, nil, spansIn, DefaultParams())
	for _, s := range out {
		for _, a := range spansIn {
			if s.Start > a.Start && s.Start < a.End {
				t.Errorf("start %v inside anchor span", s.Start)
			}
			if s.End > a.Start && s.End < a.End {
				t.Errorf("end %v inside anchor span", s.End)
			}
		}
	}
	if out[0].End != 3.8 {
		t.Errorf("end = %v, want clamp to anchor start 3.8", out[0].End)
	}
}

func TestOpeningRetention(t *testing.T) {
	words := []transcripts.Word{
		{Word: "a", Start: 0.5, End: 0.9},
		{Word: "b", Start: 1.0, End: 1.4},
		{Word: "c", Start: 8.0, End: 8.4},
		{Word: "d", Start: 11.0, End: 11.4}, // outside the window
	}
	sentences := []Sentence{{Start: 0.4, End: 1.5}, {Start: 7.0, End: 9.0}}
	if got := OpeningRetention(words, sentences, 0, 10); got != 1.0 {
		t.Errorf("retention = %v, want 1.0", got)
	}

	// Dropping the sentence that held word c loses a third.
	if got := OpeningRetention(words, sentences[:1], 0, 10); got < 0.66 || got > 0.67 {
		t.Errorf("retention = %v, want 2/3", got)
	}

	if got := OpeningRetention(nil, sentences, 0, 10); got != 1.0 {
		t.Errorf("empty window retention = %v, want 1.0", got)
	}
}
