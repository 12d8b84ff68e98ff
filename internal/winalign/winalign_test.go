package winalign

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"bookalign/internal/bookindex"
	"bookalign/internal/windows"
)

func TestClipFragmentsMonotoneAndBounded(t *testing.T) {
	frags := []Fragment{
		{Begin: -0.5, End: 2.0},
		{Begin: 1.5, End: 1.0}, // backtracks and inverts
		{Begin: 3.0, End: 99.0},
	}
	out := clipFragments(frags, 10.0)

	if out[0].Begin != 0 {
		t.Errorf("fragment 0 begin = %v, want clamp to 0", out[0].Begin)
	}
	// Fragment 1 may not start before fragment 0 ended.
	if out[1].Begin != 2.0 {
		t.Errorf("fragment 1 begin = %v, want 2.0", out[1].Begin)
	}
	if out[1].End < out[1].Begin {
		t.Errorf("fragment 1 inverted: %+v", out[1])
	}
	if out[2].End != 10.0 {
		t.Errorf("fragment 2 end = %v, want clamp to window", out[2].End)
	}
	for i := 1; i < len(out); i++ {
		if out[i].Begin < out[i-1].End {
			t.Errorf("fragments overlap at %d", i)
		}
	}
}

func TestClipFragmentsRoundsToSixDecimals(t *testing.T) {
	out := clipFragments([]Fragment{{Begin: 1.23456789, End: 2.000000049}}, 10)
	if out[0].Begin != 1.234568 {
		t.Errorf("begin = %v", out[0].Begin)
	}
	if out[0].End != 2.0 {
		t.Errorf("end = %v", out[0].End)
	}
}

func TestWindowLinesClipsToWindow(t *testing.T) {
	book := &bookindex.BookIndex{
		Totals: bookindex.Totals{Words: 6, Sentences: 2, Paragraphs: 1},
		Words: []bookindex.Word{
			{Text: "One", WordIndex: 0}, {Text: "two.", WordIndex: 1},
			{Text: "Three", WordIndex: 2}, {Text: "four", WordIndex: 3},
			{Text: "five", WordIndex: 4}, {Text: "six.", WordIndex: 5},
		},
		Sentences: []bookindex.Range{{Start: 0, End: 1}, {Start: 2, End: 5}},
	}
	w := windows.Window{BookStart: 1, BookEnd: 4}
	lines, idx := windowLines(book, w)
	if len(lines) != 2 {
		t.Fatalf("lines = %q", lines)
	}
	if lines[0] != "two." || idx[0] != 0 {
		t.Errorf("line 0 = %q (sentence %d)", lines[0], idx[0])
	}
	if lines[1] != "Three four" || idx[1] != 1 {
		t.Errorf("line 1 = %q (sentence %d)", lines[1], idx[1])
	}
}

func TestChapterFragmentsApplyOffset(t *testing.T) {
	wa := &WindowAlignment{
		OffsetSec: 120.5,
		Fragments: []Fragment{{Begin: 0, End: 2}, {Begin: 2.5, End: 4}},
	}
	cf := wa.ChapterFragments()
	if cf[0].Begin != 120.5 || cf[1].End != 124.5 {
		t.Errorf("chapter fragments = %+v", cf)
	}
}

func TestAlignTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done() // never answer
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Align(context.Background(), AlignRequest{ChunkID: "win_0001", TimeoutSec: 1})
	if err == nil {
		t.Fatal("expected timeout error")
	}
}

func TestAlignDecodesResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req AlignRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(AlignResponse{
			ChunkID:   req.ChunkID,
			Fragments: []Fragment{{Begin: 0, End: 1.5}},
			Tool:      map[string]string{"aeneas": "1.7.3"},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	resp, err := c.Align(context.Background(), AlignRequest{ChunkID: "win_0002", Lines: []string{"hello"}})
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if resp.ChunkID != "win_0002" || len(resp.Fragments) != 1 {
		t.Errorf("resp = %+v", resp)
	}
}
