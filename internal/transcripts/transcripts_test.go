package transcripts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"bookalign/internal/chunks"
)

func TestMergeRebasesWordTimes(t *testing.T) {
	idx := &chunks.Index{Chunks: []chunks.Chunk{
		{ID: "ch_0001", Span: chunks.Span{Start: 0, End: 10.5}},
		{ID: "ch_0002", Span: chunks.Span{Start: 10.5, End: 21}},
	}}
	perChunk := map[string]*Transcript{
		"ch_0001": {ChunkID: "ch_0001", Text: "the black forest", Words: []Word{
			{Word: "the", Start: 0.1, End: 0.3},
			{Word: "black", Start: 0.4, End: 0.8},
			{Word: "forest", Start: 0.9, End: 1.5},
		}},
		"ch_0002": {ChunkID: "ch_0002", Text: "was dark", Words: []Word{
			{Word: "was", Start: 0.2, End: 0.4},
			{Word: "dark", Start: 0.5, End: 1.0},
		}},
	}

	m := Merge(idx, perChunk)
	if m.Text != "the black forest was dark" {
		t.Errorf("text = %q", m.Text)
	}
	if len(m.Words) != 5 {
		t.Fatalf("words = %d", len(m.Words))
	}
	// Second chunk's words are rebased by +10.5.
	if m.Words[3].Word != "was" || m.Words[3].Start != 10.7 {
		t.Errorf("word 3 = %+v", m.Words[3])
	}
	if m.Words[4].End != 11.5 {
		t.Errorf("word 4 end = %v", m.Words[4].End)
	}
	// Merged words are monotone in start time.
	for i := 1; i < len(m.Words); i++ {
		if m.Words[i].Start < m.Words[i-1].Start {
			t.Errorf("words out of order at %d", i)
		}
	}
}

func TestMergeSkipsMissingChunks(t *testing.T) {
	idx := &chunks.Index{Chunks: []chunks.Chunk{
		{ID: "ch_0001", Span: chunks.Span{Start: 0, End: 5}},
		{ID: "ch_0002", Span: chunks.Span{Start: 5, End: 10}},
	}}
	m := Merge(idx, map[string]*Transcript{
		"ch_0002": {ChunkID: "ch_0002", Text: "tail", Words: []Word{{Word: "tail", Start: 1, End: 2}}},
	})
	if len(m.Words) != 1 || m.Words[0].Start != 6 {
		t.Errorf("merged = %+v", m)
	}
}

func TestTranscribeRetriesRetryableStatus(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(Transcript{Text: "ok", Words: []Word{}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.BaseDelay = time.Millisecond
	c.MaxDelay = 2 * time.Millisecond

	got, err := c.Transcribe(context.Background(), TranscribeRequest{AudioPath: "/a.wav", Language: "en"})
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if got.Text != "ok" {
		t.Errorf("text = %q", got.Text)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestTranscribeNonRetryableIsFatal(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	c.BaseDelay = time.Millisecond
	if _, err := c.Transcribe(context.Background(), TranscribeRequest{}); err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls)
	}
}

func TestHealthFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "degraded"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	if err := c.Health(context.Background()); err == nil {
		t.Errorf("degraded health accepted")
	}
}
