package bookindex

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleText = `Chapter 1: The Storm

The black forest was dark. Mr. Finch walked on! "Where now?" he asked.

Epilogue

It ended quietly.
`

func writeManuscript(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestBuildTextManuscript(t *testing.T) {
	path := writeManuscript(t, "book.txt", sampleText)
	b, err := Build(path, BuildOptions{Title: "Test"})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := b.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	if len(b.Sections) != 2 {
		t.Fatalf("sections = %d: %+v", len(b.Sections), b.Sections)
	}
	if b.Sections[0].Kind != "chapter" || b.Sections[0].Title != "Chapter 1: The Storm" {
		t.Errorf("section 0 = %+v", b.Sections[0])
	}
	if b.Sections[1].Kind != "epilogue" {
		t.Errorf("section 1 kind = %q", b.Sections[1].Kind)
	}

	// "Mr. Finch walked on!" must be one sentence despite the abbreviation.
	foundAbbrev := false
	for i := range b.Sentences {
		if b.SentenceText(i) == "Mr. Finch walked on!" {
			foundAbbrev = true
		}
	}
	if !foundAbbrev {
		sentences := make([]string, len(b.Sentences))
		for i := range b.Sentences {
			sentences[i] = b.SentenceText(i)
		}
		t.Errorf("abbreviation split a sentence; got %q", sentences)
	}

	// Word text is exact and unnormalized. The heading "Chapter 1: The
	// Storm" contributes four words; the body starts at word 4.
	if b.Words[4].Text != "The" {
		t.Errorf("first body word = %q", b.Words[4].Text)
	}
	if b.Sections[0].EndWord != b.Sections[1].StartWord-1 {
		t.Errorf("section 0 does not run to the next heading: %+v", b.Sections)
	}
}

func TestBuildMarkdownManuscript(t *testing.T) {
	md := "# Chapter 2\n\nA quiet morning. Birds sang.\n\nThen *rain* came down.\n"
	path := writeManuscript(t, "book.md", md)
	b, err := Build(path, BuildOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(b.Sections) != 1 || b.Sections[0].Kind != "chapter" {
		t.Fatalf("sections = %+v", b.Sections)
	}
	if len(b.Paragraphs) != 3 {
		t.Fatalf("paragraphs = %d", len(b.Paragraphs))
	}
	if b.Paragraphs[0].Kind != KindHeading || b.Paragraphs[0].Style != "Heading1" {
		t.Errorf("heading paragraph = %+v", b.Paragraphs[0])
	}
	// Emphasis markers are stripped; the word text is "rain".
	found := false
	for _, w := range b.Words {
		if w.Text == "rain" {
			found = true
		}
	}
	if !found {
		t.Errorf("markdown inline formatting broke word extraction")
	}
}

func TestBuildRejectsRichFormats(t *testing.T) {
	path := writeManuscript(t, "book.docx", "binary")
	if _, err := Build(path, BuildOptions{}); err == nil {
		t.Errorf("docx accepted by the plain indexer")
	}
}

func TestValidateCatchesPartitionGaps(t *testing.T) {
	b := &BookIndex{
		Totals: Totals{Words: 2, Sentences: 1, Paragraphs: 1},
		Words: []Word{
			{Text: "a", WordIndex: 0},
			{Text: "b", WordIndex: 1},
		},
		Sentences:  []Range{{Start: 0, End: 0}}, // word 1 uncovered
		Paragraphs: []Paragraph{{Range: Range{Start: 0, End: 1}, Kind: KindBody, Style: "Normal"}},
	}
	if err := b.Validate(); err == nil {
		t.Errorf("sentence gap not detected")
	}
	b.Sentences = []Range{{Start: 0, End: 1}}
	if err := b.Validate(); err != nil {
		t.Errorf("valid index rejected: %v", err)
	}
}

func TestValidateCatchesOverlappingSections(t *testing.T) {
	b := &BookIndex{
		Totals: Totals{Words: 4, Sentences: 1, Paragraphs: 1},
		Words: []Word{
			{Text: "a", WordIndex: 0}, {Text: "b", WordIndex: 1},
			{Text: "c", WordIndex: 2}, {Text: "d", WordIndex: 3},
		},
		Sentences:  []Range{{Start: 0, End: 3}},
		Paragraphs: []Paragraph{{Range: Range{Start: 0, End: 3}, Kind: KindBody, Style: "Normal"}},
		Sections: []Section{
			{ID: "sec-001", StartWord: 0, EndWord: 2},
			{ID: "sec-002", StartWord: 2, EndWord: 3},
		},
	}
	if err := b.Validate(); err == nil {
		t.Errorf("overlapping sections not detected")
	}
}

func TestEstimatedDuration(t *testing.T) {
	path := writeManuscript(t, "book.txt", "One two three four five.")
	b, err := Build(path, BuildOptions{WordsPerMinute: 150})
	if err != nil {
		t.Fatal(err)
	}
	// 5 words at 150 wpm = 2 seconds.
	if b.Totals.EstimatedDurationSec != 2 {
		t.Errorf("estimated duration = %v", b.Totals.EstimatedDurationSec)
	}
}

func TestPopulatePhonemes(t *testing.T) {
	path := writeManuscript(t, "book.txt", "The church rang.")
	b, err := Build(path, BuildOptions{})
	if err != nil {
		t.Fatal(err)
	}
	n := b.PopulatePhonemes()
	if n != 3 {
		t.Errorf("populated %d words, want 3", n)
	}
	var church []string
	for _, w := range b.Words {
		if w.Text == "church" {
			church = w.Phonemes
		}
	}
	// ch-u-r-ch folds both digraphs.
	want := []string{"CH", "U", "R", "CH"}
	if len(church) != len(want) {
		t.Fatalf("church phonemes = %v", church)
	}
	for i := range want {
		if church[i] != want[i] {
			t.Errorf("phoneme %d = %q, want %q", i, church[i], want[i])
		}
	}
	// Idempotent: second call touches nothing.
	if again := b.PopulatePhonemes(); again != 0 {
		t.Errorf("second populate touched %d words", again)
	}
}
