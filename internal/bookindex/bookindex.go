// Package bookindex defines the canonical book representation the pipeline
// consumes, plus the indexer that produces it from TXT/Markdown manuscripts.
package bookindex

import (
	"fmt"
	"os"

	"bookalign/internal/canonjson"
	"bookalign/internal/pipeline"
)

// Paragraph kinds.
const (
	KindBody    = "Body"
	KindHeading = "Heading"
)

// BookIndex is the immutable canonical representation of a book.
type BookIndex struct {
	SourceFile     string      `json:"sourceFile"`
	SourceFileHash string      `json:"sourceFileHash"`
	IndexedAt      string      `json:"indexedAt"`
	Title          string      `json:"title,omitempty"`
	Author         string      `json:"author,omitempty"`
	Totals         Totals      `json:"totals"`
	Words          []Word      `json:"words"`
	Sentences      []Range     `json:"sentences"`
	Paragraphs     []Paragraph `json:"paragraphs"`
	Sections       []Section   `json:"sections"`
}

// Totals summarize the book.
type Totals struct {
	Words                int     `json:"words"`
	Sentences            int     `json:"sentences"`
	Paragraphs           int     `json:"paragraphs"`
	EstimatedDurationSec float64 `json:"estimatedDurationSec"`
}

// Word is one token with its exact, unnormalized text and structure indices.
type Word struct {
	Text           string   `json:"text"`
	WordIndex      int      `json:"wordIndex"`
	SentenceIndex  int      `json:"sentenceIndex"`
	ParagraphIndex int      `json:"paragraphIndex"`
	SectionIndex   *int     `json:"sectionIndex,omitempty"`
	Phonemes       []string `json:"phonemes,omitempty"`
}

// Range is an inclusive [start, end] word range.
type Range struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Paragraph is a word range with its source style.
type Paragraph struct {
	Range
	Kind  string `json:"kind"`
	Style string `json:"style"`
}

// Section is an ordered, disjoint structural division.
type Section struct {
	ID             string `json:"id"`
	Title          string `json:"title"`
	Level          int    `json:"level"`
	Kind           string `json:"kind"` // chapter, prologue, epilogue, preface, ...
	StartWord      int    `json:"startWord"`
	EndWord        int    `json:"endWord"`
	StartParagraph int    `json:"startParagraph"`
	EndParagraph   int    `json:"endParagraph"`
}

// Load reads and validates a book index artifact.
func Load(path string) (*BookIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, pipeline.Errf(pipeline.KindInvalidInput, "read book index: %v", err)
	}
	var b BookIndex
	if err := canonjson.Unmarshal(data, &b); err != nil {
		return nil, pipeline.Errf(pipeline.KindArtifactCorruption, "parse book index: %v", err)
	}
	if err := b.Validate(); err != nil {
		return nil, pipeline.Wrap(pipeline.KindArtifactCorruption, err)
	}
	return &b, nil
}

// Save writes the index as canonical JSON.
func (b *BookIndex) Save(path string) error {
	data, err := canonjson.MarshalIndent(b)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate checks the partition and reference invariants: sentences and
// paragraphs each partition [0, totals.words-1] with no gaps or overlap, and
// every structure range references valid word indices.
func (b *BookIndex) Validate() error {
	if len(b.Words) != b.Totals.Words {
		return fmt.Errorf("words length %d != totals.words %d", len(b.Words), b.Totals.Words)
	}
	for i, w := range b.Words {
		if w.WordIndex != i {
			return fmt.Errorf("word %d has wordIndex %d", i, w.WordIndex)
		}
	}
	if err := checkPartition("sentences", b.Sentences, len(b.Words)); err != nil {
		return err
	}
	pr := make([]Range, len(b.Paragraphs))
	for i, p := range b.Paragraphs {
		pr[i] = p.Range
		if p.Kind != KindBody && p.Kind != KindHeading {
			return fmt.Errorf("paragraph %d has unknown kind %q", i, p.Kind)
		}
	}
	if err := checkPartition("paragraphs", pr, len(b.Words)); err != nil {
		return err
	}
	prevEnd := -1
	for i, s := range b.Sections {
		if s.StartWord < 0 || s.EndWord >= len(b.Words) || s.StartWord > s.EndWord {
			return fmt.Errorf("section %d (%s) has invalid word range [%d,%d]", i, s.ID, s.StartWord, s.EndWord)
		}
		if s.StartWord <= prevEnd {
			return fmt.Errorf("section %d (%s) overlaps previous", i, s.ID)
		}
		prevEnd = s.EndWord
	}
	if b.Totals.Sentences != len(b.Sentences) {
		return fmt.Errorf("totals.sentences %d != %d", b.Totals.Sentences, len(b.Sentences))
	}
	if b.Totals.Paragraphs != len(b.Paragraphs) {
		return fmt.Errorf("totals.paragraphs %d != %d", b.Totals.Paragraphs, len(b.Paragraphs))
	}
	return nil
}

func checkPartition(what string, rs []Range, nWords int) error {
	if nWords == 0 {
		if len(rs) != 0 {
			return fmt.Errorf("%s non-empty for empty book", what)
		}
		return nil
	}
	next := 0
	for i, r := range rs {
		if r.Start != next {
			return fmt.Errorf("%s[%d] starts at %d, want %d (gap or overlap)", what, i, r.Start, next)
		}
		if r.End < r.Start || r.End >= nWords {
			return fmt.Errorf("%s[%d] has invalid end %d", what, i, r.End)
		}
		next = r.End + 1
	}
	if next != nWords {
		return fmt.Errorf("%s cover %d of %d words", what, next, nWords)
	}
	return nil
}

// SentenceText joins the exact word texts of sentence s.
func (b *BookIndex) SentenceText(s int) string {
	if s < 0 || s >= len(b.Sentences) {
		return ""
	}
	r := b.Sentences[s]
	text := ""
	for i := r.Start; i <= r.End; i++ {
		if text != "" {
			text += " "
		}
		text += b.Words[i].Text
	}
	return text
}

// WordsPerSecond estimates narration pace from the book totals; used to
// convert word distances into seconds for window coverage and gap estimates.
func (b *BookIndex) WordsPerSecond() float64 {
	if b.Totals.EstimatedDurationSec <= 0 || b.Totals.Words == 0 {
		return 2.58 // ~155 wpm narration default
	}
	return float64(b.Totals.Words) / b.Totals.EstimatedDurationSec
}
