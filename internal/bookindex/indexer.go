package bookindex

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"bookalign/internal/manifest"
)

// DefaultWordsPerMinute is the narration pace used for duration estimates.
const DefaultWordsPerMinute = 155.0

// BuildOptions configure the indexer.
type BuildOptions struct {
	Title          string
	Author         string
	WordsPerMinute float64
}

// Build indexes a manuscript file. Markdown is parsed structurally; plain
// text falls back to blank-line paragraphs with heading heuristics. Rich
// formats (DOCX/RTF) come from the document-parsing collaborator, not from
// this indexer.
func Build(path string, opts BuildOptions) (*BookIndex, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manuscript: %w", err)
	}
	hash, err := manifest.HashFile(path)
	if err != nil {
		return nil, err
	}
	if opts.WordsPerMinute <= 0 {
		opts.WordsPerMinute = DefaultWordsPerMinute
	}

	var paras []rawParagraph
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		paras = parseMarkdown(raw)
	case ".txt", "":
		paras = parseText(string(raw))
	default:
		return nil, fmt.Errorf("unsupported manuscript format %q: index DOCX/RTF with the document parser and pass the resulting book-index.json", filepath.Ext(path))
	}

	b := assemble(paras, opts)
	b.SourceFile = path
	b.SourceFileHash = hash
	b.IndexedAt = time.Now().UTC().Format(time.RFC3339)
	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("indexer produced invalid book index: %w", err)
	}
	return b, nil
}

// rawParagraph is the indexer's intermediate form.
type rawParagraph struct {
	text    string
	heading bool
	level   int
	style   string
}

var headingLineRe = regexp.MustCompile(`(?i)^(chapter\s+\S+|prologue|epilogue|preface|foreword|afterword|interlude|part\s+\S+)\s*[:.]?\s*(.*)$`)

// parseText splits plain text into paragraphs on blank lines. A short line
// matching a chapter-like pattern becomes a heading.
func parseText(src string) []rawParagraph {
	var paras []rawParagraph
	for _, block := range strings.Split(strings.ReplaceAll(src, "\r\n", "\n"), "\n\n") {
		joined := strings.Join(strings.Fields(block), " ")
		if joined == "" {
			continue
		}
		heading := len(joined) < 80 && headingLineRe.MatchString(joined)
		style := "Normal"
		level := 0
		if heading {
			style = "Heading1"
			level = 1
		}
		paras = append(paras, rawParagraph{text: joined, heading: heading, level: level, style: style})
	}
	return paras
}

// parseMarkdown walks the goldmark AST, flattening headings and paragraphs.
func parseMarkdown(src []byte) []rawParagraph {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	var paras []rawParagraph
	ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			paras = append(paras, rawParagraph{
				text:    nodeText(node, src),
				heading: true,
				level:   node.Level,
				style:   fmt.Sprintf("Heading%d", node.Level),
			})
			return ast.WalkSkipChildren, nil
		case *ast.Paragraph:
			t := nodeText(node, src)
			if t != "" {
				paras = append(paras, rawParagraph{text: t, style: "Normal"})
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return paras
}

func nodeText(n ast.Node, src []byte) string {
	var sb strings.Builder
	ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := c.(*ast.Text); ok {
			sb.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				sb.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return strings.Join(strings.Fields(sb.String()), " ")
}

// assemble turns paragraphs into the word/sentence/paragraph/section model.
func assemble(paras []rawParagraph, opts BuildOptions) *BookIndex {
	b := &BookIndex{
		Title:      opts.Title,
		Author:     opts.Author,
		Words:      []Word{},
		Sentences:  []Range{},
		Paragraphs: []Paragraph{},
		Sections:   []Section{},
	}

	var secIdx *int
	for _, p := range paras {
		tokens := strings.Fields(p.text)
		if len(tokens) == 0 {
			continue
		}
		paraStart := len(b.Words)
		kind := KindBody
		if p.heading {
			kind = KindHeading
			// Close the open section and start a new one.
			closeSection(b, paraStart-1)
			n := len(b.Sections)
			b.Sections = append(b.Sections, Section{
				ID:             fmt.Sprintf("sec-%03d", n+1),
				Title:          p.text,
				Level:          maxInt(p.level, 1),
				Kind:           sectionKind(tokens[0]),
				StartWord:      paraStart,
				EndWord:        -1,
				StartParagraph: len(b.Paragraphs),
			})
			idx := n
			secIdx = &idx
		}

		sentStart := len(b.Words)
		for ti, tok := range tokens {
			w := Word{
				Text:           tok,
				WordIndex:      len(b.Words),
				SentenceIndex:  len(b.Sentences),
				ParagraphIndex: len(b.Paragraphs),
			}
			if secIdx != nil {
				idx := *secIdx
				w.SectionIndex = &idx
			}
			b.Words = append(b.Words, w)

			last := ti == len(tokens)-1
			if last || (!p.heading && endsSentence(tok, tokens[ti+1])) {
				b.Sentences = append(b.Sentences, Range{Start: sentStart, End: len(b.Words) - 1})
				sentStart = len(b.Words)
			}
		}

		b.Paragraphs = append(b.Paragraphs, Paragraph{
			Range: Range{Start: paraStart, End: len(b.Words) - 1},
			Kind:  kind,
			Style: p.style,
		})
	}
	closeSection(b, len(b.Words)-1)

	b.Totals = Totals{
		Words:                len(b.Words),
		Sentences:            len(b.Sentences),
		Paragraphs:           len(b.Paragraphs),
		EstimatedDurationSec: float64(len(b.Words)) / opts.WordsPerMinute * 60,
	}
	return b
}

func closeSection(b *BookIndex, endWord int) {
	if len(b.Sections) == 0 {
		return
	}
	last := &b.Sections[len(b.Sections)-1]
	if last.EndWord < 0 && endWord >= last.StartWord {
		last.EndWord = endWord
		last.EndParagraph = len(b.Paragraphs) - 1
	}
}

func sectionKind(first string) string {
	switch strings.ToLower(strings.Trim(first, ":.")) {
	case "chapter":
		return "chapter"
	case "prologue":
		return "prologue"
	case "epilogue":
		return "epilogue"
	case "preface":
		return "preface"
	case "foreword":
		return "foreword"
	case "afterword":
		return "afterword"
	case "part":
		return "part"
	default:
		return "section"
	}
}

// abbreviations that do not terminate a sentence despite the period.
var abbreviations = map[string]bool{
	"mr.": true, "mrs.": true, "ms.": true, "dr.": true, "st.": true,
	"prof.": true, "sr.": true, "jr.": true, "vs.": true, "etc.": true,
	"e.g.": true, "i.e.": true, "no.": true, "vol.": true,
}

// endsSentence reports whether tok terminates a sentence given the next
// token. Terminal punctuation may be wrapped in closing quotes or brackets.
func endsSentence(tok, next string) bool {
	trimmed := strings.TrimRight(tok, `"')]`+"”’")
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
	default:
		return false
	}
	if abbreviations[strings.ToLower(trimmed)] {
		return false
	}
	// Lowercase continuation after a period is usually an abbreviation or
	// ellipsis; require the next sentence to open with an uppercase letter,
	// a digit, or an opening quote.
	r := firstLetter(next)
	return r == 0 || unicode.IsUpper(r) || unicode.IsDigit(r)
}

func firstLetter(s string) rune {
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return r
		}
	}
	return 0
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
