// Package anchors mines monotone n-gram match points between the book's
// canonical token stream and the ASR token stream. The selected anchors act
// as immutable pins for window building, forced alignment and refinement.
package anchors

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// TokenizerVersion is hashed into the anchor artifact's meta; bump it when
// normalization rules change so fingerprints miss.
const TokenizerVersion = "tok/v3"

// Token is one normalized token with its index in the original stream
// (book word index, or merged-transcript word index).
type Token struct {
	Text string
	Orig int
}

var foldTransformer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Fold lowercases, folds width and accents, and strips punctuation from a
// single word. The result may be empty for punctuation-only input.
func Fold(word string) string {
	folded, _, err := transform.String(foldTransformer, word)
	if err != nil {
		folded = word
	}
	var sb strings.Builder
	for _, r := range strings.ToLower(folded) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			sb.WriteRune(r)
		}
	}
	return applyLexicon(sb.String())
}

// usUKLexicon folds regional spellings onto one canonical form so a US book
// matches a UK narration and vice versa.
var usUKLexicon = map[string]string{
	"colour": "color", "colours": "colors", "honour": "honor",
	"honours": "honors", "grey": "gray", "theatre": "theater",
	"centre": "center", "metre": "meter", "litre": "liter",
	"realise": "realize", "realised": "realized", "recognise": "recognize",
	"recognised": "recognized", "apologise": "apologize",
	"favourite": "favorite", "neighbour": "neighbor",
	"neighbours": "neighbors", "travelling": "traveling",
	"travelled": "traveled", "defence": "defense", "offence": "offense",
	"practise": "practice", "plough": "plow", "mould": "mold",
}

// confusionSet folds common ASR confusions onto one form.
var confusionSet = map[string]string{
	"okay": "ok", "mister": "mr", "missus": "mrs", "doctor": "dr",
	"saint": "st", "till": "until", "whilst": "while", "amongst": "among",
}

func applyLexicon(tok string) string {
	if c, ok := usUKLexicon[tok]; ok {
		return c
	}
	if c, ok := confusionSet[tok]; ok {
		return c
	}
	return tok
}

// stopwords are function words that never carry anchor content. Content
// verbs stay out of this table; callers needing more suppression pass
// extras through Params.ExtraStopwords.
var stopwords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "from": true,
	"had": true, "has": true, "have": true, "he": true, "her": true,
	"his": true, "i": true, "in": true, "is": true, "it": true, "its": true,
	"of": true, "on": true, "or": true, "she": true, "that": true,
	"the": true, "their": true, "then": true, "there": true, "they": true,
	"this": true, "to": true, "was": true, "were": true, "with": true,
	"you": true,
}

// stopwordSet combines the base table with per-run extras (folded so the
// extras match the normalized stream).
func stopwordSet(extra []string) map[string]bool {
	if len(extra) == 0 {
		return stopwords
	}
	set := make(map[string]bool, len(stopwords)+len(extra))
	for w := range stopwords {
		set[w] = true
	}
	for _, w := range extra {
		if t := Fold(w); t != "" {
			set[t] = true
		}
	}
	return set
}

// StopwordsHash identifies the effective stopword table for fingerprinting.
func StopwordsHash(extra []string) string {
	set := stopwordSet(extra)
	words := make([]string, 0, len(set))
	for w := range set {
		words = append(words, w)
	}
	sort.Strings(words)
	sum := sha256.Sum256([]byte(strings.Join(words, "\n")))
	return hex.EncodeToString(sum[:8])
}

// IsStopword reports whether a normalized token is in the base table.
func IsStopword(tok string) bool {
	return stopwords[tok]
}

// NormalizeStream folds each raw word and drops tokens that normalize to
// empty or a single character. Positions in the returned slice are the "bp"
// and "ap" coordinates used throughout the anchor artifact; Orig maps back
// to the raw index. Stopwords stay in the stream — they are excluded from
// carrying n-gram content, not from positioning.
func NormalizeStream(raw []string) []Token {
	out := make([]Token, 0, len(raw))
	for i, w := range raw {
		t := Fold(w)
		if len([]rune(t)) <= 1 {
			continue
		}
		out = append(out, Token{Text: t, Orig: i})
	}
	return out
}
