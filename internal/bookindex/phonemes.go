package bookindex

import (
	"strings"
	"unicode"
)

// PopulatePhonemes fills words[].phonemes with a rule-based grapheme mapping.
// Words that already carry phonemes are left untouched. Returns the number
// of words populated.
func (b *BookIndex) PopulatePhonemes() int {
	n := 0
	for i := range b.Words {
		if len(b.Words[i].Phonemes) > 0 {
			continue
		}
		ph := graphemesToPhonemes(b.Words[i].Text)
		if len(ph) == 0 {
			continue
		}
		b.Words[i].Phonemes = ph
		n++
	}
	return n
}

// digraphs maps common English grapheme pairs to a single phoneme symbol.
var digraphs = map[string]string{
	"ch": "CH", "sh": "SH", "th": "TH", "ph": "F", "wh": "W",
	"ck": "K", "ng": "NG", "qu": "KW", "gh": "G",
}

// graphemesToPhonemes is a deliberately simple letter-to-symbol mapping.
// It exists so downstream consumers that expect a phoneme stream have one;
// accuracy beyond digraph folding is not a goal.
func graphemesToPhonemes(word string) []string {
	letters := make([]rune, 0, len(word))
	for _, r := range strings.ToLower(word) {
		if unicode.IsLetter(r) {
			letters = append(letters, r)
		}
	}
	if len(letters) == 0 {
		return nil
	}

	var out []string
	for i := 0; i < len(letters); {
		if i+1 < len(letters) {
			if p, ok := digraphs[string(letters[i:i+2])]; ok {
				out = append(out, p)
				i += 2
				continue
			}
		}
		out = append(out, strings.ToUpper(string(letters[i])))
		i++
	}
	return out
}
