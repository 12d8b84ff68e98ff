package anchors

import (
	"sort"
	"strings"
)

// Params configure anchor selection.
type Params struct {
	Ngram           int     `json:"ngram"`           // starting n-gram size
	RelaxDownTo     int     `json:"relaxDownTo"`     // smallest n after relaxation
	TargetPerTokens float64 `json:"targetPerTokens"` // desired candidate density
	MinSeparation   int     `json:"minSeparation"`   // tokens between repeated occurrences
	Localize        bool    `json:"localize"`        // try section localization
	// ExtraStopwords supplements the base stopword table for this run;
	// folded before use and hashed into the stage fingerprint via params.
	ExtraStopwords []string `json:"extraStopwords,omitempty"`
}

// DefaultParams are tuned for chapter-length narration.
func DefaultParams() Params {
	return Params{
		Ngram:           3,
		RelaxDownTo:     2,
		TargetPerTokens: 0.02,
		MinSeparation:   50,
		Localize:        true,
	}
}

// Candidate is a potential anchor before monotonicity filtering. bp/ap are
// positions in the normalized match streams; BpWordIndex is the original
// book word index.
type Candidate struct {
	Bp          int     `json:"bp"`
	Ap          int     `json:"ap"`
	BpWordIndex int     `json:"bpWordIndex"`
	Score       float64 `json:"score"`
	NgramSize   int     `json:"ngramSize"`
}

// contentBearing reports whether the n-gram starting at pos carries anchor
// content: it neither starts nor ends in a stopword and has at least n-1
// non-stopword tokens.
func contentBearing(stream []Token, pos, n int, stop map[string]bool) bool {
	if stop[stream[pos].Text] || stop[stream[pos+n-1].Text] {
		return false
	}
	nonStop := 0
	for i := pos; i < pos+n; i++ {
		if !stop[stream[i].Text] {
			nonStop++
		}
	}
	return nonStop >= n-1
}

// ngramKey joins the n tokens starting at pos.
func ngramKey(stream []Token, pos, n int) string {
	parts := make([]string, n)
	for i := 0; i < n; i++ {
		parts[i] = stream[pos+i].Text
	}
	return strings.Join(parts, "\x1f")
}

// occurrences indexes every content-bearing n-gram to its start positions.
func occurrences(stream []Token, n int, stop map[string]bool) map[string][]int {
	occ := map[string][]int{}
	for pos := 0; pos+n <= len(stream); pos++ {
		if !contentBearing(stream, pos, n, stop) {
			continue
		}
		key := ngramKey(stream, pos, n)
		occ[key] = append(occ[key], pos)
	}
	return occ
}

// separated reports whether all occurrence pairs keep at least minSep tokens
// of distance.
func separated(positions []int, minSep int) bool {
	for i := 1; i < len(positions); i++ {
		if positions[i]-positions[i-1] < minSep {
			return false
		}
	}
	return true
}

// mine collects candidates at a fixed n. Unique-unique matches always
// qualify; with allowDoubles, n-grams occurring up to twice per side qualify
// when their occurrences are well separated.
func mine(bookStream, asrStream []Token, n int, allowDoubles bool, minSep int, stop map[string]bool) []Candidate {
	bookOcc := occurrences(bookStream, n, stop)
	asrOcc := occurrences(asrStream, n, stop)

	var out []Candidate
	for key, bps := range bookOcc {
		aps, ok := asrOcc[key]
		if !ok {
			continue
		}
		maxOcc := 1
		if allowDoubles {
			maxOcc = 2
		}
		if len(bps) > maxOcc || len(aps) > maxOcc {
			continue
		}
		if len(bps) > 1 && !separated(bps, minSep) {
			continue
		}
		if len(aps) > 1 && !separated(aps, minSep) {
			continue
		}
		rarity := 1.0 / float64(len(bps)*len(aps))
		for _, bp := range bps {
			for _, ap := range aps {
				proximity := 1.0
				if len(bookStream) > 0 && len(asrStream) > 0 {
					d := float64(bp)/float64(len(bookStream)) - float64(ap)/float64(len(asrStream))
					if d < 0 {
						d = -d
					}
					proximity = 1.0 - d
				}
				out = append(out, Candidate{
					Bp:          bp,
					Ap:          ap,
					BpWordIndex: bookStream[bp].Orig,
					Score:       float64(n)*2 + rarity + proximity,
					NgramSize:   n,
				})
			}
		}
	}
	return out
}

// Mine runs n-gram mining with the relaxation ladder: unique matches at the
// configured n, then two-occurrence matches, then smaller n down to
// RelaxDownTo. Mining stops as soon as the density target is met. The result
// is deterministically ordered by (score desc, bp asc, ap asc).
func Mine(bookStream, asrStream []Token, p Params) []Candidate {
	target := int(p.TargetPerTokens * float64(len(asrStream)))
	if target < 2 {
		target = 2
	}

	seen := map[[2]int]bool{}
	var all []Candidate
	add := func(cands []Candidate) {
		for _, c := range cands {
			key := [2]int{c.Bp, c.Ap}
			if seen[key] {
				continue
			}
			seen[key] = true
			all = append(all, c)
		}
	}

	stop := stopwordSet(p.ExtraStopwords)
	for n := p.Ngram; n >= p.RelaxDownTo && n >= 1; n-- {
		add(mine(bookStream, asrStream, n, false, p.MinSeparation, stop))
		if len(all) >= target {
			break
		}
		add(mine(bookStream, asrStream, n, true, p.MinSeparation, stop))
		if len(all) >= target {
			break
		}
	}

	sort.Slice(all, func(i, j int) bool {
		a, b := all[i], all[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Bp != b.Bp {
			return a.Bp < b.Bp
		}
		return a.Ap < b.Ap
	})
	return all
}
