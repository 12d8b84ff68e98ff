package anchors

import (
	"strconv"
	"strings"
)

var numberWords = map[string]int{
	"zero": 0, "one": 1, "two": 2, "three": 3, "four": 4, "five": 5,
	"six": 6, "seven": 7, "eight": 8, "nine": 9, "ten": 10,
	"eleven": 11, "twelve": 12, "thirteen": 13, "fourteen": 14,
	"fifteen": 15, "sixteen": 16, "seventeen": 17, "eighteen": 18,
	"nineteen": 19, "twenty": 20, "thirty": 30, "forty": 40, "fifty": 50,
	"sixty": 60, "seventy": 70, "eighty": 80, "ninety": 90,
}

var ordinalWords = map[string]int{
	"first": 1, "second": 2, "third": 3, "fourth": 4, "fifth": 5,
	"sixth": 6, "seventh": 7, "eighth": 8, "ninth": 9, "tenth": 10,
	"eleventh": 11, "twelfth": 12, "thirteenth": 13, "fourteenth": 14,
	"fifteenth": 15, "sixteenth": 16, "seventeenth": 17, "eighteenth": 18,
	"nineteenth": 19, "twentieth": 20, "thirtieth": 30, "fortieth": 40,
	"fiftieth": 50, "sixtieth": 60, "seventieth": 70, "eightieth": 80,
	"ninetieth": 90,
}

// parseNumberPhrase consumes a leading number from tokens: a digit token
// ("28", possibly with a trailing letter like "28a"), or one or two number
// words ("fourteen", "twenty eight", "twenty eighth"). It returns the value,
// any suffix letter, and the count of tokens consumed (0 when no number).
func parseNumberPhrase(tokens []string) (value int, suffix string, consumed int) {
	if len(tokens) == 0 {
		return 0, "", 0
	}
	// Digits, with an optional trailing letter either fused ("28a") or as
	// the following single-letter token ("28", "a").
	head := tokens[0]
	digits := head
	letter := ""
	if len(head) > 1 && head[len(head)-1] >= 'a' && head[len(head)-1] <= 'z' {
		digits = head[:len(head)-1]
		letter = head[len(head)-1:]
	}
	if v, err := strconv.Atoi(digits); err == nil {
		consumed = 1
		if letter == "" && len(tokens) > 1 && len(tokens[1]) == 1 && tokens[1][0] >= 'a' && tokens[1][0] <= 'z' {
			letter = tokens[1]
			consumed = 2
		}
		return v, letter, consumed
	}

	// Number words: tens + optional units, cardinal or ordinal.
	first := strings.ToLower(tokens[0])
	v, ok := numberWords[first]
	if !ok {
		if ov, ook := ordinalWords[first]; ook {
			return ov, "", 1
		}
		return 0, "", 0
	}
	if v >= 20 && v%10 == 0 && len(tokens) > 1 {
		second := strings.ToLower(tokens[1])
		if u, ok := numberWords[second]; ok && u >= 1 && u <= 9 {
			return v + u, "", 2
		}
		if u, ok := ordinalWords[second]; ok && u >= 1 && u <= 9 {
			return v + u, "", 2
		}
	}
	return v, "", 1
}
