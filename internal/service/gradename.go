package service

import (
	"strconv"
	"unicode/utf8"
)

// Grade names carry their level as an embedded numeral, either ideographic
// ("三年级", banker's form "叁年级") or Arabic ("Grade 3", "3年级").
// Promotion rewrites that numeral in place and leaves the rest of the label
// untouched.

var (
	ideographicDigits = []rune("一二三四五六七八九")
	bankerDigits      = []rune("壹贰叁肆伍陆柒捌玖")
)

// GradeNumeralKind tags which numeral system matched inside a grade name.
type GradeNumeralKind int

const (
	// NumeralNone means the name carries no recognisable numeral.
	NumeralNone GradeNumeralKind = iota
	// NumeralIdeographic matched a single ideographic digit rune.
	NumeralIdeographic
	// NumeralArabic matched an embedded run of ASCII digits.
	NumeralArabic
)

// GradeNumeralMatch locates the first numeral span within a grade name.
// Start and End are byte offsets into the name; Value is the numeric level
// the span denotes.
type GradeNumeralMatch struct {
	Kind  GradeNumeralKind
	Start int
	End   int
	Value int
}

// MatchGradeNumeral classifies a grade name. The ideographic branch wins
// when a name mixes both systems; only the first span of either kind is
// reported.
func MatchGradeNumeral(name string) GradeNumeralMatch {
	for i, r := range name {
		if v, ok := ideographicValue(r); ok {
			return GradeNumeralMatch{
				Kind:  NumeralIdeographic,
				Start: i,
				End:   i + utf8.RuneLen(r),
				Value: v,
			}
		}
	}

	start := -1
	for i, r := range name {
		if r >= '0' && r <= '9' {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			return arabicMatch(name, start, i)
		}
	}
	if start >= 0 {
		return arabicMatch(name, start, len(name))
	}

	return GradeNumeralMatch{Kind: NumeralNone}
}

// NextGradeName returns the grade's display name one promotion step later.
// Ideographic numerals cap at nine ("九年级" stays "九年级"); Arabic runs
// have no ceiling ("Grade 9" becomes "Grade 10"); names without a numeral
// pass through unchanged. Pure function.
func NextGradeName(name string) string {
	m := MatchGradeNumeral(name)
	switch m.Kind {
	case NumeralIdeographic:
		r, _ := utf8.DecodeRuneInString(name[m.Start:])
		next, ok := nextIdeographic(r)
		if !ok {
			return name
		}
		return name[:m.Start] + string(next) + name[m.End:]
	case NumeralArabic:
		return name[:m.Start] + strconv.Itoa(m.Value+1) + name[m.End:]
	default:
		return name
	}
}

// TerminalGradePredicate reports whether a grade name denotes the highest
// level, i.e. its students graduate instead of being copied forward.
type TerminalGradePredicate func(name string) bool

// TerminalGradeMatcher builds the predicate for a configured terminal level.
// A name is terminal when it contains the level as a standalone digit run
// ("6年级", "Grade 6" — but not "16班" or "606") or as the level's
// ideographic digit in either family ("六年级", "陆年级"). Levels outside
// 1..9 fall back to 6.
func TerminalGradeMatcher(level int) TerminalGradePredicate {
	if level < 1 || level > 9 {
		level = 6
	}
	digits := strconv.Itoa(level)
	common := ideographicDigits[level-1]
	banker := bankerDigits[level-1]

	return func(name string) bool {
		for _, r := range name {
			if r == common || r == banker {
				return true
			}
		}
		for i := 0; i < len(name); {
			m := MatchGradeNumeral(name[i:])
			switch m.Kind {
			case NumeralArabic:
				if name[i+m.Start:i+m.End] == digits {
					return true
				}
				i += m.End
			case NumeralIdeographic:
				i += m.End
			default:
				return false
			}
		}
		return false
	}
}

func arabicMatch(name string, start, end int) GradeNumeralMatch {
	v, err := strconv.Atoi(name[start:end])
	if err != nil {
		// Digit run too long to represent; treat as opaque text.
		return GradeNumeralMatch{Kind: NumeralNone}
	}
	return GradeNumeralMatch{Kind: NumeralArabic, Start: start, End: end, Value: v}
}

func ideographicValue(r rune) (int, bool) {
	for i, d := range ideographicDigits {
		if r == d {
			return i + 1, true
		}
	}
	for i, d := range bankerDigits {
		if r == d {
			return i + 1, true
		}
	}
	return 0, false
}

func nextIdeographic(r rune) (rune, bool) {
	for i, d := range ideographicDigits {
		if r == d {
			if i+1 >= len(ideographicDigits) {
				return r, false
			}
			return ideographicDigits[i+1], true
		}
	}
	for i, d := range bankerDigits {
		if r == d {
			if i+1 >= len(bankerDigits) {
				return r, false
			}
			return bankerDigits[i+1], true
		}
	}
	return r, false
}
