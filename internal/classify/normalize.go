package classify

import (
	"strconv"
	"strings"
	"unicode"
	"unicode/utf16"
)

// emojiRanges are the pictograph and decorative-symbol blocks removed before
// matching. None of them overlaps the CJK block.
var emojiRanges = [][2]rune{
	{0x1F600, 0x1F64F},
	{0x1F300, 0x1F5FF},
	{0x1F680, 0x1F6FF},
	{0x1F1E0, 0x1F1FF},
	{0x2702, 0x27B0},
	{0x24C2, 0x24FF},
	{0x2600, 0x26FF},
	{0x1F900, 0x1F9FF},
	{0x1FA00, 0x1FAFF},
}

func isEmoji(r rune) bool {
	for _, rg := range emojiRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

func keep(r rune) bool {
	switch {
	case r == '_' || r == '~' || r == '-':
		return true
	case r >= 0x4e00 && r <= 0x9fff:
		return true
	case unicode.IsLetter(r) || unicode.IsNumber(r):
		return true
	}
	return false
}

// Normalize prepares free text for menu matching: literal \uXXXX escapes are
// decoded, emoji and symbols dropped, whitespace collapsed, and the result
// trimmed and lowercased.
func Normalize(s string) string {
	s = decodeEscapes(s)

	var b strings.Builder
	b.Grow(len(s))
	space := false
	for _, r := range s {
		if isEmoji(r) {
			continue
		}
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if !keep(r) {
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// decodeEscapes replaces literal \uXXXX sequences, joining surrogate pairs.
// Invalid sequences are left as they are.
func decodeEscapes(s string) string {
	if !strings.Contains(s, `\u`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); {
		r, n := escapeAt(s, i)
		if n == 0 {
			b.WriteByte(s[i])
			i++
			continue
		}
		if utf16.IsSurrogate(r) {
			if r2, n2 := escapeAt(s, i+n); n2 > 0 {
				if dec := utf16.DecodeRune(r, r2); dec != unicode.ReplacementChar {
					b.WriteRune(dec)
					i += n + n2
					continue
				}
			}
		}
		b.WriteRune(r)
		i += n
	}
	return b.String()
}

func escapeAt(s string, i int) (rune, int) {
	if i+6 > len(s) || s[i] != '\\' || s[i+1] != 'u' {
		return 0, 0
	}
	v, err := strconv.ParseUint(s[i+2:i+6], 16, 32)
	if err != nil {
		return 0, 0
	}
	return rune(v), 6
}

// MatchSelection reports whether a normalized message body matches a
// normalized selection: equal, or one contains the other and the contained
// string is at least max(3, 30% of the containing length) runes long.
func MatchSelection(body, selection string) bool {
	if body == "" || selection == "" {
		return false
	}
	if body == selection {
		return true
	}
	switch {
	case strings.Contains(body, selection):
		return runeLen(selection) >= minContained(runeLen(body))
	case strings.Contains(selection, body):
		return runeLen(body) >= minContained(runeLen(selection))
	}
	return false
}

func minContained(containerLen int) int {
	return max(3, containerLen*3/10)
}

func runeLen(s string) int { return len([]rune(s)) }
