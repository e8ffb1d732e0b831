package extract

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	digitRun     = regexp.MustCompile(`\d`)
	numericChars = regexp.MustCompile(`[^0-9.,]+`)
)

// CleanPrice parses a rendered price label into a number. It strips currency
// symbols and spacing, then resolves decimal comma vs point: the last
// separator is decimal only when followed by one or two digits, every other
// separator is grouping. A separator ahead of the first digit reads as "0.".
// Text without digits, or whose first figure carries a minus sign, is
// rejected.
func CleanPrice(text string) (float64, bool) {
	text = strings.TrimSpace(text)
	loc := digitRun.FindStringIndex(text)
	if loc == nil {
		return 0, false
	}
	if negative(text[:loc[0]]) {
		return 0, false
	}
	// Labels such as "145 € par nuit, 1 015 € au total" keep only the first figure.
	cleaned := firstNumber(numericChars.ReplaceAllString(text, " "))
	if cleaned == "" {
		return 0, false
	}

	lastSep := strings.LastIndexAny(cleaned, ".,")
	intPart, fracPart := cleaned, ""
	if lastSep >= 0 {
		tail := cleaned[lastSep+1:]
		if len(tail) == 1 || len(tail) == 2 {
			intPart, fracPart = cleaned[:lastSep], tail
		}
	}
	intPart = strings.NewReplacer(".", "", ",", "").Replace(intPart)
	if intPart == "" {
		intPart = "0"
	}
	number := intPart
	if fracPart != "" {
		number += "." + fracPart
	}
	value, err := strconv.ParseFloat(number, 64)
	if err != nil || value < 0 {
		return 0, false
	}
	return value, true
}

// firstNumber joins the grouped digits of the first figure in s, where figures
// are separated by spaces. "1 045,50" stays one figure; "145  2" is two.
func firstNumber(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(fields[0])
	for _, f := range fields[1:] {
		// Thousand groups are exactly three digits, optionally with decimals.
		head := f
		if i := strings.IndexAny(f, ".,"); i >= 0 {
			head = f[:i]
		}
		if len(head) != 3 || !isDigits(head) || !isDigits(lastGroup(b.String())) {
			break
		}
		b.WriteString(f)
	}
	return strings.TrimRight(b.String(), ".,")
}

// negative reports whether the text before the first digit ends in a minus
// sign, allowing one separator in between as in "-.50".
func negative(prefix string) bool {
	prefix = strings.TrimRight(prefix, ".,")
	return strings.HasSuffix(prefix, "-") || strings.HasSuffix(prefix, "−")
}

func lastGroup(s string) string {
	if i := strings.LastIndexAny(s, ".,"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
