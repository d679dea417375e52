package chunker

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

const (
	maxHeadingRunes = 80
	maxHeadingWords = 10
	maxFooterRunes  = 80
	maxTableRunes   = 200
)

var (
	markdownHeading = regexp.MustCompile(`^#{1,6}\s+\S`)
	numberedHeading = regexp.MustCompile(`^(\d+(\.\d+)*\.?|[IVXLC]+\.)\s+[A-Z]`)

	footerPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^page\s+\d+(\s*(of|/)\s*\d+)?$`),
		regexp.MustCompile(`^[-–]?\s*\d{1,4}\s*[-–]?$`),
		regexp.MustCompile(`^\d{1,4}\s*/\s*\d{1,4}$`),
		regexp.MustCompile(`(?i)\bconfidential\b`),
		regexp.MustCompile(`(?i)(©|\(c\)\s*\d{4}|\bcopyright\b|all rights reserved)`),
		regexp.MustCompile(`(?i)^(www\.|https?://)\S+$`),
	}

	listMarker = regexp.MustCompile(`^\s*([-*•●▪◦‣–]|\(?\d{1,3}[.)]|\(?[a-zA-Z][.)])\s+\S`)

	columnGap    = regexp.MustCompile(`\t|\s{2,}`)
	numericToken = regexp.MustCompile(`^[(\-+]?[$€£¥]?\d[\d,.]*%?\)?$`)
)

// IsHeadingLine reports whether a short line looks like a title or section heading.
func IsHeadingLine(line string) bool {
	t := strings.TrimSpace(line)
	n := utf8.RuneCountInString(t)
	if n == 0 || n > maxHeadingRunes || !hasLetter(t) {
		return false
	}
	if markdownHeading.MatchString(t) {
		return true
	}
	words := strings.Fields(t)
	if len(words) > maxHeadingWords {
		return false
	}
	last, _ := utf8.DecodeLastRuneInString(t)
	if last == '.' || last == ',' || last == ';' {
		return false
	}
	if numberedHeading.MatchString(t) {
		return true
	}
	if isAllCaps(t) {
		return true
	}
	return isTitleCase(words)
}

// IsFooterLine reports whether a short line looks like running page furniture.
func IsFooterLine(line string) bool {
	t := strings.TrimSpace(line)
	if t == "" || utf8.RuneCountInString(t) > maxFooterRunes {
		return false
	}
	for _, re := range footerPatterns {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

// IsListLine reports whether line starts with a bullet or an enumerator.
func IsListLine(line string) bool {
	return listMarker.MatchString(line)
}

// IsTableLine reports whether line looks like one row of a numeric table:
// short, digit-dense, and either split into aligned columns or made mostly of numbers.
func IsTableLine(line string) bool {
	t := strings.TrimSpace(line)
	n := utf8.RuneCountInString(t)
	if n < 3 || n > maxTableRunes {
		return false
	}
	digits, nonSpace := 0, 0
	for _, r := range t {
		if unicode.IsSpace(r) {
			continue
		}
		nonSpace++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits == 0 || nonSpace == 0 {
		return false
	}
	ratio := float64(digits) / float64(nonSpace)

	cells := columnGap.Split(t, -1)
	if len(cells) >= 2 && ratio >= 0.2 {
		return true
	}

	tokens := strings.Fields(t)
	if len(tokens) < 3 {
		return false
	}
	numeric := 0
	for _, tok := range tokens {
		if numericToken.MatchString(tok) {
			numeric++
		}
	}
	return float64(numeric)/float64(len(tokens)) >= 0.5
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func isAllCaps(s string) bool {
	letters := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			if !unicode.IsUpper(r) {
				return false
			}
			letters++
		}
	}
	return letters >= 2
}

func isTitleCase(words []string) bool {
	first, _ := utf8.DecodeRuneInString(words[0])
	if !unicode.IsUpper(first) {
		return false
	}
	significant, capped := 0, 0
	for _, w := range words {
		if utf8.RuneCountInString(w) <= 3 {
			continue
		}
		significant++
		r, _ := utf8.DecodeRuneInString(w)
		if unicode.IsUpper(r) || unicode.IsDigit(r) {
			capped++
		}
	}
	if significant == 0 {
		return len(words) <= 3
	}
	return float64(capped)/float64(significant) >= 0.6
}
