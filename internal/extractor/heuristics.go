package extractor

import (
	"regexp"
	"strings"
	"unicode"
)

const alphaPunct = ".,;:!?'\"()[]-/&%#@+*=$€£¥"

// AlphaLength counts letters, digits and common punctuation or currency symbols.
func AlphaLength(text string) int {
	n := 0
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || strings.ContainsRune(alphaPunct, r) {
			n++
		}
	}
	return n
}

// DigitRatio is digits over the total extracted length, whitespace included.
func DigitRatio(text string) float64 {
	total, digits := 0, 0
	for _, r := range text {
		total++
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(digits) / float64(total)
}

// NeedsOCR is false only when the structural text is long enough and not
// dominated by digits.
func NeedsOCR(text string, triggerLength int, digitRatio float64) bool {
	return !(AlphaLength(text) >= triggerLength && DigitRatio(text) < digitRatio)
}

var (
	hspace      = regexp.MustCompile(`[ \t\f\v\x{00A0}]+`)
	extraBlanks = regexp.MustCompile(`\n{4,}`)
	wedged      = regexp.MustCompile(`(\d)[lO](\d)`)
	leadWedged  = regexp.MustCompile(`(\d)[lO]\b|\b[lO](\d)`)
)

// NormalizeOCRText collapses horizontal whitespace, fixes isolated l/O
// misreads and caps blank runs at two lines.
func NormalizeOCRText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		line = strings.TrimSpace(hspace.ReplaceAllString(line, " "))
		if line == "" {
			lines[i] = ""
			continue
		}
		tokens := strings.Split(line, " ")
		for j, tok := range tokens {
			tokens[j] = fixToken(tok)
		}
		lines[i] = strings.Join(tokens, " ")
	}
	out := strings.Join(lines, "\n")
	out = extraBlanks.ReplaceAllString(out, "\n\n\n")
	return strings.Trim(out, "\n")
}

var misread = strings.NewReplacer("l", "1", "O", "0")

func fixToken(tok string) string {
	switch tok {
	case "l":
		return "1"
	case "O":
		return "0"
	}
	// 1O5 -> 105; repeat since matches cannot overlap (1O0O1)
	for {
		next := wedged.ReplaceAllStringFunc(tok, misread.Replace)
		if next == tok {
			break
		}
		tok = next
	}
	if hasDigit(tok) && !hasLetterOtherThan(tok, 'l', 'O') {
		tok = leadWedged.ReplaceAllStringFunc(tok, misread.Replace)
	}
	return tok
}

func hasDigit(s string) bool {
	for _, r := range s {
		if unicode.IsDigit(r) {
			return true
		}
	}
	return false
}

func hasLetterOtherThan(s string, allowed ...rune) bool {
	for _, r := range s {
		if !unicode.IsLetter(r) {
			continue
		}
		ok := false
		for _, a := range allowed {
			if r == a {
				ok = true
				break
			}
		}
		if !ok {
			return true
		}
	}
	return false
}

// MergeText joins structural and OCR text with a newline. Either may be empty.
func MergeText(structural, ocr string) string {
	structural = strings.TrimSpace(structural)
	ocr = strings.TrimSpace(ocr)
	switch {
	case structural == "":
		return ocr
	case ocr == "":
		return structural
	}
	return structural + "\n" + ocr
}
