package tts

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// abbreviationRe matches abbreviations whose trailing period must not end a
// sentence: titles, common Latin short forms and single-letter initials.
var abbreviationRe = regexp.MustCompile(
	`\b(?i:mr|mrs|ms|dr|prof|sr|jr|st|mt|vs|etc|inc|ltd|co|corp|dept|approx)\.` +
		`|\b(?i:e\.g|i\.e|a\.m|p\.m|u\.s|u\.k)\.` +
		`|\b[A-Z]\.`,
)

// SplitIntoSentences segments text on sentence-final punctuation followed by
// whitespace, a closing quote, a capital letter or the end of the text.
// Periods belonging to known abbreviations are never boundaries. Sentences
// are returned trimmed; empty ones are dropped.
func SplitIntoSentences(text string) []string {
	protected := protectedOffsets(text)

	var (
		out   []string
		start int
	)
	emit := func(end int) {
		if s := strings.TrimSpace(text[start:end]); s != "" {
			out = append(out, s)
		}
		start = end
	}

	for i := 0; i < len(text); {
		r, size := utf8.DecodeRuneInString(text[i:])
		if !isTerminal(r) || protected[i] {
			i += size
			continue
		}

		j := i + size
		for j < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[j:])
			if !isTerminal(r2) || protected[j] {
				break
			}
			j += s2
		}
		quoted := false
		for j < len(text) {
			r2, s2 := utf8.DecodeRuneInString(text[j:])
			if !isClosing(r2) {
				break
			}
			quoted = true
			j += s2
		}

		if j >= len(text) || quoted {
			emit(j)
			i = j
			continue
		}
		next, _ := utf8.DecodeRuneInString(text[j:])
		if unicode.IsSpace(next) || unicode.IsUpper(next) {
			emit(j)
		}
		i = j
	}
	emit(len(text))

	return out
}

// Rebatch greedily joins consecutive sentences with a single space until the
// next one would push the batch past maxBytes. A sentence longer than
// maxBytes on its own becomes a batch by itself; it is never split.
// maxBytes <= 0 disables the limit.
func Rebatch(sentences []string, maxBytes int) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if cur.Len() > 0 {
			out = append(out, cur.String())
			cur.Reset()
		}
	}

	for _, s := range sentences {
		if s == "" {
			continue
		}
		if cur.Len() == 0 {
			cur.WriteString(s)
			continue
		}
		if maxBytes > 0 && cur.Len()+1+len(s) > maxBytes {
			flush()
			cur.WriteString(s)
			continue
		}
		cur.WriteByte(' ')
		cur.WriteString(s)
	}
	flush()

	return out
}

// SplitByLength packs whitespace-separated words into batches of at most
// maxBytes. Used for the characterCount splitting preference.
func SplitByLength(text string, maxBytes int) []string {
	return Rebatch(strings.Fields(text), maxBytes)
}

func protectedOffsets(text string) map[int]bool {
	matches := abbreviationRe.FindAllStringIndex(text, -1)
	if len(matches) == 0 {
		return nil
	}
	protected := make(map[int]bool, len(matches))
	for _, m := range matches {
		for k := m[0]; k < m[1]; k++ {
			if text[k] == '.' {
				protected[k] = true
			}
		}
	}
	return protected
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	}
	return false
}

func isClosing(r rune) bool {
	switch r {
	case '"', '\'', '”', '’', '»', ')', ']':
		return true
	}
	return false
}
