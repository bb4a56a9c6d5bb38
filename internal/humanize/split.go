package humanize

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Split breaks text into chunks of at most maxLen runes. Chunks are packed from whole
// sentences where possible; a sentence longer than maxLen is cut at the rune limit.
// Only whitespace is lost between chunks, so joining them back yields the trimmed input
// up to whitespace at the split points.
func Split(text string, maxLen int) []string {
	cleaned := strings.TrimSpace(text)
	if cleaned == "" {
		return nil
	}
	if maxLen <= 0 || utf8.RuneCountInString(cleaned) <= maxLen {
		return []string{cleaned}
	}

	var out []string
	emit := func(s string) {
		if utf8.RuneCountInString(s) <= maxLen {
			out = append(out, s)
			return
		}
		out = append(out, hardCut(s, maxLen)...)
	}

	spans := sentenceSpans(cleaned)
	start, end := spans[0][0], spans[0][1]
	for _, sp := range spans[1:] {
		if utf8.RuneCountInString(cleaned[start:sp[1]]) <= maxLen {
			end = sp[1]
			continue
		}
		emit(cleaned[start:end])
		start, end = sp[0], sp[1]
	}
	emit(cleaned[start:end])
	return out
}

// sentenceSpans returns byte ranges of sentences in s. A sentence ends at '.', '!', '?'
// or '…' followed by whitespace; the whitespace belongs to neither sentence.
func sentenceSpans(s string) [][2]int {
	var spans [][2]int
	start := 0
	prevTerminal := false
	for i, r := range s {
		if unicode.IsSpace(r) {
			if prevTerminal && start < i {
				spans = append(spans, [2]int{start, i})
				start = -1
			}
			prevTerminal = false
			continue
		}
		if start < 0 {
			start = i
		}
		prevTerminal = isTerminal(r)
	}
	if start >= 0 && start < len(s) {
		spans = append(spans, [2]int{start, len(s)})
	}
	return spans
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '!', '?', '…':
		return true
	}
	return false
}

// hardCut slices s into pieces of at most maxLen runes without splitting a rune.
func hardCut(s string, maxLen int) []string {
	var out []string
	for s != "" {
		if utf8.RuneCountInString(s) <= maxLen {
			if t := strings.TrimSpace(s); t != "" {
				out = append(out, t)
			}
			break
		}
		cut, n := 0, 0
		for i := range s {
			if n == maxLen {
				cut = i
				break
			}
			n++
		}
		if t := strings.TrimSpace(s[:cut]); t != "" {
			out = append(out, t)
		}
		s = s[cut:]
	}
	return out
}
