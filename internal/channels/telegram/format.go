package telegram

import "strings"

// MaxMessageLength is the Bot API limit for one message, in characters.
const MaxMessageLength = 4096

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// EscapeHTML escapes the three characters the Bot API's HTML parse mode
// treats as markup.
func EscapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

// SplitMessage breaks text into chunks of at most limit characters. Each cut
// lands on the last newline at or before the limit, else the last space,
// else exactly at the limit. The newline or space at a cut is dropped.
func SplitMessage(text string, limit int) []string {
	chunks, _ := split(text, limit)
	return chunks
}

// split also returns the separator consumed after each chunk but the last,
// so chunks[0]+seps[0]+chunks[1]+... == text.
func split(text string, limit int) (chunks, seps []string) {
	if limit <= 0 {
		limit = MaxMessageLength
	}
	runes := []rune(text)
	for len(runes) > limit {
		cut, sep := cutPoint(runes, limit)
		chunks = append(chunks, string(runes[:cut]))
		seps = append(seps, sep)
		runes = runes[cut+len([]rune(sep)):]
	}
	chunks = append(chunks, string(runes))
	return chunks, seps
}

// cutPoint finds where to end the next chunk. A separator at index i yields
// a chunk of i runes, so candidates run up to and including index limit.
func cutPoint(runes []rune, limit int) (int, string) {
	for _, sep := range []rune{'\n', ' '} {
		for i := limit; i > 0; i-- {
			if runes[i] == sep {
				return i, string(sep)
			}
		}
	}
	return limit, ""
}
