// Package splitmsg chunks long outbound messages for chat sinks that cap
// message length. Chunk boundaries prefer whitespace so words survive the
// split; concatenating the chunks reproduces the input byte for byte.
package splitmsg

import "unicode"

// DefaultMax matches the common chat-platform message cap.
const DefaultMax = 4096

// Split cuts text into chunks of at most max runes each. The cut point is
// the last whitespace inside the window when one exists; a single run
// longer than max is cut mid-run as a last resort. Joining the chunks with
// no separator yields the original text.
func Split(text string, max int) []string {
	if max <= 0 {
		max = DefaultMax
	}

	runes := []rune(text)
	if len(runes) <= max {
		if text == "" {
			return nil
		}
		return []string{text}
	}

	var chunks []string
	for len(runes) > max {
		cut := lastBreak(runes[:max])
		if cut <= 0 {
			cut = max
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

// lastBreak returns the index just after the last whitespace rune in the
// window, so the separator stays with the earlier chunk, or 0 when the
// window has no whitespace.
func lastBreak(window []rune) int {
	for i := len(window) - 1; i >= 0; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}
	return 0
}
