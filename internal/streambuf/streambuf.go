// Package streambuf buffers streamed LLM output so placeholder tokens
// split across SSE chunk boundaries are reassembled before
// deanonymization, instead of leaking a partial token to the client.
package streambuf

import (
	"regexp"
	"strings"

	"github.com/user/pii-airlock/internal/deanonymize"
	"github.com/user/pii-airlock/internal/mapping"
)

// MaxPlaceholderLength bounds how long a `<TYPE_N>` token can be; text
// after an unclosed '<' longer than this cannot be a placeholder and is
// safe to force-emit.
const MaxPlaceholderLength = 25

var completePlaceholder = regexp.MustCompile(`^<[A-Z_]+_\d+>`)
var potentialStart = regexp.MustCompile(`<[A-Z_]*\d*$`)

// Buffer is a sliding-window accumulator: Write appends a chunk and
// returns the portion safe to emit immediately; Flush drains whatever
// remains when the stream ends.
type Buffer struct {
	mapping *mapping.RequestMapping
	fuzzy   bool
	buf     string
}

// New creates a Buffer bound to m. fuzzy controls whether Flush and
// emitted portions also attempt fuzzy placeholder matching.
func New(m *mapping.RequestMapping, fuzzy bool) *Buffer {
	return &Buffer{mapping: m, fuzzy: fuzzy}
}

// Write appends chunk to the buffer and returns the deanonymized text
// that is safe to emit now. An empty return does not mean an error; it
// means the whole buffer still might be (or become) a placeholder.
func (b *Buffer) Write(chunk string) string {
	if chunk == "" {
		return ""
	}
	b.buf += chunk
	safe, remainder := b.extractSafePortion()
	b.buf = remainder
	return safe
}

// Flush deanonymizes and returns any remaining buffered content,
// clearing the buffer. Call when the stream ends.
func (b *Buffer) Flush() string {
	if b.buf == "" {
		return ""
	}
	result := deanonymize.Deanonymize(b.buf, b.mapping, b.fuzzy)
	b.buf = ""
	return result.Text
}

// Clear discards the buffer without emitting anything.
func (b *Buffer) Clear() {
	b.buf = ""
}

// HasPending reports whether any content is currently buffered.
func (b *Buffer) HasPending() bool {
	return len(b.buf) > 0
}

// PendingLength returns the length of the currently buffered content.
func (b *Buffer) PendingLength() int {
	return len(b.buf)
}

func (b *Buffer) deanon(text string) string {
	return deanonymize.Deanonymize(text, b.mapping, b.fuzzy).Text
}

// extractSafePortion scans the buffer from its last '<' to decide how
// much is safe to deanonymize and emit now versus must remain buffered
// awaiting more chunks.
func (b *Buffer) extractSafePortion() (safe, remainder string) {
	if b.buf == "" {
		return "", ""
	}

	lastOpen := strings.LastIndexByte(b.buf, '<')
	if lastOpen == -1 {
		return b.deanon(b.buf), ""
	}

	potential := b.buf[lastOpen:]

	if loc := completePlaceholder.FindStringIndex(potential); loc != nil {
		endOfPlaceholder := lastOpen + loc[1]
		if endOfPlaceholder < len(b.buf) {
			afterPlaceholder := b.buf[endOfPlaceholder:]
			nextOpen := strings.LastIndexByte(afterPlaceholder, '<')
			if nextOpen != -1 {
				remaining := afterPlaceholder[nextOpen:]
				if !completePlaceholder.MatchString(remaining) {
					splitAt := endOfPlaceholder + nextOpen
					return b.deanon(b.buf[:splitAt]), b.buf[splitAt:]
				}
			}
		}
		return b.deanon(b.buf), ""
	}

	if potentialStart.MatchString(potential) {
		rem := b.buf[lastOpen:]
		if len(rem) > MaxPlaceholderLength {
			return b.deanon(b.buf), ""
		}
		safePart := b.buf[:lastOpen]
		if safePart != "" {
			return b.deanon(safePart), rem
		}
		return "", rem
	}

	// '<' followed by something that doesn't look like a placeholder
	// start (e.g. "<html>"); still buffer it until it's long enough to
	// rule out, in case more chunks arrive.
	if len(potential) < MaxPlaceholderLength {
		safePart := b.buf[:lastOpen]
		rem := b.buf[lastOpen:]
		if safePart != "" {
			return b.deanon(safePart), rem
		}
		return "", rem
	}

	return b.deanon(b.buf), ""
}
