// Package chunker splits long text into ordered, boundary-respecting segments.
//
// All lengths are measured in runes so CJK text and full-width punctuation count
// as one unit per character.
package chunker

import (
	"strings"
	"unicode"
	"unicode/utf8"
)

// Minimum position of a cut, as a percentage of the chunk size, per boundary kind
const (
	paragraphMinPercent = 50
	sentenceMinPercent  = 50
	commaMinPercent     = 70
	spaceMinPercent     = 80
)

// Split returns the trimmed, non-empty chunks of text, none longer than maxChunkSize runes.
// A maxChunkSize <= 0 disables splitting.
func Split(text string, maxChunkSize int) []string {
	if maxChunkSize <= 0 || utf8.RuneCountInString(text) <= maxChunkSize {
		return appendTrimmed(nil, text)
	}

	runes := []rune(text)
	var chunks []string

	for start := 0; start < len(runes); {
		if len(runes)-start <= maxChunkSize {
			chunks = appendTrimmed(chunks, string(runes[start:]))
			break
		}

		// One rune past the window shows whether its last rune ends a sentence or paragraph
		span := runes[start : start+maxChunkSize+1]
		cut := findCut(span, maxChunkSize)
		chunks = appendTrimmed(chunks, string(span[:cut]))
		start += cut
	}

	return chunks
}

// findCut walks backward from position size and returns the length of the best prefix,
// at most size. span holds the window plus the rune following it.
func findCut(span []rune, size int) int {
	window := span[:size]

	// 1. paragraph break
	for i := size - 1; i*100 > size*paragraphMinPercent; i-- {
		if span[i] == '\n' && span[i+1] == '\n' {
			return min(i+2, size)
		}
	}

	// 2. sentence terminator followed by whitespace
	for i := size - 1; i*100 > size*sentenceMinPercent; i-- {
		if isSentenceEnd(span[i]) && unicode.IsSpace(span[i+1]) {
			return i + 1
		}
	}

	// 3. comma
	for i := size - 1; i*100 > size*commaMinPercent; i-- {
		if window[i] == ',' || window[i] == '，' {
			return i + 1
		}
	}

	// 4. plain space
	for i := size - 1; i*100 > size*spaceMinPercent; i-- {
		if unicode.IsSpace(window[i]) {
			return i + 1
		}
	}

	return size
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

func appendTrimmed(chunks []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return chunks
	}
	return append(chunks, s)
}
