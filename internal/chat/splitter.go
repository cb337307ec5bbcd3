package chat

import (
	"strings"
	"unicode/utf8"
)

// Punctuation marks that end a sentence, ASCII and CJK.
var sentencePunctuation = []string{".", "?", "!", ":", ";", "。", "？", "！", "：", "；"}

// SentenceSplitter accumulates display tokens into sentences for speech.
// A sentence flushes when a token is a bare newline, or when a short token
// (one or two runes after newline stripping) starts with sentence-ending
// punctuation — streamed tokenizers emit the terminator either alone or
// glued to a closing quote.
type SentenceSplitter struct {
	buf strings.Builder
}

// Push feeds one display token. The returned sentence is trimmed of
// surrounding whitespace; ok is false when nothing flushed (including
// newline tokens arriving on an empty buffer).
func (s *SentenceSplitter) Push(token string) (string, bool) {
	if token == "\n" || token == "\n\n" {
		return s.Flush()
	}

	token = strings.ReplaceAll(token, "\n", "")
	s.buf.WriteString(token)

	if n := utf8.RuneCountInString(token); n == 1 || n == 2 {
		for _, p := range sentencePunctuation {
			if strings.HasPrefix(token, p) {
				return s.Flush()
			}
		}
	}
	return "", false
}

// Flush drains the buffered sentence, if any.
func (s *SentenceSplitter) Flush() (string, bool) {
	sentence := strings.TrimSpace(s.buf.String())
	s.buf.Reset()
	return sentence, sentence != ""
}
