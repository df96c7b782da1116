package services

import (
	"strings"
	"unicode/utf8"
)

// Fixed texts produced by the secondary processors. Delivered verbatim; the
// dispatcher never post-processes them.
const (
	// summaryTooShort is returned for transcripts below the summary
	// threshold instead of a derived summary.
	summaryTooShort = "The text is too short to need a summary."

	// generationFailed substitutes for an empty processor result so users
	// never receive a blank delivery.
	generationFailed = "Generation failed. Please try again later."
)

// sentenceLimit is how many leading sentences an extractive summary keeps.
const sentenceLimit = 3

// Summarize derives a summary from a transcript. Transcripts shorter than
// minRunes get the fixed too-short text. Longer ones are summarized
// extractively: the first three sentences, split on Japanese and Latin
// full stops. A transcript with three sentences or fewer is returned whole.
func Summarize(text string, minRunes int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) < minRunes {
		return summaryTooShort
	}

	sentences := splitSentences(text)
	if len(sentences) <= sentenceLimit {
		return text
	}
	out := strings.Join(sentences[:sentenceLimit], "")
	if out == "" {
		return generationFailed
	}
	return out
}

// Translate derives an English rendering of a transcript. The real
// translation backend is not wired yet; this returns the source text tagged
// with the target language so the delivery path is exercised end to end.
// TODO: route through the workflow provider once a translation workflow id
// is provisioned.
func Translate(text, targetLanguage string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return generationFailed
	}
	return "[" + targetLanguage + "] " + text
}

// splitSentences cuts text into sentences, keeping each terminator attached
// to its sentence. Both the Japanese full stop and the Latin period count;
// newlines also terminate a sentence.
func splitSentences(text string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	for _, r := range text {
		switch r {
		case '。', '.', '！', '!', '？', '?':
			cur.WriteRune(r)
			flush()
		case '\n':
			flush()
		default:
			cur.WriteRune(r)
		}
	}
	flush()
	return out
}

// truncateRunes caps text at max runes, appending an ellipsis when anything
// was cut. A max of zero or less disables truncation.
func truncateRunes(text string, max int) string {
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	if max <= 1 {
		return string(runes[:max])
	}
	return string(runes[:max-1]) + "…"
}
