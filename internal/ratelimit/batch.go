package ratelimit

import (
	"regexp"
	"strings"
)

var sentenceBoundary = regexp.MustCompile(`[^.!?]+[.!?]*\s*`)

// EstimateTokens approximates the token cost of text as ceil(chars/4),
// never less than 1.
func EstimateTokens(text string) int {
	n := (len(text) + 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

// SplitSentences breaks text into sentence-like segments on .!? boundaries.
// The segments concatenate back to the trimmed input.
func SplitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	matches := sentenceBoundary.FindAllString(text, -1)
	segments := make([]string, 0, len(matches))
	for _, m := range matches {
		if s := strings.TrimSpace(m); s != "" {
			segments = append(segments, s)
		}
	}
	return segments
}

// PredictiveBatch splits each text into sentence-like segments and packs
// them greedily so no batch exceeds maxTokens. A sentence never splits
// across batches; a single sentence over the budget forms its own batch.
func PredictiveBatch(texts []string, maxTokens int) [][]string {
	if maxTokens < 1 {
		maxTokens = 1
	}

	var batches [][]string
	var current []string
	currentTokens := 0

	flush := func() {
		if len(current) > 0 {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
	}

	for _, text := range texts {
		for _, sentence := range SplitSentences(text) {
			tokens := EstimateTokens(sentence)
			if currentTokens+tokens > maxTokens {
				flush()
			}
			current = append(current, sentence)
			currentTokens += tokens
		}
	}
	flush()

	return batches
}
