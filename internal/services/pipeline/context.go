package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/ternarybob/taskforge/internal/models"
)

// stopWords are ignored when scoring sentences
var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "are": true, "but": true, "not": true,
	"you": true, "all": true, "any": true, "can": true, "had": true, "her": true,
	"was": true, "one": true, "our": true, "out": true, "has": true, "have": true,
	"this": true, "that": true, "with": true, "from": true, "they": true, "will": true,
	"would": true, "there": true, "their": true, "what": true, "which": true, "when": true,
	"were": true, "been": true, "into": true, "than": true, "then": true, "them": true,
	"these": true, "those": true, "also": true, "such": true, "its": true, "may": true,
}

// ContextWindow condenses prior step results into a bounded prompt section.
// Each prior step contributes at most SentencesPerStep sentences, so the prompt
// grows with the number of steps, never with the length of their output.
type ContextWindow struct {
	SentencesPerStep int
}

// Build returns the condensed context for results, oldest step first
func (w ContextWindow) Build(results []models.StepResult) string {
	if len(results) == 0 {
		return ""
	}
	limit := w.SentencesPerStep
	if limit <= 0 {
		limit = 3
	}

	var b strings.Builder
	for _, result := range results {
		salient := SalientSentences(result.Content, limit)
		if len(salient) == 0 {
			continue
		}
		fmt.Fprintf(&b, "Step %d (%s): %s\n", result.StepNumber, result.Name, strings.Join(salient, " "))
	}
	return strings.TrimSpace(b.String())
}

// SalientSentences returns the n highest scoring sentences of text in their original order.
// A sentence scores the mean frequency, across the whole text, of its content terms.
func SalientSentences(text string, n int) []string {
	sentences := splitSentences(text)
	if len(sentences) <= n {
		return sentences
	}

	frequency := make(map[string]int)
	sentenceTerms := make([][]string, len(sentences))
	for i, sentence := range sentences {
		sentenceTerms[i] = terms(sentence)
		for _, term := range sentenceTerms[i] {
			frequency[term]++
		}
	}

	type scored struct {
		index int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, ts := range sentenceTerms {
		score := 0.0
		if len(ts) > 0 {
			total := 0
			for _, term := range ts {
				total += frequency[term]
			}
			score = float64(total) / float64(len(ts))
		}
		ranked[i] = scored{index: i, score: score}
	}

	sort.SliceStable(ranked, func(a, b int) bool {
		return ranked[a].score > ranked[b].score
	})

	picked := ranked[:n]
	sort.Slice(picked, func(a, b int) bool {
		return picked[a].index < picked[b].index
	})

	out := make([]string, 0, n)
	for _, p := range picked {
		out = append(out, sentences[p.index])
	}
	return out
}

// splitSentences breaks text on terminal punctuation and line breaks
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	flush := func() {
		sentence := strings.TrimSpace(current.String())
		sentence = strings.TrimLeft(sentence, "#*-> ")
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		current.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		current.WriteRune(r)
		if r == '.' || r == '!' || r == '?' {
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}

// terms lowercases words of three or more letters that are not stop words
func terms(sentence string) []string {
	words := strings.FieldsFunc(strings.ToLower(sentence), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := words[:0]
	for _, word := range words {
		if len([]rune(word)) < 3 || stopWords[word] {
			continue
		}
		out = append(out, word)
	}
	return out
}
