package workerutil

import (
	"fmt"
	"strings"

	"github.com/ternarybob/taskforge/internal/models"
)

// SplitSections breaks markdown into heading-delimited sections, then splits any
// section longer than chunkSize on paragraph boundaries.
func SplitSections(markdown string, chunkSize int) []models.Section {
	var sections []models.Section
	var heading string
	var body strings.Builder

	flush := func() {
		text := strings.TrimSpace(body.String())
		body.Reset()
		if text == "" {
			return
		}
		for i, chunk := range ChunkText(text, chunkSize) {
			name := heading
			if name == "" {
				name = fmt.Sprintf("Part %d", len(sections)+1)
			} else if i > 0 {
				name = fmt.Sprintf("%s (cont. %d)", heading, i+1)
			}
			sections = append(sections, models.Section{Heading: name, Body: chunk})
		}
	}

	for _, line := range strings.Split(markdown, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			title := strings.TrimSpace(strings.TrimLeft(trimmed, "#"))
			if title != "" {
				flush()
				heading = title
				continue
			}
		}
		body.WriteString(line)
		body.WriteString("\n")
	}
	flush()
	return sections
}

// ChunkText splits text into pieces of at most size runes, preferring paragraph
// then word boundaries. A size of zero or less returns text unchanged.
func ChunkText(text string, size int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 || len([]rune(text)) <= size {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	emit := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentLen = 0
	}

	for _, paragraph := range strings.Split(text, "\n\n") {
		paragraph = strings.TrimSpace(paragraph)
		if paragraph == "" {
			continue
		}
		pLen := len([]rune(paragraph))

		if currentLen > 0 && currentLen+2+pLen > size {
			emit()
		}
		if pLen <= size {
			if currentLen > 0 {
				current.WriteString("\n\n")
				currentLen += 2
			}
			current.WriteString(paragraph)
			currentLen += pLen
			continue
		}

		// Paragraph alone exceeds size: split on words
		for _, word := range strings.Fields(paragraph) {
			wLen := len([]rune(word))
			if currentLen > 0 && currentLen+1+wLen > size {
				emit()
			}
			if currentLen > 0 {
				current.WriteString(" ")
				currentLen++
			}
			current.WriteString(word)
			currentLen += wLen
		}
		emit()
	}
	emit()
	return chunks
}

// GroupSections merges consecutive sections into at most maxGroups groups of
// near-equal size. Each group lists indices into sections.
func GroupSections(sections []models.Section, maxGroups int) [][]int {
	if len(sections) == 0 || maxGroups <= 0 {
		return nil
	}
	groups := maxGroups
	if len(sections) < groups {
		groups = len(sections)
	}

	out := make([][]int, 0, groups)
	start := 0
	for g := 0; g < groups; g++ {
		end := (g + 1) * len(sections) / groups
		indices := make([]int, 0, end-start)
		for i := start; i < end; i++ {
			indices = append(indices, i)
		}
		out = append(out, indices)
		start = end
	}
	return out
}
