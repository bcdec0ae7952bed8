package workerutil

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/taskforge/internal/models"
)

type samplePayload struct {
	Query string `json:"query" validate:"required"`
	Depth string `json:"depth" validate:"omitempty,oneof=shallow medium deep"`
	Link  string `json:"link" validate:"omitempty,url"`
}

func TestDecodePayload(t *testing.T) {
	var ok samplePayload
	require.NoError(t, DecodePayload(json.RawMessage(`{"query":"batteries","depth":"deep"}`), &ok))
	assert.Equal(t, "batteries", ok.Query)

	var missing samplePayload
	err := DecodePayload(json.RawMessage(`{"depth":"bottomless","link":"not a url"}`), &missing)
	require.Error(t, err)

	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	fields := map[string]string{}
	for _, f := range ve.Fields {
		fields[f.Field] = f.Message
	}
	assert.Equal(t, "is required", fields["query"])
	assert.Contains(t, fields["depth"], "must be one of")
	assert.Equal(t, "must be a valid URL", fields["link"])

	err = DecodePayload(json.RawMessage(`{not json`), &missing)
	assert.True(t, models.IsValidationError(err))

	err = DecodePayload(nil, &missing)
	assert.True(t, models.IsValidationError(err))
}

func TestParseDeliverables(t *testing.T) {
	defaults := []models.DeliverableKind{models.DeliverableSummary}

	kinds, err := ParseDeliverables(nil, defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, kinds)

	kinds, err = ParseDeliverables([]string{"Summary", "citations", "summary"}, defaults)
	require.NoError(t, err)
	assert.Equal(t, []models.DeliverableKind{models.DeliverableSummary, models.DeliverableCitations}, kinds)

	_, err = ParseDeliverables([]string{"summary", "poem"}, defaults)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "deliverables[1]")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 10))
	assert.Equal(t, "abc\n[truncated]", Truncate("abcdef", 3))
	assert.Equal(t, "abcdef", Truncate("abcdef", 0))
}

func TestSplitSections(t *testing.T) {
	markdown := "Intro text before any heading.\n\n# Background\nSome history.\n\n## Results\nNumbers went up.\n\n##\nstray marker"

	sections := SplitSections(markdown, 0)
	require.Len(t, sections, 3)
	assert.Equal(t, "Part 1", sections[0].Heading)
	assert.Equal(t, "Background", sections[1].Heading)
	assert.Equal(t, "Some history.", sections[1].Body)
	assert.Equal(t, "Results", sections[2].Heading)
	assert.Contains(t, sections[2].Body, "stray marker")
}

func TestSplitSections_ChunksLongSections(t *testing.T) {
	paragraph := strings.Repeat("word ", 40)
	markdown := "# Long\n" + paragraph + "\n\n" + paragraph + "\n\n" + paragraph

	sections := SplitSections(markdown, 250)
	require.Len(t, sections, 3)
	assert.Equal(t, "Long", sections[0].Heading)
	assert.Equal(t, "Long (cont. 2)", sections[1].Heading)
	for _, s := range sections {
		assert.LessOrEqual(t, len([]rune(s.Body)), 250)
	}
}

func TestChunkText(t *testing.T) {
	assert.Nil(t, ChunkText("   ", 10))
	assert.Equal(t, []string{"fits"}, ChunkText("fits", 10))

	chunks := ChunkText("alpha beta gamma delta epsilon", 11)
	assert.Equal(t, []string{"alpha beta", "gamma delta", "epsilon"}, chunks)

	chunks = ChunkText("one\n\ntwo\n\nthree", 8)
	assert.Equal(t, []string{"one\n\ntwo", "three"}, chunks)
}

func TestGroupSections(t *testing.T) {
	sections := make([]models.Section, 10)

	groups := GroupSections(sections, 4)
	require.Len(t, groups, 4)
	total := 0
	next := 0
	for _, g := range groups {
		for _, i := range g {
			assert.Equal(t, next, i, "groups are consecutive and cover every section once")
			next++
		}
		total += len(g)
	}
	assert.Equal(t, 10, total)

	assert.Len(t, GroupSections(sections[:2], 4), 2)
	assert.Nil(t, GroupSections(nil, 4))
}
