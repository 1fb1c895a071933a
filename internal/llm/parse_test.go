package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnmarshalLooseFencedArray(t *testing.T) {
	content := "```json\n[{\"content\": \"a\", \"category\": \"fact\", \"confidence\": 0.9}]\n```"

	var units []KnowledgeExtraction
	require.NoError(t, unmarshalLoose(content, &units))
	require.Len(t, units, 1)
	assert.Equal(t, "fact", units[0].Category)
}

func TestUnmarshalLooseProseWrapped(t *testing.T) {
	content := `Sure! Here is the analysis you asked for:
{"contradicts": true, "reason": "different city", "confidence": 0.8}
Let me know if you need anything else.`

	var verdict ContradictionVerdict
	require.NoError(t, unmarshalLoose(content, &verdict))
	assert.True(t, verdict.Contradicts)
	assert.Equal(t, "different city", verdict.Reason)
}

func TestUnmarshalLooseBracesInsideStrings(t *testing.T) {
	content := `{"intent": "teach", "confidence": 0.9}` + "\n" + `{"junk": true}`

	var result IntentResult
	require.NoError(t, unmarshalLoose(content, &result))
	assert.Equal(t, "teach", result.Intent)

	nested := `noise {"reason": "says \"x}\" here", "contradicts": false} noise`
	var verdict ContradictionVerdict
	require.NoError(t, unmarshalLoose(nested, &verdict))
	assert.Equal(t, `says "x}" here`, verdict.Reason)
}

func TestUnmarshalLooseNoJSON(t *testing.T) {
	var units []KnowledgeExtraction
	err := unmarshalLoose("I could not produce any structured output, sorry.", &units)
	assert.Error(t, err)
}

func TestUnmarshalLooseTruncatedJSON(t *testing.T) {
	var units []KnowledgeExtraction
	err := unmarshalLoose(`[{"content": "a", "category":`, &units)
	assert.Error(t, err)
}
