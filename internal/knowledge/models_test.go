package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidationStatusTransitions(t *testing.T) {
	cases := []struct {
		from    ValidationStatus
		to      ValidationStatus
		allowed bool
	}{
		{StatusUnvalidated, StatusValidated, true},
		{StatusUnvalidated, StatusDisputed, true},
		{StatusUnvalidated, StatusDeprecated, true},
		{StatusValidated, StatusDisputed, true},
		{StatusValidated, StatusDeprecated, true},
		{StatusValidated, StatusUnvalidated, false},
		{StatusDisputed, StatusValidated, true},
		{StatusDisputed, StatusDeprecated, true},
		{StatusDisputed, StatusUnvalidated, false},
		{StatusDeprecated, StatusValidated, false},
		{StatusDeprecated, StatusDisputed, false},
		{StatusDeprecated, StatusUnvalidated, false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.allowed, tc.from.CanTransition(tc.to),
			"%s -> %s", tc.from, tc.to)
	}
}

func TestValidationStatusSelfTransitionIsIdempotent(t *testing.T) {
	for _, s := range []ValidationStatus{StatusUnvalidated, StatusValidated, StatusDisputed, StatusDeprecated} {
		assert.True(t, s.CanTransition(s))
	}
}

func TestCategoryValid(t *testing.T) {
	assert.True(t, CategoryFact.Valid())
	assert.True(t, CategoryRule.Valid())
	assert.False(t, Category("opinion").Valid())
	assert.False(t, Category("").Valid())
}

func TestSourceValid(t *testing.T) {
	assert.True(t, SourceTraining.Valid())
	assert.True(t, SourceDocument.Valid())
	assert.False(t, Source("dream").Valid())
}

func TestKnowledgePropsRoundTrip(t *testing.T) {
	learned := time.Now().Truncate(time.Millisecond)
	node := &KnowledgeNode{
		ID:                 "k1",
		Content:            "The user's dog is named Bello",
		Summary:            "dog name",
		Category:           CategoryFact,
		Source:             SourceTraining,
		Confidence:         0.9,
		ValidationStatus:   StatusUnvalidated,
		RequiresValidation: false,
		Importance:         0.5,
		OwnerID:            "owner-1",
		LearnedAt:          learned,
		Keywords:           []string{"dog", "bello", "name"},
		Context:            map[string]string{"session_id": "s1"},
		UsageCount:         3,
		LastUsedAt:         learned,
	}

	restored := knowledgeFromProps(knowledgeProps(node))

	require.NotNil(t, restored)
	assert.Equal(t, node.ID, restored.ID)
	assert.Equal(t, node.Content, restored.Content)
	assert.Equal(t, node.Category, restored.Category)
	assert.Equal(t, node.Confidence, restored.Confidence)
	assert.Equal(t, node.Keywords, restored.Keywords)
	assert.Equal(t, node.Context, restored.Context)
	assert.Equal(t, node.UsageCount, restored.UsageCount)
	assert.True(t, node.LearnedAt.Equal(restored.LearnedAt))
}

func TestKnowledgeFromPropsToleratesDriverTypes(t *testing.T) {
	props := knowledgeProps(&KnowledgeNode{ID: "k2", Keywords: []string{"a"}})

	// The driver hands slices back as []any.
	props["keywords"] = []any{"a", "b"}
	props["usage_count"] = int64(7)

	restored := knowledgeFromProps(props)
	assert.Equal(t, []string{"a", "b"}, restored.Keywords)
	assert.Equal(t, 7, restored.UsageCount)
}
