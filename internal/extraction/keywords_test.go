package extraction

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKeywordsExtractsContentTerms(t *testing.T) {
	keywords := Keywords("The quick brown fox jumps over the lazy dog near the river", 10)

	assert.NotEmpty(t, keywords)
	assert.Contains(t, keywords, "fox")
	assert.NotContains(t, keywords, "the")
	for _, kw := range keywords {
		assert.GreaterOrEqual(t, len(kw), 3)
	}
}

func TestKeywordsRespectsMax(t *testing.T) {
	keywords := Keywords("alpha beta gamma delta epsilon zeta theta lambda sigma omega kappa", 3)
	assert.LessOrEqual(t, len(keywords), 3)
}

func TestKeywordsFrequencyOrdering(t *testing.T) {
	keywords := Keywords("coffee coffee coffee morning espresso coffee machine", 10)
	assert.NotEmpty(t, keywords)
	assert.Equal(t, "coffee", keywords[0])
}

func TestFallbackKeywords(t *testing.T) {
	keywords := fallbackKeywords("The user prefers strong coffee every morning", 10)
	assert.Contains(t, keywords, "coffee")
	assert.NotContains(t, keywords, "the")
}
