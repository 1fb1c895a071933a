package extraction

import (
	"sort"
	"strings"

	"github.com/jdkato/prose/v2"
)

var stopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "but": true,
	"is": true, "are": true, "was": true, "were": true, "be": true, "been": true,
	"have": true, "has": true, "had": true, "do": true, "does": true, "did": true,
	"i": true, "you": true, "he": true, "she": true, "it": true, "we": true,
	"they": true, "my": true, "your": true, "his": true, "her": true, "its": true,
	"our": true, "their": true, "this": true, "that": true, "these": true,
	"those": true, "of": true, "in": true, "on": true, "at": true, "to": true,
	"for": true, "with": true, "from": true, "by": true, "as": true, "about": true,
	"not": true, "no": true, "so": true, "if": true, "then": true, "than": true,
	"too": true, "very": true, "can": true, "will": true, "just": true,
	"thing": true, "things": true, "something": true, "anything": true,
}

// Keywords extracts up to max content-bearing terms from text, ordered by
// frequency then first appearance. Nouns, proper nouns and adjectives count;
// stopwords and short tokens do not.
func Keywords(text string, max int) []string {
	if max <= 0 {
		max = 10
	}

	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		return fallbackKeywords(text, max)
	}

	type candidate struct {
		term  string
		count int
		first int
	}

	index := map[string]*candidate{}
	order := []*candidate{}
	for pos, tok := range doc.Tokens() {
		if !keywordTag(tok.Tag) {
			continue
		}

		term := strings.ToLower(strings.Trim(tok.Text, ".,;:!?\"'()"))
		if len(term) < 3 || stopwords[term] {
			continue
		}

		if c, ok := index[term]; ok {
			c.count++
			continue
		}

		c := &candidate{term: term, count: 1, first: pos}
		index[term] = c
		order = append(order, c)
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].count != order[j].count {
			return order[i].count > order[j].count
		}
		return order[i].first < order[j].first
	})

	if len(order) > max {
		order = order[:max]
	}

	keywords := make([]string, len(order))
	for i, c := range order {
		keywords[i] = c.term
	}

	return keywords
}

func keywordTag(tag string) bool {
	return strings.HasPrefix(tag, "NN") || strings.HasPrefix(tag, "JJ") || strings.HasPrefix(tag, "VB")
}

func fallbackKeywords(text string, max int) []string {
	seen := map[string]bool{}
	keywords := []string{}
	for _, field := range strings.Fields(strings.ToLower(text)) {
		term := strings.Trim(field, ".,;:!?\"'()")
		if len(term) < 3 || stopwords[term] || seen[term] {
			continue
		}
		seen[term] = true
		keywords = append(keywords, term)
		if len(keywords) == max {
			break
		}
	}
	return keywords
}
