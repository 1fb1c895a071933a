package extraction

import (
	"context"
	"strings"

	"github.com/jdkato/prose/v2"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/pkg/logger"
)

// Mention is a named entity surfaced from text, before resolution against
// the graph.
type Mention struct {
	Name        string
	Type        string
	Description string
}

// Extractor surfaces entity mentions from free text.
type Extractor interface {
	Extract(ctx context.Context, text string) ([]Mention, error)
}

// ProseExtractor runs local NER. It backs the LLM extractor when the model
// is unreachable and serves query-side matching where an LLM round trip is
// too slow.
type ProseExtractor struct{}

func NewProseExtractor() *ProseExtractor {
	return &ProseExtractor{}
}

func (p *ProseExtractor) Extract(ctx context.Context, text string) ([]Mention, error) {
	doc, err := prose.NewDocument(text, prose.WithSegmentation(false))
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	mentions := []Mention{}
	for _, ent := range doc.Entities() {
		name := strings.TrimSpace(ent.Text)
		key := strings.ToLower(name)
		if name == "" || seen[key] {
			continue
		}
		seen[key] = true

		mentions = append(mentions, Mention{
			Name: name,
			Type: mentionType(ent.Label),
		})
	}

	logger.Debug("Local entity extraction completed",
		zap.Int("mentions", len(mentions)),
	)

	return mentions, nil
}

func mentionType(label string) string {
	switch label {
	case "PERSON":
		return "person"
	case "GPE":
		return "place"
	}
	return "other"
}
