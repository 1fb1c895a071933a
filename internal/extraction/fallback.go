package extraction

import (
	"context"

	"go.uber.org/zap"

	"github.com/dh-agent/backend/pkg/logger"
)

// FallbackExtractor tries the primary extractor and falls back to the
// secondary when the primary fails. Pairs the LLM extractor with local NER
// so entity linking survives a model outage.
type FallbackExtractor struct {
	primary  Extractor
	fallback Extractor
}

func WithFallback(primary, fallback Extractor) *FallbackExtractor {
	return &FallbackExtractor{primary: primary, fallback: fallback}
}

func (f *FallbackExtractor) Extract(ctx context.Context, text string) ([]Mention, error) {
	mentions, err := f.primary.Extract(ctx, text)
	if err == nil {
		return mentions, nil
	}

	logger.Warn("Primary entity extraction failed, using fallback", zap.Error(err))
	return f.fallback.Extract(ctx, text)
}
