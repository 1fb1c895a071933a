package ingestion

import (
	"context"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/pkg/errs"
	"github.com/dh-agent/backend/pkg/logger"
)

type memoryWriter interface {
	ExtractAndStore(ctx context.Context, ownerID, text string, source knowledge.Source, opts knowledge.StoreOptions) (*knowledge.StoreResult, error)
}

// Processor turns documents into knowledge: strip markup, chunk, then run
// each chunk through the extraction pipeline with source=document.
type Processor struct {
	memory    memoryWriter
	chunkSize int
	overlap   int
}

type IngestResult struct {
	Chunks         int
	Stored         int
	Skipped        int
	Contradictions int
	FailedChunks   int
}

func NewProcessor(memory memoryWriter) *Processor {
	return &Processor{
		memory:    memory,
		chunkSize: 1500,
		overlap:   200,
	}
}

// IngestHTML cleans markup out of an HTML document and ingests the text.
func (p *Processor) IngestHTML(ctx context.Context, ownerID, name, html string) (*IngestResult, error) {
	text, err := cleanHTML(html)
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	return p.IngestText(ctx, ownerID, name, text)
}

// IngestText chunks plain text and extracts knowledge from each chunk. A
// failing chunk is counted and skipped; the rest of the document still
// lands.
func (p *Processor) IngestText(ctx context.Context, ownerID, name, text string) (*IngestResult, error) {
	if ownerID == "" || strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("%w: owner_id and document text are required", errs.ErrInvalidArgument)
	}

	chunks := chunkText(text, p.chunkSize, p.overlap)
	result := &IngestResult{Chunks: len(chunks)}

	for i, chunk := range chunks {
		stored, err := p.memory.ExtractAndStore(ctx, ownerID, chunk, knowledge.SourceDocument, knowledge.StoreOptions{
			Context: map[string]string{
				"document": name,
				"chunk":    fmt.Sprintf("%d", i),
			},
		})
		if err != nil {
			logger.Warn("Chunk ingestion failed",
				zap.String("document", name),
				zap.Int("chunk", i),
				zap.Error(err),
			)
			result.FailedChunks++
			continue
		}

		result.Stored += len(stored.Stored)
		result.Skipped += stored.Skipped
		result.Contradictions += len(stored.Contradictions)
	}

	logger.Info("Document ingested",
		zap.String("owner_id", ownerID),
		zap.String("document", name),
		zap.Int("chunks", result.Chunks),
		zap.Int("stored", result.Stored),
		zap.Int("failed_chunks", result.FailedChunks),
	)

	return result, nil
}

func cleanHTML(html string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}

	doc.Find("script, style, nav, header, footer, aside, noscript, iframe").Remove()

	var parts []string
	doc.Find("h1, h2, h3, h4, p, li, td, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text != "" {
			parts = append(parts, text)
		}
	})

	if len(parts) == 0 {
		return strings.TrimSpace(doc.Text()), nil
	}

	return strings.Join(parts, "\n"), nil
}

// chunkText splits on paragraph boundaries, packing paragraphs up to size
// runes per chunk with the tail of the previous chunk carried as overlap.
func chunkText(text string, size, overlap int) []string {
	paragraphs := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' })

	chunks := []string{}
	var current strings.Builder

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		current.Reset()
	}

	for _, para := range paragraphs {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}

		if current.Len() > 0 && current.Len()+len(para) > size {
			tail := tailRunes(current.String(), overlap)
			flush()
			current.WriteString(tail)
			if tail != "" {
				current.WriteString("\n")
			}
		}

		// Oversized single paragraphs are split hard.
		for len(para) > size {
			current.WriteString(para[:size])
			para = para[size:]
			flush()
		}

		if current.Len() > 0 {
			current.WriteString("\n")
		}
		current.WriteString(para)
	}
	flush()

	return chunks
}

func tailRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[len(runes)-n:])
}
