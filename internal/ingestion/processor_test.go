package ingestion

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/pkg/errs"
)

type fakeMemory struct {
	chunks  []string
	sources []knowledge.Source
	err     error
}

func (f *fakeMemory) ExtractAndStore(_ context.Context, _, text string, source knowledge.Source, _ knowledge.StoreOptions) (*knowledge.StoreResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.chunks = append(f.chunks, text)
	f.sources = append(f.sources, source)
	return &knowledge.StoreResult{
		Stored: []*knowledge.KnowledgeNode{{ID: "k"}},
	}, nil
}

func TestCleanHTMLStripsMarkup(t *testing.T) {
	html := `<html><head><style>body{color:red}</style></head>
	<body>
		<nav>Menu</nav>
		<script>alert("x")</script>
		<h1>Coffee brewing</h1>
		<p>Use water at 93 degrees.</p>
		<footer>copyright</footer>
	</body></html>`

	text, err := cleanHTML(html)
	require.NoError(t, err)

	assert.Contains(t, text, "Coffee brewing")
	assert.Contains(t, text, "93 degrees")
	assert.NotContains(t, text, "alert")
	assert.NotContains(t, text, "Menu")
	assert.NotContains(t, text, "copyright")
}

func TestChunkTextPacksParagraphs(t *testing.T) {
	text := strings.Repeat("First paragraph about coffee.\n", 3)
	chunks := chunkText(text, 1500, 200)
	require.Len(t, chunks, 1)
}

func TestChunkTextSplitsWithOverlap(t *testing.T) {
	para := strings.Repeat("word ", 100) // ~500 chars
	text := para + "\n" + para + "\n" + para

	chunks := chunkText(text, 600, 100)
	require.Greater(t, len(chunks), 1)

	// Consecutive chunks share the overlap tail.
	tail := chunks[0][len(chunks[0])-50:]
	assert.Contains(t, chunks[1], strings.TrimSpace(tail))
}

func TestChunkTextHardSplitsOversizedParagraph(t *testing.T) {
	text := strings.Repeat("x", 5000)
	chunks := chunkText(text, 1000, 100)
	require.Greater(t, len(chunks), 3)
	for _, chunk := range chunks {
		assert.LessOrEqual(t, len(chunk), 1100)
	}
}

func TestIngestTextStoresEveryChunkAsDocument(t *testing.T) {
	memory := &fakeMemory{}
	p := NewProcessor(memory)

	result, err := p.IngestText(context.Background(), "owner-1", "notes.txt", "Coffee should be brewed at 93 degrees.")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Chunks)
	assert.Equal(t, 1, result.Stored)
	require.Len(t, memory.sources, 1)
	assert.Equal(t, knowledge.SourceDocument, memory.sources[0])
}

func TestIngestTextRejectsEmptyInput(t *testing.T) {
	p := NewProcessor(&fakeMemory{})

	_, err := p.IngestText(context.Background(), "", "doc", "text")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = p.IngestText(context.Background(), "owner-1", "doc", "   ")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestIngestTextCountsFailedChunks(t *testing.T) {
	memory := &fakeMemory{err: errs.ErrExtractionFailure}
	p := NewProcessor(memory)

	result, err := p.IngestText(context.Background(), "owner-1", "doc", "Some content here.")
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailedChunks)
	assert.Equal(t, 0, result.Stored)
}
