package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/extraction"
	"github.com/dh-agent/backend/internal/metrics"
	"github.com/dh-agent/backend/pkg/circuitbreaker"
	"github.com/dh-agent/backend/pkg/errs"
	"github.com/dh-agent/backend/pkg/logger"
	"github.com/dh-agent/backend/pkg/retry"
)

type Client struct {
	client         *openai.Client
	model          string
	embeddingModel string
	temperature    float32
	maxTokens      int
	cb             *circuitbreaker.CircuitBreaker
	retryConfig    retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(apiKey, model, embeddingModel string, temperature float32, maxTokens int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("LLM client initialized",
		zap.String("model", model),
		zap.String("embedding_model", embeddingModel),
	)

	return &Client{
		client:         client,
		model:          model,
		embeddingModel: embeddingModel,
		temperature:    temperature,
		maxTokens:      maxTokens,
		cb:             cb,
		retryConfig:    retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	metrics.LLMTokensUsed.WithLabelValues(c.model, "prompt").Add(float64(result.Usage.PromptTokens))
	metrics.LLMTokensUsed.WithLabelValues(c.model, "completion").Add(float64(result.Usage.CompletionTokens))

	return result, nil
}

func (c *Client) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var embedding []float32

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateEmbeddings(
				ctx,
				openai.EmbeddingRequest{
					Input: []string{text},
					Model: openai.EmbeddingModel(c.embeddingModel),
				},
			)

			if err != nil {
				return fmt.Errorf("failed to generate embedding: %w", err)
			}

			embedding = make([]float32, len(resp.Data[0].Embedding))
			copy(embedding, resp.Data[0].Embedding)

			return nil
		})
	})

	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrEmbeddingUnavailable, err)
	}

	return embedding, nil
}

func (c *Client) GenerateBatchEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	var embeddings [][]float32

	batchSize := 100
	for i := 0; i < len(texts); i += batchSize {
		end := i + batchSize
		if end > len(texts) {
			end = len(texts)
		}

		batch := texts[i:end]

		err := c.cb.Execute(ctx, func() error {
			return retry.Do(ctx, c.retryConfig, func() error {
				resp, err := c.client.CreateEmbeddings(
					ctx,
					openai.EmbeddingRequest{
						Input: batch,
						Model: openai.EmbeddingModel(c.embeddingModel),
					},
				)

				if err != nil {
					return fmt.Errorf("failed to generate batch embeddings: %w", err)
				}

				for _, data := range resp.Data {
					embedding := make([]float32, len(data.Embedding))
					copy(embedding, data.Embedding)
					embeddings = append(embeddings, embedding)
				}

				return nil
			})
		})

		if err != nil {
			return nil, fmt.Errorf("%w: %v", errs.ErrEmbeddingUnavailable, err)
		}
	}

	logger.Debug("Batch embeddings generated", zap.Int("count", len(embeddings)))

	return embeddings, nil
}

// KnowledgeExtraction is one knowledge unit pulled out of a message or
// document chunk.
type KnowledgeExtraction struct {
	Content    string              `json:"content"`
	Summary    string              `json:"summary"`
	Category   string              `json:"category"`
	Confidence float64             `json:"confidence"`
	Keywords   []string            `json:"keywords"`
	Entities   []MentionExtraction `json:"entities"`
}

type MentionExtraction struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Description string `json:"description"`
}

type ContradictionVerdict struct {
	Contradicts bool    `json:"contradicts"`
	Reason      string  `json:"reason"`
	Confidence  float64 `json:"confidence"`
}

type IntentResult struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

const (
	IntentTeach      = "teach"
	IntentCorrect    = "correct"
	IntentQuestion   = "question"
	IntentChat       = "chat"
	IntentValidation = "validation"
)

// ExtractKnowledge decomposes free text into discrete knowledge units with
// categories, confidence and entity mentions. Malformed model output maps to
// ErrExtractionFailure so callers can keep the raw text and move on.
func (c *Client) ExtractKnowledge(ctx context.Context, text string) ([]KnowledgeExtraction, error) {
	systemPrompt := `You are a knowledge extraction engine for a personal memory system. Decompose the user's message into discrete, self-contained knowledge units.

Categories:
- fact: objective statement about the world or the user
- experience: something that happened to the user
- preference: what the user likes, dislikes or wants
- skill: something the user knows how to do
- rule: an instruction or constraint the user wants followed
- concept: a definition or explanation of an idea

For each unit provide:
- content: the knowledge restated as a standalone sentence
- summary: a short phrase naming it
- category: one of the categories above
- confidence: 0.0-1.0, how certain the text supports this unit
- keywords: 3-8 lowercase terms
- entities: people, places, organizations, products mentioned, as {"name", "type", "description"}

Return ONLY a JSON array:
[{"content": "...", "summary": "...", "category": "fact", "confidence": 0.9, "keywords": ["..."], "entities": [{"name": "...", "type": "person", "description": "..."}]}]

Return [] when the message contains no durable knowledge.`

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   text,
		Temperature:  0.2,
		MaxTokens:    1500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract knowledge: %w", err)
	}

	var extractions []KnowledgeExtraction
	if err := unmarshalLoose(resp.Content, &extractions); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrExtractionFailure, err)
	}

	logger.Debug("Knowledge extracted", zap.Int("units", len(extractions)))

	return extractions, nil
}

// ExtractEntities pulls named entities out of free text without the full
// knowledge decomposition. Used for query-side entity matching.
func (c *Client) ExtractEntities(ctx context.Context, text string) ([]MentionExtraction, error) {
	systemPrompt := `Extract named entities (people, places, organizations, products, technologies) from the text.

Return ONLY a JSON array:
[{"name": "entity name", "type": "person|place|organization|product|technology|other", "description": "one short phrase"}]

Return [] when there are none.`

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   text,
		Temperature:  0.1,
		MaxTokens:    600,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract entities: %w", err)
	}

	var mentions []MentionExtraction
	if err := unmarshalLoose(resp.Content, &mentions); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrExtractionFailure, err)
	}

	return mentions, nil
}

// Extract adapts ExtractEntities to the extraction.Extractor interface so the
// client can serve as the primary NER, with a local extractor behind it.
func (c *Client) Extract(ctx context.Context, text string) ([]extraction.Mention, error) {
	entities, err := c.ExtractEntities(ctx, text)
	if err != nil {
		return nil, err
	}

	mentions := make([]extraction.Mention, 0, len(entities))
	for _, e := range entities {
		mentions = append(mentions, extraction.Mention{
			Name:        e.Name,
			Type:        e.Type,
			Description: e.Description,
		})
	}
	return mentions, nil
}

// CheckContradiction classifies whether two statements conflict.
func (c *Client) CheckContradiction(ctx context.Context, statement, existing string) (*ContradictionVerdict, error) {
	systemPrompt := `Decide whether two statements contradict each other. Statements contradict when both cannot be true at the same time for the same subject. Different topics, refinements and added detail are NOT contradictions.

Return ONLY JSON:
{"contradicts": true, "reason": "one sentence explaining the conflict", "confidence": 0.9}`

	userPrompt := fmt.Sprintf("Statement A: %s\n\nStatement B: %s", statement, existing)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    300,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to check contradiction: %w", err)
	}

	var verdict ContradictionVerdict
	if err := unmarshalLoose(resp.Content, &verdict); err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrExtractionFailure, err)
	}

	return &verdict, nil
}

// RecognizeIntent classifies a training message so the orchestrator can pick
// its path. Unparseable output falls back to chat rather than failing the
// turn.
func (c *Client) RecognizeIntent(ctx context.Context, message string, recentTurns []string) (*IntentResult, error) {
	systemPrompt := `Classify the intent of the user's message in a teaching conversation.

Intents:
- teach: the user is telling you something to remember
- correct: the user is correcting something you said or previously stored
- question: the user is asking you something
- validation: the user is confirming or rejecting a fact you proposed
- chat: small talk, nothing to remember

Return ONLY JSON: {"intent": "teach", "confidence": 0.9}`

	userPrompt := message
	if len(recentTurns) > 0 {
		userPrompt = fmt.Sprintf("Recent conversation:\n%s\n\nCurrent message: %s",
			strings.Join(recentTurns, "\n"), message)
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to recognize intent: %w", err)
	}

	var result IntentResult
	if err := unmarshalLoose(resp.Content, &result); err != nil {
		logger.Warn("Intent classification unparseable, defaulting to chat", zap.Error(err))
		return &IntentResult{Intent: IntentChat, Confidence: 0}, nil
	}

	switch result.Intent {
	case IntentTeach, IntentCorrect, IntentQuestion, IntentValidation, IntentChat:
	default:
		result.Intent = IntentChat
	}

	return &result, nil
}

// GenerateResponse produces the assistant reply, grounded in retrieved
// memory.
func (c *Client) GenerateResponse(ctx context.Context, message, memoryContext string) (string, error) {
	systemPrompt := `You are a personal assistant with long-term memory. Answer using the remembered knowledge below when it is relevant, and say so plainly when you do not know something. Never invent memories.`

	userPrompt := fmt.Sprintf("Remembered knowledge:\n%s\n\nUser: %s", memoryContext, message)
	if strings.TrimSpace(memoryContext) == "" {
		userPrompt = message
	}

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.7,
		MaxTokens:    1024,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate response: %w", err)
	}

	return resp.Content, nil
}

// GenerateQuestion asks a follow-up that deepens what the user just taught.
func (c *Client) GenerateQuestion(ctx context.Context, topic string, known []string) (string, error) {
	systemPrompt := `You are a curious assistant being taught by the user. Ask ONE short follow-up question that fills a gap in what you know about the topic. Do not repeat what you already know. Return only the question.`

	userPrompt := fmt.Sprintf("Topic: %s\n\nAlready known:\n%s", topic, strings.Join(known, "\n"))

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.8,
		MaxTokens:    150,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate question: %w", err)
	}

	return strings.TrimSpace(resp.Content), nil
}
