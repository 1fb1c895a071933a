package training

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/internal/llm"
	"github.com/dh-agent/backend/internal/retrieval"
	"github.com/dh-agent/backend/internal/storage/models"
	"github.com/dh-agent/backend/pkg/logger"
)

// State names the stage a turn is in. Every turn starts at StateIdle and
// either returns there or ends in StateError with the user message already
// persisted.
type State string

const (
	StateIdle               State = "idle"
	StateAnalyzingMessage   State = "analyzing_message"
	StateRecognizingIntent  State = "recognizing_intent"
	StateSearchingMemory    State = "searching_memory"
	StateGeneratingResponse State = "generating_response"
	StateStoringMemory      State = "storing_memory"
	StateError              State = "error"
)

type conversationLLM interface {
	RecognizeIntent(ctx context.Context, message string, recentTurns []string) (*llm.IntentResult, error)
	GenerateResponse(ctx context.Context, message, memoryContext string) (string, error)
	GenerateQuestion(ctx context.Context, topic string, known []string) (string, error)
}

type memoryWriter interface {
	ExtractAndStore(ctx context.Context, ownerID, text string, source knowledge.Source, opts knowledge.StoreOptions) (*knowledge.StoreResult, error)
}

type memoryReader interface {
	Retrieve(ctx context.Context, q retrieval.Query) ([]retrieval.Result, error)
}

type messageLog interface {
	SaveMessage(ctx context.Context, msg *models.TrainingMessage) error
	SaveTurn(ctx context.Context, turn *models.TurnRecord) error
	RecentMessages(ctx context.Context, sessionID string, limit int) ([]*models.TrainingMessage, error)
}

// Orchestrator drives one training turn through intent recognition, memory
// search, storage and response generation.
type Orchestrator struct {
	llm      conversationLLM
	memory   memoryWriter
	recall   memoryReader
	log      messageLog
	memLimit int
}

type TurnInput struct {
	OwnerID   string
	SessionID string
	Message   string
}

type TurnResult struct {
	Response       string
	Intent         string
	State          State
	StoredCount    int
	Contradictions int
	Recalled       []retrieval.Result
}

func NewOrchestrator(conv conversationLLM, memory memoryWriter, recall memoryReader, log messageLog) *Orchestrator {
	return &Orchestrator{
		llm:      conv,
		memory:   memory,
		recall:   recall,
		log:      log,
		memLimit: 5,
	}
}

// ProcessMessage runs a full turn. The raw user message is persisted before
// anything else, so extraction or generation failures never lose input.
func (o *Orchestrator) ProcessMessage(ctx context.Context, input TurnInput) (*TurnResult, error) {
	start := time.Now()
	state := StateAnalyzingMessage

	userMsg := &models.TrainingMessage{
		ID:        uuid.New().String(),
		OwnerID:   input.OwnerID,
		SessionID: input.SessionID,
		Role:      models.RoleUser,
		Content:   input.Message,
		CreatedAt: time.Now(),
	}
	if err := o.log.SaveMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("failed to persist user message: %w", err)
	}

	result := &TurnResult{}

	state = StateRecognizingIntent
	intent, err := o.llm.RecognizeIntent(ctx, input.Message, o.recentTurns(ctx, input.SessionID))
	if err != nil {
		return o.fail(ctx, input, userMsg, result, state, start, err)
	}
	result.Intent = intent.Intent

	state = StateSearchingMemory
	recalled, err := o.recall.Retrieve(ctx, retrieval.Query{
		OwnerID: input.OwnerID,
		Text:    input.Message,
		Limit:   o.memLimit,
	})
	if err != nil {
		logger.Warn("Memory search failed, continuing without recall",
			zap.String("session_id", input.SessionID),
			zap.Error(err),
		)
	}
	result.Recalled = recalled

	switch intent.Intent {
	case llm.IntentTeach, llm.IntentCorrect:
		state = StateStoringMemory
		stored, err := o.memory.ExtractAndStore(ctx, input.OwnerID, input.Message, knowledge.SourceTraining, knowledge.StoreOptions{
			Corrective: intent.Intent == llm.IntentCorrect,
			Context:    map[string]string{"session_id": input.SessionID},
		})
		if err != nil {
			return o.fail(ctx, input, userMsg, result, state, start, err)
		}
		result.StoredCount = len(stored.Stored)
		result.Contradictions = len(stored.Contradictions)

		state = StateGeneratingResponse
		result.Response, err = o.teachingResponse(ctx, input.Message, stored, recalled)
		if err != nil {
			return o.fail(ctx, input, userMsg, result, state, start, err)
		}

	default:
		state = StateGeneratingResponse
		result.Response, err = o.llm.GenerateResponse(ctx, input.Message, memoryContext(recalled))
		if err != nil {
			return o.fail(ctx, input, userMsg, result, state, start, err)
		}
	}

	result.State = StateIdle
	o.finishTurn(ctx, input, userMsg, result, StateIdle, start)

	logger.Info("Training turn completed",
		zap.String("session_id", input.SessionID),
		zap.String("intent", result.Intent),
		zap.Int("stored", result.StoredCount),
		zap.Duration("latency", time.Since(start)),
	)

	return result, nil
}

// teachingResponse acknowledges what was learned and asks one follow-up
// question to deepen it.
func (o *Orchestrator) teachingResponse(ctx context.Context, message string, stored *knowledge.StoreResult, recalled []retrieval.Result) (string, error) {
	if len(stored.Stored) == 0 {
		return o.llm.GenerateResponse(ctx, message, memoryContext(recalled))
	}

	known := make([]string, 0, len(stored.Stored))
	for _, node := range stored.Stored {
		known = append(known, node.Content)
	}

	question, err := o.llm.GenerateQuestion(ctx, stored.Stored[0].Summary, known)
	if err != nil {
		return "", err
	}

	return question, nil
}

func (o *Orchestrator) recentTurns(ctx context.Context, sessionID string) []string {
	messages, err := o.log.RecentMessages(ctx, sessionID, o.memLimit)
	if err != nil {
		logger.Warn("Failed to load recent messages", zap.Error(err))
		return nil
	}

	turns := make([]string, 0, len(messages))
	for _, msg := range messages {
		turns = append(turns, fmt.Sprintf("%s: %s", msg.Role, msg.Content))
	}
	return turns
}

func (o *Orchestrator) fail(ctx context.Context, input TurnInput, userMsg *models.TrainingMessage, result *TurnResult, state State, start time.Time, err error) (*TurnResult, error) {
	result.State = StateError
	o.finishTurn(ctx, input, userMsg, result, state, start)

	logger.Error("Training turn failed",
		zap.String("session_id", input.SessionID),
		zap.String("state", string(state)),
		zap.Error(err),
	)

	return result, fmt.Errorf("turn failed in %s: %w", state, err)
}

// finishTurn records the turn outcome and the assistant reply. Both are best
// effort; the user message is already durable.
func (o *Orchestrator) finishTurn(ctx context.Context, input TurnInput, userMsg *models.TrainingMessage, result *TurnResult, finalState State, start time.Time) {
	if result.Response != "" {
		assistantMsg := &models.TrainingMessage{
			ID:        uuid.New().String(),
			OwnerID:   input.OwnerID,
			SessionID: input.SessionID,
			Role:      models.RoleAssistant,
			Content:   result.Response,
			Intent:    result.Intent,
			CreatedAt: time.Now(),
		}
		if err := o.log.SaveMessage(ctx, assistantMsg); err != nil {
			logger.Warn("Failed to persist assistant message", zap.Error(err))
		}
	}

	turn := &models.TurnRecord{
		ID:             uuid.New().String(),
		OwnerID:        input.OwnerID,
		SessionID:      input.SessionID,
		UserMessageID:  userMsg.ID,
		Response:       result.Response,
		Intent:         result.Intent,
		StoredCount:    result.StoredCount,
		Contradictions: result.Contradictions,
		FinalState:     string(finalState),
		LatencyMs:      time.Since(start).Milliseconds(),
		CreatedAt:      time.Now(),
	}
	if err := o.log.SaveTurn(ctx, turn); err != nil {
		logger.Warn("Failed to persist turn record", zap.Error(err))
	}
}

func memoryContext(results []retrieval.Result) string {
	if len(results) == 0 {
		return ""
	}

	var b strings.Builder
	for _, res := range results {
		fmt.Fprintf(&b, "- [%s, confidence %.2f] %s\n",
			res.Node.Category, res.Node.Confidence, res.Node.Content)
	}
	return b.String()
}
