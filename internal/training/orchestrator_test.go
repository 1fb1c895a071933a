package training

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dh-agent/backend/internal/knowledge"
	"github.com/dh-agent/backend/internal/llm"
	"github.com/dh-agent/backend/internal/retrieval"
	"github.com/dh-agent/backend/internal/storage/models"
)

type fakeLLM struct {
	intent      string
	response    string
	question    string
	intentErr   error
	responseErr error
}

func (f *fakeLLM) RecognizeIntent(_ context.Context, _ string, _ []string) (*llm.IntentResult, error) {
	if f.intentErr != nil {
		return nil, f.intentErr
	}
	return &llm.IntentResult{Intent: f.intent, Confidence: 0.9}, nil
}

func (f *fakeLLM) GenerateResponse(_ context.Context, _, _ string) (string, error) {
	return f.response, f.responseErr
}

func (f *fakeLLM) GenerateQuestion(_ context.Context, _ string, _ []string) (string, error) {
	return f.question, nil
}

type fakeMemory struct {
	result     *knowledge.StoreResult
	err        error
	corrective bool
	called     bool
}

func (f *fakeMemory) ExtractAndStore(_ context.Context, _, _ string, _ knowledge.Source, opts knowledge.StoreOptions) (*knowledge.StoreResult, error) {
	f.called = true
	f.corrective = opts.Corrective
	return f.result, f.err
}

type fakeRecall struct {
	results []retrieval.Result
}

func (f *fakeRecall) Retrieve(_ context.Context, _ retrieval.Query) ([]retrieval.Result, error) {
	return f.results, nil
}

type fakeLog struct {
	messages []*models.TrainingMessage
	turns    []*models.TurnRecord
}

func (f *fakeLog) SaveMessage(_ context.Context, msg *models.TrainingMessage) error {
	f.messages = append(f.messages, msg)
	return nil
}

func (f *fakeLog) SaveTurn(_ context.Context, turn *models.TurnRecord) error {
	f.turns = append(f.turns, turn)
	return nil
}

func (f *fakeLog) RecentMessages(_ context.Context, _ string, _ int) ([]*models.TrainingMessage, error) {
	return nil, nil
}

func input() TurnInput {
	return TurnInput{OwnerID: "owner-1", SessionID: "s1", Message: "my dog is named Bello"}
}

func TestProcessMessageTeachStoresAndAsksFollowUp(t *testing.T) {
	conv := &fakeLLM{intent: llm.IntentTeach, question: "What breed is Bello?"}
	memory := &fakeMemory{result: &knowledge.StoreResult{
		Stored: []*knowledge.KnowledgeNode{{ID: "k1", Summary: "dog name", Content: "The user's dog is named Bello"}},
	}}
	log := &fakeLog{}

	o := NewOrchestrator(conv, memory, &fakeRecall{}, log)

	result, err := o.ProcessMessage(context.Background(), input())
	require.NoError(t, err)

	assert.Equal(t, llm.IntentTeach, result.Intent)
	assert.Equal(t, StateIdle, result.State)
	assert.Equal(t, 1, result.StoredCount)
	assert.Equal(t, "What breed is Bello?", result.Response)
	assert.False(t, memory.corrective)

	require.Len(t, log.messages, 2)
	assert.Equal(t, models.RoleUser, log.messages[0].Role)
	assert.Equal(t, models.RoleAssistant, log.messages[1].Role)

	require.Len(t, log.turns, 1)
	assert.Equal(t, string(StateIdle), log.turns[0].FinalState)
}

func TestProcessMessageCorrectionIsCorrective(t *testing.T) {
	conv := &fakeLLM{intent: llm.IntentCorrect, question: "Noted. Anything else?"}
	memory := &fakeMemory{result: &knowledge.StoreResult{
		Stored: []*knowledge.KnowledgeNode{{ID: "k2", Summary: "home city"}},
	}}

	o := NewOrchestrator(conv, memory, &fakeRecall{}, &fakeLog{})

	_, err := o.ProcessMessage(context.Background(), input())
	require.NoError(t, err)
	assert.True(t, memory.corrective)
}

func TestProcessMessageQuestionUsesRecalledMemory(t *testing.T) {
	conv := &fakeLLM{intent: llm.IntentQuestion, response: "Your dog is named Bello."}
	memory := &fakeMemory{}
	recall := &fakeRecall{results: []retrieval.Result{
		{Node: &knowledge.KnowledgeNode{ID: "k1", Content: "The user's dog is named Bello", Category: knowledge.CategoryFact, Confidence: 0.9}},
	}}

	o := NewOrchestrator(conv, memory, recall, &fakeLog{})

	result, err := o.ProcessMessage(context.Background(), input())
	require.NoError(t, err)

	assert.False(t, memory.called, "questions must not write memory")
	assert.Equal(t, "Your dog is named Bello.", result.Response)
	require.Len(t, result.Recalled, 1)
}

func TestProcessMessageTeachWithNothingStoredFallsBackToChat(t *testing.T) {
	conv := &fakeLLM{intent: llm.IntentTeach, response: "Tell me more."}
	memory := &fakeMemory{result: &knowledge.StoreResult{}}

	o := NewOrchestrator(conv, memory, &fakeRecall{}, &fakeLog{})

	result, err := o.ProcessMessage(context.Background(), input())
	require.NoError(t, err)
	assert.Equal(t, "Tell me more.", result.Response)
}

func TestProcessMessageFailurePersistsUserMessage(t *testing.T) {
	conv := &fakeLLM{intent: llm.IntentTeach}
	memory := &fakeMemory{err: errors.New("graph down")}
	log := &fakeLog{}

	o := NewOrchestrator(conv, memory, &fakeRecall{}, log)

	result, err := o.ProcessMessage(context.Background(), input())
	require.Error(t, err)
	assert.Equal(t, StateError, result.State)

	// Raw input survives the failed turn.
	require.Len(t, log.messages, 1)
	assert.Equal(t, models.RoleUser, log.messages[0].Role)
	assert.Equal(t, "my dog is named Bello", log.messages[0].Content)

	require.Len(t, log.turns, 1)
	assert.Equal(t, string(StateStoringMemory), log.turns[0].FinalState)
}

func TestProcessMessageIntentFailureStillKeepsMessage(t *testing.T) {
	conv := &fakeLLM{intentErr: errors.New("llm down")}
	log := &fakeLog{}

	o := NewOrchestrator(conv, &fakeMemory{}, &fakeRecall{}, log)

	_, err := o.ProcessMessage(context.Background(), input())
	require.Error(t, err)
	require.Len(t, log.messages, 1)
	assert.Equal(t, string(StateRecognizingIntent), log.turns[0].FinalState)
}
