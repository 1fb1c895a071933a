package knowledge

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dh-agent/backend/internal/llm"
	"github.com/dh-agent/backend/pkg/config"
	"github.com/dh-agent/backend/pkg/errs"
)

type storedRelation struct {
	from, to string
	relType  RelationType
	props    map[string]any
}

type fakeNodeStore struct {
	nodes      map[string]*KnowledgeNode
	candidates []*KnowledgeNode
	relations  []storedRelation
	mentions   [][2]string
}

func newFakeNodeStore() *fakeNodeStore {
	return &fakeNodeStore{nodes: map[string]*KnowledgeNode{}}
}

func (f *fakeNodeStore) Create(_ context.Context, node *KnowledgeNode) error {
	f.nodes[node.ID] = node
	return nil
}

func (f *fakeNodeStore) Update(_ context.Context, id, ownerID string, fields map[string]any) (*KnowledgeNode, error) {
	node, ok := f.nodes[id]
	if !ok || node.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: knowledge %s", errs.ErrNotFound, id)
	}
	if v, ok := fields["content"].(string); ok {
		node.Content = v
	}
	if v, ok := fields["confidence"].(float64); ok {
		node.Confidence = v
	}
	if v, ok := fields["requires_validation"].(bool); ok {
		node.RequiresValidation = v
	}
	if v, ok := fields["keywords"].([]string); ok {
		node.Keywords = v
	}
	return node, nil
}

func (f *fakeNodeStore) UpdateStatus(_ context.Context, id, ownerID string, to ValidationStatus) (*KnowledgeNode, error) {
	node, ok := f.nodes[id]
	if !ok || node.OwnerID != ownerID {
		return nil, fmt.Errorf("%w: knowledge %s", errs.ErrNotFound, id)
	}
	if !node.ValidationStatus.CanTransition(to) {
		return nil, fmt.Errorf("%w: cannot transition from %s to %s", errs.ErrInvalidArgument, node.ValidationStatus, to)
	}
	node.ValidationStatus = to
	return node, nil
}

func (f *fakeNodeStore) SoftDelete(ctx context.Context, id, ownerID string) error {
	_, err := f.UpdateStatus(ctx, id, ownerID, StatusDeprecated)
	return err
}

func (f *fakeNodeStore) SearchByKeywords(_ context.Context, _ string, _ []string, _, _ int) ([]*KnowledgeNode, error) {
	return f.candidates, nil
}

func (f *fakeNodeStore) CreateRelation(_ context.Context, fromID, toID string, relType RelationType, props map[string]any) error {
	f.relations = append(f.relations, storedRelation{from: fromID, to: toID, relType: relType, props: props})
	return nil
}

func (f *fakeNodeStore) LinkMention(_ context.Context, knowledgeID, entityID string) error {
	f.mentions = append(f.mentions, [2]string{knowledgeID, entityID})
	return nil
}

type fakeEntityStore struct {
	entities   map[string]*EntityNode
	increments []string
	coocc      [][2]string
}

func newFakeEntityStore() *fakeEntityStore {
	return &fakeEntityStore{entities: map[string]*EntityNode{}}
}

func (f *fakeEntityStore) FindOrCreate(_ context.Context, ownerID, name, entityType, description string) (*EntityNode, bool, error) {
	normalized := NormalizeEntityName(name)
	if normalized == "" {
		return nil, false, fmt.Errorf("%w: empty entity name", errs.ErrInvalidArgument)
	}
	if entity, ok := f.entities[normalized]; ok {
		return entity, false, nil
	}
	entity := &EntityNode{
		ID:             "e-" + normalized,
		Name:           name,
		NormalizedName: normalized,
		EntityType:     entityType,
		OwnerID:        ownerID,
		MentionCount:   1,
	}
	f.entities[normalized] = entity
	return entity, true, nil
}

func (f *fakeEntityStore) IncrementMention(_ context.Context, entityID string) error {
	f.increments = append(f.increments, entityID)
	return nil
}

func (f *fakeEntityStore) CoOccurrence(_ context.Context, a, b string) error {
	f.coocc = append(f.coocc, [2]string{a, b})
	return nil
}

type fakeExtractor struct {
	units      []llm.KnowledgeExtraction
	extractErr error
	verdicts   map[string]*llm.ContradictionVerdict
}

func (f *fakeExtractor) ExtractKnowledge(_ context.Context, _ string) ([]llm.KnowledgeExtraction, error) {
	return f.units, f.extractErr
}

func (f *fakeExtractor) CheckContradiction(_ context.Context, _, existing string) (*llm.ContradictionVerdict, error) {
	if v, ok := f.verdicts[existing]; ok {
		return v, nil
	}
	return &llm.ContradictionVerdict{Contradicts: false}, nil
}

type fakeIndexer struct {
	indexed []string
	removed []string
}

func (f *fakeIndexer) Index(_ context.Context, node *KnowledgeNode) error {
	f.indexed = append(f.indexed, node.ID)
	return nil
}

func (f *fakeIndexer) Remove(_ context.Context, ids []string) error {
	f.removed = append(f.removed, ids...)
	return nil
}

func testKnowledgeConfig() config.KnowledgeConfig {
	return config.KnowledgeConfig{
		MinConfidence: map[string]float64{
			"fact": 0.7, "experience": 0.5, "preference": 0.5,
			"skill": 0.6, "rule": 0.8, "concept": 0.6,
		},
		AlwaysValidate:          []string{"rule", "experience", "preference"},
		KeywordOverlapRatio:     0.3,
		FuzzyMatchRatio:         0.9,
		MaxKeywords:             10,
		CorrectedConfidence:     1.0,
		ContradictionCandidates: 5,
	}
}

func newTestService(store *fakeNodeStore, entities *fakeEntityStore, extractor *fakeExtractor, indexer *fakeIndexer) *Service {
	return NewService(store, entities, extractor, nil, indexer, testKnowledgeConfig())
}

func TestExtractAndStoreBasic(t *testing.T) {
	store := newFakeNodeStore()
	entities := newFakeEntityStore()
	indexer := &fakeIndexer{}
	extractor := &fakeExtractor{
		units: []llm.KnowledgeExtraction{
			{
				Content:    "Alice works at Initech",
				Summary:    "Alice's employer",
				Category:   "fact",
				Confidence: 0.9,
				Keywords:   []string{"alice", "initech", "work"},
				Entities: []llm.MentionExtraction{
					{Name: "Alice", Type: "person"},
					{Name: "Initech", Type: "organization"},
				},
			},
			{
				Content:    "Maybe Alice likes tea",
				Summary:    "tea guess",
				Category:   "fact",
				Confidence: 0.5,
				Keywords:   []string{"alice", "tea"},
			},
		},
	}

	svc := newTestService(store, entities, extractor, indexer)

	result, err := svc.ExtractAndStore(context.Background(), "owner-1", "some message", SourceTraining, StoreOptions{})
	require.NoError(t, err)

	require.Len(t, result.Stored, 2)
	assert.Equal(t, 0, result.Skipped)

	confident := result.Stored[0]
	assert.Equal(t, StatusValidated, confident.ValidationStatus)
	assert.False(t, confident.RequiresValidation)
	assert.Equal(t, "owner-1", confident.OwnerID)

	guess := result.Stored[1]
	assert.Equal(t, StatusUnvalidated, guess.ValidationStatus)
	assert.True(t, guess.RequiresValidation)
	assert.Equal(t, 0.5, guess.Confidence)

	assert.Len(t, entities.entities, 2)
	assert.Len(t, store.mentions, 2)
	assert.Len(t, entities.coocc, 1)
	assert.Equal(t, []string{confident.ID, guess.ID}, indexer.indexed)
}

func TestExtractAndStoreBelowFloorHeldForReview(t *testing.T) {
	store := newFakeNodeStore()
	extractor := &fakeExtractor{
		units: []llm.KnowledgeExtraction{
			{
				Content:    "The user might own a cat",
				Summary:    "pet guess",
				Category:   "fact",
				Confidence: 0.4,
				Keywords:   []string{"cat", "pet"},
			},
		},
	}

	svc := newTestService(store, newFakeEntityStore(), extractor, &fakeIndexer{})

	result, err := svc.ExtractAndStore(context.Background(), "owner-1", "msg", SourceTraining, StoreOptions{})
	require.NoError(t, err)

	require.Len(t, result.Stored, 1)
	assert.Equal(t, 0, result.Skipped)

	node := result.Stored[0]
	assert.Equal(t, StatusUnvalidated, node.ValidationStatus)
	assert.True(t, node.RequiresValidation)
	assert.Equal(t, 0.4, node.Confidence)
}

func TestExtractAndStoreRuleRequiresValidation(t *testing.T) {
	store := newFakeNodeStore()
	extractor := &fakeExtractor{
		units: []llm.KnowledgeExtraction{
			{
				Content:    "Always reply in French",
				Summary:    "reply language",
				Category:   "rule",
				Confidence: 0.95,
				Keywords:   []string{"french", "reply"},
			},
		},
	}

	svc := newTestService(store, newFakeEntityStore(), extractor, &fakeIndexer{})

	result, err := svc.ExtractAndStore(context.Background(), "owner-1", "msg", SourceTraining, StoreOptions{})
	require.NoError(t, err)
	require.Len(t, result.Stored, 1)
	assert.True(t, result.Stored[0].RequiresValidation)
	assert.Equal(t, StatusUnvalidated, result.Stored[0].ValidationStatus)
}

func TestExtractAndStoreUnknownCategoryDropped(t *testing.T) {
	extractor := &fakeExtractor{
		units: []llm.KnowledgeExtraction{
			{Content: "something", Category: "opinion", Confidence: 0.9},
		},
	}

	svc := newTestService(newFakeNodeStore(), newFakeEntityStore(), extractor, &fakeIndexer{})

	result, err := svc.ExtractAndStore(context.Background(), "owner-1", "msg", SourceTraining, StoreOptions{})
	require.NoError(t, err)
	assert.Empty(t, result.Stored)
	assert.Equal(t, 1, result.Skipped)
}

func TestExtractAndStoreDetectsContradiction(t *testing.T) {
	store := newFakeNodeStore()
	existing := &KnowledgeNode{
		ID:               "k-old",
		Content:          "The user lives in Berlin",
		Category:         CategoryFact,
		ValidationStatus: StatusValidated,
		OwnerID:          "owner-1",
		Keywords:         []string{"user", "berlin", "live"},
	}
	store.nodes[existing.ID] = existing
	store.candidates = []*KnowledgeNode{existing}

	extractor := &fakeExtractor{
		units: []llm.KnowledgeExtraction{
			{
				Content:    "The user lives in Hamburg",
				Summary:    "home city",
				Category:   "fact",
				Confidence: 0.9,
				Keywords:   []string{"user", "hamburg", "live"},
			},
		},
		verdicts: map[string]*llm.ContradictionVerdict{
			existing.Content: {Contradicts: true, Reason: "different home city", Confidence: 0.9},
		},
	}

	svc := newTestService(store, newFakeEntityStore(), extractor, &fakeIndexer{})

	result, err := svc.ExtractAndStore(context.Background(), "owner-1", "msg", SourceTraining, StoreOptions{})
	require.NoError(t, err)
	require.Len(t, result.Stored, 1)
	require.Len(t, result.Contradictions, 1)

	assert.Equal(t, StatusDisputed, result.Stored[0].ValidationStatus)
	assert.Equal(t, StatusDisputed, existing.ValidationStatus)

	require.Len(t, store.relations, 1)
	assert.Equal(t, RelationContradicts, store.relations[0].relType)
	assert.Equal(t, "different home city", store.relations[0].props["reason"])
}

func TestExtractAndStoreCorrectiveDeprecatesOld(t *testing.T) {
	store := newFakeNodeStore()
	indexer := &fakeIndexer{}
	existing := &KnowledgeNode{
		ID:               "k-old",
		Content:          "The user lives in Berlin",
		Category:         CategoryFact,
		ValidationStatus: StatusValidated,
		OwnerID:          "owner-1",
		Keywords:         []string{"user", "berlin", "live"},
	}
	store.nodes[existing.ID] = existing
	store.candidates = []*KnowledgeNode{existing}

	extractor := &fakeExtractor{
		units: []llm.KnowledgeExtraction{
			{
				Content:    "The user lives in Hamburg",
				Summary:    "home city",
				Category:   "fact",
				Confidence: 0.9,
				Keywords:   []string{"user", "hamburg", "live"},
			},
		},
		verdicts: map[string]*llm.ContradictionVerdict{
			existing.Content: {Contradicts: true, Reason: "correction", Confidence: 0.95},
		},
	}

	svc := newTestService(store, newFakeEntityStore(), extractor, indexer)

	result, err := svc.ExtractAndStore(context.Background(), "owner-1", "msg", SourceTraining, StoreOptions{Corrective: true})
	require.NoError(t, err)
	require.Len(t, result.Stored, 1)

	assert.Equal(t, StatusValidated, result.Stored[0].ValidationStatus)
	assert.Equal(t, 1.0, result.Stored[0].Confidence)
	assert.Equal(t, StatusDeprecated, existing.ValidationStatus)
	assert.Contains(t, indexer.removed, existing.ID)
}

func TestExtractAndStoreRejectsInvalidInput(t *testing.T) {
	svc := newTestService(newFakeNodeStore(), newFakeEntityStore(), &fakeExtractor{}, &fakeIndexer{})

	_, err := svc.ExtractAndStore(context.Background(), "", "msg", SourceTraining, StoreOptions{})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)

	_, err = svc.ExtractAndStore(context.Background(), "owner-1", "msg", Source("dream"), StoreOptions{})
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestValidateResolvesStatus(t *testing.T) {
	store := newFakeNodeStore()
	store.nodes["k1"] = &KnowledgeNode{ID: "k1", OwnerID: "owner-1", ValidationStatus: StatusUnvalidated}

	svc := newTestService(store, newFakeEntityStore(), &fakeExtractor{}, &fakeIndexer{})

	node, err := svc.Validate(context.Background(), "owner-1", "k1", true, "")
	require.NoError(t, err)
	assert.Equal(t, StatusValidated, node.ValidationStatus)

	node, err = svc.Validate(context.Background(), "owner-1", "k1", false, "")
	require.NoError(t, err)
	assert.Equal(t, StatusDisputed, node.ValidationStatus)
}

func TestValidateCorrectionRewritesUnit(t *testing.T) {
	store := newFakeNodeStore()
	indexer := &fakeIndexer{}
	store.nodes["k1"] = &KnowledgeNode{
		ID:                 "k1",
		OwnerID:            "owner-1",
		Content:            "The user lives in Berlin",
		Confidence:         0.6,
		ValidationStatus:   StatusDisputed,
		RequiresValidation: true,
	}

	svc := newTestService(store, newFakeEntityStore(), &fakeExtractor{}, indexer)

	node, err := svc.Validate(context.Background(), "owner-1", "k1", false, "The user lives in Hamburg")
	require.NoError(t, err)

	assert.Equal(t, "The user lives in Hamburg", node.Content)
	assert.Equal(t, StatusValidated, node.ValidationStatus)
	assert.Equal(t, 1.0, node.Confidence)
	assert.False(t, node.RequiresValidation)
	assert.Contains(t, node.Keywords, "hamburg")
	assert.Equal(t, []string{"k1"}, indexer.indexed)
}

func TestValidateCorrectionRefusedOnDeprecated(t *testing.T) {
	store := newFakeNodeStore()
	store.nodes["k1"] = &KnowledgeNode{
		ID:               "k1",
		OwnerID:          "owner-1",
		Content:          "old",
		ValidationStatus: StatusDeprecated,
	}

	svc := newTestService(store, newFakeEntityStore(), &fakeExtractor{}, &fakeIndexer{})

	_, err := svc.Validate(context.Background(), "owner-1", "k1", false, "new text")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
	assert.Equal(t, "old", store.nodes["k1"].Content)
}

func TestValidateDeprecatedIsTerminal(t *testing.T) {
	store := newFakeNodeStore()
	store.nodes["k1"] = &KnowledgeNode{ID: "k1", OwnerID: "owner-1", ValidationStatus: StatusDeprecated}

	svc := newTestService(store, newFakeEntityStore(), &fakeExtractor{}, &fakeIndexer{})

	_, err := svc.Validate(context.Background(), "owner-1", "k1", true, "")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestDeprecateRemovesVector(t *testing.T) {
	store := newFakeNodeStore()
	indexer := &fakeIndexer{}
	store.nodes["k1"] = &KnowledgeNode{ID: "k1", OwnerID: "owner-1", ValidationStatus: StatusValidated}

	svc := newTestService(store, newFakeEntityStore(), &fakeExtractor{}, indexer)

	require.NoError(t, svc.Deprecate(context.Background(), "owner-1", "k1"))
	assert.Equal(t, StatusDeprecated, store.nodes["k1"].ValidationStatus)
	assert.Equal(t, []string{"k1"}, indexer.removed)
}
