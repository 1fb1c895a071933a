package knowledge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/extraction"
	"github.com/dh-agent/backend/internal/llm"
	"github.com/dh-agent/backend/internal/metrics"
	"github.com/dh-agent/backend/pkg/config"
	"github.com/dh-agent/backend/pkg/errs"
	"github.com/dh-agent/backend/pkg/logger"
)

// Extractor is the LLM surface the service depends on.
type Extractor interface {
	ExtractKnowledge(ctx context.Context, text string) ([]llm.KnowledgeExtraction, error)
	CheckContradiction(ctx context.Context, statement, existing string) (*llm.ContradictionVerdict, error)
}

// NodeStore is the write surface of the knowledge repository the service
// uses. *Repository satisfies it.
type NodeStore interface {
	Create(ctx context.Context, node *KnowledgeNode) error
	Update(ctx context.Context, id, ownerID string, fields map[string]any) (*KnowledgeNode, error)
	UpdateStatus(ctx context.Context, id, ownerID string, to ValidationStatus) (*KnowledgeNode, error)
	SoftDelete(ctx context.Context, id, ownerID string) error
	SearchByKeywords(ctx context.Context, ownerID string, keywords []string, minOverlap, limit int) ([]*KnowledgeNode, error)
	CreateRelation(ctx context.Context, fromID, toID string, relType RelationType, props map[string]any) error
	LinkMention(ctx context.Context, knowledgeID, entityID string) error
}

// EntityStore is the entity surface the service uses. *EntityRepository
// satisfies it.
type EntityStore interface {
	FindOrCreate(ctx context.Context, ownerID, name, entityType, description string) (*EntityNode, bool, error)
	IncrementMention(ctx context.Context, entityID string) error
	CoOccurrence(ctx context.Context, entityA, entityB string) error
}

// Indexer maintains the vector mirror for stored knowledge.
type Indexer interface {
	Index(ctx context.Context, node *KnowledgeNode) error
	Remove(ctx context.Context, knowledgeIDs []string) error
}

// Service runs the write side of the memory system: extraction, lifecycle,
// entity linking and contradiction detection. It is the only component that
// mutates the graph.
type Service struct {
	repo      NodeStore
	entities  EntityStore
	extractor Extractor
	ner       extraction.Extractor
	indexer   Indexer
	cfg       config.KnowledgeConfig
}

type StoreOptions struct {
	// Corrective marks the text as a correction: conflicting existing
	// knowledge is deprecated instead of disputed, and the new units are
	// stored validated at the corrected confidence.
	Corrective bool
	Context    map[string]string
}

type ContradictionRecord struct {
	NewID      string
	ExistingID string
	Reason     string
}

type StoreResult struct {
	Stored []*KnowledgeNode
	// Skipped counts units dropped for an unknown category.
	Skipped        int
	Contradictions []ContradictionRecord
}

const defaultImportance = 0.5

func NewService(repo NodeStore, entities EntityStore, extractor Extractor, ner extraction.Extractor, indexer Indexer, cfg config.KnowledgeConfig) *Service {
	return &Service{
		repo:      repo,
		entities:  entities,
		extractor: extractor,
		ner:       ner,
		indexer:   indexer,
		cfg:       cfg,
	}
}

// ExtractAndStore decomposes text into knowledge units and persists each one:
// graph node, entity links, co-occurrence edges, contradiction edges, vector
// mirror. Units below their category's confidence floor are kept unvalidated
// and held for human review; only unknown categories are dropped.
func (s *Service) ExtractAndStore(ctx context.Context, ownerID, text string, source Source, opts StoreOptions) (*StoreResult, error) {
	if ownerID == "" || text == "" {
		return nil, fmt.Errorf("%w: owner_id and text are required", errs.ErrInvalidArgument)
	}
	if !source.Valid() {
		return nil, fmt.Errorf("%w: unknown source %q", errs.ErrInvalidArgument, source)
	}

	extractions, err := s.extractor.ExtractKnowledge(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("knowledge extraction failed: %w", err)
	}

	result := &StoreResult{}
	for _, unit := range extractions {
		node, contradictions, err := s.storeUnit(ctx, ownerID, unit, source, opts)
		if err != nil {
			return nil, err
		}
		if node == nil {
			result.Skipped++
			continue
		}
		result.Stored = append(result.Stored, node)
		result.Contradictions = append(result.Contradictions, contradictions...)
	}

	for _, node := range result.Stored {
		metrics.KnowledgeStored.WithLabelValues(string(node.Category), string(source)).Inc()
	}
	metrics.KnowledgeSkipped.Add(float64(result.Skipped))
	metrics.ContradictionsDetected.Add(float64(len(result.Contradictions)))

	logger.Info("Knowledge stored",
		zap.String("owner_id", ownerID),
		zap.String("source", string(source)),
		zap.Int("stored", len(result.Stored)),
		zap.Int("skipped", result.Skipped),
		zap.Int("contradictions", len(result.Contradictions)),
	)

	return result, nil
}

func (s *Service) storeUnit(ctx context.Context, ownerID string, unit llm.KnowledgeExtraction, source Source, opts StoreOptions) (*KnowledgeNode, []ContradictionRecord, error) {
	category := Category(unit.Category)
	if !category.Valid() {
		logger.Warn("Dropping unit with unknown category",
			zap.String("category", unit.Category),
			zap.String("owner_id", ownerID),
		)
		return nil, nil, nil
	}

	confidence := clamp01(unit.Confidence)
	requiresValidation := s.requiresValidation(category)

	status := StatusUnvalidated
	switch {
	case opts.Corrective:
		confidence = s.cfg.CorrectedConfidence
		status = StatusValidated
	case confidence < s.minConfidence(category):
		// Below the floor the unit is still stored, but it waits for a
		// human instead of being trusted.
		requiresValidation = true
		logger.Debug("Unit below confidence floor held for review",
			zap.String("category", string(category)),
			zap.Float64("confidence", confidence),
		)
	case !requiresValidation:
		status = StatusValidated
	}

	keywords := unit.Keywords
	if len(keywords) == 0 {
		keywords = extraction.Keywords(unit.Content, s.cfg.MaxKeywords)
	} else if len(keywords) > s.cfg.MaxKeywords {
		keywords = keywords[:s.cfg.MaxKeywords]
	}

	node := &KnowledgeNode{
		ID:                 uuid.New().String(),
		Content:            unit.Content,
		Summary:            unit.Summary,
		Category:           category,
		Source:             source,
		Confidence:         confidence,
		ValidationStatus:   status,
		RequiresValidation: requiresValidation,
		Importance:         defaultImportance,
		OwnerID:            ownerID,
		LearnedAt:          time.Now(),
		Keywords:           keywords,
		Context:            opts.Context,
	}

	contradictions, err := s.resolveContradictions(ctx, node, opts.Corrective)
	if err != nil {
		return nil, nil, err
	}
	if len(contradictions) > 0 && !opts.Corrective {
		node.ValidationStatus = StatusDisputed
	}

	if err := s.repo.Create(ctx, node); err != nil {
		return nil, nil, err
	}

	for _, record := range contradictions {
		if err := s.repo.CreateRelation(ctx, node.ID, record.ExistingID, RelationContradicts, map[string]any{
			"reason": record.Reason,
		}); err != nil {
			return nil, nil, err
		}
	}

	if err := s.linkEntities(ctx, node, unit.Entities); err != nil {
		return nil, nil, err
	}

	if err := s.indexer.Index(ctx, node); err != nil {
		// The graph holds the truth; the mirror catches up on the next
		// reindex.
		logger.Warn("Vector indexing failed",
			zap.String("knowledge_id", node.ID),
			zap.Error(err),
		)
	}

	return node, contradictions, nil
}

// resolveContradictions finds stored knowledge that conflicts with the new
// unit. Candidates come from keyword overlap in the same category; the LLM
// classifies each pair. In corrective mode conflicting nodes are deprecated
// on the spot.
func (s *Service) resolveContradictions(ctx context.Context, node *KnowledgeNode, corrective bool) ([]ContradictionRecord, error) {
	minOverlap := int(float64(len(node.Keywords)) * s.cfg.KeywordOverlapRatio)
	if minOverlap < 1 {
		minOverlap = 1
	}

	candidates, err := s.repo.SearchByKeywords(ctx, node.OwnerID, node.Keywords, minOverlap, s.cfg.ContradictionCandidates)
	if err != nil {
		return nil, err
	}

	var records []ContradictionRecord
	for _, candidate := range candidates {
		if candidate.Category != node.Category {
			continue
		}

		verdict, err := s.extractor.CheckContradiction(ctx, node.Content, candidate.Content)
		if err != nil {
			logger.Warn("Contradiction check failed, assuming no conflict",
				zap.String("candidate_id", candidate.ID),
				zap.Error(err),
			)
			continue
		}
		if !verdict.Contradicts {
			continue
		}

		records = append(records, ContradictionRecord{
			NewID:      node.ID,
			ExistingID: candidate.ID,
			Reason:     verdict.Reason,
		})

		if corrective {
			if err := s.repo.SoftDelete(ctx, candidate.ID, node.OwnerID); err != nil {
				return nil, err
			}
			if err := s.indexer.Remove(ctx, []string{candidate.ID}); err != nil {
				logger.Warn("Vector removal failed",
					zap.String("knowledge_id", candidate.ID),
					zap.Error(err),
				)
			}
		} else if candidate.ValidationStatus.CanTransition(StatusDisputed) {
			if _, err := s.repo.UpdateStatus(ctx, candidate.ID, node.OwnerID, StatusDisputed); err != nil {
				return nil, err
			}
		}
	}

	return records, nil
}

func (s *Service) linkEntities(ctx context.Context, node *KnowledgeNode, mentions []llm.MentionExtraction) error {
	if len(mentions) == 0 && s.ner != nil {
		local, err := s.ner.Extract(ctx, node.Content)
		if err != nil {
			logger.Warn("Local entity extraction failed", zap.Error(err))
		}
		for _, m := range local {
			mentions = append(mentions, llm.MentionExtraction{Name: m.Name, Type: m.Type})
		}
	}

	linked := make([]*EntityNode, 0, len(mentions))
	for _, mention := range mentions {
		entity, created, err := s.entities.FindOrCreate(ctx, node.OwnerID, mention.Name, mention.Type, mention.Description)
		if err != nil {
			if errorsIsInvalid(err) {
				continue
			}
			return err
		}

		if !created {
			if err := s.entities.IncrementMention(ctx, entity.ID); err != nil {
				logger.Warn("Failed to bump mention count",
					zap.String("entity_id", entity.ID),
					zap.Error(err),
				)
			}
		}

		if err := s.repo.LinkMention(ctx, node.ID, entity.ID); err != nil {
			return err
		}

		linked = append(linked, entity)
	}

	for i := 0; i < len(linked); i++ {
		for j := i + 1; j < len(linked); j++ {
			if err := s.entities.CoOccurrence(ctx, linked[i].ID, linked[j].ID); err != nil {
				logger.Warn("Failed to record co-occurrence",
					zap.String("entity_a", linked[i].ID),
					zap.String("entity_b", linked[j].ID),
					zap.Error(err),
				)
			}
		}
	}

	return nil
}

// Validate resolves a pending unit: approve moves it to validated, reject to
// disputed. A rejection that carries correction text rewrites the unit and
// validates it at the human-corrected confidence.
func (s *Service) Validate(ctx context.Context, ownerID, id string, approve bool, correction string) (*KnowledgeNode, error) {
	if !approve && correction != "" {
		return s.applyCorrection(ctx, ownerID, id, correction)
	}

	target := StatusDisputed
	if approve {
		target = StatusValidated
	}

	node, err := s.repo.UpdateStatus(ctx, id, ownerID, target)
	if err != nil {
		return nil, err
	}

	logger.Info("Knowledge validation resolved",
		zap.String("knowledge_id", id),
		zap.String("owner_id", ownerID),
		zap.String("status", string(target)),
	)

	return node, nil
}

// applyCorrection replaces a rejected unit's content with the human's text.
// The status transition runs first so a deprecated node is refused before
// anything is rewritten.
func (s *Service) applyCorrection(ctx context.Context, ownerID, id, correction string) (*KnowledgeNode, error) {
	if _, err := s.repo.UpdateStatus(ctx, id, ownerID, StatusValidated); err != nil {
		return nil, err
	}

	node, err := s.repo.Update(ctx, id, ownerID, map[string]any{
		"content":             correction,
		"confidence":          s.cfg.CorrectedConfidence,
		"requires_validation": false,
		"keywords":            extraction.Keywords(correction, s.cfg.MaxKeywords),
	})
	if err != nil {
		return nil, err
	}

	if err := s.indexer.Index(ctx, node); err != nil {
		logger.Warn("Vector indexing failed after correction",
			zap.String("knowledge_id", node.ID),
			zap.Error(err),
		)
	}

	logger.Info("Knowledge corrected",
		zap.String("knowledge_id", id),
		zap.String("owner_id", ownerID),
	)

	return node, nil
}

// Deprecate retires a knowledge unit and drops its vector. The node and its
// relationships stay in the graph for provenance.
func (s *Service) Deprecate(ctx context.Context, ownerID, id string) error {
	if err := s.repo.SoftDelete(ctx, id, ownerID); err != nil {
		return err
	}

	if err := s.indexer.Remove(ctx, []string{id}); err != nil {
		logger.Warn("Vector removal failed",
			zap.String("knowledge_id", id),
			zap.Error(err),
		)
	}

	return nil
}

func (s *Service) minConfidence(category Category) float64 {
	if v, ok := s.cfg.MinConfidence[string(category)]; ok {
		return v
	}
	return 0.5
}

func (s *Service) requiresValidation(category Category) bool {
	for _, c := range s.cfg.AlwaysValidate {
		if Category(c) == category {
			return true
		}
	}
	return false
}

func errorsIsInvalid(err error) bool {
	return errors.Is(err, errs.ErrInvalidArgument)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
