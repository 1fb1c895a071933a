package knowledge

import (
	"encoding/json"
	"time"
)

type Category string

const (
	CategoryFact       Category = "fact"
	CategoryExperience Category = "experience"
	CategoryPreference Category = "preference"
	CategorySkill      Category = "skill"
	CategoryRule       Category = "rule"
	CategoryConcept    Category = "concept"
)

func (c Category) Valid() bool {
	switch c {
	case CategoryFact, CategoryExperience, CategoryPreference, CategorySkill, CategoryRule, CategoryConcept:
		return true
	}
	return false
}

type Source string

const (
	SourceTraining     Source = "training"
	SourceConversation Source = "conversation"
	SourceDocument     Source = "document"
	SourceInference    Source = "inference"
)

func (s Source) Valid() bool {
	switch s {
	case SourceTraining, SourceConversation, SourceDocument, SourceInference:
		return true
	}
	return false
}

type ValidationStatus string

const (
	StatusUnvalidated ValidationStatus = "unvalidated"
	StatusValidated   ValidationStatus = "validated"
	StatusDisputed    ValidationStatus = "disputed"
	StatusDeprecated  ValidationStatus = "deprecated"
)

// validTransitions encodes the validation-status state machine. Deprecated is
// terminal: no edge leads out of it.
var validTransitions = map[ValidationStatus][]ValidationStatus{
	StatusUnvalidated: {StatusValidated, StatusDisputed, StatusDeprecated},
	StatusValidated:   {StatusDisputed, StatusDeprecated},
	StatusDisputed:    {StatusValidated, StatusDeprecated},
	StatusDeprecated:  {},
}

func (s ValidationStatus) CanTransition(to ValidationStatus) bool {
	if s == to {
		return true
	}
	for _, next := range validTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

type RelationType string

const (
	RelationRelatedTo   RelationType = "RELATED_TO"
	RelationContradicts RelationType = "CONTRADICTS"
	RelationSupports    RelationType = "SUPPORTS"
	RelationMentions    RelationType = "MENTIONS"
	RelationCoOccurs    RelationType = "CO_OCCURS"
	RelationParentOf    RelationType = "PARENT_OF"
)

type KnowledgeNode struct {
	ID                 string
	Content            string
	Summary            string
	Category           Category
	Source             Source
	Confidence         float64
	ValidationStatus   ValidationStatus
	RequiresValidation bool
	Importance         float64
	OwnerID            string
	LearnedAt          time.Time
	Keywords           []string
	Context            map[string]string
	UsageCount         int
	LastUsedAt         time.Time
}

type EntityNode struct {
	ID              string
	Name            string
	NormalizedName  string
	EntityType      string
	Description     string
	OwnerID         string
	MentionCount    int
	ImportanceScore float64
	Aliases         []string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

type Statistics struct {
	TotalNodes     int
	ByCategory     map[Category]int
	ByStatus       map[ValidationStatus]int
	AvgConfidence  float64
	AvgImportance  float64
	TotalEntities  int
	TotalRelations int
}

// knowledgeProps maps the validated shape onto the flat property bag the graph
// store persists. The inverse is knowledgeFromProps; both are pure.
func knowledgeProps(n *KnowledgeNode) map[string]any {
	contextJSON := "{}"
	if len(n.Context) > 0 {
		if data, err := json.Marshal(n.Context); err == nil {
			contextJSON = string(data)
		}
	}

	keywords := n.Keywords
	if keywords == nil {
		keywords = []string{}
	}

	return map[string]any{
		"id":                  n.ID,
		"content":             n.Content,
		"summary":             n.Summary,
		"category":            string(n.Category),
		"source":              string(n.Source),
		"confidence":          n.Confidence,
		"validation_status":   string(n.ValidationStatus),
		"requires_validation": n.RequiresValidation,
		"importance":          n.Importance,
		"owner_id":            n.OwnerID,
		"learned_at":          n.LearnedAt.UnixMilli(),
		"keywords":            keywords,
		"context":             contextJSON,
		"usage_count":         int64(n.UsageCount),
		"last_used_at":        n.LastUsedAt.UnixMilli(),
	}
}

func knowledgeFromProps(props map[string]any) *KnowledgeNode {
	n := &KnowledgeNode{
		ID:                 asString(props["id"]),
		Content:            asString(props["content"]),
		Summary:            asString(props["summary"]),
		Category:           Category(asString(props["category"])),
		Source:             Source(asString(props["source"])),
		Confidence:         asFloat(props["confidence"]),
		ValidationStatus:   ValidationStatus(asString(props["validation_status"])),
		RequiresValidation: asBool(props["requires_validation"]),
		Importance:         asFloat(props["importance"]),
		OwnerID:            asString(props["owner_id"]),
		LearnedAt:          time.UnixMilli(asInt(props["learned_at"])),
		Keywords:           asStrings(props["keywords"]),
		UsageCount:         int(asInt(props["usage_count"])),
		LastUsedAt:         time.UnixMilli(asInt(props["last_used_at"])),
	}

	n.Context = map[string]string{}
	if raw := asString(props["context"]); raw != "" {
		json.Unmarshal([]byte(raw), &n.Context)
	}

	return n
}

func entityProps(e *EntityNode) map[string]any {
	aliases := e.Aliases
	if aliases == nil {
		aliases = []string{}
	}

	return map[string]any{
		"id":               e.ID,
		"name":             e.Name,
		"normalized_name":  e.NormalizedName,
		"entity_type":      e.EntityType,
		"description":      e.Description,
		"owner_id":         e.OwnerID,
		"mention_count":    int64(e.MentionCount),
		"importance_score": e.ImportanceScore,
		"aliases":          aliases,
		"created_at":       e.CreatedAt.UnixMilli(),
		"updated_at":       e.UpdatedAt.UnixMilli(),
	}
}

func entityFromProps(props map[string]any) *EntityNode {
	return &EntityNode{
		ID:              asString(props["id"]),
		Name:            asString(props["name"]),
		NormalizedName:  asString(props["normalized_name"]),
		EntityType:      asString(props["entity_type"]),
		Description:     asString(props["description"]),
		OwnerID:         asString(props["owner_id"]),
		MentionCount:    int(asInt(props["mention_count"])),
		ImportanceScore: asFloat(props["importance_score"]),
		Aliases:         asStrings(props["aliases"]),
		CreatedAt:       time.UnixMilli(asInt(props["created_at"])),
		UpdatedAt:       time.UnixMilli(asInt(props["updated_at"])),
	}
}

func asString(v any) string {
	s, _ := v.(string)
	return s
}

func asFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	}
	return 0
}

func asInt(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case float64:
		return int64(t)
	case int:
		return int64(t)
	}
	return 0
}

func asBool(v any) bool {
	b, _ := v.(bool)
	return b
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
