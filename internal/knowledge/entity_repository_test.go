package knowledge

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dh-agent/backend/pkg/errs"
)

// fakeEntityGraph answers the entity repository's Cypher by shape, backed by
// an in-memory entity table.
type fakeEntityGraph struct {
	entities     map[string]*EntityNode // keyed by normalized name
	aliasWrites  []string
	mergeCreated int
}

func newFakeEntityGraph() *fakeEntityGraph {
	return &fakeEntityGraph{entities: map[string]*EntityNode{}}
}

func (f *fakeEntityGraph) put(e *EntityNode) {
	f.entities[e.NormalizedName] = e
}

func (f *fakeEntityGraph) Read(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	switch {
	case strings.Contains(query, "normalized_name: $name"):
		if e, ok := f.entities[params["name"].(string)]; ok {
			return []map[string]any{{"e": entityProps(e)}}, nil
		}
		return nil, nil

	case strings.Contains(query, "IN e.aliases"):
		name := params["name"].(string)
		for _, e := range f.entities {
			for _, alias := range e.Aliases {
				if alias == name {
					return []map[string]any{{"e": entityProps(e)}}, nil
				}
			}
		}
		return nil, nil

	case strings.Contains(query, "AS name"):
		rows := []map[string]any{}
		for _, e := range f.entities {
			rows = append(rows, map[string]any{"id": e.ID, "name": e.NormalizedName})
		}
		return rows, nil

	case strings.Contains(query, "{id: $id"):
		for _, e := range f.entities {
			if e.ID == params["id"].(string) {
				return []map[string]any{{"e": entityProps(e)}}, nil
			}
		}
		return nil, nil
	}
	return nil, nil
}

func (f *fakeEntityGraph) Write(_ context.Context, query string, params map[string]any) ([]map[string]any, error) {
	switch {
	case strings.Contains(query, "MERGE (e:Entity"):
		normalized := params["normalized_name"].(string)
		if existing, ok := f.entities[normalized]; ok {
			existing.MentionCount++
			return []map[string]any{{"e": entityProps(existing), "created": false}}, nil
		}
		props := params["props"].(map[string]any)
		entity := entityFromProps(props)
		f.entities[normalized] = entity
		f.mergeCreated++
		return []map[string]any{{"e": props, "created": true}}, nil

	case strings.Contains(query, "e.aliases + $alias"):
		f.aliasWrites = append(f.aliasWrites, params["alias"].(string))
		for _, e := range f.entities {
			if e.ID == params["id"].(string) {
				e.Aliases = append(e.Aliases, params["alias"].(string))
			}
		}
		return nil, nil
	}
	return nil, nil
}

func seedEntity(id, name string, aliases ...string) *EntityNode {
	return &EntityNode{
		ID:             id,
		Name:           name,
		NormalizedName: NormalizeEntityName(name),
		OwnerID:        "owner-1",
		MentionCount:   1,
		Aliases:        aliases,
		CreatedAt:      time.Now(),
		UpdatedAt:      time.Now(),
	}
}

func TestMatchResolvesExactNormalizedName(t *testing.T) {
	graph := newFakeEntityGraph()
	graph.put(seedEntity("e1", "Alice"))

	repo := NewEntityRepository(graph, 0.9)

	entity, err := repo.Match(context.Background(), "owner-1", "  ALICE ")
	require.NoError(t, err)
	assert.Equal(t, "e1", entity.ID)
}

func TestMatchResolvesAlias(t *testing.T) {
	graph := newFakeEntityGraph()
	graph.put(seedEntity("e1", "Alexandra", "alex"))

	repo := NewEntityRepository(graph, 0.9)

	entity, err := repo.Match(context.Background(), "owner-1", "Alex")
	require.NoError(t, err)
	assert.Equal(t, "e1", entity.ID)
}

func TestMatchResolvesFuzzy(t *testing.T) {
	graph := newFakeEntityGraph()
	graph.put(seedEntity("e1", "postgresql"))

	repo := NewEntityRepository(graph, 0.9)

	entity, err := repo.Match(context.Background(), "owner-1", "postgresq")
	require.NoError(t, err)
	assert.Equal(t, "e1", entity.ID)
}

func TestMatchReturnsNotFound(t *testing.T) {
	graph := newFakeEntityGraph()
	graph.put(seedEntity("e1", "alice"))

	repo := NewEntityRepository(graph, 0.9)

	_, err := repo.Match(context.Background(), "owner-1", "bob")
	assert.ErrorIs(t, err, errs.ErrNotFound)
}

func TestMatchRejectsEmptyName(t *testing.T) {
	repo := NewEntityRepository(newFakeEntityGraph(), 0.9)

	_, err := repo.Match(context.Background(), "owner-1", "   ")
	assert.ErrorIs(t, err, errs.ErrInvalidArgument)
}

func TestFindOrCreateCreatesNewEntity(t *testing.T) {
	graph := newFakeEntityGraph()
	repo := NewEntityRepository(graph, 0.9)

	entity, created, err := repo.FindOrCreate(context.Background(), "owner-1", "Neo4j", "technology", "graph database")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "neo4j", entity.NormalizedName)
	assert.Equal(t, 1, graph.mergeCreated)
}

func TestFindOrCreateReturnsExistingWithoutCreate(t *testing.T) {
	graph := newFakeEntityGraph()
	graph.put(seedEntity("e1", "Neo4j"))

	repo := NewEntityRepository(graph, 0.9)

	entity, created, err := repo.FindOrCreate(context.Background(), "owner-1", "neo4j", "technology", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e1", entity.ID)
	assert.Equal(t, 0, graph.mergeCreated)
}

func TestFindOrCreateFuzzyHitRecordsAlias(t *testing.T) {
	graph := newFakeEntityGraph()
	graph.put(seedEntity("e1", "postgresql"))

	repo := NewEntityRepository(graph, 0.9)

	entity, created, err := repo.FindOrCreate(context.Background(), "owner-1", "postgresq", "technology", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "e1", entity.ID)
	assert.Equal(t, []string{"postgresq"}, graph.aliasWrites)
}
