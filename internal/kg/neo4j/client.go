package neo4j

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/pkg/circuitbreaker"
	"github.com/dh-agent/backend/pkg/logger"
	"github.com/dh-agent/backend/pkg/retry"
)

// Client wraps the Neo4j driver with the circuit breaker and retry policy
// every graph access goes through. Repositories build Cypher on top of it.
type Client struct {
	driver      neo4j.DriverWithContext
	database    string
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

func NewClient(uri, username, password, database string) (*Client, error) {
	driver, err := neo4j.NewDriverWithContext(
		uri,
		neo4j.BasicAuth(username, password, ""),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create neo4j driver: %w", err)
	}

	ctx := context.Background()
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("failed to verify connectivity: %w", err)
	}

	cb := circuitbreaker.NewCircuitBreaker("neo4j", circuitbreaker.Config{
		MaxRequests:      3,
		Interval:         time.Minute,
		Timeout:          20 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    3,
		InitialDelay:   200 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	logger.Info("Neo4j client initialized", zap.String("uri", uri))

	return &Client{
		driver:      driver,
		database:    database,
		cb:          cb,
		retryConfig: retryConfig,
	}, nil
}

func (c *Client) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

// EnsureSchema creates the uniqueness constraints the data model relies on.
// The composite constraint on (owner_id, normalized_name) is what makes
// entity find-or-create race-safe: concurrent MERGEs collapse to one node.
func (c *Client) EnsureSchema(ctx context.Context) error {
	constraints := []string{
		`CREATE CONSTRAINT knowledge_id IF NOT EXISTS FOR (k:Knowledge) REQUIRE k.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_id IF NOT EXISTS FOR (e:Entity) REQUIRE e.id IS UNIQUE`,
		`CREATE CONSTRAINT entity_owner_name IF NOT EXISTS FOR (e:Entity) REQUIRE (e.owner_id, e.normalized_name) IS UNIQUE`,
	}

	for _, stmt := range constraints {
		if _, err := c.Write(ctx, stmt, nil); err != nil {
			return fmt.Errorf("failed to create constraint: %w", err)
		}
	}

	logger.Info("Graph schema constraints ensured", zap.Int("constraints", len(constraints)))
	return nil
}

// Read runs a Cypher query in a read transaction and returns all rows as
// key/value maps.
func (c *Client) Read(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var rows []map[string]any

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeRead,
			})
			defer session.Close(ctx)

			result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				return collectRows(ctx, tx, query, params)
			})
			if err != nil {
				return err
			}

			rows = result.([]map[string]any)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("graph read failed: %w", err)
	}

	return rows, nil
}

// Write runs a Cypher query in a write transaction and returns any rows it
// produced.
func (c *Client) Write(ctx context.Context, query string, params map[string]any) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var rows []map[string]any

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			session := c.driver.NewSession(ctx, neo4j.SessionConfig{
				DatabaseName: c.database,
				AccessMode:   neo4j.AccessModeWrite,
			})
			defer session.Close(ctx)

			result, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
				return collectRows(ctx, tx, query, params)
			})
			if err != nil {
				return err
			}

			rows = result.([]map[string]any)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("graph write failed: %w", err)
	}

	return rows, nil
}

func collectRows(ctx context.Context, tx neo4j.ManagedTransaction, query string, params map[string]any) ([]map[string]any, error) {
	result, err := tx.Run(ctx, query, params)
	if err != nil {
		return nil, err
	}

	rows := []map[string]any{}
	for result.Next(ctx) {
		record := result.Record()
		row := make(map[string]any, len(record.Keys))
		for _, key := range record.Keys {
			value, _ := record.Get(key)
			row[key] = value
		}
		rows = append(rows, row)
	}

	if err := result.Err(); err != nil {
		return nil, err
	}

	return rows, nil
}

// NodeProps extracts the property map from a node value returned by the
// driver, tolerating both raw maps and dbtype nodes.
func NodeProps(v any) map[string]any {
	switch t := v.(type) {
	case neo4j.Node:
		return t.Props
	case map[string]any:
		return t
	}
	return nil
}
