package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/pkg/logger"
	"github.com/dh-agent/backend/pkg/utils"
)

// Client caches embeddings keyed by a digest of the input text. A miss or a
// cache failure always falls through to the provider.
type Client struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewClient(host string, port int, password string, db int, ttl time.Duration) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger.Info("Redis client initialized",
		zap.String("host", host),
		zap.Int("port", port),
	)

	return &Client{rdb: rdb, ttl: ttl}, nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func embeddingKey(text string) string {
	return "emb:" + utils.HashString(text)
}

func (c *Client) GetEmbedding(ctx context.Context, text string) ([]float32, bool) {
	data, err := c.rdb.Get(ctx, embeddingKey(text)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logger.Debug("Embedding cache read failed", zap.Error(err))
		}
		return nil, false
	}

	var embedding []float32
	if err := json.Unmarshal(data, &embedding); err != nil {
		return nil, false
	}

	return embedding, true
}

func (c *Client) SetEmbedding(ctx context.Context, text string, embedding []float32) {
	data, err := json.Marshal(embedding)
	if err != nil {
		return
	}

	if err := c.rdb.Set(ctx, embeddingKey(text), data, c.ttl).Err(); err != nil {
		logger.Debug("Embedding cache write failed", zap.Error(err))
	}
}
