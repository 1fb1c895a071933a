package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dh-agent/backend/internal/storage/models"
	"github.com/dh-agent/backend/pkg/logger"
)

// Client is the append-mostly message log behind the training loop. It keeps
// raw conversation text so nothing the user said is lost even when
// extraction or the graph fails.
type Client struct {
	db *sql.DB
}

func NewClient(dbPath string) (*Client, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	logger.Info("SQLite client initialized", zap.String("path", dbPath))

	return &Client{db: db}, nil
}

func (c *Client) Close() error {
	return c.db.Close()
}

func (c *Client) InitSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS training_messages (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		intent TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON training_messages(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_owner ON training_messages(owner_id);

	CREATE TABLE IF NOT EXISTS turn_records (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		user_message_id TEXT NOT NULL,
		response TEXT,
		intent TEXT,
		stored_count INTEGER DEFAULT 0,
		contradictions INTEGER DEFAULT 0,
		final_state TEXT,
		latency_ms INTEGER,
		created_at INTEGER NOT NULL,
		FOREIGN KEY (user_message_id) REFERENCES training_messages(id)
	);
	CREATE INDEX IF NOT EXISTS idx_turns_session ON turn_records(session_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_turns_owner ON turn_records(owner_id);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Info("SQLite schema initialized")

	return nil
}

func (c *Client) SaveMessage(ctx context.Context, msg *models.TrainingMessage) error {
	query := `
	INSERT INTO training_messages (id, owner_id, session_id, role, content, intent, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		msg.ID, msg.OwnerID, msg.SessionID, msg.Role, msg.Content, msg.Intent,
		msg.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

func (c *Client) SaveTurn(ctx context.Context, turn *models.TurnRecord) error {
	query := `
	INSERT INTO turn_records (id, owner_id, session_id, user_message_id, response, intent,
		stored_count, contradictions, final_state, latency_ms, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := c.db.ExecContext(ctx, query,
		turn.ID, turn.OwnerID, turn.SessionID, turn.UserMessageID, turn.Response,
		turn.Intent, turn.StoredCount, turn.Contradictions, turn.FinalState,
		turn.LatencyMs, turn.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save turn record: %w", err)
	}

	return nil
}

// RecentMessages returns the latest messages of a session, oldest first, for
// intent context.
func (c *Client) RecentMessages(ctx context.Context, sessionID string, limit int) ([]*models.TrainingMessage, error) {
	query := `
	SELECT id, owner_id, session_id, role, content, COALESCE(intent, ''), created_at
	FROM training_messages
	WHERE session_id = ?
	ORDER BY created_at DESC
	LIMIT ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	messages := []*models.TrainingMessage{}
	for rows.Next() {
		var msg models.TrainingMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.OwnerID, &msg.SessionID, &msg.Role,
			&msg.Content, &msg.Intent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate messages: %w", err)
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// SessionHistory pages through a session's messages, oldest first.
func (c *Client) SessionHistory(ctx context.Context, sessionID string, offset, limit int) ([]*models.TrainingMessage, error) {
	query := `
	SELECT id, owner_id, session_id, role, content, COALESCE(intent, ''), created_at
	FROM training_messages
	WHERE session_id = ?
	ORDER BY created_at ASC
	LIMIT ? OFFSET ?
	`

	rows, err := c.db.QueryContext(ctx, query, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query session history: %w", err)
	}
	defer rows.Close()

	messages := []*models.TrainingMessage{}
	for rows.Next() {
		var msg models.TrainingMessage
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.OwnerID, &msg.SessionID, &msg.Role,
			&msg.Content, &msg.Intent, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate session history: %w", err)
	}

	return messages, nil
}
