package storage

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shohag/msgtrack/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			sender_id TEXT NOT NULL DEFAULT '',
			recipient_id TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			direction TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS statuses (
			message_id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id)`,
		`CREATE INDEX IF NOT EXISTS idx_statuses_status ON statuses(status)`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Messages ---

// SaveMessage keeps the first copy of a message; rowid order is receipt order.
func (s *SQLiteStorage) SaveMessage(ctx context.Context, msg *models.Message, dir Direction) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO messages (id, thread_id, sender_id, recipient_id, content, direction, created_at, received_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ThreadID, msg.SenderID, msg.RecipientID, msg.Content, string(dir), msg.CreatedAt, time.Now().UTC(),
	)
	return err
}

func (s *SQLiteStorage) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	var msg models.Message
	err := s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, sender_id, recipient_id, content, created_at FROM messages WHERE id = ?`, id,
	).Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &msg.RecipientID, &msg.Content, &msg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *SQLiteStorage) ListThread(ctx context.Context, threadID string, limit, offset int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, sender_id, recipient_id, content, created_at FROM messages
		 WHERE thread_id = ? ORDER BY rowid ASC LIMIT ? OFFSET ?`,
		threadID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []models.Message
	for rows.Next() {
		var msg models.Message
		if err := rows.Scan(&msg.ID, &msg.ThreadID, &msg.SenderID, &msg.RecipientID, &msg.Content, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msgs = append(msgs, msg)
	}
	return msgs, rows.Err()
}

// --- Statuses ---

func (s *SQLiteStorage) RecordStatus(ctx context.Context, e models.StatusEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO statuses (message_id, status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(message_id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		e.MessageID, string(e.Status), e.UpdatedAt,
	)
	return err
}

func (s *SQLiteStorage) GetStatus(ctx context.Context, messageID string) (*models.StatusEntry, error) {
	var e models.StatusEntry
	var st string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id, status, updated_at FROM statuses WHERE message_id = ?`, messageID,
	).Scan(&e.MessageID, &st, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e.Status = models.DeliveryStatus(st)
	return &e, nil
}

func (s *SQLiteStorage) ListByStatus(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.StatusEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, status, updated_at FROM statuses WHERE status = ? ORDER BY updated_at DESC LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []models.StatusEntry
	for rows.Next() {
		var e models.StatusEntry
		var st string
		if err := rows.Scan(&e.MessageID, &st, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.Status = models.DeliveryStatus(st)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context) (*Stats, error) {
	var stats Stats

	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*),
		COALESCE(SUM(CASE WHEN direction = 'outbound' THEN 1 ELSE 0 END), 0),
		COALESCE(SUM(CASE WHEN direction = 'inbound' THEN 1 ELSE 0 END), 0)
		FROM messages`).Scan(&stats.TotalMessages, &stats.Outbound, &stats.Inbound)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM statuses GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var st string
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		switch models.DeliveryStatus(st) {
		case models.StatusPending:
			stats.PendingCount = n
		case models.StatusSent:
			stats.SentCount = n
		case models.StatusDelivered:
			stats.DeliveredCount = n
		case models.StatusRead:
			stats.ReadCount = n
		case models.StatusFailed:
			stats.FailedCount = n
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	acked := stats.SentCount + stats.DeliveredCount + stats.ReadCount
	if settled := acked + stats.FailedCount; settled > 0 {
		stats.SuccessRate = float64(acked) / float64(settled) * 100
	}
	return &stats, nil
}
