package storage

import (
	"context"

	"github.com/shohag/msgtrack/internal/models"
)

type Direction string

const (
	Outbound Direction = "outbound"
	Inbound  Direction = "inbound"
)

// Storage is the message journal. It mirrors what the tracker and dispatcher
// decided and is never consulted for status decisions.
type Storage interface {
	// Messages
	SaveMessage(ctx context.Context, msg *models.Message, dir Direction) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListThread(ctx context.Context, threadID string, limit, offset int) ([]models.Message, error)

	// Statuses
	RecordStatus(ctx context.Context, e models.StatusEntry) error
	GetStatus(ctx context.Context, messageID string) (*models.StatusEntry, error)
	ListByStatus(ctx context.Context, status models.DeliveryStatus, limit int) ([]models.StatusEntry, error)

	// Stats
	GetStats(ctx context.Context) (*Stats, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}

type Stats struct {
	TotalMessages  int64   `json:"total_messages"`
	Outbound       int64   `json:"outbound"`
	Inbound        int64   `json:"inbound"`
	PendingCount   int64   `json:"pending_count"`
	SentCount      int64   `json:"sent_count"`
	DeliveredCount int64   `json:"delivered_count"`
	ReadCount      int64   `json:"read_count"`
	FailedCount    int64   `json:"failed_count"`
	SuccessRate    float64 `json:"success_rate"`
}
