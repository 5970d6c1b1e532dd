package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Provider string

const (
	ProviderStripe Provider = "stripe"
	ProviderFal    Provider = "fal"
	ProviderKie    Provider = "kie"
)

type Status string

const (
	StatusReceived   Status = "RECEIVED"
	StatusProcessing Status = "PROCESSING"
	StatusSucceeded  Status = "SUCCEEDED"
	StatusFailed     Status = "FAILED"
)

var (
	// ErrDuplicateEvent means the (provider, event_id) pair was already
	// recorded. Callers treat this as "already handled": respond success to
	// the provider and skip all business effects.
	ErrDuplicateEvent = errors.New("webhook_duplicate_event")
	ErrEventNotFound  = errors.New("webhook_event_not_found")
)

// WebhookEvent is the idempotency record for one inbound provider
// notification. The (provider, event_id) unique index is the single dedupe
// gate for the whole pipeline.
type WebhookEvent struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider          Provider       `json:"provider" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:1"`
	EventID           string         `json:"event_id" gorm:"type:text;not null;uniqueIndex:ux_webhook_events_provider_event,priority:2"`
	EventType         string         `json:"event_type" gorm:"type:text;not null"`
	ProviderAccountID string         `json:"provider_account_id" gorm:"type:text"`
	Payload           datatypes.JSON `json:"payload" gorm:"type:jsonb"`
	Status            Status         `json:"status" gorm:"type:text;not null"`
	Attempts          int            `json:"attempts" gorm:"not null;default:0"`
	Error             *string        `json:"error"`
	ProcessedAt       *time.Time     `json:"processed_at"`
	ReceivedAt        time.Time      `json:"received_at" gorm:"not null"`
	UpdatedAt         time.Time      `json:"updated_at" gorm:"not null"`
}

func (WebhookEvent) TableName() string { return "webhook_events" }

// WebhookEventLog rows are appended on every status transition and never
// updated, giving an audit trail of each processing attempt.
type WebhookEventLog struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	WebhookEventID snowflake.ID `json:"webhook_event_id" gorm:"not null;index"`
	Status         Status       `json:"status" gorm:"type:text;not null"`
	Message        string       `json:"message" gorm:"type:text"`
	Error          *string      `json:"error"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
}

func (WebhookEventLog) TableName() string { return "webhook_event_logs" }

type InsertRequest struct {
	EventID           string
	EventType         string
	Provider          Provider
	ProviderAccountID string
	Payload           []byte
}

type UpdateRequest struct {
	WebhookEventID snowflake.ID
	Status         Status
	Message        string
	Error          *string
	ProcessedAt    *time.Time
}

type Store interface {
	// Insert records the first sighting of an event, returning
	// ErrDuplicateEvent when (provider, eventId) was seen before.
	Insert(ctx context.Context, req InsertRequest) (WebhookEvent, WebhookEventLog, error)

	// Update increments the attempt counter, moves the event to the given
	// status and appends one log row.
	Update(ctx context.Context, req UpdateRequest) (WebhookEvent, WebhookEventLog, error)

	FindByProviderEventID(ctx context.Context, provider Provider, eventID string) (*WebhookEvent, error)
	ListLogs(ctx context.Context, webhookEventID snowflake.ID) ([]WebhookEventLog, error)
}
