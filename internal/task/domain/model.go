package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"

	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

type Status string

const (
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

var (
	ErrTaskNotFound = errors.New("task_not_found")
	ErrTaskSettled  = errors.New("task_already_settled")
)

// Task tracks one upstream generation job and the credit reservation held
// for it. The reservation is committed when the provider reports success
// and released when it reports failure.
type Task struct {
	ID             snowflake.ID                `gorm:"primaryKey;autoIncrement:false"`
	BillingUserID  snowflake.ID                `gorm:"not null;index"`
	Provider       webhookeventdomain.Provider `gorm:"type:varchar(32);not null;uniqueIndex:ux_tasks_provider_task,priority:1"`
	ProviderTaskID string                      `gorm:"type:varchar(191);not null;uniqueIndex:ux_tasks_provider_task,priority:2"`
	ReservationID  *snowflake.ID
	Status         Status         `gorm:"type:varchar(16);not null;default:'PENDING'"`
	Result         datatypes.JSON `gorm:"type:jsonb"`
	FailureReason  string         `gorm:"type:text"`
	CreatedAt      time.Time      `gorm:"not null"`
	UpdatedAt      time.Time      `gorm:"not null"`
}

func (Task) TableName() string { return "tasks" }

type CreateRequest struct {
	BillingUserID  snowflake.ID
	Provider       webhookeventdomain.Provider
	ProviderTaskID string
	ReserveCredits int64
}

// Service owns task lifecycle. Create reserves credits up front; Complete
// and Fail settle the reservation exactly once.
type Service interface {
	Create(ctx context.Context, req CreateRequest) (*Task, error)
	FindByProviderTaskID(ctx context.Context, provider webhookeventdomain.Provider, providerTaskID string) (*Task, error)
	Complete(ctx context.Context, provider webhookeventdomain.Provider, providerTaskID string, result []byte) (*Task, error)
	Fail(ctx context.Context, provider webhookeventdomain.Provider, providerTaskID string, reason string) (*Task, error)
}
