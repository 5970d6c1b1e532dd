package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/database"
	"github.com/grantlinehq/grantline/internal/webhookevent/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
	Clock clock.Clock
	Tx    *database.TxRunner
}

type Store struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node
	clock clock.Clock
	tx    *database.TxRunner
}

func NewStore(p Params) domain.Store {
	return &Store{
		db:    p.DB,
		log:   p.Log.Named("webhookevent.store"),
		genID: p.GenID,
		clock: p.Clock,
		tx:    p.Tx,
	}
}

func (s *Store) Insert(ctx context.Context, req domain.InsertRequest) (domain.WebhookEvent, domain.WebhookEventLog, error) {
	now := s.clock.Now(ctx)

	event := domain.WebhookEvent{
		ID:                s.genID.Generate(),
		Provider:          req.Provider,
		EventID:           req.EventID,
		EventType:         req.EventType,
		ProviderAccountID: req.ProviderAccountID,
		Payload:           datatypes.JSON(req.Payload),
		Status:            domain.StatusReceived,
		Attempts:          0,
		ReceivedAt:        now,
		UpdatedAt:         now,
	}
	logRow := domain.WebhookEventLog{
		ID:             s.genID.Generate(),
		WebhookEventID: event.ID,
		Status:         domain.StatusReceived,
		Message:        "event received",
		CreatedAt:      now,
	}

	err := s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return domain.ErrDuplicateEvent
			}
			return err
		}
		return tx.Create(&logRow).Error
	})
	if err != nil {
		return domain.WebhookEvent{}, domain.WebhookEventLog{}, err
	}
	return event, logRow, nil
}

func (s *Store) Update(ctx context.Context, req domain.UpdateRequest) (domain.WebhookEvent, domain.WebhookEventLog, error) {
	now := s.clock.Now(ctx)

	var event domain.WebhookEvent
	var logRow domain.WebhookEventLog

	err := s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		err := tx.First(&event, "id = ?", req.WebhookEventID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.ErrEventNotFound
		}
		if err != nil {
			return err
		}

		event.Attempts++
		event.Status = req.Status
		event.Error = req.Error
		event.UpdatedAt = now
		if req.ProcessedAt != nil {
			event.ProcessedAt = req.ProcessedAt
		}
		if err := tx.Save(&event).Error; err != nil {
			return err
		}

		logRow = domain.WebhookEventLog{
			ID:             s.genID.Generate(),
			WebhookEventID: event.ID,
			Status:         req.Status,
			Message:        req.Message,
			Error:          req.Error,
			CreatedAt:      now,
		}
		return tx.Create(&logRow).Error
	})
	if err != nil {
		return domain.WebhookEvent{}, domain.WebhookEventLog{}, err
	}
	return event, logRow, nil
}

func (s *Store) FindByProviderEventID(ctx context.Context, provider domain.Provider, eventID string) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := s.db.WithContext(ctx).
		First(&event, "provider = ? AND event_id = ?", provider, eventID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *Store) ListLogs(ctx context.Context, webhookEventID snowflake.ID) ([]domain.WebhookEventLog, error) {
	var logs []domain.WebhookEventLog
	err := s.db.WithContext(ctx).
		Where("webhook_event_id = ?", webhookEventID).
		Order("created_at ASC, id ASC").
		Find(&logs).Error
	return logs, err
}
