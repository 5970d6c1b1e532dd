package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/database"
	ledgerdomain "github.com/grantlinehq/grantline/internal/ledger/domain"
	taskdomain "github.com/grantlinehq/grantline/internal/task/domain"
	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Tx        *database.TxRunner
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db        *gorm.DB
	log       *zap.Logger
	genID     *snowflake.Node
	clock     clock.Clock
	tx        *database.TxRunner
	ledgerSvc ledgerdomain.Service
}

func NewService(p Params) taskdomain.Service {
	return &Service{
		db:        p.DB,
		log:       p.Log.Named("task.service"),
		genID:     p.GenID,
		clock:     p.Clock,
		tx:        p.Tx,
		ledgerSvc: p.LedgerSvc,
	}
}

func (s *Service) Create(ctx context.Context, req taskdomain.CreateRequest) (*taskdomain.Task, error) {
	if req.ProviderTaskID == "" {
		return nil, fmt.Errorf("provider task id is required: %w", taskdomain.ErrTaskNotFound)
	}

	now := s.clock.Now(ctx)
	task := taskdomain.Task{
		ID:             s.genID.Generate(),
		BillingUserID:  req.BillingUserID,
		Provider:       req.Provider,
		ProviderTaskID: req.ProviderTaskID,
		Status:         taskdomain.StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	if req.ReserveCredits > 0 {
		hold, err := s.ledgerSvc.Reserve(ctx, req.BillingUserID, req.ReserveCredits,
			fmt.Sprintf("task %s/%s", req.Provider, req.ProviderTaskID))
		if err != nil {
			return nil, err
		}
		holdID := hold.ID
		task.ReservationID = &holdID
	}

	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		// The hold would leak without the task row pointing at it.
		if task.ReservationID != nil {
			if relErr := s.ledgerSvc.ReleaseReservation(ctx, *task.ReservationID); relErr != nil {
				s.log.Error("release orphaned reservation",
					zap.Int64("reservation_id", int64(*task.ReservationID)), zap.Error(relErr))
			}
		}
		return nil, err
	}
	return &task, nil
}

func (s *Service) FindByProviderTaskID(ctx context.Context, provider webhookeventdomain.Provider, providerTaskID string) (*taskdomain.Task, error) {
	var task taskdomain.Task
	err := s.db.WithContext(ctx).
		Where("provider = ? AND provider_task_id = ?", provider, providerTaskID).
		First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, taskdomain.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

func (s *Service) Complete(ctx context.Context, provider webhookeventdomain.Provider, providerTaskID string, result []byte) (*taskdomain.Task, error) {
	return s.settle(ctx, provider, providerTaskID, func(task *taskdomain.Task, now time.Time) error {
		if task.ReservationID != nil {
			err := s.ledgerSvc.CommitReservation(ctx, *task.ReservationID)
			if err != nil && !errors.Is(err, ledgerdomain.ErrReservationNotOpen) {
				return err
			}
		}
		task.Status = taskdomain.StatusCompleted
		task.Result = result
		task.UpdatedAt = now
		return nil
	})
}

func (s *Service) Fail(ctx context.Context, provider webhookeventdomain.Provider, providerTaskID string, reason string) (*taskdomain.Task, error) {
	return s.settle(ctx, provider, providerTaskID, func(task *taskdomain.Task, now time.Time) error {
		if task.ReservationID != nil {
			err := s.ledgerSvc.ReleaseReservation(ctx, *task.ReservationID)
			if err != nil && !errors.Is(err, ledgerdomain.ErrReservationNotOpen) {
				return err
			}
		}
		task.Status = taskdomain.StatusFailed
		task.FailureReason = reason
		task.UpdatedAt = now
		return nil
	})
}

func (s *Service) settle(ctx context.Context, provider webhookeventdomain.Provider, providerTaskID string, apply func(*taskdomain.Task, time.Time) error) (*taskdomain.Task, error) {
	task, err := s.FindByProviderTaskID(ctx, provider, providerTaskID)
	if err != nil {
		return nil, err
	}
	if task.Status != taskdomain.StatusPending {
		return nil, taskdomain.ErrTaskSettled
	}

	// The ledger settle runs its own transaction; the task update follows.
	// If we crash between the two the task stays PENDING and the replay's
	// ledger call reports ErrReservationNotOpen; the closures swallow that
	// so the task still converges to its terminal status.
	now := s.clock.Now(ctx)
	if err := apply(task, now); err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Save(task).Error; err != nil {
		return nil, err
	}
	return task, nil
}
