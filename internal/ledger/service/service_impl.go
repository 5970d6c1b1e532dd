package service

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/database"
	ledgerdomain "github.com/grantlinehq/grantline/internal/ledger/domain"
	"github.com/grantlinehq/grantline/internal/observability"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Tx      *database.TxRunner
	Metrics *observability.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	tx      *database.TxRunner
	metrics *observability.Metrics
}

func NewService(p Params) ledgerdomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("ledger.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		tx:      p.Tx,
		metrics: p.Metrics,
	}
}

func (s *Service) Grant(ctx context.Context, req ledgerdomain.GrantRequest) (ledgerdomain.CreditGrant, error) {
	if req.Amount <= 0 {
		return ledgerdomain.CreditGrant{}, ledgerdomain.ErrInvalidAmount
	}
	if req.BillingUserID == 0 {
		return ledgerdomain.CreditGrant{}, ledgerdomain.ErrInvalidBillingUser
	}

	now := s.clock.Now(ctx)
	validFrom := req.ValidFrom
	if validFrom.IsZero() {
		validFrom = now
	}

	grant := ledgerdomain.CreditGrant{
		ID:                   s.genID.Generate(),
		BillingUserID:        req.BillingUserID,
		Amount:               req.Amount,
		RemainingAmount:      req.Amount,
		UsedAmount:           0,
		ReservedAmount:       0,
		AvailableAmount:      req.Amount,
		Source:               req.Source,
		ValidFrom:            validFrom,
		ValidUntil:           req.ValidUntil,
		SubscriptionPeriodID: req.SubscriptionPeriodID,
		PurchaseID:           req.PurchaseID,
		Description:          req.Description,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	transaction := ledgerdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		BillingUserID: req.BillingUserID,
		Type:          ledgerdomain.TransactionTypeGrant,
		Status:        ledgerdomain.TransactionStatusConfirmed,
		TotalAmount:   req.Amount,
		ConfirmedAt:   &now,
		Description:   req.Description,
		CreatedAt:     now,
	}

	detail := ledgerdomain.CreditTransactionDetail{
		ID:            s.genID.Generate(),
		TransactionID: transaction.ID,
		GrantID:       grant.ID,
		Amount:        req.Amount,
		BalanceAfter:  req.Amount,
		CreatedAt:     now,
	}

	err := s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		if err := tx.Create(&grant).Error; err != nil {
			return err
		}
		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		if err := tx.Create(&detail).Error; err != nil {
			return err
		}

		// Re-read what was actually written and assert the invariants
		// before committing. A violation here is a programmer error and
		// must roll the whole operation back.
		var persisted ledgerdomain.CreditGrant
		if err := tx.First(&persisted, "id = ?", grant.ID).Error; err != nil {
			return err
		}
		return persisted.CheckInvariants()
	})
	if err != nil {
		if errors.Is(err, ledgerdomain.ErrConsistencyViolation) {
			s.log.Error("grant issuance violated ledger invariants",
				zap.String("grant_id", grant.ID.String()),
				zap.String("billing_user_id", req.BillingUserID.String()),
				zap.Error(err))
		}
		return ledgerdomain.CreditGrant{}, err
	}

	if s.metrics != nil {
		s.metrics.GrantsIssued.WithLabelValues(string(req.Source)).Inc()
	}
	s.log.Info("credit grant issued",
		zap.String("grant_id", grant.ID.String()),
		zap.String("billing_user_id", req.BillingUserID.String()),
		zap.Int64("amount", req.Amount),
		zap.String("source", string(req.Source)))

	return grant, nil
}

func (s *Service) Consume(ctx context.Context, billingUserID snowflake.ID, amount int64, description string) (ledgerdomain.CreditTransaction, error) {
	if amount <= 0 {
		return ledgerdomain.CreditTransaction{}, ledgerdomain.ErrInvalidAmount
	}
	if billingUserID == 0 {
		return ledgerdomain.CreditTransaction{}, ledgerdomain.ErrInvalidBillingUser
	}

	now := s.clock.Now(ctx)
	transaction := ledgerdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		BillingUserID: billingUserID,
		Type:          ledgerdomain.TransactionTypeConsume,
		Status:        ledgerdomain.TransactionStatusConfirmed,
		TotalAmount:   amount,
		ConfirmedAt:   &now,
		Description:   description,
		CreatedAt:     now,
	}

	err := s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		grants, err := s.lockSpendableGrants(tx, billingUserID, now)
		if err != nil {
			return err
		}

		details, err := s.applyToGrants(tx, grants, amount, transaction.ID, now, func(g *ledgerdomain.CreditGrant, take int64) {
			g.RemainingAmount -= take
			g.UsedAmount += take
			g.AvailableAmount -= take
		})
		if err != nil {
			return err
		}

		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		return tx.Create(&details).Error
	})
	if err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}
	return transaction, nil
}

func (s *Service) Reserve(ctx context.Context, billingUserID snowflake.ID, amount int64, description string) (ledgerdomain.CreditTransaction, error) {
	if amount <= 0 {
		return ledgerdomain.CreditTransaction{}, ledgerdomain.ErrInvalidAmount
	}
	if billingUserID == 0 {
		return ledgerdomain.CreditTransaction{}, ledgerdomain.ErrInvalidBillingUser
	}

	now := s.clock.Now(ctx)
	transaction := ledgerdomain.CreditTransaction{
		ID:            s.genID.Generate(),
		BillingUserID: billingUserID,
		Type:          ledgerdomain.TransactionTypeReserve,
		Status:        ledgerdomain.TransactionStatusPending,
		TotalAmount:   amount,
		Description:   description,
		CreatedAt:     now,
	}

	err := s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		grants, err := s.lockSpendableGrants(tx, billingUserID, now)
		if err != nil {
			return err
		}

		details, err := s.applyToGrants(tx, grants, amount, transaction.ID, now, func(g *ledgerdomain.CreditGrant, take int64) {
			g.ReservedAmount += take
			g.AvailableAmount -= take
		})
		if err != nil {
			return err
		}

		if err := tx.Create(&transaction).Error; err != nil {
			return err
		}
		return tx.Create(&details).Error
	})
	if err != nil {
		return ledgerdomain.CreditTransaction{}, err
	}
	return transaction, nil
}

func (s *Service) CommitReservation(ctx context.Context, transactionID snowflake.ID) error {
	now := s.clock.Now(ctx)
	return s.settleReservation(ctx, transactionID, ledgerdomain.TransactionStatusConfirmed, &now,
		func(g *ledgerdomain.CreditGrant, held int64) {
			g.ReservedAmount -= held
			g.RemainingAmount -= held
			g.UsedAmount += held
		})
}

func (s *Service) ReleaseReservation(ctx context.Context, transactionID snowflake.ID) error {
	return s.settleReservation(ctx, transactionID, ledgerdomain.TransactionStatusReversed, nil,
		func(g *ledgerdomain.CreditGrant, held int64) {
			g.ReservedAmount -= held
			g.AvailableAmount += held
		})
}

func (s *Service) settleReservation(
	ctx context.Context,
	transactionID snowflake.ID,
	targetStatus ledgerdomain.TransactionStatus,
	confirmedAt *time.Time,
	apply func(g *ledgerdomain.CreditGrant, held int64),
) error {
	now := s.clock.Now(ctx)

	return s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		var transaction ledgerdomain.CreditTransaction
		err := lockForUpdate(tx).First(&transaction, "id = ?", transactionID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledgerdomain.ErrTransactionNotFound
		}
		if err != nil {
			return err
		}
		if transaction.Type != ledgerdomain.TransactionTypeReserve || transaction.Status != ledgerdomain.TransactionStatusPending {
			return ledgerdomain.ErrReservationNotOpen
		}

		var details []ledgerdomain.CreditTransactionDetail
		if err := tx.Where("transaction_id = ?", transactionID).Find(&details).Error; err != nil {
			return err
		}

		for _, detail := range details {
			var grant ledgerdomain.CreditGrant
			err := lockForUpdate(tx).First(&grant, "id = ?", detail.GrantID).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledgerdomain.ErrGrantNotFound
			}
			if err != nil {
				return err
			}

			apply(&grant, detail.Amount)
			grant.UpdatedAt = now
			if err := grant.CheckInvariants(); err != nil {
				s.log.Error("reservation settlement violated ledger invariants",
					zap.String("grant_id", grant.ID.String()),
					zap.String("transaction_id", transactionID.String()),
					zap.Error(err))
				return err
			}
			if err := tx.Save(&grant).Error; err != nil {
				return err
			}
		}

		return tx.Model(&ledgerdomain.CreditTransaction{}).
			Where("id = ?", transactionID).
			Updates(map[string]any{
				"status":       targetStatus,
				"confirmed_at": confirmedAt,
			}).Error
	})
}

func (s *Service) Balance(ctx context.Context, billingUserID snowflake.ID) (int64, error) {
	now := s.clock.Now(ctx)
	var total int64
	err := s.db.WithContext(ctx).
		Model(&ledgerdomain.CreditGrant{}).
		Where("billing_user_id = ? AND available_amount > 0 AND valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)",
			billingUserID, now, now).
		Select("COALESCE(SUM(available_amount), 0)").
		Scan(&total).Error
	return total, err
}

func (s *Service) ListGrants(ctx context.Context, billingUserID snowflake.ID) ([]ledgerdomain.CreditGrant, error) {
	var grants []ledgerdomain.CreditGrant
	err := s.db.WithContext(ctx).
		Where("billing_user_id = ?", billingUserID).
		Order("created_at DESC").
		Find(&grants).Error
	return grants, err
}

// lockSpendableGrants locks the user's spendable grants for the duration of
// the transaction, ordered so grants expiring soonest are drained first.
// "valid_until IS NULL" orders open-ended grants last on both postgres and
// sqlite.
func (s *Service) lockSpendableGrants(tx *gorm.DB, billingUserID snowflake.ID, now time.Time) ([]ledgerdomain.CreditGrant, error) {
	var grants []ledgerdomain.CreditGrant
	err := lockForUpdate(tx).
		Where("billing_user_id = ? AND available_amount > 0 AND valid_from <= ? AND (valid_until IS NULL OR valid_until > ?)",
			billingUserID, now, now).
		Order("valid_until IS NULL, valid_until ASC, valid_from ASC").
		Find(&grants).Error
	return grants, err
}

// applyToGrants drains amount across the locked grants, writing one detail
// row per touched grant with the grant's available balance after the
// application. Fails without writes when the grants cannot cover amount.
func (s *Service) applyToGrants(
	tx *gorm.DB,
	grants []ledgerdomain.CreditGrant,
	amount int64,
	transactionID snowflake.ID,
	now time.Time,
	apply func(g *ledgerdomain.CreditGrant, take int64),
) ([]ledgerdomain.CreditTransactionDetail, error) {
	var available int64
	for _, g := range grants {
		available += g.AvailableAmount
	}
	if available < amount {
		return nil, ledgerdomain.ErrInsufficientCredits
	}

	remaining := amount
	details := make([]ledgerdomain.CreditTransactionDetail, 0, len(grants))
	for i := range grants {
		if remaining == 0 {
			break
		}
		grant := &grants[i]

		take := grant.AvailableAmount
		if take > remaining {
			take = remaining
		}

		apply(grant, take)
		grant.UpdatedAt = now
		if err := grant.CheckInvariants(); err != nil {
			s.log.Error("ledger mutation violated invariants",
				zap.String("grant_id", grant.ID.String()),
				zap.Error(err))
			return nil, err
		}
		if err := tx.Save(grant).Error; err != nil {
			return nil, err
		}

		details = append(details, ledgerdomain.CreditTransactionDetail{
			ID:            s.genID.Generate(),
			TransactionID: transactionID,
			GrantID:       grant.ID,
			Amount:        take,
			BalanceAfter:  grant.AvailableAmount,
			CreatedAt:     now,
		})
		remaining -= take
	}
	return details, nil
}

// lockForUpdate applies a row lock on dialects that support it. The sqlite
// test databases run each transaction serially already.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}
