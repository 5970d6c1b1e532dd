package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	billingdomain "github.com/grantlinehq/grantline/internal/billing/domain"
	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/config"
	"github.com/grantlinehq/grantline/internal/database"
	ledgerdomain "github.com/grantlinehq/grantline/internal/ledger/domain"
	"github.com/grantlinehq/grantline/internal/period"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	GenID     *snowflake.Node
	Clock     clock.Clock
	Tx        *database.TxRunner
	Cfg       config.Config
	LedgerSvc ledgerdomain.Service
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	tx           *database.TxRunner
	ledgerSvc    ledgerdomain.Service
	newUserAward int64
}

func NewService(p Params) billingdomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("billing.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		tx:           p.Tx,
		ledgerSvc:    p.LedgerSvc,
		newUserAward: p.Cfg.Credits.NewUserAward,
	}
}

func (s *Service) GetOrCreateBillingUser(ctx context.Context, userID string) (billingdomain.BillingUser, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return billingdomain.BillingUser{}, billingdomain.ErrInvalidUserID
	}

	existing, err := s.findBillingUser(ctx, userID)
	if err != nil {
		return billingdomain.BillingUser{}, err
	}
	if existing != nil {
		return *existing, nil
	}

	now := s.clock.Now(ctx)
	user := billingdomain.BillingUser{
		ID:        s.genID.Generate(),
		UserID:    userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	err = s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&user).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a creation race; the winner's row is the account.
		winner, findErr := s.findBillingUser(ctx, userID)
		if findErr != nil {
			return billingdomain.BillingUser{}, findErr
		}
		if winner != nil {
			return *winner, nil
		}
		return billingdomain.BillingUser{}, err
	}
	if err != nil {
		return billingdomain.BillingUser{}, err
	}

	if s.newUserAward > 0 {
		_, grantErr := s.ledgerSvc.Grant(ctx, ledgerdomain.GrantRequest{
			BillingUserID: user.ID,
			Amount:        s.newUserAward,
			Source:        ledgerdomain.GrantSourceNewUserAward,
			Description:   "new user award",
		})
		if grantErr != nil {
			s.log.Error("new user award failed",
				zap.String("billing_user_id", user.ID.String()),
				zap.Error(grantErr))
			return billingdomain.BillingUser{}, grantErr
		}
	}

	return user, nil
}

func (s *Service) ApplySubscriptionState(ctx context.Context, req billingdomain.ApplySubscriptionStateRequest) (billingdomain.Subscription, error) {
	if strings.TrimSpace(req.ProviderSubscriptionID) == "" {
		return billingdomain.Subscription{}, billingdomain.ErrInvalidSubscription
	}

	user, err := s.GetOrCreateBillingUser(ctx, req.UserID)
	if err != nil {
		return billingdomain.Subscription{}, err
	}

	now := s.clock.Now(ctx)
	periodEnd, hasEnd, err := period.End(req.PeriodStart, req.PlanPeriod)
	if err != nil {
		return billingdomain.Subscription{}, err
	}
	var periodEndPtr *time.Time
	if hasEnd {
		periodEndPtr = &periodEnd
	}

	var subscription billingdomain.Subscription
	var newPeriod *billingdomain.SubscriptionPeriod

	err = s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		err := tx.First(&subscription,
			"billing_user_id = ? AND provider_subscription_id = ?",
			user.ID, req.ProviderSubscriptionID).Error
		enteredNewPeriod := false
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			subscription = billingdomain.Subscription{
				ID:                     s.genID.Generate(),
				BillingUserID:          user.ID,
				Provider:               req.Provider,
				ProviderSubscriptionID: req.ProviderSubscriptionID,
				CreatedAt:              now,
			}
			enteredNewPeriod = true
		case err != nil:
			return err
		default:
			enteredNewPeriod = !subscription.CurrentPeriodStart.Equal(req.PeriodStart)
		}

		subscription.Status = req.Status
		subscription.PriceAmount = req.PriceAmount
		subscription.Currency = req.Currency
		subscription.CurrentPeriodStart = req.PeriodStart
		subscription.CurrentPeriodEnd = periodEndPtr
		subscription.CancelledAt = req.CancelledAt
		subscription.UpdatedAt = now
		if err := tx.Save(&subscription).Error; err != nil {
			return err
		}

		if enteredNewPeriod && req.Status == billingdomain.SubscriptionStatusActive {
			sp := billingdomain.SubscriptionPeriod{
				ID:             s.genID.Generate(),
				SubscriptionID: subscription.ID,
				StartAt:        req.PeriodStart,
				EndAt:          periodEndPtr,
				CreatedAt:      now,
			}
			if err := tx.Create(&sp).Error; err != nil {
				return err
			}
			newPeriod = &sp
		}

		if newPeriod == nil && req.Status == billingdomain.SubscriptionStatusActive {
			// Redelivery for a period we already recorded: reload it so
			// grants interrupted on an earlier attempt can be backfilled.
			var sp billingdomain.SubscriptionPeriod
			err := tx.First(&sp,
				"subscription_id = ? AND start_at = ?", subscription.ID, req.PeriodStart).Error
			if err == nil {
				newPeriod = &sp
			} else if !errors.Is(err, gorm.ErrRecordNotFound) {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return billingdomain.Subscription{}, err
	}

	if newPeriod != nil && req.CreditsPerReset > 0 {
		if err := s.grantPeriodCredits(ctx, user.ID, newPeriod, req); err != nil {
			return billingdomain.Subscription{}, err
		}
	}

	return subscription, nil
}

// grantPeriodCredits issues one SUBSCRIPTION grant per reset window of the
// period, each valid only inside its window so unspent refills expire.
// A plan without a reset cadence gets a single grant spanning the period.
// Windows that already carry a grant are skipped, so replays only fill
// gaps left by an interrupted earlier run.
func (s *Service) grantPeriodCredits(
	ctx context.Context,
	billingUserID snowflake.ID,
	sp *billingdomain.SubscriptionPeriod,
	req billingdomain.ApplySubscriptionStateRequest,
) error {
	windows, err := period.ResetPeriods(sp.StartAt, req.PlanPeriod)
	if err != nil {
		return err
	}
	if len(windows) == 0 {
		windows = []period.Window{{Start: sp.StartAt}}
		if sp.EndAt != nil {
			windows[0].End = *sp.EndAt
		}
	}

	for _, w := range windows {
		var existing int64
		err := s.db.WithContext(ctx).Model(&ledgerdomain.CreditGrant{}).
			Where("subscription_period_id = ? AND valid_from = ?", sp.ID, w.Start).
			Count(&existing).Error
		if err != nil {
			return err
		}
		if existing > 0 {
			continue
		}

		var validUntil *time.Time
		if !w.End.IsZero() {
			end := w.End
			validUntil = &end
		}
		_, err = s.ledgerSvc.Grant(ctx, ledgerdomain.GrantRequest{
			BillingUserID:        billingUserID,
			Amount:               req.CreditsPerReset,
			ValidFrom:            w.Start,
			ValidUntil:           validUntil,
			Source:               ledgerdomain.GrantSourceSubscription,
			SubscriptionPeriodID: &sp.ID,
			Description:          "subscription period credits",
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) RecordPurchase(ctx context.Context, req billingdomain.RecordPurchaseRequest) (billingdomain.Purchase, error) {
	if strings.TrimSpace(req.ProviderPaymentID) == "" {
		return billingdomain.Purchase{}, billingdomain.ErrInvalidPurchase
	}

	var existing billingdomain.Purchase
	err := s.db.WithContext(ctx).
		First(&existing, "provider_payment_id = ?", req.ProviderPaymentID).Error
	if err == nil {
		// Redelivery. The grant may be missing if an earlier attempt died
		// between the purchase write and the grant write, so re-check it.
		if err := s.ensurePurchaseGrant(ctx, existing); err != nil {
			return billingdomain.Purchase{}, err
		}
		return existing, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return billingdomain.Purchase{}, err
	}

	user, err := s.GetOrCreateBillingUser(ctx, req.UserID)
	if err != nil {
		return billingdomain.Purchase{}, err
	}

	now := s.clock.Now(ctx)
	purchasedAt := req.PurchasedAt
	if purchasedAt.IsZero() {
		purchasedAt = now
	}
	purchase := billingdomain.Purchase{
		ID:                s.genID.Generate(),
		BillingUserID:     user.ID,
		Provider:          req.Provider,
		ProviderPaymentID: req.ProviderPaymentID,
		Amount:            req.Amount,
		Currency:          req.Currency,
		Credits:           req.Credits,
		Status:            billingdomain.PurchaseStatusCompleted,
		PurchasedAt:       purchasedAt,
		CreatedAt:         now,
	}

	err = s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		return tx.Create(&purchase).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Concurrent delivery of the same payment; the first write wins.
		findErr := s.db.WithContext(ctx).
			First(&existing, "provider_payment_id = ?", req.ProviderPaymentID).Error
		if findErr != nil {
			return billingdomain.Purchase{}, findErr
		}
		if err := s.ensurePurchaseGrant(ctx, existing); err != nil {
			return billingdomain.Purchase{}, err
		}
		return existing, nil
	}
	if err != nil {
		return billingdomain.Purchase{}, err
	}

	if err := s.ensurePurchaseGrant(ctx, purchase); err != nil {
		return billingdomain.Purchase{}, err
	}

	return purchase, nil
}

// ensurePurchaseGrant issues the purchase's credit grant if it does not
// exist yet. Purchase row and grant commit in separate transactions, so a
// crash between the two is healed on the next delivery of the same payment.
func (s *Service) ensurePurchaseGrant(ctx context.Context, purchase billingdomain.Purchase) error {
	if purchase.Credits <= 0 {
		return nil
	}
	var count int64
	err := s.db.WithContext(ctx).Model(&ledgerdomain.CreditGrant{}).
		Where("purchase_id = ?", purchase.ID).
		Count(&count).Error
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}
	_, err = s.ledgerSvc.Grant(ctx, ledgerdomain.GrantRequest{
		BillingUserID: purchase.BillingUserID,
		Amount:        purchase.Credits,
		ValidFrom:     purchase.PurchasedAt,
		Source:        ledgerdomain.GrantSourcePurchase,
		PurchaseID:    &purchase.ID,
		Description:   "credit purchase",
	})
	return err
}

func (s *Service) RecordInvoice(ctx context.Context, req billingdomain.RecordInvoiceRequest) (billingdomain.Invoice, error) {
	if strings.TrimSpace(req.ProviderInvoiceID) == "" {
		return billingdomain.Invoice{}, billingdomain.ErrInvalidInvoice
	}

	user, err := s.GetOrCreateBillingUser(ctx, req.UserID)
	if err != nil {
		return billingdomain.Invoice{}, err
	}

	now := s.clock.Now(ctx)
	var invoice billingdomain.Invoice

	err = s.tx.WithTransaction(ctx, func(tx *gorm.DB) error {
		err := tx.First(&invoice, "provider_invoice_id = ?", req.ProviderInvoiceID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			invoice = billingdomain.Invoice{
				ID:                s.genID.Generate(),
				BillingUserID:     user.ID,
				Provider:          req.Provider,
				ProviderInvoiceID: req.ProviderInvoiceID,
				CreatedAt:         now,
			}
		} else if err != nil {
			return err
		}

		invoice.SubscriptionID = req.SubscriptionID
		invoice.Amount = req.Amount
		invoice.Currency = req.Currency
		invoice.Status = req.Status
		invoice.PaidAt = req.PaidAt
		invoice.UpdatedAt = now
		return tx.Save(&invoice).Error
	})
	if err != nil {
		return billingdomain.Invoice{}, err
	}
	return invoice, nil
}

func (s *Service) findBillingUser(ctx context.Context, userID string) (*billingdomain.BillingUser, error) {
	var user billingdomain.BillingUser
	err := s.db.WithContext(ctx).First(&user, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}
