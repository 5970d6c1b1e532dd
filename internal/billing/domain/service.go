package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/grantlinehq/grantline/internal/period"
)

var (
	ErrInvalidUserID       = errors.New("invalid_user_id")
	ErrInvalidSubscription = errors.New("invalid_subscription")
	ErrInvalidPurchase     = errors.New("invalid_purchase")
	ErrInvalidInvoice      = errors.New("invalid_invoice")
)

type ApplySubscriptionStateRequest struct {
	UserID                 string
	Provider               string
	ProviderSubscriptionID string
	Status                 SubscriptionStatus
	PlanPeriod             period.PlanPeriod
	PeriodStart            time.Time
	CreditsPerReset        int64
	PriceAmount            int64
	Currency               string
	CancelledAt            *time.Time
}

type RecordPurchaseRequest struct {
	UserID            string
	Provider          string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Credits           int64
	PurchasedAt       time.Time
}

type RecordInvoiceRequest struct {
	UserID            string
	Provider          string
	ProviderInvoiceID string
	SubscriptionID    *snowflake.ID
	Amount            int64
	Currency          string
	Status            InvoiceStatus
	PaidAt            *time.Time
}

type Service interface {
	// GetOrCreateBillingUser resolves the ledger-side account for an
	// external user id, creating it (and its one-time new-user award)
	// on first contact.
	GetOrCreateBillingUser(ctx context.Context, userID string) (BillingUser, error)

	// ApplySubscriptionState upserts the subscription to the provider's
	// reported state. A newly entered paid period creates its
	// SubscriptionPeriod and schedules one credit grant per reset window.
	ApplySubscriptionState(ctx context.Context, req ApplySubscriptionStateRequest) (Subscription, error)

	// RecordPurchase upserts a one-time purchase and issues its credit
	// grant. Re-applying the same provider payment id is a no-op.
	RecordPurchase(ctx context.Context, req RecordPurchaseRequest) (Purchase, error)

	RecordInvoice(ctx context.Context, req RecordInvoiceRequest) (Invoice, error)
}
