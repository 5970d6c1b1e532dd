package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
)

var (
	ErrInvalidAmount        = errors.New("invalid_amount")
	ErrInvalidBillingUser   = errors.New("invalid_billing_user")
	ErrInsufficientCredits  = errors.New("insufficient_credits")
	ErrGrantNotFound        = errors.New("grant_not_found")
	ErrTransactionNotFound  = errors.New("transaction_not_found")
	ErrReservationNotOpen   = errors.New("reservation_not_open")
	ErrConsistencyViolation = errors.New("ledger_consistency_violation")
)

type GrantRequest struct {
	BillingUserID        snowflake.ID
	Amount               int64
	ValidFrom            time.Time
	ValidUntil           *time.Time
	Source               GrantSource
	SubscriptionPeriodID *snowflake.ID
	PurchaseID           *snowflake.ID
	Description          string
}

type Service interface {
	// Grant atomically creates a CreditGrant and its CONFIRMED GRANT
	// transaction, re-checking the ledger invariants before returning.
	Grant(ctx context.Context, req GrantRequest) (CreditGrant, error)

	// Consume spends amount across the user's spendable grants, oldest
	// expiry first, inside one transaction.
	Consume(ctx context.Context, billingUserID snowflake.ID, amount int64, description string) (CreditTransaction, error)

	// Reserve holds amount without spending it; CommitReservation converts
	// the hold into usage, ReleaseReservation returns it.
	Reserve(ctx context.Context, billingUserID snowflake.ID, amount int64, description string) (CreditTransaction, error)
	CommitReservation(ctx context.Context, transactionID snowflake.ID) error
	ReleaseReservation(ctx context.Context, transactionID snowflake.ID) error

	Balance(ctx context.Context, billingUserID snowflake.ID) (int64, error)
	ListGrants(ctx context.Context, billingUserID snowflake.ID) ([]CreditGrant, error)
}
