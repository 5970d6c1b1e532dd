package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
)

type GrantSource string

const (
	GrantSourceNewUserAward GrantSource = "NEW_USER_AWARD"
	GrantSourceDailyLogin   GrantSource = "DAILY_LOGIN_AWARD"
	GrantSourceSubscription GrantSource = "SUBSCRIPTION"
	GrantSourcePurchase     GrantSource = "PURCHASE"
	GrantSourcePromotion    GrantSource = "PROMOTION"
	GrantSourceAdminAdjust  GrantSource = "ADMIN_ADJUSTMENT"
)

type TransactionType string

const (
	TransactionTypeGrant   TransactionType = "GRANT"
	TransactionTypeConsume TransactionType = "CONSUME"
	TransactionTypeReserve TransactionType = "RESERVE"
	TransactionTypeRefund  TransactionType = "REFUND"
)

type TransactionStatus string

const (
	TransactionStatusPending   TransactionStatus = "PENDING"
	TransactionStatusConfirmed TransactionStatus = "CONFIRMED"
	TransactionStatusReversed  TransactionStatus = "REVERSED"
)

// CreditGrant is one issuance of credits to a billing user. Amount, Source
// and the validity window are immutable after creation; the remaining fields
// mutate only through ledger operations that re-check the invariants.
type CreditGrant struct {
	ID                   snowflake.ID  `json:"id" gorm:"primaryKey"`
	BillingUserID        snowflake.ID  `json:"billing_user_id" gorm:"not null;index"`
	Amount               int64         `json:"amount" gorm:"not null"`
	RemainingAmount      int64         `json:"remaining_amount" gorm:"not null"`
	UsedAmount           int64         `json:"used_amount" gorm:"not null"`
	ReservedAmount       int64         `json:"reserved_amount" gorm:"not null"`
	AvailableAmount      int64         `json:"available_amount" gorm:"not null"`
	Source               GrantSource   `json:"source" gorm:"type:text;not null"`
	ValidFrom            time.Time     `json:"valid_from" gorm:"not null"`
	ValidUntil           *time.Time    `json:"valid_until"`
	SubscriptionPeriodID *snowflake.ID `json:"subscription_period_id" gorm:"index"`
	PurchaseID           *snowflake.ID `json:"purchase_id" gorm:"index"`
	Description          string        `json:"description" gorm:"type:text"`
	CreatedAt            time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt            time.Time     `json:"updated_at" gorm:"not null"`
}

func (CreditGrant) TableName() string { return "credit_grants" }

// CheckInvariants verifies the arithmetic relationships that must hold after
// every mutation. A violation is a logic bug, never user input.
func (g *CreditGrant) CheckInvariants() error {
	if g.RemainingAmount+g.UsedAmount != g.Amount {
		return fmt.Errorf("%w: grant %s remaining(%d)+used(%d) != amount(%d)",
			ErrConsistencyViolation, g.ID, g.RemainingAmount, g.UsedAmount, g.Amount)
	}
	if g.AvailableAmount != g.RemainingAmount-g.ReservedAmount {
		return fmt.Errorf("%w: grant %s available(%d) != remaining(%d)-reserved(%d)",
			ErrConsistencyViolation, g.ID, g.AvailableAmount, g.RemainingAmount, g.ReservedAmount)
	}
	if g.Amount < 0 || g.RemainingAmount < 0 || g.UsedAmount < 0 || g.ReservedAmount < 0 || g.AvailableAmount < 0 {
		return fmt.Errorf("%w: grant %s has a negative amount field", ErrConsistencyViolation, g.ID)
	}
	return nil
}

// Spendable reports whether the grant can cover new consumption at now.
func (g *CreditGrant) Spendable(now time.Time) bool {
	if g.AvailableAmount <= 0 {
		return false
	}
	if g.ValidFrom.After(now) {
		return false
	}
	if g.ValidUntil != nil && !g.ValidUntil.After(now) {
		return false
	}
	return true
}

// CreditTransaction is the audit record of one ledger-affecting event. Only
// Status and ConfirmedAt change after creation.
type CreditTransaction struct {
	ID            snowflake.ID      `json:"id" gorm:"primaryKey"`
	BillingUserID snowflake.ID      `json:"billing_user_id" gorm:"not null;index"`
	Type          TransactionType   `json:"type" gorm:"type:text;not null"`
	Status        TransactionStatus `json:"status" gorm:"type:text;not null"`
	TotalAmount   int64             `json:"total_amount" gorm:"not null"`
	ConfirmedAt   *time.Time        `json:"confirmed_at"`
	Description   string            `json:"description" gorm:"type:text"`
	CreatedAt     time.Time         `json:"created_at" gorm:"not null"`
}

func (CreditTransaction) TableName() string { return "credit_transactions" }

// CreditTransactionDetail applies one signed amount to one grant. A single
// transaction may span several grants; BalanceAfter snapshots the grant's
// available amount after the application for per-grant history.
type CreditTransactionDetail struct {
	ID            snowflake.ID `json:"id" gorm:"primaryKey"`
	TransactionID snowflake.ID `json:"transaction_id" gorm:"not null;index"`
	GrantID       snowflake.ID `json:"grant_id" gorm:"not null;index"`
	Amount        int64        `json:"amount" gorm:"not null"`
	BalanceAfter  int64        `json:"balance_after" gorm:"not null"`
	CreatedAt     time.Time    `json:"created_at" gorm:"not null"`
}

func (CreditTransactionDetail) TableName() string { return "credit_transaction_details" }
