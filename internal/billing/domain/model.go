package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type SubscriptionStatus string

const (
	SubscriptionStatusActive    SubscriptionStatus = "ACTIVE"
	SubscriptionStatusCancelled SubscriptionStatus = "CANCELLED"
	SubscriptionStatusExpired   SubscriptionStatus = "EXPIRED"
)

type PurchaseStatus string

const (
	PurchaseStatusCompleted PurchaseStatus = "COMPLETED"
	PurchaseStatusRefunded  PurchaseStatus = "REFUNDED"
)

type InvoiceStatus string

const (
	InvoiceStatusPaid InvoiceStatus = "PAID"
	InvoiceStatusOpen InvoiceStatus = "OPEN"
	InvoiceStatusVoid InvoiceStatus = "VOID"
)

// BillingUser maps an external application user to the ledger. Created
// lazily on first billing-affecting contact.
type BillingUser struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	UserID    string       `json:"user_id" gorm:"type:text;not null;uniqueIndex"`
	CreatedAt time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt time.Time    `json:"updated_at" gorm:"not null"`
}

func (BillingUser) TableName() string { return "billing_users" }

type Subscription struct {
	ID                     snowflake.ID       `json:"id" gorm:"primaryKey"`
	BillingUserID          snowflake.ID       `json:"billing_user_id" gorm:"not null;uniqueIndex:ux_subscriptions_user_provider_sub,priority:1"`
	Provider               string             `json:"provider" gorm:"type:text;not null"`
	ProviderSubscriptionID string             `json:"provider_subscription_id" gorm:"type:text;not null;uniqueIndex:ux_subscriptions_user_provider_sub,priority:2"`
	Status                 SubscriptionStatus `json:"status" gorm:"type:text;not null"`
	PriceAmount            int64              `json:"price_amount"`
	Currency               string             `json:"currency" gorm:"type:text"`
	CurrentPeriodStart     time.Time          `json:"current_period_start"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end"`
	CancelledAt            *time.Time         `json:"cancelled_at"`
	CreatedAt              time.Time          `json:"created_at" gorm:"not null"`
	UpdatedAt              time.Time          `json:"updated_at" gorm:"not null"`
}

func (Subscription) TableName() string { return "subscriptions" }

// SubscriptionPeriod is one paid window of a subscription. Credit grants
// issued for the period link back to it.
type SubscriptionPeriod struct {
	ID             snowflake.ID `json:"id" gorm:"primaryKey"`
	SubscriptionID snowflake.ID `json:"subscription_id" gorm:"not null;index"`
	StartAt        time.Time    `json:"start_at" gorm:"not null"`
	EndAt          *time.Time   `json:"end_at"`
	CreatedAt      time.Time    `json:"created_at" gorm:"not null"`
}

func (SubscriptionPeriod) TableName() string { return "subscription_periods" }

type Purchase struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	BillingUserID     snowflake.ID   `json:"billing_user_id" gorm:"not null;index"`
	Provider          string         `json:"provider" gorm:"type:text;not null"`
	ProviderPaymentID string         `json:"provider_payment_id" gorm:"type:text;not null;uniqueIndex"`
	Amount            int64          `json:"amount"`
	Currency          string         `json:"currency" gorm:"type:text"`
	Credits           int64          `json:"credits"`
	Status            PurchaseStatus `json:"status" gorm:"type:text;not null"`
	PurchasedAt       time.Time      `json:"purchased_at" gorm:"not null"`
	CreatedAt         time.Time      `json:"created_at" gorm:"not null"`
}

func (Purchase) TableName() string { return "purchases" }

type Invoice struct {
	ID                snowflake.ID  `json:"id" gorm:"primaryKey"`
	BillingUserID     snowflake.ID  `json:"billing_user_id" gorm:"not null;index"`
	SubscriptionID    *snowflake.ID `json:"subscription_id" gorm:"index"`
	Provider          string        `json:"provider" gorm:"type:text;not null"`
	ProviderInvoiceID string        `json:"provider_invoice_id" gorm:"type:text;not null;uniqueIndex"`
	Amount            int64         `json:"amount"`
	Currency          string        `json:"currency" gorm:"type:text"`
	Status            InvoiceStatus `json:"status" gorm:"type:text;not null"`
	PaidAt            *time.Time    `json:"paid_at"`
	CreatedAt         time.Time     `json:"created_at" gorm:"not null"`
	UpdatedAt         time.Time     `json:"updated_at" gorm:"not null"`
}

func (Invoice) TableName() string { return "invoices" }
