package stripe

import "encoding/json"

// Partial views of Stripe payloads. Only the fields the reconciler reads
// are declared; everything else passes through untouched in the stored raw
// payload.

type stripeEvent struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Account string          `json:"account"`
	Created int64           `json:"created"`
	Data    stripeEventData `json:"data"`
}

type stripeEventData struct {
	Object json.RawMessage `json:"object"`
}

type stripeSubscription struct {
	ID                 string            `json:"id"`
	Status             string            `json:"status"`
	CurrentPeriodStart int64             `json:"current_period_start"`
	CurrentPeriodEnd   int64             `json:"current_period_end"`
	CanceledAt         int64             `json:"canceled_at"`
	Metadata           map[string]string `json:"metadata"`
	Plan               stripePlan        `json:"plan"`
}

type stripePlan struct {
	ID            string `json:"id"`
	Amount        int64  `json:"amount"`
	Currency      string `json:"currency"`
	Interval      string `json:"interval"`
	IntervalCount int    `json:"interval_count"`
}

type stripeInvoice struct {
	ID                  string                   `json:"id"`
	AmountPaid          int64                    `json:"amount_paid"`
	Currency            string                   `json:"currency"`
	Metadata            map[string]string        `json:"metadata"`
	SubscriptionDetails stripeSubscriptionDetail `json:"subscription_details"`
	StatusTransitions   stripeStatusTransitions  `json:"status_transitions"`
}

type stripeSubscriptionDetail struct {
	Metadata map[string]string `json:"metadata"`
}

type stripeStatusTransitions struct {
	PaidAt int64 `json:"paid_at"`
}

type stripeCheckoutSession struct {
	ID            string            `json:"id"`
	Mode          string            `json:"mode"`
	PaymentIntent string            `json:"payment_intent"`
	AmountTotal   int64             `json:"amount_total"`
	Currency      string            `json:"currency"`
	Metadata      map[string]string `json:"metadata"`
}

type stripePaymentIntent struct {
	ID       string            `json:"id"`
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Metadata map[string]string `json:"metadata"`
}
