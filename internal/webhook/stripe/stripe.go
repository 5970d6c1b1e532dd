package stripe

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	billingdomain "github.com/grantlinehq/grantline/internal/billing/domain"
	"github.com/grantlinehq/grantline/internal/config"
	"github.com/grantlinehq/grantline/internal/period"
	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

// subscriptionStatuses maps every Stripe subscription status to the
// internal one. A status missing here is a hard error, not a silent
// default: new provider statuses must be classified deliberately.
var subscriptionStatuses = map[string]billingdomain.SubscriptionStatus{
	"trialing": billingdomain.SubscriptionStatusActive,
	"active":   billingdomain.SubscriptionStatusActive,
	"past_due": billingdomain.SubscriptionStatusActive,
	"paused":   billingdomain.SubscriptionStatusActive,

	"canceled": billingdomain.SubscriptionStatusCancelled,

	"incomplete":         billingdomain.SubscriptionStatusExpired,
	"incomplete_expired": billingdomain.SubscriptionStatusExpired,
	"unpaid":             billingdomain.SubscriptionStatusExpired,
}

func mapSubscriptionStatus(raw string) (billingdomain.SubscriptionStatus, error) {
	status, ok := subscriptionStatuses[strings.TrimSpace(raw)]
	if !ok {
		return "", webhookdomain.NewError("unmapped_subscription_status",
			fmt.Sprintf("stripe subscription status %q has no mapping", raw), false, nil)
	}
	return status, nil
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Cfg        config.Config
	BillingSvc billingdomain.Service
}

type Reconciler struct {
	log           *zap.Logger
	webhookSecret string
	billingSvc    billingdomain.Service
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		log:           p.Log.Named("webhook.stripe"),
		webhookSecret: p.Cfg.Stripe.WebhookSecret,
		billingSvc:    p.BillingSvc,
	}
}

func (r *Reconciler) Provider() webhookeventdomain.Provider {
	return webhookeventdomain.ProviderStripe
}

// Verify checks the Stripe-Signature header: HMAC-SHA256 of
// "<t>.<payload>" keyed by the endpoint secret, compared in constant time
// against every v1 entry.
func (r *Reconciler) Verify(ctx context.Context, req webhookdomain.Request) error {
	sigHeader := strings.TrimSpace(req.Headers.Get("Stripe-Signature"))
	if sigHeader == "" {
		return webhookdomain.ErrMissingHeaders
	}

	timestamp, signatures, err := parseSignatureHeader(sigHeader)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}

	signedPayload := fmt.Sprintf("%s.%s", timestamp, string(req.Body))
	mac := hmac.New(sha256.New, []byte(r.webhookSecret))
	_, _ = mac.Write([]byte(signedPayload))
	expected := hex.EncodeToString(mac.Sum(nil))

	for _, signature := range signatures {
		if hmac.Equal([]byte(signature), []byte(expected)) {
			return nil
		}
	}
	return webhookdomain.ErrInvalidSignature
}

func (r *Reconciler) Identify(ctx context.Context, req webhookdomain.Request) (webhookdomain.EventInfo, error) {
	var event stripeEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return webhookdomain.EventInfo{}, webhookdomain.ErrInvalidPayload
	}
	if strings.TrimSpace(event.ID) == "" {
		return webhookdomain.EventInfo{}, webhookdomain.ErrInvalidEvent
	}
	return webhookdomain.EventInfo{
		EventID:           event.ID,
		EventType:         event.Type,
		ProviderAccountID: event.Account,
	}, nil
}

func (r *Reconciler) Reconcile(ctx context.Context, req webhookdomain.Request) (webhookdomain.Result, error) {
	var event stripeEvent
	if err := json.Unmarshal(req.Body, &event); err != nil {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidPayload
	}

	switch strings.TrimSpace(event.Type) {
	case "customer.subscription.created", "customer.subscription.updated":
		return r.applySubscription(ctx, event, "")
	case "customer.subscription.deleted":
		// Deletion events sometimes still carry a pre-cancel status.
		return r.applySubscription(ctx, event, "canceled")
	case "invoice.payment_succeeded", "invoice.paid":
		return r.applyInvoice(ctx, event)
	case "checkout.session.completed":
		return r.applyCheckoutSession(ctx, event)
	case "payment_intent.succeeded":
		return r.applyPaymentIntent(ctx, event)
	default:
		r.log.Debug("ignoring stripe event", zap.String("type", event.Type), zap.String("event_id", event.ID))
		return webhookdomain.Result{Message: "event type ignored"}, nil
	}
}

func (r *Reconciler) applySubscription(ctx context.Context, event stripeEvent, statusOverride string) (webhookdomain.Result, error) {
	var sub stripeSubscription
	if err := json.Unmarshal(event.Data.Object, &sub); err != nil {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidPayload
	}

	userID := sub.Metadata["user_id"]
	if userID == "" {
		return webhookdomain.Result{}, webhookdomain.NewError("missing_user_id",
			"stripe subscription carries no user_id metadata", false, nil)
	}

	rawStatus := sub.Status
	if statusOverride != "" {
		rawStatus = statusOverride
	}
	status, err := mapSubscriptionStatus(rawStatus)
	if err != nil {
		return webhookdomain.Result{}, err
	}

	planPeriod, err := planPeriodFromInterval(sub.Plan.Interval, sub.Plan.IntervalCount)
	if err != nil {
		return webhookdomain.Result{}, err
	}
	credits, err := metadataInt(sub.Metadata, "credits")
	if err != nil {
		return webhookdomain.Result{}, err
	}
	if resetDays, err := metadataInt(sub.Metadata, "reset_days"); err != nil {
		return webhookdomain.Result{}, err
	} else if resetDays > 0 {
		planPeriod.ResetPeriodType = period.TypeDays
		planPeriod.ResetPeriodValue = int(resetDays)
	}

	var cancelledAt *time.Time
	if sub.CanceledAt > 0 {
		t := time.Unix(sub.CanceledAt, 0).UTC()
		cancelledAt = &t
	}

	applied, err := r.billingSvc.ApplySubscriptionState(ctx, billingdomain.ApplySubscriptionStateRequest{
		UserID:                 userID,
		Provider:               string(webhookeventdomain.ProviderStripe),
		ProviderSubscriptionID: sub.ID,
		Status:                 status,
		PlanPeriod:             planPeriod,
		PeriodStart:            time.Unix(sub.CurrentPeriodStart, 0).UTC(),
		CreditsPerReset:        credits,
		PriceAmount:            sub.Plan.Amount,
		Currency:               strings.ToUpper(sub.Plan.Currency),
		CancelledAt:            cancelledAt,
	})
	if err != nil {
		return webhookdomain.Result{}, webhookdomain.NewError("apply_subscription_failed",
			"could not apply subscription state", true, err)
	}
	return webhookdomain.Result{
		Message: fmt.Sprintf("subscription %s now %s", applied.ProviderSubscriptionID, applied.Status),
	}, nil
}

func (r *Reconciler) applyInvoice(ctx context.Context, event stripeEvent) (webhookdomain.Result, error) {
	var invoice stripeInvoice
	if err := json.Unmarshal(event.Data.Object, &invoice); err != nil {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidPayload
	}
	userID := invoice.Metadata["user_id"]
	if userID == "" {
		userID = invoice.SubscriptionDetails.Metadata["user_id"]
	}
	if userID == "" {
		return webhookdomain.Result{}, webhookdomain.NewError("missing_user_id",
			"stripe invoice carries no user_id metadata", false, nil)
	}

	var paidAt *time.Time
	if invoice.StatusTransitions.PaidAt > 0 {
		t := time.Unix(invoice.StatusTransitions.PaidAt, 0).UTC()
		paidAt = &t
	}

	if _, err := r.billingSvc.RecordInvoice(ctx, billingdomain.RecordInvoiceRequest{
		UserID:            userID,
		Provider:          string(webhookeventdomain.ProviderStripe),
		ProviderInvoiceID: invoice.ID,
		Amount:            invoice.AmountPaid,
		Currency:          strings.ToUpper(invoice.Currency),
		Status:            billingdomain.InvoiceStatusPaid,
		PaidAt:            paidAt,
	}); err != nil {
		return webhookdomain.Result{}, webhookdomain.NewError("record_invoice_failed",
			"could not record invoice", true, err)
	}
	return webhookdomain.Result{Message: "invoice " + invoice.ID + " recorded"}, nil
}

func (r *Reconciler) applyCheckoutSession(ctx context.Context, event stripeEvent) (webhookdomain.Result, error) {
	var session stripeCheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidPayload
	}
	// Subscription-mode checkouts are handled by the subscription events.
	if session.Mode != "payment" {
		return webhookdomain.Result{Message: "non-payment checkout ignored"}, nil
	}
	return r.recordPurchase(ctx, session.Metadata, session.PaymentIntent, session.AmountTotal, session.Currency, event.Created)
}

func (r *Reconciler) applyPaymentIntent(ctx context.Context, event stripeEvent) (webhookdomain.Result, error) {
	var intent stripePaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidPayload
	}
	// Intents created through checkout carry no metadata of their own and
	// are recorded by checkout.session.completed instead.
	if intent.Metadata["user_id"] == "" {
		return webhookdomain.Result{Message: "payment intent without user metadata ignored"}, nil
	}
	return r.recordPurchase(ctx, intent.Metadata, intent.ID, intent.Amount, intent.Currency, event.Created)
}

func (r *Reconciler) recordPurchase(ctx context.Context, metadata map[string]string, paymentID string, amount int64, currency string, createdUnix int64) (webhookdomain.Result, error) {
	userID := metadata["user_id"]
	if userID == "" {
		return webhookdomain.Result{}, webhookdomain.NewError("missing_user_id",
			"stripe payment carries no user_id metadata", false, nil)
	}
	if paymentID == "" {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidEvent
	}
	credits, err := metadataInt(metadata, "credits")
	if err != nil {
		return webhookdomain.Result{}, err
	}

	if _, err := r.billingSvc.RecordPurchase(ctx, billingdomain.RecordPurchaseRequest{
		UserID:            userID,
		Provider:          string(webhookeventdomain.ProviderStripe),
		ProviderPaymentID: paymentID,
		Amount:            amount,
		Currency:          strings.ToUpper(currency),
		Credits:           credits,
		PurchasedAt:       time.Unix(createdUnix, 0).UTC(),
	}); err != nil {
		return webhookdomain.Result{}, webhookdomain.NewError("record_purchase_failed",
			"could not record purchase", true, err)
	}
	return webhookdomain.Result{Message: "purchase " + paymentID + " recorded"}, nil
}

func planPeriodFromInterval(interval string, count int) (period.PlanPeriod, error) {
	if count <= 0 {
		count = 1
	}
	var periodType period.Type
	switch interval {
	case "day":
		periodType = period.TypeDays
	case "week":
		periodType = period.TypeWeeks
	case "month":
		periodType = period.TypeMonths
	case "year":
		periodType = period.TypeYears
	default:
		return period.PlanPeriod{}, webhookdomain.NewError("unmapped_plan_interval",
			fmt.Sprintf("stripe plan interval %q has no mapping", interval), false, nil)
	}
	return period.PlanPeriod{PeriodType: periodType, PeriodValue: count}, nil
}

func metadataInt(metadata map[string]string, key string) (int64, error) {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return 0, nil
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || value < 0 {
		return 0, webhookdomain.NewError("invalid_metadata",
			fmt.Sprintf("metadata %s=%q is not a non-negative integer", key, raw), false, err)
	}
	return value, nil
}

func parseSignatureHeader(header string) (string, []string, error) {
	var timestamp string
	signatures := []string{}
	for _, part := range strings.Split(header, ",") {
		piece := strings.TrimSpace(part)
		if piece == "" {
			continue
		}
		keyValue := strings.SplitN(piece, "=", 2)
		if len(keyValue) != 2 {
			continue
		}
		key := strings.TrimSpace(keyValue[0])
		value := strings.TrimSpace(keyValue[1])
		switch key {
		case "t":
			timestamp = value
		case "v1":
			if value != "" {
				signatures = append(signatures, value)
			}
		}
	}
	if timestamp == "" || len(signatures) == 0 {
		return "", nil, webhookdomain.ErrInvalidSignature
	}
	return timestamp, signatures, nil
}
