package fal

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/jwks"
	taskdomain "github.com/grantlinehq/grantline/internal/task/domain"
	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

const (
	headerRequestID = "X-Fal-Webhook-Request-Id"
	headerUserID    = "X-Fal-Webhook-User-Id"
	headerTimestamp = "X-Fal-Webhook-Timestamp"
	headerSignature = "X-Fal-Webhook-Signature"

	// Deliveries older (or newer, for clock skew) than this are replays.
	timestampTolerance = 5 * time.Minute
)

type Params struct {
	fx.In

	Log     *zap.Logger
	Clock   clock.Clock
	Keys    *jwks.Client
	TaskSvc taskdomain.Service
}

type Reconciler struct {
	log     *zap.Logger
	clock   clock.Clock
	keys    *jwks.Client
	taskSvc taskdomain.Service
}

func NewReconciler(p Params) *Reconciler {
	return &Reconciler{
		log:     p.Log.Named("webhook.fal"),
		clock:   p.Clock,
		keys:    p.Keys,
		taskSvc: p.TaskSvc,
	}
}

func (r *Reconciler) Provider() webhookeventdomain.Provider {
	return webhookeventdomain.ProviderFal
}

// Verify checks the Ed25519 signature over
// "requestID\nuserID\ntimestamp\nsha256hex(body)" against every published
// JWKS key. A JWKS outage surfaces as jwks.ErrUpstream so the transport can
// answer 503 and the provider retries; it must never read as a forgery.
func (r *Reconciler) Verify(ctx context.Context, req webhookdomain.Request) error {
	requestID := strings.TrimSpace(req.Headers.Get(headerRequestID))
	userID := strings.TrimSpace(req.Headers.Get(headerUserID))
	timestamp := strings.TrimSpace(req.Headers.Get(headerTimestamp))
	signatureHex := strings.TrimSpace(req.Headers.Get(headerSignature))
	if requestID == "" || userID == "" || timestamp == "" || signatureHex == "" {
		return webhookdomain.ErrMissingHeaders
	}

	sentAt, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return webhookdomain.ErrInvalidSignature
	}
	now := r.clock.Now(ctx)
	if drift := now.Sub(time.Unix(sentAt, 0)); drift > timestampTolerance || drift < -timestampTolerance {
		return webhookdomain.NewError("stale_timestamp",
			fmt.Sprintf("webhook timestamp %s outside tolerance", timestamp), false,
			webhookdomain.ErrInvalidSignature)
	}

	signature, err := hex.DecodeString(signatureHex)
	if err != nil || len(signature) != ed25519.SignatureSize {
		return webhookdomain.ErrInvalidSignature
	}

	bodyHash := sha256.Sum256(req.Body)
	message := []byte(strings.Join([]string{
		requestID,
		userID,
		timestamp,
		hex.EncodeToString(bodyHash[:]),
	}, "\n"))

	keys, err := r.keys.Keys(ctx)
	if errors.Is(err, jwks.ErrNoKeys) {
		// An empty or unparseable key set means nothing could ever verify:
		// reject like a forgery, not like an outage.
		return webhookdomain.NewError("no_signature_keys",
			"no usable signature keys published", false,
			webhookdomain.ErrInvalidSignature)
	}
	if err != nil {
		return err
	}
	for _, key := range keys {
		if ed25519.Verify(key, message, signature) {
			return nil
		}
	}
	return webhookdomain.ErrInvalidSignature
}

func (r *Reconciler) Identify(ctx context.Context, req webhookdomain.Request) (webhookdomain.EventInfo, error) {
	requestID := strings.TrimSpace(req.Headers.Get(headerRequestID))
	if requestID == "" {
		return webhookdomain.EventInfo{}, webhookdomain.ErrMissingHeaders
	}
	var payload falPayload
	eventType := "fal.completion"
	if err := json.Unmarshal(req.Body, &payload); err == nil && payload.Status != "" {
		eventType = "fal." + strings.ToLower(payload.Status)
	}
	return webhookdomain.EventInfo{
		EventID:           requestID,
		EventType:         eventType,
		ProviderAccountID: strings.TrimSpace(req.Headers.Get(headerUserID)),
	}, nil
}

// Reconcile settles the task the delivery reports on: OK commits the credit
// reservation, anything else releases it. The task is addressed by the
// taskId path segment the callback URL was registered with.
func (r *Reconciler) Reconcile(ctx context.Context, req webhookdomain.Request) (webhookdomain.Result, error) {
	taskID := req.PathParam("taskId")
	if taskID == "" {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidEvent
	}

	var payload falPayload
	if err := json.Unmarshal(req.Body, &payload); err != nil {
		return webhookdomain.Result{}, webhookdomain.ErrInvalidPayload
	}

	switch strings.ToUpper(payload.Status) {
	case "OK", "COMPLETED", "SUCCESS":
		task, err := r.taskSvc.Complete(ctx, webhookeventdomain.ProviderFal, taskID, req.Body)
		if err != nil {
			return webhookdomain.Result{}, r.settleError(err)
		}
		return webhookdomain.Result{Message: fmt.Sprintf("task %d completed", task.ID)}, nil
	case "ERROR", "FAILED":
		reason := payload.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		task, err := r.taskSvc.Fail(ctx, webhookeventdomain.ProviderFal, taskID, reason)
		if err != nil {
			return webhookdomain.Result{}, r.settleError(err)
		}
		return webhookdomain.Result{Message: fmt.Sprintf("task %d failed, reservation released", task.ID)}, nil
	default:
		return webhookdomain.Result{}, webhookdomain.NewError("unmapped_task_status",
			fmt.Sprintf("fal status %q has no mapping", payload.Status), false, nil)
	}
}

func (r *Reconciler) settleError(err error) error {
	switch {
	case errors.Is(err, taskdomain.ErrTaskNotFound):
		return webhookdomain.NewError("task_not_found", "no task for delivery", false, err)
	case errors.Is(err, taskdomain.ErrTaskSettled):
		return webhookdomain.NewError("task_settled", "task already settled", false, err)
	default:
		return webhookdomain.NewError("task_settle_failed", "could not settle task", true, err)
	}
}

type falPayload struct {
	RequestID string          `json:"request_id"`
	Status    string          `json:"status"`
	Error     string          `json:"error"`
	Payload   json.RawMessage `json:"payload"`
}
