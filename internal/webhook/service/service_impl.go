package service

import (
	"context"
	"errors"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/grantlinehq/grantline/internal/clock"
	"github.com/grantlinehq/grantline/internal/observability"
	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
	webhookeventdomain "github.com/grantlinehq/grantline/internal/webhookevent/domain"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Clock    clock.Clock
	Store    webhookeventdomain.Store
	Registry *webhookdomain.Registry
	Metrics  *observability.Metrics `optional:"true"`
}

type Service struct {
	log      *zap.Logger
	clock    clock.Clock
	store    webhookeventdomain.Store
	registry *webhookdomain.Registry
	metrics  *observability.Metrics
}

func NewService(p Params) webhookdomain.Service {
	return &Service{
		log:      p.Log.Named("webhook.service"),
		clock:    p.Clock,
		store:    p.Store,
		registry: p.Registry,
		metrics:  p.Metrics,
	}
}

// Ingest runs one delivery through the pipeline: verify, record, reconcile.
// Verification happens before any write so forged requests leave no trace.
// A duplicate insert short-circuits to success without re-running effects.
func (s *Service) Ingest(ctx context.Context, req webhookdomain.Request) (webhookdomain.Result, error) {
	reconciler, ok := s.registry.Lookup(req.Provider)
	if !ok {
		return webhookdomain.Result{}, webhookdomain.ErrUnknownProvider
	}
	s.inc(func(m *observability.Metrics) { m.WebhookReceived.WithLabelValues(string(req.Provider)).Inc() })

	if err := reconciler.Verify(ctx, req); err != nil {
		s.log.Warn("webhook verification failed",
			zap.String("provider", string(req.Provider)), zap.Error(err))
		return webhookdomain.Result{}, err
	}

	info, err := reconciler.Identify(ctx, req)
	if err != nil {
		return webhookdomain.Result{}, err
	}

	event, _, err := s.store.Insert(ctx, webhookeventdomain.InsertRequest{
		EventID:           info.EventID,
		EventType:         info.EventType,
		Provider:          req.Provider,
		ProviderAccountID: info.ProviderAccountID,
		Payload:           req.Body,
	})
	if errors.Is(err, webhookeventdomain.ErrDuplicateEvent) {
		s.inc(func(m *observability.Metrics) { m.WebhookDuplicates.WithLabelValues(string(req.Provider)).Inc() })
		s.log.Info("duplicate webhook delivery",
			zap.String("provider", string(req.Provider)),
			zap.String("event_id", info.EventID))
		return webhookdomain.Result{Message: "duplicate delivery", Duplicate: true}, nil
	}
	if err != nil {
		return webhookdomain.Result{}, err
	}

	if _, _, err := s.store.Update(ctx, webhookeventdomain.UpdateRequest{
		WebhookEventID: event.ID,
		Status:         webhookeventdomain.StatusProcessing,
		Message:        "processing " + info.EventType,
	}); err != nil {
		return webhookdomain.Result{}, err
	}

	result, err := reconciler.Reconcile(ctx, req)
	processedAt := s.clock.Now(ctx)
	if err != nil {
		errText := err.Error()
		if _, _, updErr := s.store.Update(ctx, webhookeventdomain.UpdateRequest{
			WebhookEventID: event.ID,
			Status:         webhookeventdomain.StatusFailed,
			Message:        "reconcile failed",
			Error:          &errText,
			ProcessedAt:    &processedAt,
		}); updErr != nil {
			s.log.Error("record webhook failure", zap.Error(updErr))
		}
		s.inc(func(m *observability.Metrics) { m.WebhookFailed.WithLabelValues(string(req.Provider)).Inc() })
		s.log.Error("webhook reconcile failed",
			zap.String("provider", string(req.Provider)),
			zap.String("event_id", info.EventID),
			zap.String("event_type", info.EventType),
			zap.Bool("retryable", webhookdomain.Retryable(err)),
			zap.Error(err))
		return webhookdomain.Result{}, err
	}

	if _, _, err := s.store.Update(ctx, webhookeventdomain.UpdateRequest{
		WebhookEventID: event.ID,
		Status:         webhookeventdomain.StatusSucceeded,
		Message:        result.Message,
		ProcessedAt:    &processedAt,
	}); err != nil {
		return webhookdomain.Result{}, err
	}
	s.inc(func(m *observability.Metrics) { m.WebhookSucceeded.WithLabelValues(string(req.Provider)).Inc() })
	return result, nil
}

// inc is a no-op when metrics are not wired (unit tests).
func (s *Service) inc(record func(*observability.Metrics)) {
	if s.metrics == nil {
		return
	}
	record(s.metrics)
}
