package webhook

import (
	"go.uber.org/fx"

	webhookdomain "github.com/grantlinehq/grantline/internal/webhook/domain"
	"github.com/grantlinehq/grantline/internal/webhook/fal"
	"github.com/grantlinehq/grantline/internal/webhook/kie"
	"github.com/grantlinehq/grantline/internal/webhook/service"
	"github.com/grantlinehq/grantline/internal/webhook/stripe"
)

var Module = fx.Module("webhook",
	fx.Provide(stripe.NewReconciler),
	fx.Provide(fal.NewReconciler),
	fx.Provide(kie.NewReconciler),
	fx.Provide(newRegistry),
	fx.Provide(service.NewService),
)

func newRegistry(s *stripe.Reconciler, f *fal.Reconciler, k *kie.Reconciler) *webhookdomain.Registry {
	return webhookdomain.NewRegistry(s, f, k)
}
