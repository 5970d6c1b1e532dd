package webhookevent

import (
	"github.com/grantlinehq/grantline/internal/webhookevent/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("webhookevent.store",
	fx.Provide(repository.NewStore),
)
