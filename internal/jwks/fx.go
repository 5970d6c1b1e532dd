package jwks

import (
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/grantlinehq/grantline/internal/config"
)

var Module = fx.Module("jwks",
	fx.Provide(newFromConfig),
)

func newFromConfig(cfg config.Config, client *redis.Client, log *zap.Logger) *Client {
	cache := NewRedisCache(client)
	return NewClient(cfg.Fal.JWKSEndpoint, cfg.Fal.JWKSCacheTTL, cfg.Fal.FetchTimeout, cache, log)
}
