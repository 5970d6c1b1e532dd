package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrUpstream covers fetch/transport failures. Callers must not
	// collapse it into a signature failure: the right response is a
	// retryable 5xx, not a 401.
	ErrUpstream = errors.New("jwks_upstream_unavailable")
	ErrNoKeys   = errors.New("jwks_no_usable_keys")
)

// Cache stores the raw JWKS document between fetches.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

type RedisCache struct {
	client *redis.Client
}

func NewRedisCache(client *redis.Client) *RedisCache {
	return &RedisCache{client: client}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

// Client fetches a JWKS document and extracts its Ed25519 public keys.
// The document is cached so verification does not hit the network on every
// webhook; a stale cache entry at worst delays key rotation by the TTL.
type Client struct {
	endpoint string
	ttl      time.Duration
	http     *http.Client
	cache    Cache
	log      *zap.Logger
}

func NewClient(endpoint string, ttl time.Duration, fetchTimeout time.Duration, cache Cache, log *zap.Logger) *Client {
	return &Client{
		endpoint: endpoint,
		ttl:      ttl,
		http:     &http.Client{Timeout: fetchTimeout},
		cache:    cache,
		log:      log.Named("jwks"),
	}
}

// Keys returns the current Ed25519 public keys, from cache when fresh.
func (c *Client) Keys(ctx context.Context) ([]ed25519.PublicKey, error) {
	cacheKey := "jwks:" + c.endpoint

	if doc, ok, err := c.cache.Get(ctx, cacheKey); err != nil {
		c.log.Warn("jwks cache read failed", zap.Error(err))
	} else if ok {
		keys, err := parseKeys(doc)
		if err == nil {
			return keys, nil
		}
		c.log.Warn("cached jwks document unusable, refetching", zap.Error(err))
	}

	doc, err := c.fetch(ctx)
	if err != nil {
		return nil, err
	}

	keys, err := parseKeys(doc)
	if err != nil {
		return nil, err
	}

	if err := c.cache.Set(ctx, cacheKey, doc, c.ttl); err != nil {
		c.log.Warn("jwks cache write failed", zap.Error(err))
	}
	return keys, nil
}

func (c *Client) fetch(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}

	doc, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return doc, nil
}

type jwksDocument struct {
	Keys []struct {
		Kty string `json:"kty"`
		Crv string `json:"crv"`
		X   string `json:"x"`
	} `json:"keys"`
}

func parseKeys(doc []byte) ([]ed25519.PublicKey, error) {
	var parsed jwksDocument
	if err := json.Unmarshal(doc, &parsed); err != nil {
		return nil, fmt.Errorf("%w: malformed document", ErrNoKeys)
	}

	var keys []ed25519.PublicKey
	for _, k := range parsed.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" {
			continue
		}
		raw, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			continue
		}
		keys = append(keys, ed25519.PublicKey(raw))
	}
	if len(keys) == 0 {
		return nil, ErrNoKeys
	}
	return keys, nil
}
