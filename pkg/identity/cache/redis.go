package cache

import (
	"context"
	"time"

	"github.com/LuanEdCosta/dojot/pkg/identity"
	"github.com/LuanEdCosta/dojot/pkg/utils"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/go-redis/redis/v8"
	"github.com/opentracing/opentracing-go"
)

const redisKeyPrefix = "http-agent:fingerprint:"

type redisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger log.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger log.Logger) Cache {
	return &redisCache{client: client, ttl: ttl, logger: logger}
}

func (c *redisCache) Init(ctx context.Context) error {
	err := c.client.Ping(ctx).Err()
	for err != nil {
		level.Warn(c.logger).Log("err", err, "msg", "Trying to connect to fingerprint cache")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(5 * time.Second):
		}
		err = c.client.Ping(ctx).Err()
	}
	level.Info(c.logger).Log("msg", "Connection established with fingerprint cache")
	return nil
}

func (c *redisCache) Get(ctx context.Context, fingerprint string) (identity.Identity, bool, error) {
	span, ctx := opentracing.StartSpanFromContext(ctx, "cache: get fingerprint")
	defer span.Finish()

	value, err := c.client.Get(ctx, redisKeyPrefix+fingerprint).Result()
	if err == redis.Nil {
		return identity.Identity{}, false, nil
	}
	if err != nil {
		return identity.Identity{}, false, err
	}
	id, ok := identity.ParseIdentity(value)
	if !ok {
		level.Warn(utils.LoggerFromContext(ctx, c.logger)).Log("msg", "Ignoring malformed fingerprint cache entry", "fingerprint", fingerprint)
		return identity.Identity{}, false, nil
	}
	return id, true, nil
}

func (c *redisCache) Set(ctx context.Context, fingerprint string, id identity.Identity) error {
	span, ctx := opentracing.StartSpanFromContext(ctx, "cache: set fingerprint")
	defer span.Finish()

	return c.client.Set(ctx, redisKeyPrefix+fingerprint, id.String(), c.ttl).Err()
}
