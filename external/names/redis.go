package names

import (
	"context"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const DefaultIdentitiesKey = "swarmos:identities"

type HashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// RedisResolver looks addresses up in a redis hash of lower case address to name.
type RedisResolver struct {
	client HashGetter
	key    string
}

func NewRedisResolver(client HashGetter, key string) *RedisResolver {
	if key == "" {
		key = DefaultIdentitiesKey
	}
	return &RedisResolver{client: client, key: key}
}

func (r *RedisResolver) Resolve(ctx context.Context, address string) (string, bool, error) {
	name, err := r.client.HGet(ctx, r.key, strings.ToLower(address)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "getting identity of [%s]", address)
	}
	return strings.ToLower(name), true, nil
}
