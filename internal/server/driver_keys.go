package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DriverKeyHeader carries the per-device panic-button credential.
const DriverKeyHeader = "X-Driver-Key"

const driverKeyPrefix = "driver:auth:"

// ErrUnknownDriverKey is returned for keys that map to no driver.
var ErrUnknownDriverKey = errors.New("unknown driver key")

// DriverKeys resolves a panic-button credential to the driver it was issued to.
type DriverKeys interface {
	DriverID(ctx context.Context, key string) (string, error)
}

// RedisDriverKeys looks keys up under driver:auth:<key>, written by the fleet service when it
// provisions a device.
type RedisDriverKeys struct {
	rdb *redis.Client
}

func NewRedisDriverKeys(rdb *redis.Client) *RedisDriverKeys {
	return &RedisDriverKeys{rdb: rdb}
}

func (k *RedisDriverKeys) DriverID(ctx context.Context, key string) (string, error) {
	id, err := k.rdb.Get(ctx, driverKeyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrUnknownDriverKey
	}
	if err != nil {
		return "", fmt.Errorf("resolve driver key: %w", err)
	}
	if id == "" {
		return "", ErrUnknownDriverKey
	}
	return id, nil
}
