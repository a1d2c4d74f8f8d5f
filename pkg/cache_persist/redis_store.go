/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 *
 * mosdns is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosdns is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

package cache_persist

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/pmkol/hostcache/pkg/utils"
	"github.com/pmkol/hostcache/pkg/value"
)

const defaultRedisKey = "hostcache:snapshot"

var errRedisDisabled = errors.New("redis temporarily disabled")

type RedisStoreOpts struct {
	// Client cannot be nil.
	Client redis.Cmdable

	// ClientCloser closes Client when RedisStore.Close is called.
	// Optional.
	ClientCloser io.Closer

	// ClientTimeout specifies the timeout for read and write operations
	// when the caller's ctx has no deadline.
	// Default is 1s.
	ClientTimeout time.Duration

	// Key is the redis key of the snapshot.
	// Default is "hostcache:snapshot".
	Key string

	// Expiration of the stored snapshot. Zero means no expiration.
	Expiration time.Duration

	// Logger is the *zap.Logger for this RedisStore.
	// A nil Logger will disable logging.
	Logger *zap.Logger
}

func (opts *RedisStoreOpts) Init() error {
	if opts.Client == nil {
		return errors.New("nil client")
	}
	utils.SetDefaultNum(&opts.ClientTimeout, time.Second)
	utils.SetDefaultString(&opts.Key, defaultRedisKey)
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	return nil
}

// RedisStore keeps the snapshot under one redis key. After a failed call the
// client is disabled until a ping succeeds.
type RedisStore struct {
	opts           RedisStoreOpts
	clientDisabled uint32
}

func NewRedisStore(opts RedisStoreOpts) (*RedisStore, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &RedisStore{
		opts: opts,
	}, nil
}

func (r *RedisStore) disabled() bool {
	return atomic.LoadUint32(&r.clientDisabled) != 0
}

func (r *RedisStore) disableClient() {
	if atomic.CompareAndSwapUint32(&r.clientDisabled, 0, 1) {
		r.opts.Logger.Warn("redis temporarily disabled")
		go func() {
			const maxBackoff = time.Second * 30
			backoff := time.Millisecond * 100
			for {
				time.Sleep(backoff)
				ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond*500)
				err := r.opts.Client.Ping(ctx).Err()
				cancel()
				if err != nil {
					if backoff >= maxBackoff {
						backoff = maxBackoff
					} else {
						backoff += time.Duration(rand.Intn(1000))*time.Millisecond + time.Second
					}
					r.opts.Logger.Warn("redis ping failed", zap.Error(err), zap.Duration("next_ping", backoff))
					continue
				}
				atomic.StoreUint32(&r.clientDisabled, 0)
				return
			}
		}()
	}
}

func (r *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.opts.ClientTimeout)
}

func (r *RedisStore) Load(ctx context.Context) (value.List, error) {
	if r.disabled() {
		return nil, errRedisDisabled
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	b, err := r.opts.Client.Get(ctx, r.opts.Key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		r.disableClient()
		return nil, err
	}

	savedAt, data, err := unpackRedisValue(b)
	if err != nil {
		return nil, err
	}
	r.opts.Logger.Debug("loaded snapshot from redis", zap.Time("saved_at", savedAt))
	return decodeSnapshot(data)
}

func (r *RedisStore) Save(ctx context.Context, l value.List) error {
	if r.disabled() {
		return errRedisDisabled
	}

	data, err := encodeSnapshot(l)
	if err != nil {
		return err
	}
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	if err := r.opts.Client.Set(ctx, r.opts.Key, packRedisData(time.Now(), data), r.opts.Expiration).Err(); err != nil {
		r.disableClient()
		return err
	}
	return nil
}

// Close closes the redis client.
func (r *RedisStore) Close() error {
	if f := r.opts.ClientCloser; f != nil {
		return f.Close()
	}
	return nil
}

// packRedisData prefixes v with the save time.
func packRedisData(savedAt time.Time, v []byte) []byte {
	b := make([]byte, 8+len(v))
	binary.BigEndian.PutUint64(b[:8], uint64(savedAt.Unix()))
	copy(b[8:], v)
	return b
}

func unpackRedisValue(b []byte) (savedAt time.Time, v []byte, err error) {
	if len(b) < 8 {
		return time.Time{}, nil, errors.New("b is too short")
	}
	savedAt = time.Unix(int64(binary.BigEndian.Uint64(b[:8])), 0)
	return savedAt, b[8:], nil
}
