package queue

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	readyListKey  = "dispatch:tasks:ready"
	delayedSetKey = "dispatch:tasks:delayed"
)

// redisBackend keeps ready tasks in a list and delayed tasks in a sorted set
// scored by their ready-unix-time. A mover goroutine promotes due members.
type redisBackend struct {
	rdb    *redis.Client
	cancel context.CancelFunc
}

func newRedisBackend(url string) (*redisBackend, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}

	moverCtx, moverCancel := context.WithCancel(context.Background())
	be := &redisBackend{rdb: rdb, cancel: moverCancel}
	go be.mover(moverCtx)
	return be, nil
}

func (r *redisBackend) push(ctx context.Context, payload []byte, delay time.Duration) error {
	if delay <= 0 {
		return r.rdb.LPush(ctx, readyListKey, payload).Err()
	}
	score := float64(time.Now().Add(delay).Unix())
	return r.rdb.ZAdd(ctx, delayedSetKey, redis.Z{Score: score, Member: payload}).Err()
}

func (r *redisBackend) pop(ctx context.Context) ([]byte, error) {
	res, err := r.rdb.BRPop(ctx, time.Second, readyListKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPop returns [key, value].
	if len(res) != 2 {
		return nil, nil
	}
	return []byte(res[1]), nil
}

// mover promotes due delayed tasks onto the ready list once per second.
func (r *redisBackend) mover(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		now := strconv.FormatInt(time.Now().Unix(), 10)
		due, err := r.rdb.ZRangeByScore(ctx, delayedSetKey, &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 100,
		}).Result()
		if err != nil || len(due) == 0 {
			continue
		}
		for _, member := range due {
			removed, err := r.rdb.ZRem(ctx, delayedSetKey, member).Result()
			if err != nil || removed == 0 {
				continue // another mover claimed it
			}
			_ = r.rdb.LPush(ctx, readyListKey, member).Err()
		}
	}
}

func (r *redisBackend) close() error {
	r.cancel()
	return r.rdb.Close()
}
