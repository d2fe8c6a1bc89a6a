package state

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/lukasbonthy/EaglerLink/internal/obs"
	"github.com/lukasbonthy/EaglerLink/internal/proto"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const (
	defaultKeyTTL  = 2 * time.Minute
	writeQueueSize = 1024
	writeTimeout   = 2 * time.Second
)

// Redis mirrors the local registry into redis so that every relay instance
// behind a balancer can be inspected from any of them. Local bookkeeping is
// delegated to an embedded Memory store; redis only sees state transitions.
// Redis commands run on a writer goroutine, so Add, Update and Remove never
// wait for the network.
type Redis struct {
	*Memory
	client     *redis.Client
	instanceID string
	keyTTL     time.Duration
	writes     chan redisWrite
	cancel     context.CancelFunc
	done       chan struct{}
}

// redisWrite is a pending SET of val, or a DEL when val is nil.
type redisWrite struct {
	key string
	val []byte
}

var (
	_ Store         = (*Redis)(nil)
	_ ClusterLister = (*Redis)(nil)
)

// NewRedis connects to redis and starts the writer and key refresh loops.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr, Password: opts.RedisPassword, DB: opts.RedisDB})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis connection failed")
	}
	return newRedis(rdb, opts.KeyTTL), nil
}

func newRedis(rdb *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	loopCtx, loopCancel := context.WithCancel(context.Background())
	r := &Redis{
		Memory:     NewMemory(),
		client:     rdb,
		instanceID: fmt.Sprintf("eaglerlink-%d", time.Now().UnixNano()),
		keyTTL:     ttl,
		writes:     make(chan redisWrite, writeQueueSize),
		cancel:     loopCancel,
		done:       make(chan struct{}),
	}
	go r.run(loopCtx)
	return r
}

func (r *Redis) key(id string) string { return "session:" + r.instanceID + ":" + id }

func (r *Redis) Add(rec proto.SessionRecord) error {
	rec.Instance = r.instanceID
	if err := r.Memory.Add(rec); err != nil {
		return err
	}
	r.write(rec)
	return nil
}

func (r *Redis) Update(id string, u proto.SessionUpdate) {
	before, ok := r.Memory.Get(id)
	if !ok {
		return
	}
	r.Memory.Update(id, u)
	if before.UpstreamState == u.UpstreamState {
		return
	}
	if rec, ok := r.Memory.Get(id); ok {
		r.write(rec)
	}
}

func (r *Redis) Remove(id string, reason string) bool {
	if !r.Memory.Remove(id, reason) {
		return false
	}
	r.enqueue(redisWrite{key: r.key(id)})
	return true
}

func (r *Redis) write(rec proto.SessionRecord) {
	data, err := json.Marshal(rec)
	if err != nil {
		obs.Error("redis.marshal_session", obs.Fields{"err": err.Error(), "id": rec.ID})
		return
	}
	r.enqueue(redisWrite{key: r.key(rec.ID), val: data})
}

// enqueue hands w to the writer. A full queue drops w; the key then expires
// or is fixed by the next write of the same session.
func (r *Redis) enqueue(w redisWrite) {
	select {
	case r.writes <- w:
	default:
		obs.Warn("redis.write_dropped", obs.Fields{"key": w.key})
	}
}

func (r *Redis) apply(w redisWrite) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if w.val == nil {
		if err := r.client.Del(ctx, w.key).Err(); err != nil {
			obs.Error("redis.remove_session", obs.Fields{"err": err.Error(), "key": w.key})
		}
		return
	}
	if err := r.client.Set(ctx, w.key, w.val, r.keyTTL).Err(); err != nil {
		obs.Error("redis.set_session", obs.Fields{"err": err.Error(), "key": w.key})
	}
}

// ListCluster returns the sessions of every instance sharing this redis.
func (r *Redis) ListCluster(ctx context.Context) ([]proto.SessionRecord, error) {
	var out []proto.SessionRecord
	iter := r.client.Scan(ctx, 0, "session:*", 100).Iterator()
	for iter.Next(ctx) {
		val, err := r.client.Get(ctx, iter.Val()).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, errors.Wrap(err, "redis get")
		}
		var rec proto.SessionRecord
		if err := json.Unmarshal([]byte(val), &rec); err != nil {
			obs.Error("redis.unmarshal_session", obs.Fields{"err": err.Error(), "key": iter.Val()})
			continue
		}
		out = append(out, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, errors.Wrap(err, "redis scan")
	}
	return out, nil
}

// run applies queued writes in order and refreshes the TTL of locally owned
// keys so that records of a crashed instance age out on their own. Writes
// still queued when ctx ends are applied before it returns.
func (r *Redis) run(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.keyTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case w := <-r.writes:
			r.apply(w)
		case <-ticker.C:
			r.heartbeat(ctx)
		case <-ctx.Done():
			for {
				select {
				case w := <-r.writes:
					r.apply(w)
				default:
					return
				}
			}
		}
	}
}

func (r *Redis) heartbeat(ctx context.Context) {
	recs := r.Memory.List()
	if len(recs) == 0 {
		return
	}
	pipe := r.client.Pipeline()
	for _, rec := range recs {
		pipe.Expire(ctx, r.key(rec.ID), r.keyTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		obs.Error("redis.heartbeat", obs.Fields{"err": err.Error(), "sessions": len(recs)})
	}
}

// Close flushes queued writes, stops the refresh loop, deletes this instance's keys and closes the client.
func (r *Redis) Close() error {
	r.cancel()
	<-r.done
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	recs := r.Memory.List()
	if len(recs) > 0 {
		keys := make([]string, 0, len(recs))
		for _, rec := range recs {
			keys = append(keys, r.key(rec.ID))
		}
		if err := r.client.Del(ctx, keys...).Err(); err != nil {
			obs.Error("redis.close.cleanup", obs.Fields{"err": err.Error()})
		}
	}
	return r.client.Close()
}
