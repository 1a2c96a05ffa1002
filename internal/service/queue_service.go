package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"job-queue-service/internal/entity"
)

// Delivery is one popped queue entry. The queue carries ids only; the store
// is canonical for everything else.
type Delivery struct {
	JobID    string
	Priority entity.Priority
	// Lease identifies this claim in lease mode. Two claims of the same id
	// hold different leases, and Ack only ever releases its own.
	Lease string
}

// Lane is the Redis list backing one priority tier.
type Lane struct {
	Priority entity.Priority
	Key      string
}

type QueueOptions struct {
	// KeyPrefix yields "<prefix>:high" and "<prefix>:default".
	KeyPrefix     string
	DeadLetterKey string
	InflightKey   string

	// PopTimeout bounds a single BLPOP so shutdown is noticed.
	PopTimeout time.Duration

	// FairEvery > 0 makes every N-th pop look at default before high.
	// Zero keeps strict priority.
	FairEvery int

	// LeaseTimeout > 0 enables lease mode: every pop records a lease in the
	// in-flight set until Ack, and expires back to the reaper after this long.
	LeaseTimeout time.Duration
	LeasePoll    time.Duration
}

func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		KeyPrefix:     "jobs:queue",
		DeadLetterKey: "jobs:dlq",
		InflightKey:   "jobs:inflight",
		PopTimeout:    5 * time.Second,
		LeasePoll:     200 * time.Millisecond,
	}
}

// RedisPriorityQueue distributes job ids over two Redis lists.
// Push:  RPUSH lane
// Pop:   BLPOP high default (first listed non-empty key wins)
// Lease: Lua pop + ZADD inflight <lease>, Ack = ZREM <lease>, ExpiredLeases = sweep
type RedisPriorityQueue struct {
	rdb *redis.Client

	high       Lane
	normal     Lane
	deadLetter string
	inflight   string
	leaseJobs  string

	popTimeout   time.Duration
	fairEvery    uint64
	leaseTimeout time.Duration
	leasePoll    time.Duration

	pops atomic.Uint64
}

func NewRedisPriorityQueue(rdb *redis.Client, opts QueueOptions) *RedisPriorityQueue {
	def := DefaultQueueOptions()
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = def.KeyPrefix
	}
	if opts.DeadLetterKey == "" {
		opts.DeadLetterKey = def.DeadLetterKey
	}
	if opts.InflightKey == "" {
		opts.InflightKey = def.InflightKey
	}
	if opts.PopTimeout <= 0 {
		opts.PopTimeout = def.PopTimeout
	}
	if opts.LeasePoll <= 0 {
		opts.LeasePoll = def.LeasePoll
	}
	fair := opts.FairEvery
	if fair < 0 {
		fair = 0
	}

	return &RedisPriorityQueue{
		rdb:          rdb,
		high:         Lane{Priority: entity.PriorityHigh, Key: opts.KeyPrefix + ":high"},
		normal:       Lane{Priority: entity.PriorityDefault, Key: opts.KeyPrefix + ":default"},
		deadLetter:   opts.DeadLetterKey,
		inflight:     opts.InflightKey,
		leaseJobs:    opts.InflightKey + ":jobs",
		popTimeout:   opts.PopTimeout,
		fairEvery:    uint64(fair),
		leaseTimeout: opts.LeaseTimeout,
		leasePoll:    opts.LeasePoll,
	}
}

func (q *RedisPriorityQueue) LeaseEnabled() bool { return q.leaseTimeout > 0 }

func (q *RedisPriorityQueue) Ping(ctx context.Context) error {
	return q.rdb.Ping(ctx).Err()
}

func (q *RedisPriorityQueue) laneByPriority(p entity.Priority) (Lane, error) {
	switch p {
	case entity.PriorityHigh:
		return q.high, nil
	case entity.PriorityDefault:
		return q.normal, nil
	default:
		return Lane{}, entity.Validationf("unknown priority %q", p)
	}
}

func (q *RedisPriorityQueue) priorityByKey(key string) entity.Priority {
	switch key {
	case q.high.Key:
		return entity.PriorityHigh
	case q.normal.Key:
		return entity.PriorityDefault
	default:
		return ""
	}
}

// laneOrder returns the keys in the order this pop should check them.
func (q *RedisPriorityQueue) laneOrder() []string {
	n := q.pops.Add(1)
	if q.fairEvery > 0 && n%(q.fairEvery+1) == 0 {
		return []string{q.normal.Key, q.high.Key}
	}
	return []string{q.high.Key, q.normal.Key}
}

// Push appends jobID to the lane of priority.
func (q *RedisPriorityQueue) Push(ctx context.Context, priority entity.Priority, jobID string) error {
	ln, err := q.laneByPriority(priority)
	if err != nil {
		return err
	}
	if err := q.rdb.RPush(ctx, ln.Key, jobID).Err(); err != nil {
		return fmt.Errorf("push %s to %s: %w", jobID, ln.Key, err)
	}
	return nil
}

// Pop blocks until an id is available or ctx is done.
func (q *RedisPriorityQueue) Pop(ctx context.Context) (Delivery, error) {
	keys := q.laneOrder()
	if q.LeaseEnabled() {
		return q.claim(ctx, keys)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		res, err := q.rdb.BLPop(ctx, q.popTimeout, keys...).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// slot elapsed with both lanes empty
				continue
			}
			return Delivery{}, fmt.Errorf("blpop: %w", err)
		}
		if len(res) != 2 {
			return Delivery{}, fmt.Errorf("blpop: unexpected reply %v", res)
		}
		return Delivery{JobID: res[1], Priority: q.priorityByKey(res[0])}, nil
	}
}

// claimScript pops from the first non-empty lane and records a lease.
// KEYS[1..2] lanes in check order, KEYS[3] lease zset, KEYS[4] lease -> id hash.
// ARGV[1] lease deadline in unix ms, ARGV[2] lease token.
var claimScript = redis.NewScript(`
for i = 1, 2 do
  local id = redis.call('LPOP', KEYS[i])
  if id then
    redis.call('ZADD', KEYS[3], ARGV[1], ARGV[2])
    redis.call('HSET', KEYS[4], ARGV[2], id)
    return {KEYS[i], id}
  end
end
return false
`)

// expireScript removes up to ARGV[2] leases whose deadline <= ARGV[1] and
// returns them as a flat lease, id list.
var expireScript = redis.NewScript(`
local leases = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
local out = {}
for _, lease in ipairs(leases) do
  local id = redis.call('HGET', KEYS[2], lease)
  redis.call('ZREM', KEYS[1], lease)
  redis.call('HDEL', KEYS[2], lease)
  if id then
    table.insert(out, lease)
    table.insert(out, id)
  end
end
return out
`)

func (q *RedisPriorityQueue) claim(ctx context.Context, keys []string) (Delivery, error) {
	scriptKeys := append(keys, q.inflight, q.leaseJobs)

	for {
		if err := ctx.Err(); err != nil {
			return Delivery{}, err
		}
		lease := uuid.NewString()
		deadline := time.Now().Add(q.leaseTimeout).UnixMilli()
		res, err := claimScript.Run(ctx, q.rdb, scriptKeys, deadline, lease).StringSlice()
		if err == nil {
			if len(res) != 2 {
				return Delivery{}, fmt.Errorf("claim: unexpected reply %v", res)
			}
			return Delivery{JobID: res[1], Priority: q.priorityByKey(res[0]), Lease: lease}, nil
		}
		if !errors.Is(err, redis.Nil) {
			return Delivery{}, fmt.Errorf("claim: %w", err)
		}

		t := time.NewTimer(q.leasePoll)
		select {
		case <-ctx.Done():
			t.Stop()
			return Delivery{}, ctx.Err()
		case <-t.C:
		}
	}
}

// Ack releases the lease d was claimed under. Other claims of the same id
// keep theirs. Without lease mode it is a no-op: a popped id is already gone
// from the queue.
func (q *RedisPriorityQueue) Ack(ctx context.Context, d Delivery) error {
	if !q.LeaseEnabled() || d.Lease == "" {
		return nil
	}
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, q.inflight, d.Lease)
	pipe.HDel(ctx, q.leaseJobs, d.Lease)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("ack %s: %w", d.JobID, err)
	}
	return nil
}

// ExpiredLeases atomically takes up to limit leases that expired at or
// before now. The ids are NOT pushed back; the caller decides per job from
// the store, so the returned deliveries carry no priority.
func (q *RedisPriorityQueue) ExpiredLeases(ctx context.Context, now time.Time, limit int64) ([]Delivery, error) {
	if !q.LeaseEnabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	res, err := expireScript.Run(ctx, q.rdb, []string{q.inflight, q.leaseJobs}, now.UnixMilli(), limit).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("expire leases: %w", err)
	}

	out := make([]Delivery, 0, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		out = append(out, Delivery{JobID: res[i+1], Lease: res[i]})
	}
	return out, nil
}

// PushDeadLetter appends jobID to the inspection list. Nothing consumes it
// automatically.
func (q *RedisPriorityQueue) PushDeadLetter(ctx context.Context, jobID string) error {
	if err := q.rdb.RPush(ctx, q.deadLetter, jobID).Err(); err != nil {
		return fmt.Errorf("push %s to dlq: %w", jobID, err)
	}
	return nil
}

// DeadLetters reads a window of the inspection list, oldest first.
func (q *RedisPriorityQueue) DeadLetters(ctx context.Context, offset, limit int64) ([]string, error) {
	if offset < 0 {
		offset = 0
	}
	if limit <= 0 {
		limit = int64(entity.DefaultListLimit)
	}
	ids, err := q.rdb.LRange(ctx, q.deadLetter, offset, offset+limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("read dlq: %w", err)
	}
	return ids, nil
}

// Len reports how many ids wait on the lane of priority.
func (q *RedisPriorityQueue) Len(ctx context.Context, priority entity.Priority) (int64, error) {
	ln, err := q.laneByPriority(priority)
	if err != nil {
		return 0, err
	}
	return q.rdb.LLen(ctx, ln.Key).Result()
}

// DeadLetterLen reports how many ids sit on the inspection list.
func (q *RedisPriorityQueue) DeadLetterLen(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.deadLetter).Result()
}
