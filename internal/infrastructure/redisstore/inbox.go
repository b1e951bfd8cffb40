package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Zhima-Mochi/minishop-checkout/internal/domain/payment"
	"github.com/redis/go-redis/v9"
)

const (
	defaultPrefix    = "webhook"
	defaultRetention = 7 * 24 * time.Hour
)

// enqueueScript stores the event and schedules it in one step so a crash
// cannot leave a stored event that is never dispatched.
var enqueueScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return 0
end
if redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
  return 1
end
return 0
`)

// Inbox is a Redis-backed webhook inbox. Events are stored as JSON under
// <prefix>:event:<id> and scheduled in the <prefix>:pending sorted set until applied.
type Inbox struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
	now       func() time.Time
}

type Option func(*Inbox)

func WithPrefix(p string) Option { return func(i *Inbox) { i.prefix = p } }

// WithRetention sets how long applied events are remembered for deduplication.
func WithRetention(d time.Duration) Option { return func(i *Inbox) { i.retention = d } }

func NewInbox(client redis.UniversalClient, opts ...Option) *Inbox {
	i := &Inbox{
		client:    client,
		prefix:    defaultPrefix,
		retention: defaultRetention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Inbox) eventKey(id string) string   { return fmt.Sprintf("%s:event:%s", i.prefix, id) }
func (i *Inbox) appliedKey(id string) string { return fmt.Sprintf("%s:applied:%s", i.prefix, id) }
func (i *Inbox) pendingKey() string          { return i.prefix + ":pending" }
func (i *Inbox) attemptsKey() string         { return i.prefix + ":attempts" }

func (i *Inbox) Enqueue(ctx context.Context, ev *payment.Event) (bool, error) {
	if ev == nil || ev.ID == "" {
		return false, fmt.Errorf("redis inbox: event id is required")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return false, fmt.Errorf("redis inbox: marshal event: %w", err)
	}

	keys := []string{i.eventKey(ev.ID), i.pendingKey(), i.appliedKey(ev.ID)}
	score := i.now().UnixMilli()
	n, err := enqueueScript.Run(ctx, i.client, keys, string(data), score, ev.ID).Int()
	if err != nil {
		return false, fmt.Errorf("redis inbox: enqueue: %w", err)
	}
	return n == 1, nil
}

// Pending returns up to limit unapplied events, oldest first, with their
// recorded attempt counts.
func (i *Inbox) Pending(ctx context.Context, limit int) ([]*payment.Event, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := i.client.ZRange(ctx, i.pendingKey(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inbox: list pending: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for n, id := range ids {
		keys[n] = i.eventKey(id)
	}
	raw, err := i.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inbox: load events: %w", err)
	}
	attempts, err := i.client.HMGet(ctx, i.attemptsKey(), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis inbox: load attempts: %w", err)
	}

	out := make([]*payment.Event, 0, len(ids))
	for n, v := range raw {
		s, ok := v.(string)
		if !ok {
			// Scheduled but the payload is gone; nothing left to dispatch.
			continue
		}
		var ev payment.Event
		if err := json.Unmarshal([]byte(s), &ev); err != nil {
			return nil, fmt.Errorf("redis inbox: unmarshal %s: %w", ids[n], err)
		}
		if a, ok := attempts[n].(string); ok {
			ev.Attempts, _ = strconv.Atoi(a)
		}
		out = append(out, &ev)
	}
	return out, nil
}

func (i *Inbox) Applied(ctx context.Context, eventID string) (bool, error) {
	n, err := i.client.Exists(ctx, i.appliedKey(eventID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis inbox: applied: %w", err)
	}
	return n == 1, nil
}

func (i *Inbox) MarkApplied(ctx context.Context, eventID string) error {
	_, err := i.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, i.appliedKey(eventID), "1", i.retention)
		p.Expire(ctx, i.eventKey(eventID), i.retention)
		p.ZRem(ctx, i.pendingKey(), eventID)
		p.HDel(ctx, i.attemptsKey(), eventID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis inbox: mark applied: %w", err)
	}
	return nil
}

func (i *Inbox) RecordAttempt(ctx context.Context, eventID string) (int, error) {
	n, err := i.client.HIncrBy(ctx, i.attemptsKey(), eventID, 1).Result()
	if err != nil {
		return 0, fmt.Errorf("redis inbox: record attempt: %w", err)
	}
	return int(n), nil
}

// Ping reports whether the backing Redis is reachable.
func (i *Inbox) Ping(ctx context.Context) error {
	if err := i.client.Ping(ctx).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis inbox: ping: %w", err)
	}
	return nil
}
