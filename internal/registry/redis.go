package registry

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/heraldlab/broadcast-delivery-service/internal/domain/model"
)

// Interface guard
var _ Registrar = (*Redis)(nil)

// Key layout. The first three indexes must stay mutually consistent; the
// user index exists so Locate does not have to scan, and pods is the repair
// index for records whose TTL fired before cleanup ran.
const (
	keyHeartbeat = "heartbeat"
	keyPods      = "pods"
)

func keyConn(id string) string       { return "conn:" + id }
func keyPodConns(pod string) string  { return "pod_conns:" + pod }
func keyUserConns(user string) string { return "user_conns:" + user }
func keyPending(user string) string  { return "pending:" + user }
func keyPendingQ(user string) string { return "pending_q:" + user }
func keyDeny(user string) string     { return "deny:" + user }
func chanFanout(user string) string  { return "sse-fanout:" + user }

// registerRetries bounds optimistic-lock retries on concurrent registration.
const registerRetries = 3

type RedisOptions struct {
	ConnTTL         time.Duration
	MaxConnsPerUser int
	PendingBound    int
}

func (o *RedisOptions) normalize() {
	if o.ConnTTL <= 0 {
		o.ConnTTL = DefaultConnTTL
	}
	if o.MaxConnsPerUser <= 0 {
		o.MaxConnsPerUser = DefaultMaxConnsPerUser
	}
	if o.PendingBound <= 0 {
		o.PendingBound = DefaultPendingBound
	}
}

// Redis is the distributed Registrar implementation.
type Redis struct {
	client *redis.Client
	logger *slog.Logger
	opts   RedisOptions
}

func NewRedis(client *redis.Client, logger *slog.Logger, opts RedisOptions) *Redis {
	opts.normalize()
	return &Redis{client: client, logger: logger, opts: opts}
}

func (r *Redis) Register(ctx context.Context, conn model.Connection) error {
	denied, err := r.IsDenied(ctx, conn.UserID)
	if err != nil {
		return err
	}
	if denied {
		return model.ErrReconnectDenied
	}

	userKey := keyUserConns(conn.UserID)
	txFn := func(tx *redis.Tx) error {
		n, err := tx.SCard(ctx, userKey).Result()
		if err != nil {
			return err
		}
		if n >= int64(r.opts.MaxConnsPerUser) {
			return model.ErrTooManyConnections
		}
		// [ATOMIC_WRITE] All indexes move together or not at all.
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, keyConn(conn.ConnectionID),
				"user_id", conn.UserID,
				"pod_id", conn.PodID,
				"cluster_id", conn.ClusterID,
				"connected_at", conn.ConnectedAt.UTC().Format(time.RFC3339Nano),
			)
			pipe.Expire(ctx, keyConn(conn.ConnectionID), r.opts.ConnTTL)
			pipe.ZAdd(ctx, keyHeartbeat, redis.Z{
				Score:  float64(conn.LastHeartbeatAt.Unix()),
				Member: conn.ConnectionID,
			})
			pipe.SAdd(ctx, keyPodConns(conn.PodID), conn.ConnectionID)
			pipe.SAdd(ctx, keyPods, conn.PodID)
			pipe.SAdd(ctx, userKey, conn.ConnectionID)
			return nil
		})
		return err
	}

	// The cap check rides an optimistic lock on the user index so two racing
	// registrations cannot both pass it.
	for i := 0; i < registerRetries; i++ {
		err = r.client.Watch(ctx, txFn, userKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func (r *Redis) Heartbeat(ctx context.Context, podID string, connIDs []string) error {
	if len(connIDs) == 0 {
		return nil
	}
	now := float64(time.Now().Unix())
	zs := make([]redis.Z, len(connIDs))
	members := make([]any, len(connIDs))
	for i, id := range connIDs {
		zs[i] = redis.Z{Score: now, Member: id}
		members[i] = id
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// GT keeps last_heartbeat_at monotonic across skewed pods.
		pipe.ZAddGT(ctx, keyHeartbeat, zs...)
		for _, id := range connIDs {
			pipe.Expire(ctx, keyConn(id), r.opts.ConnTTL)
		}
		pipe.SAdd(ctx, keyPodConns(podID), members...)
		pipe.SAdd(ctx, keyPods, podID)
		return nil
	})
	return err
}

func (r *Redis) StaleBefore(ctx context.Context, t time.Time) ([]string, error) {
	return r.client.ZRangeByScore(ctx, keyHeartbeat, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(t.Unix(), 10),
	}).Result()
}

func (r *Redis) Remove(ctx context.Context, connIDs []string) error {
	if len(connIDs) == 0 {
		return nil
	}

	// Resolve owners before deleting so every index can be cleaned.
	readPipe := r.client.Pipeline()
	owners := make([]*redis.MapStringStringCmd, len(connIDs))
	for i, id := range connIDs {
		owners[i] = readPipe.HGetAll(ctx, keyConn(id))
	}
	if _, err := readPipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return err
	}

	var orphans []string
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range connIDs {
			fields := owners[i].Val()
			pipe.Del(ctx, keyConn(id))
			pipe.ZRem(ctx, keyHeartbeat, id)
			if pod := fields["pod_id"]; pod != "" {
				pipe.SRem(ctx, keyPodConns(pod), id)
			} else {
				orphans = append(orphans, id)
			}
			if user := fields["user_id"]; user != "" {
				pipe.SRem(ctx, keyUserConns(user), id)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(orphans) > 0 {
		return r.scrubOrphans(ctx, orphans)
	}
	return nil
}

// scrubOrphans sweeps connection ids whose record expired before removal out
// of every pod set. Rare: it requires a connection to outlive its 30 min TTL
// without a single heartbeat refresh.
func (r *Redis) scrubOrphans(ctx context.Context, connIDs []string) error {
	pods, err := r.client.SMembers(ctx, keyPods).Result()
	if err != nil {
		return err
	}
	if len(pods) == 0 {
		return nil
	}
	members := make([]any, len(connIDs))
	for i, id := range connIDs {
		members[i] = id
	}
	_, err = r.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, pod := range pods {
			pipe.SRem(ctx, keyPodConns(pod), members...)
		}
		return nil
	})
	if err == nil {
		r.logger.Warn("REGISTRY_ORPHANS_SCRUBBED", "count", len(connIDs))
	}
	return err
}

func (r *Redis) Locate(ctx context.Context, userID string) ([]model.ConnectionRef, error) {
	ids, err := r.client.SMembers(ctx, keyUserConns(userID)).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	pods := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		pods[i] = pipe.HGet(ctx, keyConn(id), "pod_id")
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	refs := make([]model.ConnectionRef, 0, len(ids))
	var dead []any
	for i, id := range ids {
		pod, err := pods[i].Result()
		switch {
		case errors.Is(err, redis.Nil) || pod == "":
			dead = append(dead, id)
		case err != nil:
			return nil, err
		default:
			refs = append(refs, model.ConnectionRef{ConnectionID: id, PodID: pod})
		}
	}
	if len(dead) > 0 {
		// [READ_REPAIR] The record TTL fired but the user index survived.
		if err := r.client.SRem(ctx, keyUserConns(userID), dead...).Err(); err != nil {
			r.logger.Warn("REGISTRY_READ_REPAIR_FAILED", "user_id", userID, "error", err)
		}
	}
	return refs, nil
}

func (r *Redis) AnyConnected(ctx context.Context, userIDs []string) (map[string]bool, error) {
	if len(userIDs) == 0 {
		return map[string]bool{}, nil
	}
	pipe := r.client.Pipeline()
	cards := make([]*redis.IntCmd, len(userIDs))
	for i, u := range userIDs {
		cards[i] = pipe.SCard(ctx, keyUserConns(u))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	online := make(map[string]bool, len(userIDs))
	for i, u := range userIDs {
		online[u] = cards[i].Val() > 0
	}
	return online, nil
}

func (r *Redis) EnqueuePending(ctx context.Context, p model.PendingEvent) error {
	field := strconv.FormatInt(p.BroadcastID, 10)
	added, err := r.client.HSetNX(ctx, keyPending(p.UserID), field, p.Payload).Result()
	if err != nil {
		return err
	}
	if !added {
		// Dedupe by broadcast id: first write wins.
		return nil
	}
	err = r.client.ZAdd(ctx, keyPendingQ(p.UserID), redis.Z{
		Score:  float64(p.EnqueuedAt.UnixMilli()),
		Member: field,
	}).Err()
	if err != nil {
		return err
	}
	return r.trimPending(ctx, p.UserID)
}

func (r *Redis) ReplacePending(ctx context.Context, p model.PendingEvent) error {
	field := strconv.FormatInt(p.BroadcastID, 10)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyPending(p.UserID), field, p.Payload)
		// NX keeps the original queue position when the entry already exists.
		pipe.ZAddNX(ctx, keyPendingQ(p.UserID), redis.Z{
			Score:  float64(p.EnqueuedAt.UnixMilli()),
			Member: field,
		})
		return nil
	})
	if err != nil {
		return err
	}
	return r.trimPending(ctx, p.UserID)
}

func (r *Redis) trimPending(ctx context.Context, userID string) error {
	n, err := r.client.ZCard(ctx, keyPendingQ(userID)).Result()
	if err != nil {
		return err
	}
	excess := n - int64(r.opts.PendingBound)
	if excess <= 0 {
		return nil
	}
	popped, err := r.client.ZPopMin(ctx, keyPendingQ(userID), excess).Result()
	if err != nil {
		return err
	}
	fields := make([]string, 0, len(popped))
	for _, z := range popped {
		if s, ok := z.Member.(string); ok {
			fields = append(fields, s)
		}
	}
	if len(fields) == 0 {
		return nil
	}
	r.logger.Warn("PENDING_OVERFLOW_EVICTED", "user_id", userID, "evicted", len(fields))
	return r.client.HDel(ctx, keyPending(userID), fields...).Err()
}

func (r *Redis) DrainPending(ctx context.Context, userID string) ([]model.PendingEvent, error) {
	zs, err := r.client.ZRangeWithScores(ctx, keyPendingQ(userID), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(zs) == 0 {
		return nil, nil
	}

	fields := make([]string, 0, len(zs))
	for _, z := range zs {
		if s, ok := z.Member.(string); ok {
			fields = append(fields, s)
		}
	}
	vals, err := r.client.HMGet(ctx, keyPending(userID), fields...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]model.PendingEvent, 0, len(zs))
	for i, z := range zs {
		raw, ok := vals[i].(string)
		if !ok {
			continue // hash/zset divergence; Ack or trim repairs it
		}
		id, err := strconv.ParseInt(fields[i], 10, 64)
		if err != nil {
			continue
		}
		out = append(out, model.PendingEvent{
			UserID:      userID,
			BroadcastID: id,
			Payload:     []byte(raw),
			EnqueuedAt:  time.UnixMilli(int64(z.Score)),
		})
	}
	return out, nil
}

func (r *Redis) AckPending(ctx context.Context, userID string, broadcastID int64) error {
	field := strconv.FormatInt(broadcastID, 10)
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HDel(ctx, keyPending(userID), field)
		pipe.ZRem(ctx, keyPendingQ(userID), field)
		return nil
	})
	return err
}

func (r *Redis) DenyReconnect(ctx context.Context, userID string, window time.Duration) error {
	return r.client.Set(ctx, keyDeny(userID), "1", window).Err()
}

func (r *Redis) IsDenied(ctx context.Context, userID string) (bool, error) {
	n, err := r.client.Exists(ctx, keyDeny(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Redis) NotifyUser(ctx context.Context, userID string, payload []byte) (int64, error) {
	return r.client.Publish(ctx, chanFanout(userID), payload).Result()
}

func (r *Redis) SubscribeUser(ctx context.Context, userID string) (<-chan []byte, func(), error) {
	sub := r.client.Subscribe(ctx, chanFanout(userID))
	// Confirm the subscription before reporting it live; NotifyUser counts
	// receivers, so a half-open subscription would lose events.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 16)
	done := make(chan struct{})
	go func() {
		defer close(out)
		ch := sub.Channel()
		for {
			select {
			case <-done:
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- []byte(msg.Payload):
				case <-done:
					return
				}
			}
		}
	}()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			_ = sub.Close()
		})
	}
	return out, cancel, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
