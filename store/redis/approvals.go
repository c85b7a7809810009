/*
Package redis provides a Redis-backed off-premises approval queue.

PURPOSE:
  Lets several server instances share one approval queue. Requests are
  stored as JSON, the pending queue is a sorted set ordered by request
  time, and decisions are broadcast over pub/sub so whichever instance
  owns the user's controller applies them.

KEYS (prefix defaults to "attendance"):
  <prefix>:approval:<id>        JSON ApprovalRequest
  <prefix>:approvals:pending    ZSET of pending ids, scored by requested_at
  <prefix>:approvals:decisions  pub/sub channel of ApprovalDecision JSON
  <prefix>:lock:approval:<id>   redislock held while a decision is written

CONCURRENCY:
  Decide obtains a short redislock on the request before reading its
  status, so two managers deciding at once produce exactly one decision.
  The loser gets session.ErrConflict (lock held) or ErrAlreadyDecided.

SEE ALSO:
  - session/collaborators.go: ApprovalQueue
  - store/sqlite: single-node implementation
*/
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/warp/attendance-engine/session"
)

const defaultLockTTL = 10 * time.Second

// Approvals implements session.ApprovalQueue on Redis.
type Approvals struct {
	client redis.UniversalClient
	locker *redislock.Client

	Prefix  string
	LockTTL time.Duration
	Now     func() time.Time
	Logger  *zap.Logger
}

func NewApprovals(client redis.UniversalClient) *Approvals {
	return &Approvals{
		client:  client,
		locker:  redislock.New(client),
		Prefix:  "attendance",
		LockTTL: defaultLockTTL,
		Now:     time.Now,
	}
}

// Connect opens a client for addr and verifies it with PING.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		PoolSize: 100,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	return client, nil
}

// =============================================================================
// REQUESTS
// =============================================================================

func (a *Approvals) SubmitRequest(ctx context.Context, req session.ApprovalRequest) (session.RequestID, error) {
	if req.ID == "" {
		req.ID = session.RequestID(uuid.NewString())
	}
	req.Status = session.ApprovalPending

	data, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.requestKey(req.ID), data, 0)
		pipe.ZAdd(ctx, a.pendingKey(), redis.Z{Score: float64(req.RequestedAt.UnixNano()), Member: string(req.ID)})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("save approval request: %w", err)
	}
	return req.ID, nil
}

// Get returns the request with id, or session.ErrRequestNotFound.
func (a *Approvals) Get(ctx context.Context, id session.RequestID) (session.ApprovalRequest, error) {
	val, err := a.client.Get(ctx, a.requestKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return session.ApprovalRequest{}, session.ErrRequestNotFound
	}
	if err != nil {
		return session.ApprovalRequest{}, err
	}
	var req session.ApprovalRequest
	if err := json.Unmarshal([]byte(val), &req); err != nil {
		return session.ApprovalRequest{}, fmt.Errorf("decode approval request %s: %w", id, err)
	}
	return req, nil
}

// Pending returns undecided requests, oldest first.
func (a *Approvals) Pending(ctx context.Context) ([]session.ApprovalRequest, error) {
	ids, err := a.client.ZRange(ctx, a.pendingKey(), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = a.requestKey(session.RequestID(id))
	}
	vals, err := a.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]session.ApprovalRequest, 0, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			a.logger().Warn("pending approval without body", zap.String("request_id", ids[i]))
			continue
		}
		var req session.ApprovalRequest
		if err := json.Unmarshal([]byte(s), &req); err != nil {
			return nil, fmt.Errorf("decode approval request %s: %w", ids[i], err)
		}
		out = append(out, req)
	}
	return out, nil
}

// =============================================================================
// DECISIONS
// =============================================================================

// Decide records a manager's decision and publishes it.
func (a *Approvals) Decide(ctx context.Context, id session.RequestID, approved bool, decidedBy, note string) (session.ApprovalDecision, error) {
	lock, err := a.locker.Obtain(ctx, a.lockKey(id), a.LockTTL, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return session.ApprovalDecision{}, session.ErrConflict
	}
	if err != nil {
		return session.ApprovalDecision{}, fmt.Errorf("lock approval %s: %w", id, err)
	}
	defer func() {
		if err := lock.Release(context.WithoutCancel(ctx)); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			a.logger().Warn("failed to release approval lock", zap.String("request_id", string(id)), zap.Error(err))
		}
	}()

	req, err := a.Get(ctx, id)
	if err != nil {
		return session.ApprovalDecision{}, err
	}
	if req.Status != session.ApprovalPending {
		return session.ApprovalDecision{}, session.ErrAlreadyDecided
	}

	now := a.now()
	req.Status = session.ApprovalRejected
	if approved {
		req.Status = session.ApprovalApproved
	}
	req.DecidedBy, req.DecidedAt, req.Note = decidedBy, &now, note

	d := session.ApprovalDecision{
		RequestID: id,
		UserID:    req.UserID,
		Approved:  approved,
		DecidedBy: decidedBy,
		Note:      note,
		DecidedAt: now,

		RequestedAt: req.RequestedAt,
		Location:    req.Location,
	}
	body, err := json.Marshal(req)
	if err != nil {
		return session.ApprovalDecision{}, err
	}
	event, err := json.Marshal(d)
	if err != nil {
		return session.ApprovalDecision{}, err
	}

	_, err = a.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, a.requestKey(id), body, 0)
		pipe.ZRem(ctx, a.pendingKey(), string(id))
		pipe.Publish(ctx, a.decisionsChannel(), event)
		return nil
	})
	if err != nil {
		return session.ApprovalDecision{}, fmt.Errorf("save approval decision %s: %w", id, err)
	}
	return d, nil
}

// Subscribe delivers decisions published by any instance until ctx is done.
func (a *Approvals) Subscribe(ctx context.Context) (<-chan session.ApprovalDecision, error) {
	pubsub := a.client.Subscribe(ctx, a.decisionsChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("subscribe approval decisions: %w", err)
	}

	out := make(chan session.ApprovalDecision, 16)
	go func() {
		defer close(out)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var d session.ApprovalDecision
				if err := json.Unmarshal([]byte(msg.Payload), &d); err != nil {
					a.logger().Warn("dropping malformed approval decision", zap.Error(err))
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// =============================================================================
// KEYS & HELPERS
// =============================================================================

func (a *Approvals) requestKey(id session.RequestID) string {
	return fmt.Sprintf("%s:approval:%s", a.Prefix, id)
}

func (a *Approvals) pendingKey() string       { return a.Prefix + ":approvals:pending" }
func (a *Approvals) decisionsChannel() string { return a.Prefix + ":approvals:decisions" }

func (a *Approvals) lockKey(id session.RequestID) string {
	return fmt.Sprintf("%s:lock:approval:%s", a.Prefix, id)
}

func (a *Approvals) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Approvals) logger() *zap.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return zap.NewNop()
}
