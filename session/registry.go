package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/attendance-engine/policy"
)

// =============================================================================
// REGISTRY - One controller per user
// =============================================================================

// Registry owns the controllers of every user seen since start. There is
// no shared mutable state across users, so each controller guards only
// itself.
type Registry struct {
	Deps Deps

	mu          sync.Mutex
	controllers map[UserID]*Controller
	closed      bool
}

func NewRegistry(deps Deps) *Registry {
	return &Registry{Deps: deps, controllers: make(map[UserID]*Controller)}
}

// Controller returns the user's controller, creating it and restoring
// today's session on first use. Unknown users fail with ErrUserNotFound
// when an identity directory is configured.
func (r *Registry) Controller(ctx context.Context, user UserID) (*Controller, error) {
	now := time.Now()
	if r.Deps.Clock != nil {
		now = r.Deps.Clock.Now()
	}
	return r.load(ctx, user, now)
}

func (r *Registry) loaded(user UserID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.controllers[user]
	return ok
}

func (r *Registry) load(ctx context.Context, user UserID, now time.Time) (*Controller, error) {
	r.mu.Lock()
	if c, ok := r.controllers[user]; ok {
		r.mu.Unlock()
		return c, nil
	}
	r.mu.Unlock()

	if r.Deps.Identity != nil {
		if _, err := r.Deps.Identity.Profile(ctx, user); err != nil {
			return nil, err
		}
	}

	c := NewController(user, r.Deps)
	if err := c.Restore(ctx, now); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("registry closed")
	}
	if existing, ok := r.controllers[user]; ok {
		return existing, nil
	}
	c.Start()
	r.controllers[user] = c
	return c, nil
}

// Controllers returns a snapshot ordered by user ID.
func (r *Registry) Controllers() []*Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Dispatch routes an approval decision to its user's controller.
func (r *Registry) Dispatch(ctx context.Context, d ApprovalDecision) error {
	c, err := r.Controller(ctx, d.UserID)
	if err != nil {
		return err
	}
	_, err = c.ApplyApprovalDecision(ctx, d)
	return err
}

// Listen subscribes to the approval store and dispatches decisions until
// ctx is done.
func (r *Registry) Listen(ctx context.Context) error {
	if r.Deps.Approvals == nil {
		<-ctx.Done()
		return nil
	}
	decisions, err := r.Deps.Approvals.Subscribe(ctx)
	if err != nil {
		return err
	}
	for d := range decisions {
		if err := r.Dispatch(ctx, d); err != nil {
			r.logger().Error("approval dispatch failed",
				zap.String("user_id", string(d.UserID)),
				zap.String("request_id", string(d.RequestID)),
				zap.Error(err))
		}
	}
	return nil
}

// RolloverAll runs Rollover on every controller, then loads the users the
// registry has not seen whose sessions are still open from an earlier day,
// which auto-closes them. It returns how many sessions were reset and the
// joined errors of those that failed.
func (r *Registry) RolloverAll(ctx context.Context, now time.Time) (int, error) {
	var (
		reset int
		errs  []error
	)
	for _, c := range r.Controllers() {
		before := c.CurrentState()
		after, err := c.Rollover(ctx, now)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if before.Kind() != after.Kind() {
			reset++
		}
	}

	p := policy.Default()
	if r.Deps.Policy != nil && r.Deps.Policy.Current() != nil {
		p = r.Deps.Policy.Current()
	}
	stale, err := r.Deps.Records.OpenSessionsBefore(ctx, "", p.DayOf(now))
	if err != nil {
		errs = append(errs, fmt.Errorf("find stale sessions: %w", err))
	}
	for _, s := range stale {
		if r.loaded(s.UserID) {
			continue
		}
		if _, err := r.load(ctx, s.UserID, now); err != nil {
			errs = append(errs, err)
			continue
		}
		reset++
	}
	return reset, errors.Join(errs...)
}

// Close stops every controller's timers.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	for _, c := range r.controllers {
		c.Close()
	}
}

func (r *Registry) logger() *zap.Logger {
	if r.Deps.Logger != nil {
		return r.Deps.Logger
	}
	return zap.NewNop()
}
