package redis_test

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/attendance-engine/position"
	"github.com/warp/attendance-engine/session"
	redisstore "github.com/warp/attendance-engine/store/redis"
)

// newApprovals connects to REDIS_ADDRESS and isolates the test under a
// random key prefix.
func newApprovals(t *testing.T) *redisstore.Approvals {
	t.Helper()
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	client, err := redisstore.Connect(context.Background(), addr)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	a := redisstore.NewApprovals(client)
	a.Prefix = "test-" + uuid.NewString()
	return a
}

func TestApprovals_SubmitPendingDecide(t *testing.T) {
	a := newApprovals(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	decisions, err := a.Subscribe(ctx)
	require.NoError(t, err)

	base := time.Date(2025, 3, 10, 8, 30, 0, 0, time.UTC)
	first, err := a.SubmitRequest(ctx, session.ApprovalRequest{
		UserID: "u1", Reason: "visiting the client site in Bekasi", RequestedAt: base,
		Location: position.Sample{Latitude: -6.24, Longitude: 107.0, AccuracyMeters: 20},
	})
	require.NoError(t, err)
	second, err := a.SubmitRequest(ctx, session.ApprovalRequest{
		UserID: "u2", Reason: "training session at the vendor office", RequestedAt: base.Add(time.Minute),
	})
	require.NoError(t, err)

	pending, err := a.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first, pending[0].ID, "oldest first")
	assert.InDelta(t, -6.24, pending[0].Location.Latitude, 1e-9)

	d, err := a.Decide(ctx, first, true, "mgr-1", "ok")
	require.NoError(t, err)
	assert.Equal(t, session.UserID("u1"), d.UserID)
	assert.True(t, d.RequestedAt.Equal(base))
	assert.InDelta(t, 107.0, d.Location.Longitude, 1e-9)

	select {
	case got := <-decisions:
		assert.Equal(t, first, got.RequestID)
		assert.True(t, got.Approved)
	case <-time.After(2 * time.Second):
		t.Fatal("decision not delivered")
	}

	pending, err = a.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second, pending[0].ID)

	_, err = a.Decide(ctx, first, false, "mgr-2", "")
	assert.ErrorIs(t, err, session.ErrAlreadyDecided)
	_, err = a.Decide(ctx, "missing", true, "mgr-1", "")
	assert.ErrorIs(t, err, session.ErrRequestNotFound)
}

func TestApprovals_ConcurrentDecideYieldsOneDecision(t *testing.T) {
	a := newApprovals(t)
	ctx := context.Background()

	id, err := a.SubmitRequest(ctx, session.ApprovalRequest{UserID: "u1", Reason: "visiting the client site in Bekasi", RequestedAt: time.Now()})
	require.NoError(t, err)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		won int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := a.Decide(ctx, id, true, "mgr", ""); err == nil {
				mu.Lock()
				won++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, won)
	req, err := a.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, session.ApprovalApproved, req.Status)
}
