package status

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xkilldash9x/scalpel-review/api/schemas"
	"github.com/xkilldash9x/scalpel-review/internal/apperrors"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
	return New(time.Hour, 0, zap.NewNop(), WithClock(clock.Now)), clock
}

func TestLifecycle(t *testing.T) {
	s, clock := newTestStore()
	require.NoError(t, s.Create("a1", "codex"))
	err := s.Create("a1", "codex")
	require.Error(t, err, "ids are unique")
	assert.True(t, apperrors.IsKind(err, apperrors.KindValidation))

	e, err := s.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, schemas.StatePending, e.State)
	assert.Nil(t, e.ExpiresAt, "no expiry before a terminal state")

	require.NoError(t, s.MarkInProgress("a1"))
	clock.Advance(3 * time.Second)
	require.NoError(t, s.Complete("a1", map[string]int{"findings": 2}))

	e, err = s.Get("a1")
	require.NoError(t, err)
	assert.Equal(t, schemas.StateCompleted, e.State)
	require.NotNil(t, e.EndTime)
	assert.Equal(t, 3*time.Second, e.EndTime.Sub(e.StartTime))
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, time.Hour, e.ExpiresAt.Sub(*e.EndTime))

	assert.Error(t, s.MarkInProgress("a1"), "terminal entries are immutable")
	assert.ErrorIs(t, s.Complete("missing", nil), ErrNotFound)
}

func TestFailRecordsCode(t *testing.T) {
	s, _ := newTestStore()
	require.NoError(t, s.Create("a2", "gemini"))
	require.NoError(t, s.Fail("a2", apperrors.Security("security.ValidatePath", "rejected")))

	e, err := s.Get("a2")
	require.NoError(t, err)
	assert.Equal(t, schemas.StateFailed, e.State)
	assert.Equal(t, "SECURITY_ERROR", e.ErrorCode)
	assert.Contains(t, e.ErrorMessage, "rejected")

	require.NoError(t, s.Create("a3", "gemini"))
	require.NoError(t, s.Fail("a3", errors.New("boom")))
	e, _ = s.Get("a3")
	assert.Equal(t, "UNKNOWN_ERROR", e.ErrorCode)
}

func TestRetentionAndSweep(t *testing.T) {
	s, clock := newTestStore()
	require.NoError(t, s.Create("done", "codex"))
	require.NoError(t, s.Complete("done", nil))
	require.NoError(t, s.Create("running", "codex"))
	require.NoError(t, s.MarkInProgress("running"))

	clock.Advance(59 * time.Minute)
	assert.Zero(t, s.Sweep())
	_, err := s.Get("done")
	require.NoError(t, err)

	clock.Advance(time.Minute)
	_, err = s.Get("done")
	assert.ErrorIs(t, err, ErrNotFound, "expired entries are hidden before the sweep")
	assert.Len(t, s.List(""), 1)

	assert.Equal(t, 1, s.Sweep())
	assert.Equal(t, 1, s.Len())
	_, err = s.Get("running")
	assert.NoError(t, err, "non-terminal entries never expire")
}

func TestList(t *testing.T) {
	s, clock := newTestStore()
	for _, id := range []string{"first", "second", "third"} {
		require.NoError(t, s.Create(id, "codex"))
		clock.Advance(time.Second)
	}
	require.NoError(t, s.Complete("second", nil))

	all := s.List("")
	require.Len(t, all, 3)
	assert.Equal(t, "third", all[0].ID, "newest first")

	done := s.List(schemas.StateCompleted)
	require.Len(t, done, 1)
	assert.Equal(t, "second", done[0].ID)
}

func TestGetReturnsCopy(t *testing.T) {
	s, _ := newTestStore()
	require.NoError(t, s.Create("a", "codex"))
	e, _ := s.Get("a")
	e.State = schemas.StateFailed
	again, _ := s.Get("a")
	assert.Equal(t, schemas.StatePending, again.State)
}

func TestSweeperLifecycle(t *testing.T) {
	defer goleak.VerifyNone(t)

	clock := &fakeClock{now: time.Now()}
	s := New(time.Minute, 5*time.Millisecond, zap.NewNop(), WithClock(clock.Now))
	require.NoError(t, s.Create("a", "codex"))
	require.NoError(t, s.Complete("a", nil))
	clock.Advance(2 * time.Minute)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return s.Len() == 0 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}
