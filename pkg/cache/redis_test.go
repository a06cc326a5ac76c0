package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Redis, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewRedis(Config{Addr: mr.Addr(), KeyPrefix: "pd:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSetGetDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.Get(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "k", "v", time.Minute))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, c.Delete(ctx, "k"))
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestKeyPrefixApplied(t *testing.T) {
	c, mr := newTestCache(t)
	require.NoError(t, c.Set(context.Background(), "workflow:wf-1", "{}", time.Minute))
	assert.True(t, mr.Exists("pd:workflow:wf-1"))
}

func TestSetNXLeaseSemantics(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()
	key := WorkflowLockKey("wf-1")

	ok, err := AcquireLease(ctx, c, key, "owner-a", WorkflowLockTTL)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second writer is rejected while the lease lives
	ok, err = AcquireLease(ctx, c, key, "owner-b", WorkflowLockTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	// Refresh only succeeds for the holder
	refreshed, err := RefreshLease(ctx, c, key, "owner-b", WorkflowLockTTL)
	require.NoError(t, err)
	assert.False(t, refreshed)
	refreshed, err = RefreshLease(ctx, c, key, "owner-a", WorkflowLockTTL)
	require.NoError(t, err)
	assert.True(t, refreshed)

	// Release by a non-holder is a no-op
	require.NoError(t, ReleaseLease(ctx, c, key, "owner-b"))
	ok, err = AcquireLease(ctx, c, key, "owner-b", WorkflowLockTTL)
	require.NoError(t, err)
	assert.False(t, ok)

	// Expired lease frees the slot
	mr.FastForward(WorkflowLockTTL + time.Second)
	ok, err = AcquireLease(ctx, c, key, "owner-b", WorkflowLockTTL)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJSONRoundTrip(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	type doc struct {
		Name  string `json:"name"`
		Count int    `json:"count"`
	}
	in := doc{Name: "wf", Count: 3}
	require.NoError(t, SetJSON(ctx, c, "doc", in, time.Minute))

	var out doc
	ok, err := GetJSON(ctx, c, "doc", &out)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, in, out)

	ok, err = GetJSON(ctx, c, "absent", &out)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSets(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.SAdd(ctx, KeyActiveAlerts, "a-1", "a-2"))
	require.NoError(t, c.SAdd(ctx, KeyActiveAlerts, "a-2"))

	members, err := c.SMembers(ctx, KeyActiveAlerts)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a-1", "a-2"}, members)

	require.NoError(t, c.SRem(ctx, KeyActiveAlerts, "a-1"))
	members, err = c.SMembers(ctx, KeyActiveAlerts)
	require.NoError(t, err)
	assert.Equal(t, []string{"a-2"}, members)
}

func TestListQueue(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, ok, err := c.LPop(ctx, KeyNotifyRetry)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.RPush(ctx, KeyNotifyRetry, "n-1", "n-2"))
	all, err := c.LRange(ctx, KeyNotifyRetry, 0, -1)
	require.NoError(t, err)
	assert.Equal(t, []string{"n-1", "n-2"}, all)

	v, ok, err := c.LPop(ctx, KeyNotifyRetry)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "n-1", v)
}

func TestTTLExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, ActiveAlertKey("fp"), "a-1", ActiveAlertTTL))
	mr.FastForward(ActiveAlertTTL + time.Second)

	_, ok, err := c.Get(ctx, ActiveAlertKey("fp"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEvalHistoryKeyBucketsByHour(t *testing.T) {
	ts := time.Date(2025, 3, 7, 14, 42, 0, 0, time.UTC)
	assert.Equal(t, "alert_evaluation_history:2025030714", EvalHistoryKey(ts))
}
