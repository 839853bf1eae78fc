package storage

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/secretlove/love-relay/config"
	"github.com/secretlove/love-relay/model"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time { return c.t }

func newMemory(t *testing.T) (*MemoryStorage, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	m := NewMemoryStorage(time.Hour)
	m.now = clock.now
	return m, clock
}

func newRedis(t *testing.T) (*RedisStorage, *miniredis.Miniredis, *fakeClock) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := NewRedisStorage(config.RedisServer{Addr: mr.Addr()}, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	clock := &fakeClock{t: time.UnixMilli(1_700_000_000_000)}
	s.now = clock.now
	return s, mr, clock
}

func TestMemoryStorage(t *testing.T) {
	m, clock := newMemory(t)
	runStorageSuite(t, m, clock)
}

func TestRedisStorage(t *testing.T) {
	s, _, clock := newRedis(t)
	runStorageSuite(t, s, clock)
}

func TestRedisSaveFailureLeavesNoRecord(t *testing.T) {
	s, mr, clock := newRedis(t)
	ctx := context.Background()
	since := clock.t.Add(-30 * time.Second)
	// a key of the wrong type makes the index write fail
	require.NoError(t, mr.Set(recipientKey("ak"), "not a sorted set"))

	_, err := s.SavePing(ctx, model.StoredPing{ID: "p-1", From: "ndg", To: "ak", Message: "hi"})
	require.Error(t, err)
	assert.False(t, mr.Exists(pingKey("p-1")))

	mr.Del(recipientKey("ak"))
	p, err := s.SavePing(ctx, model.StoredPing{ID: "p-1", From: "ndg", To: "ak", Message: "hi"})
	require.NoError(t, err)
	assert.Equal(t, "p-1", p.ID)

	pending, err := s.PendingPings(ctx, "ak", since, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "p-1", pending[0].ID)
}

func TestRedisRepeatedIDRestoresIndex(t *testing.T) {
	s, mr, clock := newRedis(t)
	ctx := context.Background()
	since := clock.t.Add(-30 * time.Second)

	first, err := s.SavePing(ctx, model.StoredPing{ID: "p-2", From: "ak", To: "ndg", Message: "good night"})
	require.NoError(t, err)
	mr.Del(recipientKey("ndg"))

	again, err := s.SavePing(ctx, model.StoredPing{ID: "p-2", From: "ak", To: "ndg", Message: "good night"})
	require.NoError(t, err)
	assert.Equal(t, first, again)

	pending, err := s.PendingPings(ctx, "ndg", since, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.Timestamp, pending[0].Timestamp)
}

func TestRedisDeliveredFlagKey(t *testing.T) {
	s, mr, _ := newRedis(t)
	ctx := context.Background()

	p, err := s.SavePing(ctx, model.StoredPing{From: "ndg", To: "ak", Message: "hi"})
	require.NoError(t, err)
	assert.False(t, mr.Exists(deliveredKey(p.ID)))

	ok, err := s.MarkDelivered(ctx, "ak", p.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, mr.Exists(deliveredKey(p.ID)))
	assert.Positive(t, mr.TTL(pingKey(p.ID)))
}

func runStorageSuite(t *testing.T, s Storage, clock *fakeClock) {
	ctx := context.Background()
	since := clock.t.Add(-30 * time.Second)

	t.Run("save assigns id, type and timestamp", func(t *testing.T) {
		p, err := s.SavePing(ctx, model.StoredPing{From: "ndg", To: "ak", Message: "hi", Delivered: true})
		require.NoError(t, err)
		assert.NotEmpty(t, p.ID)
		assert.Equal(t, model.DefaultPingType, p.Type)
		assert.Equal(t, clock.t.UnixMilli(), p.Timestamp)
		assert.False(t, p.Delivered)
	})

	t.Run("pending is per recipient and mark is idempotent", func(t *testing.T) {
		p, err := s.SavePing(ctx, model.StoredPing{ID: "fixed-1", From: "ak", To: "ndg", Message: "good morning", Type: "good-morning"})
		require.NoError(t, err)

		pending, err := s.PendingPings(ctx, "ndg", since, 10)
		require.NoError(t, err)
		require.Len(t, pending, 1)
		assert.Equal(t, p.ID, pending[0].ID)
		assert.Equal(t, "good-morning", pending[0].Type)

		ok, err := s.MarkDelivered(ctx, "ndg", p.ID)
		require.NoError(t, err)
		assert.True(t, ok)
		ok, err = s.MarkDelivered(ctx, "ndg", p.ID)
		require.NoError(t, err)
		assert.False(t, ok, "second mark must not report a fresh delivery")

		pending, err = s.PendingPings(ctx, "ndg", since, 10)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("duplicate id keeps first record", func(t *testing.T) {
		first, err := s.SavePing(ctx, model.StoredPing{ID: "dup", From: "ndg", To: "ak", Message: "one"})
		require.NoError(t, err)
		second, err := s.SavePing(ctx, model.StoredPing{ID: "dup", From: "ndg", To: "ak", Message: "two"})
		require.NoError(t, err)
		assert.Equal(t, first.Message, second.Message)
	})

	t.Run("mark for wrong recipient or unknown id", func(t *testing.T) {
		_, err := s.MarkDelivered(ctx, "ndg", "dup")
		assert.ErrorIs(t, err, ErrNotFound)
		_, err = s.MarkDelivered(ctx, "ak", "missing")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("claim returns each record once", func(t *testing.T) {
		claimed, err := s.ClaimPending(ctx, "ak", since, 0)
		require.NoError(t, err)
		require.Len(t, claimed, 2)
		for _, p := range claimed {
			assert.True(t, p.Delivered)
		}
		claimed, err = s.ClaimPending(ctx, "ak", since, 0)
		require.NoError(t, err)
		assert.Empty(t, claimed)
	})

	t.Run("records older than the window are ignored", func(t *testing.T) {
		_, err := s.SavePing(ctx, model.StoredPing{From: "ndg", To: "ak", Message: "old"})
		require.NoError(t, err)
		pending, err := s.PendingPings(ctx, "ak", clock.t, 0)
		require.NoError(t, err)
		assert.Empty(t, pending)
	})

	t.Run("limit", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			clock.t = clock.t.Add(time.Millisecond)
			_, err := s.SavePing(ctx, model.StoredPing{From: "ak", To: "ndg", Message: "missing you", Type: "missing-you"})
			require.NoError(t, err)
		}
		pending, err := s.PendingPings(ctx, "ndg", since, 2)
		require.NoError(t, err)
		assert.Len(t, pending, 2)
		assert.LessOrEqual(t, pending[0].Timestamp, pending[1].Timestamp)
	})

	t.Run("tokens", func(t *testing.T) {
		_, err := s.Token(ctx, "ak")
		assert.ErrorIs(t, err, ErrNotFound)
		require.NoError(t, s.SetToken(ctx, "ak", "player-1"))
		require.NoError(t, s.SetToken(ctx, "ak", "player-2"))
		tok, err := s.Token(ctx, "ak")
		require.NoError(t, err)
		assert.Equal(t, "player-2", tok)
	})

	t.Run("cancelled context", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := s.SavePing(cctx, model.StoredPing{From: "ndg", To: "ak"})
		assert.ErrorIs(t, err, context.Canceled)
	})
}
