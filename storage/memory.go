package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/secretlove/love-relay/contexthelper"
	"github.com/secretlove/love-relay/model"
)

var _ Storage = (*MemoryStorage)(nil)

// MemoryStorage keeps pings and tokens in process. Used when no redis server is configured.
type MemoryStorage struct {
	mu     sync.Mutex
	pings  *cache.Cache
	tokens *cache.Cache
	now    func() time.Time
}

// NewMemoryStorage returns a storage whose ping records expire after retention.
func NewMemoryStorage(retention time.Duration) *MemoryStorage {
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	return &MemoryStorage{
		pings:  cache.New(retention, retention/2),
		tokens: cache.New(cache.NoExpiration, 0),
		now:    time.Now,
	}
}

func (m *MemoryStorage) SavePing(ctx context.Context, ping model.StoredPing) (model.StoredPing, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return model.StoredPing{}, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ping.ID = newPingID(ping.ID)
	if existing, ok := m.pings.Get(ping.ID); ok {
		return existing.(model.StoredPing), nil
	}
	ping.Type = model.PingType(ping.Type)
	ping.Timestamp = m.now().UnixMilli()
	ping.Delivered = false
	m.pings.SetDefault(ping.ID, ping)
	return ping, nil
}

func (m *MemoryStorage) PendingPings(ctx context.Context, to string, since time.Time, limit int) ([]model.StoredPing, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending(to, since, limit), nil
}

func (m *MemoryStorage) pending(to string, since time.Time, limit int) []model.StoredPing {
	cutoff := since.UnixMilli()
	var pings []model.StoredPing
	for _, item := range m.pings.Items() {
		p := item.Object.(model.StoredPing)
		if p.To != to || p.Delivered || p.Timestamp <= cutoff {
			continue
		}
		pings = append(pings, p)
	}
	sort.Slice(pings, func(i, j int) bool {
		if pings[i].Timestamp == pings[j].Timestamp {
			return pings[i].ID < pings[j].ID
		}
		return pings[i].Timestamp < pings[j].Timestamp
	})
	if limit > 0 && len(pings) > limit {
		pings = pings[:limit]
	}
	return pings
}

func (m *MemoryStorage) MarkDelivered(ctx context.Context, to, id string) (bool, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return false, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.markDelivered(to, id)
}

func (m *MemoryStorage) markDelivered(to, id string) (bool, error) {
	v, exp, ok := m.pings.GetWithExpiration(id)
	if !ok {
		return false, ErrNotFound
	}
	p := v.(model.StoredPing)
	if p.To != to {
		return false, ErrNotFound
	}
	if p.Delivered {
		return false, nil
	}
	p.Delivered = true
	ttl := cache.DefaultExpiration
	if left := time.Until(exp); !exp.IsZero() && left > 0 {
		ttl = left
	}
	m.pings.Set(id, p, ttl)
	return true, nil
}

func (m *MemoryStorage) ClaimPending(ctx context.Context, to string, since time.Time, limit int) ([]model.StoredPing, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return nil, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	pending := m.pending(to, since, limit)
	claimed := make([]model.StoredPing, 0, len(pending))
	for _, p := range pending {
		if ok, _ := m.markDelivered(to, p.ID); ok {
			p.Delivered = true
			claimed = append(claimed, p)
		}
	}
	return claimed, nil
}

func (m *MemoryStorage) SetToken(ctx context.Context, userID, token string) error {
	if contexthelper.CheckCancellation(ctx) != nil {
		return ctx.Err()
	}
	m.tokens.Set(userID, token, cache.NoExpiration)
	return nil
}

func (m *MemoryStorage) Token(ctx context.Context, userID string) (string, error) {
	if contexthelper.CheckCancellation(ctx) != nil {
		return "", ctx.Err()
	}
	v, ok := m.tokens.Get(userID)
	if !ok {
		return "", ErrNotFound
	}
	return v.(string), nil
}

func (m *MemoryStorage) Close() error {
	m.pings.Flush()
	return nil
}
