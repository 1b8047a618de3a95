package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/predict-engine/internal/model"
)

var _ Store = (*CachedStore)(nil)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and user positions. Writes go to the primary store;
// keys touched by a committed InTx are invalidated afterwards. Everything
// else passes straight through to the primary.
type CachedStore struct {
	Store
	rdb    redis.UniversalClient
	ttl    time.Duration
	logger *slog.Logger
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *CachedStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &CachedStore{
		Store:  primary,
		rdb:    rdb,
		ttl:    ttl,
		logger: logger,
	}
}

// --- Write-through ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.Store.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.cache(ctx, marketKey(m.ID), m)
	return nil
}

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched *touchedKeys
	err := s.Store.InTx(ctx, func(tx Tx) error {
		// A retried attempt starts from scratch.
		touched = &touchedKeys{}
		return fn(&cachingTx{Tx: tx, touched: touched})
	})
	if err != nil {
		return err
	}
	if keys := touched.keys(); len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			s.logger.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// --- Read-through ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.lookup(ctx, marketKey(id), &m) {
		return &m, nil
	}

	fresh, err := s.Store.GetMarket(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, marketKey(id), fresh)
	return fresh, nil
}

func (s *CachedStore) ListUserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	var positions []model.Position
	if s.lookup(ctx, positionsKey(userID), &positions) {
		return positions, nil
	}

	positions, err := s.Store.ListUserPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.cache(ctx, positionsKey(userID), positions)
	return positions, nil
}

// --- Cache helpers ---

func (s *CachedStore) lookup(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) cache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

// cachingTx records which cached entities a transaction wrote.
type cachingTx struct {
	Tx
	touched *touchedKeys
}

func (t *cachingTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := t.Tx.UpdateMarket(ctx, m); err != nil {
		return err
	}
	t.touched.add(marketKey(m.ID))
	return nil
}

func (t *cachingTx) UpsertPosition(ctx context.Context, p *model.Position) error {
	if err := t.Tx.UpsertPosition(ctx, p); err != nil {
		return err
	}
	t.touched.add(positionsKey(p.UserID))
	return nil
}

type touchedKeys struct {
	set map[string]struct{}
}

func (k *touchedKeys) add(key string) {
	if k.set == nil {
		k.set = make(map[string]struct{})
	}
	k.set[key] = struct{}{}
}

func (k *touchedKeys) keys() []string {
	if k == nil {
		return nil
	}
	out := make([]string, 0, len(k.set))
	for key := range k.set {
		out = append(out, key)
	}
	return out
}

func marketKey(id string) string     { return fmt.Sprintf("market:%s", id) }
func positionsKey(uid string) string { return fmt.Sprintf("positions:%s", uid) }
