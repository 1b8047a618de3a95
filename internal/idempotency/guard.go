// Package idempotency deduplicates initiating requests by client-supplied
// key. It protects the call that starts a money movement; duplicate
// completion signals for the same payment are handled by the settlement
// claim instead.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is where a key is in its lifecycle.
type State string

const (
	StateAbsent    State = "absent"
	StateLocked    State = "locked"
	StateCompleted State = "completed"
)

// Record is what a Guard knows about a key. Status, Header and Body are
// set only for completed keys.
type Record struct {
	State  State       `json:"state"`
	Status int         `json:"status,omitempty"`
	Header http.Header `json:"header,omitempty"`
	Body   []byte      `json:"body,omitempty"`
}

// Guard stores idempotency state.
type Guard interface {
	Check(ctx context.Context, key string) (Record, error)
	// Lock takes the key if it is absent. false means another request
	// holds or has completed it.
	Lock(ctx context.Context, key string) (bool, error)
	// Complete stores the final response, replacing the lock.
	Complete(ctx context.Context, key string, status int, header http.Header, body []byte) error
	// Release drops a lock without completing it. Completed records are
	// never released.
	Release(ctx context.Context, key string) error
}

// Default TTLs.
const (
	DefaultLockTTL   = 2 * time.Minute
	DefaultResultTTL = 24 * time.Hour
)

// Scope namespaces client keys per user and route.
func Scope(userID, route string) string {
	return userID + ":" + route
}

// Key builds the stored key for a client-supplied idempotency key.
func Key(userID, route, clientKey string) string {
	return Scope(userID, route) + ":" + clientKey
}

// --- Memory ---

type memEntry struct {
	rec     Record
	expires time.Time
}

// MemoryGuard keeps state in process. It is for tests and single-instance
// development.
type MemoryGuard struct {
	mu        sync.Mutex
	entries   map[string]memEntry
	lockTTL   time.Duration
	resultTTL time.Duration
	now       func() time.Time
}

func NewMemoryGuard(lockTTL, resultTTL time.Duration) *MemoryGuard {
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &MemoryGuard{
		entries:   make(map[string]memEntry),
		lockTTL:   lockTTL,
		resultTTL: resultTTL,
		now:       time.Now,
	}
}

// SetClock overrides the time source used for expiry.
func (g *MemoryGuard) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

// get returns the live entry for key; callers hold mu.
func (g *MemoryGuard) get(key string) (memEntry, bool) {
	e, ok := g.entries[key]
	if !ok {
		return memEntry{}, false
	}
	if !g.now().Before(e.expires) {
		delete(g.entries, key)
		return memEntry{}, false
	}
	return e, true
}

func (g *MemoryGuard) Check(_ context.Context, key string) (Record, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.get(key)
	if !ok {
		return Record{State: StateAbsent}, nil
	}
	return e.rec, nil
}

func (g *MemoryGuard) Lock(_ context.Context, key string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.get(key); ok {
		return false, nil
	}
	g.entries[key] = memEntry{rec: Record{State: StateLocked}, expires: g.now().Add(g.lockTTL)}
	return true, nil
}

func (g *MemoryGuard) Complete(_ context.Context, key string, status int, header http.Header, body []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entries[key] = memEntry{
		rec: Record{
			State:  StateCompleted,
			Status: status,
			Header: header.Clone(),
			Body:   append([]byte(nil), body...),
		},
		expires: g.now().Add(g.resultTTL),
	}
	return nil
}

func (g *MemoryGuard) Release(_ context.Context, key string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if e, ok := g.get(key); ok && e.rec.State == StateLocked {
		delete(g.entries, key)
	}
	return nil
}

// --- Redis ---

const defaultRedisPrefix = "predict:idem:"

// lockMarker is the value of a locked key. Completed keys hold a JSON
// Record instead.
const lockMarker = "locked"

// releaseScript deletes the key only while it still holds the lock marker.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisGuard shares idempotency state across replicas.
type RedisGuard struct {
	client    redis.UniversalClient
	prefix    string
	lockTTL   time.Duration
	resultTTL time.Duration
}

func NewRedisGuard(client redis.UniversalClient, lockTTL, resultTTL time.Duration, prefix string) *RedisGuard {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	if lockTTL <= 0 {
		lockTTL = DefaultLockTTL
	}
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	return &RedisGuard{client: client, prefix: prefix, lockTTL: lockTTL, resultTTL: resultTTL}
}

func (g *RedisGuard) Check(ctx context.Context, key string) (Record, error) {
	val, err := g.client.Get(ctx, g.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{State: StateAbsent}, nil
	}
	if err != nil {
		return Record{}, err
	}
	if string(val) == lockMarker {
		return Record{State: StateLocked}, nil
	}
	var rec Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

func (g *RedisGuard) Lock(ctx context.Context, key string) (bool, error) {
	return g.client.SetNX(ctx, g.prefix+key, lockMarker, g.lockTTL).Result()
}

func (g *RedisGuard) Complete(ctx context.Context, key string, status int, header http.Header, body []byte) error {
	data, err := json.Marshal(Record{State: StateCompleted, Status: status, Header: header, Body: body})
	if err != nil {
		return err
	}
	return g.client.Set(ctx, g.prefix+key, data, g.resultTTL).Err()
}

func (g *RedisGuard) Release(ctx context.Context, key string) error {
	return releaseScript.Run(ctx, g.client, []string{g.prefix + key}, lockMarker).Err()
}
