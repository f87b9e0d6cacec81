package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"igniteme/internal/redis"
)

// Store persists session state between requests.
type Store interface {
	// Load returns the state for id, or defaults when none is stored.
	Load(ctx context.Context, id string) (*State, error)
	// Commit writes the keys changed on st and refreshes the idle TTL.
	Commit(ctx context.Context, st *State) error
	Delete(ctx context.Context, id string) error
}

const defaultTTL = 24 * time.Hour

type memoryEntry struct {
	data    []byte
	expires time.Time
}

// MemoryStore keeps sessions in process memory. Values are stored encoded so
// no two loads share mutable data.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
	now     func() time.Time
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &MemoryStore{ttl: ttl, entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryStore) Load(_ context.Context, id string) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(id)
}

func (m *MemoryStore) loadLocked(id string) (*State, error) {
	entry, ok := m.entries[id]
	if !ok {
		return New(id), nil
	}
	if m.now().After(entry.expires) {
		delete(m.entries, id)
		return New(id), nil
	}
	return decodeState(id, entry.data)
}

func (m *MemoryStore) Commit(_ context.Context, st *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if !st.Dirty() {
		if entry, ok := m.entries[st.ID]; ok && now.Before(entry.expires) {
			entry.expires = now.Add(m.ttl)
			m.entries[st.ID] = entry
		}
		return nil
	}
	cur, err := m.loadLocked(st.ID)
	if err != nil {
		return err
	}
	st.mergeInto(cur)
	cur.UpdatedAt = now.UTC()
	data, err := json.Marshal(cur)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	m.entries[st.ID] = memoryEntry{data: data, expires: now.Add(m.ttl)}
	st.clean()
	m.sweepLocked(now)
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.entries, id)
	m.mu.Unlock()
	return nil
}

// Len reports the number of stored sessions, expired ones included.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *MemoryStore) sweepLocked(now time.Time) {
	for id, entry := range m.entries {
		if now.After(entry.expires) {
			delete(m.entries, id)
		}
	}
}

const (
	redisSessionPrefix = "session:state:"
	redisCommitRetries = 5
)

// RedisStore keeps sessions as JSON values with a sliding TTL so several
// server instances can share them.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (r *RedisStore) Load(ctx context.Context, id string) (*State, error) {
	raw, err := r.client.Get(ctx, redisSessionPrefix+id)
	if err != nil {
		if errors.Is(err, redis.ErrCacheMiss) {
			return New(id), nil
		}
		return nil, fmt.Errorf("load session: %w", err)
	}
	return decodeState(id, []byte(raw))
}

// Commit merges the changed keys inside a WATCH transaction so concurrent
// requests of one session do not overwrite each other's keys.
func (r *RedisStore) Commit(ctx context.Context, st *State) error {
	key := redisSessionPrefix + st.ID
	if !st.Dirty() {
		if err := r.client.Expire(ctx, key, r.ttl); err != nil {
			return fmt.Errorf("refresh session ttl: %w", err)
		}
		return nil
	}
	raw := r.client.Raw()
	if raw == nil {
		return errors.New("redis client not initialized")
	}
	txf := func(tx *goredis.Tx) error {
		cur := New(st.ID)
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, goredis.Nil):
		case err != nil:
			return err
		default:
			if cur, err = decodeState(st.ID, data); err != nil {
				return err
			}
		}
		st.mergeInto(cur)
		cur.UpdatedAt = time.Now().UTC()
		payload, err := json.Marshal(cur)
		if err != nil {
			return fmt.Errorf("encode session: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, payload, r.ttl)
			return nil
		})
		return err
	}
	for i := 0; i < redisCommitRetries; i++ {
		err := raw.Watch(ctx, txf, key)
		if err == nil {
			st.clean()
			return nil
		}
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return fmt.Errorf("commit session: %w", err)
	}
	return fmt.Errorf("commit session: %w", goredis.TxFailedErr)
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.client.Del(ctx, redisSessionPrefix+id); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

func decodeState(id string, data []byte) (*State, error) {
	st := New(id)
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	st.ID = id
	st.Dialogue = st.Dialogue.Normalized()
	return st, nil
}
