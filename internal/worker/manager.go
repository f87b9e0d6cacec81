package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"igniteme/internal/logger"
	"igniteme/internal/redis"
)

// TurnFunc computes one dialogue turn. Its context is detached from the
// caller so a turn, once issued, runs to completion.
type TurnFunc func(ctx context.Context) (any, error)

// unclaimedTTL bounds how long the result of a turn whose callers all left
// waits for an identical resubmission.
const unclaimedTTL = 10 * time.Minute

// Manager runs at most one turn per session at a time. An identical
// resubmission joins the running turn and receives its result. A turn keeps
// running after its callers leave; its successful result is handed to the
// next identical submission instead of being computed again.
type Manager struct {
	dispatcher *Dispatcher
	group      singleflight.Group
	locks      *turnLocks

	mu        sync.Mutex
	inflight  map[string]string // session id -> fingerprint
	waiters   map[string]int    // session/fingerprint -> callers waiting
	unclaimed map[string]unclaimedResult
	now       func() time.Time

	log zerolog.Logger
}

type unclaimedResult struct {
	val any
	at  time.Time
}

// NewManager starts the dispatcher. cache may be nil; when set, in-flight
// turns are also visible to other instances sharing it.
func NewManager(cfg Config, cache *redis.Client) *Manager {
	return &Manager{
		dispatcher: NewDispatcher(cfg),
		locks:      newTurnLocks(cache),
		inflight:   make(map[string]string),
		waiters:    make(map[string]int),
		unclaimed:  make(map[string]unclaimedResult),
		now:        time.Now,
		log:        logger.Component("worker"),
	}
}

// Run executes fn for the session unless a turn with a different
// fingerprint is in flight. shared reports that the result came from a
// turn started by another caller.
func (m *Manager) Run(ctx context.Context, sessionID, fingerprint string, fn TurnFunc) (val any, shared bool, err error) {
	key := sessionID + "/" + fingerprint
	m.mu.Lock()
	m.sweepLocked()
	if res, ok := m.unclaimed[key]; ok {
		delete(m.unclaimed, key)
		m.mu.Unlock()
		m.log.Debug().Str("session", sessionID).Msg("claimed result of abandoned turn")
		return res.val, true, nil
	}
	if cur, busy := m.inflight[sessionID]; busy && cur != fingerprint {
		m.mu.Unlock()
		return nil, false, ErrTurnInFlight
	}
	m.inflight[sessionID] = fingerprint
	m.waiters[key]++
	if n := m.waiters[key]; n > 1 {
		m.log.Debug().Str("session", sessionID).Int("waiters", n).Msg("joined in-flight turn")
	}
	m.mu.Unlock()

	turnCtx := context.WithoutCancel(ctx)
	ch := m.group.DoChan(key, func() (any, error) {
		defer m.finish(sessionID, fingerprint)
		if err := m.locks.acquire(turnCtx, sessionID, fingerprint); err != nil {
			return nil, err
		}
		defer m.locks.release(turnCtx, sessionID, fingerprint)
		return m.execute(turnCtx, sessionID, fn)
	})

	select {
	case res := <-ch:
		m.leave(key, false, singleflight.Result{})
		return res.Val, res.Shared, res.Err
	case <-ctx.Done():
		go func() {
			m.leave(key, true, <-ch)
		}()
		return nil, false, ctx.Err()
	}
}

// Waiters reports how many callers are waiting on the session's turn with
// the given fingerprint.
func (m *Manager) Waiters(sessionID, fingerprint string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.waiters[sessionID+"/"+fingerprint]
}

// leave drops one waiter. The last waiter to go, if it had abandoned the
// turn, keeps a successful result for the next identical submission.
func (m *Manager) leave(key string, abandoned bool, res singleflight.Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.waiters[key]--; m.waiters[key] <= 0 {
		delete(m.waiters, key)
		if abandoned && res.Err == nil {
			m.unclaimed[key] = unclaimedResult{val: res.Val, at: m.now()}
		}
	}
}

func (m *Manager) sweepLocked() {
	now := m.now()
	for key, res := range m.unclaimed {
		if now.Sub(res.at) > unclaimedTTL {
			delete(m.unclaimed, key)
		}
	}
}

// Busy reports whether a turn is running for the session.
func (m *Manager) Busy(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.inflight[sessionID]
	return ok
}

func (m *Manager) Stop() {
	m.dispatcher.Stop()
}

func (m *Manager) finish(sessionID, fingerprint string) {
	m.mu.Lock()
	if m.inflight[sessionID] == fingerprint {
		delete(m.inflight, sessionID)
	}
	m.mu.Unlock()
}

type turnResult struct {
	val any
	err error
}

func (m *Manager) execute(ctx context.Context, sessionID string, fn TurnFunc) (any, error) {
	done := make(chan turnResult, 1)
	job := Job{
		SessionID: sessionID,
		Run: func() {
			defer func() {
				if r := recover(); r != nil {
					m.log.Error().Interface("panic", r).Str("session", sessionID).Msg("turn panicked")
					done <- turnResult{err: fmt.Errorf("turn panicked: %v", r)}
				}
			}()
			val, err := fn(ctx)
			done <- turnResult{val: val, err: err}
		},
	}
	if err := m.dispatcher.Submit(job); err != nil {
		return nil, err
	}
	select {
	case res := <-done:
		return res.val, res.err
	case <-m.dispatcher.Done():
		return nil, ErrStopped
	}
}
