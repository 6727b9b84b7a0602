package session

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const registryShards = 32

// Registry holds the live session of every voice channel. Channels hash to
// independent lock stripes, so sessions of different channels never contend
// on one lock. A terminated session leaves the registry once its teardown
// finished.
//
// The registry is an ordinary value owned by the application; tests build
// their own.
type Registry struct {
	shards [registryShards]registryShard
}

type registryShard struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i].sessions = make(map[string]*Session)
	}
	return r
}

func (r *Registry) shard(channelID string) *registryShard {
	return &r.shards[xxhash.Sum64String(channelID)%registryShards]
}

// Get returns the live session of channelID, or [ErrSessionNotFound].
func (r *Registry) Get(channelID string) (*Session, error) {
	sh := r.shard(channelID)
	sh.mu.RLock()
	s := sh.sessions[channelID]
	sh.mu.RUnlock()
	if s == nil || s.State() == Terminating {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Add registers s for its channel. When another live session already owns
// the channel, Add leaves the registry unchanged and returns that session
// with false.
func (r *Registry) Add(s *Session) (*Session, bool) {
	sh := r.shard(s.channelID)
	sh.mu.Lock()
	if cur := sh.sessions[s.channelID]; cur != nil && cur.State() != Terminating {
		sh.mu.Unlock()
		return cur, false
	}
	sh.sessions[s.channelID] = s
	sh.mu.Unlock()

	go func() {
		<-s.Done()
		sh.mu.Lock()
		if sh.sessions[s.channelID] == s {
			delete(sh.sessions, s.channelID)
		}
		sh.mu.Unlock()
	}()
	return s, true
}

// Len returns the number of registered sessions, including ones still
// tearing down.
func (r *Registry) Len() int {
	n := 0
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		n += len(sh.sessions)
		sh.mu.RUnlock()
	}
	return n
}

// Sessions returns every registered session.
func (r *Registry) Sessions() []*Session {
	var out []*Session
	for i := range r.shards {
		sh := &r.shards[i]
		sh.mu.RLock()
		for _, s := range sh.sessions {
			out = append(out, s)
		}
		sh.mu.RUnlock()
	}
	return out
}

// StopAll terminates every session and waits for their teardown.
func (r *Registry) StopAll() {
	sessions := r.Sessions()
	for _, s := range sessions {
		_ = s.Stop()
	}
	for _, s := range sessions {
		<-s.Done()
	}
}
