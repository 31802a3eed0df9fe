package controller

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/die-net/redirector/internal/config"
)

// Registry owns the sessions of a controller, keyed by target pid. Ended
// sessions are dropped as they are noticed.
type Registry struct {
	mu       sync.Mutex
	sessions map[int]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[int]*Session)}
}

// Add registers s. It returns false when a live session for the same pid is
// already present.
func (r *Registry) Add(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[s.pid]; ok && !ended(cur) {
		return false
	}
	r.sessions[s.pid] = s
	return true
}

// Remove unregisters and stops the session for pid.
func (r *Registry) Remove(pid int) {
	r.mu.Lock()
	s, ok := r.sessions[pid]
	delete(r.sessions, pid)
	r.mu.Unlock()

	if ok {
		s.Stop()
	}
}

func (r *Registry) Exists(pid int) bool {
	_, ok := r.Get(pid)
	return ok
}

func (r *Registry) Get(pid int) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[pid]
	if !ok {
		return nil, false
	}
	if ended(s) {
		delete(r.sessions, pid)
		return nil, false
	}
	return s, true
}

func (r *Registry) Count() int {
	return len(r.live())
}

func (r *Registry) Empty() bool {
	return r.Count() == 0
}

// Broadcast pushes c to every session concurrently and returns the first
// failure.
func (r *Registry) Broadcast(c config.Configuration) error {
	var g errgroup.Group
	for _, s := range r.live() {
		g.Go(func() error {
			return s.UpdateConfig(c)
		})
	}
	return g.Wait()
}

// StopAll stops every session and waits for them.
func (r *Registry) StopAll() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int]*Session)
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range sessions {
		wg.Go(s.Stop)
	}
	wg.Wait()
}

// Wait blocks until every session has ended. It returns false when ctx ends
// or timeout elapses first; a zero timeout waits without bound.
func (r *Registry) Wait(ctx context.Context, timeout time.Duration) bool {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	for {
		sessions := r.live()
		if len(sessions) == 0 {
			return true
		}
		for _, s := range sessions {
			select {
			case <-s.Done():
			case <-ctx.Done():
				return false
			}
		}
	}
}

// live returns the sessions that have not ended, pruning the rest.
func (r *Registry) live() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for pid, s := range r.sessions {
		if ended(s) {
			delete(r.sessions, pid)
			continue
		}
		sessions = append(sessions, s)
	}
	return sessions
}

func ended(s *Session) bool {
	select {
	case <-s.Done():
		return true
	default:
		return false
	}
}
