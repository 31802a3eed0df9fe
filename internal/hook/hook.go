// Package hook redirects calls to an operation through a replaceable
// implementation.
//
// Callers reach an operation through a Slot, which always holds the current
// implementation. Installing a Hook on a slot remembers the implementation
// it displaces (the original) and the one to substitute (the detour). A hook
// starts inert; Enable routes the slot to the detour and Disable routes it
// back to the original. Remove uninstalls the hook so the slot can be hooked
// again later.
package hook

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrInstalled    = errors.New("hook already installed")
	ErrNotInstalled = errors.New("hook not installed")
)

// Intercept is the mechanism-independent view of one installed hook.
type Intercept interface {
	Name() string
	Enable() error
	Disable() error
	Remove() error
}

// Slot holds the current implementation of one operation.
type Slot[F any] struct {
	name string
	cur  atomic.Pointer[F]

	mu   sync.Mutex
	hook *Hook[F]
}

// NewSlot returns a slot whose implementation is fn.
func NewSlot[F any](name string, fn F) *Slot[F] {
	s := &Slot[F]{name: name}
	s.cur.Store(&fn)
	return s
}

func (s *Slot[F]) Name() string { return s.name }

// Get returns the implementation calls should use right now.
func (s *Slot[F]) Get() F { return *s.cur.Load() }

// Hooked reports whether a hook is installed on s.
func (s *Slot[F]) Hooked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hook != nil
}

// Install creates an inert hook that will substitute detour for the slot's
// current implementation once enabled.
func (s *Slot[F]) Install(detour F) (*Hook[F], error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.hook != nil {
		return nil, fmt.Errorf("%w: %s", ErrInstalled, s.name)
	}
	h := &Hook[F]{slot: s, original: s.Get(), detour: detour}
	s.hook = h
	return h, nil
}

// Hook is one installed redirection.
type Hook[F any] struct {
	slot     *Slot[F]
	original F
	detour   F

	mu      sync.Mutex
	enabled bool
	removed bool
}

var _ Intercept = (*Hook[func()])(nil)

func (h *Hook[F]) Name() string { return h.slot.name }

// Original returns the implementation the hook displaced. Detours call it to
// reach the real operation.
func (h *Hook[F]) Original() F { return h.original }

// Enabled reports whether calls through the slot currently reach the detour.
func (h *Hook[F]) Enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled
}

func (h *Hook[F]) Enable() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed {
		return fmt.Errorf("%w: %s", ErrNotInstalled, h.slot.name)
	}
	if !h.enabled {
		d := h.detour
		h.slot.cur.Store(&d)
		h.enabled = true
	}
	return nil
}

func (h *Hook[F]) Disable() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed {
		return fmt.Errorf("%w: %s", ErrNotInstalled, h.slot.name)
	}
	if h.enabled {
		o := h.original
		h.slot.cur.Store(&o)
		h.enabled = false
	}
	return nil
}

// Remove disables the hook and detaches it from its slot. Removing twice is
// harmless.
func (h *Hook[F]) Remove() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.removed {
		return nil
	}
	if h.enabled {
		o := h.original
		h.slot.cur.Store(&o)
		h.enabled = false
	}
	h.removed = true

	h.slot.mu.Lock()
	if h.slot.hook == h {
		h.slot.hook = nil
	}
	h.slot.mu.Unlock()
	return nil
}
