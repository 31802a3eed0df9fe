package transport

import (
	"context"
	"sync"
)

// Signal is a one-shot cancellation signal. Setting it cancels every wait
// bound to its context; setting it again has no effect.
type Signal struct {
	name   string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSignal returns an unnamed signal derived from parent.
func NewSignal(parent context.Context) *Signal {
	ctx, cancel := context.WithCancel(parent)
	return &Signal{ctx: ctx, cancel: cancel}
}

type namedSignal struct {
	sig  *Signal
	refs int
}

var signals = struct {
	sync.Mutex
	m map[string]*namedSignal
}{m: make(map[string]*namedSignal)}

// OpenSignal opens the process-wide signal called name, creating it on first
// use. Every OpenSignal must be paired with a Release.
func OpenSignal(name string) *Signal {
	signals.Lock()
	defer signals.Unlock()

	if ns, ok := signals.m[name]; ok {
		ns.refs++
		return ns.sig
	}
	sig := NewSignal(context.Background())
	sig.name = name
	signals.m[name] = &namedSignal{sig: sig, refs: 1}
	return sig
}

// Release drops one reference to a named signal. The last release forgets
// the name, so a later OpenSignal starts a fresh, unset signal.
func (s *Signal) Release() {
	if s.name == "" {
		return
	}
	signals.Lock()
	defer signals.Unlock()

	ns, ok := signals.m[s.name]
	if !ok || ns.sig != s {
		return
	}
	ns.refs--
	if ns.refs == 0 {
		delete(signals.m, s.name)
	}
}

func (s *Signal) Name() string { return s.name }

// Set fires the signal.
func (s *Signal) Set() { s.cancel() }

// IsSet reports whether the signal has fired.
func (s *Signal) IsSet() bool { return s.ctx.Err() != nil }

// Done is closed once the signal has fired.
func (s *Signal) Done() <-chan struct{} { return s.ctx.Done() }

// Context returns a context cancelled when the signal fires.
func (s *Signal) Context() context.Context { return s.ctx }
