// Package process finds target processes and asks them to attach the
// redirection engine.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/die-net/redirector/internal/transport"
)

var (
	ErrNotAttached = errors.New("target did not attach")
	// ErrNotInstrumented is returned, without signalling, for targets that do
	// not catch the injection signal and would be killed by it.
	ErrNotInstrumented = errors.New("target does not handle the injection signal")
)

// Finder looks processes up in a procfs tree.
type Finder struct {
	Root string
}

// DefaultFinder reads /proc.
var DefaultFinder = Finder{Root: "/proc"}

// FindByName returns the ids of processes whose command name or executable
// base name equals name, excluding the calling process.
func (f Finder) FindByName(name string) ([]int, error) {
	entries, err := os.ReadDir(f.Root)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", f.Root, err)
	}

	self := os.Getpid()
	var pids []int
	for _, e := range entries {
		pid, err := strconv.Atoi(e.Name())
		if err != nil || pid == self {
			continue
		}
		if f.matches(pid, name) {
			pids = append(pids, pid)
		}
	}
	slices.Sort(pids)
	return pids, nil
}

func (f Finder) matches(pid int, name string) bool {
	dir := filepath.Join(f.Root, strconv.Itoa(pid))
	if comm, err := os.ReadFile(filepath.Join(dir, "comm")); err == nil {
		if strings.TrimSpace(string(comm)) == name {
			return true
		}
	}
	if exe, err := os.Readlink(filepath.Join(dir, "exe")); err == nil {
		if filepath.Base(strings.TrimSuffix(exe, " (deleted)")) == name {
			return true
		}
	}
	return false
}

// CatchesSignal reports whether process pid has a handler installed for
// sig, according to the SigCgt mask in its status file.
func (f Finder) CatchesSignal(pid int, sig unix.Signal) (bool, error) {
	data, err := os.ReadFile(filepath.Join(f.Root, strconv.Itoa(pid), "status"))
	if err != nil {
		return false, fmt.Errorf("read status of pid %d: %w", pid, err)
	}
	for line := range strings.Lines(string(data)) {
		mask, ok := strings.CutPrefix(line, "SigCgt:")
		if !ok {
			continue
		}
		bits, err := strconv.ParseUint(strings.TrimSpace(mask), 16, 64)
		if err != nil {
			return false, fmt.Errorf("parse SigCgt of pid %d: %w", pid, err)
		}
		if sig < 1 || sig > 64 {
			return false, nil
		}
		return bits&(1<<(uint(sig)-1)) != 0, nil
	}
	return false, fmt.Errorf("no SigCgt in status of pid %d", pid)
}

// StartTime returns the start time of process pid in clock ticks since boot,
// as recorded in field 22 of its stat file. Together with the pid it
// identifies one process across pid reuse.
func (f Finder) StartTime(pid int) (string, error) {
	data, err := os.ReadFile(filepath.Join(f.Root, strconv.Itoa(pid), "stat"))
	if err != nil {
		return "", fmt.Errorf("read stat of pid %d: %w", pid, err)
	}
	// The command name may hold spaces and parentheses; fields resume after
	// the last ')', starting with field 3.
	i := strings.LastIndexByte(string(data), ')')
	if i < 0 {
		return "", fmt.Errorf("malformed stat of pid %d", pid)
	}
	fields := strings.Fields(string(data[i+1:]))
	if len(fields) < 20 {
		return "", fmt.Errorf("short stat of pid %d", pid)
	}
	return fields[19], nil
}

// Alive reports whether a process with id pid exists.
func Alive(pid int) bool {
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// Injector makes a target process load the engine.
type Injector interface {
	Inject(ctx context.Context, pid int) error
	// Injected reports whether an engine is already attached in pid.
	Injected(pid int) bool
}

// SignalInjector signals programs built with the redirect package, which
// attach their engine on receipt, and waits for the attach marker. Processes
// that do not catch Signal are never sent it.
type SignalInjector struct {
	Signal  unix.Signal
	Timeout time.Duration
	// Poll is the marker polling interval.
	Poll time.Duration
	// Proc is the procfs consulted before signalling. The zero value means
	// DefaultFinder.
	Proc Finder
}

// DefaultInjector sends SIGUSR2 and waits up to five seconds.
var DefaultInjector = SignalInjector{Signal: unix.SIGUSR2, Timeout: 5 * time.Second, Poll: 20 * time.Millisecond}

func (s SignalInjector) proc() Finder {
	if s.Proc.Root == "" {
		return DefaultFinder
	}
	return s.Proc
}

func (s SignalInjector) Inject(ctx context.Context, pid int) error {
	catches, err := s.proc().CatchesSignal(pid, s.Signal)
	if err != nil {
		return fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	if !catches {
		return fmt.Errorf("%w: pid %d, %s", ErrNotInstrumented, pid, unix.SignalName(s.Signal))
	}

	if err := unix.Kill(pid, s.Signal); err != nil {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.Timeout)
	defer cancel()

	poll := s.Poll
	if poll <= 0 {
		poll = 20 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		if s.Injected(pid) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: pid %d: %w", ErrNotAttached, pid, ctx.Err())
		case <-ticker.C:
		}
	}
}

// Injected reports whether a live marker exists for pid. A marker whose
// recorded start time no longer matches the process, left by a target that
// died without detaching, is removed and ignored.
func (s SignalInjector) Injected(pid int) bool {
	path := transport.AttachMarkerPath(pid)
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	recorded := strings.TrimSpace(string(data))
	if recorded == "" {
		return true
	}
	if current, err := s.proc().StartTime(pid); err == nil && current == recorded {
		return true
	}
	_ = os.Remove(path)
	return false
}

// WriteMarker records that an engine is attached in process pid. The
// marker holds the process start time so a later process reusing pid is
// not mistaken for it.
func WriteMarker(pid int) error {
	if err := os.MkdirAll(transport.RuntimeDir(), 0o700); err != nil {
		return fmt.Errorf("create runtime dir: %w", err)
	}
	// Unknown to procfs leaves the marker empty, which is never stale.
	start, _ := DefaultFinder.StartTime(pid)
	path := transport.AttachMarkerPath(pid)
	if err := os.WriteFile(path, []byte(start), 0o600); err != nil {
		return fmt.Errorf("write attach marker: %w", err)
	}
	return nil
}

// RemoveMarker undoes WriteMarker.
func RemoveMarker(pid int) error {
	err := os.Remove(transport.AttachMarkerPath(pid))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove attach marker: %w", err)
	}
	return nil
}
