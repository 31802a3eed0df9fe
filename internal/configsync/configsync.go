// Package configsync keeps an engine's Configuration in step with its
// controller. It reads whole Configuration records from the config channel
// of the current process and hands each one to an Observer.
package configsync

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/die-net/redirector/internal/config"
	"github.com/die-net/redirector/internal/logging"
	"github.com/die-net/redirector/internal/transport"
)

// Observer is told about every received configuration and, once, about
// the end of the stream.
type Observer interface {
	ConfigUpdated(c config.Configuration)
	// Stopped is called once the reader has released the channel. It runs
	// on the reader goroutine and must not call Close or Wait.
	Stopped()
}

// Sync owns the config channel and its reader goroutine.
type Sync struct {
	logger   *zap.Logger
	ch       *transport.Channel
	observer Observer
	current  atomic.Pointer[config.Configuration]
	cancel   context.CancelFunc
	done     chan struct{}
}

// New connects to the config channel for process id and starts reading. It
// fails if the controller is not listening.
func New(ctx context.Context, id int, observer Observer, logger *zap.Logger) (*Sync, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch, err := transport.Dial(ctx, transport.ConfigChannelName(id))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("open config channel: %w", err)
	}

	s := &Sync{
		logger:   logging.OrNop(logger).Named("configsync"),
		ch:       ch,
		observer: observer,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go s.run()
	return s, nil
}

func (s *Sync) run() {
	defer func() {
		_ = s.ch.Close()
		s.observer.Stopped()
		close(s.done)
	}()

	buf := make([]byte, config.Size)
	for {
		err := s.ch.Read(buf)
		if errors.Is(err, transport.ErrTimeout) {
			continue
		}
		if err != nil {
			s.logger.Debug("config channel ended", zap.Error(err))
			return
		}

		var c config.Configuration
		if err := c.UnmarshalBinary(buf); err != nil {
			logging.LogError(s.logger, err, "failed to decode configuration")
			return
		}
		s.current.Store(&c)
		s.logger.Debug("configuration received", zap.Stringer("config", c))
		s.observer.ConfigUpdated(c)
	}
}

// Current returns the last configuration received, and whether there was
// one.
func (s *Sync) Current() (config.Configuration, bool) {
	if c := s.current.Load(); c != nil {
		return *c, true
	}
	return config.Configuration{}, false
}

// Done is closed once the reader has exited and the observer has been told.
func (s *Sync) Done() <-chan struct{} { return s.done }

// Wait blocks until the reader has exited.
func (s *Sync) Wait() { <-s.done }

// Close stops the reader and waits for it.
func (s *Sync) Close() {
	s.cancel()
	<-s.done
}
