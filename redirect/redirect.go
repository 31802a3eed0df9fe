// Package redirect is linked into programs whose outbound TCP connections a
// redirector controller should be able to send through a SOCKS proxy.
//
// Connections made with Dialer go through the process's socket table.
// Attach hooks that table and follows the configuration pushed by the
// controller; ListenForInjection does the same whenever the controller
// signals the process, which is how the controller injects the engine.
// Importing redirect/autoload arms the listener at start-up.
package redirect

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/die-net/redirector/internal/agent"
	"github.com/die-net/redirector/internal/logging"
)

// ErrAttached is returned by Attach while an engine is already running.
var ErrAttached = errors.New("engine already attached")

// InjectSignal is the signal a controller sends to request Attach.
const InjectSignal = unix.SIGUSR2

var attached struct {
	sync.Mutex
	agent *agent.Agent
}

// Attach starts the engine in this process and connects it to the
// controller, which must already be listening. The engine detaches by
// itself when the controller goes away.
func Attach(ctx context.Context, logger *zap.Logger) error {
	attached.Lock()
	defer attached.Unlock()

	if a := attached.agent; a != nil {
		select {
		case <-a.Done():
		default:
			return ErrAttached
		}
	}

	a, err := agent.New(ctx, logger, agent.Options{})
	if err != nil {
		return err
	}
	attached.agent = a
	return nil
}

// Detach tears the engine down, if one is attached.
func Detach() {
	attached.Lock()
	a := attached.agent
	attached.agent = nil
	attached.Unlock()

	if a != nil {
		a.Close()
	}
}

// Attached reports whether an engine is currently running.
func Attached() bool {
	attached.Lock()
	defer attached.Unlock()

	if attached.agent == nil {
		return false
	}
	select {
	case <-attached.agent.Done():
		return false
	default:
		return true
	}
}

// ListenForInjection attaches the engine each time the process receives
// InjectSignal, until ctx ends.
func ListenForInjection(ctx context.Context, logger *zap.Logger) {
	logger = logging.OrNop(logger)

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, InjectSignal)

	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case <-sigs:
				err := Attach(ctx, logger)
				if err != nil && !errors.Is(err, ErrAttached) {
					logging.LogError(logger, err, "failed to attach engine")
				}
			}
		}
	}()
}
