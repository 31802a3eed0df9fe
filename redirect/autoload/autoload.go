// Package autoload lets a redirector controller inject its engine into the
// importing program. Import it for its side effect:
//
//	import _ "github.com/die-net/redirector/redirect/autoload"
//
// It also routes http.DefaultTransport through a redirect.Dialer, so the
// program's default HTTP traffic follows the engine once attached. Other
// connections are covered only when dialed through redirect.Dialer.
//
// Set REDIRECTOR_DEBUG to log the engine's decisions to stderr.
package autoload

import (
	"context"
	"os"

	"go.uber.org/zap"

	"github.com/die-net/redirector/internal/logging"
	"github.com/die-net/redirector/redirect"
)

// EnvDebug enables engine logging when set.
const EnvDebug = "REDIRECTOR_DEBUG"

func init() {
	var logger *zap.Logger
	if _, ok := os.LookupEnv(EnvDebug); ok {
		logger, _ = logging.New(logging.Options{Verbose: true})
	}
	if !redirect.RouteDefaultTransport() && logger != nil {
		logger.Warn("http.DefaultTransport replaced, default HTTP traffic not covered")
	}
	redirect.ListenForInjection(context.Background(), logger)
}
