package transport

import (
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// EnvRuntimeDir overrides the directory holding channel sockets.
const EnvRuntimeDir = "REDIRECTOR_RUNTIME_DIR"

var (
	runtimeDirMu sync.RWMutex
	runtimeDir   string
)

// RuntimeDir returns the directory in which channel sockets and attach
// markers live. Both sides of a channel must agree on it.
func RuntimeDir() string {
	runtimeDirMu.RLock()
	dir := runtimeDir
	runtimeDirMu.RUnlock()
	if dir != "" {
		return dir
	}
	if dir := os.Getenv(EnvRuntimeDir); dir != "" {
		return dir
	}
	return filepath.Join(os.TempDir(), "redirector")
}

// SetRuntimeDir overrides RuntimeDir for this process. An empty dir restores
// the default.
func SetRuntimeDir(dir string) {
	runtimeDirMu.Lock()
	runtimeDir = dir
	runtimeDirMu.Unlock()
}

// StopSignalName names the stop signal of the session for process id.
func StopSignalName(id int) string {
	return "redirector-stop-" + strconv.Itoa(id)
}

// ConfigChannelName names the channel carrying configuration to process id.
func ConfigChannelName(id int) string {
	return "redirector-config-" + strconv.Itoa(id)
}

// ReportChannelName names the channel carrying connection reports from
// process id.
func ReportChannelName(id int) string {
	return "redirector-report-" + strconv.Itoa(id)
}

// SocketPath returns the filesystem path of the socket behind a channel name.
func SocketPath(name string) string {
	return filepath.Join(RuntimeDir(), name+".sock")
}

// AttachMarkerPath returns the path of the file an attached engine keeps
// while it runs inside process id.
func AttachMarkerPath(id int) string {
	return filepath.Join(RuntimeDir(), "redirector-"+strconv.Itoa(id)+".attached")
}
