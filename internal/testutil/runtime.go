package testutil

import (
	"os"
	"testing"

	"golang.org/x/net/nettest"
)

// RuntimeDir returns a fresh directory short enough to hold Unix domain
// sockets. It is removed when the test ends.
func RuntimeDir(t *testing.T) string {
	t.Helper()

	path, err := nettest.LocalPath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(path, 0o700); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(path) })
	return path
}
