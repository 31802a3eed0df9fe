package testutil

import (
	"io"

	"golang.org/x/sys/unix"
)

// FD adapts a raw socket descriptor to io.Reader and io.Writer without
// taking ownership of it.
type FD int

func (f FD) Read(p []byte) (int, error) {
	n, err := unix.Read(int(f), p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

func (f FD) Write(p []byte) (int, error) {
	n, err := unix.Write(int(f), p)
	if err != nil {
		return 0, err
	}
	return n, nil
}
