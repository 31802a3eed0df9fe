//go:build !linux

package sockapi

import "golang.org/x/sys/unix"

func eventSelect(epfd, fd int, events uint32) error {
	return unix.ENOTSUP
}
