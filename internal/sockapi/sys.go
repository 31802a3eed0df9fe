package sockapi

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

func connect(fd int, sa unix.Sockaddr) error {
	err := unix.Connect(fd, sa)
	if errors.Is(err, unix.EINTR) {
		// The connection keeps going in the background; wait for it like a
		// blocking connect would have.
		return waitConnected(fd, time.Time{})
	}
	return err
}

func connectDeadline(fd int, sa unix.Sockaddr, deadline time.Time) error {
	err := unix.Connect(fd, sa)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EINPROGRESS), errors.Is(err, unix.EINTR), errors.Is(err, unix.EALREADY):
		return waitConnected(fd, deadline)
	default:
		return err
	}
}

// waitConnected polls fd for writability and returns the outcome of the
// pending connect. A zero deadline waits forever.
func waitConnected(fd int, deadline time.Time) error {
	for {
		timeout := -1
		if !deadline.IsZero() {
			d := time.Until(deadline)
			if d <= 0 {
				return unix.ETIMEDOUT
			}
			timeout = int(d/time.Millisecond) + 1
		}

		fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
		n, err := unix.Poll(fds, timeout)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil {
			return err
		}
		if n == 0 {
			continue
		}

		soErr, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
		if err != nil {
			return err
		}
		if soErr != 0 {
			return unix.Errno(soErr)
		}
		return nil
	}
}

func asyncSelect(fd, owner int) error {
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETOWN, owner); err != nil {
		return err
	}
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return err
	}
	_, err = unix.FcntlInt(uintptr(fd), unix.F_SETFL, flags|unix.O_ASYNC|unix.O_NONBLOCK)
	return err
}

// IsNonblocking reports whether O_NONBLOCK is set on fd.
func IsNonblocking(fd int) (bool, error) {
	flags, err := unix.FcntlInt(uintptr(fd), unix.F_GETFL, 0)
	if err != nil {
		return false, err
	}
	return flags&unix.O_NONBLOCK != 0, nil
}
