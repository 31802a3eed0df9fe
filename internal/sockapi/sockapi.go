// Package sockapi is the process's table of outbound socket operations.
//
// Code that opens connections calls through a Table rather than the raw
// system calls, which lets the interception engine hook each operation. The
// operations are:
//
//   - Connect: connect(2), with the socket's own blocking semantics.
//   - ConnectDeadline: connect and wait for completion until a deadline, even
//     on a non-blocking socket.
//   - SetNonblock: toggle O_NONBLOCK.
//   - EventSelect: register the socket with an epoll instance, which makes it
//     non-blocking.
//   - AsyncSelect: enable signal-driven I/O (O_ASYNC) delivered to an owner
//     process, which makes the socket non-blocking.
package sockapi

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/die-net/redirector/internal/hook"
)

type (
	ConnectFunc         func(fd int, sa unix.Sockaddr) error
	ConnectDeadlineFunc func(fd int, sa unix.Sockaddr, deadline time.Time) error
	SetNonblockFunc     func(fd int, nonblocking bool) error
	EventSelectFunc     func(epfd, fd int, events uint32) error
	AsyncSelectFunc     func(fd, owner int) error
)

// Ops is a set of implementations for the five operations.
type Ops struct {
	Connect         ConnectFunc
	ConnectDeadline ConnectDeadlineFunc
	SetNonblock     SetNonblockFunc
	EventSelect     EventSelectFunc
	AsyncSelect     AsyncSelectFunc
}

// Table routes each operation through a hookable slot.
type Table struct {
	Connect         *hook.Slot[ConnectFunc]
	ConnectDeadline *hook.Slot[ConnectDeadlineFunc]
	SetNonblock     *hook.Slot[SetNonblockFunc]
	EventSelect     *hook.Slot[EventSelectFunc]
	AsyncSelect     *hook.Slot[AsyncSelectFunc]
}

// NewTable returns a table whose slots start at ops.
func NewTable(ops Ops) *Table {
	return &Table{
		Connect:         hook.NewSlot("connect", ops.Connect),
		ConnectDeadline: hook.NewSlot("connect_deadline", ops.ConnectDeadline),
		SetNonblock:     hook.NewSlot("set_nonblock", ops.SetNonblock),
		EventSelect:     hook.NewSlot("event_select", ops.EventSelect),
		AsyncSelect:     hook.NewSlot("async_select", ops.AsyncSelect),
	}
}

// Default is the table used by this process's own dialers.
var Default = NewTable(System())

// System returns the operating system implementations.
func System() Ops {
	return Ops{
		Connect:         connect,
		ConnectDeadline: connectDeadline,
		SetNonblock:     unix.SetNonblock,
		EventSelect:     eventSelect,
		AsyncSelect:     asyncSelect,
	}
}
