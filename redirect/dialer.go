package redirect

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/netip"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/die-net/redirector/internal/sockaddr"
	"github.com/die-net/redirector/internal/sockapi"
)

// Dialer opens TCP connections through a socket table, so they are
// redirected while an engine is attached to it.
type Dialer struct {
	// Table carries the connect. Nil means the process's default table.
	Table *sockapi.Table
	// Timeout bounds name resolution plus connect. Zero means no bound
	// beyond the context.
	Timeout  time.Duration
	Resolver *net.Resolver
}

// DefaultDialTimeout matches the connect timeout of http.DefaultTransport.
const DefaultDialTimeout = 30 * time.Second

// RouteTransport makes t open its connections through d, or through a
// Dialer on the default table when d is nil.
func RouteTransport(t *http.Transport, d *Dialer) {
	if d == nil {
		d = &Dialer{Timeout: DefaultDialTimeout}
	}
	t.DialContext = d.DialContext
}

// RouteDefaultTransport applies RouteTransport to http.DefaultTransport. It
// reports false when that has been replaced by something other than an
// *http.Transport.
func RouteDefaultTransport() bool {
	t, ok := http.DefaultTransport.(*http.Transport)
	if ok {
		RouteTransport(t, nil)
	}
	return ok
}

func (d *Dialer) Dial(network, address string) (net.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

// DialContext connects to address, trying each resolved address in turn.
func (d *Dialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	switch network {
	case "tcp", "tcp4", "tcp6":
	default:
		return nil, fmt.Errorf("dial %s %s: %w", network, address, net.UnknownNetworkError(network))
	}

	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	addrs, err := d.resolve(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}

	var errs []error
	for _, ap := range addrs {
		c, err := d.dialAddr(ctx, ap)
		if err == nil {
			return c, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", ap, err))
	}
	return nil, fmt.Errorf("dial %s %s: %w", network, address, errors.Join(errs...))
}

func (d *Dialer) resolve(ctx context.Context, network, address string) ([]netip.AddrPort, error) {
	host, service, err := net.SplitHostPort(address)
	if err != nil {
		return nil, err
	}

	r := d.Resolver
	if r == nil {
		r = net.DefaultResolver
	}
	port, err := r.LookupPort(ctx, network, service)
	if err != nil {
		return nil, err
	}

	var ips []netip.Addr
	if ip, err := netip.ParseAddr(host); err == nil {
		ips = []netip.Addr{ip}
	} else {
		ipNetwork := "ip"
		switch network {
		case "tcp4":
			ipNetwork = "ip4"
		case "tcp6":
			ipNetwork = "ip6"
		}
		if ips, err = r.LookupNetIP(ctx, ipNetwork, host); err != nil {
			return nil, err
		}
	}

	var addrs []netip.AddrPort
	for _, ip := range ips {
		ip = ip.Unmap()
		if (network == "tcp4" && !ip.Is4()) || (network == "tcp6" && !ip.Is6()) {
			continue
		}
		addrs = append(addrs, netip.AddrPortFrom(ip, uint16(port)))
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("no %s address for %s", network, host)
	}
	return addrs, nil
}

func (d *Dialer) dialAddr(ctx context.Context, ap netip.AddrPort) (net.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	family := unix.AF_INET6
	if ap.Addr().Is4() {
		family = unix.AF_INET
	}
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("socket: %w", err)
	}

	table := d.Table
	if table == nil {
		table = sockapi.Default
	}

	deadline, _ := ctx.Deadline()
	stop := context.AfterFunc(ctx, func() {
		_ = unix.Shutdown(fd, unix.SHUT_RDWR)
	})
	err = table.ConnectDeadline.Get()(fd, sockaddr.FromAddrPort(ap).Sockaddr(), deadline)
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = unix.Close(fd)
		return nil, err
	}

	f := os.NewFile(uintptr(fd), "tcp:"+ap.String())
	defer f.Close()
	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap socket: %w", err)
	}
	return c, nil
}
