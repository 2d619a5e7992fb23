package relay

import (
	"context"
	"net"
	"sync"
	"syscall"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"

	"github.com/streamgrid/relay-server/pkg/logger"
)

// BoundSocket is a UDP socket realized by the allocator.
type BoundSocket struct {
	Conn *net.UDPConn
	Port int

	// address of the bound interface, for reporting; empty when unrestricted
	InterfaceAddr string

	Multicast bool

	pc *ipv4.PacketConn
}

func (b *BoundSocket) Close() error {
	if b == nil || b.Conn == nil {
		return nil
	}
	return b.Conn.Close()
}

type BindOptions struct {
	// Port 0 draws from the allocator's rotating range.
	Port int

	// Multicast group address to join, if any.
	Multicast string

	// Interface name or address to restrict the socket to.
	Interface string

	// Quiet suppresses the bind-failure log for explicit ports.
	Quiet bool
}

// PortAllocator binds UDP sockets from a shared port range. The slider
// rotates monotonically and stays even-aligned so RTP/RTCP pairs land on
// adjacent ports.
type PortAllocator struct {
	logger *zap.SugaredLogger

	mu    sync.Mutex
	start int
	end   int
	next  int
}

func NewPortAllocator(start, end int) *PortAllocator {
	if start%2 != 0 {
		start++
	}
	return &PortAllocator{
		logger: logger.GetLogger("portallocator"),
		start:  start,
		end:    end,
		next:   start,
	}
}

// Bind realizes a UDP socket per the options. With an explicit port a bind
// failure is returned immediately; with port 0 the range is scanned once
// from the slider before giving up with ErrNoPortsAvailable.
func (a *PortAllocator) Bind(opts BindOptions) (*BoundSocket, error) {
	ifaceIP, ifaceAddr, err := resolveInterface(opts.Interface)
	if err != nil {
		return nil, err
	}

	if opts.Port != 0 {
		sock, err := a.bindOnce(opts.Port, ifaceIP, opts.Multicast)
		if err != nil {
			if !opts.Quiet {
				a.logger.Warnw("could not bind requested port", "port", opts.Port, "error", err)
			}
			return nil, errors.Wrapf(ErrPortInUse, "port %d: %v", opts.Port, err)
		}
		sock.InterfaceAddr = ifaceAddr
		return sock, nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	attempts := (a.end - a.start) / 2
	for i := 0; i <= attempts; i++ {
		port := a.next
		a.next += 2
		if a.next > a.end {
			a.next = a.start
		}

		sock, err := a.bindOnce(port, ifaceIP, opts.Multicast)
		if err != nil {
			continue
		}
		sock.InterfaceAddr = ifaceAddr
		return sock, nil
	}
	return nil, ErrNoPortsAvailable
}

func (a *PortAllocator) bindOnce(port int, ifaceIP net.IP, mcast string) (*BoundSocket, error) {
	if mcast != "" {
		return bindMulticast(port, ifaceIP, mcast)
	}

	laddr := &net.UDPAddr{IP: ifaceIP, Port: port}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, err
	}
	realized := conn.LocalAddr().(*net.UDPAddr).Port
	return &BoundSocket{Conn: conn, Port: realized}, nil
}

func bindMulticast(port int, ifaceIP net.IP, mcast string) (*BoundSocket, error) {
	group := net.ParseIP(mcast)
	if group == nil || !group.IsMulticast() {
		return nil, errors.Errorf("invalid multicast group %q", mcast)
	}

	// several mountpoints may share one multicast group, so the socket must
	// allow address reuse before binding
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var soErr error
			err := c.Control(func(fd uintptr) {
				soErr = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				if soErr == nil {
					// only deliver traffic for groups this socket joined,
					// not every group sharing the port
					soErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_MULTICAST_ALL, 0)
				}
			})
			if err != nil {
				return err
			}
			return soErr
		},
	}

	pconn, err := lc.ListenPacket(context.Background(), "udp4", (&net.UDPAddr{IP: net.IPv4zero, Port: port}).String())
	if err != nil {
		return nil, err
	}
	conn := pconn.(*net.UDPConn)

	var ifi *net.Interface
	if ifaceIP != nil {
		if ifi, err = interfaceByIP(ifaceIP); err != nil {
			conn.Close()
			return nil, err
		}
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.JoinGroup(ifi, &net.UDPAddr{IP: group}); err != nil {
		conn.Close()
		return nil, errors.Wrapf(err, "could not join group %s", mcast)
	}
	_ = pc.SetMulticastLoopback(false)

	realized := conn.LocalAddr().(*net.UDPAddr).Port
	return &BoundSocket{Conn: conn, Port: realized, Multicast: true, pc: pc}, nil
}

func resolveInterface(iface string) (net.IP, string, error) {
	if iface == "" {
		return nil, "", nil
	}

	if ip := net.ParseIP(iface); ip != nil {
		return ip, ip.String(), nil
	}

	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, "", errors.Wrapf(err, "unknown interface %q", iface)
	}
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, "", err
	}
	for _, addr := range addrs {
		if ipn, ok := addr.(*net.IPNet); ok && ipn.IP.To4() != nil {
			return ipn.IP, ipn.IP.String(), nil
		}
	}
	return nil, "", errors.Errorf("interface %q has no ipv4 address", iface)
}

func interfaceByIP(ip net.IP) (*net.Interface, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}
	for i := range ifaces {
		addrs, err := ifaces[i].Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			if ipn, ok := addr.(*net.IPNet); ok && ipn.IP.Equal(ip) {
				return &ifaces[i], nil
			}
		}
	}
	return nil, errors.Errorf("no interface with address %s", ip)
}
