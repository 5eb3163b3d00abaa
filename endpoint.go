package tftpd

import (
	"errors"
	"fmt"
	"net"

	"github.com/higebu/netfd"
	"golang.org/x/sys/unix"
)

// ErrWouldBlock is returned by Endpoint.Recv/Send instead of a network
// error when the non-blocking socket has no data ready (read) or its
// send buffer is full (write), so callers can tell it apart from a
// hard error.
var ErrWouldBlock = errors.New("tftpd: operation would block")

// Endpoint is the minimal UDP facade this server needs: bind,
// sendto, recvfrom, close, non-blocking, datagram-boundary-preserving.
// It is deliberately not an io.ReadWriter — TFTP never treats the
// socket as a byte stream.
type Endpoint struct {
	conn *net.UDPConn
	fd   int
}

// NewEndpoint binds a fresh UDP4 socket. Passing ":0" yields an
// ephemeral port, which is how the dispatcher mints a new TID per
// transfer.
func NewEndpoint(bindAddr string) (*Endpoint, error) {
	laddr, err := net.ResolveUDPAddr("udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("tftpd: resolve %q: %w", bindAddr, err)
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("tftpd: listen %q: %w", bindAddr, err)
	}
	fd := netfd.GetFdFromConn(conn)
	if fd < 0 {
		conn.Close()
		return nil, fmt.Errorf("tftpd: could not extract fd from %q", bindAddr)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tftpd: set nonblocking: %w", err)
	}
	return &Endpoint{conn: conn, fd: fd}, nil
}

// Fd is the raw descriptor, for registration with a Multiplexer.
func (e *Endpoint) Fd() int { return e.fd }

// LocalAddr is this endpoint's own TID.
func (e *Endpoint) LocalAddr() *net.UDPAddr {
	return e.conn.LocalAddr().(*net.UDPAddr)
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}

// Send writes one datagram to peer. Returns ErrWouldBlock if the
// socket's send buffer is currently full.
func (e *Endpoint) Send(b []byte, peer *net.UDPAddr) error {
	sa, err := toSockaddr(peer)
	if err != nil {
		return err
	}
	err = unix.Sendto(e.fd, b, 0, sa)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return ErrWouldBlock
	}
	return err
}

// Recv reads one datagram. Returns ErrWouldBlock if none is queued.
func (e *Endpoint) Recv(maxLen int) (b []byte, from *net.UDPAddr, err error) {
	buf := make([]byte, maxLen)
	n, sa, err := unix.Recvfrom(e.fd, buf, 0)
	if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
		return nil, nil, ErrWouldBlock
	}
	if err != nil {
		return nil, nil, err
	}
	from, err = fromSockaddr(sa)
	if err != nil {
		return nil, nil, err
	}
	return buf[:n], from, nil
}

func toSockaddr(addr *net.UDPAddr) (unix.Sockaddr, error) {
	ip4 := addr.IP.To4()
	if ip4 == nil {
		return nil, fmt.Errorf("tftpd: %s is not an IPv4 address", addr.IP)
	}
	sa := &unix.SockaddrInet4{Port: addr.Port}
	copy(sa.Addr[:], ip4)
	return sa, nil
}

func fromSockaddr(sa unix.Sockaddr) (*net.UDPAddr, error) {
	sa4, ok := sa.(*unix.SockaddrInet4)
	if !ok {
		return nil, fmt.Errorf("tftpd: unsupported sockaddr type %T", sa)
	}
	ip := make(net.IP, 4)
	copy(ip, sa4.Addr[:])
	return &net.UDPAddr{IP: ip, Port: sa4.Port}, nil
}
