//go:build linux

package server

import (
	"fmt"

	"github.com/legamerdc/tinyrpc/internal/netutil"
	"golang.org/x/sys/unix"
)

// Acceptor 是非阻塞的监听 socket，每次可读只 accept 一个连接
type Acceptor struct {
	fd   int
	addr *netutil.NetAddr
}

func NewAcceptor(addr *netutil.NetAddr, backlog int, reusePort bool) (*Acceptor, error) {
	if !addr.Valid() {
		return nil, fmt.Errorf("acceptor: invalid listen address %s", addr)
	}
	fd, err := netutil.NewTCPSocket(addr.Family())
	if err != nil {
		return nil, fmt.Errorf("acceptor: socket: %w", err)
	}
	if err := netutil.SetReuseAddr(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: setsockopt SO_REUSEADDR: %w", err)
	}
	if reusePort {
		if err := netutil.SetReusePort(fd, true); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("acceptor: setsockopt SO_REUSEPORT: %w", err)
		}
	}
	if err := unix.Bind(fd, addr.Sockaddr()); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: bind %s: %w", addr, err)
	}
	if backlog <= 0 {
		backlog = unix.SOMAXCONN
	}
	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("acceptor: listen %s: %w", addr, err)
	}
	bound, err := netutil.LocalAddr(fd)
	if err != nil || bound == nil {
		bound = addr
	}
	return &Acceptor{fd: fd, addr: bound}, nil
}

func (a *Acceptor) Fd() int { return a.fd }

// Addr 返回实际绑定的地址，端口 0 时为内核分配的端口
func (a *Acceptor) Addr() *netutil.NetAddr { return a.addr }

// Accept 返回非阻塞、CLOEXEC 的连接 fd；没有待接受连接时返回 EAGAIN
func (a *Acceptor) Accept() (int, *netutil.NetAddr, error) {
	fd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, nil, err
	}
	return fd, netutil.FromSockaddr(sa), nil
}

func (a *Acceptor) Close() error { return unix.Close(a.fd) }
