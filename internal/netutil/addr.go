//go:build linux || darwin

package netutil

import (
	"errors"
	"net"
	"strconv"

	"golang.org/x/sys/unix"
)

var ErrInvalidAddr = errors.New("netutil: invalid address")

// NetAddr 是 IPv4/IPv6 的 TCP 地址，向 socket 调用提供 sockaddr 视图
type NetAddr struct {
	ip   net.IP
	port int
}

// ParseAddr 解析 "host:port"，host 为空时等价于 0.0.0.0
func ParseAddr(s string) (*NetAddr, error) {
	addr, err := net.ResolveTCPAddr("tcp", s)
	if err != nil {
		return nil, err
	}
	a := &NetAddr{ip: addr.IP, port: addr.Port}
	if a.ip == nil {
		a.ip = net.IPv4zero
	}
	if !a.Valid() {
		return nil, ErrInvalidAddr
	}
	return a, nil
}

// NewAddr 由 ip 与端口直接构造
func NewAddr(ip net.IP, port int) *NetAddr {
	return &NetAddr{ip: ip, port: port}
}

// FromSockaddr 将内核返回的 sockaddr 转为 NetAddr；不支持的族返回 nil
func FromSockaddr(sa unix.Sockaddr) *NetAddr {
	switch v := sa.(type) {
	case *unix.SockaddrInet4:
		ip := make(net.IP, net.IPv4len)
		copy(ip, v.Addr[:])
		return &NetAddr{ip: ip, port: v.Port}
	case *unix.SockaddrInet6:
		ip := make(net.IP, net.IPv6len)
		copy(ip, v.Addr[:])
		return &NetAddr{ip: ip, port: v.Port}
	}
	return nil
}

func (a *NetAddr) Family() int {
	if a.ip.To4() != nil {
		return unix.AF_INET
	}
	return unix.AF_INET6
}

func (a *NetAddr) Port() int { return a.port }

func (a *NetAddr) IP() net.IP { return a.ip }

func (a *NetAddr) Sockaddr() unix.Sockaddr {
	if ip4 := a.ip.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: a.port}
		copy(sa.Addr[:], ip4)
		return sa
	}
	sa := &unix.SockaddrInet6{Port: a.port}
	copy(sa.Addr[:], a.ip.To16())
	return sa
}

func (a *NetAddr) String() string {
	if a == nil {
		return "<nil>"
	}
	return net.JoinHostPort(a.ip.String(), strconv.Itoa(a.port))
}

// Valid 校验 ip 非空且端口在合法范围内
func (a *NetAddr) Valid() bool {
	if a == nil || a.ip == nil {
		return false
	}
	if a.ip.To4() == nil && a.ip.To16() == nil {
		return false
	}
	return a.port >= 0 && a.port <= 65535
}
