//go:build linux

package poller

import (
	"golang.org/x/sys/unix"
)

// epollPoller 使用水平触发，写事件只在有待发数据时关注
type epollPoller struct {
	efd    int
	wfd    int // eventfd for wakeup
	fds    map[int]*FdEvent
	events []unix.EpollEvent
	closed bool
}

func New(maxEvents int) (Poller, error) {
	if maxEvents <= 0 {
		maxEvents = 1024
	}
	efd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, err
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(efd)
		return nil, err
	}
	ev := &unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wfd)}
	if err := unix.EpollCtl(efd, unix.EPOLL_CTL_ADD, wfd, ev); err != nil {
		unix.Close(wfd)
		unix.Close(efd)
		return nil, err
	}
	return &epollPoller{
		efd:    efd,
		wfd:    wfd,
		fds:    make(map[int]*FdEvent),
		events: make([]unix.EpollEvent, maxEvents),
	}, nil
}

func toEpoll(interest Event) uint32 {
	var flag uint32
	if interest&In != 0 {
		flag |= unix.EPOLLIN
	}
	if interest&Out != 0 {
		flag |= unix.EPOLLOUT
	}
	return flag
}

func (p *epollPoller) Register(e *FdEvent) error {
	if p.closed {
		return ErrClosed
	}
	op := unix.EPOLL_CTL_ADD
	if _, ok := p.fds[e.fd]; ok {
		op = unix.EPOLL_CTL_MOD
	}
	ev := &unix.EpollEvent{Events: toEpoll(e.interest), Fd: int32(e.fd)}
	if err := unix.EpollCtl(p.efd, op, e.fd, ev); err != nil {
		return err
	}
	p.fds[e.fd] = e
	return nil
}

// Unregister 对未注册的 fd 是空操作
func (p *epollPoller) Unregister(e *FdEvent) error {
	if _, ok := p.fds[e.fd]; !ok {
		return nil
	}
	delete(p.fds, e.fd)
	if p.closed {
		return nil
	}
	err := unix.EpollCtl(p.efd, unix.EPOLL_CTL_DEL, e.fd, nil)
	if err == unix.EBADF || err == unix.ENOENT {
		return nil
	}
	return err
}

func (p *epollPoller) Registered(fd int) bool {
	_, ok := p.fds[fd]
	return ok
}

func (p *epollPoller) Wake() error {
	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(p.wfd, buf[:])
	if err == unix.EAGAIN {
		return nil
	}
	return err
}

func (p *epollPoller) drainWake() {
	var buf [8]byte
	for {
		if _, err := unix.Read(p.wfd, buf[:]); err != nil {
			return
		}
	}
}

func (p *epollPoller) Wait(timeoutMs int, fn func(ev *FdEvent, ready Event)) (int, error) {
	if p.closed {
		return 0, ErrClosed
	}
	n, err := unix.EpollWait(p.efd, p.events, timeoutMs)
	if err != nil {
		return 0, err
	}
	delivered := 0
	for i := 0; i < n; i++ {
		raw := p.events[i]
		fd := int(raw.Fd)
		if fd == p.wfd {
			p.drainWake()
			continue
		}
		e, ok := p.fds[fd]
		if !ok {
			continue
		}
		var ready Event
		if raw.Events&unix.EPOLLIN != 0 {
			ready |= In
		}
		if raw.Events&unix.EPOLLOUT != 0 {
			ready |= Out
		}
		// 错误/挂断交给已关注方向的回调，由读写路径发现具体错误
		if raw.Events&(unix.EPOLLERR|unix.EPOLLHUP|unix.EPOLLRDHUP) != 0 {
			ready |= e.interest
		}
		ready &= e.interest
		if ready == 0 {
			continue
		}
		fn(e, ready)
		delivered++
	}
	return delivered, nil
}

func (p *epollPoller) Close() error {
	if p.closed {
		return nil
	}
	p.closed = true
	p.fds = nil
	unix.Close(p.wfd)
	return unix.Close(p.efd)
}
