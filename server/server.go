//go:build linux

// Package server 实现主从 reactor 的 TCP 服务端：主 loop 接受连接，
// 按轮询分配到 IO 线程，由各自的 loop 负责读写与分发。
package server

import (
	"fmt"
	"sync/atomic"

	"github.com/legamerdc/tinyrpc/conn"
	"github.com/legamerdc/tinyrpc/eventloop"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/netutil"
	"github.com/legamerdc/tinyrpc/internal/stats"
	"github.com/legamerdc/tinyrpc/poller"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

type Server struct {
	cfg        Config
	dispatcher conn.Dispatcher
	log        logger.ILogger

	main     *eventloop.EventLoop
	acceptor *Acceptor
	listenEv *poller.FdEvent
	group    *eventloop.IOThreadGroup

	conns  *xsync.MapOf[uint64, *conn.Connection]
	nextID atomic.Uint64
}

// New 在调用方 goroutine 所在线程上创建主 loop，Start 必须由同一个 goroutine 调用
func New(cfg Config, d conn.Dispatcher) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.Default("server")
	}
	if cfg.IOThreads <= 0 {
		cfg.IOThreads = 1
	}
	addr, err := netutil.ParseAddr(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("server: parse address %q: %w", cfg.Addr, err)
	}

	loopOpts := eventloop.Options{Logger: cfg.Logger, MaxWait: cfg.MaxWait}
	main, err := eventloop.New(loopOpts)
	if err != nil {
		return nil, fmt.Errorf("server: main loop: %w", err)
	}
	acceptor, err := NewAcceptor(addr, cfg.Backlog, cfg.ReusePort)
	if err != nil {
		main.Close()
		return nil, err
	}
	group, err := eventloop.NewIOThreadGroup(cfg.IOThreads, loopOpts)
	if err != nil {
		acceptor.Close()
		main.Close()
		return nil, fmt.Errorf("server: io threads: %w", err)
	}

	s := &Server{
		cfg:        cfg,
		dispatcher: d,
		log:        cfg.Logger,
		main:       main,
		acceptor:   acceptor,
		group:      group,
		conns:      xsync.NewMapOf[uint64, *conn.Connection](),
	}
	s.listenEv = poller.NewFdEvent(acceptor.Fd())
	s.listenEv.Listen(poller.In, s.onAccept)
	main.AddEpollEvent(s.listenEv)
	return s, nil
}

func (s *Server) Addr() *netutil.NetAddr { return s.acceptor.Addr() }

func (s *Server) ConnCount() int { return s.conns.Size() }

// Start 启动 IO 线程并阻塞在主 loop 中，Stop 之后释放全部资源并返回
func (s *Server) Start() error {
	s.group.Start()
	s.log.Infof("tinyrpc server listening on %s with %d io threads", s.Addr(), s.group.Size())
	err := s.main.Loop()

	s.main.DelEpollEvent(s.listenEv)
	s.acceptor.Close()
	s.conns.Range(func(_ uint64, c *conn.Connection) bool {
		c.Clear()
		return true
	})
	s.group.Stop()
	s.group.Join()
	s.main.Close()
	s.log.Infof("tinyrpc server on %s stopped", s.Addr())
	return err
}

// Stop 可在任意线程调用
func (s *Server) Stop() {
	s.main.Stop()
}

func (s *Server) onAccept() {
	fd, peer, err := s.acceptor.Accept()
	if err != nil {
		if err != unix.EAGAIN && err != unix.EINTR {
			s.log.Errorf("accept on %s failed: %v", s.Addr(), err)
		}
		return
	}
	stats.ConnAccepted.Inc()
	s.tuneSocket(fd)

	th := s.group.Next()
	c := conn.New(th.Loop(), fd, peer, conn.RoleServer, conn.Options{
		Codec:          s.cfg.Codec,
		InitBufferSize: s.cfg.InitBufferSize,
		MaxBufferSize:  s.cfg.MaxBufferSize,
		Dispatcher:     s.dispatcher,
		Logger:         s.log,
	})
	id := s.nextID.Add(1)
	s.conns.Store(id, c)
	c.SetCloseHook(func(*conn.Connection) { s.conns.Delete(id) })
	th.Loop().RunInLoop(c.ListenRead)
	s.log.Debugf("accepted %s as fd %d on io thread %d", peer, fd, th.Loop().Tid())
}

func (s *Server) tuneSocket(fd int) {
	if err := netutil.SetNoDelay(fd, true); err != nil {
		s.log.Warningf("set TCP_NODELAY on fd %d: %v", fd, err)
	}
	if n := s.cfg.SockRecvBuf; n > 0 {
		if err := netutil.SetRecvBuf(fd, n); err != nil {
			s.log.Warningf("set SO_RCVBUF=%d on fd %d: %v", n, fd, err)
		}
	}
	if n := s.cfg.SockSendBuf; n > 0 {
		if err := netutil.SetSendBuf(fd, n); err != nil {
			s.log.Warningf("set SO_SNDBUF=%d on fd %d: %v", n, fd, err)
		}
	}
}
