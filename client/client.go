//go:build linux

// Package client 实现运行在 EventLoop 上的异步 TCP 客户端
package client

import (
	"errors"
	"fmt"
	"sync"

	"github.com/legamerdc/tinyrpc/conn"
	"github.com/legamerdc/tinyrpc/eventloop"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/netutil"
	"github.com/legamerdc/tinyrpc/poller"
	"github.com/legamerdc/tinyrpc/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var ErrNoLoop = errors.New("client: no event loop for this thread")

type Options struct {
	Loop           *eventloop.EventLoop // 为空时使用当前线程的 loop
	Codec          *protocol.Codec
	InitBufferSize int
	MaxBufferSize  int
	Logger         logger.ILogger
}

type Client struct {
	peer *netutil.NetAddr
	loop *eventloop.EventLoop
	fd   int
	conn *conn.Connection
	log  logger.ILogger

	mu      sync.Mutex
	errCode int32
	errInfo string
}

func New(peer *netutil.NetAddr, opts Options) (*Client, error) {
	if opts.Logger == nil {
		opts.Logger = logging.Default("client")
	}
	loop := opts.Loop
	if loop == nil {
		loop = eventloop.Current()
	}
	if loop == nil {
		return nil, ErrNoLoop
	}
	if !peer.Valid() {
		return nil, fmt.Errorf("client: invalid peer address %s", peer)
	}
	fd, err := netutil.NewTCPSocket(peer.Family())
	if err != nil {
		return nil, fmt.Errorf("client: socket: %w", err)
	}
	_ = netutil.SetNoDelay(fd, true)
	c := &Client{
		peer: peer,
		loop: loop,
		fd:   fd,
		log:  opts.Logger,
	}
	c.conn = conn.New(loop, fd, peer, conn.RoleClient, conn.Options{
		Codec:          opts.Codec,
		InitBufferSize: opts.InitBufferSize,
		MaxBufferSize:  opts.MaxBufferSize,
		Logger:         opts.Logger,
	})
	return c, nil
}

func (c *Client) Connection() *conn.Connection { return c.conn }

func (c *Client) Loop() *eventloop.EventLoop { return c.loop }

func (c *Client) PeerAddr() *netutil.NetAddr { return c.peer }

func (c *Client) LocalAddr() *netutil.NetAddr { return c.conn.LocalAddr() }

// ConnectErrCode 为 0 表示连接成功或尚未失败
func (c *Client) ConnectErrCode() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode
}

func (c *Client) ConnectErrInfo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errInfo
}

func (c *Client) setConnectErr(code int32, info string) {
	c.mu.Lock()
	c.errCode, c.errInfo = code, info
	c.mu.Unlock()
}

// Connect 发起非阻塞连接，成功或失败都会调用 done，结果通过 ConnectErrCode 读取。
// 在 loop 所属线程调用且 loop 未运行时，Connect 会进入 Loop 直到 loop 被停止。
func (c *Client) Connect(done func()) {
	if !c.loop.IsInLoopThread() {
		c.loop.AddTask(func() { c.connect(done) }, true)
		return
	}
	c.connect(done)
	if !c.loop.IsLooping() && !c.loop.Stopped() {
		if err := c.loop.Loop(); err != nil {
			c.log.Errorf("enter loop from connect failed: %v", err)
		}
	}
}

func (c *Client) connect(done func()) {
	finish := func() {
		if done != nil {
			done()
		}
	}

	err := unix.Connect(c.fd, c.peer.Sockaddr())
	switch err {
	case nil:
		c.onConnected()
		finish()
	case unix.EINPROGRESS, unix.EINTR:
		ev := c.conn.FdEvent()
		ev.Listen(poller.Out, func() {
			ev.Cancel(poller.Out)
			c.loop.AddEpollEvent(ev)
			if serr := netutil.SocketError(c.fd); serr != nil {
				c.fail(serr)
			} else {
				c.onConnected()
			}
			finish()
		})
		c.loop.AddEpollEvent(ev)
	default:
		c.fail(err)
		finish()
	}
}

func (c *Client) onConnected() {
	c.conn.SetState(conn.Connected)
	if local, err := netutil.LocalAddr(c.fd); err == nil {
		c.conn.SetLocalAddr(local)
	}
	c.log.Debugf("connect %s success, local %s", c.peer, c.conn.LocalAddr())
}

func (c *Client) fail(err error) {
	info := fmt.Sprintf("connect error, peer[%s], sys error[%v]", c.peer, err)
	c.setConnectErr(protocol.CodeFailedConnect, info)
	c.log.Errorf("%s", info)
}

// WriteMessage 把消息放入发送队列，写出后调用 done
func (c *Client) WriteMessage(msg *protocol.Message, done func(*protocol.Message, error)) {
	c.loop.RunInLoop(func() {
		c.conn.PushSendMessage(msg, done)
		c.conn.ListenWrite()
	})
}

// ReadMessage 等待 MsgID 匹配的响应
func (c *Client) ReadMessage(msgID string, done func(*protocol.Message)) {
	c.loop.RunInLoop(func() {
		c.conn.PushReadMessage(msgID, done)
		c.conn.ListenRead()
	})
}

// Close 关闭连接，可在任意线程调用
func (c *Client) Close() {
	c.conn.Clear()
}

// Stop 停止客户端所在的 loop，用于 Connect 进入 Loop 的场景
func (c *Client) Stop() {
	c.loop.Stop()
}
