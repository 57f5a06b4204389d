//go:build linux

// Package conn 实现 TCP 连接状态机：非阻塞读写、帧编解码、请求分发与响应匹配。
// 除 Clear 和 Shutdown 外，Connection 的方法只能在所属 loop 线程中调用。
package conn

import (
	"errors"
	"sync/atomic"

	"github.com/legamerdc/tinyrpc/eventloop"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/netutil"
	"github.com/legamerdc/tinyrpc/internal/stats"
	"github.com/legamerdc/tinyrpc/poller"
	"github.com/legamerdc/tinyrpc/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

var ErrConnClosed = errors.New("conn: connection closed")

type State int32

const (
	NotConnected State = iota + 1
	Connected
	HalfClosing
	Closed
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NotConnected"
	case Connected:
		return "Connected"
	case HalfClosing:
		return "HalfClosing"
	case Closed:
		return "Closed"
	}
	return "Unknown"
}

type Role int

const (
	RoleServer Role = iota
	RoleClient
)

// Dispatcher 处理服务端收到的请求，把结果写进 rsp
type Dispatcher interface {
	Dispatch(req, rsp *protocol.Message, c *Connection)
}

type Options struct {
	Codec          *protocol.Codec
	InitBufferSize int
	MaxBufferSize  int // 发送缓冲的高水位，0 表示不限
	Dispatcher     Dispatcher
	Logger         logger.ILogger
}

type writeItem struct {
	msg  *protocol.Message
	done func(*protocol.Message, error)
}

type Connection struct {
	fd   int
	loop *eventloop.EventLoop
	ev   *poller.FdEvent
	role Role

	in  *Buffer
	out *Buffer

	codec      *protocol.Codec
	dispatcher Dispatcher
	log        logger.ILogger

	state atomic.Int32
	local *netutil.NetAddr
	peer  *netutil.NetAddr

	writeq  []writeItem
	flushed []writeItem // 已编码进 out、等待写完的批次
	readq   map[string]func(*protocol.Message)

	closeHook func(*Connection)
}

// New 创建连接。服务端连接直接处于 Connected，客户端连接等待 connect 完成。
func New(loop *eventloop.EventLoop, fd int, peer *netutil.NetAddr, role Role, opts Options) *Connection {
	if opts.Codec == nil {
		opts.Codec = protocol.NewCodec()
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("conn")
	}
	if opts.InitBufferSize <= 0 {
		opts.InitBufferSize = 128
	}
	c := &Connection{
		fd:         fd,
		loop:       loop,
		ev:         poller.NewFdEvent(fd),
		role:       role,
		in:         NewBuffer(opts.InitBufferSize),
		out:        NewBuffer(opts.InitBufferSize),
		codec:      opts.Codec,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger,
		peer:       peer,
		readq:      make(map[string]func(*protocol.Message)),
	}
	c.out.SetHighWater(opts.MaxBufferSize)
	if local, err := netutil.LocalAddr(fd); err == nil {
		c.local = local
	}
	if role == RoleServer {
		c.state.Store(int32(Connected))
	} else {
		c.state.Store(int32(NotConnected))
	}
	return c
}

func (c *Connection) Fd() int { return c.fd }

func (c *Connection) Loop() *eventloop.EventLoop { return c.loop }

func (c *Connection) FdEvent() *poller.FdEvent { return c.ev }

func (c *Connection) Role() Role { return c.role }

func (c *Connection) State() State { return State(c.state.Load()) }

// SetState 不允许离开 Closed
func (c *Connection) SetState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == Closed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *Connection) LocalAddr() *netutil.NetAddr { return c.local }

func (c *Connection) PeerAddr() *netutil.NetAddr { return c.peer }

func (c *Connection) SetLocalAddr(a *netutil.NetAddr) { c.local = a }

func (c *Connection) InBuffer() *Buffer { return c.in }

func (c *Connection) OutBuffer() *Buffer { return c.out }

// SetCloseHook 在连接进入 Closed 时调用一次
func (c *Connection) SetCloseHook(fn func(*Connection)) { c.closeHook = fn }

func (c *Connection) ListenRead() {
	c.ev.Listen(poller.In, c.OnRead)
	c.loop.AddEpollEvent(c.ev)
}

func (c *Connection) ListenWrite() {
	c.ev.Listen(poller.Out, c.OnWrite)
	c.loop.AddEpollEvent(c.ev)
}

// PushSendMessage 把消息加入待发批次，done 在整批写出后调用
func (c *Connection) PushSendMessage(msg *protocol.Message, done func(*protocol.Message, error)) {
	c.writeq = append(c.writeq, writeItem{msg: msg, done: done})
}

// PushReadMessage 登记按 MsgID 等待的响应回调
func (c *Connection) PushReadMessage(msgID string, fn func(*protocol.Message)) {
	c.readq[msgID] = fn
}

func (c *Connection) CancelRead(msgID string) {
	delete(c.readq, msgID)
}

// OnRead 读到 EAGAIN 为止，然后解码；对端关闭或读错误时清理连接
func (c *Connection) OnRead() {
	if st := c.State(); st != Connected && st != HalfClosing {
		c.log.Debugf("read on fd %d in state %s, ignored", c.fd, st)
		return
	}

	eof := false
	for {
		if c.in.Writable() == 0 {
			if c.in.ReadIndex() > 0 {
				c.in.AdjustBuffer()
			} else {
				c.in.ResizeBuffer(2 * c.in.Cap())
			}
		}
		n, err := unix.Read(c.fd, c.in.WritableSlice())
		if n > 0 {
			c.in.MoveWriteIndex(n)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil {
			c.log.Errorf("read fd %d from %s failed: %v", c.fd, c.peer, err)
		} else {
			c.log.Debugf("peer %s closed, fd %d", c.peer, c.fd)
		}
		eof = true
		break
	}

	// 对端关闭时不再处理已读到的数据
	if eof {
		c.Clear()
		return
	}
	c.execute()
}

func (c *Connection) execute() {
	msgs := c.codec.Decode(c.in)
	if len(msgs) == 0 {
		return
	}
	if c.role == RoleServer {
		for _, req := range msgs {
			rsp := req.Reply()
			if c.dispatcher != nil {
				c.dispatcher.Dispatch(req, rsp, c)
			}
			c.PushSendMessage(rsp, nil)
		}
		c.ListenWrite()
		return
	}
	for _, m := range msgs {
		fn, ok := c.readq[m.MsgID]
		if !ok {
			stats.UnmatchedResponses.Inc()
			c.log.Warningf("unmatched response msg_id=%q method=%s from %s", m.MsgID, m.MethodName, c.peer)
			continue
		}
		delete(c.readq, m.MsgID)
		fn(m)
	}
}

// OnWrite 编码待发批次并尽量写出，写完后取消写关注并回调
func (c *Connection) OnWrite() {
	if c.State() != Connected {
		c.log.Debugf("write on fd %d in state %s, ignored", c.fd, c.State())
		return
	}

	batch := c.writeq
	c.writeq = nil
	for _, it := range batch {
		err := c.codec.EncodeTo(c.out, it.msg)
		if err != nil && c.role == RoleServer {
			err = c.encodeFailure(it.msg, err)
		}
		if err != nil {
			if it.done != nil {
				it.done(it.msg, err)
			}
			continue
		}
		c.flushed = append(c.flushed, it)
	}

	for c.out.Readable() > 0 {
		n, err := unix.Write(c.fd, c.out.ReadableSlice())
		if n > 0 {
			c.out.MoveReadIndex(n)
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		c.log.Errorf("write fd %d to %s failed: %v", c.fd, c.peer, err)
		c.Clear()
		return
	}

	c.ev.Cancel(poller.Out)
	c.loop.AddEpollEvent(c.ev)

	done := c.flushed
	c.flushed = nil
	for _, it := range done {
		if it.done != nil {
			it.done(it.msg, nil)
		}
	}
}

// encodeFailure 用不带 payload 的 FAILED_ENCODE 响应替换无法编码的响应，
// 让对端尽快得到结果而不是等到超时
func (c *Connection) encodeFailure(rsp *protocol.Message, cause error) error {
	c.log.Errorf("encode response msg_id=%s for %s failed: %v", rsp.MsgID, c.peer, cause)
	rsp.ErrCode = protocol.CodeFailedEncode
	rsp.ErrInfo = "encode response failed"
	rsp.Payload = nil
	return c.codec.EncodeTo(c.out, rsp)
}

// Shutdown 半关闭连接，之后对端的 EOF 触发 Clear
func (c *Connection) Shutdown() {
	c.loop.RunInLoop(func() {
		st := c.State()
		if st == Closed || st == NotConnected {
			return
		}
		c.SetState(HalfClosing)
		if err := unix.Shutdown(c.fd, unix.SHUT_RDWR); err != nil {
			c.log.Warningf("shutdown fd %d failed: %v", c.fd, err)
		}
	})
}

// Clear 注销事件并关闭 fd，连接进入终态 Closed
func (c *Connection) Clear() {
	c.loop.RunInLoop(func() {
		if State(c.state.Swap(int32(Closed))) == Closed {
			return
		}
		c.ev.Cancel(poller.In | poller.Out)
		c.loop.DelEpollEvent(c.ev)
		if err := unix.Close(c.fd); err != nil {
			c.log.Warningf("close fd %d failed: %v", c.fd, err)
		}
		stats.ConnClosed.Inc()
		c.log.Debugf("connection fd %d to %s closed", c.fd, c.peer)

		pending := append(c.flushed, c.writeq...)
		c.flushed, c.writeq = nil, nil
		c.readq = make(map[string]func(*protocol.Message))
		for _, it := range pending {
			if it.done != nil {
				it.done(it.msg, ErrConnClosed)
			}
		}
		if c.closeHook != nil {
			c.closeHook(c)
		}
	})
}
