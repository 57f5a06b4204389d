//go:build linux

package rpc

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/legamerdc/tinyrpc/client"
	"github.com/legamerdc/tinyrpc/conn"
	"github.com/legamerdc/tinyrpc/eventloop"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/netutil"
	"github.com/legamerdc/tinyrpc/internal/stats"
	"github.com/legamerdc/tinyrpc/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"google.golang.org/protobuf/proto"
)

type ChannelOptions struct {
	// Loop 为空时 Channel 自己启动一个 IO 线程
	Loop           *eventloop.EventLoop
	Timeout        time.Duration // Controller 未设置超时时使用
	Codec          *protocol.Codec
	Serializer     Serializer
	InitBufferSize int
	MaxBufferSize  int
	Logger         logger.ILogger
	// OnClose 在 Close 结束时调用，用于释放与 Channel 同生命周期的资源
	OnClose func()
}

// call 是一次进行中的调用，按 MsgID 存放，响应、断连、超时三者只有一个能结束它
type call struct {
	ctl      *Controller
	method   string
	rsp      proto.Message
	done     func()
	cli      *client.Client
	timer    *eventloop.TimerEvent
	finished atomic.Bool
}

// Channel 面向一个服务端地址发起调用，每次调用使用独立的 TCP 连接
type Channel struct {
	addr   *netutil.NetAddr
	opts   ChannelOptions
	loop   *eventloop.EventLoop
	thread *eventloop.IOThread
	log    logger.ILogger

	calls  *xsync.MapOf[string, *call]
	closed atomic.Bool
}

func NewChannel(addr string, opts ChannelOptions) (*Channel, error) {
	peer, err := netutil.ParseAddr(addr)
	if err != nil {
		return nil, NewError(protocol.CodeRPCPeerAddr, fmt.Sprintf("invalid peer address %q: %v", addr, err))
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("channel")
	}
	if opts.Serializer == nil {
		opts.Serializer = ProtoSerializer{}
	}
	ch := &Channel{
		addr:  peer,
		opts:  opts,
		loop:  opts.Loop,
		log:   opts.Logger,
		calls: xsync.NewMapOf[string, *call](),
	}
	if ch.loop == nil {
		th, err := eventloop.NewIOThread(eventloop.Options{Logger: opts.Logger})
		if err != nil {
			return nil, NewError(protocol.CodeRPCChannelInit, fmt.Sprintf("start io thread: %v", err))
		}
		th.Start()
		ch.thread = th
		ch.loop = th.Loop()
	}
	return ch, nil
}

func (ch *Channel) Addr() *netutil.NetAddr { return ch.addr }

func (ch *Channel) Loop() *eventloop.EventLoop { return ch.loop }

// Pending 返回进行中的调用数
func (ch *Channel) Pending() int { return ch.calls.Size() }

// CallMethod 异步调用 method（"Service.Method"）。无论成功失败 done 都只会被调用一次，
// 且在 ctl 的结果字段与 rsp 填充之后调用。
func (ch *Channel) CallMethod(ctl *Controller, method string, req, rsp proto.Message, done func()) {
	fail := func(code int32, info string) {
		ch.log.Errorf("call %s msg_id=%s failed: %s", method, ctl.MsgID(), info)
		ctl.SetError(code, info)
		ctl.SetFinished(true)
		if done != nil {
			done()
		}
	}
	if ch.closed.Load() {
		fail(protocol.CodeRPCChannelInit, "channel closed")
		return
	}
	if ctl.IsCanceled() {
		fail(protocol.CodeRPCCallTimeout, "call canceled before start")
		return
	}
	if ctl.MsgID() == "" {
		ctl.SetMsgID(protocol.NewMsgID())
	}
	msgID := ctl.MsgID()
	ctl.SetPeerAddr(ch.addr)

	payload, err := ch.opts.Serializer.Marshal(req)
	if err != nil {
		fail(protocol.CodeFailedSerialize, fmt.Sprintf("serialize request error: %v", err))
		return
	}
	cli, err := client.New(ch.addr, client.Options{
		Loop:           ch.loop,
		Codec:          ch.opts.Codec,
		InitBufferSize: ch.opts.InitBufferSize,
		MaxBufferSize:  ch.opts.MaxBufferSize,
		Logger:         ch.log,
	})
	if err != nil {
		fail(protocol.CodeFailedConnect, err.Error())
		return
	}

	c := &call{ctl: ctl, method: method, rsp: rsp, done: done, cli: cli}
	if _, loaded := ch.calls.LoadOrStore(msgID, c); loaded {
		cli.Close()
		fail(protocol.CodeFailedEncode, fmt.Sprintf("msg_id %s already in flight", msgID))
		return
	}

	timeout := ctl.Timeout()
	if timeout <= 0 {
		timeout = ch.opts.Timeout
	}
	if timeout > 0 {
		c.timer = eventloop.NewTimerEvent(timeout, false, func() {
			ch.finish(c, protocol.CodeRPCCallTimeout, fmt.Sprintf("rpc call timeout after %s", timeout))
		})
		ch.loop.AddTimerEvent(c.timer)
	}
	cli.Connection().SetCloseHook(func(*conn.Connection) {
		ch.finish(c, protocol.CodePeerClosed, fmt.Sprintf("peer %s closed", ch.addr))
	})

	msg := &protocol.Message{MsgID: msgID, MethodName: method, Payload: payload}
	cli.Connect(func() {
		if code := cli.ConnectErrCode(); code != 0 {
			ch.finish(c, code, cli.ConnectErrInfo())
			return
		}
		ctl.SetLocalAddr(cli.LocalAddr())
		cli.ReadMessage(msgID, func(m *protocol.Message) { ch.onResponse(c, m) })
		cli.WriteMessage(msg, func(_ *protocol.Message, err error) {
			if err != nil {
				ch.finish(c, protocol.CodeFailedEncode, fmt.Sprintf("write request error: %v", err))
				return
			}
			ch.log.Debugf("request sent, msg_id=%s method=%s", msgID, method)
		})
	})
}

func (ch *Channel) onResponse(c *call, m *protocol.Message) {
	switch {
	case !m.ParseOK:
		ch.finish(c, protocol.CodeFailedDecode, "failed to decode response frame")
	case m.ErrCode != protocol.CodeOK:
		ch.finish(c, m.ErrCode, m.ErrInfo)
	default:
		if err := ch.opts.Serializer.Unmarshal(m.Payload, c.rsp); err != nil {
			ch.finish(c, protocol.CodeFailedDeserialize, fmt.Sprintf("deserialize response error: %v", err))
			return
		}
		ch.finish(c, protocol.CodeOK, "")
	}
}

// finish 只生效一次：移出 arena、撤销定时器、关闭连接，最后调用 done
func (ch *Channel) finish(c *call, code int32, info string) {
	if !c.finished.CompareAndSwap(false, true) {
		return
	}
	msgID := c.ctl.MsgID()
	ch.calls.Delete(msgID)
	if c.timer != nil {
		ch.loop.DeleteTimerEvent(c.timer)
	}
	if code != protocol.CodeOK {
		c.ctl.SetError(code, info)
		if code == protocol.CodeRPCCallTimeout {
			stats.CallTimeouts.Inc()
		}
		ch.log.Warningf("call %s msg_id=%s finished with code %d: %s", c.method, msgID, code, info)
	}
	c.ctl.SetFinished(true)
	stats.CallsCompleted.Inc()
	c.cli.Connection().CancelRead(msgID)
	c.cli.Close()
	if c.done != nil {
		c.done()
	}
}

// Cancel 以超时错误结束一个进行中的调用
func (ch *Channel) Cancel(msgID string, reason string) {
	c, ok := ch.calls.Load(msgID)
	if !ok {
		return
	}
	c.ctl.StartCancel()
	ch.loop.RunInLoop(func() {
		ch.finish(c, protocol.CodeRPCCallTimeout, reason)
	})
}

// Call 是 CallMethod 的阻塞封装，ctx 的截止时间作为调用超时
func (ch *Channel) Call(ctx context.Context, method string, req, rsp proto.Message) error {
	ctl := NewController()
	if dl, ok := ctx.Deadline(); ok {
		d := time.Until(dl)
		if d <= 0 {
			return NewError(protocol.CodeRPCCallTimeout, ctx.Err().Error())
		}
		ctl.SetTimeout(d)
	}
	done := make(chan struct{})
	ch.CallMethod(ctl, method, req, rsp, func() { close(done) })
	select {
	case <-done:
	case <-ctx.Done():
		ch.Cancel(ctl.MsgID(), fmt.Sprintf("call canceled: %v", ctx.Err()))
		<-done
	}
	return ctl.Err()
}

// Close 结束所有进行中的调用，并停止 Channel 自己启动的 IO 线程
func (ch *Channel) Close() {
	if !ch.closed.CompareAndSwap(false, true) {
		return
	}
	ch.calls.Range(func(_ string, c *call) bool {
		ch.loop.RunInLoop(func() {
			ch.finish(c, protocol.CodeRPCChannelInit, "channel closed")
		})
		return true
	})
	if ch.thread != nil {
		ch.thread.Stop()
		ch.thread.Join()
	}
	if ch.opts.OnClose != nil {
		ch.opts.OnClose()
	}
}
