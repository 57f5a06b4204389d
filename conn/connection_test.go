//go:build linux

package conn

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/legamerdc/tinyrpc/eventloop"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/protocol"
	"golang.org/x/sys/unix"
)

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(req, rsp *protocol.Message, c *Connection) {
	rsp.Payload = append([]byte("echo:"), req.Payload...)
}

type countingDispatcher struct{ n atomic.Int32 }

func (d *countingDispatcher) Dispatch(req, rsp *protocol.Message, c *Connection) { d.n.Add(1) }

type bigDispatcher struct{ size int }

func (d bigDispatcher) Dispatch(req, rsp *protocol.Message, c *Connection) {
	rsp.Payload = make([]byte, d.size)
}

func newTestConn(t *testing.T, role Role, d Dispatcher, tune ...func(*Options)) (*Connection, int) {
	t.Helper()
	th, err := eventloop.NewIOThread(eventloop.Options{Logger: logging.Discard("loop"), MaxWait: time.Second})
	if err != nil {
		t.Fatalf("NewIOThread: %v", err)
	}
	th.Start()
	t.Cleanup(func() {
		th.Stop()
		th.Join()
	})

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	unix.SetNonblock(fds[0], true)
	t.Cleanup(func() { unix.Close(fds[1]) })

	codec := protocol.NewCodec()
	codec.Log = logging.Discard("codec")
	opts := Options{
		Codec:          codec,
		InitBufferSize: 16,
		Dispatcher:     d,
		Logger:         logging.Discard("conn"),
	}
	for _, fn := range tune {
		fn(&opts)
	}
	return New(th.Loop(), fds[0], nil, role, opts), fds[1]
}

// inLoop 在连接所属 loop 上执行 fn 并等待完成
func inLoop(c *Connection, fn func()) {
	done := make(chan struct{})
	c.Loop().RunInLoop(func() {
		fn()
		close(done)
	})
	<-done
}

func waitHook(t *testing.T, hooked <-chan State) State {
	t.Helper()
	select {
	case st := <-hooked:
		return st
	case <-time.After(2 * time.Second):
		t.Fatal("close hook not called")
	}
	return 0
}

func readFrames(t *testing.T, fd int, codec *protocol.Codec, want int) []*protocol.Message {
	t.Helper()
	unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &unix.Timeval{Sec: 2})
	buf := NewBuffer(64)
	var out []*protocol.Message
	tmp := make([]byte, 4096)
	for len(out) < want {
		n, err := unix.Read(fd, tmp)
		if n <= 0 {
			t.Fatalf("read peer: n=%d err=%v", n, err)
		}
		buf.WriteToBuffer(tmp[:n])
		out = append(out, codec.Decode(buf)...)
	}
	return out
}

func TestServerConnectionDispatch(t *testing.T) {
	c, peer := newTestConn(t, RoleServer, echoDispatcher{})
	c.Loop().RunInLoop(c.ListenRead)

	codec := protocol.NewCodec()
	var frames []byte
	for _, id := range []string{"1", "2"} {
		frames, _ = codec.AppendFrame(frames, &protocol.Message{MsgID: id, MethodName: "Echo.echo", Payload: []byte(id)})
	}
	// 分两次写，验证跨读拼帧
	unix.Write(peer, frames[:10])
	time.Sleep(20 * time.Millisecond)
	unix.Write(peer, frames[10:])

	got := readFrames(t, peer, codec, 2)
	for i, id := range []string{"1", "2"} {
		if got[i].MsgID != id || string(got[i].Payload) != "echo:"+id {
			t.Errorf("response %d = %+v", i, got[i])
		}
	}
	if c.State() != Connected {
		t.Errorf("state = %s, want Connected", c.State())
	}
}

func TestConnectionClosedOnEOF(t *testing.T) {
	c, peer := newTestConn(t, RoleServer, echoDispatcher{})
	hooked := make(chan State, 2)
	c.SetCloseHook(func(c *Connection) { hooked <- c.State() })
	c.Loop().RunInLoop(c.ListenRead)

	unix.Close(peer)
	select {
	case st := <-hooked:
		if st != Closed {
			t.Errorf("hook saw state %s", st)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("close hook not called")
	}

	// Closed 是终态
	c.SetState(Connected)
	c.Clear()
	if c.State() != Closed {
		t.Errorf("state left Closed: %s", c.State())
	}
	select {
	case <-hooked:
		t.Error("close hook called twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestClientConnectionMatchesResponses(t *testing.T) {
	c, peer := newTestConn(t, RoleClient, nil)
	codec := protocol.NewCodec()
	got := make(chan *protocol.Message, 1)
	sent := make(chan error, 1)

	c.Loop().RunInLoop(func() {
		c.SetState(Connected)
		c.PushSendMessage(&protocol.Message{MsgID: "42", MethodName: "S.m"}, func(_ *protocol.Message, err error) {
			sent <- err
		})
		c.PushReadMessage("42", func(m *protocol.Message) { got <- m })
		c.ListenWrite()
		c.ListenRead()
	})

	if err := <-sent; err != nil {
		t.Fatalf("write completion: %v", err)
	}
	req := readFrames(t, peer, codec, 1)[0]
	if req.MsgID != "42" {
		t.Fatalf("peer received %+v", req)
	}

	var frames []byte
	frames, _ = codec.AppendFrame(frames, &protocol.Message{MsgID: "unknown"})
	frames, _ = codec.AppendFrame(frames, &protocol.Message{MsgID: "42", Payload: []byte("ok")})
	unix.Write(peer, frames)

	select {
	case m := <-got:
		if string(m.Payload) != "ok" {
			t.Errorf("payload = %q", m.Payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("read callback not called")
	}
}

func TestEOFSkipsBufferedRequests(t *testing.T) {
	d := &countingDispatcher{}
	c, peer := newTestConn(t, RoleServer, d)
	hooked := make(chan State, 2)
	c.SetCloseHook(func(c *Connection) { hooked <- c.State() })

	// 完整请求和 EOF 在同一次可读事件中到达
	frame, _ := protocol.NewCodec().Encode(&protocol.Message{MsgID: "1", MethodName: "Echo.echo"})
	unix.Write(peer, frame)
	unix.Shutdown(peer, unix.SHUT_WR)
	c.Loop().RunInLoop(c.ListenRead)

	if st := waitHook(t, hooked); st != Closed {
		t.Errorf("hook saw state %s", st)
	}
	if n := d.n.Load(); n != 0 {
		t.Errorf("dispatcher invoked %d times after EOF, want 0", n)
	}
}

func TestShutdown(t *testing.T) {
	c, _ := newTestConn(t, RoleServer, echoDispatcher{})
	var hooks atomic.Int32
	hooked := make(chan State, 2)
	c.SetCloseHook(func(c *Connection) {
		hooks.Add(1)
		hooked <- c.State()
	})

	c.Shutdown()
	c.Shutdown()
	var st State
	inLoop(c, func() { st = c.State() })
	if st != HalfClosing {
		t.Fatalf("state after Shutdown = %s, want HalfClosing", st)
	}

	// 本端读方向已关闭，下一次读到 EOF 后进入 Closed
	c.Loop().RunInLoop(c.ListenRead)
	if st := waitHook(t, hooked); st != Closed {
		t.Errorf("hook saw state %s", st)
	}

	c.Shutdown()
	inLoop(c, func() { st = c.State() })
	if st != Closed {
		t.Errorf("Shutdown moved a closed connection to %s", st)
	}
	time.Sleep(50 * time.Millisecond)
	if n := hooks.Load(); n != 1 {
		t.Errorf("close hook called %d times, want 1", n)
	}
}

func TestShutdownBeforeConnect(t *testing.T) {
	c, _ := newTestConn(t, RoleClient, nil)
	c.Shutdown()
	var st State
	inLoop(c, func() { st = c.State() })
	if st != NotConnected {
		t.Errorf("state = %s, want NotConnected", st)
	}
}

func TestOversizedResponseReportsEncodeFailure(t *testing.T) {
	c, peer := newTestConn(t, RoleServer, bigDispatcher{size: 512}, func(o *Options) {
		o.MaxBufferSize = 128
	})
	c.Loop().RunInLoop(c.ListenRead)

	codec := protocol.NewCodec()
	frame, _ := codec.Encode(&protocol.Message{MsgID: "7", MethodName: "Echo.echo"})
	unix.Write(peer, frame)

	rsp := readFrames(t, peer, codec, 1)[0]
	if rsp.MsgID != "7" || rsp.ErrCode != protocol.CodeFailedEncode || len(rsp.Payload) != 0 {
		t.Errorf("response = %+v, want empty FAILED_ENCODE for msg 7", rsp)
	}
	if c.State() != Connected {
		t.Errorf("state = %s, want Connected", c.State())
	}
}
