//go:build linux

package client

import (
	"testing"
	"time"

	"github.com/legamerdc/tinyrpc/conn"
	"github.com/legamerdc/tinyrpc/eventloop"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/netutil"
	"github.com/legamerdc/tinyrpc/protocol"
	"golang.org/x/sys/unix"
)

// closedPort 返回一个刚释放、当前无人监听的本地端口
func closedPort(t *testing.T) *netutil.NetAddr {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	defer unix.Close(fd)
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	a, err := netutil.LocalAddr(fd)
	if err != nil {
		t.Fatalf("getsockname: %v", err)
	}
	return a
}

// listener 返回一个阻塞监听 socket 及其地址
func listener(t *testing.T) (int, *netutil.NetAddr) {
	t.Helper()
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socket: %v", err)
	}
	t.Cleanup(func() { unix.Close(fd) })
	if err := unix.Bind(fd, &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := unix.Listen(fd, 8); err != nil {
		t.Fatalf("listen: %v", err)
	}
	a, _ := netutil.LocalAddr(fd)
	return fd, a
}

func startLoop(t *testing.T) *eventloop.EventLoop {
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
	return th.Loop()
}

func TestConnectFailure(t *testing.T) {
	loop := startLoop(t)
	c, err := New(closedPort(t), Options{Loop: loop, Logger: logging.Discard("client")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	done := make(chan struct{})
	c.Connect(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("connect completion not called")
	}
	if c.ConnectErrCode() != protocol.CodeFailedConnect {
		t.Errorf("ConnectErrCode = %d, want %d", c.ConnectErrCode(), protocol.CodeFailedConnect)
	}
	if c.ConnectErrInfo() == "" {
		t.Error("ConnectErrInfo is empty")
	}
	if c.Connection().State() != conn.NotConnected {
		t.Errorf("state = %s, want NotConnected", c.Connection().State())
	}
}

func TestConnectAndWrite(t *testing.T) {
	loop := startLoop(t)
	lfd, addr := listener(t)
	c, err := New(addr, Options{Loop: loop, Logger: logging.Discard("client")})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer c.Close()

	connected := make(chan struct{})
	c.Connect(func() { close(connected) })
	<-connected
	if c.ConnectErrCode() != 0 {
		t.Fatalf("connect failed: %s", c.ConnectErrInfo())
	}
	if c.Connection().State() != conn.Connected {
		t.Fatalf("state = %s", c.Connection().State())
	}

	written := make(chan error, 1)
	c.WriteMessage(&protocol.Message{MsgID: "m1", MethodName: "S.m"}, func(_ *protocol.Message, err error) {
		written <- err
	})
	if err := <-written; err != nil {
		t.Fatalf("write: %v", err)
	}

	sfd, _, err := unix.Accept(lfd)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer unix.Close(sfd)
	buf := make([]byte, 256)
	n, _ := unix.Read(sfd, buf)
	b := conn.NewBuffer(n)
	b.WriteToBuffer(buf[:n])
	msgs := protocol.NewCodec().Decode(b)
	if len(msgs) != 1 || msgs[0].MsgID != "m1" {
		t.Fatalf("server got %v", msgs)
	}
}

func TestConnectEntersLoopOnOwnerThread(t *testing.T) {
	_, addr := listener(t)
	result := make(chan int32, 1)
	go func() {
		loop, err := eventloop.New(eventloop.Options{Logger: logging.Discard("loop"), MaxWait: time.Second})
		if err != nil {
			t.Errorf("eventloop.New: %v", err)
			result <- -1
			return
		}
		defer loop.Close()
		c, err := New(addr, Options{Logger: logging.Discard("client")})
		if err != nil {
			t.Errorf("New: %v", err)
			result <- -1
			return
		}
		// Connect 在 loop 停止后才返回
		c.Connect(func() { c.Stop() })
		result <- c.ConnectErrCode()
		c.Close()
	}()
	select {
	case code := <-result:
		if code != 0 {
			t.Errorf("ConnectErrCode = %d", code)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Connect did not return after the loop stopped")
	}
}
