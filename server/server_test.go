//go:build linux

package server_test

import (
	"net"
	"testing"
	"time"

	"github.com/legamerdc/tinyrpc/conn"
	"github.com/legamerdc/tinyrpc/internal/demo"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/netutil"
	"github.com/legamerdc/tinyrpc/protocol"
	"github.com/legamerdc/tinyrpc/rpc"
	"github.com/legamerdc/tinyrpc/server"
	"google.golang.org/protobuf/proto"
)

func startServer(t *testing.T) *server.Server {
	t.Helper()
	ready := make(chan *server.Server, 1)
	errc := make(chan error, 1)
	stopped := make(chan error, 1)
	go func() {
		d := rpc.NewDispatcher(rpc.DispatcherOptions{Logger: logging.Discard("dispatcher")})
		d.RegisterService(demo.OrderService())
		cfg := server.DefaultConfig()
		cfg.Addr = "127.0.0.1:0"
		cfg.IOThreads = 2
		cfg.MaxWait = time.Second
		cfg.Logger = logging.Discard("server")
		s, err := server.New(cfg, d)
		if err != nil {
			errc <- err
			return
		}
		ready <- s
		stopped <- s.Start()
	}()
	select {
	case s := <-ready:
		t.Cleanup(func() {
			s.Stop()
			select {
			case err := <-stopped:
				if err != nil {
					t.Errorf("Start returned %v", err)
				}
			case <-time.After(3 * time.Second):
				t.Error("server did not stop")
			}
		})
		return s
	case err := <-errc:
		t.Fatalf("server.New: %v", err)
	}
	return nil
}

func readResponses(t *testing.T, nc net.Conn, n int) []*protocol.Message {
	t.Helper()
	codec := protocol.NewCodec()
	codec.Log = logging.Discard("codec")
	buf := conn.NewBuffer(256)
	tmp := make([]byte, 4096)
	var out []*protocol.Message
	nc.SetReadDeadline(time.Now().Add(3 * time.Second))
	for len(out) < n {
		k, err := nc.Read(tmp)
		if err != nil {
			t.Fatalf("read after %d responses: %v", len(out), err)
		}
		buf.WriteToBuffer(tmp[:k])
		out = append(out, codec.Decode(buf)...)
	}
	return out
}

func TestMalformedFramesKeepConnectionOpen(t *testing.T) {
	s := startServer(t)
	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer nc.Close()

	codec := protocol.NewCodec()
	payload, _ := proto.Marshal(demo.NewOrderRequest(100, "apple"))

	var frames []byte
	frames, _ = codec.AppendFrame(frames, &protocol.Message{MsgID: "1", MethodName: "makeOrder", Payload: payload})
	corrupt, _ := codec.Encode(&protocol.Message{MsgID: "2", MethodName: demo.MakeOrderMethod, Payload: payload})
	corrupt[len(corrupt)-2] ^= 0xff
	frames = append(frames, corrupt...)
	frames = append(frames, "garbage"...)
	frames, _ = codec.AppendFrame(frames, &protocol.Message{MsgID: "3", MethodName: demo.MakeOrderMethod, Payload: payload})
	if _, err := nc.Write(frames); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got := readResponses(t, nc, 3)
	want := []struct {
		id   string
		code int32
	}{
		{"1", protocol.CodeParseServiceName},
		{"2", protocol.CodeFailedDecode},
		{"3", protocol.CodeOK},
	}
	for i, w := range want {
		if got[i].MsgID != w.id || got[i].ErrCode != w.code {
			t.Errorf("response %d = id %q code %d (%s), want id %q code %d",
				i, got[i].MsgID, got[i].ErrCode, got[i].ErrInfo, w.id, w.code)
		}
	}
	rsp := demo.NewResponse()
	if err := proto.Unmarshal(got[2].Payload, rsp); err != nil || rsp.Fields["order_id"].GetStringValue() != demo.FixedOrderID {
		t.Errorf("unexpected order response %v, %v", rsp, err)
	}

	// 同一连接仍然可用
	again, _ := codec.Encode(&protocol.Message{MsgID: "4", MethodName: demo.MakeOrderMethod, Payload: payload})
	nc.Write(again)
	if r := readResponses(t, nc, 1)[0]; r.MsgID != "4" || r.ErrCode != 0 {
		t.Errorf("follow-up response = %+v", r)
	}
}

func TestConnectionTable(t *testing.T) {
	s := startServer(t)
	nc, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	waitFor(t, func() bool { return s.ConnCount() == 1 })
	nc.Close()
	waitFor(t, func() bool { return s.ConnCount() == 0 })
}

func TestAddrInUse(t *testing.T) {
	s := startServer(t)
	errc := make(chan error, 1)
	go func() {
		cfg := server.DefaultConfig()
		cfg.Addr = s.Addr().String()
		cfg.Logger = logging.Discard("server")
		_, err := server.New(cfg, nil)
		errc <- err
	}()
	if err := <-errc; err == nil {
		t.Error("second server on the same address should fail")
	}
}

func TestReusePortAcceptors(t *testing.T) {
	addr, err := netutil.ParseAddr("127.0.0.1:0")
	if err != nil {
		t.Fatalf("ParseAddr: %v", err)
	}
	a, err := server.NewAcceptor(addr, 16, true)
	if err != nil {
		t.Fatalf("first acceptor: %v", err)
	}
	defer a.Close()
	b, err := server.NewAcceptor(a.Addr(), 16, true)
	if err != nil {
		t.Fatalf("second acceptor with SO_REUSEPORT: %v", err)
	}
	defer b.Close()
	if a.Addr().String() != b.Addr().String() {
		t.Errorf("bound %s and %s", a.Addr(), b.Addr())
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
