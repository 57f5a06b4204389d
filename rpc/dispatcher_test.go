//go:build linux

package rpc

import (
	"testing"

	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/protocol"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

func newStruct() *structpb.Struct { return &structpb.Struct{} }

func echoService(tag string) *ServiceDesc {
	return NewService("Echo").Handle(
		Unary("echo", newStruct, newStruct, func(ctl *Controller, req, rsp *structpb.Struct) error {
			rsp.Fields = req.Fields
			if rsp.Fields == nil {
				rsp.Fields = map[string]*structpb.Value{}
			}
			rsp.Fields["tag"] = structpb.NewStringValue(tag)
			rsp.Fields["msg_id"] = structpb.NewStringValue(ctl.MsgID())
			return nil
		}),
		Unary("fail", newStruct, newStruct, func(ctl *Controller, req, rsp *structpb.Struct) error {
			ctl.SetError(42, "handler failed")
			return nil
		}),
	)
}

func testDispatcher() *Dispatcher {
	d := NewDispatcher(DispatcherOptions{Logger: logging.Discard("dispatcher")})
	d.RegisterService(echoService("v1"))
	return d
}

func request(t *testing.T, method string, fields map[string]any) *protocol.Message {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("NewStruct: %v", err)
	}
	b, err := proto.Marshal(s)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return &protocol.Message{MsgID: "id-1", MethodName: method, Payload: b, ParseOK: true}
}

func TestParseServiceFullName(t *testing.T) {
	tests := []struct {
		in, svc, method string
		ok              bool
	}{
		{"Order.makeOrder", "Order", "makeOrder", true},
		{"a.b.c", "a", "b.c", true},
		{"Order", "", "", false},
		{".makeOrder", "", "", false},
		{"Order.", "", "", false},
	}
	for _, tt := range tests {
		svc, method, ok := ParseServiceFullName(tt.in)
		if svc != tt.svc || method != tt.method || ok != tt.ok {
			t.Errorf("ParseServiceFullName(%q) = %q, %q, %v", tt.in, svc, method, ok)
		}
	}
}

func TestDispatchErrors(t *testing.T) {
	d := testDispatcher()
	tests := []struct {
		name string
		req  *protocol.Message
		code int32
	}{
		{"no separator", request(t, "Echo", nil), protocol.CodeParseServiceName},
		{"unknown service", request(t, "Nope.echo", nil), protocol.CodeServiceNotFound},
		{"unknown method", request(t, "Echo.nope", nil), protocol.CodeMethodNotFound},
		{"bad payload", &protocol.Message{MsgID: "x", MethodName: "Echo.echo", Payload: []byte{0xff, 0xff}, ParseOK: true}, protocol.CodeFailedDeserialize},
		{"bad frame", &protocol.Message{MsgID: "x", MethodName: "Echo.echo"}, protocol.CodeFailedDecode},
		{"controller error", request(t, "Echo.fail", nil), 42},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rsp := tt.req.Reply()
			rsp.Payload = []byte("stale")
			d.Dispatch(tt.req, rsp, nil)
			if rsp.ErrCode != tt.code {
				t.Errorf("ErrCode = %d, want %d (%s)", rsp.ErrCode, tt.code, rsp.ErrInfo)
			}
			if rsp.ErrInfo == "" {
				t.Error("ErrInfo is empty")
			}
			if len(rsp.Payload) != 0 {
				t.Error("error response must carry an empty payload")
			}
			if rsp.MsgID != tt.req.MsgID {
				t.Errorf("MsgID = %q, want %q", rsp.MsgID, tt.req.MsgID)
			}
		})
	}
}

func TestDispatchSuccess(t *testing.T) {
	d := testDispatcher()
	req := request(t, "Echo.echo", map[string]any{"k": "v"})
	rsp := req.Reply()
	d.Dispatch(req, rsp, nil)
	if rsp.ErrCode != 0 {
		t.Fatalf("ErrCode = %d: %s", rsp.ErrCode, rsp.ErrInfo)
	}
	out := newStruct()
	if err := proto.Unmarshal(rsp.Payload, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out.Fields["k"].GetStringValue() != "v" || out.Fields["msg_id"].GetStringValue() != "id-1" {
		t.Errorf("unexpected response %v", out)
	}

	// 后注册的同名服务覆盖先注册的
	d.RegisterService(echoService("v2"))
	rsp = req.Reply()
	d.Dispatch(req, rsp, nil)
	out = newStruct()
	proto.Unmarshal(rsp.Payload, out)
	if out.Fields["tag"].GetStringValue() != "v2" {
		t.Errorf("tag = %q, want v2", out.Fields["tag"].GetStringValue())
	}
}

func TestCompressSerializer(t *testing.T) {
	s := CompressSerializer{}
	in, _ := structpb.NewStruct(map[string]any{"goods": "apple", "price": 100})
	b, err := s.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	out := newStruct()
	if err := s.Unmarshal(b, out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !proto.Equal(in, out) {
		t.Errorf("got %v, want %v", out, in)
	}
}

func TestControllerReset(t *testing.T) {
	c := NewController()
	c.SetMsgID("a")
	c.SetError(protocol.CodeRPCCallTimeout, "late")
	c.SetFinished(true)
	if !c.Failed() || Code(c.Err()) != protocol.CodeRPCCallTimeout {
		t.Fatalf("Err = %v", c.Err())
	}
	c.Reset()
	if c.Failed() || c.Finished() || c.MsgID() != "" || c.Err() != nil {
		t.Error("Reset left state behind")
	}
}

func TestServiceDescMethods(t *testing.T) {
	got := echoService("a").Methods()
	for i := 1; i < len(got); i++ {
		if got[i-1] >= got[i] {
			t.Fatalf("methods not sorted: %v", got)
		}
	}
	if len(got) < 2 || got[0] != "echo" {
		t.Errorf("methods = %v", got)
	}
}
