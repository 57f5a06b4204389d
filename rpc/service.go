package rpc

import (
	"sort"

	"google.golang.org/protobuf/proto"
)

// Method 描述一个可调用的方法：如何创建请求/响应对象以及如何执行
type Method interface {
	Name() string
	NewRequest() proto.Message
	NewResponse() proto.Message
	// Invoke 填充 rsp。协议层错误通过 ctl.SetError 或返回 *Error 表达，
	// 业务错误应编码在 rsp 中。
	Invoke(ctl *Controller, req, rsp proto.Message) error
}

type Service interface {
	Name() string
	Method(name string) (Method, bool)
}

// ServiceDesc 是运行时注册的 Service 实现
type ServiceDesc struct {
	name    string
	methods map[string]Method
}

func NewService(name string) *ServiceDesc {
	return &ServiceDesc{name: name, methods: make(map[string]Method)}
}

// Handle 注册方法，同名覆盖
func (s *ServiceDesc) Handle(methods ...Method) *ServiceDesc {
	for _, m := range methods {
		s.methods[m.Name()] = m
	}
	return s
}

func (s *ServiceDesc) Name() string { return s.name }

func (s *ServiceDesc) Method(name string) (Method, bool) {
	m, ok := s.methods[name]
	return m, ok
}

func (s *ServiceDesc) Methods() []string {
	names := make([]string, 0, len(s.methods))
	for n := range s.methods {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type unaryMethod[Req, Rsp proto.Message] struct {
	name   string
	newReq func() Req
	newRsp func() Rsp
	fn     func(ctl *Controller, req Req, rsp Rsp) error
}

// Unary 用类型化的处理函数构造 Method
func Unary[Req, Rsp proto.Message](name string, newReq func() Req, newRsp func() Rsp,
	fn func(ctl *Controller, req Req, rsp Rsp) error) Method {
	return &unaryMethod[Req, Rsp]{name: name, newReq: newReq, newRsp: newRsp, fn: fn}
}

func (m *unaryMethod[Req, Rsp]) Name() string { return m.name }

func (m *unaryMethod[Req, Rsp]) NewRequest() proto.Message { return m.newReq() }

func (m *unaryMethod[Req, Rsp]) NewResponse() proto.Message { return m.newRsp() }

func (m *unaryMethod[Req, Rsp]) Invoke(ctl *Controller, req, rsp proto.Message) error {
	return m.fn(ctl, req.(Req), rsp.(Rsp))
}
