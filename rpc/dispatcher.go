//go:build linux

package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/legamerdc/tinyrpc/conn"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/stats"
	"github.com/legamerdc/tinyrpc/protocol"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

type DispatcherOptions struct {
	Serializer Serializer
	Logger     logger.ILogger
}

// Dispatcher 按 "Service.Method" 把请求路由到已注册的服务，可在多个 IO 线程间共享
type Dispatcher struct {
	services   *xsync.MapOf[string, Service]
	serializer Serializer
	log        logger.ILogger
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.Serializer == nil {
		opts.Serializer = ProtoSerializer{}
	}
	if opts.Logger == nil {
		opts.Logger = logging.Default("dispatcher")
	}
	return &Dispatcher{
		services:   xsync.NewMapOf[string, Service](),
		serializer: opts.Serializer,
		log:        opts.Logger,
	}
}

// RegisterService 同名服务后注册的覆盖先注册的
func (d *Dispatcher) RegisterService(svc Service) {
	d.services.Store(svc.Name(), svc)
	if desc, ok := svc.(interface{ Methods() []string }); ok {
		d.log.Infof("service %s registered, methods %v", svc.Name(), desc.Methods())
		return
	}
	d.log.Infof("service %s registered", svc.Name())
}

func (d *Dispatcher) Service(name string) (Service, bool) {
	return d.services.Load(name)
}

// ParseServiceFullName 以第一个 '.' 切分服务名与方法名
func ParseServiceFullName(full string) (service, method string, ok bool) {
	service, method, ok = strings.Cut(full, ".")
	if !ok || service == "" || method == "" {
		return "", "", false
	}
	return service, method, true
}

func (d *Dispatcher) fail(req, rsp *protocol.Message, code int32, info string) {
	stats.DispatchErrors.Inc()
	rsp.ErrCode = code
	rsp.ErrInfo = info
	rsp.Payload = nil
	d.log.Errorf("msg_id=%s method=%s: %s", req.MsgID, req.MethodName, info)
}

// Dispatch 执行请求并填充 rsp，任何失败都以 (code, info) 写入响应，不影响连接
func (d *Dispatcher) Dispatch(req, rsp *protocol.Message, c *conn.Connection) {
	rsp.MsgID = req.MsgID
	rsp.MethodName = req.MethodName

	if !req.ParseOK {
		d.fail(req, rsp, protocol.CodeFailedDecode, "failed to decode request frame")
		return
	}
	svcName, methodName, ok := ParseServiceFullName(req.MethodName)
	if !ok {
		d.fail(req, rsp, protocol.CodeParseServiceName, fmt.Sprintf("parse service name error, full name[%s]", req.MethodName))
		return
	}
	svc, ok := d.services.Load(svcName)
	if !ok {
		d.fail(req, rsp, protocol.CodeServiceNotFound, fmt.Sprintf("service not found[%s]", svcName))
		return
	}
	m, ok := svc.Method(methodName)
	if !ok {
		d.fail(req, rsp, protocol.CodeMethodNotFound, fmt.Sprintf("method not found[%s] in service[%s]", methodName, svcName))
		return
	}

	in := m.NewRequest()
	if err := d.serializer.Unmarshal(req.Payload, in); err != nil {
		d.fail(req, rsp, protocol.CodeFailedDeserialize, fmt.Sprintf("deserialize request error: %v", err))
		return
	}

	ctl := NewController()
	ctl.SetMsgID(req.MsgID)
	if c != nil {
		ctl.SetLocalAddr(c.LocalAddr())
		ctl.SetPeerAddr(c.PeerAddr())
	}
	out := m.NewResponse()
	err := m.Invoke(ctl, in, out)
	if ctl.Failed() {
		d.fail(req, rsp, ctl.ErrorCode(), ctl.ErrorInfo())
		return
	}
	if err != nil {
		var rerr *Error
		if errors.As(err, &rerr) {
			d.fail(req, rsp, rerr.Code, rerr.Info)
		} else {
			d.fail(req, rsp, protocol.CodeFailedGetReply, err.Error())
		}
		return
	}

	payload, err := d.serializer.Marshal(out)
	if err != nil {
		d.fail(req, rsp, protocol.CodeFailedSerialize, fmt.Sprintf("serialize response error: %v", err))
		return
	}
	rsp.ErrCode = protocol.CodeOK
	rsp.ErrInfo = ""
	rsp.Payload = payload
	d.log.Debugf("dispatch success, msg_id=%s method=%s peer=%s", req.MsgID, req.MethodName, ctl.PeerAddr())
}
