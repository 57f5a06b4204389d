package rpc

import (
	"sync"
	"time"

	"github.com/legamerdc/tinyrpc/internal/netutil"
)

// Controller 携带一次调用的元数据与结果，客户端和服务端各持有一个
type Controller struct {
	mu       sync.Mutex
	msgID    string
	timeout  time.Duration
	local    *netutil.NetAddr
	peer     *netutil.NetAddr
	errCode  int32
	errInfo  string
	finished bool
	canceled bool
}

func NewController() *Controller {
	return &Controller{}
}

func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgID = ""
	c.timeout = 0
	c.local, c.peer = nil, nil
	c.errCode, c.errInfo = 0, ""
	c.finished, c.canceled = false, false
}

func (c *Controller) SetMsgID(id string) {
	c.mu.Lock()
	c.msgID = id
	c.mu.Unlock()
}

func (c *Controller) MsgID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.msgID
}

// SetTimeout 为 0 时使用 Channel 的默认超时
func (c *Controller) SetTimeout(d time.Duration) {
	c.mu.Lock()
	c.timeout = d
	c.mu.Unlock()
}

func (c *Controller) Timeout() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.timeout
}

func (c *Controller) SetLocalAddr(a *netutil.NetAddr) {
	c.mu.Lock()
	c.local = a
	c.mu.Unlock()
}

func (c *Controller) LocalAddr() *netutil.NetAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.local
}

func (c *Controller) SetPeerAddr(a *netutil.NetAddr) {
	c.mu.Lock()
	c.peer = a
	c.mu.Unlock()
}

func (c *Controller) PeerAddr() *netutil.NetAddr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peer
}

// SetError 记录协议层错误；服务端处理函数用它返回非 0 的 err_code
func (c *Controller) SetError(code int32, info string) {
	c.mu.Lock()
	c.errCode, c.errInfo = code, info
	c.mu.Unlock()
}

func (c *Controller) ErrorCode() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errCode
}

func (c *Controller) ErrorInfo() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errInfo
}

func (c *Controller) Failed() bool { return c.ErrorCode() != 0 }

// Err 在调用失败时返回 *Error
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.errCode == 0 {
		return nil
	}
	return NewError(c.errCode, c.errInfo)
}

func (c *Controller) SetFinished(v bool) {
	c.mu.Lock()
	c.finished = v
	c.mu.Unlock()
}

func (c *Controller) Finished() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finished
}

// StartCancel 标记调用已取消，尚未发出的调用会直接失败
func (c *Controller) StartCancel() {
	c.mu.Lock()
	c.canceled = true
	c.mu.Unlock()
}

func (c *Controller) IsCanceled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.canceled
}
