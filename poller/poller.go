// Package poller 封装 IO 多路复用：FdEvent 描述一个 fd 的关注事件与回调，
// Poller 负责注册与等待。Poller 不是并发安全的，只能在所属 loop 线程中使用。
package poller

import "errors"

var (
	ErrPlatformNotSupported = errors.New("poller: platform not supported")
	ErrClosed               = errors.New("poller: closed")
)

// Event 是关注/就绪事件掩码
type Event uint32

const (
	In Event = 1 << iota
	Out
)

func (e Event) String() string {
	switch e {
	case 0:
		return "none"
	case In:
		return "in"
	case Out:
		return "out"
	case In | Out:
		return "in|out"
	}
	return "unknown"
}

// FdEvent 绑定 fd、关注事件和读写回调，归注册它的组件所有
type FdEvent struct {
	fd       int
	interest Event
	onRead   func()
	onWrite  func()
}

func NewFdEvent(fd int) *FdEvent {
	return &FdEvent{fd: fd}
}

func (e *FdEvent) Fd() int { return e.fd }

func (e *FdEvent) Interest() Event { return e.interest }

// Listen 设置关注事件并绑定回调，重复调用覆盖旧回调
func (e *FdEvent) Listen(kind Event, fn func()) {
	if kind&In != 0 {
		e.onRead = fn
	}
	if kind&Out != 0 {
		e.onWrite = fn
	}
	e.interest |= kind
}

// Cancel 只清除关注位，回调保留
func (e *FdEvent) Cancel(kind Event) {
	e.interest &^= kind
}

func (e *FdEvent) Handler(kind Event) func() {
	switch kind {
	case In:
		return e.onRead
	case Out:
		return e.onWrite
	}
	return nil
}

// Poller 的 Register 对已注册 fd 自动转为修改
type Poller interface {
	Register(ev *FdEvent) error
	Unregister(ev *FdEvent) error
	Registered(fd int) bool
	// Wait 最多阻塞 timeoutMs 毫秒，对每个就绪的 FdEvent 调用 fn。
	// 唤醒事件在内部消费，不会交给 fn。
	Wait(timeoutMs int, fn func(ev *FdEvent, ready Event)) (int, error)
	Wake() error
	Close() error
}
