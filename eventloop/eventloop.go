//go:build linux

// Package eventloop 实现每线程一个的 reactor：epoll 多路复用、eventfd 唤醒、
// timerfd 定时器，以及跨线程投递任务的队列。
package eventloop

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"
	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/poller"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/sys/unix"
)

var (
	ErrLoopExists    = errors.New("eventloop: thread already owns an event loop")
	ErrNotLoopThread = errors.New("eventloop: not called from the loop thread")
	ErrLoopRunning   = errors.New("eventloop: loop already running")
)

const defaultMaxWait = 10 * time.Second

// loops 记录 线程id -> 该线程的 EventLoop
var loops = xsync.NewMapOf[int, *EventLoop]()

type Options struct {
	Logger    logger.ILogger
	MaxWait   time.Duration // epoll_wait 的最长阻塞时间
	MaxEvents int
}

type EventLoop struct {
	tid     int
	poller  poller.Poller
	timer   *Timer
	maxWait int
	log     logger.ILogger

	mu      sync.Mutex
	pending *queue.Queue

	stop    atomic.Bool
	looping atomic.Bool
	closed  atomic.Bool
}

// New 把调用方 goroutine 锁定到当前 OS 线程并在其上创建 loop。
// 之后 Loop 与 Close 必须在同一个 goroutine 中调用。
func New(opts Options) (*EventLoop, error) {
	log := opts.Logger
	if log == nil {
		log = logging.Default("eventloop")
	}
	maxWait := opts.MaxWait
	if maxWait <= 0 {
		maxWait = defaultMaxWait
	}

	runtime.LockOSThread()
	tid := unix.Gettid()
	if _, ok := loops.Load(tid); ok {
		runtime.UnlockOSThread()
		return nil, ErrLoopExists
	}

	p, err := poller.New(opts.MaxEvents)
	if err != nil {
		runtime.UnlockOSThread()
		return nil, err
	}
	t, err := newTimer(log)
	if err != nil {
		p.Close()
		runtime.UnlockOSThread()
		return nil, err
	}
	if err := p.Register(t.FdEvent()); err != nil {
		t.close()
		p.Close()
		runtime.UnlockOSThread()
		return nil, err
	}

	l := &EventLoop{
		tid:     tid,
		poller:  p,
		timer:   t,
		maxWait: int(maxWait.Milliseconds()),
		log:     log,
		pending: queue.New(),
	}
	loops.Store(tid, l)
	log.Debugf("event loop created in thread %d", tid)
	return l, nil
}

// Current 返回当前线程拥有的 loop，调用方需运行在已锁定的 goroutine 中
func Current() *EventLoop {
	l, _ := loops.Load(unix.Gettid())
	return l
}

func (l *EventLoop) Tid() int { return l.tid }

func (l *EventLoop) Logger() logger.ILogger { return l.log }

func (l *EventLoop) IsInLoopThread() bool {
	return unix.Gettid() == l.tid
}

func (l *EventLoop) IsLooping() bool { return l.looping.Load() }

func (l *EventLoop) Stopped() bool { return l.stop.Load() }

// Loop 运行直到 Stop，只能在创建它的线程上调用
func (l *EventLoop) Loop() error {
	if !l.IsInLoopThread() {
		return ErrNotLoopThread
	}
	if !l.looping.CompareAndSwap(false, true) {
		return ErrLoopRunning
	}
	defer l.looping.Store(false)

	for !l.stop.Load() {
		for _, task := range l.drain() {
			task()
		}
		if l.stop.Load() {
			break
		}

		timeout := l.maxWait
		if l.hasPending() {
			timeout = 0
		}
		_, err := l.poller.Wait(timeout, func(ev *poller.FdEvent, ready poller.Event) {
			if ready&poller.In != 0 {
				if h := ev.Handler(poller.In); h != nil {
					l.AddTask(h, false)
				}
			}
			if ready&poller.Out != 0 {
				if h := ev.Handler(poller.Out); h != nil {
					l.AddTask(h, false)
				}
			}
		})
		if err != nil && err != unix.EINTR {
			l.log.Errorf("epoll_wait error in thread %d: %v", l.tid, err)
		}
	}
	// 退出前执行 Stop 之前已投递的任务
	for _, task := range l.drain() {
		task()
	}
	return nil
}

// drain 在锁内换出整个队列，任务在锁外执行
func (l *EventLoop) drain() []func() {
	l.mu.Lock()
	q := l.pending
	if q.Length() == 0 {
		l.mu.Unlock()
		return nil
	}
	l.pending = queue.New()
	l.mu.Unlock()

	tasks := make([]func(), 0, q.Length())
	for q.Length() > 0 {
		tasks = append(tasks, q.Remove().(func()))
	}
	return tasks
}

func (l *EventLoop) hasPending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending.Length() > 0
}

// Stop 可在任意线程调用
func (l *EventLoop) Stop() {
	l.stop.Store(true)
	l.wakeup()
}

func (l *EventLoop) wakeup() {
	if l.closed.Load() {
		return
	}
	if err := l.poller.Wake(); err != nil {
		l.log.Warningf("wakeup failed in thread %d: %v", l.tid, err)
	}
}

// AddTask 入队一个任务，wake 为 true 时唤醒阻塞中的 epoll_wait
func (l *EventLoop) AddTask(fn func(), wake bool) {
	l.mu.Lock()
	l.pending.Add(fn)
	l.mu.Unlock()
	if wake {
		l.wakeup()
	}
}

// RunInLoop 在 loop 线程上立即执行，否则投递到 loop
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
		return
	}
	l.AddTask(fn, true)
}

// AddEpollEvent 注册或更新 fd 的关注事件，已注册时自动转为 MOD
func (l *EventLoop) AddEpollEvent(ev *poller.FdEvent) {
	l.RunInLoop(func() {
		if err := l.poller.Register(ev); err != nil {
			l.log.Errorf("epoll add/mod failed, fd=%d interest=%s: %v", ev.Fd(), ev.Interest(), err)
			return
		}
		l.log.Debugf("fd %d registered with interest %s", ev.Fd(), ev.Interest())
	})
}

// DelEpollEvent 对未注册的 fd 是空操作
func (l *EventLoop) DelEpollEvent(ev *poller.FdEvent) {
	l.RunInLoop(func() {
		if err := l.poller.Unregister(ev); err != nil {
			l.log.Errorf("epoll del failed, fd=%d: %v", ev.Fd(), err)
			return
		}
		l.log.Debugf("fd %d unregistered", ev.Fd())
	})
}

func (l *EventLoop) AddTimerEvent(ev *TimerEvent) { l.timer.Add(ev) }

func (l *EventLoop) DeleteTimerEvent(ev *TimerEvent) { l.timer.Delete(ev) }

// Close 释放 fd 与线程登记，需在 Loop 返回后由 loop 线程调用
func (l *EventLoop) Close() error {
	if !l.closed.CompareAndSwap(false, true) {
		return nil
	}
	if cur, ok := loops.Load(l.tid); ok && cur == l {
		loops.Delete(l.tid)
	}
	l.timer.close()
	err := l.poller.Close()
	if l.IsInLoopThread() {
		runtime.UnlockOSThread()
	}
	return err
}
