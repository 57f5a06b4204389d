//go:build linux

package eventloop

import (
	"sync"

	"github.com/google/btree"
	"github.com/legamerdc/tinyrpc/poller"
	"github.com/lni/dragonboat/v4/logger"
	"golang.org/x/sys/unix"
)

// fallbackRearmMs 是最早的 deadline 已经过去时的重新装填间隔
const fallbackRearmMs = 100

// Timer 用一个 timerfd 驱动所有 TimerEvent，按 (deadline, seq) 有序存放
type Timer struct {
	fd  int
	ev  *poller.FdEvent
	log logger.ILogger

	mu   sync.Mutex
	tree *btree.BTreeG[*TimerEvent]
	seq  uint64
}

func newTimer(log logger.ILogger) (*Timer, error) {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		return nil, err
	}
	t := &Timer{
		fd:   fd,
		log:  log,
		tree: btree.NewG[*TimerEvent](16, timerLess),
	}
	t.ev = poller.NewFdEvent(fd)
	t.ev.Listen(poller.In, t.onTimer)
	return t, nil
}

func (t *Timer) FdEvent() *poller.FdEvent { return t.ev }

// Add 插入事件，只有成为最早的事件时才重新装填 timerfd
func (t *Timer) Add(e *TimerEvent) {
	if e.Canceled() {
		return
	}
	t.mu.Lock()
	t.tree.Delete(e)
	t.seq++
	e.seq = t.seq
	t.tree.ReplaceOrInsert(e)
	first, _ := t.tree.Min()
	earliest := first == e
	t.mu.Unlock()
	if earliest {
		t.rearm()
	}
}

// Delete 打上取消标记后移除，重复调用无副作用
func (t *Timer) Delete(e *TimerEvent) {
	e.Cancel()
	t.mu.Lock()
	t.tree.Delete(e)
	t.mu.Unlock()
}

func (t *Timer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tree.Len()
}

func (t *Timer) onTimer() {
	var buf [8]byte
	for {
		if _, err := unix.Read(t.fd, buf[:]); err != nil {
			break
		}
	}
	t.runExpired(NowMs())
}

// runExpired 执行 deadline <= now 的事件，返回执行的回调数
func (t *Timer) runExpired(now int64) int {
	var due []*TimerEvent
	t.mu.Lock()
	for {
		e, ok := t.tree.Min()
		if !ok || e.deadline > now {
			break
		}
		t.tree.DeleteMin()
		if e.Canceled() {
			continue
		}
		due = append(due, e)
	}
	// 重复事件每轮只触发一次，收集完再重新入队
	for _, e := range due {
		if e.repeat {
			e.deadline += e.interval
			t.seq++
			e.seq = t.seq
			t.tree.ReplaceOrInsert(e)
		}
	}
	t.mu.Unlock()

	t.rearm()

	n := 0
	for _, e := range due {
		if e.Canceled() || e.cb == nil {
			continue
		}
		e.cb()
		n++
	}
	return n
}

func (t *Timer) rearm() {
	t.mu.Lock()
	first, ok := t.tree.Min()
	var delay int64
	if ok {
		delay = first.deadline - NowMs()
	}
	t.mu.Unlock()
	if !ok {
		return
	}
	if delay <= 0 {
		delay = fallbackRearmMs
	}
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(delay * 1e6)}
	if err := unix.TimerfdSettime(t.fd, 0, &its, nil); err != nil {
		t.log.Errorf("timerfd_settime failed, fd=%d: %v", t.fd, err)
	}
}

func (t *Timer) close() error {
	return unix.Close(t.fd)
}
