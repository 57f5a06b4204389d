package eventloop

import (
	"sync/atomic"
	"time"
)

// TimerEvent 是一个定时任务。重复任务在回调执行前以 deadline+interval 重新入队。
type TimerEvent struct {
	deadline int64 // ms, NowMs 时间轴
	interval int64
	repeat   bool
	seq      uint64
	cb       func()
	canceled atomic.Bool
}

func NewTimerEvent(interval time.Duration, repeat bool, cb func()) *TimerEvent {
	ms := interval.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	if repeat && ms == 0 {
		ms = 1
	}
	return &TimerEvent{
		deadline: NowMs() + ms,
		interval: ms,
		repeat:   repeat,
		cb:       cb,
	}
}

func (e *TimerEvent) Deadline() int64 { return e.deadline }

func (e *TimerEvent) Interval() time.Duration { return time.Duration(e.interval) * time.Millisecond }

func (e *TimerEvent) Repeat() bool { return e.repeat }

// Cancel 可以在任意线程调用，已出队但尚未执行的回调也会被跳过
func (e *TimerEvent) Cancel() { e.canceled.Store(true) }

func (e *TimerEvent) Canceled() bool { return e.canceled.Load() }

func timerLess(a, b *TimerEvent) bool {
	if a.deadline != b.deadline {
		return a.deadline < b.deadline
	}
	return a.seq < b.seq
}
