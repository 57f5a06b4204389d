//go:build linux

package eventloop

import (
	"sync"
	"sync/atomic"
)

// IOThread 拥有一个独占 OS 线程的 loop。创建后 loop 已就绪，Start 之后才开始运行。
type IOThread struct {
	loop      *EventLoop
	start     chan struct{}
	startOnce sync.Once
	done      chan struct{}
}

// NewIOThread 阻塞到工作线程上的 loop 创建完成
func NewIOThread(opts Options) (*IOThread, error) {
	t := &IOThread{
		start: make(chan struct{}),
		done:  make(chan struct{}),
	}
	ready := make(chan error, 1)
	go t.run(opts, ready)
	if err := <-ready; err != nil {
		return nil, err
	}
	return t, nil
}

func (t *IOThread) run(opts Options, ready chan<- error) {
	defer close(t.done)
	loop, err := New(opts)
	if err != nil {
		ready <- err
		return
	}
	t.loop = loop
	ready <- nil

	<-t.start
	if err := loop.Loop(); err != nil {
		loop.log.Errorf("io thread %d loop exited: %v", loop.tid, err)
	}
	loop.Close()
}

func (t *IOThread) Loop() *EventLoop { return t.loop }

func (t *IOThread) Start() {
	t.startOnce.Do(func() { close(t.start) })
}

// Stop 可以在 Start 之前调用，此时线程直接退出
func (t *IOThread) Stop() {
	t.loop.Stop()
	t.Start()
}

func (t *IOThread) Join() { <-t.done }

// IOThreadGroup 是固定数量的 IOThread，Next 轮询分配
type IOThreadGroup struct {
	threads []*IOThread
	next    atomic.Uint64
}

func NewIOThreadGroup(n int, opts Options) (*IOThreadGroup, error) {
	if n <= 0 {
		n = 1
	}
	g := &IOThreadGroup{threads: make([]*IOThread, 0, n)}
	for i := 0; i < n; i++ {
		t, err := NewIOThread(opts)
		if err != nil {
			g.Stop()
			g.Join()
			return nil, err
		}
		g.threads = append(g.threads, t)
	}
	return g, nil
}

func (g *IOThreadGroup) Size() int { return len(g.threads) }

func (g *IOThreadGroup) Start() {
	for _, t := range g.threads {
		t.Start()
	}
}

func (g *IOThreadGroup) Next() *IOThread {
	i := g.next.Add(1) - 1
	return g.threads[i%uint64(len(g.threads))]
}

func (g *IOThreadGroup) Stop() {
	for _, t := range g.threads {
		t.Stop()
	}
}

func (g *IOThreadGroup) Join() {
	for _, t := range g.threads {
		t.Join()
	}
}
