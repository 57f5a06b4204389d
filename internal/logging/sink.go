package logging

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/lni/dragonboat/v4/logger"
)

type Config struct {
	Level        string
	Path         string // 为空时写 stdout
	MaxSize      int64  // 超过后滚动到 <path>.1，0 表示不滚动
	SyncInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Level:        "info",
		MaxSize:      64 << 20,
		SyncInterval: time.Second,
	}
}

// Sink 是多个 logger 共享的带缓冲输出，由后台 ticker 定期 flush
type Sink struct {
	cfg   Config
	level logger.LogLevel

	mu      sync.Mutex
	file    *os.File
	w       *bufio.Writer
	written int64

	stop chan struct{}
	done chan struct{}
}

func NewSink(cfg Config) (*Sink, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	s := &Sink{cfg: cfg, level: level, stop: make(chan struct{}), done: make(chan struct{})}
	if cfg.Path == "" {
		s.w = bufio.NewWriter(os.Stdout)
	} else if err := s.open(); err != nil {
		return nil, err
	}
	interval := cfg.SyncInterval
	if interval <= 0 {
		interval = time.Second
	}
	go s.syncLoop(interval)
	return s, nil
}

func (s *Sink) open() error {
	f, err := os.OpenFile(s.cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("logging: open %s: %w", s.cfg.Path, err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("logging: stat %s: %w", s.cfg.Path, err)
	}
	s.file = f
	s.w = bufio.NewWriter(f)
	s.written = st.Size()
	return nil
}

// rotate 要求持有 s.mu
func (s *Sink) rotate() error {
	s.w.Flush()
	s.file.Close()
	if err := os.Rename(s.cfg.Path, s.cfg.Path+".1"); err != nil {
		return err
	}
	return s.open()
}

func (s *Sink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil && s.cfg.MaxSize > 0 && s.written+int64(len(p)) > s.cfg.MaxSize {
		if err := s.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := s.w.Write(p)
	s.written += int64(n)
	return n, err
}

func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

func (s *Sink) syncLoop(interval time.Duration) {
	defer close(s.done)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Flush()
		case <-s.stop:
			return
		}
	}
}

// Close 停止后台 flush 并关闭文件
func (s *Sink) Close() error {
	select {
	case <-s.stop:
		return nil
	default:
	}
	close(s.stop)
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.w.Flush()
	if s.file != nil {
		if cerr := s.file.Close(); err == nil {
			err = cerr
		}
		s.file = nil
		s.w = bufio.NewWriter(io.Discard)
	}
	return err
}

// Logger 返回写入该 sink 的具名 logger，级别取自 Config.Level
func (s *Sink) Logger(name string) logger.ILogger {
	return newLogger(name, s.level, log.New(s, "", log.Ldate|log.Lmicroseconds))
}

// New 创建独占 sink 的 logger，适合只需要一个组件日志的场景
func New(name string, cfg Config) (logger.ILogger, *Sink, error) {
	s, err := NewSink(cfg)
	if err != nil {
		return nil, nil, err
	}
	return s.Logger(name), s, nil
}
