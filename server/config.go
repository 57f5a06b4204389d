package server

import (
	"time"

	"github.com/legamerdc/tinyrpc/protocol"
	"github.com/lni/dragonboat/v4/logger"
)

type Config struct {
	Addr           string
	IOThreads      int
	Backlog        int
	ReusePort      bool
	InitBufferSize int
	MaxBufferSize  int
	SockRecvBuf    int // SO_RCVBUF，0 使用内核默认值
	SockSendBuf    int // SO_SNDBUF，0 使用内核默认值
	MaxWait        time.Duration
	Codec          *protocol.Codec
	Logger         logger.ILogger
}

func DefaultConfig() Config {
	return Config{
		Addr:           "127.0.0.1:12345",
		IOThreads:      4,
		Backlog:        1024,
		InitBufferSize: 128,
		MaxWait:        10 * time.Second,
	}
}
