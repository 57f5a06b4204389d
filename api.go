// Package tinyrpc 是基于每线程 reactor 的 RPC 引擎：主 loop 接受连接，
// IO 线程负责读写，TinyPB 帧承载 protobuf 请求与响应。
package tinyrpc

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/legamerdc/tinyrpc/internal/logging"
)

// Config 为服务端与客户端共用的配置
type Config struct {
	Address         string        // 监听或连接的主机，如 "127.0.0.1"
	Port            int           // 0 表示由内核分配
	IOThreads       int           // IO 线程数量
	InitBufferSize  int           // 每连接收发缓冲初始大小（字节）
	MaxBufferSize   int           // 发送缓冲高水位，0 表示不限
	SockRecvBuf     int           // 服务端连接的 SO_RCVBUF，0 为内核默认
	SockSendBuf     int           // 服务端连接的 SO_SNDBUF，0 为内核默认
	MaxFrameSize    int           // 单帧最大长度
	MaxWait         time.Duration // epoll_wait 最长阻塞
	CompressPayload bool          // payload 使用 zstd 压缩，两端需一致
	VerifyChecksum  bool
	CallTimeout     time.Duration // 客户端默认调用超时
	Log             logging.Config
}

// DefaultConfig 提供一组可工作的默认值
func DefaultConfig() Config {
	return Config{
		Address:        "127.0.0.1",
		Port:           12345,
		IOThreads:      4,
		InitBufferSize: 128,
		MaxBufferSize:  0,
		MaxFrameSize:   16 << 20, // 16 MiB
		MaxWait:        10 * time.Second,
		VerifyChecksum: true,
		CallTimeout:    time.Second,
		Log:            logging.DefaultConfig(),
	}
}

// Addr 返回 "host:port"
func (c Config) Addr() string {
	return net.JoinHostPort(c.Address, strconv.Itoa(c.Port))
}

func (c Config) Validate() error {
	switch {
	case c.Port < 0 || c.Port > 65535:
		return fmt.Errorf("%w: port %d", ErrInvalidArgument, c.Port)
	case c.IOThreads <= 0:
		return fmt.Errorf("%w: io threads %d", ErrInvalidArgument, c.IOThreads)
	case c.MaxFrameSize < 0 || c.MaxBufferSize < 0 || c.InitBufferSize < 0 ||
		c.SockRecvBuf < 0 || c.SockSendBuf < 0:
		return fmt.Errorf("%w: negative buffer size", ErrInvalidArgument)
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidArgument, err)
	}
	return nil
}

// String returns a formatted string representation of the configuration
func (c Config) String() string {
	var sb strings.Builder

	addSection := func(title string) {
		sb.WriteString("\n")
		sb.WriteString(fmt.Sprintf("%s\n", strings.ToUpper(title)))
	}
	addField := func(name, value string) {
		sb.WriteString(fmt.Sprintf("  %-22s: %s\n", name, value))
	}

	addSection("RPC Server")
	addField("Endpoint", c.Addr())
	addField("IO Threads", strconv.Itoa(c.IOThreads))
	addField("Max Wait", c.MaxWait.String())
	addField("Call Timeout", c.CallTimeout.String())

	addSection("Protocol")
	addField("Max Frame Size", fmt.Sprintf("%d bytes", c.MaxFrameSize))
	addField("Verify Checksum", fmt.Sprintf("%t", c.VerifyChecksum))
	addField("Compress Payload", fmt.Sprintf("%t", c.CompressPayload))

	addSection("Buffers")
	addField("Initial Size", fmt.Sprintf("%d bytes", c.InitBufferSize))
	if c.MaxBufferSize > 0 {
		addField("High Water", fmt.Sprintf("%d bytes", c.MaxBufferSize))
	} else {
		addField("High Water", "unbounded")
	}

	if c.SockRecvBuf > 0 || c.SockSendBuf > 0 {
		addField("Socket Recv/Send", fmt.Sprintf("%d/%d bytes", c.SockRecvBuf, c.SockSendBuf))
	}

	addSection("Logging")
	addField("Log Level", c.Log.Level)
	if c.Log.Path != "" {
		addField("Log File", c.Log.Path)
		addField("Max File Size", fmt.Sprintf("%d bytes", c.Log.MaxSize))
	} else {
		addField("Log File", "stdout")
	}
	addField("Sync Interval", c.Log.SyncInterval.String())

	return sb.String()
}
