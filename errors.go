package tinyrpc

import "errors"

var (
	// ErrPlatformNotSupported 非 Linux 平台（需要 epoll/eventfd/timerfd）
	ErrPlatformNotSupported = errors.New("tinyrpc: platform not supported (requires Linux/epoll)")

	// ErrInvalidArgument 配置或参数非法
	ErrInvalidArgument = errors.New("tinyrpc: invalid argument")
)
