package eventloop

import "time"

var epoch = time.Now()

// NowMs 返回进程内单调递增的毫秒时间，不受墙钟调整影响
func NowMs() int64 {
	return time.Since(epoch).Milliseconds()
}
