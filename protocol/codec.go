package protocol

import (
	"errors"
	"fmt"

	"github.com/legamerdc/tinyrpc/internal/logging"
	"github.com/legamerdc/tinyrpc/internal/stats"
	"github.com/lni/dragonboat/v4/logger"
)

var (
	ErrFrameTooLarge = errors.New("protocol: frame too large")
	ErrBadChecksum   = errors.New("protocol: checksum mismatch")
	errTruncated     = errors.New("protocol: field overruns frame")
)

// Buffer 是编解码所需的缓冲视图，conn.Buffer 实现它
type Buffer interface {
	ReadableSlice() []byte
	MoveReadIndex(n int)
	WriteToBuffer(p []byte) error
}

// Codec 负责 TinyPB 帧与 Message 之间的转换，无状态，可在多个连接间共享
type Codec struct {
	MaxFrameSize   int
	VerifyChecksum bool
	Log            logger.ILogger
}

func NewCodec() *Codec {
	return &Codec{
		MaxFrameSize:   DefaultMaxFrameSize,
		VerifyChecksum: true,
		Log:            logging.Default("codec"),
	}
}

func (c *Codec) maxFrame() int {
	if c.MaxFrameSize <= 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

func (c *Codec) logger() logger.ILogger {
	if c.Log == nil {
		c.Log = logging.Default("codec")
	}
	return c.Log
}

// AppendFrame 将 m 编码追加到 dst。空 MsgID 会被替换为新 id，PkLen 和 Checksum 每次重新计算。
func (c *Codec) AppendFrame(dst []byte, m *Message) ([]byte, error) {
	if m.MsgID == "" {
		m.MsgID = NewMsgID()
	}
	n := m.FrameLen()
	if n > c.maxFrame() {
		return dst, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, c.maxFrame())
	}
	m.PkLen = int32(n)

	base := len(dst)
	dst = append(dst, Start)
	dst = putInt32(dst, m.PkLen)
	dst = putInt32(dst, int32(len(m.MsgID)))
	dst = append(dst, m.MsgID...)
	dst = putInt32(dst, int32(len(m.MethodName)))
	dst = append(dst, m.MethodName...)
	dst = putInt32(dst, m.ErrCode)
	dst = putInt32(dst, int32(len(m.ErrInfo)))
	dst = append(dst, m.ErrInfo...)
	dst = append(dst, m.Payload...)
	m.Checksum = checksum(dst[base:])
	dst = putInt32(dst, int32(m.Checksum))
	dst = append(dst, End)
	return dst, nil
}

func (c *Codec) Encode(m *Message) ([]byte, error) {
	return c.AppendFrame(make([]byte, 0, m.FrameLen()), m)
}

// EncodeTo 依次编码 msgs 写入 out，单条失败时跳过并返回第一个错误
func (c *Codec) EncodeTo(out Buffer, msgs ...*Message) error {
	var (
		firstErr error
		frame    []byte
	)
	for _, m := range msgs {
		var err error
		frame, err = c.AppendFrame(frame[:0], m)
		if err == nil {
			err = out.WriteToBuffer(frame)
		}
		if err != nil {
			c.logger().Errorf("encode msg_id=%s method=%s failed: %v", m.MsgID, m.MethodName, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Decode 从 in 中解出尽可能多的完整帧。不完整的帧留在缓冲中等待更多数据；
// 结构不一致的帧以 ParseOK=false 返回并被消费；没有起始标记的字节直接丢弃。
func (c *Codec) Decode(in Buffer) []*Message {
	data := in.ReadableSlice()
	var out []*Message
	i := 0
	for i < len(data) {
		if data[i] != Start {
			i++
			continue
		}
		if len(data)-i < 5 {
			break
		}
		pk := int(getInt32(data[i+1:]))
		if pk < FixedOverhead || pk > c.maxFrame() {
			c.logger().Debugf("skip start byte with implausible pk_len %d", pk)
			i++
			continue
		}
		if len(data)-i < pk {
			break
		}
		if data[i+pk-1] != End {
			i++
			continue
		}
		m, err := c.parseFrame(data[i : i+pk])
		i += pk
		if err != nil {
			stats.FramesRejected.Inc()
			c.logger().Errorf("decode frame msg_id=%q failed: %v", m.MsgID, err)
		} else {
			stats.FramesDecoded.Inc()
		}
		out = append(out, m)
	}
	in.MoveReadIndex(i)
	return out
}

// parseFrame 解析一个首尾已确认的帧，所有长度字段在切片前做越界检查
func (c *Codec) parseFrame(f []byte) (*Message, error) {
	m := &Message{PkLen: int32(len(f))}
	body := f[:len(f)-5] // 去掉 checksum 和结束标记
	pos := 5

	readStr := func() (string, error) {
		if pos+4 > len(body) {
			return "", errTruncated
		}
		n := int(getInt32(body[pos:]))
		pos += 4
		if n < 0 || n > len(body)-pos {
			return "", errTruncated
		}
		s := string(body[pos : pos+n])
		pos += n
		return s, nil
	}

	var err error
	if m.MsgID, err = readStr(); err != nil {
		return m, fmt.Errorf("msg_id: %w", err)
	}
	if m.MethodName, err = readStr(); err != nil {
		return m, fmt.Errorf("method_name: %w", err)
	}
	if pos+4 > len(body) {
		return m, fmt.Errorf("err_code: %w", errTruncated)
	}
	m.ErrCode = getInt32(body[pos:])
	pos += 4
	if m.ErrInfo, err = readStr(); err != nil {
		return m, fmt.Errorf("err_info: %w", err)
	}

	payloadLen := len(f) - len(m.MsgID) - len(m.MethodName) - len(m.ErrInfo) - FixedOverhead
	if payloadLen < 0 || pos+payloadLen != len(body) {
		return m, fmt.Errorf("payload length %d: %w", payloadLen, errTruncated)
	}
	if payloadLen > 0 {
		m.Payload = append([]byte(nil), body[pos:]...)
	}

	m.Checksum = uint32(getInt32(f[len(f)-5:]))
	if c.VerifyChecksum {
		if want := checksum(body); want != m.Checksum {
			return m, fmt.Errorf("%w: got %08x want %08x", ErrBadChecksum, m.Checksum, want)
		}
	}
	m.ParseOK = true
	return m, nil
}
