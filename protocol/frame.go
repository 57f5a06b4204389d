package protocol

import (
	"encoding/binary"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// TinyPB 帧布局（大端）：
//
//	[0x02][pk_len][id_len][id][method_len][method][err_code][err_info_len][err_info][payload][checksum][0x03]
//
// pk_len 覆盖整帧，包括首尾标记。
const (
	Start byte = 0x02
	End   byte = 0x03

	// FixedOverhead = 两个标记 + 6 个 4 字节整数
	FixedOverhead = 2 + 6*4

	DefaultMaxFrameSize = 16 << 20
)

// Message 是一条 TinyPB 请求或响应
type Message struct {
	MsgID      string
	MethodName string
	ErrCode    int32
	ErrInfo    string
	Payload    []byte

	// 以下字段由编解码填充
	PkLen    int32
	Checksum uint32
	ParseOK  bool
}

// FrameLen 按当前字段计算 pk_len
func (m *Message) FrameLen() int {
	return FixedOverhead + len(m.MsgID) + len(m.MethodName) + len(m.ErrInfo) + len(m.Payload)
}

// Reply 构造与请求同 id、同方法名的空响应
func (m *Message) Reply() *Message {
	return &Message{MsgID: m.MsgID, MethodName: m.MethodName}
}

// NewMsgID 生成 32 位十六进制的关联 id
func NewMsgID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// checksum 覆盖从起始标记到 payload 末尾的所有字节
func checksum(b []byte) uint32 {
	return uint32(xxhash.Sum64(b))
}

func putInt32(dst []byte, v int32) []byte {
	return binary.BigEndian.AppendUint32(dst, uint32(v))
}

func getInt32(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}
