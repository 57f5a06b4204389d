package rpc

import (
	"github.com/legamerdc/tinyrpc/protocol"
	"google.golang.org/protobuf/proto"
)

// Serializer 负责 payload 与消息对象之间的转换
type Serializer interface {
	Marshal(m proto.Message) ([]byte, error)
	Unmarshal(b []byte, m proto.Message) error
}

type ProtoSerializer struct{}

func (ProtoSerializer) Marshal(m proto.Message) ([]byte, error) {
	return proto.Marshal(m)
}

func (ProtoSerializer) Unmarshal(b []byte, m proto.Message) error {
	return proto.Unmarshal(b, m)
}

// CompressSerializer 在内层序列化结果上再做 zstd 压缩，两端需同时开启
type CompressSerializer struct {
	Inner Serializer
}

func (s CompressSerializer) inner() Serializer {
	if s.Inner == nil {
		return ProtoSerializer{}
	}
	return s.Inner
}

func (s CompressSerializer) Marshal(m proto.Message) ([]byte, error) {
	b, err := s.inner().Marshal(m)
	if err != nil {
		return nil, err
	}
	return protocol.Compress(b), nil
}

func (s CompressSerializer) Unmarshal(b []byte, m proto.Message) error {
	raw, err := protocol.Decompress(b)
	if err != nil {
		return err
	}
	return s.inner().Unmarshal(raw, m)
}
