package protocol

import (
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// payload 压缩使用的 zstd 编解码器池。解码上限与默认最大帧一致，
// 防止恶意小包解压出超大内容。
var (
	payloadEncoders = sync.Pool{New: func() any {
		enc, err := zstd.NewWriter(nil,
			zstd.WithEncoderLevel(zstd.SpeedFastest),
			zstd.WithEncoderConcurrency(1))
		if err != nil {
			return nil
		}
		return enc
	}}
	payloadDecoders = sync.Pool{New: func() any {
		dec, err := zstd.NewReader(nil,
			zstd.WithDecoderConcurrency(1),
			zstd.WithDecoderMaxMemory(DefaultMaxFrameSize))
		if err != nil {
			return nil
		}
		return dec
	}}
)

// Compress 用池化的 zstd 编码器压缩 payload，空 payload 原样返回
func Compress(payload []byte) []byte {
	if len(payload) == 0 {
		return payload
	}
	enc, _ := payloadEncoders.Get().(*zstd.Encoder)
	if enc == nil {
		return payload
	}
	defer payloadEncoders.Put(enc)
	return enc.EncodeAll(payload, make([]byte, 0, len(payload)/2+16))
}

func Decompress(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, nil
	}
	dec, _ := payloadDecoders.Get().(*zstd.Decoder)
	if dec == nil {
		return nil, fmt.Errorf("protocol: zstd decoder unavailable")
	}
	defer payloadDecoders.Put(dec)
	out, err := dec.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("protocol: decompress payload: %w", err)
	}
	return out, nil
}
