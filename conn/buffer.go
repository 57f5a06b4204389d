package conn

import "errors"

var ErrBufferFull = errors.New("conn: buffer above high water mark")

// Buffer 是连接的线性收发缓冲，满足 0 <= read <= write <= cap。
// 只在所属 loop 线程中使用，不加锁。
type Buffer struct {
	buf       []byte
	r         int
	w         int
	highWater int
}

func NewBuffer(size int) *Buffer {
	if size <= 0 {
		size = 128
	}
	return &Buffer{buf: make([]byte, size)}
}

func (b *Buffer) Cap() int { return len(b.buf) }

func (b *Buffer) Readable() int { return b.w - b.r }

func (b *Buffer) Writable() int { return len(b.buf) - b.w }

func (b *Buffer) ReadIndex() int { return b.r }

func (b *Buffer) WriteIndex() int { return b.w }

// SetHighWater 限制未读数据量，0 表示不限
func (b *Buffer) SetHighWater(n int) { b.highWater = n }

func (b *Buffer) WriteToBuffer(p []byte) error {
	need := b.Readable() + len(p)
	if b.highWater > 0 && need > b.highWater {
		return ErrBufferFull
	}
	if len(p) > b.Writable() {
		if need <= len(b.buf) {
			b.AdjustBuffer()
		} else {
			size := 2 * len(b.buf)
			if size < need {
				size = need
			}
			b.ResizeBuffer(size)
		}
	}
	copy(b.buf[b.w:], p)
	b.w += len(p)
	return nil
}

// ReadFromBuffer 拷贝出最多 n 字节并前移读指针
func (b *Buffer) ReadFromBuffer(n int) []byte {
	if n > b.Readable() {
		n = b.Readable()
	}
	if n <= 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b.buf[b.r:b.r+n])
	b.MoveReadIndex(n)
	return out
}

// MoveReadIndex 在读空时把两个指针都归零
func (b *Buffer) MoveReadIndex(n int) {
	if n > b.Readable() {
		n = b.Readable()
	}
	if n <= 0 {
		return
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
}

func (b *Buffer) MoveWriteIndex(n int) {
	if n > b.Writable() {
		n = b.Writable()
	}
	if n > 0 {
		b.w += n
	}
}

// AdjustBuffer 把未读数据挪到开头
func (b *Buffer) AdjustBuffer() {
	if b.r == 0 {
		return
	}
	n := copy(b.buf, b.buf[b.r:b.w])
	b.r, b.w = 0, n
}

// ResizeBuffer 改变容量，不会小于当前未读数据量
func (b *Buffer) ResizeBuffer(size int) {
	if size < b.Readable() {
		size = b.Readable()
	}
	nb := make([]byte, size)
	n := copy(nb, b.buf[b.r:b.w])
	b.buf, b.r, b.w = nb, 0, n
}

func (b *Buffer) ReadableSlice() []byte { return b.buf[b.r:b.w] }

func (b *Buffer) WritableSlice() []byte { return b.buf[b.w:] }

func (b *Buffer) Reset() { b.r, b.w = 0, 0 }
