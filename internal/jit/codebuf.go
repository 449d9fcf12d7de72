package jit

import (
	"encoding/binary"
)

// codeBuffer 固定容量的机器码缓冲区
//
// 容量由编译器根据块大小估算。写入超过容量时只记录溢出标记，
// 由编译器扩容重试一次。
type codeBuffer struct {
	code     []byte
	limit    int
	overflow bool
	labels   map[int]int // 标签 ID -> 代码偏移
	next     int         // 下一个可用标签 ID
}

func newCodeBuffer(limit int) codeBuffer {
	return codeBuffer{
		code:   make([]byte, 0, limit),
		limit:  limit,
		labels: make(map[int]int),
	}
}

// emit 写入字节
func (b *codeBuffer) emit(bytes ...byte) {
	if b.overflow || len(b.code)+len(bytes) > b.limit {
		b.overflow = true
		return
	}
	b.code = append(b.code, bytes...)
}

// emitU32 写入 32 位值（小端序）
func (b *codeBuffer) emitU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	b.emit(buf[:]...)
}

// emitU64 写入 64 位值（小端序）
func (b *codeBuffer) emitU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	b.emit(buf[:]...)
}

// Len 返回当前代码长度
func (b *codeBuffer) Len() int {
	return len(b.code)
}

// NewLabel 分配标签
func (b *codeBuffer) NewLabel() int {
	b.next++
	return b.next
}

// Label 在当前位置定义标签
func (b *codeBuffer) Label(id int) {
	b.labels[id] = len(b.code)
}

// Overflowed 是否写入超过容量
func (b *codeBuffer) Overflowed() bool {
	return b.overflow
}

// labelPos 标签位置，未定义时返回 false
func (b *codeBuffer) labelPos(id int) (int, bool) {
	pos, ok := b.labels[id]
	return pos, ok
}
