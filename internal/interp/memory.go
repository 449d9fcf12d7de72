package interp

import (
	"encoding/binary"
	"errors"
	"sync"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// ErrOutOfBounds 访问超出内存范围
var ErrOutOfBounds = errors.New("interp: access out of bounds")

// FlatMemory 从 0 开始的平坦小端内存，用于测试和命令行演示
type FlatMemory struct {
	mu   sync.Mutex
	data []byte
}

// NewFlatMemory 创建指定大小的内存
func NewFlatMemory(size int) *FlatMemory {
	return &FlatMemory{data: make([]byte, size)}
}

func (m *FlatMemory) slice(addr uint64, size int) ([]byte, error) {
	if addr > uint64(len(m.data)) || uint64(len(m.data))-addr < uint64(size) {
		return nil, ErrOutOfBounds
	}
	return m.data[addr : addr+uint64(size)], nil
}

func (m *FlatMemory) read(addr uint64, size int) (uint64, error) {
	buf, err := m.slice(addr, size)
	if err != nil {
		return 0, err
	}
	switch size {
	case 1:
		return uint64(buf[0]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf)), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf)), nil
	default:
		return binary.LittleEndian.Uint64(buf), nil
	}
}

func (m *FlatMemory) write(addr, value uint64, size int) error {
	buf, err := m.slice(addr, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		buf[0] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(buf, uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(buf, uint32(value))
	default:
		binary.LittleEndian.PutUint64(buf, value)
	}
	return nil
}

func (m *FlatMemory) Read(addr uint64, size int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.read(addr, size)
}

func (m *FlatMemory) Write(addr, value uint64, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(addr, value, size)
}

// AtomicRMW 在锁内完成读改写
func (m *FlatMemory) AtomicRMW(kind ir.RMWKind, addr, value uint64, size int) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, err := m.read(addr, size)
	if err != nil {
		return 0, err
	}
	return old, m.write(addr, truncate(kind.Apply(old, value), size), size)
}

// Bytes 返回内存内容的拷贝
func (m *FlatMemory) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}
