// memory.go - 可执行内存管理
//
// JIT 编译生成的机器码需要存储在可执行内存中才能被 CPU 执行。
// 引擎启动时映射一块 RWX 内存作为代码区，之后按首次适配分配，
// 每个分配 16 字节对齐，释放时与相邻空闲区合并。
//
// 安全注意事项：
// - 代码区同时具有读、写、执行权限（RWX），链接补丁直接改写代码
// - 映射失败时退化为普通堆内存，此时只能缓存代码，不能执行

package jit

import (
	"fmt"
	"sort"
	"sync"
	"unsafe"
)

const codeAlign = 16

// span 代码区中的一段空闲区
type span struct {
	off  int
	size int
}

// execArena 可执行代码区
type execArena struct {
	mu         sync.Mutex
	mem        []byte
	executable bool
	free       []span // 按偏移排序，相邻空闲区已合并
	used       int
}

// newExecArena 映射 size 字节的代码区
func newExecArena(size int) *execArena {
	size = alignUp(size, codeAlign)
	a := &execArena{}
	mem, err := mapExecutable(size)
	if err == nil {
		a.mem = mem
		a.executable = true
	} else {
		// 多留出对齐余量
		raw := make([]byte, size+codeAlign)
		skip := alignUp(int(addrOf(raw)), codeAlign) - int(addrOf(raw))
		a.mem = raw[skip : skip+size : skip+size]
	}
	a.free = []span{{off: 0, size: len(a.mem)}}
	return a
}

func alignUp(n, align int) int {
	return (n + align - 1) &^ (align - 1)
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Executable 代码区是否可以执行
func (a *execArena) Executable() bool {
	return a.executable
}

// alloc 分配空间并复制机器码，返回代码区中的副本
func (a *execArena) alloc(code []byte) ([]byte, error) {
	need := alignUp(len(code), codeAlign)
	if need == 0 {
		need = codeAlign
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i := range a.free {
		s := &a.free[i]
		if s.size < need {
			continue
		}
		off := s.off
		s.off += need
		s.size -= need
		if s.size == 0 {
			a.free = append(a.free[:i], a.free[i+1:]...)
		}
		a.used += need
		mem := a.mem[off : off+len(code) : off+need]
		copy(mem, code)
		return mem, nil
	}
	return nil, fmt.Errorf("exec arena: no space for %d bytes (used %d of %d)", need, a.used, len(a.mem))
}

// release 归还 alloc 返回的空间
func (a *execArena) release(mem []byte) {
	if cap(mem) == 0 {
		return
	}
	off := int(addrOf(mem[:1]) - addrOf(a.mem))
	size := cap(mem)

	a.mu.Lock()
	defer a.mu.Unlock()
	i := sort.Search(len(a.free), func(i int) bool { return a.free[i].off > off })
	a.free = append(a.free, span{})
	copy(a.free[i+1:], a.free[i:])
	a.free[i] = span{off: off, size: size}
	a.used -= size

	// 与后一个合并
	if i+1 < len(a.free) && a.free[i].off+a.free[i].size == a.free[i+1].off {
		a.free[i].size += a.free[i+1].size
		a.free = append(a.free[:i+1], a.free[i+2:]...)
	}
	// 与前一个合并
	if i > 0 && a.free[i-1].off+a.free[i-1].size == a.free[i].off {
		a.free[i-1].size += a.free[i].size
		a.free = append(a.free[:i], a.free[i+1:]...)
	}
}

// Used 已分配字节数
func (a *execArena) Used() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.used
}

// Close 解除映射
func (a *execArena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.mem == nil {
		return nil
	}
	var err error
	if a.executable {
		err = unmapExecutable(a.mem)
	}
	a.mem = nil
	a.free = nil
	return err
}
