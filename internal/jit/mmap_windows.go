//go:build windows

package jit

import (
	"unsafe"

	"golang.org/x/sys/windows"
)

// mapExecutable 分配可执行内存（Windows）
func mapExecutable(size int) ([]byte, error) {
	addr, err := windows.VirtualAlloc(0, uintptr(size),
		windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_EXECUTE_READWRITE)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(addr)), size), nil
}

// unmapExecutable 释放可执行内存（Windows）
func unmapExecutable(mem []byte) error {
	if cap(mem) == 0 {
		return nil
	}
	return windows.VirtualFree(uintptr(unsafe.Pointer(&mem[:1][0])), 0, windows.MEM_RELEASE)
}
