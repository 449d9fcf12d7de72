//go:build unix

package jit

import (
	"golang.org/x/sys/unix"
)

// mapExecutable 映射可执行内存（Unix/Linux/macOS）
func mapExecutable(size int) ([]byte, error) {
	pageSize := unix.Getpagesize()
	alignedSize := (size + pageSize - 1) &^ (pageSize - 1)
	mem, err := unix.Mmap(-1, 0, alignedSize,
		unix.PROT_READ|unix.PROT_WRITE|unix.PROT_EXEC,
		unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, err
	}
	return mem[:size], nil
}

// unmapExecutable 解除映射
func unmapExecutable(mem []byte) error {
	if cap(mem) == 0 {
		return nil
	}
	pageSize := unix.Getpagesize()
	return unix.Munmap(mem[:(cap(mem)+pageSize-1)&^(pageSize-1)])
}
