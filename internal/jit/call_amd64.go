//go:build amd64

package jit

// nativeHost 宿主可以直接执行 x86-64 代码
const nativeHost = true

// jitcall 调用编译后的本机代码（通过汇编实现）
// entry: 代码起始地址
// frame: 帧基址，经 RDI 传给生成的代码
//
//go:noescape
func jitcall(entry uintptr, frame *Frame)
