//go:build !amd64

package jit

import "runtime"

// 非 amd64 平台只编译和缓存代码，执行走解释器
const nativeHost = false

func jitcall(entry uintptr, frame *Frame) {
	panic("jit: native execution is not supported on " + runtime.GOARCH)
}
