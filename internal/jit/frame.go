// frame.go - 本机代码与分发循环之间的帧
//
// 生成的代码只通过帧与外界交互，帧基址由第一个参数寄存器传入
// (x86-64: RDI, ARM64: X0, RISC-V: a0)。
//
// 布局（字节偏移）：
//
//	  0  Regs[32]   客户机寄存器文件
//	256  Spill[32]  溢出槽
//	512  Next       下一个客户机地址
//	520  Exit       退出原因
//	528  Resume     非 0 时从第 Resume-1 个操作之后继续（访存出口返回）
//	536  Cur        当前正在执行的块的代码入口地址
//	544  Budget     链接执行的剩余块数
//	552  Blocks     本次进入执行的块数

package jit

import (
	"unsafe"

	"github.com/tangzhangming/vmjit/internal/ir"
)

const (
	frameRegsOffset   = 0
	frameSpillOffset  = 256
	frameNextOffset   = 512
	frameExitOffset   = 520
	frameResumeOffset = 528
	frameCurOffset    = 536
	frameBudgetOffset = 544
	frameBlocksOffset = 552
	frameSize         = 560
)

// 退出原因
const (
	ExitDirect   = 0 // 直接跳转出口，Next 为目标
	ExitMemory   = 1 // 访存操作，由分发循环代为执行
	ExitIndirect = 2 // 间接跳转（Ret/JmpReg），Next 为运行时目标
	ExitHalt     = 3
	ExitFault    = 4
)

// Frame 本机代码帧
type Frame struct {
	Regs   [ir.NumRegs]uint64
	Spill  [ir.NumRegs]uint64
	Next   uint64
	Exit   uint64
	Resume uint64
	Cur    uint64
	Budget int64
	Blocks uint64
}

func regOffset(vreg uint8) int32 {
	return frameRegsOffset + int32(vreg)*8
}

// 布局必须与生成代码使用的偏移一致
var _ = [1]struct{}{}[unsafe.Offsetof(Frame{}.Blocks)-frameBlocksOffset]
var _ = [1]struct{}{}[unsafe.Sizeof(Frame{})-frameSize]
