// x64_codegen.go - x86-64 代码生成器
//
// 本文件实现了 x86-64 后端的代码模板。
//
// 调用约定：System V 风格，由 jitcall 跳板传入帧基址
// - RDI: 帧基址（整个块内不变）
// - RAX, RCX, RDX: 暂存寄存器（RDX 用于内存到内存的搬运）
// - RBX, RSI, R8-R15: 可分配寄存器
// - RBX, R12-R15 在序言中保存、尾声中恢复
//
// 链接槽是 jmp rel32 的 4 字节位移，前面用 NOP 填充保证 4 字节对齐。

package jit

import (
	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// x86-64 代码生成器
// ============================================================================

// 可分配的寄存器（分配结果中的下标 -> 物理寄存器）
var x64AllocRegs = [...]X64Reg{RBX, RSI, R8, R9, R10, R11, R12, R13, R14, R15}

// 序言中保存的被调用者保存寄存器
var x64SavedRegs = [...]X64Reg{RBX, R12, R13, R14, R15}

// x64Emitter x86-64 后端
type x64Emitter struct {
	asm       *X64Assembler
	epiLabel  int // 尾声标签
	dispLabel int // 恢复分发表标签
}

func newX64Emitter(capacity int) *x64Emitter {
	asm := NewX64Assembler(capacity)
	return &x64Emitter{
		asm:       asm,
		epiLabel:  asm.NewLabel(),
		dispLabel: asm.NewLabel(),
	}
}

func (e *x64Emitter) isa() ISA    { return ISAX86_64 }
func (e *x64Emitter) numRegs() int { return len(x64AllocRegs) }

func (e *x64Emitter) newLabel() int  { return e.asm.NewLabel() }
func (e *x64Emitter) bind(label int) { e.asm.Label(label) }

// prologue 序言：保存寄存器，检查恢复，进入链接入口
func (e *x64Emitter) prologue(hasResume bool) int {
	a := e.asm
	for _, r := range x64SavedRegs {
		a.Push(r)
	}
	if hasResume {
		a.MovRegMem(RAX, RDI, frameResumeOffset)
		a.TestRegReg(RAX, RAX)
		a.Jne(e.dispLabel)
	}

	// 链接入口：链接跳转直接落在这里，序言已由第一个块执行
	entry := a.Len()
	a.IncMem(RDI, frameBlocksOffset)
	a.LeaRIP(RAX, 0)
	a.MovMemReg(RDI, frameCurOffset, RAX)
	return entry
}

// load 把位置读入暂存寄存器
func (e *x64Emitter) load(dst X64Reg, loc Location) {
	if loc.Kind == LocReg {
		e.asm.MovRegReg(dst, x64AllocRegs[loc.Reg])
		return
	}
	e.asm.MovRegMem(dst, RDI, loc.Offset)
}

// store 把暂存寄存器写入位置
func (e *x64Emitter) store(loc Location, src X64Reg) {
	if loc.Kind == LocReg {
		e.asm.MovRegReg(x64AllocRegs[loc.Reg], src)
		return
	}
	e.asm.MovMemReg(RDI, loc.Offset, src)
}

func (e *x64Emitter) materialize(loc Location, vreg uint8) {
	if loc.Kind == LocReg {
		e.asm.MovRegMem(x64AllocRegs[loc.Reg], RDI, regOffset(vreg))
		return
	}
	e.asm.MovRegMem(RDX, RDI, regOffset(vreg))
	e.asm.MovMemReg(RDI, loc.Offset, RDX)
}

func (e *x64Emitter) writeBack(vreg uint8, loc Location) {
	if loc.Kind == LocReg {
		e.asm.MovMemReg(RDI, regOffset(vreg), x64AllocRegs[loc.Reg])
		return
	}
	e.asm.MovRegMem(RDX, RDI, loc.Offset)
	e.asm.MovMemReg(RDI, regOffset(vreg), RDX)
}

func (e *x64Emitter) movImm(dst Location, imm uint64) {
	if dst.Kind == LocReg {
		e.asm.MovRegImm(x64AllocRegs[dst.Reg], imm)
		return
	}
	e.asm.MovRegImm(RAX, imm)
	e.asm.MovMemReg(RDI, dst.Offset, RAX)
}

// binary 二元运算模板：mov rax, a; mov rcx, b; op rax, rcx; mov dst, rax
func (e *x64Emitter) binary(kind ir.OpKind, dst, x, y Location) bool {
	a := e.asm
	e.load(RAX, x)
	e.load(RCX, y)
	switch kind {
	case ir.OpAdd:
		a.AddRegReg(RAX, RCX)
	case ir.OpSub:
		a.SubRegReg(RAX, RCX)
	case ir.OpMul:
		a.IMulRegReg(RAX, RCX)
	case ir.OpDiv:
		// 除数为 0 时结果为全 1
		a.TestRegReg(RCX, RCX)
		a.JzShort(7)
		a.XorReg32(RDX, RDX) // 2 字节
		a.DivReg(RCX)        // 3 字节
		a.JmpShort(7)        // 2 字节
		a.MovRegImm32(RAX, -1)
	case ir.OpAnd:
		a.AndRegReg(RAX, RCX)
	case ir.OpOr:
		a.OrRegReg(RAX, RCX)
	case ir.OpXor:
		a.XorRegReg(RAX, RCX)
	case ir.OpShl:
		a.ShlRegCL(RAX)
	case ir.OpShr:
		a.ShrRegCL(RAX)
	case ir.OpCmpEq:
		a.CmpRegReg(RAX, RCX)
		a.SetE(RAX)
		a.MovzxReg8(RAX, RAX)
	default:
		return false
	}
	e.store(dst, RAX)
	return true
}

// clz 基线 x86-64 没有 LZCNT
func (e *x64Emitter) clz(dst, src Location) bool {
	return false
}

// fence x86-64 是 TSO，只有全屏障需要指令
func (e *x64Emitter) fence(kind ir.FenceKind) {
	if kind == ir.FenceFull {
		e.asm.Mfence()
	}
}

func (e *x64Emitter) jumpIfNonZero(cond Location, label int) {
	r := RAX
	if cond.Kind == LocReg {
		r = x64AllocRegs[cond.Reg]
	} else {
		e.asm.MovRegMem(RAX, RDI, cond.Offset)
	}
	e.asm.TestRegReg(r, r)
	e.asm.Jne(label)
}

func (e *x64Emitter) memoryExit(resume int) {
	e.asm.MovMemImm32(RDI, frameResumeOffset, int32(resume))
	e.asm.MovMemImm32(RDI, frameExitOffset, ExitMemory)
	e.asm.Jmp(e.epiLabel)
}

// directExit 出口桩：Next = target; Budget--; 用完则返回，否则经链接槽跳转
func (e *x64Emitter) directExit(target uint64) int {
	a := e.asm
	a.MovRegImm(RAX, target)
	a.MovMemReg(RDI, frameNextOffset, RAX)
	a.DecMem(RDI, frameBudgetOffset)
	a.Jle(e.epiLabel)
	for (a.Len()+1)%4 != 0 {
		a.Nop()
	}
	a.emit(0xE9)
	slot := a.Len()
	a.reloc(e.epiLabel)
	return slot
}

func (e *x64Emitter) indirectExit(base Location, offset int64) {
	a := e.asm
	e.load(RAX, base)
	if offset != 0 {
		if offset >= -1<<31 && offset < 1<<31 {
			a.AddRegImm32(RAX, int32(offset))
		} else {
			a.MovRegImm64(RCX, uint64(offset))
			a.AddRegReg(RAX, RCX)
		}
	}
	a.MovMemReg(RDI, frameNextOffset, RAX)
	a.MovMemImm32(RDI, frameExitOffset, ExitIndirect)
	a.Jmp(e.epiLabel)
}

func (e *x64Emitter) terminalExit(exit int, addr uint64) {
	a := e.asm
	a.MovRegImm(RAX, addr)
	a.MovMemReg(RDI, frameNextOffset, RAX)
	a.MovMemImm32(RDI, frameExitOffset, int32(exit))
	a.Jmp(e.epiLabel)
}

// dispatch 恢复分发表，进入时 RAX = Resume
func (e *x64Emitter) dispatch(points []resumePoint) {
	a := e.asm
	a.Label(e.dispLabel)
	a.MovMemImm32(RDI, frameResumeOffset, 0)
	for _, p := range points {
		a.CmpRegImm32(RAX, int32(p.index+1))
		a.Je(p.label)
	}
	a.Jmp(e.epiLabel)
}

func (e *x64Emitter) epilogue() {
	a := e.asm
	a.Label(e.epiLabel)
	for i := len(x64SavedRegs) - 1; i >= 0; i-- {
		a.Pop(x64SavedRegs[i])
	}
	a.Ret()
}

func (e *x64Emitter) finish() ([]byte, error) {
	return e.asm.Code()
}
