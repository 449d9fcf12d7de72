// arm64_codegen.go - ARM64 代码生成器
//
// 本文件实现了 ARM64 后端的代码模板。
//
// 寄存器约定：
// - X0: 帧基址
// - X1-X8, X12-X15: 可分配给客户机寄存器
// - X9, X10, X11: 暂存寄存器（两个源操作数与结果）
// - X30(LR): 返回地址，块内没有调用，不需要保存
//
// 链接槽是一条 b 指令，初始跳到尾声。

package jit

import (
	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// ARM64 代码生成器
// ============================================================================

// 可分配寄存器
var arm64AllocRegs = [...]ARM64Reg{X1, X2, X3, X4, X5, X6, X7, X8, X12, X13, X14, X15}

// arm64Emitter ARM64 后端
type arm64Emitter struct {
	asm       *ARM64Assembler
	epiLabel  int
	dispLabel int
}

func newARM64Emitter(capacity int) *arm64Emitter {
	asm := NewARM64Assembler(capacity)
	return &arm64Emitter{
		asm:       asm,
		epiLabel:  asm.NewLabel(),
		dispLabel: asm.NewLabel(),
	}
}

func (e *arm64Emitter) isa() ISA    { return ISAARM64 }
func (e *arm64Emitter) numRegs() int { return len(arm64AllocRegs) }

func (e *arm64Emitter) newLabel() int  { return e.asm.NewLabel() }
func (e *arm64Emitter) bind(label int) { e.asm.Label(label) }

// src 返回保存位置值的寄存器，栈槽先读入暂存寄存器
func (e *arm64Emitter) src(loc Location, scratch ARM64Reg) ARM64Reg {
	if loc.Kind == LocReg {
		return arm64AllocRegs[loc.Reg]
	}
	e.asm.LdrRegMem(scratch, X0, loc.Offset)
	return scratch
}

// dst 返回结果寄存器，栈槽使用 X11，由 commit 写回
func (e *arm64Emitter) dst(loc Location) ARM64Reg {
	if loc.Kind == LocReg {
		return arm64AllocRegs[loc.Reg]
	}
	return X11
}

func (e *arm64Emitter) commit(loc Location) {
	if loc.Kind == LocStack {
		e.asm.StrRegMem(X11, X0, loc.Offset)
	}
}

// loadImm 加载任意 64 位立即数
func (e *arm64Emitter) loadImm(dst ARM64Reg, imm uint64) {
	e.asm.MovRegImm64(dst, imm)
}

// prologue 恢复检查与链接入口
func (e *arm64Emitter) prologue(hasResume bool) int {
	a := e.asm
	if hasResume {
		a.LdrRegMem(X9, X0, frameResumeOffset)
		a.Cbnz(X9, e.dispLabel)
	}

	entry := a.Len()
	a.LdrRegMem(X9, X0, frameBlocksOffset)
	a.AddRegImm12(X9, X9, 1)
	a.StrRegMem(X9, X0, frameBlocksOffset)
	a.Adr(X9, 0)
	a.StrRegMem(X9, X0, frameCurOffset)
	return entry
}

func (e *arm64Emitter) materialize(loc Location, vreg uint8) {
	if loc.Kind == LocReg {
		e.asm.LdrRegMem(arm64AllocRegs[loc.Reg], X0, regOffset(vreg))
		return
	}
	e.asm.LdrRegMem(X9, X0, regOffset(vreg))
	e.asm.StrRegMem(X9, X0, loc.Offset)
}

func (e *arm64Emitter) writeBack(vreg uint8, loc Location) {
	if loc.Kind == LocReg {
		e.asm.StrRegMem(arm64AllocRegs[loc.Reg], X0, regOffset(vreg))
		return
	}
	e.asm.LdrRegMem(X9, X0, loc.Offset)
	e.asm.StrRegMem(X9, X0, regOffset(vreg))
}

func (e *arm64Emitter) movImm(dst Location, imm uint64) {
	e.loadImm(e.dst(dst), imm)
	e.commit(dst)
}

func (e *arm64Emitter) binary(kind ir.OpKind, dst, x, y Location) bool {
	a := e.asm
	rn := e.src(x, X9)
	rm := e.src(y, X10)
	rd := e.dst(dst)
	switch kind {
	case ir.OpAdd:
		a.AddRegReg(rd, rn, rm)
	case ir.OpSub:
		a.SubRegReg(rd, rn, rm)
	case ir.OpMul:
		a.MulReg(rd, rn, rm)
	case ir.OpDiv:
		// udiv 除数为 0 得 0，用 csinv 改成全 1
		a.UdivReg(X11, rn, rm)
		a.CmpRegImm12(rm, 0)
		a.Csinv(rd, X11, XZR, CondNE)
	case ir.OpAnd:
		a.AndRegReg(rd, rn, rm)
	case ir.OpOr:
		a.OrrRegReg(rd, rn, rm)
	case ir.OpXor:
		a.EorRegReg(rd, rn, rm)
	case ir.OpShl:
		a.LslReg(rd, rn, rm)
	case ir.OpShr:
		a.LsrReg(rd, rn, rm)
	case ir.OpCmpEq:
		a.CmpRegReg(rn, rm)
		a.Cset(rd, CondEQ)
	default:
		return false
	}
	e.commit(dst)
	return true
}

func (e *arm64Emitter) clz(dst, src Location) bool {
	rn := e.src(src, X9)
	e.asm.ClzReg(e.dst(dst), rn)
	e.commit(dst)
	return true
}

// fence Release 需要排序之前的读，ARMv8 只有 dmb ish 能同时覆盖读写
func (e *arm64Emitter) fence(kind ir.FenceKind) {
	switch kind {
	case ir.FenceAcquire:
		e.asm.Dmb(BarrierISHLD)
	default:
		e.asm.Dmb(BarrierISH)
	}
}

func (e *arm64Emitter) jumpIfNonZero(cond Location, label int) {
	e.asm.Cbnz(e.src(cond, X9), label)
}

func (e *arm64Emitter) setExit(exit uint64) {
	e.asm.MovRegImm16(X10, uint16(exit), 0)
	e.asm.StrRegMem(X10, X0, frameExitOffset)
}

func (e *arm64Emitter) memoryExit(resume int) {
	e.loadImm(X9, uint64(resume))
	e.asm.StrRegMem(X9, X0, frameResumeOffset)
	e.setExit(ExitMemory)
	e.asm.B(e.epiLabel)
}

// directExit 出口桩：Next = target; Budget--; 用完则返回，否则经链接槽跳转
func (e *arm64Emitter) directExit(target uint64) int {
	a := e.asm
	e.loadImm(X9, target)
	a.StrRegMem(X9, X0, frameNextOffset)
	a.LdrRegMem(X9, X0, frameBudgetOffset)
	a.SubsRegImm12(X9, X9, 1)
	a.StrRegMem(X9, X0, frameBudgetOffset)
	a.Bcond(CondLE, e.epiLabel)
	slot := a.Len()
	a.B(e.epiLabel)
	return slot
}

func (e *arm64Emitter) indirectExit(base Location, offset int64) {
	a := e.asm
	r := e.src(base, X9)
	switch {
	case offset == 0:
	case offset > 0 && offset < 4096:
		a.AddRegImm12(X9, r, uint32(offset))
		r = X9
	default:
		e.loadImm(X10, uint64(offset))
		a.AddRegReg(X9, r, X10)
		r = X9
	}
	a.StrRegMem(r, X0, frameNextOffset)
	e.setExit(ExitIndirect)
	a.B(e.epiLabel)
}

func (e *arm64Emitter) terminalExit(exit int, addr uint64) {
	e.loadImm(X9, addr)
	e.asm.StrRegMem(X9, X0, frameNextOffset)
	e.setExit(uint64(exit))
	e.asm.B(e.epiLabel)
}

// dispatch 恢复分发表，进入时 X9 = Resume
func (e *arm64Emitter) dispatch(points []resumePoint) {
	a := e.asm
	a.Label(e.dispLabel)
	a.StrRegMem(XZR, X0, frameResumeOffset)
	for _, p := range points {
		if v := uint32(p.index + 1); v < 4096 {
			a.CmpRegImm12(X9, v)
		} else {
			e.loadImm(X10, uint64(v))
			a.CmpRegReg(X9, X10)
		}
		a.Bcond(CondEQ, p.label)
	}
	a.B(e.epiLabel)
}

func (e *arm64Emitter) epilogue() {
	e.asm.Label(e.epiLabel)
	e.asm.Ret()
}

func (e *arm64Emitter) finish() ([]byte, error) {
	return e.asm.Code()
}
