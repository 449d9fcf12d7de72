// riscv_codegen.go - RISC-V64 代码生成器
//
// 寄存器约定：
// - a0: 帧基址
// - a1-a7, t3-t6: 可分配寄存器
// - t0, t1, t2: 暂存寄存器
// - ra: 返回地址，块内没有调用，不需要保存
//
// 条件跳转到标签统一写成 "反向分支跳过 + jal"，避免 B 型 ±4KB 限制。
// 链接槽是一条 jal x0，初始跳到尾声。

package jit

import (
	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// RISC-V 代码生成器
// ============================================================================

var riscvAllocRegs = [...]RVReg{RVA1, RVA2, RVA3, RVA4, RVA5, RVA6, RVA7, RVT3, RVT4, RVT5, RVT6}

// riscvEmitter RISC-V64 后端
type riscvEmitter struct {
	asm       *RISCVAssembler
	epiLabel  int
	dispLabel int
}

func newRISCVEmitter(capacity int) *riscvEmitter {
	asm := NewRISCVAssembler(capacity)
	return &riscvEmitter{
		asm:       asm,
		epiLabel:  asm.NewLabel(),
		dispLabel: asm.NewLabel(),
	}
}

func (e *riscvEmitter) isa() ISA    { return ISARISCV64 }
func (e *riscvEmitter) numRegs() int { return len(riscvAllocRegs) }

func (e *riscvEmitter) newLabel() int  { return e.asm.NewLabel() }
func (e *riscvEmitter) bind(label int) { e.asm.Label(label) }

func (e *riscvEmitter) src(loc Location, scratch RVReg) RVReg {
	if loc.Kind == LocReg {
		return riscvAllocRegs[loc.Reg]
	}
	e.asm.Ld(scratch, RVA0, loc.Offset)
	return scratch
}

func (e *riscvEmitter) dst(loc Location) RVReg {
	if loc.Kind == LocReg {
		return riscvAllocRegs[loc.Reg]
	}
	return RVT2
}

func (e *riscvEmitter) commit(loc Location) {
	if loc.Kind == LocStack {
		e.asm.Sd(RVT2, RVA0, loc.Offset)
	}
}

func (e *riscvEmitter) prologue(hasResume bool) int {
	a := e.asm
	if hasResume {
		a.Ld(RVT0, RVA0, frameResumeOffset)
		a.Branch(rvBEQ, RVT0, RVZero, 8)
		a.J(e.dispLabel)
	}

	entry := a.Len()
	a.Ld(RVT0, RVA0, frameBlocksOffset)
	a.Addi(RVT0, RVT0, 1)
	a.Sd(RVT0, RVA0, frameBlocksOffset)
	pos := a.Len()
	a.Auipc(RVT0, 0)
	a.Addi(RVT0, RVT0, int32(-pos))
	a.Sd(RVT0, RVA0, frameCurOffset)
	return entry
}

func (e *riscvEmitter) materialize(loc Location, vreg uint8) {
	if loc.Kind == LocReg {
		e.asm.Ld(riscvAllocRegs[loc.Reg], RVA0, regOffset(vreg))
		return
	}
	e.asm.Ld(RVT0, RVA0, regOffset(vreg))
	e.asm.Sd(RVT0, RVA0, loc.Offset)
}

func (e *riscvEmitter) writeBack(vreg uint8, loc Location) {
	if loc.Kind == LocReg {
		e.asm.Sd(riscvAllocRegs[loc.Reg], RVA0, regOffset(vreg))
		return
	}
	e.asm.Ld(RVT0, RVA0, loc.Offset)
	e.asm.Sd(RVT0, RVA0, regOffset(vreg))
}

func (e *riscvEmitter) movImm(dst Location, imm uint64) {
	e.asm.LoadImm(e.dst(dst), imm)
	e.commit(dst)
}

func (e *riscvEmitter) binary(kind ir.OpKind, dst, x, y Location) bool {
	a := e.asm
	rs1 := e.src(x, RVT0)
	rs2 := e.src(y, RVT1)
	rd := e.dst(dst)
	switch kind {
	case ir.OpAdd:
		a.Add(rd, rs1, rs2)
	case ir.OpSub:
		a.Sub(rd, rs1, rs2)
	case ir.OpMul:
		a.Mul(rd, rs1, rs2)
	case ir.OpDiv:
		// divu 除数为 0 时结果本来就是全 1
		a.Divu(rd, rs1, rs2)
	case ir.OpAnd:
		a.And(rd, rs1, rs2)
	case ir.OpOr:
		a.Or(rd, rs1, rs2)
	case ir.OpXor:
		a.Xor(rd, rs1, rs2)
	case ir.OpShl:
		a.Sll(rd, rs1, rs2)
	case ir.OpShr:
		a.Srl(rd, rs1, rs2)
	case ir.OpCmpEq:
		a.Sub(RVT2, rs1, rs2)
		a.Sltiu(rd, RVT2, 1)
	default:
		return false
	}
	e.commit(dst)
	return true
}

// clz 基线 RV64IM 没有 Zbb
func (e *riscvEmitter) clz(dst, src Location) bool {
	return false
}

func (e *riscvEmitter) fence(kind ir.FenceKind) {
	switch kind {
	case ir.FenceAcquire:
		e.asm.Fence(rvFenceRRW)
	case ir.FenceRelease:
		e.asm.Fence(rvFenceRWW)
	default:
		e.asm.Fence(rvFenceRWRW)
	}
}

func (e *riscvEmitter) jumpIfNonZero(cond Location, label int) {
	r := e.src(cond, RVT0)
	e.asm.Branch(rvBEQ, r, RVZero, 8)
	e.asm.J(label)
}

func (e *riscvEmitter) setExit(exit int32) {
	e.asm.Addi(RVT1, RVZero, exit)
	e.asm.Sd(RVT1, RVA0, frameExitOffset)
}

func (e *riscvEmitter) memoryExit(resume int) {
	e.asm.LoadImm(RVT0, uint64(resume))
	e.asm.Sd(RVT0, RVA0, frameResumeOffset)
	e.setExit(ExitMemory)
	e.asm.J(e.epiLabel)
}

// directExit 出口桩：Next = target; Budget--; 用完则返回，否则经链接槽跳转
func (e *riscvEmitter) directExit(target uint64) int {
	a := e.asm
	a.LoadImm(RVT0, target)
	a.Sd(RVT0, RVA0, frameNextOffset)
	a.Ld(RVT0, RVA0, frameBudgetOffset)
	a.Addi(RVT0, RVT0, -1)
	a.Sd(RVT0, RVA0, frameBudgetOffset)
	a.Branch(rvBLT, RVZero, RVT0, 8)
	a.J(e.epiLabel)
	slot := a.Len()
	a.J(e.epiLabel)
	return slot
}

func (e *riscvEmitter) indirectExit(base Location, offset int64) {
	a := e.asm
	r := e.src(base, RVT0)
	switch {
	case offset == 0:
	case fitsImm12(offset):
		a.Addi(RVT0, r, int32(offset))
		r = RVT0
	default:
		a.LoadImm(RVT1, uint64(offset))
		a.Add(RVT0, r, RVT1)
		r = RVT0
	}
	a.Sd(r, RVA0, frameNextOffset)
	e.setExit(ExitIndirect)
	a.J(e.epiLabel)
}

func (e *riscvEmitter) terminalExit(exit int, addr uint64) {
	e.asm.LoadImm(RVT0, addr)
	e.asm.Sd(RVT0, RVA0, frameNextOffset)
	e.setExit(int32(exit))
	e.asm.J(e.epiLabel)
}

// dispatch 恢复分发表，进入时 t0 = Resume
func (e *riscvEmitter) dispatch(points []resumePoint) {
	a := e.asm
	a.Label(e.dispLabel)
	a.Sd(RVZero, RVA0, frameResumeOffset)
	for _, p := range points {
		a.LoadImm(RVT1, uint64(p.index+1))
		a.Branch(rvBNE, RVT0, RVT1, 8)
		a.J(p.label)
	}
	a.J(e.epiLabel)
}

func (e *riscvEmitter) epilogue() {
	e.asm.Label(e.epiLabel)
	e.asm.Ret()
}

func (e *riscvEmitter) finish() ([]byte, error) {
	return e.asm.Code()
}
