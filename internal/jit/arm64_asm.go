// arm64_asm.go - ARM64 汇编器
//
// 本文件实现了 ARM64 (AArch64) 机器码生成的底层汇编器。
//
// ARM64 指令特点：
// - 固定 32 位指令长度
// - 31 个通用寄存器 (X0-X30) + SP + ZR
// - 加载/存储架构（不支持内存直接运算）

package jit

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// ARM64 寄存器定义
// ============================================================================

// ARM64Reg ARM64 寄存器
type ARM64Reg int

const (
	// 通用寄存器 (64-bit: X0-X30)
	X0 ARM64Reg = iota
	X1
	X2
	X3
	X4
	X5
	X6
	X7
	X8
	X9
	X10
	X11
	X12
	X13
	X14
	X15
	X16 // IP0 - 过程内调用暂存器
	X17 // IP1
	X18 // 平台寄存器
	X19
	X20
	X21
	X22
	X23
	X24
	X25
	X26
	X27
	X28
	X29 // FP - 帧指针
	X30 // LR - 链接寄存器

	// 零寄存器（与 SP 共享编码，由指令决定）
	XZR ARM64Reg = 31
)

// String 返回寄存器名称
func (r ARM64Reg) String() string {
	switch {
	case r >= X0 && r <= X28:
		return fmt.Sprintf("x%d", int(r))
	case r == X29:
		return "fp"
	case r == X30:
		return "lr"
	case r == XZR:
		return "xzr"
	default:
		return "???"
	}
}

// Encode 获取寄存器编码
func (r ARM64Reg) Encode() uint32 {
	return uint32(r) & 31
}

// 条件码
const (
	CondEQ uint32 = 0x0 // 等于
	CondNE uint32 = 0x1 // 不等于
	CondLE uint32 = 0xD // 小于等于（有符号）
)

// 内存屏障选项
const (
	BarrierISH   uint32 = 0xB // 内部共享域，读写
	BarrierISHLD uint32 = 0x9 // 内部共享域，读
	BarrierISHST uint32 = 0xA // 内部共享域，写
)

// ============================================================================
// ARM64 汇编器
// ============================================================================

// ARM64Assembler ARM64 汇编器
type ARM64Assembler struct {
	codeBuffer
	relocs []arm64Reloc
}

type arm64Reloc struct {
	offset int // 代码中的偏移
	target int // 目标标签
	kind   int // 重定位类型
}

const (
	relocBranch = 1 // B 指令（26 位偏移）
	relocCondBr = 2 // B.cond / CBZ / CBNZ 指令（19 位偏移）
)

// NewARM64Assembler 创建 ARM64 汇编器
func NewARM64Assembler(capacity int) *ARM64Assembler {
	return &ARM64Assembler{codeBuffer: newCodeBuffer(capacity)}
}

// Code 解析重定位并返回机器码
func (a *ARM64Assembler) Code() ([]byte, error) {
	if a.overflow {
		return nil, errOverflow
	}
	for _, reloc := range a.relocs {
		targetPos, ok := a.labelPos(reloc.target)
		if !ok {
			return nil, fmt.Errorf("undefined label %d", reloc.target)
		}

		// 计算偏移（以指令为单位，4 字节）
		offset := (targetPos - reloc.offset) / 4

		// 读取原指令
		instr := binary.LittleEndian.Uint32(a.code[reloc.offset:])

		switch reloc.kind {
		case relocBranch:
			if offset < -(1<<25) || offset >= 1<<25 {
				return nil, fmt.Errorf("branch at %d out of range", reloc.offset)
			}
			instr = (instr &^ 0x03FFFFFF) | (uint32(offset) & 0x03FFFFFF)
		case relocCondBr:
			if offset < -(1<<18) || offset >= 1<<18 {
				return nil, fmt.Errorf("conditional branch at %d out of range", reloc.offset)
			}
			instr = (instr &^ 0x00FFFFE0) | ((uint32(offset) & 0x7FFFF) << 5)
		}

		binary.LittleEndian.PutUint32(a.code[reloc.offset:], instr)
	}
	return a.code, nil
}

// emitInstr 写入 32 位指令
func (a *ARM64Assembler) emitInstr(instr uint32) {
	a.emitU32(instr)
}

// ============================================================================
// 数据移动指令
// ============================================================================

// MovRegReg 寄存器到寄存器: mov dst, src
func (a *ARM64Assembler) MovRegReg(dst, src ARM64Reg) {
	// ORR Xd, XZR, Xn (mov alias)
	instr := uint32(0xAA0003E0) | // ORR X
		(src.Encode() << 16) |
		dst.Encode()
	a.emitInstr(instr)
}

// MovRegImm16 加载 16 位立即数: movz dst, imm
func (a *ARM64Assembler) MovRegImm16(dst ARM64Reg, imm uint16, shift int) {
	// MOVZ Xd, #imm16, LSL #shift
	hw := uint32(shift / 16) // 0, 1, 2, 3
	instr := uint32(0xD2800000) | // MOVZ X
		(hw << 21) |
		(uint32(imm) << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// MovkImm16 移动保持: movk dst, imm, lsl #shift
func (a *ARM64Assembler) MovkImm16(dst ARM64Reg, imm uint16, shift int) {
	hw := uint32(shift / 16)
	instr := uint32(0xF2800000) | // MOVK X
		(hw << 21) |
		(uint32(imm) << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// MovRegImm64 加载 64 位立即数
func (a *ARM64Assembler) MovRegImm64(dst ARM64Reg, imm uint64) {
	// 使用 MOVZ + MOVK 序列
	a.MovRegImm16(dst, uint16(imm), 0)
	if imm > 0xFFFF {
		a.MovkImm16(dst, uint16(imm>>16), 16)
	}
	if imm > 0xFFFFFFFF {
		a.MovkImm16(dst, uint16(imm>>32), 32)
	}
	if imm > 0xFFFFFFFFFFFF {
		a.MovkImm16(dst, uint16(imm>>48), 48)
	}
}

// LdrRegMem 从内存加载: ldr dst, [base, #offset]（offset 为 8 的倍数且不超过 32760）
func (a *ARM64Assembler) LdrRegMem(dst, base ARM64Reg, offset int32) {
	imm12 := uint32(offset / 8)
	instr := uint32(0xF9400000) | // LDR X, unsigned offset
		(imm12 << 10) |
		(base.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// StrRegMem 存储到内存: str src, [base, #offset]
func (a *ARM64Assembler) StrRegMem(src, base ARM64Reg, offset int32) {
	imm12 := uint32(offset / 8)
	instr := uint32(0xF9000000) | // STR X, unsigned offset
		(imm12 << 10) |
		(base.Encode() << 5) |
		src.Encode()
	a.emitInstr(instr)
}

// Adr 取 PC 相对地址: adr dst, #offset（target 为代码内偏移）
func (a *ARM64Assembler) Adr(dst ARM64Reg, target int) {
	rel := uint32(int32(target - a.Len()))
	immlo := rel & 0x3
	immhi := (rel >> 2) & 0x7FFFF
	a.emitInstr(0x10000000 | immlo<<29 | immhi<<5 | dst.Encode())
}

// ============================================================================
// 算术指令
// ============================================================================

// AddRegReg 加法: add dst, src1, src2
func (a *ARM64Assembler) AddRegReg(dst, src1, src2 ARM64Reg) {
	instr := uint32(0x8B000000) | // ADD X
		(src2.Encode() << 16) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// AddRegImm12 加法立即数: add dst, src, #imm12
func (a *ARM64Assembler) AddRegImm12(dst, src ARM64Reg, imm uint32) {
	instr := uint32(0x91000000) | // ADD X, immediate
		(imm << 10) |
		(src.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// SubsRegImm12 减法立即数并设置标志: subs dst, src, #imm12
func (a *ARM64Assembler) SubsRegImm12(dst, src ARM64Reg, imm uint32) {
	instr := uint32(0xF1000000) | // SUBS X, immediate
		(imm << 10) |
		(src.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// SubRegReg 减法: sub dst, src1, src2
func (a *ARM64Assembler) SubRegReg(dst, src1, src2 ARM64Reg) {
	instr := uint32(0xCB000000) | // SUB X
		(src2.Encode() << 16) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// MulReg 乘法: mul dst, src1, src2
func (a *ARM64Assembler) MulReg(dst, src1, src2 ARM64Reg) {
	// MADD Xd, Xn, Xm, XZR (mul alias)
	instr := uint32(0x9B007C00) | // MADD X
		(src2.Encode() << 16) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// UdivReg 无符号除法: udiv dst, src1, src2（除数为 0 时结果为 0）
func (a *ARM64Assembler) UdivReg(dst, src1, src2 ARM64Reg) {
	instr := uint32(0x9AC00800) | // UDIV X
		(src2.Encode() << 16) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// ============================================================================
// 位运算指令
// ============================================================================

// AndRegReg 位与: and dst, src1, src2
func (a *ARM64Assembler) AndRegReg(dst, src1, src2 ARM64Reg) {
	instr := uint32(0x8A000000) | // AND X
		(src2.Encode() << 16) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// OrrRegReg 位或: orr dst, src1, src2
func (a *ARM64Assembler) OrrRegReg(dst, src1, src2 ARM64Reg) {
	instr := uint32(0xAA000000) | // ORR X
		(src2.Encode() << 16) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// EorRegReg 位异或: eor dst, src1, src2
func (a *ARM64Assembler) EorRegReg(dst, src1, src2 ARM64Reg) {
	instr := uint32(0xCA000000) | // EOR X
		(src2.Encode() << 16) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// LslReg 逻辑左移: lsl dst, src, shift（移位量取低 6 位）
func (a *ARM64Assembler) LslReg(dst, src, shift ARM64Reg) {
	// LSLV Xd, Xn, Xm
	instr := uint32(0x9AC02000) | // LSLV X
		(shift.Encode() << 16) |
		(src.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// LsrReg 逻辑右移: lsr dst, src, shift
func (a *ARM64Assembler) LsrReg(dst, src, shift ARM64Reg) {
	// LSRV Xd, Xn, Xm
	instr := uint32(0x9AC02400) | // LSRV X
		(shift.Encode() << 16) |
		(src.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// ClzReg 前导零计数: clz dst, src
func (a *ARM64Assembler) ClzReg(dst, src ARM64Reg) {
	a.emitInstr(0xDAC01000 | src.Encode()<<5 | dst.Encode())
}

// ============================================================================
// 比较指令
// ============================================================================

// CmpRegReg 比较: cmp src1, src2
func (a *ARM64Assembler) CmpRegReg(src1, src2 ARM64Reg) {
	// SUBS XZR, Xn, Xm (cmp alias)
	instr := uint32(0xEB00001F) | // SUBS X -> XZR
		(src2.Encode() << 16) |
		(src1.Encode() << 5)
	a.emitInstr(instr)
}

// CmpRegImm12 比较立即数: cmp src, #imm12
func (a *ARM64Assembler) CmpRegImm12(src ARM64Reg, imm uint32) {
	// SUBS XZR, Xn, #imm (cmp alias)
	instr := uint32(0xF100001F) | // SUBS X, immediate -> XZR
		(imm << 10) |
		(src.Encode() << 5)
	a.emitInstr(instr)
}

// Cset 条件设置: cset dst, cond
// 条件为真时设为 1，否则为 0
func (a *ARM64Assembler) Cset(dst ARM64Reg, cond uint32) {
	// CSINC Xd, XZR, XZR, invert(cond)
	invertCond := cond ^ 1 // 反转条件
	instr := uint32(0x9A9F07E0) | // CSINC X
		(invertCond << 12) |
		dst.Encode()
	a.emitInstr(instr)
}

// Csinv 条件取反选择: csinv dst, src1, src2, cond
// 条件为真时 dst = src1，否则 dst = ^src2
func (a *ARM64Assembler) Csinv(dst, src1, src2 ARM64Reg, cond uint32) {
	instr := uint32(0xDA800000) | // CSINV X
		(src2.Encode() << 16) |
		(cond << 12) |
		(src1.Encode() << 5) |
		dst.Encode()
	a.emitInstr(instr)
}

// Dmb 数据内存屏障: dmb option
func (a *ARM64Assembler) Dmb(option uint32) {
	a.emitInstr(0xD50330BF | option<<8)
}

// ============================================================================
// 跳转指令
// ============================================================================

// B 无条件跳转
func (a *ARM64Assembler) B(label int) {
	a.relocs = append(a.relocs, arm64Reloc{
		offset: a.Len(),
		target: label,
		kind:   relocBranch,
	})
	a.emitInstr(0x14000000) // B (placeholder)
}

// Bcond 条件跳转: b.cond label
func (a *ARM64Assembler) Bcond(cond uint32, label int) {
	a.relocs = append(a.relocs, arm64Reloc{
		offset: a.Len(),
		target: label,
		kind:   relocCondBr,
	})
	instr := uint32(0x54000000) | cond // B.cond (placeholder)
	a.emitInstr(instr)
}

// Cbnz 比较非零跳转: cbnz reg, label
func (a *ARM64Assembler) Cbnz(reg ARM64Reg, label int) {
	a.relocs = append(a.relocs, arm64Reloc{
		offset: a.Len(),
		target: label,
		kind:   relocCondBr,
	})
	instr := uint32(0xB5000000) | reg.Encode() // CBNZ X (placeholder)
	a.emitInstr(instr)
}

// Ret 返回
func (a *ARM64Assembler) Ret() {
	// RET (uses X30/LR by default)
	a.emitInstr(0xD65F03C0)
}
