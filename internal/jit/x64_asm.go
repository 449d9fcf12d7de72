// x64_asm.go - x86-64 汇编器
//
// 本文件实现了 x86-64 机器码生成的底层汇编器。
// 提供了常用指令的编码方法，支持寄存器操作和内存操作。
//
// x86-64 指令编码格式：
// [前缀] [REX] [操作码] [ModR/M] [SIB] [位移] [立即数]
//
// REX 前缀：用于扩展寄存器和操作数大小
// - REX.W: 64 位操作数
// - REX.R: 扩展 ModR/M.reg 字段
// - REX.X: 扩展 SIB.index 字段
// - REX.B: 扩展 ModR/M.r/m 或 SIB.base 字段

package jit

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// x86-64 寄存器定义
// ============================================================================

// X64Reg x86-64 寄存器
type X64Reg int

const (
	// 通用寄存器（64 位）
	RAX X64Reg = iota
	RCX
	RDX
	RBX
	RSP
	RBP
	RSI
	RDI
	R8
	R9
	R10
	R11
	R12
	R13
	R14
	R15
)

var x64RegNames = []string{
	"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15",
}

// String 返回寄存器名称
func (r X64Reg) String() string {
	if r >= 0 && int(r) < len(x64RegNames) {
		return x64RegNames[r]
	}
	return "???"
}

// IsExtended 检查是否是扩展寄存器（需要 REX 前缀）
func (r X64Reg) IsExtended() bool {
	return r >= R8 && r <= R15
}

// LowBits 获取寄存器编码的低 3 位
func (r X64Reg) LowBits() byte {
	return byte(r) & 0x7
}

// ============================================================================
// x86-64 汇编器
// ============================================================================

// X64Assembler x86-64 汇编器
type X64Assembler struct {
	codeBuffer
	relocs []x64Reloc // 重定位表
}

// x64Reloc 重定位条目
type x64Reloc struct {
	offset int // rel32 字段在代码中的偏移
	target int // 目标标签
}

// NewX64Assembler 创建 x86-64 汇编器
func NewX64Assembler(capacity int) *X64Assembler {
	return &X64Assembler{codeBuffer: newCodeBuffer(capacity)}
}

// Code 解析重定位并返回机器码
func (a *X64Assembler) Code() ([]byte, error) {
	if a.overflow {
		return nil, errOverflow
	}
	for _, reloc := range a.relocs {
		target, ok := a.labelPos(reloc.target)
		if !ok {
			return nil, fmt.Errorf("undefined label %d", reloc.target)
		}
		// 计算相对偏移（从指令结束位置开始）
		offset := int32(target - (reloc.offset + 4))
		binary.LittleEndian.PutUint32(a.code[reloc.offset:], uint32(offset))
	}
	return a.code, nil
}

// rex 构造 REX 前缀
// w: 64 位操作数
// r: 扩展 ModR/M.reg
// x: 扩展 SIB.index
// b: 扩展 ModR/M.r/m 或 SIB.base
func rex(w, r, x, b bool) byte {
	var v byte = 0x40
	if w {
		v |= 0x08
	}
	if r {
		v |= 0x04
	}
	if x {
		v |= 0x02
	}
	if b {
		v |= 0x01
	}
	return v
}

// modrm 构造 ModR/M 字节
// mod: 寻址模式 (0-3)
// reg: 寄存器操作数或操作码扩展
// rm: 寄存器/内存操作数
func modrm(mod, reg, rm byte) byte {
	return (mod << 6) | ((reg & 0x7) << 3) | (rm & 0x7)
}

// ============================================================================
// 数据移动指令
// ============================================================================

// MovRegReg 寄存器到寄存器: mov dst, src
func (a *X64Assembler) MovRegReg(dst, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x89)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// MovRegImm64 加载 64 位立即数: mov reg, imm64
func (a *X64Assembler) MovRegImm64(reg X64Reg, imm uint64) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xB8 + reg.LowBits())
	a.emitU64(imm)
}

// MovRegImm32 加载 32 位立即数（符号扩展）: mov reg, imm32
func (a *X64Assembler) MovRegImm32(reg X64Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xC7)
	a.emit(modrm(3, 0, reg.LowBits()))
	a.emitU32(uint32(imm))
}

// MovRegImm 按立即数大小选择编码
func (a *X64Assembler) MovRegImm(reg X64Reg, imm uint64) {
	if v := int64(imm); v >= -1<<31 && v < 1<<31 {
		a.MovRegImm32(reg, int32(v))
		return
	}
	a.MovRegImm64(reg, imm)
}

// MovRegMem 从内存加载: mov reg, [base+offset]
func (a *X64Assembler) MovRegMem(dst X64Reg, base X64Reg, offset int32) {
	a.emit(rex(true, dst.IsExtended(), false, base.IsExtended()))
	a.emit(0x8B)
	a.emitMemOperand(dst.LowBits(), base, offset)
}

// MovMemReg 存储到内存: mov [base+offset], reg
func (a *X64Assembler) MovMemReg(base X64Reg, offset int32, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, base.IsExtended()))
	a.emit(0x89)
	a.emitMemOperand(src.LowBits(), base, offset)
}

// MovMemImm32 存储符号扩展立即数: mov qword [base+offset], imm32
func (a *X64Assembler) MovMemImm32(base X64Reg, offset int32, imm int32) {
	a.emit(rex(true, false, false, base.IsExtended()))
	a.emit(0xC7)
	a.emitMemOperand(0, base, offset)
	a.emitU32(uint32(imm))
}

// LeaRIP 取 RIP 相对地址: lea reg, [rip+disp32]，target 为代码内偏移
func (a *X64Assembler) LeaRIP(reg X64Reg, target int) {
	a.emit(rex(true, reg.IsExtended(), false, false))
	a.emit(0x8D)
	a.emit(modrm(0, reg.LowBits(), 5))
	// disp32 相对于本指令结束位置
	a.emitU32(uint32(int32(target - (a.Len() + 4))))
}

// emitMemOperand 生成内存操作数编码
func (a *X64Assembler) emitMemOperand(reg byte, base X64Reg, offset int32) {
	baseCode := base.LowBits()

	// RSP 需要 SIB 字节
	needSIB := base == RSP || base == R12

	if offset == 0 && base != RBP && base != R13 {
		// [base]
		if needSIB {
			a.emit(modrm(0, reg, 4)) // SIB 标记
			a.emit(0x24)             // SIB: scale=0, index=RSP, base=RSP
		} else {
			a.emit(modrm(0, reg, baseCode))
		}
	} else if offset >= -128 && offset <= 127 {
		// [base+disp8]
		if needSIB {
			a.emit(modrm(1, reg, 4))
			a.emit(0x24)
		} else {
			a.emit(modrm(1, reg, baseCode))
		}
		a.emit(byte(offset))
	} else {
		// [base+disp32]
		if needSIB {
			a.emit(modrm(2, reg, 4))
			a.emit(0x24)
		} else {
			a.emit(modrm(2, reg, baseCode))
		}
		a.emitU32(uint32(offset))
	}
}

// ============================================================================
// 算术指令
// ============================================================================

// AddRegReg 寄存器加法: add dst, src
func (a *X64Assembler) AddRegReg(dst, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x01)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// AddRegImm32 立即数加法: add reg, imm32
func (a *X64Assembler) AddRegImm32(reg X64Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	if imm >= -128 && imm <= 127 {
		a.emit(0x83)
		a.emit(modrm(3, 0, reg.LowBits()))
		a.emit(byte(imm))
	} else {
		a.emit(0x81)
		a.emit(modrm(3, 0, reg.LowBits()))
		a.emitU32(uint32(imm))
	}
}

// SubRegReg 寄存器减法: sub dst, src
func (a *X64Assembler) SubRegReg(dst, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x29)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// IMulRegReg 乘法（低 64 位与符号无关）: imul dst, src
func (a *X64Assembler) IMulRegReg(dst, src X64Reg) {
	a.emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	a.emit(0x0F, 0xAF)
	a.emit(modrm(3, dst.LowBits(), src.LowBits()))
}

// DivReg 无符号除法: div reg (RDX:RAX / reg -> RAX, 余数 -> RDX)
func (a *X64Assembler) DivReg(reg X64Reg) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xF7)
	a.emit(modrm(3, 6, reg.LowBits()))
}

// XorReg32 32 位异或（清零高位）: xor dst32, src32
func (a *X64Assembler) XorReg32(dst, src X64Reg) {
	if src.IsExtended() || dst.IsExtended() {
		a.emit(rex(false, src.IsExtended(), false, dst.IsExtended()))
	}
	a.emit(0x31)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// IncMem 内存自增: inc qword [base+offset]
func (a *X64Assembler) IncMem(base X64Reg, offset int32) {
	a.emit(rex(true, false, false, base.IsExtended()))
	a.emit(0xFF)
	a.emitMemOperand(0, base, offset)
}

// DecMem 内存自减: dec qword [base+offset]
func (a *X64Assembler) DecMem(base X64Reg, offset int32) {
	a.emit(rex(true, false, false, base.IsExtended()))
	a.emit(0xFF)
	a.emitMemOperand(1, base, offset)
}

// ============================================================================
// 位运算指令
// ============================================================================

// AndRegReg 位与: and dst, src
func (a *X64Assembler) AndRegReg(dst, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x21)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// OrRegReg 位或: or dst, src
func (a *X64Assembler) OrRegReg(dst, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x09)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// XorRegReg 位异或: xor dst, src
func (a *X64Assembler) XorRegReg(dst, src X64Reg) {
	a.emit(rex(true, src.IsExtended(), false, dst.IsExtended()))
	a.emit(0x31)
	a.emit(modrm(3, src.LowBits(), dst.LowBits()))
}

// ShlRegCL 左移: shl reg, cl
func (a *X64Assembler) ShlRegCL(reg X64Reg) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xD3)
	a.emit(modrm(3, 4, reg.LowBits()))
}

// ShrRegCL 逻辑右移: shr reg, cl
func (a *X64Assembler) ShrRegCL(reg X64Reg) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	a.emit(0xD3)
	a.emit(modrm(3, 5, reg.LowBits()))
}

// ============================================================================
// 比较指令
// ============================================================================

// CmpRegReg 比较: cmp left, right
func (a *X64Assembler) CmpRegReg(left, right X64Reg) {
	a.emit(rex(true, right.IsExtended(), false, left.IsExtended()))
	a.emit(0x39)
	a.emit(modrm(3, right.LowBits(), left.LowBits()))
}

// CmpRegImm32 比较立即数: cmp reg, imm32
func (a *X64Assembler) CmpRegImm32(reg X64Reg, imm int32) {
	a.emit(rex(true, false, false, reg.IsExtended()))
	if imm >= -128 && imm <= 127 {
		a.emit(0x83)
		a.emit(modrm(3, 7, reg.LowBits()))
		a.emit(byte(imm))
	} else {
		a.emit(0x81)
		a.emit(modrm(3, 7, reg.LowBits()))
		a.emitU32(uint32(imm))
	}
}

// TestRegReg 测试: test reg1, reg2
func (a *X64Assembler) TestRegReg(reg1, reg2 X64Reg) {
	a.emit(rex(true, reg2.IsExtended(), false, reg1.IsExtended()))
	a.emit(0x85)
	a.emit(modrm(3, reg2.LowBits(), reg1.LowBits()))
}

// SetE 设置等于: sete reg (ZF=1)
func (a *X64Assembler) SetE(reg X64Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x0F, 0x94)
	a.emit(modrm(3, 0, reg.LowBits()))
}

// MovzxReg8 零扩展 8 位到 64 位: movzx dst, src (8-bit)
func (a *X64Assembler) MovzxReg8(dst, src X64Reg) {
	a.emit(rex(true, dst.IsExtended(), false, src.IsExtended()))
	a.emit(0x0F, 0xB6)
	a.emit(modrm(3, dst.LowBits(), src.LowBits()))
}

// Mfence 全内存屏障
func (a *X64Assembler) Mfence() {
	a.emit(0x0F, 0xAE, 0xF0)
}

// Nop 单字节空操作
func (a *X64Assembler) Nop() {
	a.emit(0x90)
}

// ============================================================================
// 栈操作指令
// ============================================================================

// Push 压栈: push reg
func (a *X64Assembler) Push(reg X64Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x50 + reg.LowBits())
}

// Pop 出栈: pop reg
func (a *X64Assembler) Pop(reg X64Reg) {
	if reg.IsExtended() {
		a.emit(rex(false, false, false, true))
	}
	a.emit(0x58 + reg.LowBits())
}

// ============================================================================
// 跳转指令
// ============================================================================

func (a *X64Assembler) reloc(label int) {
	a.relocs = append(a.relocs, x64Reloc{offset: a.Len(), target: label})
	a.emitU32(0) // 占位符
}

// Jmp 无条件跳转（相对）: jmp rel32
func (a *X64Assembler) Jmp(label int) {
	a.emit(0xE9)
	a.reloc(label)
}

// JmpShort 短跳转: jmp rel8
func (a *X64Assembler) JmpShort(rel int8) {
	a.emit(0xEB, byte(rel))
}

// JzShort 为零短跳转: jz rel8
func (a *X64Assembler) JzShort(rel int8) {
	a.emit(0x74, byte(rel))
}

// Je 相等跳转: je label (ZF=1)
func (a *X64Assembler) Je(label int) {
	a.emit(0x0F, 0x84)
	a.reloc(label)
}

// Jne 不相等跳转: jne label (ZF=0)
func (a *X64Assembler) Jne(label int) {
	a.emit(0x0F, 0x85)
	a.reloc(label)
}

// Jle 小于等于跳转: jle label
func (a *X64Assembler) Jle(label int) {
	a.emit(0x0F, 0x8E)
	a.reloc(label)
}

// Ret 返回
func (a *X64Assembler) Ret() {
	a.emit(0xC3)
}
