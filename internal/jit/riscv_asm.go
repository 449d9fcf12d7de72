// riscv_asm.go - RISC-V64 汇编器
//
// 本文件实现了 RV64IM 机器码生成的底层汇编器。
//
// RISC-V 指令特点：
// - 固定 32 位指令长度（不使用压缩扩展）
// - x0 恒为 0
// - 立即数只有 12 位（I/S 型）或 20 位（U/J 型）
// - 条件分支只有 ±4KB，远跳转用 jal

package jit

import (
	"encoding/binary"
	"fmt"
)

// ============================================================================
// RISC-V 寄存器定义
// ============================================================================

// RVReg RISC-V 整数寄存器
type RVReg uint32

const (
	RVZero RVReg = 0
	RVRA   RVReg = 1
	RVSP   RVReg = 2
	RVT0   RVReg = 5
	RVT1   RVReg = 6
	RVT2   RVReg = 7
	RVA0   RVReg = 10
	RVA1   RVReg = 11
	RVA2   RVReg = 12
	RVA3   RVReg = 13
	RVA4   RVReg = 14
	RVA5   RVReg = 15
	RVA6   RVReg = 16
	RVA7   RVReg = 17
	RVT3   RVReg = 28
	RVT4   RVReg = 29
	RVT5   RVReg = 30
	RVT6   RVReg = 31
)

var rvRegNames = map[RVReg]string{
	RVZero: "zero", RVRA: "ra", RVSP: "sp",
	RVT0: "t0", RVT1: "t1", RVT2: "t2",
	RVA0: "a0", RVA1: "a1", RVA2: "a2", RVA3: "a3",
	RVA4: "a4", RVA5: "a5", RVA6: "a6", RVA7: "a7",
	RVT3: "t3", RVT4: "t4", RVT5: "t5", RVT6: "t6",
}

func (r RVReg) String() string {
	if s, ok := rvRegNames[r]; ok {
		return s
	}
	return fmt.Sprintf("x%d", uint32(r))
}

// 操作码
const (
	rvOpLoad   = 0x03
	rvOpImm    = 0x13
	rvOpAuipc  = 0x17
	rvOpStore  = 0x23
	rvOpReg    = 0x33
	rvOpBranch = 0x63
	rvOpJal    = 0x6F
	rvOpFence  = 0x0F
)

// 分支条件 (funct3)
const (
	rvBEQ = 0
	rvBNE = 1
	rvBLT = 4
)

// 屏障编码：fence pred, succ
const (
	rvFenceRWRW uint32 = 0x0330000F // fence rw, rw
	rvFenceRRW  uint32 = 0x0230000F // fence r, rw
	rvFenceRWW  uint32 = 0x0310000F // fence rw, w
)

// ============================================================================
// 指令编码
// ============================================================================

func rvR(f7, rs2, rs1, f3 uint32, rd RVReg) uint32 {
	return f7<<25 | rs2<<20 | rs1<<15 | f3<<12 | uint32(rd)<<7 | rvOpReg
}

func rvI(opcode uint32, rd RVReg, f3 uint32, rs1 RVReg, imm int32) uint32 {
	return uint32(imm&0xFFF)<<20 | uint32(rs1)<<15 | f3<<12 | uint32(rd)<<7 | opcode
}

func rvS(f3 uint32, rs1, rs2 RVReg, imm int32) uint32 {
	u := uint32(imm & 0xFFF)
	return (u>>5)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 | f3<<12 | (u&0x1F)<<7 | rvOpStore
}

func rvB(f3 uint32, rs1, rs2 RVReg, imm int32) uint32 {
	u := uint32(imm)
	return (u>>12&1)<<31 | (u>>5&0x3F)<<25 | uint32(rs2)<<20 | uint32(rs1)<<15 |
		f3<<12 | (u>>1&0xF)<<8 | (u>>11&1)<<7 | rvOpBranch
}

// encodeJAL 编码 jal rd, offset，超出 ±1MB 返回 false
func encodeJAL(rd RVReg, offset int64) (uint32, bool) {
	if offset&1 != 0 || offset < -(1<<20) || offset >= 1<<20 {
		return 0, false
	}
	u := uint32(offset)
	return (u>>20&1)<<31 | (u>>1&0x3FF)<<21 | (u>>11&1)<<20 | (u>>12&0xFF)<<12 |
		uint32(rd)<<7 | rvOpJal, true
}

// fitsImm12 有符号 12 位立即数
func fitsImm12(v int64) bool {
	return v >= -2048 && v < 2048
}

// ============================================================================
// RISC-V 汇编器
// ============================================================================

// RISCVAssembler RISC-V64 汇编器
type RISCVAssembler struct {
	codeBuffer
	relocs []rvReloc
}

// rvReloc jal 到标签的重定位
type rvReloc struct {
	offset int
	target int
}

// NewRISCVAssembler 创建 RISC-V 汇编器
func NewRISCVAssembler(capacity int) *RISCVAssembler {
	return &RISCVAssembler{codeBuffer: newCodeBuffer(capacity)}
}

// Code 解析重定位并返回机器码
func (a *RISCVAssembler) Code() ([]byte, error) {
	if a.overflow {
		return nil, errOverflow
	}
	for _, reloc := range a.relocs {
		targetPos, ok := a.labelPos(reloc.target)
		if !ok {
			return nil, fmt.Errorf("undefined label %d", reloc.target)
		}
		instr := binary.LittleEndian.Uint32(a.code[reloc.offset:])
		rd := RVReg(instr >> 7 & 0x1F)
		enc, ok := encodeJAL(rd, int64(targetPos-reloc.offset))
		if !ok {
			return nil, fmt.Errorf("jal at %d out of range", reloc.offset)
		}
		binary.LittleEndian.PutUint32(a.code[reloc.offset:], enc)
	}
	return a.code, nil
}

func (a *RISCVAssembler) emitInstr(instr uint32) {
	a.emitU32(instr)
}

// ============================================================================
// 数据移动
// ============================================================================

// Ld 加载双字: ld rd, off(rs1)
func (a *RISCVAssembler) Ld(rd, rs1 RVReg, off int32) {
	a.emitInstr(rvI(rvOpLoad, rd, 3, rs1, off))
}

// Sd 存储双字: sd rs2, off(rs1)
func (a *RISCVAssembler) Sd(rs2, rs1 RVReg, off int32) {
	a.emitInstr(rvS(3, rs1, rs2, off))
}

// Addi 加立即数: addi rd, rs1, imm
func (a *RISCVAssembler) Addi(rd, rs1 RVReg, imm int32) {
	a.emitInstr(rvI(rvOpImm, rd, 0, rs1, imm))
}

// Sltiu 无符号小于立即数置位: sltiu rd, rs1, imm
func (a *RISCVAssembler) Sltiu(rd, rs1 RVReg, imm int32) {
	a.emitInstr(rvI(rvOpImm, rd, 3, rs1, imm))
}

// Auipc 高位立即数加 PC: auipc rd, imm20
func (a *RISCVAssembler) Auipc(rd RVReg, imm20 uint32) {
	a.emitInstr(imm20<<12 | uint32(rd)<<7 | rvOpAuipc)
}

// Nop addi x0, x0, 0
func (a *RISCVAssembler) Nop() {
	a.emitInstr(0x00000013)
}

// LoadImm 加载 64 位立即数
//
// 12 位以内用 addi，否则把常量嵌在指令流中：
//
//	auipc rd, 0
//	ld    rd, 12(rd)
//	jal   x0, 12
//	.dword imm
//
// 必要时前置 nop 让常量 8 字节对齐。
func (a *RISCVAssembler) LoadImm(rd RVReg, imm uint64) {
	if fitsImm12(int64(imm)) {
		a.Addi(rd, RVZero, int32(int64(imm)))
		return
	}
	if a.Len()%8 == 0 {
		a.Nop()
	}
	a.Auipc(rd, 0)
	a.Ld(rd, rd, 12)
	j, _ := encodeJAL(RVZero, 12)
	a.emitInstr(j)
	a.emitU64(imm)
}

// ============================================================================
// 运算
// ============================================================================

func (a *RISCVAssembler) Add(rd, rs1, rs2 RVReg)  { a.emitInstr(rvR(0, uint32(rs2), uint32(rs1), 0, rd)) }
func (a *RISCVAssembler) Sub(rd, rs1, rs2 RVReg)  { a.emitInstr(rvR(0x20, uint32(rs2), uint32(rs1), 0, rd)) }
func (a *RISCVAssembler) Mul(rd, rs1, rs2 RVReg)  { a.emitInstr(rvR(1, uint32(rs2), uint32(rs1), 0, rd)) }
func (a *RISCVAssembler) Divu(rd, rs1, rs2 RVReg) { a.emitInstr(rvR(1, uint32(rs2), uint32(rs1), 5, rd)) }
func (a *RISCVAssembler) And(rd, rs1, rs2 RVReg)  { a.emitInstr(rvR(0, uint32(rs2), uint32(rs1), 7, rd)) }
func (a *RISCVAssembler) Or(rd, rs1, rs2 RVReg)   { a.emitInstr(rvR(0, uint32(rs2), uint32(rs1), 6, rd)) }
func (a *RISCVAssembler) Xor(rd, rs1, rs2 RVReg)  { a.emitInstr(rvR(0, uint32(rs2), uint32(rs1), 4, rd)) }
func (a *RISCVAssembler) Sll(rd, rs1, rs2 RVReg)  { a.emitInstr(rvR(0, uint32(rs2), uint32(rs1), 1, rd)) }
func (a *RISCVAssembler) Srl(rd, rs1, rs2 RVReg)  { a.emitInstr(rvR(0, uint32(rs2), uint32(rs1), 5, rd)) }

// Fence 内存屏障（编码见 rvFence* 常量）
func (a *RISCVAssembler) Fence(enc uint32) {
	a.emitInstr(enc)
}

// ============================================================================
// 跳转
// ============================================================================

// Branch 条件分支到固定偏移
func (a *RISCVAssembler) Branch(f3 uint32, rs1, rs2 RVReg, offset int32) {
	a.emitInstr(rvB(f3, rs1, rs2, offset))
}

// J 无条件跳转到标签: jal x0, label
func (a *RISCVAssembler) J(label int) {
	a.relocs = append(a.relocs, rvReloc{offset: a.Len(), target: label})
	a.emitInstr(uint32(RVZero)<<7 | rvOpJal) // 占位符
}

// Ret 返回: jalr x0, 0(ra)
func (a *RISCVAssembler) Ret() {
	a.emitInstr(0x00008067)
}
