// ir.go - 客户机基本块中间表示
//
// 上游解码器把客户机指令提升为与架构无关的 IR 基本块。
// 基本块是直线代码：若干操作加一个终结指令，块内没有分支，
// 因此所有虚拟寄存器的活跃区间都是线性的。
//
// 虚拟寄存器编号就是客户机寄存器编号（0-31），r31 兼作链接寄存器。

package ir

import (
	"fmt"
	"strings"
)

// NumRegs 客户机寄存器数量
const NumRegs = 32

// LinkReg Call 写入返回地址、Ret 读取返回地址的寄存器
const LinkReg = 31

// ============================================================================
// 操作
// ============================================================================

// OpKind IR 操作类型
type OpKind uint8

const (
	OpMovImm OpKind = iota + 1
	OpAdd
	OpSub
	OpMul
	OpDiv // 无符号除法，除数为 0 时结果为全 1
	OpAnd
	OpOr
	OpXor
	OpShl
	OpShr
	OpLoad
	OpStore
	OpAtomicRMW
	OpCmpEq
	OpFence
	OpClz

	// OpExitIf 由 Tier 1 展开生成的侧出口：Regs[Cond] == 0 时离开基本块
	OpExitIf
)

var opNames = map[OpKind]string{
	OpMovImm:    "movimm",
	OpAdd:       "add",
	OpSub:       "sub",
	OpMul:       "mul",
	OpDiv:       "div",
	OpAnd:       "and",
	OpOr:        "or",
	OpXor:       "xor",
	OpShl:       "shl",
	OpShr:       "shr",
	OpLoad:      "load",
	OpStore:     "store",
	OpAtomicRMW: "atomicrmw",
	OpCmpEq:     "cmpeq",
	OpFence:     "fence",
	OpClz:       "clz",
	OpExitIf:    "exitif",
}

func (k OpKind) String() string {
	if s, ok := opNames[k]; ok {
		return s
	}
	return fmt.Sprintf("op(%d)", uint8(k))
}

// IsMemory 是否访问客户机内存
func (k OpKind) IsMemory() bool {
	return k == OpLoad || k == OpStore || k == OpAtomicRMW
}

// IsBinary 是否是三地址二元运算
func (k OpKind) IsBinary() bool {
	switch k {
	case OpAdd, OpSub, OpMul, OpDiv, OpAnd, OpOr, OpXor, OpShl, OpShr, OpCmpEq:
		return true
	}
	return false
}

// FenceKind 内存屏障强度
type FenceKind uint8

const (
	FenceFull    FenceKind = iota // 读写全序
	FenceAcquire                  // 之前的读 -> 之后的读写
	FenceRelease                  // 之前的读写 -> 之后的写
)

func (f FenceKind) String() string {
	switch f {
	case FenceFull:
		return "full"
	case FenceAcquire:
		return "acquire"
	case FenceRelease:
		return "release"
	default:
		return "unknown"
	}
}

// RMWKind 原子读改写操作
type RMWKind uint8

const (
	RMWAdd RMWKind = iota
	RMWSwap
	RMWAnd
	RMWOr
)

// Apply 计算读改写的新值
func (k RMWKind) Apply(old, v uint64) uint64 {
	switch k {
	case RMWAdd:
		return old + v
	case RMWSwap:
		return v
	case RMWAnd:
		return old & v
	case RMWOr:
		return old | v
	}
	return old
}

// Op 单条 IR 操作
//
// 字段按操作类型解释：
//   MovImm:    Dst = Imm
//   二元运算:  Dst = Src1 op Src2
//   Load:      Dst = mem[Regs[Base]+Offset] (Size 字节)
//   Store:     mem[Regs[Base]+Offset] = Src1
//   AtomicRMW: Dst = mem[...]; mem[...] = RMW(old, Src1)
//   Fence:     Fence
//   Clz:       Dst = clz(Src1)
//   ExitIf:    Regs[Src1] == 0 时跳到 Target
type Op struct {
	Kind   OpKind    `cbor:"1,keyasint"`
	Dst    uint8     `cbor:"2,keyasint,omitempty"`
	Src1   uint8     `cbor:"3,keyasint,omitempty"`
	Src2   uint8     `cbor:"4,keyasint,omitempty"`
	Base   uint8     `cbor:"5,keyasint,omitempty"`
	Imm    uint64    `cbor:"6,keyasint,omitempty"`
	Offset int64     `cbor:"7,keyasint,omitempty"`
	Size   uint8     `cbor:"8,keyasint,omitempty"`
	Fence  FenceKind `cbor:"9,keyasint,omitempty"`
	RMW    RMWKind   `cbor:"10,keyasint,omitempty"`
	Target uint64    `cbor:"11,keyasint,omitempty"`
}

// Defs 返回操作写入的寄存器
func (op *Op) Defs() (uint8, bool) {
	switch op.Kind {
	case OpMovImm, OpLoad, OpAtomicRMW, OpClz:
		return op.Dst, true
	}
	if op.Kind.IsBinary() {
		return op.Dst, true
	}
	return 0, false
}

// Uses 返回操作读取的寄存器（按出现顺序，可能重复）
func (op *Op) Uses() []uint8 {
	switch {
	case op.Kind.IsBinary():
		return []uint8{op.Src1, op.Src2}
	case op.Kind == OpLoad:
		return []uint8{op.Base}
	case op.Kind == OpStore, op.Kind == OpAtomicRMW:
		return []uint8{op.Base, op.Src1}
	case op.Kind == OpClz, op.Kind == OpExitIf:
		return []uint8{op.Src1}
	}
	return nil
}

func (op Op) String() string {
	switch {
	case op.Kind == OpMovImm:
		return fmt.Sprintf("movimm r%d, %#x", op.Dst, op.Imm)
	case op.Kind.IsBinary():
		return fmt.Sprintf("%s r%d, r%d, r%d", op.Kind, op.Dst, op.Src1, op.Src2)
	case op.Kind == OpLoad:
		return fmt.Sprintf("load%d r%d, [r%d%+d]", op.Size*8, op.Dst, op.Base, op.Offset)
	case op.Kind == OpStore:
		return fmt.Sprintf("store%d [r%d%+d], r%d", op.Size*8, op.Base, op.Offset, op.Src1)
	case op.Kind == OpAtomicRMW:
		return fmt.Sprintf("atomicrmw%d.%d r%d, [r%d%+d], r%d", op.Size*8, op.RMW, op.Dst, op.Base, op.Offset, op.Src1)
	case op.Kind == OpFence:
		return "fence." + op.Fence.String()
	case op.Kind == OpClz:
		return fmt.Sprintf("clz r%d, r%d", op.Dst, op.Src1)
	case op.Kind == OpExitIf:
		return fmt.Sprintf("exitif.z r%d, %#x", op.Src1, op.Target)
	}
	return op.Kind.String()
}

// ============================================================================
// 终结指令
// ============================================================================

// TermKind 终结指令类型
type TermKind uint8

const (
	TermJmp TermKind = iota + 1
	TermCondJmp
	TermCall
	TermRet
	TermJmpReg
	TermHalt
	TermFault
)

func (k TermKind) String() string {
	switch k {
	case TermJmp:
		return "jmp"
	case TermCondJmp:
		return "condjmp"
	case TermCall:
		return "call"
	case TermRet:
		return "ret"
	case TermJmpReg:
		return "jmpreg"
	case TermHalt:
		return "halt"
	case TermFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Terminator 基本块终结指令
type Terminator struct {
	Kind TermKind `cbor:"1,keyasint"`
	// Jmp/Call: 目标; CondJmp: 条件成立时的目标
	Target uint64 `cbor:"2,keyasint,omitempty"`
	// CondJmp: 条件不成立时的目标; Call: 返回地址
	Fallthrough uint64 `cbor:"3,keyasint,omitempty"`
	// CondJmp: 条件寄存器; JmpReg: 基址寄存器
	Reg    uint8  `cbor:"4,keyasint,omitempty"`
	Offset int64  `cbor:"5,keyasint,omitempty"`
	Code   uint32 `cbor:"6,keyasint,omitempty"`
}

// Uses 返回终结指令读取的寄存器
func (t *Terminator) Uses() []uint8 {
	switch t.Kind {
	case TermCondJmp, TermJmpReg:
		return []uint8{t.Reg}
	case TermRet:
		return []uint8{LinkReg}
	}
	return nil
}

// Defs 返回终结指令写入的寄存器
func (t *Terminator) Defs() (uint8, bool) {
	if t.Kind == TermCall {
		return LinkReg, true
	}
	return 0, false
}

// DirectTargets 返回可以被链接的直接跳转目标
func (t *Terminator) DirectTargets() []uint64 {
	switch t.Kind {
	case TermJmp, TermCall:
		return []uint64{t.Target}
	case TermCondJmp:
		return []uint64{t.Target, t.Fallthrough}
	}
	return nil
}

// IsIndirect 目标是否只能在运行时确定
func (t *Terminator) IsIndirect() bool {
	return t.Kind == TermRet || t.Kind == TermJmpReg
}

func (t Terminator) String() string {
	switch t.Kind {
	case TermJmp:
		return fmt.Sprintf("jmp %#x", t.Target)
	case TermCondJmp:
		return fmt.Sprintf("condjmp r%d, %#x, %#x", t.Reg, t.Target, t.Fallthrough)
	case TermCall:
		return fmt.Sprintf("call %#x, ret=%#x", t.Target, t.Fallthrough)
	case TermRet:
		return "ret"
	case TermJmpReg:
		return fmt.Sprintf("jmpreg r%d%+d", t.Reg, t.Offset)
	case TermHalt:
		return "halt"
	case TermFault:
		return fmt.Sprintf("fault %d", t.Code)
	}
	return t.Kind.String()
}

// ============================================================================
// 基本块
// ============================================================================

// LoopHint 解码器提供的循环次数提示
type LoopHint struct {
	TripCount uint32 `cbor:"1,keyasint"`
	Exact     bool   `cbor:"2,keyasint,omitempty"`
}

// Block 客户机基本块
type Block struct {
	Addr uint64     `cbor:"1,keyasint"`
	Ops  []Op       `cbor:"2,keyasint"`
	Term Terminator `cbor:"3,keyasint"`
	Loop *LoopHint  `cbor:"4,keyasint,omitempty"`
}

// IsSelfLoop 终结指令是否跳回自身
func (b *Block) IsSelfLoop() bool {
	switch b.Term.Kind {
	case TermJmp:
		return b.Term.Target == b.Addr
	case TermCondJmp:
		return b.Term.Target == b.Addr
	}
	return false
}

// HasMemoryOps 是否包含访存或屏障操作
func (b *Block) HasMemoryOps() bool {
	for i := range b.Ops {
		if b.Ops[i].Kind.IsMemory() || b.Ops[i].Kind == OpFence {
			return true
		}
	}
	return false
}

// ReadWriteSets 返回块读取和写入的寄存器集合（位图）
func (b *Block) ReadWriteSets() (reads, writes uint32) {
	for i := range b.Ops {
		for _, r := range b.Ops[i].Uses() {
			reads |= 1 << r
		}
		if d, ok := b.Ops[i].Defs(); ok {
			writes |= 1 << d
		}
	}
	for _, r := range b.Term.Uses() {
		reads |= 1 << r
	}
	if d, ok := b.Term.Defs(); ok {
		writes |= 1 << d
	}
	return reads, writes
}

// Clone 深拷贝
func (b *Block) Clone() *Block {
	nb := &Block{Addr: b.Addr, Term: b.Term}
	nb.Ops = append([]Op(nil), b.Ops...)
	if b.Loop != nil {
		hint := *b.Loop
		nb.Loop = &hint
	}
	return nb
}

func (b *Block) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "block %#x:\n", b.Addr)
	for i := range b.Ops {
		fmt.Fprintf(&sb, "  %3d  %s\n", i, b.Ops[i])
	}
	fmt.Fprintf(&sb, "  %3d  %s\n", len(b.Ops), b.Term)
	return sb.String()
}
