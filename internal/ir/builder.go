package ir

// Builder 基本块构造器
//
//	b := ir.NewBuilder(0x1000).MovImm(1, 10).MovImm(2, 20).Add(3, 1, 2).Ret()
type Builder struct {
	block *Block
}

// NewBuilder 创建构造器
func NewBuilder(addr uint64) *Builder {
	return &Builder{block: &Block{Addr: addr}}
}

func (b *Builder) op(op Op) *Builder {
	b.block.Ops = append(b.block.Ops, op)
	return b
}

func (b *Builder) MovImm(dst uint8, imm uint64) *Builder {
	return b.op(Op{Kind: OpMovImm, Dst: dst, Imm: imm})
}

func (b *Builder) Binary(kind OpKind, dst, src1, src2 uint8) *Builder {
	return b.op(Op{Kind: kind, Dst: dst, Src1: src1, Src2: src2})
}

func (b *Builder) Add(dst, src1, src2 uint8) *Builder { return b.Binary(OpAdd, dst, src1, src2) }
func (b *Builder) Sub(dst, src1, src2 uint8) *Builder { return b.Binary(OpSub, dst, src1, src2) }
func (b *Builder) Mul(dst, src1, src2 uint8) *Builder { return b.Binary(OpMul, dst, src1, src2) }
func (b *Builder) Div(dst, src1, src2 uint8) *Builder { return b.Binary(OpDiv, dst, src1, src2) }
func (b *Builder) And(dst, src1, src2 uint8) *Builder { return b.Binary(OpAnd, dst, src1, src2) }
func (b *Builder) Or(dst, src1, src2 uint8) *Builder  { return b.Binary(OpOr, dst, src1, src2) }
func (b *Builder) Xor(dst, src1, src2 uint8) *Builder { return b.Binary(OpXor, dst, src1, src2) }
func (b *Builder) Shl(dst, src1, src2 uint8) *Builder { return b.Binary(OpShl, dst, src1, src2) }
func (b *Builder) Shr(dst, src1, src2 uint8) *Builder { return b.Binary(OpShr, dst, src1, src2) }

func (b *Builder) CmpEq(dst, src1, src2 uint8) *Builder {
	return b.Binary(OpCmpEq, dst, src1, src2)
}

func (b *Builder) Load(dst, base uint8, offset int64, size uint8) *Builder {
	return b.op(Op{Kind: OpLoad, Dst: dst, Base: base, Offset: offset, Size: size})
}

func (b *Builder) Store(src, base uint8, offset int64, size uint8) *Builder {
	return b.op(Op{Kind: OpStore, Src1: src, Base: base, Offset: offset, Size: size})
}

func (b *Builder) AtomicRMW(kind RMWKind, dst, base uint8, offset int64, src uint8, size uint8) *Builder {
	return b.op(Op{Kind: OpAtomicRMW, RMW: kind, Dst: dst, Base: base, Offset: offset, Src1: src, Size: size})
}

func (b *Builder) Fence(kind FenceKind) *Builder {
	return b.op(Op{Kind: OpFence, Fence: kind})
}

func (b *Builder) Clz(dst, src uint8) *Builder {
	return b.op(Op{Kind: OpClz, Dst: dst, Src1: src})
}

// Loop 附加循环次数提示
func (b *Builder) Loop(trip uint32, exact bool) *Builder {
	b.block.Loop = &LoopHint{TripCount: trip, Exact: exact}
	return b
}

func (b *Builder) term(t Terminator) *Block {
	b.block.Term = t
	return b.block
}

func (b *Builder) Jmp(target uint64) *Block {
	return b.term(Terminator{Kind: TermJmp, Target: target})
}

func (b *Builder) CondJmp(cond uint8, taken, next uint64) *Block {
	return b.term(Terminator{Kind: TermCondJmp, Reg: cond, Target: taken, Fallthrough: next})
}

func (b *Builder) Call(target, ret uint64) *Block {
	return b.term(Terminator{Kind: TermCall, Target: target, Fallthrough: ret})
}

func (b *Builder) Ret() *Block {
	return b.term(Terminator{Kind: TermRet})
}

func (b *Builder) JmpReg(base uint8, offset int64) *Block {
	return b.term(Terminator{Kind: TermJmpReg, Reg: base, Offset: offset})
}

func (b *Builder) Halt() *Block {
	return b.term(Terminator{Kind: TermHalt})
}

func (b *Builder) Fault(code uint32) *Block {
	return b.term(Terminator{Kind: TermFault, Code: code})
}
