// codegen.go - 与指令集无关的代码生成驱动
//
// 驱动按位置遍历基本块，依据寄存器分配结果在合适的位置
// 装载（从帧寄存器文件读入分配位置）和写回（写入帧寄存器文件），
// 具体指令由各指令集的 emitter 生成。
//
// 代码布局（所有指令集相同）：
//
//	序言
//	恢复检查（块内有访存操作时）
//	链接入口：Blocks++，Cur = 代码起始地址
//	块体（访存操作处生成出口与恢复标签）
//	出口桩
//	恢复分发表（块内有访存操作时）
//	尾声（以返回指令结束）
//
// 值的位置约定：
//   - 区间起点是读操作且不是访存操作：在起点之前从帧装载
//   - 区间在块内被写过：在终点（非访存操作）之后写回帧
//   - 访存操作 k：之前写回 {Start < k <= End}，恢复后重新装载 {Start <= k < End}
//   - 侧出口：离开前写回 {Start <= pos <= End}

package jit

import (
	"errors"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// errOverflow 汇编器写入超过缓冲区容量
var errOverflow = errors.New("code buffer overflow")

// ExitSlot 直接跳转出口的链接槽
type ExitSlot struct {
	Target uint64 // 客户机目标地址
	Offset int    // 槽在代码中的偏移（4 字节对齐）
}

// resumePoint 访存出口的恢复位置
type resumePoint struct {
	index int // 操作下标，帧中 Resume = index + 1
	label int
}

// emitter 指令集后端
//
// 编译时根据目标指令集选择一次，之后驱动只通过这个接口生成代码。
// Location 中的 Reg 是可分配寄存器表下标，由后端映射到物理寄存器。
type emitter interface {
	isa() ISA
	numRegs() int

	// prologue 生成序言、恢复检查与链接入口，返回链接入口偏移
	prologue(hasResume bool) int
	// materialize 帧寄存器 vreg -> loc
	materialize(loc Location, vreg uint8)
	// writeBack loc -> 帧寄存器 vreg
	writeBack(vreg uint8, loc Location)

	movImm(dst Location, imm uint64)
	// binary 生成二元运算，没有模板时返回 false
	binary(kind ir.OpKind, dst, a, b Location) bool
	// clz 没有模板时返回 false
	clz(dst, src Location) bool
	fence(kind ir.FenceKind)

	newLabel() int
	bind(label int)
	// jumpIfNonZero 条件寄存器非 0 时跳转
	jumpIfNonZero(cond Location, label int)

	// memoryExit 退出到分发循环执行访存操作
	memoryExit(resume int)
	// directExit 直接跳转出口，返回链接槽偏移
	directExit(target uint64) int
	// indirectExit 间接跳转出口：Next = base + offset
	indirectExit(base Location, offset int64)
	// terminalExit Halt/Fault 出口
	terminalExit(exit int, addr uint64)

	dispatch(points []resumePoint)
	epilogue()
	finish() ([]byte, error)
}

// genResult 代码生成结果
type genResult struct {
	code       []byte
	chainEntry int
	exits      []ExitSlot
}

// generator 单次代码生成的状态
type generator struct {
	b       *ir.Block
	alloc   *RegAllocation
	em      emitter
	defined uint32 // 块内写过的寄存器
	res     genResult
}

// generate 为基本块生成本机代码
func generate(b *ir.Block, alloc *RegAllocation, em emitter) (*genResult, error) {
	if err := checkAllocation(b, alloc, em.numRegs()); err != nil {
		return nil, &CompileError{Kind: InternalInvariantViolation, Addr: b.Addr, ISA: em.isa(), Msg: err.Error()}
	}
	_, writes := b.ReadWriteSets()
	g := &generator{b: b, alloc: alloc, em: em, defined: writes}

	hasMem := false
	for i := range b.Ops {
		if b.Ops[i].Kind.IsMemory() {
			hasMem = true
			break
		}
	}
	g.res.chainEntry = em.prologue(hasMem)

	var resumes []resumePoint
	for i := range b.Ops {
		op := &b.Ops[i]
		switch {
		case op.Kind.IsMemory():
			g.flush(func(li *LiveInterval) bool { return li.Start < i && i <= li.End })
			em.memoryExit(i + 1)
			label := em.newLabel()
			em.bind(label)
			resumes = append(resumes, resumePoint{index: i, label: label})
			g.reload(func(li *LiveInterval) bool { return li.Start <= i && i < li.End })

		case op.Kind == ir.OpExitIf:
			g.materializeAt(i, op.Uses())
			skip := em.newLabel()
			em.jumpIfNonZero(g.loc(op.Src1), skip)
			g.flush(func(li *LiveInterval) bool { return li.Start <= i && i <= li.End })
			g.directExit(op.Target)
			em.bind(skip)
			g.writeBackAt(i)

		default:
			g.materializeAt(i, op.Uses())
			if err := g.emitOp(op); err != nil {
				return nil, err
			}
			g.writeBackAt(i)
		}
	}

	g.terminator()
	if len(resumes) > 0 {
		em.dispatch(resumes)
	}
	em.epilogue()

	code, err := em.finish()
	if err != nil {
		if errors.Is(err, errOverflow) {
			return nil, &CompileError{Kind: EncodingOverflow, Addr: b.Addr, ISA: em.isa()}
		}
		return nil, &CompileError{Kind: InternalInvariantViolation, Addr: b.Addr, ISA: em.isa(), Msg: err.Error()}
	}
	g.res.code = code
	return &g.res, nil
}

func (g *generator) loc(vreg uint8) Location {
	return g.alloc.Locs[vreg]
}

// materializeAt 在位置 pos 装载首次引用为读的寄存器
func (g *generator) materializeAt(pos int, uses []uint8) {
	for _, li := range g.alloc.Intervals {
		if li.Start != pos {
			continue
		}
		for _, r := range uses {
			if int(r) == li.VReg {
				g.em.materialize(g.loc(r), r)
				break
			}
		}
	}
}

// writeBackAt 写回在 pos 结束且块内写过的寄存器
func (g *generator) writeBackAt(pos int) {
	for _, li := range g.alloc.Intervals {
		if li.End == pos && g.defined&(1<<li.VReg) != 0 {
			g.em.writeBack(uint8(li.VReg), g.loc(uint8(li.VReg)))
		}
	}
}

func (g *generator) flush(live func(*LiveInterval) bool) {
	for _, li := range g.alloc.Intervals {
		if live(li) && g.defined&(1<<li.VReg) != 0 {
			g.em.writeBack(uint8(li.VReg), g.loc(uint8(li.VReg)))
		}
	}
}

func (g *generator) reload(live func(*LiveInterval) bool) {
	for _, li := range g.alloc.Intervals {
		if live(li) {
			g.em.materialize(g.loc(uint8(li.VReg)), uint8(li.VReg))
		}
	}
}

func (g *generator) directExit(target uint64) {
	slot := g.em.directExit(target)
	g.res.exits = append(g.res.exits, ExitSlot{Target: target, Offset: slot})
}

// emitOp 生成非访存操作
func (g *generator) emitOp(op *ir.Op) error {
	ok := true
	switch {
	case op.Kind == ir.OpMovImm:
		g.em.movImm(g.loc(op.Dst), op.Imm)
	case op.Kind.IsBinary():
		ok = g.em.binary(op.Kind, g.loc(op.Dst), g.loc(op.Src1), g.loc(op.Src2))
	case op.Kind == ir.OpClz:
		ok = g.em.clz(g.loc(op.Dst), g.loc(op.Src1))
	case op.Kind == ir.OpFence:
		g.em.fence(op.Fence)
	default:
		ok = false
	}
	if !ok {
		return &CompileError{Kind: UnsupportedOp, Addr: g.b.Addr, ISA: g.em.isa(), Op: op.Kind}
	}
	return nil
}

// terminator 生成终结指令与出口桩
func (g *generator) terminator() {
	t := &g.b.Term
	n := len(g.b.Ops)
	g.materializeAt(n, t.Uses())
	if t.Kind == ir.TermCall {
		// 返回地址写入链接寄存器
		g.em.movImm(g.loc(ir.LinkReg), t.Fallthrough)
	}
	g.writeBackAt(n)

	switch t.Kind {
	case ir.TermJmp, ir.TermCall:
		g.directExit(t.Target)
	case ir.TermCondJmp:
		taken := g.em.newLabel()
		g.em.jumpIfNonZero(g.loc(t.Reg), taken)
		g.directExit(t.Fallthrough)
		g.em.bind(taken)
		g.directExit(t.Target)
	case ir.TermRet:
		g.em.indirectExit(g.loc(ir.LinkReg), 0)
	case ir.TermJmpReg:
		g.em.indirectExit(g.loc(t.Reg), t.Offset)
	case ir.TermHalt:
		g.em.terminalExit(ExitHalt, g.b.Addr)
	case ir.TermFault:
		g.em.terminalExit(ExitFault, g.b.Addr)
	}
}

// unsupportedOp 返回后端没有模板的操作（编译前快速判断）
func unsupportedOp(b *ir.Block, isa ISA) (ir.OpKind, bool) {
	for i := range b.Ops {
		if b.Ops[i].Kind == ir.OpClz && isa != ISAARM64 {
			return ir.OpClz, true
		}
	}
	return 0, false
}
