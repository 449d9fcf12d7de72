// interp.go - 参考解释器
//
// 解释器逐条执行 IR 基本块，是 JIT 编译结果的差分测试基准，
// 也是编译失败、冷代码和异步执行路径的兜底执行方式。
//
// 访存操作通过 Memory 接口调用外部内存子系统，解释器本身不包含
// 任何内存区域逻辑。

package interp

import (
	"context"
	"errors"
	"fmt"
	"math/bits"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// 内存接口
// ============================================================================

// Memory 外部内存子系统契约
type Memory interface {
	Read(addr uint64, size int) (uint64, error)
	Write(addr, value uint64, size int) error
}

// AtomicMemory 支持原子读改写的内存
type AtomicMemory interface {
	Memory
	AtomicRMW(kind ir.RMWKind, addr, value uint64, size int) (uint64, error)
}

// AsyncMemory 异步执行路径使用的内存接口
type AsyncMemory interface {
	ReadContext(ctx context.Context, addr uint64, size int) (uint64, error)
	WriteContext(ctx context.Context, addr, value uint64, size int) error
}

// WithContext 把异步内存适配为同步 Memory
func WithContext(ctx context.Context, m AsyncMemory) Memory {
	return ctxMemory{ctx: ctx, m: m}
}

type ctxMemory struct {
	ctx context.Context
	m   AsyncMemory
}

func (c ctxMemory) Read(addr uint64, size int) (uint64, error) {
	return c.m.ReadContext(c.ctx, addr, size)
}

func (c ctxMemory) Write(addr, value uint64, size int) error {
	return c.m.WriteContext(c.ctx, addr, value, size)
}

// ============================================================================
// 执行结果
// ============================================================================

// Status 执行状态
type Status uint8

const (
	StatusContinue  Status = iota // 继续执行 Next
	StatusHalt                    // 客户机停机
	StatusFault                   // 访存错误或 Fault 终结指令
	StatusInterrupt               // 外部中断（上下文取消）
)

func (s Status) String() string {
	switch s {
	case StatusContinue:
		return "continue"
	case StatusHalt:
		return "halt"
	case StatusFault:
		return "fault"
	case StatusInterrupt:
		return "interrupt"
	default:
		return "unknown"
	}
}

// Result 单个基本块的执行结果
type Result struct {
	Status    Status
	Next      uint64
	FaultAddr uint64
	Err       error
}

// MemoryFault 访存错误
type MemoryFault struct {
	Addr uint64
	Size int
	Err  error
}

func (f *MemoryFault) Error() string {
	return fmt.Sprintf("memory fault at %#x (size %d): %v", f.Addr, f.Size, f.Err)
}

func (f *MemoryFault) Unwrap() error { return f.Err }

// ErrGuestFault Fault 终结指令触发的错误
var ErrGuestFault = errors.New("interp: guest fault")

// ============================================================================
// 执行
// ============================================================================

// Exec 解释执行一个基本块
func Exec(regs *[ir.NumRegs]uint64, mem Memory, b *ir.Block) Result {
	for i := range b.Ops {
		op := &b.Ops[i]
		if op.Kind == ir.OpExitIf {
			if regs[op.Src1] == 0 {
				return Result{Status: StatusContinue, Next: op.Target}
			}
			continue
		}
		if op.Kind.IsMemory() {
			if err := ExecMemOp(regs, mem, op); err != nil {
				return faultResult(b.Addr, err)
			}
			continue
		}
		ExecOp(regs, op)
	}
	return execTerm(regs, b)
}

func faultResult(addr uint64, err error) Result {
	res := Result{Status: StatusFault, Next: addr, Err: err}
	var mf *MemoryFault
	if errors.As(err, &mf) {
		res.FaultAddr = mf.Addr
	}
	return res
}

func execTerm(regs *[ir.NumRegs]uint64, b *ir.Block) Result {
	t := &b.Term
	switch t.Kind {
	case ir.TermJmp:
		return Result{Next: t.Target}
	case ir.TermCondJmp:
		if regs[t.Reg] != 0 {
			return Result{Next: t.Target}
		}
		return Result{Next: t.Fallthrough}
	case ir.TermCall:
		regs[ir.LinkReg] = t.Fallthrough
		return Result{Next: t.Target}
	case ir.TermRet:
		return Result{Next: regs[ir.LinkReg]}
	case ir.TermJmpReg:
		return Result{Next: regs[t.Reg] + uint64(t.Offset)}
	case ir.TermHalt:
		return Result{Status: StatusHalt, Next: b.Addr}
	case ir.TermFault:
		return Result{Status: StatusFault, Next: b.Addr, Err: fmt.Errorf("%w: code %d", ErrGuestFault, t.Code)}
	}
	return Result{Status: StatusFault, Next: b.Addr, Err: ir.ErrInvalidBlock}
}

// ExecOp 执行一条非访存操作
func ExecOp(regs *[ir.NumRegs]uint64, op *ir.Op) {
	a, b := regs[op.Src1], regs[op.Src2]
	switch op.Kind {
	case ir.OpMovImm:
		regs[op.Dst] = op.Imm
	case ir.OpAdd:
		regs[op.Dst] = a + b
	case ir.OpSub:
		regs[op.Dst] = a - b
	case ir.OpMul:
		regs[op.Dst] = a * b
	case ir.OpDiv:
		if b == 0 {
			regs[op.Dst] = ^uint64(0)
		} else {
			regs[op.Dst] = a / b
		}
	case ir.OpAnd:
		regs[op.Dst] = a & b
	case ir.OpOr:
		regs[op.Dst] = a | b
	case ir.OpXor:
		regs[op.Dst] = a ^ b
	case ir.OpShl:
		regs[op.Dst] = a << (b & 63)
	case ir.OpShr:
		regs[op.Dst] = a >> (b & 63)
	case ir.OpCmpEq:
		if a == b {
			regs[op.Dst] = 1
		} else {
			regs[op.Dst] = 0
		}
	case ir.OpClz:
		regs[op.Dst] = uint64(bits.LeadingZeros64(a))
	case ir.OpFence:
		// 解释器按程序顺序执行，屏障没有可观察效果
	}
}

// ExecMemOp 执行一条访存操作，JIT 代码的访存出口也走这里
func ExecMemOp(regs *[ir.NumRegs]uint64, mem Memory, op *ir.Op) error {
	addr := regs[op.Base] + uint64(op.Offset)
	size := int(op.Size)
	switch op.Kind {
	case ir.OpLoad:
		v, err := mem.Read(addr, size)
		if err != nil {
			return &MemoryFault{Addr: addr, Size: size, Err: err}
		}
		regs[op.Dst] = v
	case ir.OpStore:
		if err := mem.Write(addr, truncate(regs[op.Src1], size), size); err != nil {
			return &MemoryFault{Addr: addr, Size: size, Err: err}
		}
	case ir.OpAtomicRMW:
		src := truncate(regs[op.Src1], size)
		if am, ok := mem.(AtomicMemory); ok {
			old, err := am.AtomicRMW(op.RMW, addr, src, size)
			if err != nil {
				return &MemoryFault{Addr: addr, Size: size, Err: err}
			}
			regs[op.Dst] = old
			return nil
		}
		old, err := mem.Read(addr, size)
		if err != nil {
			return &MemoryFault{Addr: addr, Size: size, Err: err}
		}
		if err := mem.Write(addr, truncate(op.RMW.Apply(old, src), size), size); err != nil {
			return &MemoryFault{Addr: addr, Size: size, Err: err}
		}
		regs[op.Dst] = old
	default:
		return fmt.Errorf("interp: %s is not a memory op", op.Kind)
	}
	return nil
}

func truncate(v uint64, size int) uint64 {
	if size >= 8 {
		return v
	}
	return v & (1<<(uint(size)*8) - 1)
}
