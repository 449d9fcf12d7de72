package jit

import (
	"errors"
	"fmt"
	"math/bits"
	"time"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// 编译结果
// ============================================================================

// CompiledBlock 编译后的基本块
//
// Code 是与位置无关的机器码（只有块内相对跳转），可以复制到可执行内存的任意位置。
// 安装后 mem 指向可执行内存中的副本，链接补丁只修改 mem。
type CompiledBlock struct {
	Addr       uint64
	ISA        ISA
	Tier       Tier
	Code       []byte
	Size       int
	ChainEntry int        // 链接入口偏移（跳过序言与恢复检查）
	Exits      []ExitSlot // 直接跳转出口的链接槽
	CompiledAt time.Time

	Source      *ir.Block // 原始客户机块
	Body        *ir.Block // 实际编译的块（Tier 1 为优化后的块）
	Fingerprint [32]byte  // Source 的摘要
	Covers      []uint64  // 融合进来的其他块地址，任何一个失效本块也失效

	SpillCount  int
	Strategy    AllocStrategy
	CompileTime time.Duration

	mem   []byte // 可执行内存中的副本
	entry uintptr
}

// Entry 可执行入口地址，未安装时为 0
func (cb *CompiledBlock) Entry() uintptr {
	return cb.entry
}

// ExitTargets 直接跳转出口的目标地址
func (cb *CompiledBlock) ExitTargets() []uint64 {
	targets := make([]uint64, 0, len(cb.Exits))
	for _, e := range cb.Exits {
		targets = append(targets, e.Target)
	}
	return targets
}

// ============================================================================
// 编译器
// ============================================================================

// Compiler 分层编译器
//
// 编译是纯函数：相同的 (块, 层级, 指令集) 总是得到相同的机器码。
// Compiler 没有可变状态，可以被多个编译线程同时使用。
type Compiler struct {
	unroll   UnrollConfig
	resolver BlockResolver

	// capacity 输出缓冲区的初始容量估算
	capacity func(b *ir.Block, isa ISA) int
}

// NewCompiler 创建编译器，resolver 为 nil 时不做循环融合
func NewCompiler(unroll UnrollConfig, resolver BlockResolver) *Compiler {
	return &Compiler{
		unroll:   unroll,
		resolver: resolver,
		capacity: estimateCodeSize,
	}
}

// Compile 编译基本块
func (c *Compiler) Compile(b *ir.Block, tier Tier, isa ISA) (*CompiledBlock, error) {
	start := time.Now()
	if _, ok := isaNames[isa]; !ok {
		return nil, fmt.Errorf("compile %#x: unknown isa %d", b.Addr, isa)
	}
	if err := b.Validate(); err != nil {
		return nil, &CompileError{Kind: InternalInvariantViolation, Addr: b.Addr, ISA: isa, Msg: err.Error()}
	}

	body := b
	strategy := StrategyLinearScan
	var covers []uint64
	if tier == Tier1 {
		pm := CreateTier1Pipeline(c.unroll, c.resolver)
		body = pm.Run(b)
		covers = pm.Stats().Covered
		strategy = StrategyGraphColoring
	}

	if op, bad := unsupportedOp(body, isa); bad {
		return nil, &CompileError{Kind: UnsupportedOp, Addr: b.Addr, ISA: isa, Op: op}
	}

	alloc := NewRegisterAllocator(numAllocRegs(isa), strategy).Allocate(body)

	size := c.capacity(body, isa)
	var res *genResult
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		res, err = generate(body, alloc, newEmitter(isa, size))
		if err == nil || !errors.Is(err, ErrEncodingOverflow) {
			break
		}
		size *= 2
	}
	if err != nil {
		return nil, err
	}

	return &CompiledBlock{
		Addr:        b.Addr,
		ISA:         isa,
		Tier:        tier,
		Code:        res.code,
		Size:        len(res.code),
		ChainEntry:  res.chainEntry,
		Exits:       res.exits,
		CompiledAt:  time.Now(),
		Source:      b,
		Body:        body,
		Fingerprint: b.Fingerprint(),
		Covers:      covers,
		SpillCount:  alloc.SpillCount,
		Strategy:    strategy,
		CompileTime: time.Since(start),
	}, nil
}

// newEmitter 为目标指令集创建后端
func newEmitter(isa ISA, capacity int) emitter {
	switch isa {
	case ISAARM64:
		return newARM64Emitter(capacity)
	case ISARISCV64:
		return newRISCVEmitter(capacity)
	default:
		return newX64Emitter(capacity)
	}
}

// numAllocRegs 各指令集可分配寄存器数
func numAllocRegs(isa ISA) int {
	switch isa {
	case ISAARM64:
		return len(arm64AllocRegs)
	case ISARISCV64:
		return len(riscvAllocRegs)
	default:
		return len(x64AllocRegs)
	}
}

// estimateCodeSize 估算机器码大小
//
// 每个访存操作和侧出口都可能写回/重新装载所有活跃寄存器，按寄存器数计入。
// 估算偏小时编译器会扩容一次重试。
func estimateCodeSize(b *ir.Block, isa ISA) int {
	perOp, perMove := 48, 16
	if isa == ISARISCV64 {
		// 64 位常量嵌在指令流中
		perOp = 64
	}
	reads, writes := b.ReadWriteSets()
	live := bits.OnesCount32(reads | writes)

	size := 128 + (len(b.Ops)+1)*perOp + 2*live*perMove
	for i := range b.Ops {
		if b.Ops[i].Kind.IsMemory() || b.Ops[i].Kind == ir.OpExitIf {
			size += 2*live*perMove + 64
		}
	}
	// 出口桩与分发表
	size += 4 * 64
	return size
}
