package jit

import (
	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// 优化 Pass 接口
// ============================================================================

// Pass Tier 1 优化 Pass
// Run 不修改输入块，返回新块以及是否有修改
type Pass interface {
	Name() string
	Run(b *ir.Block) (*ir.Block, bool)
}

// BlockResolver 按地址查找客户机基本块（循环融合需要看到相邻的块）
type BlockResolver interface {
	Resolve(addr uint64) (*ir.Block, bool)
}

// BlockResolverFunc 函数适配器
type BlockResolverFunc func(addr uint64) (*ir.Block, bool)

// Resolve 实现 BlockResolver
func (f BlockResolverFunc) Resolve(addr uint64) (*ir.Block, bool) { return f(addr) }

// ============================================================================
// Pass 管理器
// ============================================================================

// PassManager Pass 管理器
type PassManager struct {
	passes []Pass
	stats  PassStats
}

// PassStats Pass 统计信息
type PassStats struct {
	PassesRun      int
	TotalChanges   int
	PerPassChanges map[string]int
	// Covered 融合进结果块的其他块地址
	Covered []uint64
}

// NewPassManager 创建 Pass 管理器
func NewPassManager() *PassManager {
	return &PassManager{
		passes: make([]Pass, 0),
		stats: PassStats{
			PerPassChanges: make(map[string]int),
		},
	}
}

// AddPass 添加 Pass
func (pm *PassManager) AddPass(p Pass) {
	pm.passes = append(pm.passes, p)
}

// Run 依次运行所有 Pass
func (pm *PassManager) Run(b *ir.Block) *ir.Block {
	for _, p := range pm.passes {
		pm.stats.PassesRun++
		nb, changed := p.Run(b)
		if changed {
			pm.stats.TotalChanges++
			pm.stats.PerPassChanges[p.Name()]++
			if f, ok := p.(*LoopFusionPass); ok {
				pm.stats.Covered = append(pm.stats.Covered, f.fused)
			}
		}
		b = nb
	}
	return b
}

// Stats 获取统计信息
func (pm *PassManager) Stats() PassStats {
	return pm.stats
}

// CreateTier1Pipeline 创建 Tier 1 优化管线
// 顺序：融合 -> 展开 -> 屏障弱化。先融合才能让展开作用于融合后的循环体。
func CreateTier1Pipeline(cfg UnrollConfig, resolver BlockResolver) *PassManager {
	pm := NewPassManager()
	if resolver != nil {
		pm.AddPass(NewLoopFusionPass(resolver))
	}
	pm.AddPass(NewLoopUnrollPass(cfg))
	pm.AddPass(NewFenceReductionPass())
	return pm
}

// selfLoop 检查块是否是以条件跳转回到自身的循环
// 条件成立时继续循环，不成立时离开到 Fallthrough
func selfLoop(b *ir.Block) bool {
	return b.Term.Kind == ir.TermCondJmp && b.Term.Target == b.Addr && b.Term.Fallthrough != b.Addr
}

// ============================================================================
// 循环展开
// ============================================================================

// LoopUnrollPass 自循环展开
//
// 循环体每个副本之后插入 ExitIf(cond, 出口)，
// 因此即使循环次数提示不准确，展开结果依然等价。
type LoopUnrollPass struct {
	cfg UnrollConfig
}

// NewLoopUnrollPass 创建循环展开 Pass
func NewLoopUnrollPass(cfg UnrollConfig) *LoopUnrollPass {
	return &LoopUnrollPass{cfg: cfg}
}

// Name 返回名称
func (p *LoopUnrollPass) Name() string {
	return "loop-unroll"
}

// Run 展开自循环
func (p *LoopUnrollPass) Run(b *ir.Block) (*ir.Block, bool) {
	copies := p.unrollFactor(b)
	if copies <= 1 {
		return b, false
	}

	exit := b.Term.Fallthrough
	cond := b.Term.Reg
	ops := make([]ir.Op, 0, copies*(len(b.Ops)+1))
	for i := 0; i < copies; i++ {
		ops = append(ops, b.Ops...)
		if i < copies-1 {
			ops = append(ops, ir.Op{Kind: ir.OpExitIf, Src1: cond, Target: exit})
		}
	}

	nb := b.Clone()
	nb.Ops = ops
	if nb.Loop != nil {
		// 每次进入执行 copies 次原循环体
		trip := (nb.Loop.TripCount + uint32(copies) - 1) / uint32(copies)
		nb.Loop = &ir.LoopHint{TripCount: trip, Exact: nb.Loop.Exact && nb.Loop.TripCount%uint32(copies) == 0}
	}
	return nb, true
}

// unrollFactor 计算展开的副本数
func (p *LoopUnrollPass) unrollFactor(b *ir.Block) int {
	if !selfLoop(b) || len(b.Ops) == 0 {
		return 1
	}
	if b.Loop != nil && b.Loop.TripCount <= p.cfg.FullUnrollMax {
		// 完全展开：副本数等于循环次数
		return int(b.Loop.TripCount)
	}
	if len(b.Ops) > p.cfg.MaxUnrollOps {
		return 1
	}
	factor := p.cfg.MaxUnrollFactor
	if p.cfg.GrowthFactor < factor {
		factor = p.cfg.GrowthFactor
	}
	if b.Loop != nil && b.Loop.Exact && uint32(factor) > b.Loop.TripCount {
		factor = int(b.Loop.TripCount)
	}
	return factor
}

// ============================================================================
// 循环融合
// ============================================================================

// LoopFusionPass 相邻自循环融合
//
// 条件：A 的出口是自循环 B，两者都有精确且相等的循环次数，
// 互相不读写对方写入的寄存器，且都不访问内存。
type LoopFusionPass struct {
	resolver BlockResolver
	fused    uint64 // 最近一次融合进来的块地址
}

// NewLoopFusionPass 创建循环融合 Pass
func NewLoopFusionPass(resolver BlockResolver) *LoopFusionPass {
	return &LoopFusionPass{resolver: resolver}
}

// Name 返回名称
func (p *LoopFusionPass) Name() string {
	return "loop-fusion"
}

// Run 融合 A 与其后继循环 B
func (p *LoopFusionPass) Run(a *ir.Block) (*ir.Block, bool) {
	if !selfLoop(a) || a.Loop == nil || !a.Loop.Exact || a.HasMemoryOps() {
		return a, false
	}
	b, ok := p.resolver.Resolve(a.Term.Fallthrough)
	if !ok || b == nil || b.Addr == a.Addr || !selfLoop(b) {
		return a, false
	}
	if b.Loop == nil || !b.Loop.Exact || b.Loop.TripCount != a.Loop.TripCount || b.HasMemoryOps() {
		return a, false
	}
	if !independent(a, b) {
		return a, false
	}

	nb := a.Clone()
	nb.Ops = append(nb.Ops, b.Ops...)
	nb.Term = ir.Terminator{
		Kind:        ir.TermCondJmp,
		Reg:         a.Term.Reg,
		Target:      a.Addr,
		Fallthrough: b.Term.Fallthrough,
	}
	p.fused = b.Addr
	return nb, true
}

// independent 两个块互不读写对方写入的寄存器
func independent(a, b *ir.Block) bool {
	ra, wa := a.ReadWriteSets()
	rb, wb := b.ReadWriteSets()
	return wa&(rb|wb) == 0 && wb&ra == 0
}

// ============================================================================
// 内存屏障弱化
// ============================================================================

// FenceReductionPass 内存屏障强度弱化
//
// 对每个 Full 屏障看它两侧到相邻 Full 屏障为止的窗口：
//   - 之前的窗口没有访存（且之前有块内 Full 屏障）：删除
//   - 之前的窗口只有读（且之前有块内 Full 屏障）：降为 Acquire
//   - 之后的窗口只有写（且之后有块内 Full 屏障，中间没有侧出口）：降为 Release
// 被用作 Release 边界的屏障保持 Full。
type FenceReductionPass struct{}

// NewFenceReductionPass 创建屏障弱化 Pass
func NewFenceReductionPass() *FenceReductionPass {
	return &FenceReductionPass{}
}

// Name 返回名称
func (p *FenceReductionPass) Name() string {
	return "fence-reduction"
}

type accessSummary struct {
	loads, stores int
}

func summarize(ops []ir.Op) accessSummary {
	var s accessSummary
	for i := range ops {
		switch ops[i].Kind {
		case ir.OpLoad:
			s.loads++
		case ir.OpStore:
			s.stores++
		case ir.OpAtomicRMW:
			s.loads++
			s.stores++
		}
	}
	return s
}

func isFullFence(op *ir.Op) bool {
	return op.Kind == ir.OpFence && op.Fence == ir.FenceFull
}

// Run 弱化屏障
func (p *FenceReductionPass) Run(b *ir.Block) (*ir.Block, bool) {
	ops := b.Ops
	locked := make(map[int]bool)
	lastFull := -1
	changed := false
	out := make([]ir.Op, 0, len(ops))
	for i := range ops {
		op := ops[i]
		if !isFullFence(&op) {
			out = append(out, op)
			continue
		}
		if locked[i] {
			out = append(out, op)
			lastFull = i
			continue
		}

		if lastFull >= 0 {
			before := summarize(ops[lastFull+1 : i])
			if before.loads == 0 && before.stores == 0 {
				changed = true
				continue
			}
			if before.stores == 0 {
				op.Fence = ir.FenceAcquire
				out = append(out, op)
				changed = true
				continue
			}
		}

		if next := nextFullFence(ops, i); next >= 0 {
			after := summarize(ops[i+1 : next])
			if after.loads == 0 {
				op.Fence = ir.FenceRelease
				out = append(out, op)
				locked[next] = true
				changed = true
				continue
			}
		}

		out = append(out, op)
		lastFull = i
	}
	if !changed {
		return b, false
	}
	nb := b.Clone()
	nb.Ops = out
	return nb, true
}

// nextFullFence 返回 i 之后的下一个 Full 屏障；中间有侧出口时返回 -1
func nextFullFence(ops []ir.Op, i int) int {
	for j := i + 1; j < len(ops); j++ {
		if ops[j].Kind == ir.OpExitIf {
			return -1
		}
		if isFullFence(&ops[j]) {
			return j
		}
	}
	return -1
}
