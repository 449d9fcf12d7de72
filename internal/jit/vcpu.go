// vcpu.go - 分发循环
//
// 每个 vCPU 拥有一个帧（客户机寄存器文件 + 溢出槽 + 出口信息）。
// 执行一个块：
//  1. 进入本机区，查找代码缓存
//  2. 命中且可以本机执行：调用生成的代码，处理访存出口后重新进入，直到块退出
//  3. 否则离开本机区，解释执行
//  4. 记录执行次数，计数越过阈值时编译
//
// Run 只执行一个块（链接预算为 1）；Loop 连续执行，直接跳转出口可以
// 通过链接在本机代码内转移，间接跳转通过调用点内联缓存解析。

package jit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tangzhangming/vmjit/internal/interp"
	"github.com/tangzhangming/vmjit/internal/ir"
)

// ErrNoBlock 分发循环找不到下一个客户机块
var ErrNoBlock = errors.New("jit: no guest block at address")

// BlockSource 客户机块来源（前端的翻译结果）
type BlockSource interface {
	Block(addr uint64) (*ir.Block, bool)
}

// BlockMap 以地址为键的块集合
type BlockMap map[uint64]*ir.Block

// Block 实现 BlockSource
func (m BlockMap) Block(addr uint64) (*ir.Block, bool) {
	b, ok := m[addr]
	return b, ok
}

// ExecStats 单次执行的统计
type ExecStats struct {
	Native      bool // 入口块以本机代码执行
	Compiled    bool // 本次执行触发的编译已安装
	Blocks      int  // 执行的块数
	Chained     int  // 通过链接转移的块数
	MemoryExits int  // 访存出口次数
	Duration    time.Duration
}

func (s *ExecStats) add(o ExecStats) {
	s.Native = s.Native || o.Native
	s.Compiled = s.Compiled || o.Compiled
	s.Blocks += o.Blocks
	s.Chained += o.Chained
	s.MemoryExits += o.MemoryExits
	s.Duration += o.Duration
}

// ExecResult 执行结果
type ExecResult struct {
	Status    interp.Status
	Next      uint64
	FaultAddr uint64
	Err       error
	Stats     ExecStats
}

// VCPU 虚拟处理器，不是并发安全的，每个执行线程一个
type VCPU struct {
	e     *Engine
	frame Frame
}

// NewVCPU 创建虚拟处理器
func (e *Engine) NewVCPU() *VCPU {
	return &VCPU{e: e}
}

// Regs 客户机寄存器文件
func (v *VCPU) Regs() *[ir.NumRegs]uint64 {
	return &v.frame.Regs
}

// Run 执行一个块
func (v *VCPU) Run(mem interp.Memory, b *ir.Block) ExecResult {
	res, _, _ := v.exec(mem, b, 1, nil)
	return res
}

// Loop 从 pc 开始连续执行，直到非 Continue 状态、上下文取消或执行了 max 次分发（max <= 0 不限制）
func (v *VCPU) Loop(ctx context.Context, mem interp.Memory, src BlockSource, pc uint64, max int) ExecResult {
	e := v.e
	var total ExecStats
	var hint *CompiledBlock
	budget := int64(e.cfg.ChainBudget)
	for n := 0; max <= 0 || n < max; n++ {
		if err := ctx.Err(); err != nil {
			return ExecResult{Status: interp.StatusInterrupt, Next: pc, Err: err, Stats: total}
		}
		b, ok := src.Block(pc)
		if !ok {
			return ExecResult{Status: interp.StatusFault, Next: pc, FaultAddr: pc,
				Err: fmt.Errorf("%w %#x", ErrNoBlock, pc), Stats: total}
		}
		res, site, indirect := v.exec(mem, b, budget, hint)
		total.add(res.Stats)
		res.Stats = total
		if res.Status != interp.StatusContinue {
			return res
		}
		pc = res.Next
		hint = nil
		if indirect && e.cfg.EnableChaining {
			cb, ok := e.linker.ResolveIndirect(site, pc)
			if ok {
				e.stats.icHits.Inc()
			} else {
				cb, _ = e.cache.Peek(pc)
			}
			e.linker.ObserveIndirect(site, pc, cb)
			hint = cb
		}
	}
	return ExecResult{Status: interp.StatusContinue, Next: pc, Stats: total}
}

// RunAsync 异步执行路径：总是解释执行，访存可以被上下文取消
func (v *VCPU) RunAsync(ctx context.Context, amem interp.AsyncMemory, b *ir.Block) ExecResult {
	e := v.e
	if err := ctx.Err(); err != nil {
		return ExecResult{Status: interp.StatusInterrupt, Next: b.Addr, Err: err}
	}
	e.remember(b)
	start := time.Now()
	r := interp.Exec(&v.frame.Regs, interp.WithContext(ctx, amem), b)
	res := ExecResult{Status: r.Status, Next: r.Next, FaultAddr: r.FaultAddr, Err: r.Err}
	if r.Status == interp.StatusFault && ctx.Err() != nil {
		res = ExecResult{Status: interp.StatusInterrupt, Next: b.Addr, Err: ctx.Err()}
	}
	res.Stats = ExecStats{Blocks: 1, Duration: time.Since(start)}
	e.stats.interpreted.Inc()
	e.safepoint(&v.frame.Regs)

	// 提升只在后台编译，异步路径从不等待编译
	if p := e.profiler.Record(b.Addr); p != PromoteNone {
		e.promote(b, p, true)
	}
	e.afterRecord()
	return res
}

// exec 执行一个入口块，返回结果与最后一个块的间接跳转信息
func (v *VCPU) exec(mem interp.Memory, b *ir.Block, budget int64, hint *CompiledBlock) (ExecResult, uint64, bool) {
	e := v.e
	e.remember(b)
	sample := e.profiler.shouldSample(b.Addr, e.cfg.sampleEvery())
	start := time.Now()

	var res ExecResult
	site, indirect := b.Addr, b.Term.IsIndirect()

	e.inNative.Inc()
	var cb *CompiledBlock
	stale := false
	if e.native {
		cb, stale = e.lookup(b, hint)
	}
	if cb != nil {
		var last *CompiledBlock
		res, last = v.runNative(mem, cb, budget)
		e.inNative.Dec()
		site, indirect = last.Addr, last.Body.Term.IsIndirect()
		e.stats.nativeBlocks.Add(int64(res.Stats.Blocks))
		e.stats.chained.Add(int64(res.Stats.Chained))
	} else {
		e.inNative.Dec()
		if stale {
			// 同一地址的客户机代码已经改变
			e.Invalidate(b.Addr)
		}
		res = v.interpret(mem, b)
	}
	res.Stats.Duration = time.Since(start)

	if sample {
		in, nat := e.profiler.sample(b.Addr, res.Stats.Duration, res.Stats.Native)
		if in > 0 && nat > 0 {
			e.thresholds.ObserveBenefit(float64(in - nat))
		}
	}

	if p := e.profiler.Record(b.Addr); p != PromoteNone {
		res.Stats.Compiled = e.promote(b, p, false)
	}
	e.afterRecord()
	e.maintain()
	return res, site, indirect
}

func (v *VCPU) interpret(mem interp.Memory, b *ir.Block) ExecResult {
	r := interp.Exec(&v.frame.Regs, mem, b)
	v.e.stats.interpreted.Inc()
	v.e.safepoint(&v.frame.Regs)
	return ExecResult{
		Status:    r.Status,
		Next:      r.Next,
		FaultAddr: r.FaultAddr,
		Err:       r.Err,
		Stats:     ExecStats{Blocks: 1},
	}
}

// runNative 执行本机代码，调用者处于本机区
// 返回结果与最后执行的块
func (v *VCPU) runNative(mem interp.Memory, cb *CompiledBlock, budget int64) (ExecResult, *CompiledBlock) {
	e := v.e
	f := &v.frame
	f.Budget = budget
	f.Blocks = 0
	f.Resume = 0

	var st ExecStats
	st.Native = true
	cur := cb
	entry := cb.entry
	for {
		f.Exit = ExitDirect
		jitcall(entry, f)
		if c, ok := e.byEntry.Load(uintptr(f.Cur)); ok {
			cur = c.(*CompiledBlock)
		}
		e.safepoint(&f.Regs)

		if f.Exit == ExitMemory {
			st.MemoryExits++
			op := &cur.Body.Ops[f.Resume-1]
			if err := interp.ExecMemOp(&f.Regs, mem, op); err != nil {
				f.Resume = 0
				res := ExecResult{Status: interp.StatusFault, Next: cur.Addr, Err: err}
				var mf *interp.MemoryFault
				if errors.As(err, &mf) {
					res.FaultAddr = mf.Addr
				}
				return v.finishNative(res, st), cur
			}
			entry = cur.entry
			continue
		}
		break
	}
	f.Resume = 0

	res := ExecResult{Status: interp.StatusContinue, Next: f.Next}
	switch f.Exit {
	case ExitHalt:
		res.Status = interp.StatusHalt
	case ExitFault:
		res.Status = interp.StatusFault
		res.Err = fmt.Errorf("%w: code %d", interp.ErrGuestFault, cur.Body.Term.Code)
	}
	return v.finishNative(res, st), cur
}

func (v *VCPU) finishNative(res ExecResult, st ExecStats) ExecResult {
	st.Blocks = int(v.frame.Blocks)
	if st.Blocks > 1 {
		st.Chained = st.Blocks - 1
	}
	res.Stats = st
	return res
}

// safepoint 回到分发循环时调用，所有客户机寄存器都在帧中
func (e *Engine) safepoint(regs *[ir.NumRegs]uint64) {
	if e.cfg.Safepoint != nil {
		e.cfg.Safepoint(regs)
	}
}
