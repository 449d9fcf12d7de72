// profiler.go - 热点检测
//
// 本文件实现按客户机地址的执行计数，用于决定哪些基本块需要编译。
//
// 热点检测策略：
// 1. 每个地址一个计数器，首次出现时创建，计数只用原子操作，不同地址之间无需协调
// 2. 计数达到冷阈值进入 Warm，达到热阈值触发 Tier 0 编译
// 3. 计数达到热阈值 * Tier1 倍数时触发 Tier 1 重编译
// 4. 状态迁移使用 CAS，每次提升事件只会被报告一次
//
// 使用方式：
//   if profiler.RecordExecution(addr) { ... }   // 返回 true 表示本次触发提升
//   if profiler.IsHot(addr) { ... }             // 纯查询

package jit

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ============================================================================
// 热点状态
// ============================================================================

// HotState 热点状态
type HotState int32

const (
	StateCold   HotState = iota // 冷代码
	StateWarm                   // 温代码（接近热点）
	StateHot                    // 热点，已请求 Tier 0
	StateTier1                  // 已请求 Tier 1
	StatePinned                 // 编译失败，永久解释执行
)

func (s HotState) String() string {
	switch s {
	case StateCold:
		return "cold"
	case StateWarm:
		return "warm"
	case StateHot:
		return "hot"
	case StateTier1:
		return "tier1"
	case StatePinned:
		return "pinned"
	default:
		return "unknown"
	}
}

// Promotion 一次执行记录触发的提升
type Promotion int

const (
	PromoteNone Promotion = iota
	PromoteTier0
	PromoteTier1
)

// ============================================================================
// 执行计数器
// ============================================================================

// ExecutionCounter 单个地址的执行计数
type ExecutionCounter struct {
	Addr     uint64
	count    atomic.Int64
	lastSeen atomic.Int64 // UnixNano
	state    atomic.Int32

	// 采样耗时（纳秒），0 表示尚无样本
	interpNs atomic.Int64
	nativeNs atomic.Int64
}

// CounterSnapshot 计数器快照
type CounterSnapshot struct {
	Addr     uint64
	Count    int64
	LastSeen time.Time
	State    HotState
}

func (c *ExecutionCounter) snapshot() CounterSnapshot {
	return CounterSnapshot{
		Addr:     c.Addr,
		Count:    c.count.Load(),
		LastSeen: time.Unix(0, c.lastSeen.Load()),
		State:    HotState(c.state.Load()),
	}
}

// ============================================================================
// 热点检测器
// ============================================================================

// Profiler 热点检测器
type Profiler struct {
	thresholds *ThresholdController
	tier1      bool // 是否允许 Tier 1 提升

	counters sync.Map // uint64 -> *ExecutionCounter

	totalEvents atomic.Int64
	promotions  atomic.Int64
	enabled     atomic.Bool
}

// NewProfiler 创建热点检测器
func NewProfiler(thresholds *ThresholdController, tier1 bool) *Profiler {
	p := &Profiler{thresholds: thresholds, tier1: tier1}
	p.enabled.Store(true)
	return p
}

// SetEnabled 启用/禁用热点检测
func (p *Profiler) SetEnabled(enabled bool) {
	p.enabled.Store(enabled)
}

// IsEnabled 检查是否启用
func (p *Profiler) IsEnabled() bool {
	return p.enabled.Load()
}

func (p *Profiler) counter(addr uint64) *ExecutionCounter {
	if c, ok := p.counters.Load(addr); ok {
		return c.(*ExecutionCounter)
	}
	c, _ := p.counters.LoadOrStore(addr, &ExecutionCounter{Addr: addr})
	return c.(*ExecutionCounter)
}

func (p *Profiler) lookup(addr uint64) *ExecutionCounter {
	if c, ok := p.counters.Load(addr); ok {
		return c.(*ExecutionCounter)
	}
	return nil
}

// Record 记录一次执行，返回本次触发的提升
func (p *Profiler) Record(addr uint64) Promotion {
	if !p.enabled.Load() {
		return PromoteNone
	}
	c := p.counter(addr)
	n := c.count.Inc()
	c.lastSeen.Store(time.Now().UnixNano())
	p.totalEvents.Inc()

	if HotState(c.state.Load()) == StateCold && n >= p.thresholds.Cold() {
		c.state.CAS(int32(StateCold), int32(StateWarm))
	}
	switch HotState(c.state.Load()) {
	case StateWarm:
		if n >= p.thresholds.Hot() && c.state.CAS(int32(StateWarm), int32(StateHot)) {
			p.promotions.Inc()
			return PromoteTier0
		}
	case StateHot:
		if p.tier1 && n >= p.thresholds.Tier1() && c.state.CAS(int32(StateHot), int32(StateTier1)) {
			p.promotions.Inc()
			return PromoteTier1
		}
	}
	return PromoteNone
}

// RecordExecution 记录一次执行，计数越过当前阈值时返回 true（每个提升事件只返回一次）
func (p *Profiler) RecordExecution(addr uint64) bool {
	return p.Record(addr) != PromoteNone
}

// IsHot 检查地址是否是热点（纯查询）
func (p *Profiler) IsHot(addr uint64) bool {
	c := p.lookup(addr)
	if c == nil {
		return false
	}
	switch HotState(c.state.Load()) {
	case StateHot, StateTier1:
		return true
	}
	return c.count.Load() >= p.thresholds.Hot()
}

// Count 获取执行次数
func (p *Profiler) Count(addr uint64) int64 {
	if c := p.lookup(addr); c != nil {
		return c.count.Load()
	}
	return 0
}

// State 获取热点状态
func (p *Profiler) State(addr uint64) HotState {
	if c := p.lookup(addr); c != nil {
		return HotState(c.state.Load())
	}
	return StateCold
}

// Pin 编译失败后固定为解释执行，不再提升
func (p *Profiler) Pin(addr uint64) {
	p.counter(addr).state.Store(int32(StatePinned))
}

// Demote 提升请求未能提交时回到 Warm，下一次执行会再次触发
func (p *Profiler) Demote(addr uint64, from Promotion) {
	c := p.lookup(addr)
	if c == nil {
		return
	}
	switch from {
	case PromoteTier0:
		c.state.CAS(int32(StateHot), int32(StateWarm))
	case PromoteTier1:
		c.state.CAS(int32(StateTier1), int32(StateHot))
	}
}

// MarkCompiled AOT 预装载的地址视为已提升
func (p *Profiler) MarkCompiled(addr uint64, tier Tier) {
	st := StateHot
	if tier == Tier1 {
		st = StateTier1
	}
	p.counter(addr).state.Store(int32(st))
}

// Reset 清除单个地址的计数（淘汰或失效后重新预热）
func (p *Profiler) Reset(addr uint64) {
	p.counters.Delete(addr)
}

// Clear 清除所有计数器
func (p *Profiler) Clear() {
	p.counters.Range(func(k, _ any) bool {
		p.counters.Delete(k)
		return true
	})
}

// sample 记录一次采样耗时，返回可用于计算收益的 (解释, 本机) 耗时
func (p *Profiler) sample(addr uint64, d time.Duration, native bool) (interpNs, nativeNs int64) {
	c := p.lookup(addr)
	if c == nil {
		return 0, 0
	}
	if native {
		c.nativeNs.Store(int64(d))
	} else {
		c.interpNs.Store(int64(d))
	}
	return c.interpNs.Load(), c.nativeNs.Load()
}

// shouldSample 每隔 every 次执行采样一次
func (p *Profiler) shouldSample(addr uint64, every int64) bool {
	if every <= 0 {
		return false
	}
	c := p.lookup(addr)
	return c != nil && c.count.Load()%every == 0
}

// ProfilerStats 统计信息
type ProfilerStats struct {
	TrackedAddrs int
	TotalEvents  int64
	Promotions   int64
}

// Stats 获取统计信息
func (p *Profiler) Stats() ProfilerStats {
	n := 0
	p.counters.Range(func(_, _ any) bool {
		n++
		return true
	})
	return ProfilerStats{
		TrackedAddrs: n,
		TotalEvents:  p.totalEvents.Load(),
		Promotions:   p.promotions.Load(),
	}
}

// TopHot 返回执行次数最多的 n 个地址
func (p *Profiler) TopHot(n int) []CounterSnapshot {
	var all []CounterSnapshot
	p.counters.Range(func(_, v any) bool {
		all = append(all, v.(*ExecutionCounter).snapshot())
		return true
	})
	sort.Slice(all, func(i, j int) bool {
		if all[i].Count != all[j].Count {
			return all[i].Count > all[j].Count
		}
		return all[i].Addr < all[j].Addr
	})
	if n > 0 && len(all) > n {
		all = all[:n]
	}
	return all
}
