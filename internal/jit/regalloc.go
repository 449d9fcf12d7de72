// regalloc.go - 寄存器分配器
//
// 本文件实现了线性扫描寄存器分配算法 (Linear Scan Register Allocation)。
// 图着色分配见 regalloc_graph.go，两者输出相同格式的分配结果，可以互换。
//
// 基本块是直线代码，每个虚拟寄存器的活跃区间就是
// [第一次引用位置, 最后一次引用位置]，位置 0..n-1 是操作，n 是终结指令。
//
// 算法概述：
// 1. 计算每个虚拟寄存器的活跃区间
// 2. 按 (起始位置, 寄存器编号) 排序，保证结果确定
// 3. 线性扫描，为每个区间分配寄存器
// 4. 如果没有可用寄存器，在当前区间和活跃区间中选择结束最晚的溢出到栈
//
// 两种分配都是全函数：总能为每个虚拟寄存器给出位置，
// 溢出数量不超过 max(0, V-K)。
//
// 时间复杂度：O(n log n)，其中 n 是活跃区间数量
// 空间复杂度：O(n)

package jit

import (
	"fmt"
	"sort"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// 位置
// ============================================================================

// LocationKind 位置类型
type LocationKind uint8

const (
	LocNone  LocationKind = iota // 未引用
	LocReg                       // 物理寄存器
	LocStack                     // 栈槽（帧内溢出区）
)

// Location 虚拟寄存器的位置
type Location struct {
	Kind   LocationKind
	Reg    int   // LocReg: 可分配寄存器表中的下标
	Offset int32 // LocStack: 相对帧基址的偏移
}

// Register 寄存器位置
func Register(id int) Location { return Location{Kind: LocReg, Reg: id} }

// Stack 栈槽位置
func Stack(offset int32) Location { return Location{Kind: LocStack, Offset: offset} }

func (l Location) String() string {
	switch l.Kind {
	case LocReg:
		return fmt.Sprintf("reg%d", l.Reg)
	case LocStack:
		return fmt.Sprintf("stack[%d]", l.Offset)
	default:
		return "none"
	}
}

// ============================================================================
// 寄存器分配结果
// ============================================================================

// AllocStrategy 分配策略
type AllocStrategy int

const (
	StrategyLinearScan AllocStrategy = iota
	StrategyGraphColoring
)

func (s AllocStrategy) String() string {
	if s == StrategyGraphColoring {
		return "graph-coloring"
	}
	return "linear-scan"
}

// RegAllocation 寄存器分配结果
type RegAllocation struct {
	// Locs 虚拟寄存器到位置的映射，未引用的寄存器为 LocNone
	Locs [ir.NumRegs]Location

	// Intervals 活跃区间表（按起始位置排序）
	Intervals []*LiveInterval

	NumVRegs   int
	NumRegs    int
	SpillCount int
	Strategy   AllocStrategy
}

// Loc 获取虚拟寄存器位置
func (alloc *RegAllocation) Loc(vreg uint8) Location {
	return alloc.Locs[vreg]
}

// IsSpilled 检查虚拟寄存器是否被溢出
func (alloc *RegAllocation) IsSpilled(vreg uint8) bool {
	return alloc.Locs[vreg].Kind == LocStack
}

// Interval 获取虚拟寄存器的活跃区间
func (alloc *RegAllocation) Interval(vreg uint8) *LiveInterval {
	for _, li := range alloc.Intervals {
		if li.VReg == int(vreg) {
			return li
		}
	}
	return nil
}

// ============================================================================
// 活跃区间
// ============================================================================

// LiveInterval 活跃区间
// 表示一个虚拟寄存器从第一次引用到最后一次引用的范围（闭区间）
type LiveInterval struct {
	VReg      int // 虚拟寄存器编号
	Start     int // 开始位置
	End       int // 结束位置
	Reg       int // 分配的物理寄存器（-1 表示溢出）
	SpillSlot int // 溢出槽（-1 表示未溢出）
}

// NewLiveInterval 创建活跃区间
func NewLiveInterval(vreg, start int) *LiveInterval {
	return &LiveInterval{
		VReg:      vreg,
		Start:     start,
		End:       start,
		Reg:       -1,
		SpillSlot: -1,
	}
}

// Extend 扩展区间终点
func (li *LiveInterval) Extend(pos int) {
	if pos > li.End {
		li.End = pos
	}
}

// Overlaps 检查两个闭区间是否重叠
func (li *LiveInterval) Overlaps(other *LiveInterval) bool {
	return li.Start <= other.End && other.Start <= li.End
}

// ComputeLiveIntervals 计算基本块中所有虚拟寄存器的活跃区间
func ComputeLiveIntervals(b *ir.Block) []*LiveInterval {
	var byReg [ir.NumRegs]*LiveInterval
	touch := func(r uint8, pos int) {
		if li := byReg[r]; li != nil {
			li.Extend(pos)
			return
		}
		byReg[r] = NewLiveInterval(int(r), pos)
	}
	for i := range b.Ops {
		for _, r := range b.Ops[i].Uses() {
			touch(r, i)
		}
		if d, ok := b.Ops[i].Defs(); ok {
			touch(d, i)
		}
	}
	n := len(b.Ops)
	for _, r := range b.Term.Uses() {
		touch(r, n)
	}
	if d, ok := b.Term.Defs(); ok {
		touch(d, n)
	}

	intervals := make([]*LiveInterval, 0, ir.NumRegs)
	for _, li := range byReg {
		if li != nil {
			intervals = append(intervals, li)
		}
	}
	sort.SliceStable(intervals, func(i, j int) bool {
		if intervals[i].Start != intervals[j].Start {
			return intervals[i].Start < intervals[j].Start
		}
		return intervals[i].VReg < intervals[j].VReg
	})
	return intervals
}

// ============================================================================
// 寄存器分配器
// ============================================================================

// RegisterAllocator 寄存器分配器
// 每次编译创建一个实例，不共享可变状态，不同基本块可以并发分配
type RegisterAllocator struct {
	numRegs   int             // 可用寄存器数量 K
	strategy  AllocStrategy   // 分配策略
	spillBase int32           // 第一个溢出槽的帧偏移
	intervals []*LiveInterval // 所有活跃区间
	active    []*LiveInterval // 当前活跃的区间（按结束位置排序）

	// 寄存器状态
	freeRegs []bool // 哪些寄存器是空闲的

	// 溢出管理
	nextSpillSlot int

	// 结果
	allocation *RegAllocation
}

// NewRegisterAllocator 创建寄存器分配器
func NewRegisterAllocator(numRegs int, strategy AllocStrategy) *RegisterAllocator {
	if numRegs <= 0 {
		numRegs = 1
	}
	return &RegisterAllocator{
		numRegs:   numRegs,
		strategy:  strategy,
		spillBase: frameSpillOffset,
		freeRegs:  make([]bool, numRegs),
	}
}

// Allocate 执行寄存器分配
func (ra *RegisterAllocator) Allocate(b *ir.Block) *RegAllocation {
	ra.allocation = &RegAllocation{
		NumRegs:  ra.numRegs,
		Strategy: ra.strategy,
	}
	ra.nextSpillSlot = 0
	ra.active = ra.active[:0]
	for i := range ra.freeRegs {
		ra.freeRegs[i] = true
	}

	// 第一步：计算活跃区间
	ra.intervals = ComputeLiveIntervals(b)

	// 第二步：分配
	switch ra.strategy {
	case StrategyGraphColoring:
		ra.graphColor()
	default:
		ra.linearScan()
	}

	// 第三步：生成位置表
	for _, li := range ra.intervals {
		if li.Reg >= 0 {
			ra.allocation.Locs[li.VReg] = Register(li.Reg)
		} else {
			ra.allocation.Locs[li.VReg] = Stack(ra.spillBase + int32(li.SpillSlot)*8)
			ra.allocation.SpillCount++
		}
	}
	ra.allocation.Intervals = ra.intervals
	ra.allocation.NumVRegs = len(ra.intervals)
	return ra.allocation
}

// ============================================================================
// 线性扫描
// ============================================================================

// linearScan 线性扫描分配
func (ra *RegisterAllocator) linearScan() {
	for _, current := range ra.intervals {
		// 释放已结束的区间
		ra.expireOldIntervals(current)

		if len(ra.active) == ra.numRegs {
			// 没有可用寄存器，需要溢出
			ra.spillAtInterval(current)
		} else {
			current.Reg = ra.allocFreeReg()
			ra.addToActive(current)
		}
	}
}

// expireOldIntervals 移除已经结束的区间
func (ra *RegisterAllocator) expireOldIntervals(current *LiveInterval) {
	i := 0
	for ; i < len(ra.active); i++ {
		if ra.active[i].End >= current.Start {
			break
		}
		ra.freeRegs[ra.active[i].Reg] = true
	}
	ra.active = append(ra.active[:0], ra.active[i:]...)
}

// spillAtInterval 溢出结束最晚的区间（结束位置相同时溢出编号较大的）
func (ra *RegisterAllocator) spillAtInterval(current *LiveInterval) {
	last := ra.active[len(ra.active)-1]
	if last.End > current.End || (last.End == current.End && last.VReg > current.VReg) {
		current.Reg = last.Reg
		last.Reg = -1
		ra.spill(last)
		ra.active = ra.active[:len(ra.active)-1]
		ra.addToActive(current)
		return
	}
	ra.spill(current)
}

func (ra *RegisterAllocator) spill(li *LiveInterval) {
	li.SpillSlot = ra.nextSpillSlot
	ra.nextSpillSlot++
}

// allocFreeReg 选择编号最小的空闲寄存器
func (ra *RegisterAllocator) allocFreeReg() int {
	for i, free := range ra.freeRegs {
		if free {
			ra.freeRegs[i] = false
			return i
		}
	}
	panic("regalloc: no free register with active set below capacity")
}

// addToActive 按 (结束位置, 编号) 插入活跃集合
func (ra *RegisterAllocator) addToActive(li *LiveInterval) {
	pos := sort.Search(len(ra.active), func(i int) bool {
		a := ra.active[i]
		return a.End > li.End || (a.End == li.End && a.VReg > li.VReg)
	})
	ra.active = append(ra.active, nil)
	copy(ra.active[pos+1:], ra.active[pos:])
	ra.active[pos] = li
}

// checkAllocation 检查分配结果覆盖基本块引用的每个虚拟寄存器
func checkAllocation(b *ir.Block, alloc *RegAllocation, numRegs int) error {
	check := func(r uint8) error {
		loc := alloc.Locs[r]
		switch loc.Kind {
		case LocReg:
			if loc.Reg < 0 || loc.Reg >= numRegs {
				return fmt.Errorf("r%d assigned to register %d outside [0, %d)", r, loc.Reg, numRegs)
			}
		case LocStack:
			if loc.Offset < frameSpillOffset || loc.Offset >= frameSpillOffset+ir.NumRegs*8 || loc.Offset%8 != 0 {
				return fmt.Errorf("r%d assigned to bad spill offset %d", r, loc.Offset)
			}
		default:
			return fmt.Errorf("r%d referenced but not allocated", r)
		}
		return nil
	}
	for i := range b.Ops {
		for _, r := range b.Ops[i].Uses() {
			if err := check(r); err != nil {
				return err
			}
		}
		if d, ok := b.Ops[i].Defs(); ok {
			if err := check(d); err != nil {
				return err
			}
		}
	}
	for _, r := range b.Term.Uses() {
		if err := check(r); err != nil {
			return err
		}
	}
	if d, ok := b.Term.Defs(); ok {
		return check(d)
	}
	return nil
}
