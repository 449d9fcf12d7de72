// regalloc_graph.go - 图着色寄存器分配
//
// Chaitin-Briggs 风格的简化/溢出循环：
// 1. 两个虚拟寄存器的活跃区间重叠即在干涉图中连边
// 2. 简化：反复移除度数 < K 的节点（度数最小优先，同度数编号小优先）压栈
// 3. 卡住时（剩余节点度数都 >= K）溢出度数最大的节点（同度数编号大优先），重新开始
// 4. 选择：按出栈顺序为每个节点分配邻居未使用的最小颜色
//
// 每个被压栈的节点移除时度数 < K，因此选择阶段总能找到颜色。

package jit

// interferenceGraph 干涉图（邻接表，节点下标对应 ra.intervals）
type interferenceGraph struct {
	adj [][]int
}

func buildInterferenceGraph(intervals []*LiveInterval) *interferenceGraph {
	g := &interferenceGraph{adj: make([][]int, len(intervals))}
	for i := range intervals {
		for j := i + 1; j < len(intervals); j++ {
			if intervals[i].Overlaps(intervals[j]) {
				g.adj[i] = append(g.adj[i], j)
				g.adj[j] = append(g.adj[j], i)
			}
		}
	}
	return g
}

// graphColor 图着色分配
func (ra *RegisterAllocator) graphColor() {
	n := len(ra.intervals)
	g := buildInterferenceGraph(ra.intervals)
	spilled := make([]bool, n)

	for {
		stack, victim := ra.simplify(g, spilled)
		if victim < 0 {
			ra.selectColors(g, stack, spilled)
			return
		}
		spilled[victim] = true
	}
}

// simplify 返回压栈顺序；卡住时返回需要溢出的节点，否则 victim 为 -1
func (ra *RegisterAllocator) simplify(g *interferenceGraph, spilled []bool) (stack []int, victim int) {
	n := len(ra.intervals)
	removed := make([]bool, n)
	degree := make([]int, n)
	remaining := 0
	for i := 0; i < n; i++ {
		if spilled[i] {
			continue
		}
		remaining++
		for _, j := range g.adj[i] {
			if !spilled[j] {
				degree[i]++
			}
		}
	}

	stack = make([]int, 0, remaining)
	for remaining > 0 {
		pick := -1
		for i := 0; i < n; i++ {
			if spilled[i] || removed[i] || degree[i] >= ra.numRegs {
				continue
			}
			if pick < 0 || degree[i] < degree[pick] ||
				(degree[i] == degree[pick] && ra.intervals[i].VReg < ra.intervals[pick].VReg) {
				pick = i
			}
		}
		if pick < 0 {
			return nil, ra.spillCandidate(degree, spilled, removed)
		}
		removed[pick] = true
		remaining--
		stack = append(stack, pick)
		for _, j := range g.adj[pick] {
			if !spilled[j] && !removed[j] {
				degree[j]--
			}
		}
	}
	return stack, -1
}

// spillCandidate 度数最大的剩余节点，同度数选编号较大的
func (ra *RegisterAllocator) spillCandidate(degree []int, spilled, removed []bool) int {
	best := -1
	for i := range degree {
		if spilled[i] || removed[i] {
			continue
		}
		if best < 0 || degree[i] > degree[best] ||
			(degree[i] == degree[best] && ra.intervals[i].VReg > ra.intervals[best].VReg) {
			best = i
		}
	}
	return best
}

// selectColors 按出栈顺序着色，溢出节点按编号顺序分配栈槽
func (ra *RegisterAllocator) selectColors(g *interferenceGraph, stack []int, spilled []bool) {
	used := make([]bool, ra.numRegs)
	for k := len(stack) - 1; k >= 0; k-- {
		node := stack[k]
		for c := range used {
			used[c] = false
		}
		for _, j := range g.adj[node] {
			if r := ra.intervals[j].Reg; r >= 0 && !spilled[j] {
				used[r] = true
			}
		}
		for c, taken := range used {
			if !taken {
				ra.intervals[node].Reg = c
				break
			}
		}
	}
	for i, li := range ra.intervals {
		if spilled[i] {
			li.Reg = -1
			ra.spill(li)
		}
	}
}
