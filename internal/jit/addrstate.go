// addrstate.go - 每个地址的编译状态机
//
//	Uncompiled -> Compiling -> CompiledT0 -> CompilingT1 -> CompiledT1
//	     ^                                                       |
//	     +------------------- Evicted <--------------------------+
//
// 编译失败：Tier 0 失败进入 Pinned（永久解释执行）；Tier 1 失败回到 CompiledT0。
// 自修改代码：任何状态立即回到 Uncompiled，并递增代数。
//
// 每次开始编译领取一张票据 (代数, 序号)。安装前检查票据：
// 代数变化说明客户机代码已被修改；序号不大于已安装的序号说明有更新的结果已安装。

package jit

import (
	"sync"
)

// AddrState 地址编译状态
type AddrState int

const (
	AddrUncompiled AddrState = iota
	AddrCompiling
	AddrCompiledT0
	AddrCompilingT1
	AddrCompiledT1
	AddrEvicted
	AddrPinned
)

func (s AddrState) String() string {
	switch s {
	case AddrUncompiled:
		return "uncompiled"
	case AddrCompiling:
		return "compiling"
	case AddrCompiledT0:
		return "compiled-t0"
	case AddrCompilingT1:
		return "compiling-t1"
	case AddrCompiledT1:
		return "compiled-t1"
	case AddrEvicted:
		return "evicted"
	case AddrPinned:
		return "pinned"
	default:
		return "unknown"
	}
}

// Ticket 编译票据
type Ticket struct {
	Addr uint64
	Tier Tier
	Gen  uint64
	Seq  uint64
}

type addrRecord struct {
	state     AddrState
	gen       uint64
	installed uint64 // 已安装结果的票据序号
	compiles  int    // 成功安装次数
}

// addrStates 地址状态表
type addrStates struct {
	mu      sync.Mutex
	records map[uint64]*addrRecord
	seq     uint64
}

func newAddrStates() *addrStates {
	return &addrStates{records: make(map[uint64]*addrRecord)}
}

func (s *addrStates) record(addr uint64) *addrRecord {
	r, ok := s.records[addr]
	if !ok {
		r = &addrRecord{}
		s.records[addr] = r
	}
	return r
}

// begin 开始一次由热点触发的编译，状态不允许时返回 false
func (s *addrStates) begin(addr uint64, tier Tier) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(addr)
	switch {
	case tier == Tier0 && (r.state == AddrUncompiled || r.state == AddrEvicted):
		r.state = AddrCompiling
	case tier == Tier1 && r.state == AddrCompiledT0:
		r.state = AddrCompilingT1
	default:
		return Ticket{}, false
	}
	s.seq++
	return Ticket{Addr: addr, Tier: tier, Gen: r.gen, Seq: s.seq}, true
}

// force 显式编译请求，不检查状态（Pinned 除外）
func (s *addrStates) force(addr uint64, tier Tier) (Ticket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(addr)
	if r.state == AddrPinned {
		return Ticket{}, false
	}
	if tier == Tier1 {
		r.state = AddrCompilingT1
	} else if r.state != AddrCompiledT0 && r.state != AddrCompiledT1 {
		r.state = AddrCompiling
	}
	s.seq++
	return Ticket{Addr: addr, Tier: tier, Gen: r.gen, Seq: s.seq}, true
}

// install 票据仍然有效时标记为已安装，返回 false 表示结果已过期
func (s *addrStates) install(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(t.Addr)
	if t.Gen != r.gen || t.Seq <= r.installed || r.state == AddrPinned {
		return false
	}
	r.installed = t.Seq
	r.compiles++
	if t.Tier == Tier1 {
		r.state = AddrCompiledT1
	} else {
		r.state = AddrCompiledT0
	}
	return true
}

// discard 过期结果被丢弃：只有状态仍属于这张票据时才回退
func (s *addrStates) discard(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(t.Addr)
	if t.Gen != r.gen {
		return
	}
	switch r.state {
	case AddrCompiling:
		if r.installed == 0 {
			r.state = AddrUncompiled
		}
	case AddrCompilingT1:
		r.state = AddrCompiledT0
	}
}

// fail 编译失败
func (s *addrStates) fail(t Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(t.Addr)
	if t.Gen != r.gen {
		return
	}
	if t.Tier == Tier1 && r.installed != 0 {
		r.state = AddrCompiledT0
		return
	}
	r.state = AddrPinned
}

// evicted 容量淘汰
func (s *addrStates) evicted(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(addr)
	if r.state != AddrPinned {
		r.state = AddrEvicted
	}
}

// invalidate 自修改代码：回到 Uncompiled，之前领取的票据全部失效
func (s *addrStates) invalidate(addr uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.record(addr)
	r.gen++
	r.state = AddrUncompiled
	r.installed = 0
}

func (s *addrStates) state(addr uint64) AddrState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[addr]; ok {
		return r.state
	}
	return AddrUncompiled
}

func (s *addrStates) valid(t Ticket) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[t.Addr]
	return ok && r.gen == t.Gen && t.Seq > r.installed
}

func (s *addrStates) compiles(addr uint64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[addr]; ok {
		return r.compiles
	}
	return 0
}

func (s *addrStates) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	// 保留并递增代数，使进行中的编译全部过期
	for addr, r := range s.records {
		s.records[addr] = &addrRecord{gen: r.gen + 1}
	}
}
