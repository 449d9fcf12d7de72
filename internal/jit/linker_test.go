package jit

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// codeRegion 从同一块缓冲区切出假编译块，块之间的距离固定
type codeRegion struct {
	buf []byte
}

func newCodeRegion() *codeRegion {
	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	return &codeRegion{buf: buf}
}

// block 在缓冲区偏移 off 处放一个 64 字节的块，出口槽位于 16、24、...
func (r *codeRegion) block(isa ISA, addr uint64, off int, exits ...uint64) *CompiledBlock {
	mem := r.buf[off : off+64 : off+64]
	cb := &CompiledBlock{
		Addr:       addr,
		ISA:        isa,
		Code:       mem,
		Size:       len(mem),
		ChainEntry: 8,
		mem:        mem,
		entry:      addrOf(mem),
	}
	for i, target := range exits {
		cb.Exits = append(cb.Exits, ExitSlot{Target: target, Offset: 16 + 8*i})
	}
	return cb
}

func slotWord(cb *CompiledBlock, exit int) uint32 {
	off := cb.Exits[exit].Offset
	return binary.LittleEndian.Uint32(cb.mem[off : off+4])
}

// TestChainPatchEncoding 三种指令集的链接槽内容
func TestChainPatchEncoding(t *testing.T) {
	// 槽在 base+16，目标链接入口在 base+128+8，相距 120 字节
	tests := []struct {
		isa  ISA
		want uint32
	}{
		{ISAX86_64, 116},         // jmp rel32 从槽末尾算起
		{ISAARM64, 0x1400001E},   // b #120
		{ISARISCV64, 0x0780006F}, // jal x0, 120
	}
	for _, tt := range tests {
		r := newCodeRegion()
		from := r.block(tt.isa, 0x100, 0, 0x200)
		to := r.block(tt.isa, 0x200, 128)
		l := NewLinker(true, 4, nil, nil)

		if n := l.Register(from); n != 0 {
			t.Errorf("%s: register source patched %d slots", tt.isa, n)
		}
		if n := l.Register(to); n != 1 {
			t.Fatalf("%s: register target patched %d slots, want 1", tt.isa, n)
		}
		if got := slotWord(from, 0); got != tt.want {
			t.Errorf("%s: slot = %#08x, want %#08x", tt.isa, got, tt.want)
		}
		if !l.IsChained(0x100, 0x200) {
			t.Errorf("%s: not chained", tt.isa)
		}
	}
}

// TestChainUnlinkRestores 删除目标块时恢复槽的原始内容
func TestChainUnlinkRestores(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x100, 0, 0x200, 0x300)
	b := r.block(ISAX86_64, 0x200, 128)
	l := NewLinker(true, 4, nil, nil)
	l.Register(a)
	l.Register(b)

	want := []ChainPatch{{From: 0x100, To: 0x200, Offset: 16, Original: [4]byte{16, 17, 18, 19}}}
	if diff := cmp.Diff(want, l.Patches(), cmpopts.IgnoreUnexported(ChainPatch{})); diff != "" {
		t.Errorf("patches (-want +got):\n%s", diff)
	}

	l.Unlink(b)
	if got := slotWord(a, 0); got != binary.LittleEndian.Uint32([]byte{16, 17, 18, 19}) {
		t.Errorf("slot not restored: %#x", got)
	}
	if l.IsChained(0x100, 0x200) {
		t.Error("still chained after unlink")
	}
	st := l.Stats()
	if st.LivePatches != 0 || st.Patched != 1 || st.Unpatched != 1 {
		t.Errorf("stats = %+v", st)
	}

	// 源块仍在等待该地址，重新安装后再次链接
	b2 := r.block(ISAX86_64, 0x200, 256)
	if n := l.Register(b2); n != 1 {
		t.Errorf("reinstall patched %d slots, want 1", n)
	}
	if got := slotWord(a, 0); got != 244 {
		t.Errorf("slot = %d, want 244", got)
	}
}

// TestChainSupersede 新结果替换旧块后，指向该地址的槽改指新块
func TestChainSupersede(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x100, 0, 0x200)
	old := r.block(ISAX86_64, 0x200, 128)
	neu := r.block(ISAX86_64, 0x200, 256)
	l := NewLinker(true, 4, nil, nil)
	l.Register(a)
	l.Register(old)

	l.Register(neu)
	l.Supersede(old)
	if got := slotWord(a, 0); got != 244 {
		t.Errorf("slot = %d, want 244 (new block)", got)
	}
	ps := l.Patches()
	if len(ps) != 1 || ps[0].to != neu {
		t.Errorf("patches = %+v, want one patch to the new block", ps)
	}
}

// TestChainStale 目标不匹配或未安装时返回 StaleTarget
func TestChainStale(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x100, 0, 0x200, 0x300)
	b := r.block(ISAX86_64, 0x200, 128)
	c := r.block(ISAX86_64, 0x300, 256)
	arm := r.block(ISAARM64, 0x300, 384)
	l := NewLinker(true, 4, nil, nil)
	l.Register(a)
	l.Register(b)
	// 登记时尝试链接 a 的第二个出口，指令集不同被跳过
	l.Register(arm)

	tests := []struct {
		name string
		exit int
		to   *CompiledBlock
	}{
		{"wrong target", 1, b},
		{"not installed", 1, c},
		{"isa mismatch", 1, arm},
		{"nil target", 1, nil},
	}
	for _, tt := range tests {
		err := l.Chain(a, tt.exit, tt.to)
		if !errors.Is(err, ErrStaleTarget) {
			t.Errorf("%s: Chain = %v, want stale target", tt.name, err)
		}
	}
	if want := int64(len(tests) + 1); l.Stats().Skipped != want {
		t.Errorf("skipped = %d, want %d", l.Stats().Skipped, want)
	}
	if err := l.Chain(a, 0, b); err != nil {
		t.Errorf("re-chaining an existing patch: %v", err)
	}
}

// TestChainDeferred 有 vCPU 执行本机代码时补丁延后，Flush 时建立
func TestChainDeferred(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x100, 0, 0x200)
	b := r.block(ISAX86_64, 0x200, 128)
	busy := true
	l := NewLinker(true, 4, func() bool { return !busy }, nil)
	l.Register(a)
	before := slotWord(a, 0)

	if n := l.Register(b); n != 0 {
		t.Errorf("patched %d slots while busy", n)
	}
	if err := l.Chain(a, 0, b); !errors.Is(err, ErrConcurrentExecution) {
		t.Errorf("Chain while busy = %v", err)
	}
	if l.Pending() != 1 || slotWord(a, 0) != before {
		t.Fatalf("pending %d, slot %#x", l.Pending(), slotWord(a, 0))
	}
	if n := l.Flush(); n != 0 {
		t.Errorf("Flush while busy patched %d", n)
	}

	busy = false
	if n := l.Flush(); n != 1 {
		t.Errorf("Flush patched %d, want 1", n)
	}
	if l.Pending() != 0 || !l.IsChained(0x100, 0x200) {
		t.Error("deferred patch not applied")
	}
	if n := l.Flush(); n != 0 {
		t.Errorf("second Flush patched %d", n)
	}
}

// TestChainDeferredDropped 延后期间目标被删除，Flush 不再链接
func TestChainDeferredDropped(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x100, 0, 0x200)
	b := r.block(ISAX86_64, 0x200, 128)
	busy := true
	l := NewLinker(true, 4, func() bool { return !busy }, nil)
	l.Register(a)
	l.Register(b)
	l.Unlink(b)
	busy = false
	if n := l.Flush(); n != 0 || l.IsChained(0x100, 0x200) {
		t.Errorf("Flush linked to an unlinked block (%d patches)", n)
	}
}

// TestChainDisabled 关闭链接时不改写代码
func TestChainDisabled(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x100, 0, 0x200)
	b := r.block(ISAX86_64, 0x200, 128)
	l := NewLinker(false, 4, nil, nil)
	l.Register(a)
	before := slotWord(a, 0)
	if n := l.Register(b); n != 0 {
		t.Errorf("disabled linker patched %d slots", n)
	}
	if slotWord(a, 0) != before || l.IsChained(0x100, 0x200) {
		t.Error("disabled linker modified code")
	}
}

// TestChainSelfLoop 自循环的出口链接到自身
func TestChainSelfLoop(t *testing.T) {
	r := newCodeRegion()
	loop := r.block(ISAX86_64, 0x100, 0, 0x100, 0x200)
	l := NewLinker(true, 4, nil, nil)
	if n := l.Register(loop); n != 1 {
		t.Fatalf("self loop patched %d slots, want 1", n)
	}
	// 槽 16 到入口 8
	if got := int32(slotWord(loop, 0)); got != -12 {
		t.Errorf("self loop displacement = %d, want -12", got)
	}
	l.Unlink(loop)
	if l.Stats().LivePatches != 0 {
		t.Error("self loop patch survived unlink")
	}
}

// TestInlineCacheStates 单态 -> 多态 -> 超多态
func TestInlineCacheStates(t *testing.T) {
	l := NewLinker(true, 4, nil, nil)
	const site = 0x900

	if st, _ := l.InlineCacheState(site); st != ICUninitialized {
		t.Errorf("initial state %v", st)
	}
	want := []ICState{ICMonomorphic, ICMonomorphic, ICPolymorphic, ICPolymorphic, ICPolymorphic, ICMegamorphic, ICMegamorphic}
	targets := []uint64{0x10, 0x10, 0x20, 0x30, 0x40, 0x50, 0x10}
	for i, target := range targets {
		if got := l.ObserveIndirect(site, target, nil); got != want[i] {
			t.Errorf("observe %d (%#x) = %v, want %v", i, target, got, want[i])
		}
		if i == 4 {
			_, entries := l.InlineCacheState(site)
			wantEntries := []InlineCacheEntry{{Target: 0x10, Hits: 2}, {Target: 0x20, Hits: 1}, {Target: 0x30, Hits: 1}, {Target: 0x40, Hits: 1}}
			if diff := cmp.Diff(wantEntries, entries, cmpopts.IgnoreUnexported(InlineCacheEntry{})); diff != "" {
				t.Errorf("entries (-want +got):\n%s", diff)
			}
		}
	}
	st, entries := l.InlineCacheState(site)
	if st != ICMegamorphic || len(entries) != 0 {
		t.Errorf("state %v with %d entries", st, len(entries))
	}
	if ls := l.Stats(); ls.ICSites != 1 || ls.Megamorphic != 1 {
		t.Errorf("stats = %+v", ls)
	}
}

// TestInlineCacheResolve 解析到已安装的块；块失效后不再返回
func TestInlineCacheResolve(t *testing.T) {
	r := newCodeRegion()
	target := r.block(ISAX86_64, 0x500, 0)
	l := NewLinker(true, 4, nil, nil)
	l.Register(target)

	const site = 0x900
	if _, ok := l.ResolveIndirect(site, 0x500); ok {
		t.Error("resolved before any observation")
	}
	l.ObserveIndirect(site, 0x500, target)
	if cb, ok := l.ResolveIndirect(site, 0x500); !ok || cb != target {
		t.Errorf("ResolveIndirect = %v, %v", cb, ok)
	}

	// 同地址新结果安装，旧引用失效但条目保留
	neu := r.block(ISAX86_64, 0x500, 128)
	l.Register(neu)
	if _, ok := l.ResolveIndirect(site, 0x500); ok {
		t.Error("resolved to a replaced block")
	}
	l.Supersede(target)
	l.ObserveIndirect(site, 0x500, neu)
	if cb, ok := l.ResolveIndirect(site, 0x500); !ok || cb != neu {
		t.Errorf("ResolveIndirect after re-observe = %v, %v", cb, ok)
	}

	l.Unlink(neu)
	if _, ok := l.ResolveIndirect(site, 0x500); ok {
		t.Error("resolved to an unlinked block")
	}
	if st, entries := l.InlineCacheState(site); st != ICUninitialized || len(entries) != 0 {
		t.Errorf("after unlink: %v with %d entries", st, len(entries))
	}

	// 未安装的块不进入缓存
	stray := r.block(ISAX86_64, 0x600, 256)
	l.ObserveIndirect(site, 0x600, stray)
	if _, ok := l.ResolveIndirect(site, 0x600); ok {
		t.Error("resolved to a block that was never registered")
	}
}

// TestInlineCacheDemote 失效删除条目后按剩余条目数回退状态
func TestInlineCacheDemote(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x500, 0)
	b := r.block(ISAX86_64, 0x600, 128)
	c := r.block(ISAX86_64, 0x700, 256)
	l := NewLinker(true, 4, nil, nil)
	for _, cb := range []*CompiledBlock{a, b, c} {
		l.Register(cb)
	}

	const site = 0x900
	for _, cb := range []*CompiledBlock{a, b, c} {
		l.ObserveIndirect(site, cb.Addr, cb)
	}
	tests := []struct {
		unlink  *CompiledBlock
		state   ICState
		targets []uint64
	}{
		{c, ICPolymorphic, []uint64{0x500, 0x600}},
		{b, ICMonomorphic, []uint64{0x500}},
		{a, ICUninitialized, nil},
	}
	for _, tt := range tests {
		l.Unlink(tt.unlink)
		st, entries := l.InlineCacheState(site)
		var targets []uint64
		for _, e := range entries {
			targets = append(targets, e.Target)
		}
		if st != tt.state {
			t.Errorf("after unlinking %#x: state %v, want %v", tt.unlink.Addr, st, tt.state)
		}
		if diff := cmp.Diff(tt.targets, targets); diff != "" {
			t.Errorf("after unlinking %#x: targets (-want +got):\n%s", tt.unlink.Addr, diff)
		}
	}
}

// TestLinkerReset 清空边表与内联缓存
func TestLinkerReset(t *testing.T) {
	r := newCodeRegion()
	a := r.block(ISAX86_64, 0x100, 0, 0x200)
	b := r.block(ISAX86_64, 0x200, 128)
	l := NewLinker(true, 4, nil, nil)
	l.Register(a)
	l.Register(b)
	l.ObserveIndirect(0x900, 0x200, b)
	l.Reset()
	st := l.Stats()
	if st.LivePatches != 0 || st.ICSites != 0 || l.IsChained(0x100, 0x200) {
		t.Errorf("state after reset: %+v", st)
	}
}
