// linker.go - 控制流链接
//
// 块链接：已安装块的直接跳转出口目标也已安装时，把出口的链接槽改写为
// 直接跳到目标块的链接入口，绕过分发循环。
//
// 链接关系保存在独立的边表中（out: 源块 -> 补丁，in: 目标地址 -> 补丁），
// 而不是只存在于机器码里；删除一个块时沿反向边恢复所有指向它的槽。
//
// 补丁规则：
//   - 每个补丁是一次 4 字节对齐的原子写
//   - 建立补丁要求没有 vCPU 正在执行本机代码，否则记入待办，由 Flush 重试
//   - 恢复补丁随时允许：槽只会在两个都有效的目标之间切换
//   - 被替换的代码在没有 vCPU 执行本机代码时才释放（见 Engine）

package jit

import (
	"encoding/binary"
	"sort"
	"sync"
	stdatomic "sync/atomic"
	"unsafe"

	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// ============================================================================
// 补丁编码
// ============================================================================

// ChainPatch 一条链接补丁
type ChainPatch struct {
	From     uint64  // 源块地址
	To       uint64  // 目标块地址
	Offset   int     // 槽在源块代码中的偏移
	Original [4]byte // 补丁前的槽内容

	exit int
	from *CompiledBlock
	to   *CompiledBlock
}

// encodeChainWord 计算链接槽的新内容（小端序指令字）
func encodeChainWord(isa ISA, slotAddr, targetAddr uintptr) (uint32, bool) {
	rel := int64(targetAddr) - int64(slotAddr)
	switch isa {
	case ISAX86_64:
		// jmp rel32 的位移从指令末尾算起
		d := rel - 4
		if d < -1<<31 || d >= 1<<31 {
			return 0, false
		}
		return uint32(int32(d)), true
	case ISAARM64:
		off := rel / 4
		if rel&3 != 0 || off < -(1<<25) || off >= 1<<25 {
			return 0, false
		}
		return 0x14000000 | uint32(off)&0x03FFFFFF, true
	case ISARISCV64:
		return encodeJAL(RVZero, rel)
	}
	return 0, false
}

func codeWordPtr(mem []byte, off int) *uint32 {
	return (*uint32)(unsafe.Pointer(&mem[off]))
}

// loadCodeWord 原子读取槽内容
func loadCodeWord(mem []byte, off int) [4]byte {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], stdatomic.LoadUint32(codeWordPtr(mem, off)))
	return b
}

// storeCodeWord 原子写入槽内容
func storeCodeWord(mem []byte, off int, b [4]byte) {
	stdatomic.StoreUint32(codeWordPtr(mem, off), binary.NativeEndian.Uint32(b[:]))
}

// ============================================================================
// 链接器
// ============================================================================

type slotRef struct {
	from *CompiledBlock
	exit int
}

// LinkerStats 链接器统计
type LinkerStats struct {
	LivePatches int
	Patched     int64
	Unpatched   int64
	Deferred    int64
	Skipped     int64
	ICSites     int
	Megamorphic int
}

// Linker 块链接与内联缓存
type Linker struct {
	mu      sync.Mutex
	enabled bool
	fanout  int
	logger  *zap.Logger

	// quiescent 返回是否没有 vCPU 正在执行本机代码
	quiescent func() bool

	blocks  map[uint64]*CompiledBlock        // 已安装的块
	out     map[*CompiledBlock][]*ChainPatch // 源块 -> 补丁
	in      map[uint64][]*ChainPatch         // 目标地址 -> 补丁
	wanted  map[uint64][]slotRef             // 目标地址 -> 等待链接的槽
	pending map[slotRef]*CompiledBlock       // 因并发执行延后的补丁
	ics     map[uint64]*InlineCache          // 间接跳转点 -> 内联缓存

	patched   atomic.Int64
	unpatched atomic.Int64
	deferred  atomic.Int64
	skipped   atomic.Int64
	hasWork   atomic.Bool
}

// NewLinker 创建链接器
func NewLinker(enabled bool, fanout int, quiescent func() bool, logger *zap.Logger) *Linker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if quiescent == nil {
		quiescent = func() bool { return true }
	}
	return &Linker{
		enabled:   enabled,
		fanout:    fanout,
		logger:    logger,
		quiescent: quiescent,
		blocks:    make(map[uint64]*CompiledBlock),
		out:       make(map[*CompiledBlock][]*ChainPatch),
		in:        make(map[uint64][]*ChainPatch),
		wanted:    make(map[uint64][]slotRef),
		pending:   make(map[slotRef]*CompiledBlock),
		ics:       make(map[uint64]*InlineCache),
	}
}

// Register 登记新安装的块，并链接它的出口与所有等待它的槽
// 返回建立的补丁数
func (l *Linker) Register(cb *CompiledBlock) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.blocks[cb.Addr] = cb
	if !l.enabled {
		return 0
	}
	n := 0
	for i, e := range cb.Exits {
		ref := slotRef{from: cb, exit: i}
		l.wanted[e.Target] = append(l.wanted[e.Target], ref)
		if to, ok := l.blocks[e.Target]; ok && l.chainLocked(ref, to) == nil {
			n++
		}
	}
	for _, ref := range l.wanted[cb.Addr] {
		if ref.from == cb {
			continue
		}
		if l.chainLocked(ref, cb) == nil {
			n++
		}
	}
	return n
}

// Chain 把 from 的第 exit 个出口链接到 to
func (l *Linker) Chain(from *CompiledBlock, exit int, to *CompiledBlock) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.chainLocked(slotRef{from: from, exit: exit}, to)
}

func (l *Linker) chainLocked(ref slotRef, to *CompiledBlock) error {
	from := ref.from
	slot := from.Exits[ref.exit]
	if !l.enabled {
		return nil
	}
	if to == nil || l.blocks[to.Addr] != to || l.blocks[from.Addr] != from ||
		from.mem == nil || to.mem == nil || from.ISA != to.ISA || slot.Target != to.Addr {
		l.skipped.Inc()
		return &PatchError{Kind: StaleTarget, From: from.Addr, To: slot.Target}
	}
	for _, p := range l.out[from] {
		if p.exit == ref.exit {
			if p.to == to {
				return nil
			}
			l.unpatchLocked(p)
			break
		}
	}
	if !l.quiescent() {
		l.pending[ref] = to
		l.hasWork.Store(true)
		l.deferred.Inc()
		return &PatchError{Kind: ConcurrentExecution, From: from.Addr, To: to.Addr}
	}

	slotAddr := addrOf(from.mem) + uintptr(slot.Offset)
	word, ok := encodeChainWord(from.ISA, slotAddr, to.entry+uintptr(to.ChainEntry))
	if !ok {
		l.skipped.Inc()
		l.logger.Debug("chain target out of range",
			zap.Uint64("from", from.Addr), zap.Uint64("to", to.Addr))
		return &PatchError{Kind: OutOfRange, From: from.Addr, To: to.Addr}
	}

	p := &ChainPatch{
		From:     from.Addr,
		To:       to.Addr,
		Offset:   slot.Offset,
		Original: loadCodeWord(from.mem, slot.Offset),
		exit:     ref.exit,
		from:     from,
		to:       to,
	}
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], word)
	storeCodeWord(from.mem, slot.Offset, b)

	l.out[from] = append(l.out[from], p)
	l.in[to.Addr] = append(l.in[to.Addr], p)
	delete(l.pending, ref)
	l.patched.Inc()
	return nil
}

// unpatchLocked 恢复槽内容并从边表删除
func (l *Linker) unpatchLocked(p *ChainPatch) {
	storeCodeWord(p.from.mem, p.Offset, p.Original)
	l.out[p.from] = removePatch(l.out[p.from], p)
	if len(l.out[p.from]) == 0 {
		delete(l.out, p.from)
	}
	l.in[p.To] = removePatch(l.in[p.To], p)
	if len(l.in[p.To]) == 0 {
		delete(l.in, p.To)
	}
	l.unpatched.Inc()
}

func removePatch(ps []*ChainPatch, p *ChainPatch) []*ChainPatch {
	for i, q := range ps {
		if q == p {
			return append(ps[:i], ps[i+1:]...)
		}
	}
	return ps
}

// detachLocked 删除 cb 的所有入边、出边和等待记录
func (l *Linker) detachLocked(cb *CompiledBlock) {
	for _, p := range append([]*ChainPatch(nil), l.in[cb.Addr]...) {
		if p.to == cb {
			l.unpatchLocked(p)
		}
	}
	for _, p := range append([]*ChainPatch(nil), l.out[cb]...) {
		l.unpatchLocked(p)
	}
	for i, e := range cb.Exits {
		refs := l.wanted[e.Target]
		for j, ref := range refs {
			if ref.from == cb && ref.exit == i {
				refs = append(refs[:j], refs[j+1:]...)
				break
			}
		}
		if len(refs) == 0 {
			delete(l.wanted, e.Target)
		} else {
			l.wanted[e.Target] = refs
		}
	}
	for ref, to := range l.pending {
		if ref.from == cb || to == cb {
			delete(l.pending, ref)
		}
	}
	if l.blocks[cb.Addr] == cb {
		delete(l.blocks, cb.Addr)
	}
}

// Supersede 同地址的新结果已安装：解除旧块的链接，内联缓存条目保留
func (l *Linker) Supersede(old *CompiledBlock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detachLocked(old)
	for _, ic := range l.ics {
		ic.forget(old)
	}
	// 等待该地址的槽重新链接到新块
	if cur, ok := l.blocks[old.Addr]; ok {
		for _, ref := range l.wanted[old.Addr] {
			if ref.from != cur {
				_ = l.chainLocked(ref, cur)
			}
		}
	}
}

// Unlink 块被淘汰或失效：恢复所有指向它的槽，删除它的出边，
// 以及所有指向该地址的内联缓存条目和该地址自己的内联缓存
func (l *Linker) Unlink(cb *CompiledBlock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.detachLocked(cb)
	delete(l.ics, cb.Addr)
	for _, ic := range l.ics {
		ic.drop(cb.Addr)
	}
}

// Flush 重试延后的补丁，返回建立的补丁数
func (l *Linker) Flush() int {
	if !l.hasWork.Load() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.quiescent() {
		return 0
	}
	refs := make([]slotRef, 0, len(l.pending))
	for ref := range l.pending {
		refs = append(refs, ref)
	}
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].from.Addr != refs[j].from.Addr {
			return refs[i].from.Addr < refs[j].from.Addr
		}
		return refs[i].exit < refs[j].exit
	})
	n := 0
	for _, ref := range refs {
		to := l.pending[ref]
		delete(l.pending, ref)
		if l.chainLocked(ref, to) == nil {
			n++
		}
	}
	l.hasWork.Store(len(l.pending) > 0)
	return n
}

// Pending 延后的补丁数
func (l *Linker) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

// Patches 按 (From, Offset) 排序的当前补丁
func (l *Linker) Patches() []ChainPatch {
	l.mu.Lock()
	defer l.mu.Unlock()
	var all []ChainPatch
	for _, ps := range l.out {
		for _, p := range ps {
			all = append(all, *p)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].From != all[j].From {
			return all[i].From < all[j].From
		}
		return all[i].Offset < all[j].Offset
	})
	return all
}

// IsChained from 是否有到 to 的补丁
func (l *Linker) IsChained(from, to uint64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, p := range l.in[to] {
		if p.From == from {
			return true
		}
	}
	return false
}

// ============================================================================
// 内联缓存
// ============================================================================

// ResolveIndirect 在 site 的内联缓存中查找 target 的编译结果
func (l *Linker) ResolveIndirect(site, target uint64) (*CompiledBlock, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ic, ok := l.ics[site]
	if !ok {
		return nil, false
	}
	cb, ok := ic.lookup(target)
	if ok && l.blocks[target] != cb {
		ic.forget(cb)
		return nil, false
	}
	return cb, ok
}

// ObserveIndirect 记录 site 的一次解析结果（cb 可以为 nil），返回站点状态
func (l *Linker) ObserveIndirect(site, target uint64, cb *CompiledBlock) ICState {
	l.mu.Lock()
	defer l.mu.Unlock()
	ic, ok := l.ics[site]
	if !ok {
		ic = newInlineCache(site, l.fanout)
		l.ics[site] = ic
	}
	if cb != nil && l.blocks[target] != cb {
		cb = nil
	}
	return ic.observe(target, cb)
}

// InlineCacheState 站点的内联缓存状态
func (l *Linker) InlineCacheState(site uint64) (ICState, []InlineCacheEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ic, ok := l.ics[site]
	if !ok {
		return ICUninitialized, nil
	}
	return ic.State(), ic.Entries()
}

// Reset 清除所有链接与内联缓存（不恢复槽，调用者负责回收代码）
func (l *Linker) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.blocks = make(map[uint64]*CompiledBlock)
	l.out = make(map[*CompiledBlock][]*ChainPatch)
	l.in = make(map[uint64][]*ChainPatch)
	l.wanted = make(map[uint64][]slotRef)
	l.pending = make(map[slotRef]*CompiledBlock)
	l.ics = make(map[uint64]*InlineCache)
	l.hasWork.Store(false)
}

// Stats 统计信息
func (l *Linker) Stats() LinkerStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	live := 0
	for _, ps := range l.out {
		live += len(ps)
	}
	mega := 0
	for _, ic := range l.ics {
		if ic.State() == ICMegamorphic {
			mega++
		}
	}
	return LinkerStats{
		LivePatches: live,
		Patched:     l.patched.Load(),
		Unpatched:   l.unpatched.Load(),
		Deferred:    l.deferred.Load(),
		Skipped:     l.skipped.Load(),
		ICSites:     len(l.ics),
		Megamorphic: mega,
	}
}
