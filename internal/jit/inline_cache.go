package jit

// ============================================================================
// 内联缓存
// ============================================================================

// MaxPolymorphicEntries 默认多态上限
const MaxPolymorphicEntries = 4

// ICState 内联缓存状态
type ICState int

const (
	ICUninitialized ICState = iota // 尚未解析过
	ICMonomorphic                  // 一个目标
	ICPolymorphic                  // 多个目标，不超过上限
	ICMegamorphic                  // 超过上限，不再缓存
)

func (s ICState) String() string {
	switch s {
	case ICUninitialized:
		return "uninitialized"
	case ICMonomorphic:
		return "monomorphic"
	case ICPolymorphic:
		return "polymorphic"
	case ICMegamorphic:
		return "megamorphic"
	default:
		return "unknown"
	}
}

// InlineCacheEntry 一个已观察到的目标
type InlineCacheEntry struct {
	Target uint64
	Hits   uint64

	block *CompiledBlock // 目标的编译结果，未编译或已被替换时为 nil
}

// InlineCache 间接跳转点（Ret/JmpReg 所在的块）的目标缓存
//
// 不是并发安全的，由 Linker 的锁保护。
type InlineCache struct {
	Site    uint64
	state   ICState
	entries []InlineCacheEntry
	fanout  int
}

func newInlineCache(site uint64, fanout int) *InlineCache {
	if fanout < 1 {
		fanout = MaxPolymorphicEntries
	}
	return &InlineCache{Site: site, fanout: fanout}
}

// State 当前状态
func (ic *InlineCache) State() ICState {
	return ic.state
}

// Entries 缓存条目副本
func (ic *InlineCache) Entries() []InlineCacheEntry {
	return append([]InlineCacheEntry(nil), ic.entries...)
}

func (ic *InlineCache) find(target uint64) *InlineCacheEntry {
	for i := range ic.entries {
		if ic.entries[i].Target == target {
			return &ic.entries[i]
		}
	}
	return nil
}

// lookup 查找目标的编译结果
func (ic *InlineCache) lookup(target uint64) (*CompiledBlock, bool) {
	if e := ic.find(target); e != nil && e.block != nil {
		return e.block, true
	}
	return nil, false
}

// observe 记录一次解析结果，返回新状态
func (ic *InlineCache) observe(target uint64, cb *CompiledBlock) ICState {
	if ic.state == ICMegamorphic {
		return ic.state
	}
	if e := ic.find(target); e != nil {
		e.Hits++
		if cb != nil {
			e.block = cb
		}
		return ic.state
	}
	if len(ic.entries) >= ic.fanout {
		ic.state = ICMegamorphic
		ic.entries = nil
		return ic.state
	}
	ic.entries = append(ic.entries, InlineCacheEntry{Target: target, Hits: 1, block: cb})
	if len(ic.entries) == 1 {
		ic.state = ICMonomorphic
	} else {
		ic.state = ICPolymorphic
	}
	return ic.state
}

// drop 删除指向 target 的条目
func (ic *InlineCache) drop(target uint64) {
	for i := range ic.entries {
		if ic.entries[i].Target == target {
			ic.entries = append(ic.entries[:i], ic.entries[i+1:]...)
			break
		}
	}
	if ic.state == ICMegamorphic {
		return
	}
	switch len(ic.entries) {
	case 0:
		ic.state = ICUninitialized
	case 1:
		ic.state = ICMonomorphic
	default:
		ic.state = ICPolymorphic
	}
}

// forget 清除指向 cb 的编译结果引用，保留条目
func (ic *InlineCache) forget(cb *CompiledBlock) {
	for i := range ic.entries {
		if ic.entries[i].block == cb {
			ic.entries[i].block = nil
		}
	}
}
