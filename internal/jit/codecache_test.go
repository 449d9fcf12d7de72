package jit

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func testCache(policy EvictionPolicy, capacity, hotSlots int) *CodeCache {
	return NewCodeCache(CodeCacheConfig{
		CapacityBytes:  capacity,
		EvictionPolicy: policy,
		Shards:         4,
		HotSlots:       hotSlots,
		PromoteAfter:   2,
	})
}

type evictLog struct {
	mu     sync.Mutex
	events []string
}

func (l *evictLog) record(cb *CompiledBlock, reason EvictReason) {
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf("%#x:%s", cb.Addr, reason))
	l.mu.Unlock()
}

func fakeCompiled(addr uint64, size int) *CompiledBlock {
	return &CompiledBlock{Addr: addr, Size: size}
}

// TestCacheEvictionPolicy 三种策略的淘汰对象
func TestCacheEvictionPolicy(t *testing.T) {
	tests := []struct {
		policy  EvictionPolicy
		lookups []uint64
		victim  string
	}{
		// 0x1 刚被访问，0x2 最久未用
		{EvictLRU, []uint64{0x1}, "0x2:capacity"},
		// 0x2 访问两次，0x1 一次
		{EvictLFU, []uint64{0x2, 0x1, 0x2}, "0x1:capacity"},
		// 无论访问多少次，最早安装的先出
		{EvictFIFO, []uint64{0x1, 0x1, 0x1}, "0x1:capacity"},
	}
	for _, tt := range tests {
		c := testCache(tt.policy, 100, 0)
		log := &evictLog{}
		c.SetOnEvict(log.record)
		for _, addr := range []uint64{0x1, 0x2} {
			if err := c.Put(fakeCompiled(addr, 40)); err != nil {
				t.Fatalf("%s: Put: %v", tt.policy, err)
			}
		}
		for _, addr := range tt.lookups {
			if _, ok := c.Lookup(addr); !ok {
				t.Fatalf("%s: Lookup(%#x) missed", tt.policy, addr)
			}
		}
		if err := c.Put(fakeCompiled(0x3, 40)); err != nil {
			t.Fatalf("%s: Put: %v", tt.policy, err)
		}
		if diff := cmp.Diff([]string{tt.victim}, log.events); diff != "" {
			t.Errorf("%s: evictions (-want +got):\n%s", tt.policy, diff)
		}
		if c.Len() != 2 || c.UsedBytes() != 80 {
			t.Errorf("%s: len %d used %d, want 2 and 80", tt.policy, c.Len(), c.UsedBytes())
		}
		if c.Stats().Evictions != 1 {
			t.Errorf("%s: evictions = %d, want 1", tt.policy, c.Stats().Evictions)
		}
	}
}

// TestCacheCapacityExceeded 单个块超过总容量时拒绝安装
func TestCacheCapacityExceeded(t *testing.T) {
	c := testCache(EvictLRU, 100, 0)
	if err := c.Put(fakeCompiled(0x1, 60)); err != nil {
		t.Fatal(err)
	}
	err := c.Put(fakeCompiled(0x2, 101))
	if !errors.Is(err, ErrCapacityExceeded) {
		t.Fatalf("Put = %v, want capacity exceeded", err)
	}
	var ce *CacheError
	if !errors.As(err, &ce) || ce.Need != 101 || ce.Cap != 100 {
		t.Errorf("error = %#v", err)
	}
	if !c.Contains(0x1) || c.Len() != 1 {
		t.Error("rejected install evicted existing entries")
	}

	// 恰好等于容量时淘汰其他所有条目
	if err := c.Put(fakeCompiled(0x3, 100)); err != nil {
		t.Fatalf("Put full-size block: %v", err)
	}
	if c.Contains(0x1) || c.UsedBytes() != 100 {
		t.Errorf("used %d after full-size install", c.UsedBytes())
	}
}

// TestCacheSupersede 同地址重新安装替换旧条目
func TestCacheSupersede(t *testing.T) {
	c := testCache(EvictLRU, 100, 8)
	log := &evictLog{}
	c.SetOnEvict(log.record)

	old := fakeCompiled(0x10, 40)
	neu := fakeCompiled(0x10, 70)
	if err := c.Put(old); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		c.Lookup(0x10)
	}
	if err := c.Put(neu); err != nil {
		t.Fatal(err)
	}
	if got, _ := c.Lookup(0x10); got != neu {
		t.Error("lookup returned the superseded block")
	}
	if c.Len() != 1 || c.UsedBytes() != 70 {
		t.Errorf("len %d used %d, want 1 and 70", c.Len(), c.UsedBytes())
	}
	if diff := cmp.Diff([]string{"0x10:superseded"}, log.events); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

// TestCacheHotSlots 主层命中达到阈值后从快速探测层命中
func TestCacheHotSlots(t *testing.T) {
	c := testCache(EvictLRU, 1000, 8)
	log := &evictLog{}
	c.SetOnEvict(log.record)
	cb := fakeCompiled(0x40, 16)
	if err := c.Put(cb); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if got, ok := c.Lookup(0x40); !ok || got != cb {
			t.Fatalf("lookup %d missed", i)
		}
	}
	st := c.Stats()
	// 第 2 次命中后提升，之后 3 次走快速层
	if st.Hits != 2 || st.HotHits != 3 {
		t.Errorf("hits %d hot hits %d, want 2 and 3", st.Hits, st.HotHits)
	}

	if _, ok := c.Remove(0x40); !ok {
		t.Fatal("Remove missed")
	}
	if _, ok := c.Lookup(0x40); ok {
		t.Error("removed block still found through the hot slot")
	}
	if c.Stats().Misses != 1 {
		t.Errorf("misses = %d, want 1", c.Stats().Misses)
	}
	if diff := cmp.Diff([]string{"0x40:removed"}, log.events); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
}

// TestCachePeekContains 纯查询不影响统计与淘汰顺序
func TestCachePeekContains(t *testing.T) {
	c := testCache(EvictLRU, 80, 0)
	c.Put(fakeCompiled(0x1, 40))
	c.Put(fakeCompiled(0x2, 40))
	for i := 0; i < 10; i++ {
		c.Peek(0x1)
		c.Contains(0x1)
	}
	if st := c.Stats(); st.Hits != 0 || st.Misses != 0 {
		t.Errorf("pure queries counted: %+v", st)
	}
	victim, ok := c.EvictOne()
	if !ok || victim.Addr != 0x1 {
		t.Errorf("EvictOne = %v, %v; want 0x1", victim, ok)
	}
}

// TestCacheClear 清空时按地址顺序通知
func TestCacheClear(t *testing.T) {
	c := testCache(EvictFIFO, 1000, 8)
	log := &evictLog{}
	c.SetOnEvict(log.record)
	for _, addr := range []uint64{0x30, 0x10, 0x20} {
		c.Put(fakeCompiled(addr, 10))
	}
	var addrs []uint64
	for _, cb := range c.Snapshot() {
		addrs = append(addrs, cb.Addr)
	}
	if diff := cmp.Diff([]uint64{0x10, 0x20, 0x30}, addrs); diff != "" {
		t.Errorf("snapshot (-want +got):\n%s", diff)
	}

	c.Clear()
	want := []string{"0x10:cleared", "0x20:cleared", "0x30:cleared"}
	if diff := cmp.Diff(want, log.events); diff != "" {
		t.Errorf("callbacks (-want +got):\n%s", diff)
	}
	if c.Len() != 0 || c.UsedBytes() != 0 {
		t.Errorf("len %d used %d after Clear", c.Len(), c.UsedBytes())
	}
	if _, ok := c.EvictOne(); ok {
		t.Error("EvictOne on empty cache succeeded")
	}
}

// TestCacheConcurrent 并发读写后记账与内容一致
func TestCacheConcurrent(t *testing.T) {
	c := testCache(EvictLRU, 4096, 16)
	var evicted sync.Map
	c.SetOnEvict(func(cb *CompiledBlock, _ EvictReason) { evicted.Store(cb, true) })

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < 2000; i++ {
				addr := uint64(rng.Intn(256)) * 4
				switch rng.Intn(4) {
				case 0:
					_ = c.Put(fakeCompiled(addr, 16+rng.Intn(96)))
				case 1:
					c.Remove(addr)
				default:
					if cb, ok := c.Lookup(addr); ok && cb.Addr != addr {
						t.Errorf("lookup %#x returned %#x", addr, cb.Addr)
					}
				}
			}
		}(int64(g))
	}
	wg.Wait()

	var sum int64
	for _, cb := range c.Snapshot() {
		sum += int64(cb.Size)
		if _, gone := evicted.Load(cb); gone {
			t.Errorf("block %#x both cached and evicted", cb.Addr)
		}
	}
	if sum != c.UsedBytes() {
		t.Errorf("used bytes %d, snapshot sums to %d", c.UsedBytes(), sum)
	}
	if c.UsedBytes() > 4096 {
		t.Errorf("used bytes %d over capacity", c.UsedBytes())
	}
	if len(c.Snapshot()) != c.Len() {
		t.Errorf("len %d, snapshot has %d", c.Len(), len(c.Snapshot()))
	}
}

// TestCacheConfig 配置解析与检查
func TestCacheConfig(t *testing.T) {
	for in, want := range map[string]EvictionPolicy{"": EvictLRU, "LRU": EvictLRU, "lfu": EvictLFU, "fifo": EvictFIFO} {
		got, err := ParseEvictionPolicy(in)
		if err != nil || got != want {
			t.Errorf("ParseEvictionPolicy(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseEvictionPolicy("random"); err == nil {
		t.Error("unknown policy accepted")
	}
	if err := DefaultCodeCacheConfig().Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
	bad := CodeCacheConfig{CapacityBytes: 0, Shards: 3, HotSlots: 5, PromoteAfter: 0}
	if err := bad.Validate(); err == nil {
		t.Error("invalid config accepted")
	}
}
