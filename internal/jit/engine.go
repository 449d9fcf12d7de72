// engine.go - JIT 执行引擎
//
// Engine 是一个虚拟机实例的执行上下文，持有所有共享可变状态：
// 热点计数、阈值控制、代码缓存、链接器、地址状态机、可执行内存和后台线程池。
//
// 编译流程：
//  1. vCPU 执行一个块后记录执行次数，计数越过阈值时领取编译票据
//  2. 同步模式下请求线程编译并安装（singleflight 合并同一地址的并发请求）；
//     异步模式下提交到线程池，vCPU 继续解释执行直到安装完成
//  3. 安装前检查票据：地址被失效或已有更新的结果时丢弃本次结果
//  4. 安装顺序：可执行内存 -> 入口索引 -> 代码缓存 -> 链接器
//
// 代码回收：
//   - 离开缓存的块（替换、淘汰、失效）先解除所有链接，再放入待回收列表
//   - vCPU 在查找缓存之前进入本机区（inNative + 1），直到本机执行结束
//   - 待回收的块只在没有 vCPU 处于本机区时释放

package jit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// Engine JIT 执行引擎
type Engine struct {
	id     uuid.UUID
	cfg    Config
	logger *zap.Logger

	thresholds *ThresholdController
	profiler   *Profiler
	compiler   *Compiler
	cache      *CodeCache
	linker     *Linker
	states     *addrStates
	arena      *execArena
	pool       *WorkerPool

	// native 编译结果可以在本机直接执行
	native bool

	sources sync.Map // uint64 -> *ir.Block，最近执行过的客户机块
	byEntry sync.Map // uintptr -> *CompiledBlock，代码入口到块
	flight  singleflight.Group

	// inNative 处于本机区的 vCPU 数
	inNative atomic.Int32

	// installMu 串行化安装与失效
	installMu sync.Mutex
	coveredBy map[uint64]map[uint64]struct{} // 被融合的地址 -> 融合块地址

	retiredMu sync.Mutex
	retired   []*CompiledBlock

	closed atomic.Bool
	stats  engineCounters
}

// New 创建引擎，cfg 为 nil 时使用默认配置
func New(cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid jit config: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &Engine{
		id:        uuid.New(),
		cfg:       *cfg,
		logger:    logger.Named("jit.engine"),
		states:    newAddrStates(),
		coveredBy: make(map[uint64]map[uint64]struct{}),
	}
	e.thresholds = NewThresholdController(cfg.Threshold)
	e.profiler = NewProfiler(e.thresholds, cfg.OptimizationLevel >= 1)
	e.compiler = NewCompiler(cfg.Unroll, BlockResolverFunc(e.resolve))
	e.cache = NewCodeCache(cfg.Cache)
	e.cache.SetOnEvict(e.onEvict)
	e.linker = NewLinker(cfg.EnableChaining, cfg.ICFanout, e.quiescent, logger.Named("jit.linker"))
	e.arena = newExecArena(cfg.arenaSize())
	e.native = nativeHost && cfg.ISA == ISAX86_64 && e.arena.Executable()
	e.pool = NewWorkerPool(cfg.workers(), cfg.QueueSize, logger.Named("jit.pool"))
	e.pool.Start()

	e.logger.Info("engine created",
		zap.String("id", e.id.String()),
		zap.Stringer("isa", cfg.ISA),
		zap.Stringer("mode", cfg.Mode),
		zap.Bool("native", e.native),
		zap.Int("cache_capacity", cfg.Cache.CapacityBytes))
	return e, nil
}

// ID 引擎实例标识
func (e *Engine) ID() uuid.UUID {
	return e.id
}

// Config 引擎配置副本
func (e *Engine) Config() Config {
	return e.cfg
}

// Native 编译结果是否在本机执行
func (e *Engine) Native() bool {
	return e.native
}

// Profiler 热点检测器
func (e *Engine) Profiler() *Profiler {
	return e.profiler
}

// Thresholds 阈值控制器
func (e *Engine) Thresholds() *ThresholdController {
	return e.thresholds
}

// Cache 代码缓存
func (e *Engine) Cache() *CodeCache {
	return e.cache
}

// Linker 链接器
func (e *Engine) Linker() *Linker {
	return e.linker
}

func (e *Engine) quiescent() bool {
	return e.inNative.Load() == 0
}

// resolve 循环融合使用的块查询
func (e *Engine) resolve(addr uint64) (*ir.Block, bool) {
	if v, ok := e.sources.Load(addr); ok {
		return v.(*ir.Block), true
	}
	return nil, false
}

// remember 记录最近执行的客户机块
func (e *Engine) remember(b *ir.Block) {
	if v, ok := e.sources.Load(b.Addr); ok && v.(*ir.Block) == b {
		return
	}
	e.sources.Store(b.Addr, b)
}

// ============================================================================
// 查询
// ============================================================================

// IsHot 地址是否为热点
func (e *Engine) IsHot(addr uint64) bool {
	return e.profiler.IsHot(addr)
}

// State 地址的编译状态
func (e *Engine) State(addr uint64) AddrState {
	return e.states.state(addr)
}

// CompileCount 地址成功安装的次数
func (e *Engine) CompileCount(addr uint64) int {
	return e.states.compiles(addr)
}

// Lookup 查询地址当前安装的编译结果（不更新访问统计）
func (e *Engine) Lookup(addr uint64) (*CompiledBlock, bool) {
	return e.cache.Peek(addr)
}

// lookup 分发用查找：缓存中的块必须对应同一份客户机代码，
// 不一致时 stale 为 true。调用者必须处于本机区
func (e *Engine) lookup(b *ir.Block, hint *CompiledBlock) (cb *CompiledBlock, stale bool) {
	if hint != nil {
		if cur, ok := e.cache.Peek(b.Addr); ok && cur == hint && sameSource(hint, b) {
			return hint, false
		}
	}
	cb, ok := e.cache.Lookup(b.Addr)
	if !ok {
		e.stats.cacheMisses.Inc()
		return nil, false
	}
	if !sameSource(cb, b) {
		e.stats.cacheMisses.Inc()
		return nil, true
	}
	e.stats.cacheHits.Inc()
	return cb, false
}

func sameSource(cb *CompiledBlock, b *ir.Block) bool {
	return cb.Source == b || cb.Fingerprint == b.Fingerprint()
}

// ============================================================================
// 编译
// ============================================================================

// CompileOnly 以配置的指令集做 Tier 0 编译，不安装
func (e *Engine) CompileOnly(b *ir.Block) (*CompiledBlock, error) {
	e.stats.compileOnly.Inc()
	return e.compiler.Compile(b, Tier0, e.cfg.ISA)
}

// Compile 显式编译并安装
func (e *Engine) Compile(b *ir.Block, tier Tier) (*CompiledBlock, error) {
	if e.closed.Load() {
		return nil, ErrClosed
	}
	e.remember(b)
	t, ok := e.states.force(b.Addr, tier)
	if !ok {
		return nil, fmt.Errorf("compile %#x: address is pinned to the interpreter", b.Addr)
	}
	v, err, _ := e.flight.Do(flightKey(b.Addr, tier), func() (any, error) {
		return e.compileAndInstall(t, b)
	})
	if err != nil {
		return nil, err
	}
	cb, _ := v.(*CompiledBlock)
	if cb == nil {
		return nil, fmt.Errorf("compile %#x: result discarded", b.Addr)
	}
	return cb, nil
}

// CompileMany 并行编译多个块
func (e *Engine) CompileMany(ctx context.Context, blocks []*ir.Block, tier Tier) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.workers())
	for _, b := range blocks {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			_, err := e.Compile(b, tier)
			return err
		})
	}
	return g.Wait()
}

func flightKey(addr uint64, tier Tier) string {
	return strconv.FormatUint(addr, 16) + "/" + tier.String()
}

// promote 处理一次热点提升，返回是否在本次调用中完成安装
func (e *Engine) promote(b *ir.Block, p Promotion, background bool) bool {
	if !e.cfg.Enabled {
		return false
	}
	tier := Tier0
	if p == PromoteTier1 {
		tier = Tier1
	}
	t, ok := e.states.begin(b.Addr, tier)
	if !ok {
		// Tier 0 结果尚未安装，之后再提升
		if tier == Tier1 && e.states.state(b.Addr) == AddrCompiling {
			e.profiler.Demote(b.Addr, p)
		}
		return false
	}

	if background || e.cfg.Mode == CompileAsync {
		task := TaskFunc(func() {
			_, _ = e.compileAndInstall(t, b)
		})
		if !e.pool.Submit(task) {
			e.states.discard(t)
			e.profiler.Demote(b.Addr, p)
			e.stats.rejected.Inc()
		}
		return false
	}

	ch := e.flight.DoChan(flightKey(b.Addr, tier), func() (any, error) {
		return e.compileAndInstall(t, b)
	})
	timer := time.NewTimer(compileTimeout)
	defer timer.Stop()
	select {
	case r := <-ch:
		cb, _ := r.Val.(*CompiledBlock)
		return r.Err == nil && cb != nil
	case <-timer.C:
		e.logger.Warn("compile timed out, continuing in interpreter", zap.Uint64("addr", b.Addr))
		return false
	}
}

// compileAndInstall 编译并安装，结果过期时返回 (nil, nil)
func (e *Engine) compileAndInstall(t Ticket, b *ir.Block) (*CompiledBlock, error) {
	start := time.Now()
	cb, err := e.compiler.Compile(b, t.Tier, e.cfg.ISA)
	elapsed := time.Since(start)
	e.thresholds.ObserveCompile(elapsed)
	if err != nil {
		e.stats.failures.Inc()
		e.states.fail(t)
		if t.Tier == Tier0 {
			e.profiler.Pin(b.Addr)
		}
		e.logger.Debug("compile failed, address stays interpreted",
			zap.Uint64("addr", b.Addr), zap.Stringer("tier", t.Tier), zap.Error(err))
		return nil, err
	}
	e.stats.compileTime.Add(int64(elapsed))
	ok, err := e.install(t, cb)
	if err != nil || !ok {
		return nil, err
	}
	e.stats.totalCompiles.Inc()
	if cb.Tier == Tier1 {
		e.stats.tier1Compiles.Inc()
	}
	e.stats.codeBytes.Add(int64(cb.Size))
	return cb, nil
}

// install 安装编译结果
func (e *Engine) install(t Ticket, cb *CompiledBlock) (bool, error) {
	if e.closed.Load() {
		e.states.discard(t)
		return false, ErrClosed
	}
	if !e.states.valid(t) {
		e.discardStale(t)
		return false, nil
	}
	if cb.Size > e.cfg.Cache.CapacityBytes {
		e.states.fail(t)
		e.profiler.Pin(cb.Addr)
		return false, &CacheError{Kind: CapacityExceeded, Need: cb.Size, Cap: e.cfg.Cache.CapacityBytes}
	}

	mem, err := e.allocCode(cb.Code)
	if err != nil {
		e.states.discard(t)
		e.profiler.Demote(cb.Addr, promotionFor(t.Tier))
		e.logger.Debug("no executable memory for block", zap.Uint64("addr", cb.Addr), zap.Error(err))
		return false, err
	}
	cb.mem = mem
	cb.entry = addrOf(mem)

	e.installMu.Lock()
	defer e.installMu.Unlock()
	if !e.states.install(t) {
		// 尚未对任何 vCPU 可见，直接归还
		e.arena.release(mem)
		e.discardStale(t)
		return false, nil
	}
	e.byEntry.Store(cb.entry, cb)
	if err := e.cache.Put(cb); err != nil {
		e.byEntry.Delete(cb.entry)
		e.arena.release(mem)
		e.states.fail(t)
		return false, err
	}
	e.trackCovers(cb)
	if n := e.linker.Register(cb); n > 0 {
		e.stats.patches.Add(int64(n))
	}
	return true, nil
}

func promotionFor(tier Tier) Promotion {
	if tier == Tier1 {
		return PromoteTier1
	}
	return PromoteTier0
}

func (e *Engine) discardStale(t Ticket) {
	e.states.discard(t)
	e.stats.staleDiscards.Inc()
	e.logger.Debug("discarding stale compile result",
		zap.Uint64("addr", t.Addr), zap.Stringer("tier", t.Tier), zap.Uint64("gen", t.Gen))
}

// allocCode 分配可执行内存，空间不足时回收并淘汰
func (e *Engine) allocCode(code []byte) ([]byte, error) {
	for {
		mem, err := e.arena.alloc(code)
		if err == nil {
			return mem, nil
		}
		if e.reclaim() > 0 {
			continue
		}
		if _, ok := e.cache.EvictOne(); !ok {
			return nil, err
		}
		if e.reclaim() == 0 {
			// 被淘汰的代码仍可能在执行，本次放弃
			return nil, err
		}
	}
}

// trackCovers 记录融合关系，调用者持有 installMu
func (e *Engine) trackCovers(cb *CompiledBlock) {
	for _, addr := range cb.Covers {
		deps, ok := e.coveredBy[addr]
		if !ok {
			deps = make(map[uint64]struct{})
			e.coveredBy[addr] = deps
		}
		deps[cb.Addr] = struct{}{}
	}
}

// onEvict 缓存条目离开时的同步回调
func (e *Engine) onEvict(cb *CompiledBlock, reason EvictReason) {
	switch reason {
	case EvictSuperseded:
		e.linker.Supersede(cb)
	case EvictCapacity:
		e.linker.Unlink(cb)
		e.states.evicted(cb.Addr)
		e.profiler.Reset(cb.Addr)
		e.stats.evictions.Inc()
		e.logger.Debug("evicted block", zap.Uint64("addr", cb.Addr), zap.Int("size", cb.Size))
	default:
		e.linker.Unlink(cb)
	}
	e.retire(cb)
}

func (e *Engine) retire(cb *CompiledBlock) {
	if cb.mem == nil {
		return
	}
	e.retiredMu.Lock()
	e.retired = append(e.retired, cb)
	e.retiredMu.Unlock()
}

// reclaim 释放待回收的代码，返回释放的块数
func (e *Engine) reclaim() int {
	e.retiredMu.Lock()
	list := e.retired
	e.retired = nil
	e.retiredMu.Unlock()
	if len(list) == 0 {
		return 0
	}
	// 先取列表再检查：之后进入本机区的 vCPU 已经查不到这些块
	if !e.quiescent() {
		e.retiredMu.Lock()
		e.retired = append(e.retired, list...)
		e.retiredMu.Unlock()
		return 0
	}
	for _, cb := range list {
		e.byEntry.CompareAndDelete(cb.entry, cb)
		e.arena.release(cb.mem)
	}
	e.stats.reclaimed.Add(int64(len(list)))
	return len(list)
}

// maintain 分发循环空闲点：重试延后的补丁并回收代码
func (e *Engine) maintain() {
	if !e.quiescent() {
		return
	}
	if n := e.linker.Flush(); n > 0 {
		e.stats.patches.Add(int64(n))
	}
	e.reclaim()
}

// afterRecord 每次记录执行后检查是否到了阈值调整周期
func (e *Engine) afterRecord() {
	if !e.thresholds.Due() {
		return
	}
	if e.cfg.Mode == CompileAsync && e.pool.Submit(TaskFunc(e.adjust)) {
		return
	}
	e.adjust()
}

func (e *Engine) adjust() {
	old := e.thresholds.Hot()
	if hot := e.thresholds.Adjust(); hot != old {
		e.logger.Debug("hot threshold adjusted", zap.Int64("from", old), zap.Int64("to", hot))
	}
}

// ============================================================================
// 失效
// ============================================================================

// Invalidate 客户机代码被修改：丢弃地址的编译结果与进行中的编译
func (e *Engine) Invalidate(addr uint64) {
	e.installMu.Lock()
	defer e.installMu.Unlock()
	e.invalidateLocked(addr, make(map[uint64]bool))
}

// InvalidateRange 失效 [start, end) 内的所有地址
func (e *Engine) InvalidateRange(start, end uint64) {
	var addrs []uint64
	for _, cb := range e.cache.Snapshot() {
		if cb.Addr >= start && cb.Addr < end {
			addrs = append(addrs, cb.Addr)
		}
	}
	e.sources.Range(func(k, _ any) bool {
		if a := k.(uint64); a >= start && a < end {
			addrs = append(addrs, a)
		}
		return true
	})

	e.installMu.Lock()
	defer e.installMu.Unlock()
	seen := make(map[uint64]bool)
	for _, a := range addrs {
		e.invalidateLocked(a, seen)
	}
}

func (e *Engine) invalidateLocked(addr uint64, seen map[uint64]bool) {
	if seen[addr] {
		return
	}
	seen[addr] = true
	e.states.invalidate(addr)
	e.cache.Remove(addr)
	e.profiler.Reset(addr)
	e.sources.Delete(addr)
	e.stats.invalidations.Inc()

	deps := e.coveredBy[addr]
	delete(e.coveredBy, addr)
	for dep := range deps {
		e.invalidateLocked(dep, seen)
	}
}

// Reset 丢弃所有编译结果、计数与链接
func (e *Engine) Reset() {
	e.installMu.Lock()
	e.cache.Clear()
	e.linker.Reset()
	e.states.reset()
	e.profiler.Clear()
	e.sources.Range(func(k, _ any) bool {
		e.sources.Delete(k)
		return true
	})
	e.coveredBy = make(map[uint64]map[uint64]struct{})
	e.installMu.Unlock()
	e.reclaim()
}

// Drain 等待所有后台编译完成
func (e *Engine) Drain(ctx context.Context) error {
	return e.pool.Drain(ctx)
}

// Close 关闭引擎，释放可执行内存
func (e *Engine) Close() error {
	if !e.closed.CAS(false, true) {
		return nil
	}
	e.pool.Stop()
	e.installMu.Lock()
	e.cache.Clear()
	e.linker.Reset()
	e.installMu.Unlock()

	var err error
	e.reclaim()
	if n := e.inNative.Load(); n != 0 {
		err = multierr.Append(err, fmt.Errorf("jit: %d vCPUs still executing native code, executable memory kept", n))
	} else {
		err = multierr.Append(err, e.arena.Close())
	}
	e.logger.Info("engine closed",
		zap.String("id", e.id.String()),
		zap.Int64("compiles", e.stats.totalCompiles.Load()))
	return err
}
