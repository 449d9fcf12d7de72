package jit

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/vmjit/internal/interp"
	"github.com/tangzhangming/vmjit/internal/ir"
)

// ============================================================================
// 测试辅助
// ============================================================================

func testConfig(t *testing.T, isa ISA) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ISA = isa
	cfg.Workers = 2
	cfg.Logger = zaptest.NewLogger(t)
	return cfg
}

func newTestEngine(t *testing.T, cfg *Config) *Engine {
	t.Helper()
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := e.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return e
}

func addBlock() *ir.Block {
	return ir.NewBuilder(0x1000).MovImm(1, 10).MovImm(2, 20).Add(3, 1, 2).Ret()
}

func clzBlock() *ir.Block {
	return ir.NewBuilder(0x3000).MovImm(1, 0xFF).Clz(2, 1).Jmp(0x3100)
}

// addBlockX64 addBlock 的 Tier 0 x86-64 编码
// 分配：r1 -> RBX, r2 -> RSI, r3 -> R8, r31 -> RBX
var addBlockX64 = []byte{
	// 序言
	0x53, 0x41, 0x54, 0x41, 0x55, 0x41, 0x56, 0x41, 0x57,
	// 链接入口：Blocks++，Cur = 代码起始
	0x48, 0xFF, 0x87, 0x28, 0x02, 0x00, 0x00,
	0x48, 0x8D, 0x05, 0xE9, 0xFF, 0xFF, 0xFF,
	0x48, 0x89, 0x87, 0x18, 0x02, 0x00, 0x00,
	// r1 = 10, r2 = 20
	0x48, 0xC7, 0xC3, 0x0A, 0x00, 0x00, 0x00,
	0x48, 0xC7, 0xC6, 0x14, 0x00, 0x00, 0x00,
	// r3 = r1 + r2
	0x48, 0x89, 0xD8,
	0x48, 0x89, 0xF1,
	0x48, 0x01, 0xC8,
	0x49, 0x89, 0xC0,
	// 写回 r1, r2, r3
	0x48, 0x89, 0x5F, 0x08,
	0x48, 0x89, 0x77, 0x10,
	0x4C, 0x89, 0x47, 0x18,
	// Ret：Next = r31, Exit = Indirect
	0x48, 0x8B, 0x9F, 0xF8, 0x00, 0x00, 0x00,
	0x48, 0x89, 0xD8,
	0x48, 0x89, 0x87, 0x00, 0x02, 0x00, 0x00,
	0x48, 0xC7, 0x87, 0x08, 0x02, 0x00, 0x00, 0x02, 0x00, 0x00, 0x00,
	0xE9, 0x00, 0x00, 0x00, 0x00,
	// 尾声
	0x41, 0x5F, 0x41, 0x5E, 0x41, 0x5D, 0x41, 0x5C, 0x5B, 0xC3,
}

// ============================================================================
// 验收场景
// ============================================================================

// TestAddBlock 基本块 r3 = 10 + 20
func TestAddBlock(t *testing.T) {
	e := newTestEngine(t, testConfig(t, ISAX86_64))
	b := addBlock()

	cb, err := e.CompileOnly(b)
	if err != nil {
		t.Fatalf("CompileOnly: %v", err)
	}
	if diff := cmp.Diff(addBlockX64, cb.Code); diff != "" {
		t.Errorf("x86-64 code mismatch (-want +got):\n%s", diff)
	}
	if last := cb.Code[len(cb.Code)-1]; last != 0xC3 {
		t.Errorf("last byte = %#x, want 0xc3", last)
	}
	if cb.ChainEntry != 9 {
		t.Errorf("ChainEntry = %d, want 9", cb.ChainEntry)
	}
	if len(cb.Exits) != 0 {
		t.Errorf("Ret block has %d chain slots, want 0", len(cb.Exits))
	}
	if e.GetCompileStats().TotalCompiles != 0 {
		t.Error("CompileOnly must not install")
	}

	v := e.NewVCPU()
	v.Regs()[ir.LinkReg] = 0x1000
	res := v.Run(interp.NewFlatMemory(64), b)
	if res.Status != interp.StatusContinue || res.Next != 0x1000 {
		t.Errorf("Run = %v next %#x, want continue next 0x1000", res.Status, res.Next)
	}
	if got := v.Regs()[3]; got != 30 {
		t.Errorf("r3 = %d, want 30", got)
	}
}

// TestAddBlockNative 编译后以本机代码执行
func TestAddBlockNative(t *testing.T) {
	e := newTestEngine(t, testConfig(t, ISAX86_64))
	if !e.Native() {
		t.Skip("host cannot execute x86-64 code")
	}
	b := addBlock()
	if _, err := e.Compile(b, Tier0); err != nil {
		t.Fatalf("Compile: %v", err)
	}
	v := e.NewVCPU()
	v.Regs()[ir.LinkReg] = 0x1000
	res := v.Run(interp.NewFlatMemory(64), b)
	if !res.Stats.Native {
		t.Fatal("block did not run natively")
	}
	if res.Status != interp.StatusContinue || res.Next != 0x1000 {
		t.Errorf("Run = %v next %#x, want continue next 0x1000", res.Status, res.Next)
	}
	want := [ir.NumRegs]uint64{1: 10, 2: 20, 3: 30, ir.LinkReg: 0x1000}
	if diff := cmp.Diff(want, *v.Regs()); diff != "" {
		t.Errorf("registers (-want +got):\n%s", diff)
	}
}

// TestHotPromotion 第 100 次执行触发唯一一次编译
func TestHotPromotion(t *testing.T) {
	e := newTestEngine(t, testConfig(t, HostISA()))
	b := addBlock()
	v := e.NewVCPU()
	mem := interp.NewFlatMemory(64)

	for i := 1; i <= 101; i++ {
		v.Regs()[ir.LinkReg] = 0x1000
		res := v.Run(mem, b)
		if res.Status != interp.StatusContinue {
			t.Fatalf("run %d: status %v (%v)", i, res.Status, res.Err)
		}
		if i == 99 && e.IsHot(0x1000) {
			t.Error("block hot after 99 executions")
		}
		if i >= 100 && !e.IsHot(0x1000) {
			t.Errorf("block not hot after %d executions", i)
		}
	}

	st := e.GetCompileStats()
	if st.TotalCompiles != 1 || st.Tier0Compiles != 1 {
		t.Errorf("compiles = %d (tier0 %d), want 1", st.TotalCompiles, st.Tier0Compiles)
	}
	if got := e.State(0x1000); got != AddrCompiledT0 {
		t.Errorf("state = %v, want %v", got, AddrCompiledT0)
	}
	if got := e.CompileCount(0x1000); got != 1 {
		t.Errorf("CompileCount = %d, want 1", got)
	}
	if _, ok := e.Lookup(0x1000); !ok {
		t.Error("compiled block not in cache")
	}
	if v.Regs()[3] != 30 {
		t.Errorf("r3 = %d, want 30", v.Regs()[3])
	}
}

// TestTier1Promotion 热阈值乘以倍数后升级到 Tier 1
func TestTier1Promotion(t *testing.T) {
	cfg := testConfig(t, HostISA())
	cfg.Threshold.EnableAdaptive = false
	cfg.Threshold.HotThreshold = 10
	cfg.Threshold.ColdThreshold = 2
	e := newTestEngine(t, cfg)

	b := addBlock()
	v := e.NewVCPU()
	mem := interp.NewFlatMemory(64)
	for i := 0; i < 100; i++ {
		v.Regs()[ir.LinkReg] = 0x1000
		v.Run(mem, b)
	}
	st := e.GetCompileStats()
	if st.Tier0Compiles != 1 || st.Tier1Compiles != 1 {
		t.Errorf("tier0 %d tier1 %d, want 1 and 1", st.Tier0Compiles, st.Tier1Compiles)
	}
	if got := e.State(0x1000); got != AddrCompiledT1 {
		t.Errorf("state = %v, want %v", got, AddrCompiledT1)
	}
	cb, ok := e.Lookup(0x1000)
	if !ok || cb.Tier != Tier1 || cb.Strategy != StrategyGraphColoring {
		t.Errorf("cached block = %+v, want tier 1 graph-colored", cb)
	}
	if e.Profiler().State(0x1000) != StateTier1 {
		t.Errorf("profiler state = %v, want tier1", e.Profiler().State(0x1000))
	}
}

// TestUnsupportedOp 不支持的操作永远解释执行
func TestUnsupportedOp(t *testing.T) {
	e := newTestEngine(t, testConfig(t, ISAX86_64))
	b := clzBlock()
	v := e.NewVCPU()
	mem := interp.NewFlatMemory(64)

	for i := 0; i < 150; i++ {
		res := v.Run(mem, b)
		if res.Status != interp.StatusContinue || res.Next != 0x3100 {
			t.Fatalf("run %d: %v next %#x", i, res.Status, res.Next)
		}
		if res.Stats.Native {
			t.Fatalf("run %d executed natively", i)
		}
	}
	if got := v.Regs()[2]; got != 56 {
		t.Errorf("clz(0xff) = %d, want 56", got)
	}

	st := e.GetCompileStats()
	if st.TotalCompiles != 0 {
		t.Errorf("TotalCompiles = %d, want 0", st.TotalCompiles)
	}
	if st.Failures != 1 {
		t.Errorf("Failures = %d, want 1", st.Failures)
	}
	if got := e.State(0x3000); got != AddrPinned {
		t.Errorf("state = %v, want %v", got, AddrPinned)
	}
	if got := e.Profiler().State(0x3000); got != StatePinned {
		t.Errorf("profiler state = %v, want pinned", got)
	}
	if _, err := e.Compile(b, Tier0); err == nil {
		t.Error("explicit compile of pinned address succeeded")
	}

	_, err := e.CompileOnly(b)
	if !errors.Is(err, ErrUnsupportedOp) {
		t.Errorf("CompileOnly error = %v, want unsupported op", err)
	}
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Op != ir.OpClz || ce.Addr != 0x3000 {
		t.Errorf("CompileError = %+v, want clz at 0x3000", ce)
	}
}

// TestClzARM64 ARM64 有 clz 模板
func TestClzARM64(t *testing.T) {
	c := NewCompiler(DefaultConfig().Unroll, nil)
	if _, err := c.Compile(clzBlock(), Tier0, ISAARM64); err != nil {
		t.Errorf("arm64 clz: %v", err)
	}
	for _, isa := range []ISA{ISAX86_64, ISARISCV64} {
		if _, err := c.Compile(clzBlock(), Tier0, isa); !errors.Is(err, ErrUnsupportedOp) {
			t.Errorf("%s clz error = %v, want unsupported op", isa, err)
		}
	}
}

// ============================================================================
// 确定性
// ============================================================================

func sampleBlocks() []*ir.Block {
	return []*ir.Block{
		addBlock(),
		ir.NewBuilder(0x200).Add(1, 1, 2).Sub(2, 2, 3).Loop(10, true).CondJmp(2, 0x200, 0x300),
		ir.NewBuilder(0x300).Store(1, 4, 0x10, 8).Load(5, 4, 0x10, 4).Halt(),
		ir.NewBuilder(0x400).Fence(ir.FenceFull).Load(1, 0, 0x20, 8).Fence(ir.FenceFull).Store(1, 0, 0x28, 8).Fence(ir.FenceFull).Jmp(0x500),
		ir.NewBuilder(0x500).AtomicRMW(ir.RMWAdd, 1, 0, 0x30, 2, 8).Call(0x600, 0x510),
		ir.NewBuilder(0x600).MovImm(7, 0x123456789ABCDEF0).Div(8, 7, 9).CmpEq(10, 8, 7).JmpReg(11, 0x40),
		ir.NewBuilder(0x700).Mul(1, 2, 3).And(4, 5, 6).Or(7, 8, 9).Xor(10, 11, 12).Shl(13, 14, 15).Shr(16, 17, 18).Fault(3),
		spillBlock(0x800),
	}
}

// spillBlock 同时活跃的寄存器多于任何指令集的可分配寄存器
func spillBlock(addr uint64) *ir.Block {
	bl := ir.NewBuilder(addr)
	for r := uint8(1); r <= 16; r++ {
		bl.MovImm(r, uint64(r)*3)
	}
	for r := uint8(1); r < 16; r++ {
		bl.Add(17, 17, r)
	}
	bl.Add(17, 17, 16)
	return bl.Jmp(addr + 0x100)
}

// TestDeterministicCodegen 相同输入总是产生相同字节
func TestDeterministicCodegen(t *testing.T) {
	unroll := DefaultConfig().Unroll
	for _, isa := range []ISA{ISAX86_64, ISAARM64, ISARISCV64} {
		for _, tier := range []Tier{Tier0, Tier1} {
			for _, b := range sampleBlocks() {
				c1 := NewCompiler(unroll, nil)
				c2 := NewCompiler(unroll, nil)
				cb1, err1 := c1.Compile(b, tier, isa)
				cb2, err2 := c2.Compile(b.Clone(), tier, isa)
				if err1 != nil || err2 != nil {
					t.Fatalf("%s %s %#x: %v / %v", isa, tier, b.Addr, err1, err2)
				}
				if diff := cmp.Diff(cb1.Code, cb2.Code); diff != "" {
					t.Errorf("%s %s %#x not deterministic:\n%s", isa, tier, b.Addr, diff)
				}
				if diff := cmp.Diff(cb1.Exits, cb2.Exits); diff != "" {
					t.Errorf("%s %s %#x exits differ:\n%s", isa, tier, b.Addr, diff)
				}
				if cb1.Size != len(cb1.Code) || cb1.Size == 0 {
					t.Errorf("%s %s %#x: size %d, code %d bytes", isa, tier, b.Addr, cb1.Size, len(cb1.Code))
				}
			}
		}
	}
}

// TestCodeShape 各指令集的返回指令与链接槽
func TestCodeShape(t *testing.T) {
	c := NewCompiler(DefaultConfig().Unroll, nil)
	b := ir.NewBuilder(0x200).Sub(2, 2, 3).CondJmp(2, 0x200, 0x300)
	tests := []struct {
		isa  ISA
		tail []byte
	}{
		{ISAX86_64, []byte{0xC3}},
		{ISAARM64, []byte{0xC0, 0x03, 0x5F, 0xD6}},
		{ISARISCV64, []byte{0x67, 0x80, 0x00, 0x00}},
	}
	for _, tt := range tests {
		cb, err := c.Compile(b, Tier0, tt.isa)
		if err != nil {
			t.Fatalf("%s: %v", tt.isa, err)
		}
		if diff := cmp.Diff(tt.tail, cb.Code[len(cb.Code)-len(tt.tail):]); diff != "" {
			t.Errorf("%s epilogue (-want +got):\n%s", tt.isa, diff)
		}
		if got, want := cb.ExitTargets(), []uint64{0x300, 0x200}; !cmp.Equal(got, want) {
			t.Errorf("%s exits = %#x, want %#x", tt.isa, got, want)
		}
		for _, x := range cb.Exits {
			if x.Offset%4 != 0 || x.Offset+4 > len(cb.Code) {
				t.Errorf("%s slot offset %d misaligned or out of range", tt.isa, x.Offset)
			}
		}
	}
}

// TestEncodingOverflow 扩容一次后仍然不足时报告编码溢出
func TestEncodingOverflow(t *testing.T) {
	c := NewCompiler(DefaultConfig().Unroll, nil)
	calls := 0
	c.capacity = func(*ir.Block, ISA) int {
		calls++
		return 1
	}
	_, err := c.Compile(addBlock(), Tier0, ISAX86_64)
	if !errors.Is(err, ErrEncodingOverflow) {
		t.Fatalf("error = %v, want encoding overflow", err)
	}
	if calls != 1 {
		t.Errorf("capacity consulted %d times, want 1", calls)
	}

	// 第一次估算偏小、第二次足够时成功
	c.capacity = func(b *ir.Block, isa ISA) int { return estimateCodeSize(b, isa) / 2 }
	if _, err := c.Compile(addBlock(), Tier0, ISAX86_64); err != nil {
		t.Errorf("retry with doubled buffer failed: %v", err)
	}
}

// TestInvalidBlock 非法块报告内部错误
func TestInvalidBlock(t *testing.T) {
	c := NewCompiler(DefaultConfig().Unroll, nil)
	b := addBlock()
	b.Ops[0].Dst = 40
	if _, err := c.Compile(b, Tier0, ISAX86_64); !errors.Is(err, ErrInvariantViolation) {
		t.Errorf("error = %v, want invariant violation", err)
	}
	if _, err := c.Compile(addBlock(), Tier0, ISA(9)); err == nil {
		t.Error("unknown isa accepted")
	}
}

// ============================================================================
// 差分测试
// ============================================================================

type diffProgram struct {
	name   string
	entry  uint64
	blocks BlockMap
	setup  func(regs *[ir.NumRegs]uint64)
}

func blockMap(blocks ...*ir.Block) BlockMap {
	m := make(BlockMap, len(blocks))
	for _, b := range blocks {
		m[b.Addr] = b
	}
	return m
}

func diffPrograms() []diffProgram {
	return []diffProgram{
		{
			name:  "sum",
			entry: 0x100,
			blocks: blockMap(
				ir.NewBuilder(0x100).MovImm(1, 0).MovImm(2, 37).MovImm(3, 1).MovImm(4, 0).Jmp(0x200),
				ir.NewBuilder(0x200).Add(1, 1, 2).Sub(2, 2, 3).Loop(37, true).CondJmp(2, 0x200, 0x300),
				ir.NewBuilder(0x300).Store(1, 4, 0x10, 8).Halt(),
			),
		},
		{
			name:  "inexact-loop",
			entry: 0x200,
			blocks: blockMap(
				ir.NewBuilder(0x200).Add(1, 1, 2).Sub(2, 2, 3).Loop(100, false).CondJmp(2, 0x200, 0x300),
				ir.NewBuilder(0x300).Halt(),
			),
			setup: func(regs *[ir.NumRegs]uint64) { regs[2], regs[3] = 7, 1 },
		},
		{
			name:  "memory",
			entry: 0x100,
			blocks: blockMap(
				ir.NewBuilder(0x100).MovImm(1, 0x40).MovImm(2, 0xDEADBEEF).Store(2, 1, 8, 4).
					Load(3, 1, 8, 2).AtomicRMW(ir.RMWAdd, 4, 1, 0x10, 2, 8).
					AtomicRMW(ir.RMWOr, 5, 1, 0x10, 3, 8).Load(6, 1, 0x10, 8).Halt(),
			),
		},
		{
			name:  "arith",
			entry: 0x100,
			blocks: blockMap(
				ir.NewBuilder(0x100).MovImm(1, 1000).MovImm(2, 7).MovImm(3, 0).
					Div(4, 1, 2).Div(5, 1, 3).Mul(6, 4, 2).Sub(7, 1, 6).
					MovImm(8, 3).Shl(9, 1, 8).Shr(10, 1, 8).And(11, 9, 1).Or(12, 9, 2).Xor(13, 12, 1).
					CmpEq(14, 7, 7).CmpEq(15, 7, 2).MovImm(16, 0xFFFFFFFF80000000).Add(17, 16, 16).Halt(),
			),
		},
		{
			name:  "spills",
			entry: 0x800,
			blocks: blockMap(
				spillBlock(0x800),
				ir.NewBuilder(0x900).Halt(),
			),
		},
		{
			name:  "calls",
			entry: 0x400,
			blocks: blockMap(
				ir.NewBuilder(0x400).MovImm(10, 25).MovImm(11, 1).MovImm(12, 0).Jmp(0x410),
				ir.NewBuilder(0x410).Call(0x500, 0x420),
				ir.NewBuilder(0x420).Call(0x600, 0x430),
				ir.NewBuilder(0x430).Sub(10, 10, 11).CondJmp(10, 0x410, 0x440),
				ir.NewBuilder(0x440).Store(12, 14, 0x20, 8).Halt(),
				ir.NewBuilder(0x500).Add(12, 12, 11).Ret(),
				ir.NewBuilder(0x600).Shl(13, 12, 11).Xor(12, 12, 13).Ret(),
			),
		},
		{
			name:  "fences",
			entry: 0x100,
			blocks: blockMap(
				ir.NewBuilder(0x100).MovImm(1, 5).Fence(ir.FenceFull).Store(1, 0, 0x18, 8).Fence(ir.FenceFull).
					Load(2, 0, 0x18, 8).Fence(ir.FenceFull).Fence(ir.FenceFull).Add(3, 2, 1).Fault(9),
			),
		},
	}
}

type machineState struct {
	Res  interp.Status
	Next uint64
	Regs [ir.NumRegs]uint64
	Mem  []byte
}

func runProgram(t *testing.T, e *Engine, p diffProgram) machineState {
	t.Helper()
	v := e.NewVCPU()
	if p.setup != nil {
		p.setup(v.Regs())
	}
	mem := interp.NewFlatMemory(256)
	res := v.Loop(context.Background(), mem, p.blocks, p.entry, 10000)
	return machineState{Res: res.Status, Next: res.Next, Regs: *v.Regs(), Mem: mem.Bytes()}
}

// TestNativeMatchesInterpreter 本机代码与解释器结果一致
func TestNativeMatchesInterpreter(t *testing.T) {
	ref := newTestEngine(t, InterpretOnlyConfig())
	for _, tier := range []Tier{Tier0, Tier1} {
		for _, p := range diffPrograms() {
			t.Run(p.name+"/"+tier.String(), func(t *testing.T) {
				cfg := testConfig(t, ISAX86_64)
				cfg.ChainBudget = 8
				e := newTestEngine(t, cfg)
				if !e.Native() {
					t.Skip("host cannot execute x86-64 code")
				}
				for _, b := range p.blocks {
					if _, err := e.Compile(b, tier); err != nil {
						t.Fatalf("Compile %#x: %v", b.Addr, err)
					}
				}
				want := runProgram(t, ref, p)
				got := runProgram(t, e, p)
				if diff := cmp.Diff(want, got); diff != "" {
					t.Errorf("native result differs (-interp +native):\n%s", diff)
				}
				if e.GetCompileStats().NativeBlocks == 0 {
					t.Error("no block ran natively")
				}
			})
		}
	}
}

// TestChainingExecutes 链接后的块在本机内连续执行
func TestChainingExecutes(t *testing.T) {
	cfg := testConfig(t, ISAX86_64)
	e := newTestEngine(t, cfg)
	if !e.Native() {
		t.Skip("host cannot execute x86-64 code")
	}
	p := diffPrograms()[0]
	for _, b := range p.blocks {
		if _, err := e.Compile(b, Tier0); err != nil {
			t.Fatalf("Compile %#x: %v", b.Addr, err)
		}
	}
	if !e.Linker().IsChained(0x100, 0x200) || !e.Linker().IsChained(0x200, 0x200) || !e.Linker().IsChained(0x200, 0x300) {
		t.Fatalf("expected chains, have %+v", e.Linker().Patches())
	}

	v := e.NewVCPU()
	mem := interp.NewFlatMemory(256)
	res := v.Loop(context.Background(), mem, p.blocks, p.entry, 0)
	if res.Status != interp.StatusHalt {
		t.Fatalf("status = %v (%v)", res.Status, res.Err)
	}
	if res.Stats.Chained == 0 {
		t.Error("no chained transfers")
	}
	if got := v.Regs()[1]; got != 37*38/2 {
		t.Errorf("sum = %d, want %d", got, 37*38/2)
	}
}
