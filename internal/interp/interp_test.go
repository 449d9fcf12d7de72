package interp

import (
	"context"
	"errors"
	"testing"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// TestMovAddRet 测试 MovImm/Add/Ret 基本块
func TestMovAddRet(t *testing.T) {
	var regs [ir.NumRegs]uint64
	regs[ir.LinkReg] = 0x4000
	b := ir.NewBuilder(0x1000).MovImm(1, 10).MovImm(2, 20).Add(3, 1, 2).Ret()

	res := Exec(&regs, nil, b)
	if res.Status != StatusContinue {
		t.Errorf("Expected continue, got %s", res.Status)
	}
	if regs[3] != 30 {
		t.Errorf("Expected r3 = 30, got %d", regs[3])
	}
	if res.Next != 0x4000 {
		t.Errorf("Expected next 0x4000, got %#x", res.Next)
	}
}

// TestArithmetic 测试算术语义
func TestArithmetic(t *testing.T) {
	tests := []struct {
		kind ir.OpKind
		a, b uint64
		want uint64
	}{
		{ir.OpAdd, 1, 2, 3},
		{ir.OpSub, 1, 2, ^uint64(0)},
		{ir.OpMul, 7, 6, 42},
		{ir.OpDiv, 42, 5, 8},
		{ir.OpDiv, 42, 0, ^uint64(0)},
		{ir.OpAnd, 0xF0, 0x3C, 0x30},
		{ir.OpOr, 0xF0, 0x0F, 0xFF},
		{ir.OpXor, 0xFF, 0x0F, 0xF0},
		{ir.OpShl, 1, 65, 2},
		{ir.OpShr, 0x80, 3, 0x10},
		{ir.OpCmpEq, 5, 5, 1},
		{ir.OpCmpEq, 5, 6, 0},
	}
	for _, tt := range tests {
		var regs [ir.NumRegs]uint64
		regs[1], regs[2] = tt.a, tt.b
		ExecOp(&regs, &ir.Op{Kind: tt.kind, Dst: 3, Src1: 1, Src2: 2})
		if regs[3] != tt.want {
			t.Errorf("%s(%d, %d) = %d, want %d", tt.kind, tt.a, tt.b, regs[3], tt.want)
		}
	}
}

// TestMemoryOps 测试访存
func TestMemoryOps(t *testing.T) {
	mem := NewFlatMemory(256)
	var regs [ir.NumRegs]uint64
	regs[1] = 0x10
	regs[2] = 0x1122334455667788
	regs[5] = 3

	b := ir.NewBuilder(0x100).
		Store(2, 1, 8, 8).
		Load(3, 1, 8, 4).
		AtomicRMW(ir.RMWAdd, 4, 1, 8, 5, 8).
		Load(6, 1, 8, 8).
		Halt()

	res := Exec(&regs, mem, b)
	if res.Status != StatusHalt {
		t.Fatalf("Expected halt, got %s (%v)", res.Status, res.Err)
	}
	if regs[3] != 0x55667788 {
		t.Errorf("Expected 32-bit load 0x55667788, got %#x", regs[3])
	}
	if regs[4] != 0x1122334455667788 {
		t.Errorf("AtomicRMW should return old value, got %#x", regs[4])
	}
	if regs[6] != 0x112233445566778b {
		t.Errorf("Expected updated value, got %#x", regs[6])
	}
}

// TestMemoryFault 测试访存错误
func TestMemoryFault(t *testing.T) {
	mem := NewFlatMemory(16)
	var regs [ir.NumRegs]uint64
	regs[1] = 100
	b := ir.NewBuilder(0x200).MovImm(2, 7).Load(3, 1, 0, 8).MovImm(4, 9).Halt()

	res := Exec(&regs, mem, b)
	if res.Status != StatusFault {
		t.Fatalf("Expected fault, got %s", res.Status)
	}
	if res.FaultAddr != 100 {
		t.Errorf("Expected fault addr 100, got %d", res.FaultAddr)
	}
	if !errors.Is(res.Err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", res.Err)
	}
	if regs[2] != 7 || regs[4] != 0 {
		t.Error("Ops before the fault should be applied and ops after it skipped")
	}
}

// TestTerminators 测试终结指令
func TestTerminators(t *testing.T) {
	var regs [ir.NumRegs]uint64

	res := Exec(&regs, nil, ir.NewBuilder(0x10).Call(0x100, 0x14))
	if res.Next != 0x100 || regs[ir.LinkReg] != 0x14 {
		t.Errorf("Call: next=%#x link=%#x", res.Next, regs[ir.LinkReg])
	}

	regs[1] = 0
	res = Exec(&regs, nil, ir.NewBuilder(0x10).CondJmp(1, 0x20, 0x30))
	if res.Next != 0x30 {
		t.Errorf("CondJmp not taken: next=%#x", res.Next)
	}

	regs[2] = 0x1000
	res = Exec(&regs, nil, ir.NewBuilder(0x10).JmpReg(2, 0x10))
	if res.Next != 0x1010 {
		t.Errorf("JmpReg: next=%#x", res.Next)
	}

	res = Exec(&regs, nil, ir.NewBuilder(0x10).Fault(3))
	if res.Status != StatusFault || !errors.Is(res.Err, ErrGuestFault) {
		t.Errorf("Fault: status=%s err=%v", res.Status, res.Err)
	}
}

// TestExitIf 测试侧出口
func TestExitIf(t *testing.T) {
	var regs [ir.NumRegs]uint64
	b := &ir.Block{
		Addr: 0x10,
		Ops: []ir.Op{
			{Kind: ir.OpMovImm, Dst: 1, Imm: 0},
			{Kind: ir.OpExitIf, Src1: 1, Target: 0x99},
			{Kind: ir.OpMovImm, Dst: 2, Imm: 5},
		},
		Term: ir.Terminator{Kind: ir.TermHalt},
	}
	res := Exec(&regs, nil, b)
	if res.Next != 0x99 || res.Status != StatusContinue {
		t.Errorf("Expected side exit to 0x99, got %#x (%s)", res.Next, res.Status)
	}
	if regs[2] != 0 {
		t.Error("Ops after a taken side exit must not run")
	}
}

type asyncMem struct{ m *FlatMemory }

func (a asyncMem) ReadContext(ctx context.Context, addr uint64, size int) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return a.m.Read(addr, size)
}

func (a asyncMem) WriteContext(ctx context.Context, addr, value uint64, size int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return a.m.Write(addr, value, size)
}

// TestWithContext 测试异步内存适配
func TestWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	mem := WithContext(ctx, asyncMem{NewFlatMemory(64)})
	if err := mem.Write(8, 42, 8); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	cancel()
	if _, err := mem.Read(8, 8); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
