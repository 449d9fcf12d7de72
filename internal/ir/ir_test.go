package ir

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

// TestBuilder 测试构造器
func TestBuilder(t *testing.T) {
	b := NewBuilder(0x1000).MovImm(1, 10).MovImm(2, 20).Add(3, 1, 2).Ret()

	if b.Addr != 0x1000 {
		t.Errorf("Expected addr 0x1000, got %#x", b.Addr)
	}
	if len(b.Ops) != 3 {
		t.Fatalf("Expected 3 ops, got %d", len(b.Ops))
	}
	if b.Term.Kind != TermRet {
		t.Errorf("Expected ret terminator, got %s", b.Term.Kind)
	}
	if err := b.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

// TestBuilderTerminators 测试终结指令的目标字段
func TestBuilderTerminators(t *testing.T) {
	tests := []struct {
		block *Block
		want  Terminator
	}{
		{NewBuilder(0x100).CondJmp(5, 0x100, 0x200), Terminator{Kind: TermCondJmp, Reg: 5, Target: 0x100, Fallthrough: 0x200}},
		{NewBuilder(0x100).Call(0x500, 0x104), Terminator{Kind: TermCall, Target: 0x500, Fallthrough: 0x104}},
		{NewBuilder(0x100).Jmp(0x300), Terminator{Kind: TermJmp, Target: 0x300}},
	}
	for _, tt := range tests {
		if diff := cmp.Diff(tt.want, tt.block.Term); diff != "" {
			t.Errorf("%s terminator (-want +got):\n%s", tt.want.Kind, diff)
		}
	}
}

// TestValidate 测试非法块检测
func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		block *Block
	}{
		{"bad register", NewBuilder(0).MovImm(32, 1).Halt()},
		{"bad size", NewBuilder(0).Load(1, 2, 0, 3).Halt()},
		{"no terminator", &Block{Addr: 4, Ops: []Op{{Kind: OpMovImm, Dst: 1}}}},
		{"bad kind", &Block{Ops: []Op{{Kind: 200}}, Term: Terminator{Kind: TermHalt}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.block.Validate()
			if !errors.Is(err, ErrInvalidBlock) {
				t.Errorf("Expected ErrInvalidBlock, got %v", err)
			}
		})
	}
}

// TestDefsUses 测试读写寄存器集合
func TestDefsUses(t *testing.T) {
	b := NewBuilder(0x10).
		Load(1, 2, 8, 8).
		Store(1, 3, 0, 4).
		AtomicRMW(RMWAdd, 4, 5, 0, 6, 8).
		CondJmp(7, 0x10, 0x20)

	reads, writes := b.ReadWriteSets()
	wantReads := uint32(1<<2 | 1<<1 | 1<<3 | 1<<5 | 1<<6 | 1<<7)
	wantWrites := uint32(1<<1 | 1<<4)
	if reads != wantReads {
		t.Errorf("reads = %b, want %b", reads, wantReads)
	}
	if writes != wantWrites {
		t.Errorf("writes = %b, want %b", writes, wantWrites)
	}
	if !b.IsSelfLoop() {
		t.Error("CondJmp back to own address should be a self loop")
	}
}

// TestEncodeRoundTrip 测试编码与解码
func TestEncodeRoundTrip(t *testing.T) {
	b := NewBuilder(0x2000).
		MovImm(1, 0xdeadbeef).
		Fence(FenceAcquire).
		Loop(3, true).
		CondJmp(1, 0x2000, 0x3000)

	data, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if diff := cmp.Diff(b, got); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

// TestFingerprint 测试指纹稳定性
func TestFingerprint(t *testing.T) {
	a := NewBuilder(0x1000).MovImm(1, 10).Ret()
	b := NewBuilder(0x1000).MovImm(1, 10).Ret()
	c := NewBuilder(0x1000).MovImm(1, 11).Ret()

	if a.Fingerprint() != b.Fingerprint() {
		t.Error("Identical blocks should have identical fingerprints")
	}
	if a.Fingerprint() == c.Fingerprint() {
		t.Error("Different blocks should have different fingerprints")
	}
}

// TestClone 测试深拷贝
func TestClone(t *testing.T) {
	a := NewBuilder(0x1000).MovImm(1, 10).Loop(2, true).Jmp(0x1000)
	b := a.Clone()
	b.Ops[0].Imm = 99
	b.Loop.TripCount = 7
	if a.Ops[0].Imm != 10 || a.Loop.TripCount != 2 {
		t.Error("Clone should not share ops or loop hint")
	}
}
