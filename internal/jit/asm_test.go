package jit

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func words(ws ...uint32) []byte {
	out := make([]byte, 0, 4*len(ws))
	for _, w := range ws {
		out = binary.LittleEndian.AppendUint32(out, w)
	}
	return out
}

// TestX64Encoding x86-64 指令编码
func TestX64Encoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *X64Assembler)
		want []byte
	}{
		{"mov rax, 1", func(a *X64Assembler) { a.MovRegImm32(RAX, 1) }, []byte{0x48, 0xC7, 0xC0, 0x01, 0x00, 0x00, 0x00}},
		{"mov r10, imm64", func(a *X64Assembler) { a.MovRegImm(R10, 0x1122334455667788) },
			[]byte{0x49, 0xBA, 0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11}},
		{"mov rcx, -1", func(a *X64Assembler) { a.MovRegImm(RCX, ^uint64(0)) }, []byte{0x48, 0xC7, 0xC1, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"mov r9, rax", func(a *X64Assembler) { a.MovRegReg(R9, RAX) }, []byte{0x49, 0x89, 0xC1}},
		{"mov rax, [rdi+528]", func(a *X64Assembler) { a.MovRegMem(RAX, RDI, 528) }, []byte{0x48, 0x8B, 0x87, 0x10, 0x02, 0x00, 0x00}},
		{"mov rax, [r12]", func(a *X64Assembler) { a.MovRegMem(RAX, R12, 0) }, []byte{0x49, 0x8B, 0x04, 0x24}},
		{"mov [rdi+8], r11", func(a *X64Assembler) { a.MovMemReg(RDI, 8, R11) }, []byte{0x4C, 0x89, 0x5F, 0x08}},
		{"add rax, rcx", func(a *X64Assembler) { a.AddRegReg(RAX, RCX) }, []byte{0x48, 0x01, 0xC8}},
		{"test rax, rax", func(a *X64Assembler) { a.TestRegReg(RAX, RAX) }, []byte{0x48, 0x85, 0xC0}},
		{"cmp rax, 3", func(a *X64Assembler) { a.CmpRegImm32(RAX, 3) }, []byte{0x48, 0x83, 0xF8, 0x03}},
		{"shl rax, cl", func(a *X64Assembler) { a.ShlRegCL(RAX) }, []byte{0x48, 0xD3, 0xE0}},
		{"inc [rdi+552]", func(a *X64Assembler) { a.IncMem(RDI, 552) }, []byte{0x48, 0xFF, 0x87, 0x28, 0x02, 0x00, 0x00}},
		{"mfence", func(a *X64Assembler) { a.Mfence() }, []byte{0x0F, 0xAE, 0xF0}},
		{"push/pop", func(a *X64Assembler) { a.Push(R12); a.Pop(RBX) }, []byte{0x41, 0x54, 0x5B}},
		{"ret", func(a *X64Assembler) { a.Ret() }, []byte{0xC3}},
		{"jmp forward", func(a *X64Assembler) {
			l := a.NewLabel()
			a.Jmp(l)
			a.Nop()
			a.Label(l)
		}, []byte{0xE9, 0x01, 0x00, 0x00, 0x00, 0x90}},
	}
	for _, tt := range tests {
		a := NewX64Assembler(64)
		tt.emit(a)
		got, err := a.Code()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tt.name, diff)
		}
	}
}

// TestARM64Encoding ARM64 指令编码
func TestARM64Encoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *ARM64Assembler)
		want []byte
	}{
		{"mov x1, x2", func(a *ARM64Assembler) { a.MovRegReg(X1, X2) }, words(0xAA0203E1)},
		{"add x1, x2, x3", func(a *ARM64Assembler) { a.AddRegReg(X1, X2, X3) }, words(0x8B030041)},
		{"movz x0, #10", func(a *ARM64Assembler) { a.MovRegImm16(X0, 10, 0) }, words(0xD2800140)},
		{"ldr x1, [x0, #8]", func(a *ARM64Assembler) { a.LdrRegMem(X1, X0, 8) }, words(0xF9400401)},
		{"str x1, [x0, #512]", func(a *ARM64Assembler) { a.StrRegMem(X1, X0, 512) }, words(0xF9010001)},
		{"clz x1, x2", func(a *ARM64Assembler) { a.ClzReg(X1, X2) }, words(0xDAC01041)},
		{"dmb ish", func(a *ARM64Assembler) { a.Dmb(BarrierISH) }, words(0xD5033BBF)},
		{"dmb ishld", func(a *ARM64Assembler) { a.Dmb(BarrierISHLD) }, words(0xD50339BF)},
		{"ret", func(a *ARM64Assembler) { a.Ret() }, words(0xD65F03C0)},
		{"b forward", func(a *ARM64Assembler) {
			l := a.NewLabel()
			a.B(l)
			a.Label(l)
		}, words(0x14000001)},
	}
	for _, tt := range tests {
		a := NewARM64Assembler(64)
		tt.emit(a)
		got, err := a.Code()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tt.name, diff)
		}
	}
}

// TestRISCVEncoding RISC-V 指令编码
func TestRISCVEncoding(t *testing.T) {
	tests := []struct {
		name string
		emit func(a *RISCVAssembler)
		want []byte
	}{
		{"add a1, a2, a3", func(a *RISCVAssembler) { a.Add(RVA1, RVA2, RVA3) }, words(0x00D605B3)},
		{"li a0, 5", func(a *RISCVAssembler) { a.LoadImm(RVA0, 5) }, words(0x00500513)},
		{"ld a1, 8(a0)", func(a *RISCVAssembler) { a.Ld(RVA1, RVA0, 8) }, words(0x00853583)},
		{"sd a1, 16(a0)", func(a *RISCVAssembler) { a.Sd(RVA1, RVA0, 16) }, words(0x00B53823)},
		{"fence rw, rw", func(a *RISCVAssembler) { a.Fence(rvFenceRWRW) }, words(0x0330000F)},
		{"ret", func(a *RISCVAssembler) { a.Ret() }, words(0x00008067)},
		{"li a0, imm64", func(a *RISCVAssembler) { a.LoadImm(RVA0, 0x123456789) },
			append(words(0x00000013, 0x00000517, 0x00C53503, 0x00C0006F), 0x89, 0x67, 0x45, 0x23, 0x01, 0, 0, 0)},
		{"j forward", func(a *RISCVAssembler) {
			l := a.NewLabel()
			a.J(l)
			a.Nop()
			a.Label(l)
		}, words(0x0080006F, 0x00000013)},
	}
	for _, tt := range tests {
		a := NewRISCVAssembler(64)
		tt.emit(a)
		got, err := a.Code()
		if err != nil {
			t.Fatalf("%s: %v", tt.name, err)
		}
		if diff := cmp.Diff(tt.want, got); diff != "" {
			t.Errorf("%s (-want +got):\n%s", tt.name, diff)
		}
	}
}

// TestEncodeJALRange jal 只能覆盖 ±1MB
func TestEncodeJALRange(t *testing.T) {
	if _, ok := encodeJAL(RVZero, 1<<20); ok {
		t.Error("offset 1MB accepted")
	}
	if _, ok := encodeJAL(RVZero, 3); ok {
		t.Error("odd offset accepted")
	}
	w, ok := encodeJAL(RVZero, -8)
	if !ok || w != 0xFF9FF06F {
		t.Errorf("jal x0, -8 = %#x, %v; want 0xff9ff06f", w, ok)
	}
}

// TestAssemblerOverflow 写满缓冲区后 Code 报告溢出
func TestAssemblerOverflow(t *testing.T) {
	a := NewX64Assembler(4)
	a.MovRegImm32(RAX, 1)
	if !a.Overflowed() {
		t.Fatal("overflow not recorded")
	}
	if _, err := a.Code(); !errors.Is(err, errOverflow) {
		t.Errorf("Code error = %v, want overflow", err)
	}
}
