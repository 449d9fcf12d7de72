package ir

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/blake2b"
)

// ErrInvalidBlock 基本块格式错误
var ErrInvalidBlock = errors.New("ir: invalid block")

func checkReg(r uint8) error {
	if r >= NumRegs {
		return fmt.Errorf("%w: register r%d out of range", ErrInvalidBlock, r)
	}
	return nil
}

func checkSize(s uint8) error {
	switch s {
	case 1, 2, 4, 8:
		return nil
	}
	return fmt.Errorf("%w: bad access size %d", ErrInvalidBlock, s)
}

// Validate 检查基本块是否合法
func (b *Block) Validate() error {
	for i := range b.Ops {
		op := &b.Ops[i]
		if _, ok := opNames[op.Kind]; !ok {
			return fmt.Errorf("%w: op %d has unknown kind %d", ErrInvalidBlock, i, op.Kind)
		}
		if d, ok := op.Defs(); ok {
			if err := checkReg(d); err != nil {
				return err
			}
		}
		for _, r := range op.Uses() {
			if err := checkReg(r); err != nil {
				return err
			}
		}
		if op.Kind.IsMemory() {
			if err := checkSize(op.Size); err != nil {
				return fmt.Errorf("op %d: %w", i, err)
			}
		}
		if op.Kind == OpFence && op.Fence > FenceRelease {
			return fmt.Errorf("%w: op %d has unknown fence kind", ErrInvalidBlock, i)
		}
		if op.Kind == OpAtomicRMW && op.RMW > RMWOr {
			return fmt.Errorf("%w: op %d has unknown rmw kind", ErrInvalidBlock, i)
		}
	}
	if b.Term.Kind < TermJmp || b.Term.Kind > TermFault {
		return fmt.Errorf("%w: missing terminator", ErrInvalidBlock)
	}
	for _, r := range b.Term.Uses() {
		if err := checkReg(r); err != nil {
			return err
		}
	}
	return nil
}

// ============================================================================
// 编码与指纹
// ============================================================================

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ir: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// Encode 以规范 CBOR 编码基本块，相同的块总是得到相同的字节
func (b *Block) Encode() ([]byte, error) {
	return encMode.Marshal(b)
}

// Decode 解码基本块
func Decode(data []byte) (*Block, error) {
	var b Block
	if err := cbor.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("ir: unmarshal block: %w", err)
	}
	return &b, nil
}

// Fingerprint 基本块内容的 blake2b-256 摘要，用于检测自修改代码
func (b *Block) Fingerprint() [32]byte {
	data, err := b.Encode()
	if err != nil {
		// 只有字段类型不可编码时才会失败，退化为按文本取摘要
		data = []byte(b.String())
	}
	return blake2b.Sum256(data)
}
