// Package aot 提前编译镜像
//
// 镜像保存一组已编译基本块的机器码，以及重新安装它们需要的元数据：
// 客户机块（用于校验与访存出口）、链接槽位置（重定位）和层级。
// 机器码与位置无关，装载时复制到可执行内存即可，链接槽保持未链接状态，
// 由装载方的链接器重新建立。
//
// 镜像以规范 CBOR 编码，Checksum 是 Checksum 字段置空后编码结果的 blake2b-256。
package aot

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"github.com/tangzhangming/vmjit/internal/ir"
)

// FormatVersion 镜像格式版本
const FormatVersion = 1

const codeAlign = 16

var (
	// ErrChecksum 镜像内容与校验和不一致
	ErrChecksum = errors.New("aot: checksum mismatch")
	// ErrVersion 不支持的镜像版本
	ErrVersion = errors.New("aot: unsupported image version")
)

// Relocation 直接跳转出口的链接槽
type Relocation struct {
	Offset uint32 `cbor:"1,keyasint"` // 槽在块代码中的偏移
	Target uint64 `cbor:"2,keyasint"` // 客户机目标地址
}

// Entry 镜像中的一个编译块
type Entry struct {
	Address     uint64       `cbor:"1,keyasint"`
	Tier        uint8        `cbor:"2,keyasint"`
	CodeOffset  uint32       `cbor:"3,keyasint"`
	Length      uint32       `cbor:"4,keyasint"`
	ChainEntry  uint32       `cbor:"5,keyasint"`
	Relocations []Relocation `cbor:"6,keyasint,omitempty"`
	Block       []byte       `cbor:"7,keyasint"`           // 客户机块（ir 编码）
	Body        []byte       `cbor:"8,keyasint,omitempty"` // 实际编译的块，与 Block 相同时省略
	Covers      []uint64     `cbor:"9,keyasint,omitempty"` // 融合进本块的其他块地址
}

// Image AOT 镜像
type Image struct {
	Version   uint32  `cbor:"1,keyasint"`
	ID        string  `cbor:"2,keyasint"`
	ISA       string  `cbor:"3,keyasint"`
	CreatedAt int64   `cbor:"4,keyasint"` // UnixNano
	Entries   []Entry `cbor:"5,keyasint"`
	Code      []byte  `cbor:"6,keyasint"`
	Checksum  []byte  `cbor:"7,keyasint,omitempty"`
}

// Block 镜像构建输入
type Block struct {
	Tier        uint8
	Code        []byte
	ChainEntry  int
	Relocations []Relocation
	Source      *ir.Block
	Body        *ir.Block
	Covers      []uint64
}

var encMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("aot: failed to create CBOR enc mode: %v", err))
	}
	encMode = em
}

// NewImage 创建空镜像
func NewImage(isa string) *Image {
	return &Image{
		Version:   FormatVersion,
		ID:        uuid.NewString(),
		ISA:       isa,
		CreatedAt: time.Now().UnixNano(),
	}
}

// Add 追加一个编译块
func (img *Image) Add(b Block) error {
	if b.Source == nil {
		return fmt.Errorf("aot: block without source")
	}
	src, err := b.Source.Encode()
	if err != nil {
		return fmt.Errorf("aot: encode block %#x: %w", b.Source.Addr, err)
	}
	var body []byte
	if b.Body != nil && b.Body != b.Source {
		if body, err = b.Body.Encode(); err != nil {
			return fmt.Errorf("aot: encode body %#x: %w", b.Source.Addr, err)
		}
		if bytes.Equal(body, src) {
			body = nil
		}
	}

	for len(img.Code)%codeAlign != 0 {
		img.Code = append(img.Code, 0)
	}
	img.Entries = append(img.Entries, Entry{
		Address:     b.Source.Addr,
		Tier:        b.Tier,
		CodeOffset:  uint32(len(img.Code)),
		Length:      uint32(len(b.Code)),
		ChainEntry:  uint32(b.ChainEntry),
		Relocations: append([]Relocation(nil), b.Relocations...),
		Block:       src,
		Body:        body,
		Covers:      append([]uint64(nil), b.Covers...),
	})
	img.Code = append(img.Code, b.Code...)
	img.Checksum = nil
	return nil
}

// digest 计算不含校验和字段的摘要
func (img *Image) digest() ([]byte, error) {
	c := *img
	c.Checksum = nil
	data, err := encMode.Marshal(&c)
	if err != nil {
		return nil, fmt.Errorf("aot: encode image: %w", err)
	}
	sum := blake2b.Sum256(data)
	return sum[:], nil
}

// Seal 计算校验和
func (img *Image) Seal() error {
	sum, err := img.digest()
	if err != nil {
		return err
	}
	img.Checksum = sum
	return nil
}

// Verify 检查版本、校验和与每个条目的边界
func (img *Image) Verify() error {
	if img.Version != FormatVersion {
		return fmt.Errorf("%w: %d", ErrVersion, img.Version)
	}
	sum, err := img.digest()
	if err != nil {
		return err
	}
	if !bytes.Equal(sum, img.Checksum) {
		return ErrChecksum
	}
	for i := range img.Entries {
		if _, err := img.CodeFor(&img.Entries[i]); err != nil {
			return err
		}
	}
	return nil
}

// CodeFor 条目的机器码
func (img *Image) CodeFor(e *Entry) ([]byte, error) {
	end := uint64(e.CodeOffset) + uint64(e.Length)
	if end > uint64(len(img.Code)) {
		return nil, fmt.Errorf("aot: entry %#x code [%d, %d) out of bounds (%d bytes)",
			e.Address, e.CodeOffset, end, len(img.Code))
	}
	if e.ChainEntry >= e.Length && e.Length > 0 {
		return nil, fmt.Errorf("aot: entry %#x chain entry %d outside code", e.Address, e.ChainEntry)
	}
	for _, r := range e.Relocations {
		if r.Offset%4 != 0 || r.Offset+4 > e.Length {
			return nil, fmt.Errorf("aot: entry %#x relocation at %d invalid", e.Address, r.Offset)
		}
	}
	return img.Code[e.CodeOffset:end:end], nil
}

// Source 解码条目的客户机块
func (e *Entry) Source() (*ir.Block, error) {
	return ir.Decode(e.Block)
}

// CompiledBody 解码实际编译的块
func (e *Entry) CompiledBody() (*ir.Block, error) {
	if len(e.Body) == 0 {
		return e.Source()
	}
	return ir.Decode(e.Body)
}

// Marshal 编码镜像（未封装时先计算校验和）
func (img *Image) Marshal() ([]byte, error) {
	if len(img.Checksum) == 0 {
		if err := img.Seal(); err != nil {
			return nil, err
		}
	}
	data, err := encMode.Marshal(img)
	if err != nil {
		return nil, fmt.Errorf("aot: encode image: %w", err)
	}
	return data, nil
}

// Unmarshal 解码并校验镜像
func Unmarshal(data []byte) (*Image, error) {
	var img Image
	if err := cbor.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("aot: decode image: %w", err)
	}
	if err := img.Verify(); err != nil {
		return nil, err
	}
	return &img, nil
}

// Summary 镜像概要
type Summary struct {
	ID        string    `json:"id"`
	ISA       string    `json:"isa"`
	Entries   int       `json:"entries"`
	CodeBytes int       `json:"code_bytes"`
	CreatedAt time.Time `json:"created_at"`
}

// Summary 返回镜像概要
func (img *Image) Summary() Summary {
	return Summary{
		ID:        img.ID,
		ISA:       img.ISA,
		Entries:   len(img.Entries),
		CodeBytes: len(img.Code),
		CreatedAt: time.Unix(0, img.CreatedAt).UTC(),
	}
}
