// aot.go - 导出与装载提前编译镜像

package jit

import (
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/vmjit/internal/aot"
)

// ExportAOT 把代码缓存中的所有块导出为镜像
//
// 导出的是编译时的原始机器码，链接槽指向尾声，装载后重新链接。
func (e *Engine) ExportAOT() (*aot.Image, error) {
	img := aot.NewImage(e.cfg.ISA.String())
	for _, cb := range e.cache.Snapshot() {
		relocs := make([]aot.Relocation, 0, len(cb.Exits))
		for _, x := range cb.Exits {
			relocs = append(relocs, aot.Relocation{Offset: uint32(x.Offset), Target: x.Target})
		}
		err := img.Add(aot.Block{
			Tier:        uint8(cb.Tier),
			Code:        cb.Code,
			ChainEntry:  cb.ChainEntry,
			Relocations: relocs,
			Source:      cb.Source,
			Body:        cb.Body,
			Covers:      cb.Covers,
		})
		if err != nil {
			return nil, err
		}
	}
	if err := img.Seal(); err != nil {
		return nil, err
	}
	return img, nil
}

// SeedAOT 用镜像预装代码缓存，返回装载的块数
//
// 装载的地址直接视为已编译，不需要先解释执行到热点阈值。
// 单个条目失败不影响其他条目，所有错误合并返回。
func (e *Engine) SeedAOT(img *aot.Image) (int, error) {
	if e.closed.Load() {
		return 0, ErrClosed
	}
	if err := img.Verify(); err != nil {
		return 0, err
	}
	isa, err := ParseISA(img.ISA)
	if err != nil {
		return 0, fmt.Errorf("seed aot image %s: %w", img.ID, err)
	}
	if isa != e.cfg.ISA {
		return 0, fmt.Errorf("seed aot image %s: built for %s, engine targets %s", img.ID, isa, e.cfg.ISA)
	}

	var errs error
	n := 0
	for i := range img.Entries {
		if err := e.seedEntry(img, &img.Entries[i]); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		n++
	}
	e.stats.seeded.Add(int64(n))
	e.logger.Info("seeded code cache from aot image",
		zap.String("image", img.ID), zap.Int("blocks", n), zap.Int("entries", len(img.Entries)))
	return n, errs
}

func (e *Engine) seedEntry(img *aot.Image, ent *aot.Entry) error {
	code, err := img.CodeFor(ent)
	if err != nil {
		return err
	}
	src, err := ent.Source()
	if err != nil {
		return err
	}
	body, err := ent.CompiledBody()
	if err != nil {
		return err
	}
	if src.Addr != ent.Address {
		return fmt.Errorf("seed %#x: block address %#x does not match entry", ent.Address, src.Addr)
	}
	tier := Tier(ent.Tier)
	if tier != Tier0 && tier != Tier1 {
		return fmt.Errorf("seed %#x: unknown tier %d", ent.Address, ent.Tier)
	}

	exits := make([]ExitSlot, 0, len(ent.Relocations))
	for _, r := range ent.Relocations {
		exits = append(exits, ExitSlot{Target: r.Target, Offset: int(r.Offset)})
	}
	cb := &CompiledBlock{
		Addr:        src.Addr,
		ISA:         e.cfg.ISA,
		Tier:        tier,
		Code:        append([]byte(nil), code...),
		Size:        len(code),
		ChainEntry:  int(ent.ChainEntry),
		Exits:       exits,
		Source:      src,
		Body:        body,
		Fingerprint: src.Fingerprint(),
		Covers:      append([]uint64(nil), ent.Covers...),
		Strategy:    StrategyLinearScan,
	}
	if tier == Tier1 {
		cb.Strategy = StrategyGraphColoring
	}

	e.remember(src)
	t, ok := e.states.force(src.Addr, tier)
	if !ok {
		return fmt.Errorf("seed %#x: address is pinned to the interpreter", src.Addr)
	}
	installed, err := e.install(t, cb)
	if err != nil {
		return fmt.Errorf("seed %#x: %w", src.Addr, err)
	}
	if !installed {
		return fmt.Errorf("seed %#x: superseded by a newer compile", src.Addr)
	}
	e.profiler.MarkCompiled(src.Addr, tier)
	return nil
}
