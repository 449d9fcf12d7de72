package main

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
	"github.com/segmentio/encoding/json"
	"go.uber.org/zap"

	"github.com/tangzhangming/vmjit/internal/aot"
	"github.com/tangzhangming/vmjit/internal/config"
	"github.com/tangzhangming/vmjit/internal/interp"
	"github.com/tangzhangming/vmjit/internal/ir"
	"github.com/tangzhangming/vmjit/internal/jit"
	"github.com/tangzhangming/vmjit/internal/metrics"
)

var (
	configPath = flag.String("config", "", "Path to a vmjit.toml configuration file")
	progName   = flag.String("program", "sum", "Demo program to run ("+strings.Join(programNames(), ", ")+")")
	iterations = flag.Uint64("n", 1000, "Program argument (loop count / dispatch count)")
	isaFlag    = flag.String("isa", "", "Override target ISA (x86_64, arm64, riscv64)")
	modeFlag   = flag.String("mode", "", "Override compile mode (sync, async)")
	hotFlag    = flag.Int64("hot", 0, "Override hot threshold")
	logLevel   = flag.String("log", "", "Override log level")
	dumpCode   = flag.Bool("dump", false, "Print Tier 0 machine code of every block and exit")
	showStats  = flag.Bool("stats", false, "Print compile statistics as JSON")
	storeDir   = flag.String("store", "", "AOT image store directory (in-memory when empty)")
	saveAOT    = flag.String("save-aot", "", "Export the code cache as an AOT image with this name")
	loadAOT    = flag.String("load-aot", "", "Seed the code cache from the named AOT image")
	listAOT    = flag.Bool("list-aot", false, "List AOT images in the store and exit")
	showProm   = flag.Bool("metrics", false, "Print engine metrics in Prometheus text format")
)

func main() {
	flag.Parse()
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadFile() (*config.File, error) {
	f := config.Default()
	if *configPath != "" {
		var err error
		if f, err = config.LoadConfig(*configPath); err != nil {
			return nil, err
		}
	}
	if *isaFlag != "" {
		f.JIT.ISA = *isaFlag
	}
	if *modeFlag != "" {
		f.JIT.Mode = *modeFlag
	}
	if *hotFlag > 0 {
		f.Threshold.Hot = *hotFlag
		if f.Threshold.Cold > *hotFlag {
			f.Threshold.Cold = *hotFlag
		}
	}
	if *logLevel != "" {
		f.Log.Level = *logLevel
	}
	if *storeDir != "" {
		f.AOT.Store = *storeDir
	}
	return f, f.Validate()
}

func openStore(f *config.File, logger *zap.Logger) (*aot.Store, error) {
	if f.AOT.Store == "" {
		return aot.OpenInMemory(logger)
	}
	return aot.Open(f.AOT.Store, logger)
}

func run() error {
	f, err := loadFile()
	if err != nil {
		return err
	}
	logger, err := f.NewLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	mk, ok := programs[*progName]
	if !ok {
		return fmt.Errorf("unknown program %q (available: %s)", *progName, strings.Join(programNames(), ", "))
	}
	if *iterations == 0 {
		return fmt.Errorf("-n must be positive")
	}
	prog := mk(*iterations)

	cfg, err := f.JITConfig(logger)
	if err != nil {
		return err
	}
	engine, err := jit.New(cfg)
	if err != nil {
		return err
	}
	defer engine.Close()

	var store *aot.Store
	if *saveAOT != "" || *loadAOT != "" || *listAOT {
		if store, err = openStore(f, logger); err != nil {
			return err
		}
		defer store.Close()
	}

	if *listAOT {
		return printImages(store)
	}
	if *dumpCode {
		return dump(engine, prog)
	}
	if *loadAOT != "" {
		img, err := store.Load(*loadAOT)
		if err != nil {
			return err
		}
		n, err := engine.SeedAOT(img)
		fmt.Printf("seeded %d blocks from image %s\n", n, img.ID)
		if err != nil {
			logger.Warn("some aot entries were not seeded", zap.Error(err))
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	vcpu := engine.NewVCPU()
	if prog.setup != nil {
		prog.setup(vcpu.Regs())
	}
	mem := interp.NewFlatMemory(4096)
	max := 0
	if prog.name == "add" {
		max = int(*iterations)
	}
	res := vcpu.Loop(ctx, mem, prog.blocks, prog.entry, max)
	if err := engine.Drain(ctx); err != nil {
		return err
	}

	fmt.Printf("program %s: %s\n", prog.name, prog.desc)
	fmt.Printf("status=%s next=%#x blocks=%d chained=%d native=%v\n",
		res.Status, res.Next, res.Stats.Blocks, res.Stats.Chained, engine.Native())
	if res.Err != nil {
		fmt.Printf("error: %v\n", res.Err)
	}
	printRegs(vcpu.Regs())
	for _, addr := range []int{0x10, 0x20} {
		if v := binary.LittleEndian.Uint64(mem.Bytes()[addr:]); v != 0 {
			fmt.Printf("mem[%#x] = %d\n", addr, v)
		}
	}

	if *saveAOT != "" {
		img, err := engine.ExportAOT()
		if err != nil {
			return err
		}
		if err := store.Save(*saveAOT, img); err != nil {
			return err
		}
		fmt.Printf("saved image %s (%d blocks) as %q\n", img.ID, len(img.Entries), *saveAOT)
	}

	if *showProm {
		if err := printMetrics(engine); err != nil {
			return err
		}
	}
	if *showStats {
		return printJSON(engine.GetCompileStats())
	}
	return nil
}

func printMetrics(engine *jit.Engine) error {
	reg := prometheus.NewRegistry()
	if err := reg.Register(metrics.NewCollector(engine, prometheus.Labels{"engine": engine.ID().String()})); err != nil {
		return err
	}
	families, err := reg.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(os.Stdout, mf); err != nil {
			return err
		}
	}
	return nil
}

func printRegs(regs *[ir.NumRegs]uint64) {
	for i, v := range regs {
		if v != 0 {
			fmt.Printf("  r%-2d = %#x (%d)\n", i, v, v)
		}
	}
}

func dump(engine *jit.Engine, prog *program) error {
	for _, b := range prog.sortedBlocks() {
		cb, err := engine.CompileOnly(b)
		if err != nil {
			fmt.Printf("%#x: %v\n", b.Addr, err)
			continue
		}
		fmt.Printf("%#x: %s %d bytes, chain entry %d, exits %v\n",
			b.Addr, cb.ISA, cb.Size, cb.ChainEntry, cb.ExitTargets())
		fmt.Print(hex.Dump(cb.Code))
	}
	return nil
}

func printImages(store *aot.Store) error {
	names, err := store.List()
	if err != nil {
		return err
	}
	type listing struct {
		Name string `json:"name"`
		aot.Summary
	}
	out := make([]listing, 0, len(names))
	for _, name := range names {
		img, err := store.Load(name)
		if err != nil {
			return err
		}
		out = append(out, listing{Name: name, Summary: img.Summary()})
	}
	return printJSON(out)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
