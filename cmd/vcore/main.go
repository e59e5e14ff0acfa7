package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/tangzhangming/vcore/internal/config"
	"github.com/tangzhangming/vcore/internal/machine"
	"github.com/tangzhangming/vcore/internal/mem"
	"github.com/tangzhangming/vcore/internal/monitor"
)

var (
	configPath = flag.String("config", "", "Path to vcore.toml (default: search upward)")
	loadAddr   = flag.Uint64("load", 0, "Guest physical load address for the image")
	entry      = flag.Uint64("entry", 0, "Entry RIP (defaults to load address)")
	maxInstrs  = flag.Uint64("max-instrs", 0, "Stop after this many instructions (0 = no limit)")
	snapshotTo = flag.String("snapshot", "", "Write a machine snapshot to this file on exit")
	restore    = flag.String("restore", "", "Restore a machine snapshot before running")
	noJit      = flag.Bool("no-jit", false, "Disable the JIT, interpret everything")
	monAddr    = flag.String("monitor", "", "JSON-RPC monitor listen address (overrides config)")
)

func main() {
	flag.Parse()

	if flag.NArg() < 1 && *restore == "" {
		fmt.Println("vcore - tiered x86-64 emulator core")
		fmt.Println()
		fmt.Println("Usage: vcore [options] <image.bin>")
		fmt.Println()
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg := loadConfig()
	if *noJit {
		cfg.Jit.Enabled = false
	}
	if *monAddr != "" {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Listen = *monAddr
	}

	logger := buildLogger(cfg)
	defer logger.Sync()

	m, err := machine.New(cfg, logger, mem.ComposedPorts{Port8: mem.NullPorts{}})
	if err != nil {
		logger.Fatal("failed to build machine", zap.Error(err))
	}
	defer m.Close()

	if *restore != "" {
		f, err := os.Open(*restore)
		if err != nil {
			logger.Fatal("failed to open snapshot", zap.Error(err))
		}
		if err := m.LoadSnapshot(f); err != nil {
			f.Close()
			logger.Fatal("failed to restore snapshot", zap.Error(err))
		}
		f.Close()
		logger.Info("snapshot restored", zap.String("path", *restore))
	}

	if flag.NArg() >= 1 {
		image, err := os.ReadFile(flag.Arg(0))
		if err != nil {
			logger.Fatal("failed to read image", zap.Error(err))
		}
		if err := m.LoadImage(*loadAddr, image); err != nil {
			logger.Fatal("failed to load image", zap.Error(err))
		}
		start := *entry
		if start == 0 {
			start = *loadAddr
		}
		m.State().RIP = start
		logger.Info("image loaded",
			zap.Uint64("addr", *loadAddr),
			zap.Int("bytes", len(image)),
			zap.Uint64("entry", start))
	}

	var mu sync.Mutex
	var mon *monitor.Server
	if cfg.Monitor.Enabled {
		mon = monitor.New(m, &mu, logger.Named("monitor"))
		if err := mon.Listen(cfg.Monitor.Listen); err != nil {
			logger.Fatal("monitor failed to start", zap.Error(err))
		}
		go mon.Serve(context.Background())
		defer mon.Close()
	}

	run(m, &mu, mon, logger)
	logStats(m, logger)

	if *snapshotTo != "" {
		f, err := os.Create(*snapshotTo)
		if err != nil {
			logger.Fatal("failed to create snapshot file", zap.Error(err))
		}
		if err := m.SaveSnapshot(f); err != nil {
			f.Close()
			logger.Fatal("failed to write snapshot", zap.Error(err))
		}
		f.Close()
		logger.Info("snapshot written", zap.String("path", *snapshotTo))
	}
}

// run 分片驱动执行循环，片间让出锁给监控命令
func run(m *machine.Machine, mu *sync.Mutex, mon *monitor.Server, logger *zap.Logger) {
	const slice = 65536
	var total uint64
	for {
		budget := uint64(slice)
		if *maxInstrs > 0 {
			remain := *maxInstrs - total
			if remain == 0 {
				logger.Info("instruction limit reached", zap.Uint64("executed", total))
				return
			}
			if remain < budget {
				budget = remain
			}
		}

		mu.Lock()
		if mon != nil && mon.Paused() {
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			continue
		}
		res := m.Run(budget)
		mu.Unlock()
		total += res.Executed

		switch res.Exit {
		case machine.ExitHalted:
			logger.Info("guest halted", zap.Uint64("executed", total))
			return
		case machine.ExitTripleFault:
			logger.Error("triple fault", zap.Uint64("executed", total))
			os.Exit(1)
		}
	}
}

// logStats 收尾时打一条 JIT 统计
func logStats(m *machine.Machine, logger *zap.Logger) {
	rt := m.Runtime()
	if rt == nil {
		return
	}
	logger.Info("jit statistics",
		zap.Uint64("translations", rt.Stats.Translations.Load()),
		zap.Uint64("executions", rt.Stats.Executions.Load()),
		zap.Uint64("deopts", rt.Stats.Deopts.Load()),
		zap.Uint64("invalidations", rt.Stats.Invalidations.Load()),
		zap.Uint64("evictions", rt.Stats.Evictions.Load()),
		zap.Int("cache_blocks", rt.Cache().Len()),
		zap.Uint64("cache_bytes", rt.Cache().Bytes()))
}

func loadConfig() *config.Config {
	path := *configPath
	if path == "" {
		wd, err := os.Getwd()
		if err == nil {
			path = config.FindConfigFile(wd)
		}
	}
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func buildLogger(cfg *config.Config) *zap.Logger {
	var zc zap.Config
	if cfg.Log.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	level := zapcore.InfoLevel
	switch cfg.Log.Level {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	logger, err := zc.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error building logger: %v\n", err)
		os.Exit(1)
	}
	return logger
}
