// Package config 实现 vcore 虚拟机配置的加载与校验
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"
)

// 常量定义
const (
	ConfigFileName = "vcore.toml" // 配置文件名

	DefaultRAMSize = 64 << 20 // 默认客户机内存 64 MiB
)

// Config 虚拟机配置
type Config struct {
	Machine MachineConfig `toml:"machine"`
	Jit     JitConfig     `toml:"jit"`
	Monitor MonitorConfig `toml:"monitor"`
	Log     LogConfig     `toml:"log"`
}

// MachineConfig 虚拟机主体配置
type MachineConfig struct {
	// RAMSize 客户机物理内存字节数
	RAMSize uint64 `toml:"ram_size"`

	// Bitness 初始执行位宽（16/32/64）
	Bitness int `toml:"bitness"`

	// BatchSize 解释器单批指令上限
	BatchSize int `toml:"batch_size"`
}

// JitConfig 分层编译配置
type JitConfig struct {
	// Enabled 关掉后只走解释器
	Enabled bool `toml:"enabled"`

	// InterpretThreshold 解释多少次后做 Tier-1 编译
	InterpretThreshold uint64 `toml:"interpret_threshold"`

	// HotBlockThreshold 块计数超过多少后做 Tier-2 踪迹编译
	HotBlockThreshold uint64 `toml:"hot_block_threshold"`

	// MaxCacheBlocks 编译块缓存的块数上限
	MaxCacheBlocks int `toml:"max_cache_blocks"`

	// MaxCacheBytes 编译块缓存的客户机字节上限，0 不限
	MaxCacheBytes uint64 `toml:"max_cache_bytes"`
}

// MonitorConfig 监控服务配置
type MonitorConfig struct {
	// Enabled 是否开启 JSON-RPC 监控端口
	Enabled bool `toml:"enabled"`

	// Listen 监听地址，如 127.0.0.1:4444
	Listen string `toml:"listen"`
}

// LogConfig 日志配置
type LogConfig struct {
	// Level debug/info/warn/error
	Level string `toml:"level"`

	// Development 开发模式（彩色、逐行）
	Development bool `toml:"development"`
}

// Default 默认配置
func Default() *Config {
	return &Config{
		Machine: MachineConfig{
			RAMSize:   DefaultRAMSize,
			Bitness:   64,
			BatchSize: 128,
		},
		Jit: JitConfig{
			Enabled:            true,
			InterpretThreshold: 3,
			HotBlockThreshold:  64,
			MaxCacheBlocks:     4096,
			MaxCacheBytes:      1 << 20,
		},
		Monitor: MonitorConfig{
			Enabled: false,
			Listen:  "127.0.0.1:4444",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load 从文件加载配置，缺失字段取默认值
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Default()
	if err := toml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Save 保存配置到文件
func (c *Config) Save(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// Validate 聚合所有配置错误一次返回
func (c *Config) Validate() error {
	var err error

	if c.Machine.RAMSize == 0 {
		err = multierr.Append(err, fmt.Errorf("machine.ram_size must be positive"))
	}
	if c.Machine.RAMSize&0xfff != 0 {
		err = multierr.Append(err, fmt.Errorf("machine.ram_size must be page-aligned, got %d", c.Machine.RAMSize))
	}
	switch c.Machine.Bitness {
	case 16, 32, 64:
	default:
		err = multierr.Append(err, fmt.Errorf("machine.bitness must be 16, 32 or 64, got %d", c.Machine.Bitness))
	}
	if c.Machine.BatchSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("machine.batch_size must be positive, got %d", c.Machine.BatchSize))
	}

	if c.Jit.Enabled {
		if c.Jit.InterpretThreshold == 0 {
			err = multierr.Append(err, fmt.Errorf("jit.interpret_threshold must be positive"))
		}
		if c.Jit.MaxCacheBlocks <= 0 {
			err = multierr.Append(err, fmt.Errorf("jit.max_cache_blocks must be positive, got %d", c.Jit.MaxCacheBlocks))
		}
	}

	if c.Monitor.Enabled && !strings.Contains(c.Monitor.Listen, ":") {
		err = multierr.Append(err, fmt.Errorf("monitor.listen must be host:port, got %q", c.Monitor.Listen))
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		err = multierr.Append(err, fmt.Errorf("log.level must be debug/info/warn/error, got %q", c.Log.Level))
	}
	return err
}

// FindConfigFile 从指定路径向上查找配置文件
// 返回配置文件的完整路径，如果找不到则返回空字符串
func FindConfigFile(startPath string) string {
	info, err := os.Stat(startPath)
	if err != nil {
		return ""
	}

	var dir string
	if info.IsDir() {
		dir = startPath
	} else {
		dir = filepath.Dir(startPath)
	}

	dir, err = filepath.Abs(dir)
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
