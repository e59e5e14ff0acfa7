// server.go - JSON-RPC 监控服务
//
// 在 TCP 端口上暴露一组查询与控制方法，协议为 LSP 同款的
// Content-Length 分帧 JSON-RPC。监控与执行循环共用一把锁，
// 命令只会落在两个执行片之间，不会撕裂 CPU 状态。

package monitor

import (
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.uber.org/zap"

	"github.com/tangzhangming/vcore/internal/cpu"
	"github.com/tangzhangming/vcore/internal/machine"
)

// Server 监控服务
type Server struct {
	m   *machine.Machine
	mu  *sync.Mutex // 与执行循环共用
	log *zap.Logger

	ln     net.Listener
	paused bool
}

// New 创建监控服务。mu 必须与驱动执行循环的锁是同一把。
func New(m *machine.Machine, mu *sync.Mutex, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{m: m, mu: mu, log: logger}
}

// Listen 开始监听
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("monitor listen: %w", err)
	}
	s.ln = ln
	s.log.Info("monitor listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Serve 接受连接直到 ctx 取消或监听器关闭
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.serveConn(ctx, conn)
	}
}

// Paused 执行循环是否被监控端暂停。调用方须持有共享锁。
func (s *Server) Paused() bool {
	return s.paused
}

// Close 关闭监听器
func (s *Server) Close() error {
	if s.ln == nil {
		return nil
	}
	return s.ln.Close()
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn) {
	s.log.Debug("monitor client connected", zap.String("remote", nc.RemoteAddr().String()))
	conn := jsonrpc2.NewConn(jsonrpc2.NewStream(nc))
	conn.Go(ctx, s.handle)
	<-conn.Done()
	s.log.Debug("monitor client disconnected", zap.String("remote", nc.RemoteAddr().String()))
}

func (s *Server) handle(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Method() {
	case "vm/status":
		return reply(ctx, s.status(), nil)

	case "vm/registers":
		return reply(ctx, s.registers(), nil)

	case "vm/jitStats":
		return reply(ctx, s.jitStats(), nil)

	case "vm/injectInterrupt":
		var p struct {
			Vector uint8 `json:"vector"`
		}
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
		}
		s.m.InjectInterrupt(p.Vector)
		s.log.Info("interrupt injected",
			zap.Uint8("vector", p.Vector),
			zap.String("name", cpu.VectorName(p.Vector)))
		return reply(ctx, map[string]bool{"ok": true}, nil)

	case "vm/readMemory":
		var p struct {
			Addr uint64 `json:"addr"`
			Len  int    `json:"len"`
		}
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
		}
		if p.Len <= 0 || p.Len > 1<<16 {
			return reply(ctx, nil, fmt.Errorf("%w: len out of range", jsonrpc2.ErrInvalidParams))
		}
		buf := make([]byte, p.Len)
		if err := s.m.RAM().ReadBytes(p.Addr, buf); err != nil {
			return reply(ctx, nil, err)
		}
		return reply(ctx, map[string]string{"data": base64.StdEncoding.EncodeToString(buf)}, nil)

	case "vm/writeRegister":
		var p struct {
			Name  string `json:"name"`
			Value uint64 `json:"value"`
		}
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
		}
		if err := s.writeRegister(p.Name, p.Value); err != nil {
			return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
		}
		return reply(ctx, map[string]bool{"ok": true}, nil)

	case "vm/writeMemory":
		var p struct {
			Addr uint64 `json:"addr"`
			Data string `json:"data"`
		}
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
		}
		buf, err := base64.StdEncoding.DecodeString(p.Data)
		if err != nil {
			return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
		}
		if err := s.m.RAM().WriteBytes(p.Addr, buf); err != nil {
			return reply(ctx, nil, err)
		}
		return reply(ctx, map[string]bool{"ok": true}, nil)

	case "vm/step":
		var p struct {
			Count uint64 `json:"count"`
		}
		if len(req.Params()) > 0 {
			if err := json.Unmarshal(req.Params(), &p); err != nil {
				return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
			}
		}
		if p.Count == 0 {
			p.Count = 1
		}
		res := s.m.Run(p.Count)
		return reply(ctx, map[string]interface{}{
			"executed": res.Executed,
			"exit":     res.Exit.String(),
		}, nil)

	case "vm/pause":
		s.paused = true
		return reply(ctx, map[string]bool{"ok": true}, nil)

	case "vm/continue":
		s.paused = false
		return reply(ctx, map[string]bool{"ok": true}, nil)

	case "vm/snapshot":
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(req.Params(), &p); err != nil {
			return reply(ctx, nil, fmt.Errorf("%w: %s", jsonrpc2.ErrInvalidParams, err))
		}
		if err := s.writeSnapshot(p.Path); err != nil {
			return reply(ctx, nil, err)
		}
		s.log.Info("snapshot written via monitor", zap.String("path", p.Path))
		return reply(ctx, map[string]bool{"ok": true}, nil)

	case "vm/reset":
		s.m.Reset()
		return reply(ctx, map[string]bool{"ok": true}, nil)

	default:
		return reply(ctx, nil, jsonrpc2.ErrMethodNotFound)
	}
}

// writeRegister 按名字写通用寄存器或 RIP
func (s *Server) writeRegister(name string, v uint64) error {
	st := s.m.State()
	if name == "rip" {
		st.RIP = v
		return nil
	}
	for i, n := range gprNames {
		if n == name {
			st.GPR[i] = v
			return nil
		}
	}
	return fmt.Errorf("unknown register %q", name)
}

// writeSnapshot 把整机快照写到目标文件
func (s *Server) writeSnapshot(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot file: %w", err)
	}
	if err := s.m.SaveSnapshot(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// statusPayload vm/status 的响应体
type statusPayload struct {
	RIP       uint64 `json:"rip"`
	Mode      string `json:"mode"`
	Halted    bool   `json:"halted"`
	Pending   int    `json:"pending_interrupts"`
	DroppedI  uint64 `json:"dropped_interrupts"`
	DroppedF  uint64 `json:"dropped_frames"`
	FrameTop  int    `json:"frame_depth"`
	A20Enable bool   `json:"a20_enabled"`
}

func (s *Server) status() statusPayload {
	st := s.m.State()
	ev := s.m.Events()
	return statusPayload{
		RIP:       st.RIP,
		Mode:      st.Mode.String(),
		Halted:    st.Halted,
		Pending:   ev.PendingExternalCount(),
		DroppedI:  ev.DroppedInts,
		DroppedF:  ev.DroppedFrame,
		FrameTop:  ev.FrameDepth(),
		A20Enable: st.A20Enabled,
	}
}

// gprNames 架构编码顺序的寄存器名
var gprNames = [...]string{"rax", "rcx", "rdx", "rbx", "rsp", "rbp", "rsi", "rdi",
	"r8", "r9", "r10", "r11", "r12", "r13", "r14", "r15"}

func (s *Server) registers() map[string]uint64 {
	st := s.m.State()
	regs := map[string]uint64{
		"rip":    st.RIP,
		"rflags": st.RFlagsSnapshot(),
	}
	for i, n := range gprNames {
		regs[n] = st.GPR[i]
	}
	return regs
}

type jitStatsPayload struct {
	Enabled       bool   `json:"enabled"`
	Translations  uint64 `json:"translations"`
	Executions    uint64 `json:"executions"`
	Deopts        uint64 `json:"deopts"`
	Invalidations uint64 `json:"invalidations"`
	Evictions     uint64 `json:"evictions"`
	CacheBlocks   int    `json:"cache_blocks"`
	CacheBytes    uint64 `json:"cache_bytes"`
}

func (s *Server) jitStats() jitStatsPayload {
	rt := s.m.Runtime()
	if rt == nil {
		return jitStatsPayload{}
	}
	return jitStatsPayload{
		Enabled:       true,
		Translations:  rt.Stats.Translations.Load(),
		Executions:    rt.Stats.Executions.Load(),
		Deopts:        rt.Stats.Deopts.Load(),
		Invalidations: rt.Stats.Invalidations.Load(),
		Evictions:     rt.Stats.Evictions.Load(),
		CacheBlocks:   rt.Cache().Len(),
		CacheBytes:    rt.Cache().Bytes(),
	}
}
