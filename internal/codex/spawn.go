// spawn.go — agent 进程的探测、启动与连接。
package codex

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"

	apperrors "github.com/durangohq/bridge/pkg/errors"
	"github.com/durangohq/bridge/pkg/logger"
)

// SpawnOptions 配置一次 agent 连接建立。
type SpawnOptions struct {
	Bin     string // codex 可执行文件路径 (DURANGO_CODEX_BIN)
	Addr    string // 期望监听地址, 例如 "127.0.0.1:4598"
	AgentID string // 用于日志关联
}

// Connect 按以下顺序建立到 agent 的连接:
//  1. 探测 Addr 是否已有 agent-server 在监听 — 若有, 直接复用 (Probe)。
//  2. 否则 spawn 一个新的 "codex app-server --listen" 子进程, 等待其监听后连接。
//
// 返回的 Client 持有传输句柄; 若本函数 spawn 了子进程, Client.Cmd 非空,
// 调用方负责在 shutdown 时向其发送 SIGTERM。
func Connect(ctx context.Context, opts SpawnOptions, onNotify NotificationHandler) (*Client, error) {
	if Probe(opts.Addr) {
		logger.Info("codex: reusing already-running agent", logger.FieldPath, opts.Addr)
		transport := NewTransport(opts.Addr, onNotify)
		if err := transport.Connect(ctx); err != nil {
			return nil, apperrors.Wrap(err, "Connect", "connect to existing agent")
		}
		return NewClient(opts.Addr, transport), nil
	}

	cmd, err := spawnProcess(opts)
	if err != nil {
		return nil, apperrors.Wrap(err, "Connect", "spawn agent process")
	}

	transport := NewTransport(opts.Addr, onNotify)
	if err := transport.Connect(ctx); err != nil {
		_ = killProcess(cmd)
		return nil, apperrors.Wrap(err, "Connect", "connect to spawned agent")
	}

	client := NewClient(opts.Addr, transport)
	client.Cmd = cmd
	return client, nil
}

func spawnProcess(opts SpawnOptions) (*exec.Cmd, error) {
	bin := strings.TrimSpace(opts.Bin)
	if bin == "" {
		bin = "codex"
	}
	listenURL := fmt.Sprintf("ws://%s", opts.Addr)

	// 使用 exec.Command 而非 exec.CommandContext — 子进程生命周期独立于
	// 连接建立阶段的 ctx, 由调用方在进程关闭序列中显式终止。
	cmd := exec.Command(bin, "app-server", "--listen", listenURL)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Env = os.Environ()
	cmd.Stdout = io.Discard
	cmd.Stderr = logger.NewStderrCollector(fmt.Sprintf("codex-%s", opts.AgentID))

	if err := cmd.Start(); err != nil {
		return nil, apperrors.Wrap(err, "spawnProcess", "start codex app-server")
	}
	logger.Info("codex: spawned app-server",
		logger.FieldAgentID, opts.AgentID,
		logger.FieldPath, opts.Addr,
		"pid", cmd.Process.Pid,
	)
	return cmd, nil
}

// killProcess sends SIGTERM to the process group, falling back to SIGKILL
// on the process only if the SIGTERM cannot be delivered; it does not wait
// for the process to exit. Used both on spawn failure and on the owning
// process's shutdown sequence.
func killProcess(cmd *exec.Cmd) error {
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	pgid := cmd.Process.Pid
	if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
		return cmd.Process.Kill()
	}
	return nil
}

// Shutdown terminates a spawned agent process, if this Client owns one.
func (c *Client) Shutdown() error {
	_ = c.Close()
	if c.Cmd == nil {
		return nil
	}
	return killProcess(c.Cmd)
}
