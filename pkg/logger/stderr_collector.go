package logger

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"regexp"
	"strings"
)

// StderrCollector 将 agent 子进程的 stderr 逐行转为 slog 日志。
//
// 实现 io.Writer 接口，可直接赋给 exec.Cmd.Stderr。
// 内部使用 goroutine + bufio.Scanner 逐行读取。每行先去除 ANSI 转义序列、
// 折叠空白、转小写, 再与已知的无害子串匹配 — 匹配上的行被抑制 (agent 在
// stale rollout 场景下产生的噪声警告), 其余行照常上报为诊断日志。
type StderrCollector struct {
	pr      *io.PipeReader
	pw      *io.PipeWriter
	agentID string
	done    chan struct{}
}

// NewStderrCollector 创建 StderrCollector。agentID 关联日志行。
func NewStderrCollector(agentID string) *StderrCollector {
	pr, pw := io.Pipe()
	c := &StderrCollector{
		pr:      pr,
		pw:      pw,
		agentID: agentID,
		done:    make(chan struct{}),
	}
	go c.scan()
	return c
}

// Write 实现 io.Writer — exec.Cmd.Stderr 直接写入。
func (c *StderrCollector) Write(p []byte) (int, error) {
	return c.pw.Write(p)
}

// Close 关闭 writer 端，等待 scanner 完成。
func (c *StderrCollector) Close() error {
	_ = c.pw.Close()
	<-c.done
	return nil
}

// benignStderrSubstrings 是已知无害告警的规范化 (小写、空白折叠) 子串。
// 均来自 agent 在恢复已存在 rollout 文件时打印的非致命警告, 出现在正常
// 运行中不代表任何故障。
var benignStderrSubstrings = []string{
	"rollout file is stale, starting a fresh session",
	"warning: discarding stale rollout state",
	"resuming from a stale session file",
}

var ansiEscapeRe = regexp.MustCompile("\x1b\\[[0-9;]*[a-zA-Z]")

func normalizeStderrLine(line string) string {
	stripped := ansiEscapeRe.ReplaceAllString(line, "")
	collapsed := strings.Join(strings.Fields(stripped), " ")
	return strings.ToLower(collapsed)
}

func isBenignStderrLine(line string) bool {
	normalized := normalizeStderrLine(line)
	for _, substr := range benignStderrSubstrings {
		if strings.Contains(normalized, substr) {
			return true
		}
	}
	return false
}

// scan 后台逐行读取 stderr → slog。
func (c *StderrCollector) scan() {
	defer close(c.done)
	defer func() { _ = c.pr.Close() }()

	scanner := bufio.NewScanner(c.pr)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		if isBenignStderrLine(line) {
			continue
		}

		level := slog.LevelInfo
		if containsErrorKeyword(line) {
			level = slog.LevelError
		}

		getLogger().Log(context.Background(), level, line,
			FieldSource, "codex",
			FieldComponent, "stderr",
			FieldAgentID, c.agentID,
			"logger", "codex.stderr",
		)
	}

	if err := scanner.Err(); err != nil {
		getLogger().Log(context.Background(), slog.LevelError, "stderr collector scan failed",
			FieldSource, "codex",
			FieldComponent, "stderr",
			FieldAgentID, c.agentID,
			"logger", "codex.stderr",
			"error", err.Error(),
		)
	}
}

// containsErrorKeyword 判断 stderr 行中是否包含错误关键词 (大小写不敏感)。
func containsErrorKeyword(line string) bool {
	lower := strings.ToLower(line)
	return strings.Contains(lower, "error") ||
		strings.Contains(lower, "panic") ||
		strings.Contains(lower, "fatal")
}
