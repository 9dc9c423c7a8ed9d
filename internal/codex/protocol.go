// protocol.go — agent JSON-RPC 方法的类型化封装: initialize, thread/*, turn/*。
package codex

import (
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"

	apperrors "github.com/durangohq/bridge/pkg/errors"
	"github.com/durangohq/bridge/pkg/logger"
	"github.com/durangohq/bridge/pkg/util"
)

const (
	maxListLimit = 100
	maxListPages = 20
)

// Client 是到单个本地 agent 进程的句柄: 一个传输 + 一个可选的子进程。
type Client struct {
	Addr string
	Cmd  *exec.Cmd

	transport *Transport

	activeThreadID atomic.Value // string
}

// NewClient 包装一个已建立的 Transport。
func NewClient(addr string, transport *Transport) *Client {
	return &Client{Addr: addr, transport: transport}
}

// Transport 返回底层 JSON-RPC 传输 (例如用于监听其 Fatal channel)。
func (c *Client) Transport() *Transport { return c.transport }

// Initialize 执行 JSON-RPC initialize 握手。
func (c *Client) Initialize() error {
	result, err := c.transport.call("initialize", map[string]any{
		"clientInfo": map[string]any{
			"name":    "durango-bridge",
			"version": "1.0",
		},
		"capabilities": map[string]any{
			"experimentalApi": true,
		},
	})
	if err != nil {
		return apperrors.Wrap(err, "Client.Initialize", "initialize")
	}
	logger.Info("codex: initialized", "server_caps", string(result))
	return nil
}

// threadStartParams 是 thread/start 的入参 — 默认值遵循 bridge 侧的固定策略:
// 完全自动化运行, 从不停下来等待人工批准。
type threadStartParams struct {
	Cwd                   string `json:"cwd,omitempty"`
	Model                 string `json:"model,omitempty"`
	ApprovalPolicy        string `json:"approvalPolicy"`
	Sandbox               string `json:"sandbox"`
	ExperimentalRawEvents bool   `json:"experimentalRawEvents"`
}

// ThreadStart 创建一个新的 agent thread, 返回 agent 侧的 thread id。
func (c *Client) ThreadStart(cwd, model string) (string, error) {
	result, err := c.transport.call("thread/start", threadStartParams{
		Cwd:                   cwd,
		Model:                 model,
		ApprovalPolicy:        "never",
		Sandbox:               "danger-full-access",
		ExperimentalRawEvents: true,
	})
	if err != nil {
		return "", apperrors.Wrap(err, "Client.ThreadStart", "thread/start")
	}
	var resp struct {
		Thread struct {
			ID string `json:"id"`
		} `json:"thread"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrapf(err, "Client.ThreadStart", "decode (raw: %s)", result)
	}
	if resp.Thread.ID == "" {
		return "", apperrors.Newf("Client.ThreadStart", "empty thread id (raw: %s)", result)
	}
	c.activeThreadID.Store(resp.Thread.ID)
	return resp.Thread.ID, nil
}

// ThreadRead 获取完整的 thread 历史 (turns + items), 用于 Hydration Engine。
func (c *Client) ThreadRead(threadID string) (json.RawMessage, error) {
	result, err := c.transport.call("thread/read", map[string]any{
		"threadId":    threadID,
		"includeTurns": true,
	})
	if err != nil {
		return nil, apperrors.Wrapf(err, "Client.ThreadRead", "thread/read %s", threadID)
	}
	return result, nil
}

// ThreadInfo 是 listThreads 分页响应的单条记录。
type ThreadInfo struct {
	ID        string `json:"id"`
	Cwd       string `json:"cwd"`
	Title     string `json:"title"`
	UpdatedAt string `json:"updatedAt"`
}

// ListThreads 遍历分页游标, 最多翻 maxPages 页 (clamp 到 [1,20]), 每页
// limit clamp 到 [1,100]。
func (c *Client) ListThreads(limit, maxPages int) ([]ThreadInfo, error) {
	limit = util.ClampInt(limit, 1, maxListLimit)
	maxPages = util.ClampInt(maxPages, 1, maxListPages)
	var all []ThreadInfo
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := map[string]any{"limit": limit}
		if cursor != "" {
			params["cursor"] = cursor
		}
		result, err := c.transport.call("listThreads", params)
		if err != nil {
			return all, apperrors.Wrap(err, "Client.ListThreads", "listThreads")
		}
		var resp struct {
			Threads    []ThreadInfo `json:"threads"`
			NextCursor string       `json:"nextCursor"`
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			return all, apperrors.Wrapf(err, "Client.ListThreads", "decode page %d", page)
		}
		all = append(all, resp.Threads...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return all, nil
}

// ModelInfo 是 listModels 的单条记录。
type ModelInfo struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// ListModels 遍历分页游标返回可用模型列表, 最多翻 maxPages 页 (clamp 到
// [1,20]), 每页 limit clamp 到 [1,100]。
func (c *Client) ListModels(limit, maxPages int) ([]ModelInfo, error) {
	limit = util.ClampInt(limit, 1, maxListLimit)
	maxPages = util.ClampInt(maxPages, 1, maxListPages)
	var all []ModelInfo
	cursor := ""
	for page := 0; page < maxPages; page++ {
		params := map[string]any{"limit": limit}
		if cursor != "" {
			params["cursor"] = cursor
		}
		result, err := c.transport.call("listModels", params)
		if err != nil {
			return all, apperrors.Wrap(err, "Client.ListModels", "listModels")
		}
		var resp struct {
			Models     []ModelInfo `json:"models"`
			NextCursor string      `json:"nextCursor"`
		}
		if err := json.Unmarshal(result, &resp); err != nil {
			return all, apperrors.Wrapf(err, "Client.ListModels", "decode page %d", page)
		}
		all = append(all, resp.Models...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}
	return all, nil
}

// TurnInput 是一个 turn/start 输入项, 种类遵循 agent 协议:
// text / localImage / image-url / mention / skill。
type TurnInput struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	URL  string `json:"url,omitempty"`
	Path string `json:"path,omitempty"`
	Name string `json:"name,omitempty"`
}

// TextInput 构造一个纯文本输入项。
func TextInput(text string) TurnInput { return TurnInput{Type: "text", Text: text} }

// LocalImageInput 构造一个本地图片附件输入项。
func LocalImageInput(path string) TurnInput { return TurnInput{Type: "localImage", Path: path} }

// ImageURLInput 构造一个远程图片输入项。
func ImageURLInput(url string) TurnInput { return TurnInput{Type: "image-url", URL: url} }

// MentionInput 构造一个文件提及输入项; name 取自路径 basename。
func MentionInput(path string) TurnInput {
	name := strings.TrimSpace(filepath.Base(path))
	if name == "" || name == "." {
		name = "file"
	}
	return TurnInput{Type: "mention", Path: path, Name: name}
}

// SkillInput 构造一个技能调用输入项。
func SkillInput(name string) TurnInput { return TurnInput{Type: "skill", Name: name} }

// TurnStart 在指定 thread 上发起一个新 turn。input 必须至少有一项。
func (c *Client) TurnStart(threadID string, input []TurnInput) (string, error) {
	if len(input) == 0 {
		return "", apperrors.New("Client.TurnStart", "input must contain at least one item")
	}
	result, err := c.transport.call("turn/start", map[string]any{
		"threadId": threadID,
		"input":    input,
	})
	if err != nil {
		return "", apperrors.Wrap(err, "Client.TurnStart", "turn/start")
	}
	var resp struct {
		Turn struct {
			ID string `json:"id"`
		} `json:"turn"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrapf(err, "Client.TurnStart", "decode (raw: %s)", result)
	}
	return resp.Turn.ID, nil
}

// TurnInterrupt 请求中断一个进行中的 turn。
func (c *Client) TurnInterrupt(threadID, turnID string) error {
	_, err := c.transport.call("turn/interrupt", map[string]any{
		"threadId": threadID,
		"turnId":   turnID,
	})
	if err != nil {
		return apperrors.Wrap(err, "Client.TurnInterrupt", "turn/interrupt")
	}
	return nil
}

// GetAuthStatus 查询 agent 登录态。
func (c *Client) GetAuthStatus() (string, error) {
	result, err := c.transport.call("getAuthStatus", map[string]any{})
	if err != nil {
		return "", apperrors.Wrap(err, "Client.GetAuthStatus", "getAuthStatus")
	}
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(result, &resp); err != nil {
		return "", apperrors.Wrapf(err, "Client.GetAuthStatus", "decode (raw: %s)", result)
	}
	return resp.Status, nil
}

// ActiveThreadID 返回最近一次 ThreadStart 建立的 thread id, 若无则为空。
func (c *Client) ActiveThreadID() string {
	v, _ := c.activeThreadID.Load().(string)
	return v
}

// Close 断开底层传输。
func (c *Client) Close() error {
	if c.transport == nil {
		return nil
	}
	return c.transport.Close()
}
