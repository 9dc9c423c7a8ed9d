// Package dispatch 驱动 relay 发起的每一条 dispatch 请求走完固定的
// ack 状态序列: accepted → running → completed|failed。
package dispatch

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/durangohq/bridge/internal/binding"
	"github.com/durangohq/bridge/internal/codex"
	"github.com/durangohq/bridge/internal/hydrate"
	apperrors "github.com/durangohq/bridge/pkg/errors"
	"github.com/durangohq/bridge/pkg/logger"
	"github.com/durangohq/bridge/pkg/util"
)

// Action 枚举 relay 可以派发的操作种类。
const (
	ActionThreadStart   = "thread.start"
	ActionThreadHydrate = "thread.hydrate"
	ActionTurnStart     = "turn.start"
	ActionModelList     = "model.list"
	ActionTurnInterrupt = "turn.interrupt"
)

// model.list 不接受分页参数, 固定用这两个值翻页: 每页 50 条, 最多 20 页。
const (
	defaultModelListLimit    = 50
	defaultModelListMaxPages = 20
)

// Request 是一条入站 dispatch 请求。
type Request struct {
	ID       string          `json:"id"`
	Action   string          `json:"action"`
	ThreadID string          `json:"threadId,omitempty"`
	TurnID   string          `json:"turnId,omitempty"`
	Params   json.RawMessage `json:"params,omitempty"`
}

// TurnStartParams 是 turn.start 动作的参数形状。
type TurnStartParams struct {
	Prompt      string       `json:"prompt,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// Attachment 是 relay 内联发来的一个待物化附件: 文件名 + base64 编码内容。
// Kind 为 "image" 时作为本地图片输入项发给 agent, 否则作为文件提及。
type Attachment struct {
	Name       string `json:"name"`
	Kind       string `json:"kind,omitempty"`
	DataBase64 string `json:"dataBase64"`
}

// AckStatus 枚举 ack 序列里合法的状态值。
const (
	StatusAccepted  = "accepted"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Ack 是发往 relay 的一条 dispatch 状态更新。
type Ack struct {
	DispatchID string `json:"dispatchId"`
	Status     string `json:"status"`
	Error      string `json:"error,omitempty"`
	Result     any    `json:"result,omitempty"`
}

// AckSink 接收 dispatch 状态更新, 由 Relay Link 实现 (写回 WebSocket)。
type AckSink func(Ack)

// AttachmentDir 是附件物化的根目录, 由调用方在创建 Coordinator 前设置。
var AttachmentDir = os.TempDir()

// Coordinator 把一条 dispatch 请求翻译成对本地 agent 的调用, 并发出
// accepted → running → completed|failed 的 ack 序列。
type Coordinator struct {
	agent   *codex.Client
	binding *binding.Map
	ack     AckSink
}

// New 创建一个绑定到给定 agent client 的 Coordinator。
func New(agent *codex.Client, bindings *binding.Map, ack AckSink) *Coordinator {
	return &Coordinator{agent: agent, binding: bindings, ack: ack}
}

// sequence 跟踪一次 dispatch 调用发出的 ack 顺序是否合法, 仅用于内部断言 —
// 状态只能沿 accepted → running → 终态 前进, 回退或重复的 ack 被丢弃;
// 跳过 running 直接从 accepted 进入终态不会被拒绝。
type sequence struct {
	id    string
	stage int // 0=not started, 1=accepted, 2=running, 3=terminal
	sink  AckSink
}

func (s *sequence) emit(status, errMsg string, result any) {
	var want int
	switch status {
	case StatusAccepted:
		want = 1
	case StatusRunning:
		want = 2
	case StatusCompleted, StatusFailed:
		want = 3
	}
	if want <= s.stage {
		logger.Error("dispatch: ack out of order",
			logger.FieldDispatchID, s.id,
			logger.FieldStatus, status,
			logger.FieldError, apperrors.ErrAckOutOfOrder,
		)
		return
	}
	s.stage = want
	s.sink(Ack{DispatchID: s.id, Status: status, Error: errMsg, Result: result})
}

// Handle 执行一条 dispatch 请求。任何 panic 或未捕获错误都会被转化为
// 一个终态 failed ack, 绝不会让序列悬挂在 accepted/running。
func (c *Coordinator) Handle(req Request) {
	seq := &sequence{id: req.ID, sink: c.ack}
	seq.emit(StatusAccepted, "", nil)

	defer func() {
		if r := recover(); r != nil {
			seq.emit(StatusFailed, "internal error", nil)
			logger.Error("dispatch: panic recovered",
				logger.FieldDispatchID, req.ID,
				logger.FieldDispatchAction, req.Action,
				"panic", r,
			)
		}
	}()

	seq.emit(StatusRunning, "", nil)

	result, err := c.run(req)
	if err != nil {
		seq.emit(StatusFailed, err.Error(), nil)
		return
	}
	seq.emit(StatusCompleted, "", result)
}

func (c *Coordinator) run(req Request) (any, error) {
	switch req.Action {
	case ActionThreadStart:
		return c.threadStart(req)
	case ActionThreadHydrate:
		return c.threadHydrate(req)
	case ActionTurnStart:
		return c.turnStart(req)
	case ActionModelList:
		return c.modelList()
	case ActionTurnInterrupt:
		return nil, c.turnInterrupt(req)
	default:
		return nil, apperrors.Newf("Coordinator.run", "unknown dispatch action %q", req.Action)
	}
}

func (c *Coordinator) threadStart(req Request) (any, error) {
	var params struct {
		Cwd         string       `json:"cwd"`
		Model       string       `json:"model"`
		Prompt      string       `json:"prompt,omitempty"`
		Attachments []Attachment `json:"attachments,omitempty"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, apperrors.Wrap(err, "Coordinator.threadStart", "decode params")
		}
	}
	agentThreadID, err := c.agent.ThreadStart(params.Cwd, params.Model)
	if err != nil {
		return nil, err
	}
	if err := c.binding.Bind(agentThreadID, req.ThreadID); err != nil {
		return nil, err
	}
	input, err := buildTurnInput(TurnStartParams{Prompt: params.Prompt, Attachments: params.Attachments}, AttachmentDir, req.ID)
	if err != nil {
		return nil, err
	}
	if _, err := c.agent.TurnStart(agentThreadID, input); err != nil {
		return nil, err
	}
	return map[string]string{"codexThreadId": agentThreadID, "state": "started"}, nil
}

func (c *Coordinator) threadHydrate(req Request) (any, error) {
	var params struct {
		CodexThreadID string `json:"codexThreadId"`
	}
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, apperrors.Wrap(err, "Coordinator.threadHydrate", "decode params")
		}
	}
	agentThreadID := util.FirstNonEmpty(params.CodexThreadID, req.ThreadID)
	if err := c.binding.Bind(agentThreadID, req.ThreadID); err != nil {
		return nil, err
	}
	raw, err := c.agent.ThreadRead(agentThreadID)
	if err != nil {
		return nil, err
	}
	events := hydrate.Hydrate(raw)
	return map[string]any{"state": "hydrated", "importedItemCount": len(events)}, nil
}

func (c *Coordinator) turnStart(req Request) (any, error) {
	var params TurnStartParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, apperrors.Wrap(err, "Coordinator.turnStart", "decode params")
		}
	}
	input, err := buildTurnInput(params, AttachmentDir, req.ID)
	if err != nil {
		return nil, err
	}
	if _, err := c.agent.TurnStart(req.ThreadID, input); err != nil {
		return nil, err
	}
	return map[string]string{"state": "started"}, nil
}

// buildTurnInput 把 dispatch 参数转换成 agent 输入项: trim 后的 prompt (若非空)
// 产出一个 text 项, 随后每个附件被物化到
// <baseDir>/.durango/uploads/<requestID>/<NN-safeName>, kind="image" 的附件
// 产出 localImage 输入项, 其余产出 mention 输入项。
func buildTurnInput(params TurnStartParams, baseDir, requestID string) ([]codex.TurnInput, error) {
	var input []codex.TurnInput
	prompt := strings.TrimSpace(params.Prompt)
	if prompt != "" {
		input = append(input, codex.TextInput(prompt))
	}
	uploadDir := filepath.Join(baseDir, ".durango", "uploads", requestID)
	for i, att := range params.Attachments {
		path, err := materializeAttachment(uploadDir, i+1, att)
		if err != nil {
			return nil, err
		}
		if strings.EqualFold(att.Kind, "image") {
			input = append(input, codex.LocalImageInput(path))
		} else {
			input = append(input, codex.TurnInput{Type: "mention", Name: att.Name, Path: path})
		}
	}
	if len(input) == 0 {
		return nil, apperrors.New("buildTurnInput", "turn/start requires prompt text or at least one attachment.")
	}
	return input, nil
}

// materializeAttachment 把一个附件写到 dir/NN-safeName, NN 为 1 起始的
// 两位零填充序号, safeName 是消毒后的 basename。
func materializeAttachment(dir string, index int, att Attachment) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperrors.Wrap(err, "materializeAttachment", "mkdir attachment dir")
	}
	filename := fmt.Sprintf("%02d-%s", index, util.SanitizeFilename(att.Name))
	dest := filepath.Join(dir, filename)
	data, err := base64.StdEncoding.DecodeString(att.DataBase64)
	if err != nil {
		return "", apperrors.Wrap(err, "materializeAttachment", "decode base64 content")
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", apperrors.Wrap(err, "materializeAttachment", "write attachment file")
	}
	return dest, nil
}

func (c *Coordinator) modelList() (any, error) {
	models, err := c.agent.ListModels(defaultModelListLimit, defaultModelListMaxPages)
	if err != nil {
		return nil, err
	}
	return map[string]any{"models": models}, nil
}

func (c *Coordinator) turnInterrupt(req Request) error {
	return c.agent.TurnInterrupt(req.ThreadID, req.TurnID)
}
