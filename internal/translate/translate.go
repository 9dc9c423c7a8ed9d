// Package translate 将 agent 发出的异构事件/条目翻译为固定的六变体
// downstream item 模式, 供 relay 侧渲染。
package translate

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Item 种类, 固定为六种 — relay 的时间线渲染器只认识这六种。
const (
	KindUserMessage      = "userMessage"
	KindAgentMessage     = "agentMessage"
	KindReasoning        = "reasoning"
	KindCommandExecution = "commandExecution"
	KindFileChange       = "fileChange"
	KindPlan             = "plan"
)

// Item 是固定的下游 item 模式。Kind 决定哪些字段有意义;
// 未使用的字段保持零值, 序列化时被 omitempty 省略。每个 item 都携带
// {id, turnId, timestamp}, 用于 relay 侧的去重与回放排序。
type Item struct {
	Kind      string   `json:"kind"`
	ID        string   `json:"id,omitempty"`
	TurnID    string   `json:"turnId,omitempty"`
	Timestamp int64    `json:"timestamp,omitempty"`
	Text      string   `json:"text,omitempty"`
	Summary   []string `json:"summary,omitempty"`
	Command   string   `json:"command,omitempty"`
	ExitCode  *int     `json:"exitCode,omitempty"`
	Files     []string `json:"files,omitempty"`
	Status    string   `json:"status,omitempty"`
}

// rawEvent 是对上游事件/条目的宽松解析外壳; 字段名兼容多种大小写/别名,
// 因为不同上游版本 (item/started, item/completed, 原始事件) 对同一概念
// 使用不同的键名。
type rawEvent struct {
	Type         string          `json:"type"`
	ItemType     string          `json:"itemType"`
	Kind         string          `json:"kind"`
	Delta        string          `json:"delta"`
	Text         string          `json:"text"`
	Content      json.RawMessage `json:"content"`
	Output       string          `json:"output"`
	Message      string          `json:"message"`
	Command      string          `json:"command"`
	Cmd          string          `json:"cmd"`
	ExitCode     *int            `json:"exitCode"`
	ExitCodeSnak *int            `json:"exit_code"`
	Files        []string        `json:"files"`
	Paths        []string        `json:"paths"`
	Status       string          `json:"status"`
	Role         string          `json:"role"`
	Summary      json.RawMessage `json:"summary"`
}

// Translate 接收一个上游通知/条目的原始 JSON 负载, 返回零个或多个
// downstream item。大多数上游事件映射到恰好一个 item; 有些 (如不含
// 可渲染内容的生命周期通知) 映射到零个, 调用方应当直接跳过。
func Translate(payload json.RawMessage) []Item {
	var ev rawEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil
	}

	kind := classify(ev)
	if kind == "" {
		return nil
	}

	items := buildItems(kind, ev)
	for i := range items {
		items[i].ID = uuid.NewString()
	}
	return items
}

func buildItems(kind string, ev rawEvent) []Item {
	switch kind {
	case KindUserMessage:
		text := extractText(ev)
		if text == "" {
			return nil
		}
		return []Item{{Kind: KindUserMessage, Text: text}}

	case KindAgentMessage:
		text := extractText(ev)
		if text == "" {
			return nil
		}
		return []Item{{Kind: KindAgentMessage, Text: text}}

	case KindReasoning:
		summary := firstNonEmptySummary(ev.Summary, ev.Content)
		if len(summary) == 0 {
			return nil
		}
		return []Item{{Kind: KindReasoning, Summary: summary}}

	case KindCommandExecution:
		cmd := firstNonEmpty(ev.Command, ev.Cmd)
		if cmd == "" {
			return nil
		}
		item := Item{Kind: KindCommandExecution, Command: cmd, Status: normalizeStatus(ev.Status)}
		if ev.ExitCode != nil {
			item.ExitCode = ev.ExitCode
		} else if ev.ExitCodeSnak != nil {
			item.ExitCode = ev.ExitCodeSnak
		}
		return []Item{item}

	case KindFileChange:
		files := firstNonEmptyList(ev.Files, ev.Paths)
		if len(files) == 0 {
			return nil
		}
		return []Item{{Kind: KindFileChange, Files: files, Status: normalizeStatus(ev.Status)}}

	case KindPlan:
		text := firstNonEmpty(ev.Text, textFromContent(ev.Content))
		if text == "" {
			return nil
		}
		return []Item{{Kind: KindPlan, Text: text}}
	}

	return nil
}

// classify 匹配上游事件到六种固定 item 类型之一, 完全不区分大小写。
func classify(ev rawEvent) string {
	t := strings.ToLower(firstNonEmpty(ev.ItemType, ev.Type, ev.Kind))

	switch {
	case strings.Contains(t, "usermessage"), strings.Contains(t, "user_message"), strings.Contains(t, "user/message"):
		return KindUserMessage
	case strings.Contains(t, "agentmessage"), strings.Contains(t, "agent_message"), strings.Contains(t, "assistantmessage"):
		return KindAgentMessage
	case strings.Contains(t, "reasoning"):
		return KindReasoning
	case strings.Contains(t, "command"), strings.Contains(t, "exec"):
		return KindCommandExecution
	case strings.Contains(t, "filechange"), strings.Contains(t, "file_change"), strings.Contains(t, "patch"):
		return KindFileChange
	case strings.Contains(t, "plan"):
		return KindPlan
	case strings.EqualFold(ev.Role, "user"):
		return KindUserMessage
	case strings.EqualFold(ev.Role, "assistant"):
		return KindAgentMessage
	default:
		return ""
	}
}

// extractText 遵循固定的字段优先级: delta > text > content > output > message.
// content 可能是字符串或 {text: "..."} 对象, 两者都尝试; 若都不是,
// 递归地在任意 JSON 对象中寻找名为 "text" 的叶子字段。
func extractText(ev rawEvent) string {
	if ev.Delta != "" {
		return ev.Delta
	}
	if ev.Text != "" {
		return ev.Text
	}
	if text := textFromContent(ev.Content); text != "" {
		return text
	}
	if ev.Output != "" {
		return ev.Output
	}
	if ev.Message != "" {
		return ev.Message
	}
	return ""
}

func textFromContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var asObj struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &asObj); err == nil && asObj.Text != "" {
		return asObj.Text
	}
	var asList []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &asList); err == nil {
		var sb strings.Builder
		for _, part := range asList {
			sb.WriteString(part.Text)
		}
		if s := sb.String(); s != "" {
			return s
		}
	}
	return findNestedText(raw)
}

// findNestedText 递归地在任意 JSON 值中寻找第一个名为 "text" 的字符串叶子,
// 用于兼容上游未被显式建模的嵌套内容形状。
func findNestedText(raw json.RawMessage) string {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return ""
	}
	return searchText(generic)
}

func searchText(v any) string {
	switch val := v.(type) {
	case map[string]any:
		if text, ok := val["text"].(string); ok && text != "" {
			return text
		}
		for _, nested := range val {
			if text := searchText(nested); text != "" {
				return text
			}
		}
	case []any:
		for _, nested := range val {
			if text := searchText(nested); text != "" {
				return text
			}
		}
	}
	return ""
}

// normalizeStatus 将自由格式的上游状态映射到小写规范值; 未识别的状态
// 原样透传 (加上 spec.md §9 的告诫: 不要对未知状态瞎猜含义, 只做大小写
// 规范化, 不做语义改写)。
func normalizeStatus(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	switch s {
	case "", "unknown":
		return ""
	default:
		return s
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func firstNonEmptyList(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

// firstNonEmptySummary 取第一个能解析出非空行的候选: 原始 "summary" 字段
// (字符串、字符串数组或 {text} 对象数组), 否则回退到 "content"。
func firstNonEmptySummary(candidates ...json.RawMessage) []string {
	for _, raw := range candidates {
		if lines := summaryLines(raw); len(lines) > 0 {
			return lines
		}
	}
	return nil
}

func summaryLines(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if s := strings.TrimSpace(asString); s != "" {
			return []string{s}
		}
		return nil
	}
	var asList []string
	if err := json.Unmarshal(raw, &asList); err == nil {
		var out []string
		for _, s := range asList {
			if t := strings.TrimSpace(s); t != "" {
				out = append(out, t)
			}
		}
		return out
	}
	var asObjList []struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &asObjList); err == nil {
		var out []string
		for _, o := range asObjList {
			if t := strings.TrimSpace(o.Text); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	if text := findNestedText(raw); text != "" {
		return []string{text}
	}
	return nil
}

// ForwardResult is what one agent notification resolves to once routed:
// either a thread-level rename (threadUpdate) or zero-or-more timeline
// items (event), scoped to the resolved downstream thread id.
type ForwardResult struct {
	Kind               string // "threadUpdate" or "event"
	DownstreamThreadID string
	RequestID          string
	Title              string
	Items              []Item
}

type notifyEnvelope struct {
	CodexThreadID string          `json:"codexThreadId"`
	ThreadID      string          `json:"threadId"`
	TurnID        string          `json:"turnId"`
	Title         string          `json:"title"`
	Status        string          `json:"status"`
	Error         string          `json:"error"`
	Item          json.RawMessage `json:"item"`
}

// Forward applies the per-method forwarding rules to one agent notification.
// resolve maps an agent thread id to its downstream thread id; its second
// return value is false when the thread is not yet bound, in which case the
// notification is dropped regardless of method. Forward's own ok return is
// false when the method yields nothing worth sending (lifecycle noise,
// streaming deltas, suppressed item/started payloads).
func Forward(method string, params json.RawMessage, resolve func(agentThreadID string) (string, bool)) (ForwardResult, bool) {
	var env notifyEnvelope
	_ = json.Unmarshal(params, &env)

	agentThreadID := firstNonEmpty(env.CodexThreadID, env.ThreadID)
	downstream, bound := resolve(agentThreadID)
	if !bound {
		return ForwardResult{}, false
	}
	requestID := env.TurnID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	lm := strings.ToLower(method)
	switch {
	case strings.Contains(lm, "thread/") && (strings.Contains(lm, "updated") || strings.Contains(lm, "renamed") || strings.Contains(lm, "title")):
		if env.Title == "" {
			return ForwardResult{}, false
		}
		return ForwardResult{Kind: "threadUpdate", DownstreamThreadID: downstream, RequestID: requestID, Title: env.Title}, true

	case strings.Contains(lm, "item/started"):
		items := stampTurn(onlyCommandExecution(Translate(env.Item)), requestID)
		if len(items) == 0 {
			return ForwardResult{}, false
		}
		return ForwardResult{Kind: "event", DownstreamThreadID: downstream, RequestID: requestID, Items: items}, true

	case strings.Contains(lm, "item/completed"):
		items := stampTurn(Translate(env.Item), requestID)
		if len(items) == 0 {
			return ForwardResult{}, false
		}
		return ForwardResult{Kind: "event", DownstreamThreadID: downstream, RequestID: requestID, Items: items}, true

	case strings.Contains(lm, "turn/completed"):
		status := strings.ToLower(strings.TrimSpace(env.Status))
		if status == "completed" || status == "success" {
			return ForwardResult{}, false
		}
		text := "turn ended: " + firstNonEmpty(status, "unknown")
		if env.Error != "" {
			text += " (" + env.Error + ")"
		}
		item := Item{Kind: KindPlan, ID: uuid.NewString(), TurnID: requestID, Timestamp: time.Now().UnixMilli(), Text: text}
		return ForwardResult{Kind: "event", DownstreamThreadID: downstream, RequestID: requestID, Items: []Item{item}}, true

	case strings.Contains(lm, "thread/started"), strings.Contains(lm, "turn/started"), strings.Contains(lm, "delta"), strings.Contains(lm, "updated"):
		return ForwardResult{}, false

	default:
		raw, _ := json.Marshal(map[string]any{"method": method, "params": json.RawMessage(params)})
		item := Item{Kind: KindPlan, ID: uuid.NewString(), TurnID: requestID, Timestamp: time.Now().UnixMilli(), Text: string(raw)}
		return ForwardResult{Kind: "event", DownstreamThreadID: downstream, RequestID: requestID, Items: []Item{item}}, true
	}
}

// stampTurn 把 turnId 和当前时间戳写入一批 item; Translate 本身不知道
// 调用方所处的 turn 上下文, 由 Forward/Hydrate 在事后补齐。
func stampTurn(items []Item, turnID string) []Item {
	now := time.Now().UnixMilli()
	for i := range items {
		items[i].TurnID = turnID
		items[i].Timestamp = now
	}
	return items
}

func onlyCommandExecution(items []Item) []Item {
	var out []Item
	for _, it := range items {
		if it.Kind == KindCommandExecution {
			out = append(out, it)
		}
	}
	return out
}
