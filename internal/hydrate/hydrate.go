// Package hydrate 从 agent 的 thread/read 响应重建可回放的历史事件序列。
//
// thread/read 的响应形状并不固定 — 取决于 agent 版本, turn 列表可能出现
// 在 "turns"、"turnsPage.data"/"turns_page.data" 下, 也可能完全扁平成一个
// 顶层 "items" 数组。本包用有界 BFS 在这些候选形状里寻找第一个匹配,
// 而不是假设某一种。
package hydrate

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/durangohq/bridge/internal/translate"
)

// maxBFSDepth 限制形状发现遍历的深度, maxBFSNodes 限制总访问节点数,
// 避免对畸形/循环响应无限探测。
const (
	maxBFSDepth = 6
	maxBFSNodes = 64
)

// ReplayEvent 是重放序列中的一个条目 — 带单调时间戳的 downstream item,
// 归属于某个合成或真实的 turn id。
type ReplayEvent struct {
	TurnID    string
	Seq       int
	Item      translate.Item
	Terminal  bool // true 表示这是该 turn 的终止事件 (turn/completed 等价物)
}

// turnShape 是对一个 turn 条目的宽松解析。
type turnShape struct {
	ID     string          `json:"id"`
	Status string          `json:"status"`
	Items  []itemShape     `json:"items"`
	Raw    json.RawMessage `json:"-"`
}

type itemShape struct {
	json.RawMessage
}

// Hydrate 接收 thread/read 的原始响应, 返回按 turn 分组、单调编号的
// 重放事件序列。每个有活动但缺少终止标记的 turn 会被补上一个合成的
// 终止事件, 使下游状态机总能看到完整的生命周期。
func Hydrate(raw json.RawMessage) []ReplayEvent {
	turns := discoverTurns(raw)
	var events []ReplayEvent
	seq := 0
	base := time.Now().UnixMilli() - int64(max(1, len(turns)*100))

	for _, turn := range turns {
		turnID := turn.ID
		if turnID == "" {
			turnID = uuid.NewString()
		}
		hasActivity := false
		for _, rawItem := range turn.Items {
			items := translate.Translate(rawItem.RawMessage)
			for _, item := range items {
				hasActivity = true
				item.TurnID = turnID
				item.Timestamp = base + int64(seq)
				events = append(events, ReplayEvent{TurnID: turnID, Seq: seq, Item: item})
				seq++
			}
		}
		if hasActivity && !isTerminalStatus(turn.Status) {
			events = append(events, ReplayEvent{
				TurnID:   turnID,
				Seq:      seq,
				Terminal: true,
				Item: translate.Item{
					Kind:      translate.KindPlan,
					ID:        uuid.NewString(),
					TurnID:    turnID,
					Timestamp: base + int64(seq),
					Status:    "completed",
				},
			})
			seq++
		}
	}

	sort.SliceStable(events, func(i, j int) bool { return events[i].Seq < events[j].Seq })
	return events
}

func isTerminalStatus(status string) bool {
	switch status {
	case "completed", "failed", "aborted", "cancelled", "canceled":
		return true
	default:
		return false
	}
}

// bfsNode 是形状发现遍历队列里的一个节点: 一个已解析的 JSON 对象及其深度。
type bfsNode struct {
	obj   map[string]json.RawMessage
	depth int
}

// discoverTurns 对 thread/read 响应做有界 BFS, 依次在每个访问到的对象上
// 尝试 turns / turnsPage.data(turns_page.data) / 裸 items, 第一个匹配者
// 胜出。未匹配的节点通过 thread, result, payload, response 以及任意
// 非数组的 data 字段继续下探。
func discoverTurns(raw json.RawMessage) []turnShape {
	var root map[string]json.RawMessage
	if err := json.Unmarshal(raw, &root); err != nil {
		return nil
	}

	queue := []bfsNode{{obj: root, depth: 0}}
	visited := 0

	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		if node.depth > maxBFSDepth || visited > maxBFSNodes {
			continue
		}

		if turns, ok := turnsFromNode(node.obj); ok {
			return turns
		}
		if items, ok := itemsFromNode(node.obj); ok {
			id, _ := stringField(node.obj, "id")
			if id == "" {
				id = uuid.NewString()
			}
			return []turnShape{{ID: id, Items: items}}
		}

		for _, key := range []string{"thread", "result", "payload", "response", "data"} {
			if child, ok := objectField(node.obj, key); ok {
				queue = append(queue, bfsNode{obj: child, depth: node.depth + 1})
			}
		}
	}
	return nil
}

// turnsFromNode 在一个节点上尝试 "turns" 数组, 然后 turnsPage.data /
// turns_page.data。
func turnsFromNode(obj map[string]json.RawMessage) ([]turnShape, bool) {
	if raw, ok := obj["turns"]; ok {
		if turns, ok := parseTurnsArray(raw); ok {
			return turns, true
		}
	}
	for _, pageKey := range []string{"turnsPage", "turns_page"} {
		page, ok := objectField(obj, pageKey)
		if !ok {
			continue
		}
		if raw, ok := page["data"]; ok {
			if turns, ok := parseTurnsArray(raw); ok {
				return turns, true
			}
		}
	}
	return nil, false
}

func parseTurnsArray(raw json.RawMessage) ([]turnShape, bool) {
	var result []turnShape
	if err := json.Unmarshal(raw, &result); err == nil && len(result) > 0 {
		return result, true
	}
	return nil, false
}

// itemsFromNode 把一个带非空 "items" 数组的节点视为单个隐式 turn。
func itemsFromNode(obj map[string]json.RawMessage) ([]itemShape, bool) {
	raw, ok := obj["items"]
	if !ok {
		return nil, false
	}
	var items []itemShape
	if err := json.Unmarshal(raw, &items); err == nil && len(items) > 0 {
		return items, true
	}
	return nil, false
}

func objectField(obj map[string]json.RawMessage, key string) (map[string]json.RawMessage, bool) {
	raw, ok := obj[key]
	if !ok {
		return nil, false
	}
	var child map[string]json.RawMessage
	if err := json.Unmarshal(raw, &child); err != nil {
		return nil, false
	}
	return child, true
}

func stringField(obj map[string]json.RawMessage, key string) (string, bool) {
	raw, ok := obj[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	return s, true
}
