// Package binding 维护 agent thread id 与 downstream (relay 侧) thread id
// 之间的一次性绑定关系。
package binding

import (
	"sync"

	apperrors "github.com/durangohq/bridge/pkg/errors"
)

// Map 是 agent thread id → downstream thread id 的并发安全映射。
//
// 绑定只增不减: 一旦某个 agent thread 被绑定, 它在本进程生命周期内
// 永远指向同一个 downstream id。事件翻译层据此丢弃任何指向未绑定
// agent thread 的事件 (见 ErrUnbound)。
type Map struct {
	mu   sync.RWMutex
	byAg map[string]string
}

// New 创建一个空绑定表。
func New() *Map {
	return &Map{byAg: make(map[string]string)}
}

// Bind 记录 agentThreadID → downstreamThreadID。重复绑定同一对 id 是幂等的;
// 尝试将一个已绑定的 agent thread 重新指向不同的 downstream id 会被拒绝,
// 绑定关系一旦建立不可覆盖。
func (m *Map) Bind(agentThreadID, downstreamThreadID string) error {
	if agentThreadID == "" || downstreamThreadID == "" {
		return apperrors.New("binding.Bind", "both ids must be non-empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.byAg[agentThreadID]; ok {
		if existing != downstreamThreadID {
			return apperrors.Newf("binding.Bind", "agent thread %s already bound to %s", agentThreadID, existing)
		}
		return nil
	}
	m.byAg[agentThreadID] = downstreamThreadID
	return nil
}

// Downstream 返回 agent thread 对应的 downstream id, 若未绑定返回 ErrUnbound。
func (m *Map) Downstream(agentThreadID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byAg[agentThreadID]
	if !ok {
		return "", apperrors.ErrUnbound
	}
	return id, nil
}

// IsBound 报告 agent thread 是否已绑定, 不返回错误。
func (m *Map) IsBound(agentThreadID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.byAg[agentThreadID]
	return ok
}

// DerivedAgentThreadID 为 agent 自行发起 (未经 dispatch 指派) 的 thread
// 构造一个稳定的 downstream id: "codex:<agentThreadID>"。
func DerivedAgentThreadID(agentThreadID string) string {
	return "codex:" + agentThreadID
}
