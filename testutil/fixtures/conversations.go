// =============================================================================
// 📦 测试数据工厂 - 会话与 Agent
// =============================================================================
// 提供预定义的会话设置、名册与消息，用于测试
// =============================================================================
package fixtures

import (
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/roundtable/types"
)

// Epoch 固定的测试时间基准
var Epoch = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// Conversation 返回一个轮询模式、不限上下文的会话
func Conversation(id string) *types.Conversation {
	return &types.Conversation{
		ID:                 id,
		Subject:            "Should the city build a new library?",
		Goal:               "Reach a recommendation",
		Mode:               types.ModeRoundRobin,
		Status:             types.StatusIdle,
		ConversationDepth:  types.DepthStandard,
		ExtendedMultiplier: 3,
		CreatedAt:          Epoch,
		UpdatedAt:          Epoch,
	}
}

// BoundedConversation 返回限定轮数的会话
func BoundedConversation(id string, maxRounds int) *types.Conversation {
	c := Conversation(id)
	c.MaxRounds = maxRounds
	return c
}

// Agents 按 ID 顺序生成发言 agent，Order 即下标
func Agents(conversationID string, ids ...string) []*types.Agent {
	out := make([]*types.Agent, 0, len(ids))
	for i, id := range ids {
		out = append(out, &types.Agent{
			ID:             id,
			ConversationID: conversationID,
			Name:           strings.ToUpper(id[:1]) + id[1:],
			Order:          i,
			Provider:       "mock",
			Model:          "mock-model",
		})
	}
	return out
}

// Secretary 返回秘书 agent
func Secretary(conversationID, id string) *types.Agent {
	return &types.Agent{
		ID:             id,
		ConversationID: conversationID,
		Name:           "Secretary",
		Order:          -1,
		IsSecretary:    true,
	}
}

// Messages 生成 rounds 轮、每轮 perRound 条的 agent 消息
func Messages(conversationID string, rounds, perRound int, body string) []*types.Message {
	out := make([]*types.Message, 0, rounds*perRound)
	var seq int64
	for r := 0; r < rounds; r++ {
		for i := 0; i < perRound; i++ {
			out = append(out, &types.Message{
				ID:             fmt.Sprintf("m%d", seq),
				ConversationID: conversationID,
				AgentID:        fmt.Sprintf("agent-%d", i),
				Round:          r,
				Seq:            seq,
				Type:           types.MessageAgent,
				Content:        fmt.Sprintf("Round %d point. %s", r, body),
				CreatedAt:      Epoch.Add(time.Duration(seq) * time.Second),
			})
			seq++
		}
	}
	return out
}
