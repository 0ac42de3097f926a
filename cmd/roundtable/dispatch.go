package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/BaSui01/roundtable/agent/conversation"
	"github.com/BaSui01/roundtable/types"
)

// scriptedDispatcher 生成确定性的发言内容，用于在没有 LLM 的环境下演练编排流程。
// 内容引用上一条消息并按字数上限截断。
type scriptedDispatcher struct{}

func (scriptedDispatcher) Dispatch(ctx context.Context, req conversation.DispatchRequest) (*conversation.DispatchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sel := req.Selection; sel != nil && len(sel.Candidates) > 0 {
		// 秘书从队尾点名，便于和轮询顺序区分
		next := sel.Candidates[len(sel.Candidates)-1]
		return &conversation.DispatchResult{Content: fmt.Sprintf("The floor goes to %s.", next.ID)}, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s, round %d, on %q.", req.Agent.Name, req.TurnKey.Round, req.Conversation.Subject)

	if req.Context != nil {
		if last := lastMessage(req.Context.Messages); last != nil {
			switch last.Type {
			case types.MessageInterjection:
				fmt.Fprintf(&b, " Answering the audience: %q.", clip(last.Content, 12))
			default:
				fmt.Fprintf(&b, " Building on the previous point: %q.", clip(last.Content, 12))
			}
		}
		if req.Context.Summary != "" {
			b.WriteString(" Keeping earlier rounds in mind.")
		}
	}
	if req.Extended {
		b.WriteString(" I will take the extended floor for this one.")
	}

	return &conversation.DispatchResult{Content: clip(b.String(), req.WordLimit)}, nil
}

func lastMessage(msgs []*types.Message) *types.Message {
	if len(msgs) == 0 {
		return nil
	}
	return msgs[len(msgs)-1]
}

// clip 保留前 n 个词；n <= 0 不截断
func clip(s string, n int) string {
	words := strings.Fields(s)
	if n <= 0 || len(words) <= n {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:n], " ") + " ..."
}
