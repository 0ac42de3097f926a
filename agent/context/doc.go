// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 context 负责圆桌会话中每个发言回合的上下文预算与蒸馏。

# 概述

会话消息随轮次不断增长，而每个智能体的上下文窗口由
Conversation.MaxContextTokens 限定。本包在每次发言前组装上下文：
已蒸馏的摘要加上水位线之后的原始消息，并在估算超出安全阈值时
把已完成的轮次折叠进 DistilledMemory。

# 核心模型

  - Budgeter：组装上下文（Assemble）、轮次结束后压缩（Compact）、
    生成只写一次的 ContextSnapshot（Snapshot）
  - Summarizer：摘要接口，SummarizerFunc 可接入 LLM 调用
  - ExtractiveSummarizer：无外部依赖的默认摘要实现，逐条提取首句

# 预算规则

  - 估算值超过 MaxContextTokens × SafetyMargin（默认 0.9）时，
    蒸馏至 CurrentRound-1，水位线只增不减
  - 没有新消息可折叠时蒸馏为空操作
  - 摘要器失败时退化为按 token 预算从新到旧保留原始消息
  - 仍然超出预算时退化为仅摘要，不会返回错误

# 与其他包协同

Budgeter 通过窄接口 Store 读写 agent/persistence，token 计数来自
llm/tokenizer；agent/conversation 的编排器在每个回合前调用 Assemble，
在每轮结束后调用 Compact。
*/
package context
