// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package types 提供 Roundtable 多智能体轮次对话的全局共享类型定义。

# 概述

types 是最底层的公共包，不依赖任何内部包，为 agent/turn、agent/context、
agent/interjection、agent/conversation 与 agent/persistence 提供统一的
数据契约。所有跨包共享的实体、枚举和错误码均定义于此，以避免循环依赖。

# 核心类型

  - Conversation       对话实体（模式、状态、当前轮次、上下文预算、扩展发言策略）
  - Agent              对话参与者（顺序、秘书角色、字数上限覆盖）
  - Turn / TurnKey     单次发言及其复合自然键（conversation + round + sequence）
  - Message            发言、插话或系统消息（仅 Weight 可变）
  - UserInterjection   用户插话，指定插入到某轮之后
  - DistilledMemory    蒸馏摘要与水位线（LastDistilledRound）
  - ContextSnapshot    每个 Turn 实际看到的上下文快照（只写一次）
  - TurnQueueState     派生的发言队列快照，推送给观察者
  - Error / ErrorCode  结构化错误体系，含 Retryable 标记
*/
package types
