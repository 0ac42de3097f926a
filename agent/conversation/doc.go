// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 conversation 驱动圆桌会话的轮次循环，并对外提供会话生命周期管理。

# 概述

一个会话由若干 Agent 组成，按轮次（round）推进：每一轮中名册里的
每个 Agent 恰好发言一次，顺序由 turn.Scheduler 决定。发言内容通过
Dispatcher 获取（通常是一次 LLM 调用），结果持久化为 Turn 与 Message。

# 核心类型

  - Orchestrator：单个会话的轮次循环。每个发言前合并到期的用户插话，
    通过 agent/context 的 Budgeter 组装上下文并写入快照，按 Policy
    决定字数上限，再在 TurnTimeout 内调用 Dispatcher。一轮结束后执行
    上下文蒸馏并推进 CurrentRound。
  - Manager：对外 API。负责 Create / AddAgent / ReorderAgents /
    SubmitInterjection / React / UpdateSettings / Delete，以及
    Start / Pause / Resume / Stop / Wait / RunAll 等运行控制。
  - Dispatcher / RateLimitedDispatcher：发言生成接口及共享限流包装。
  - EventSink / EventBus：生命周期事件（turn.state、queue.updated、
    conversation.status 等）的发布与订阅。

# 运行控制

Pause 在当前发言结束后生效；Stop 取消进行中的调用，把未结束的
Turn 标记为 cancelled。Resume 从已持久化的 Turn 续跑当前轮：
completed 与 failed 视为已发言，cancelled 不算。

同一 Agent 连续失败 MaxConsecutiveFailures 次后会在后续轮次被排除，
并发布 conversation.warning 事件。存储重试耗尽时会话进入 paused，
原因写入 StatusReason。
*/
package conversation
