// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 turn 提供单次发言（Turn）的生命周期状态机与轮次调度器。

# 概述

turn 解决两个核心问题：一是每个 Turn 如何在
planned → running → completed/failed/cancelled 之间合法迁移；
二是每一轮由谁发言、按什么顺序发言、以及本次发言的字数上限。

# 核心类型

  - Machine：Turn 状态机，迁移时打 StartedAt / EndedAt 时间戳，
    非法迁移返回 ErrInvalidTransition 且不修改 Turn
  - Scheduler：强制性调度器，保证每个非秘书 Agent 每轮恰好发言一次
  - Selector：建议性选择策略（moderator / dynamic），调度器只采纳合法建议
  - Policy：扩展发言策略，按 ExtendedSpeakingChance 抽签决定是否放大字数上限
  - RandomSource：可注入的均匀随机源，NewSeededSource 提供可复现序列

# 与其他包协同

agent/conversation 的编排器在每个 Turn 前调用 Scheduler.Next 与
Policy.Decide，并通过 Machine 推进 Turn 状态。
*/
package turn
