// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 metrics 提供基于 Prometheus 的圆桌会话指标采集能力，覆盖
回合、会话、上下文、缓存与存储五大维度。

# 概述

本包通过 Collector 统一注册和记录 Prometheus 指标，使用 promauto
自动注册机制。NewCollector 注册到默认 Registry，供 CLI 的 /metrics
端点暴露；NewCollectorWithRegisterer 便于测试使用独立 Registry。
所有 Record 方法对 nil 接收者安全。

# 主要能力

  - 回合指标：终态回合计数与耗时、状态转换计数、扩展发言抽签结果，
    按 mode/state 分组。
  - 会话指标：完成轮次、状态变化、调度器覆盖（按 reason 分组）、
    智能体排除、插话合并数。
  - 上下文指标：蒸馏次数、降级次数（按 reason 分组）、组装 token 分布。
  - 缓存指标：队列状态缓存命中与未命中。
  - 存储指标：重试次数、活跃/空闲连接数 Gauge。
*/
package metrics
