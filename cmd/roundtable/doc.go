// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Roundtable 命令行入口。

# 子命令

  - run      创建会话并运行，发言内容由确定性的 scriptedDispatcher 生成，
    结束或收到 SIGINT/SIGTERM 后输出完整记录
  - migrate  通过 GORM AutoMigrate 创建或检查数据表（up / status）
  - health   Ping 配置的存储后端
  - version  打印构建时注入的版本信息

# 组装

app 按 config.Config 组装 zap 日志、OpenTelemetry、Prometheus Collector、
持久化存储（memory / redis / database）、发言队列缓存、分词器、
轮次策略与限流 Dispatcher，最后交给 conversation.Manager。
run --ops 额外在 metrics.addr 上暴露 /metrics、/healthz、/readyz
与 /conversations/{id}/queue。
*/
package main
