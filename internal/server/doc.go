// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 server 提供 roundtable 的运维 HTTP 端点与服务器生命周期管理。

# 概述

Manager 封装 net/http.Server，负责非阻塞启动、优雅关闭与异步错误
传播。NewHandler 组装运维路由：Prometheus 指标、存活与就绪探针，
以及按会话查询最新发言队列快照。

# 核心类型

  - Manager：持有 http.Server 与 net.Listener，提供 Start/Shutdown/
    Errors/Addr/IsRunning。
  - Routes：路由依赖（Gatherer、Ready、Queue），为 nil 的字段不注册对应端点。
  - Middleware：Chain、Recovery、RequestID、RequestLogger。

信号处理由调用方负责。
*/
package server
