// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 cache 提供基于 Redis 的缓存管理能力，以及圆桌会话的
发言队列快照缓存。

# 核心类型

  - Manager：缓存管理器，持有 Redis 客户端，提供 Get/Set/Delete、
    GetJSON/SetJSON 以及基于 WATCH 的 CompareAndSetJSON，
    后台定时 Ping 做健康检查。
  - QueueStates：每个会话最新 TurnQueueState 的缓存接口。快照可能
    乱序或重复到达，较旧的快照不会覆盖较新的快照。
  - RedisQueueStates / MemoryQueueStates：Redis 与进程内两种实现。
  - Recorder：命中/未命中计数接口，由 metrics.Collector 实现。

# 错误语义

提供 ErrCacheMiss 哨兵错误与 IsCacheMiss 判断函数；
关闭后的操作返回 ErrClosed。
*/
package cache
