// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 persistence 提供会话编排所需的持久化存储抽象及多后端实现。

# 概述

编排器的全部调度状态（会话、智能体、回合、消息、用户插话、
蒸馏记忆与上下文快照）都经由本包读写。上层只依赖 Store 及其
细分接口，不关心底层存储细节。

# 核心接口

  - Store: 聚合全部细分接口，并提供 Close 与 Ping 健康检查。
  - ConversationStore / AgentStore / TurnStore / MessageStore /
    InterjectionStore / DistilledMemoryStore / SnapshotStore:
    按实体划分的读写接口，调用方按需依赖最窄的接口。
  - Retrier: 基于 RetryConfig 的有界指数退避重试，
    重试耗尽后返回 STORE_FAILURE 错误。

# 后端实现

  - Memory: 内存实现，适合开发与测试，重启后数据丢失。
  - Redis: 每个实体以 JSON 存储，按会话划分 Hash 与 Sorted Set 索引，
    级联删除使用 MULTI/EXEC，适合分布式部署。
  - Gorm: 基于 GORM 的 SQL 实现，支持 PostgreSQL、MySQL 与 SQLite，
    回合以 (conversation_id, round, sequence) 复合主键存储，
    级联删除在单个事务中完成。

# 使用方式

通过工厂函数按配置创建存储实例：

	store, err := persistence.NewStore(cfg.Store, pool, logger)
	if err != nil {
		return err
	}
	defer store.Close()

不存在的记录统一返回 ErrNotFound，快照重复写入返回 ErrAlreadyExists。
*/
package persistence
