// 版权所有 2024 AgentFlow Authors. 版权所有。
// 此源代码的使用由 MIT 许可规范,该许可可以是
// 在LICENSE文件中找到。

/*
包 database 提供基于 GORM 的数据库连接池管理，支持健康检查、
统计信息采集与事务重试。

# 概述

本包通过 PoolManager 封装 GORM 与 database/sql 的连接池配置，
统一管理连接生命周期、空闲回收与最大连接数限制。后台健康检查
定时探活，异常时通过 zap 日志输出诊断信息。

# 打开连接

Open 按驱动名（postgres / mysql / sqlite）选择 GORM Dialector，
建立连接并交给 PoolManager；AutoMigrate 在给定上下文中为会话存储
创建表结构。

# 核心类型

  - PoolManager：连接池管理器，持有 GORM DB 实例与底层 sql.DB，
    提供 DB()、Ping()、Stats()、Close() 等生命周期方法。
  - PoolConfig：连接池配置，包含最大空闲连接数、最大打开连接数、
    连接最大生命周期、空闲超时、健康检查间隔与事务冲突重试。
  - TransactionFunc：事务回调函数类型。

# 主要能力

  - 连接池调优：通过 MaxIdleConns/MaxOpenConns/ConnMaxLifetime 精细控制。
  - 健康检查：后台定时 PingContext 探活，OnHealthCheck 回调上报连接数。
  - 事务管理：WithTransaction 提供单次事务执行，
    WithTransactionRetry 在冲突时整体重跑事务。IsConflict 按驱动错误码
    识别冲突：pgconn.PgError（40001/40P01/55P03）、MySQLError（1205/1213）、
    SQLITE_BUSY/SQLITE_LOCKED 与 driver.ErrBadConn。
*/
package database
