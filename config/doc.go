// Package config 提供 Roundtable 的配置管理功能。
//
// 配置按 默认值 → YAML 文件 → 环境变量（ROUNDTABLE_ 前缀）的顺序
// 加载，覆盖编排器、持久化、Redis、数据库、日志、遥测与指标。
package config
