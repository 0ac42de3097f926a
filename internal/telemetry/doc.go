// Package telemetry 封装 OpenTelemetry SDK 初始化逻辑，
// 为圆桌编排器提供 TracerProvider 和 MeterProvider，
// 会话轮次与发言回合的 span 通过 Providers.Tracer 创建。
// 当遥测功能禁用时，使用 noop 实现，不连接任何外部服务。
package telemetry
