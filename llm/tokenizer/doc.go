// Package tokenizer 提供统一的 Token 计数接口，
// 支持 tiktoken 精确计数与 CJK 估算器，供上下文预算器估算蒸馏摘要与原始消息尾部的 Token 占用。
package tokenizer
