// Copyright 2026 AgentFlow Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license.

/*
Package testutil 提供 roundtable 测试的共享工具和辅助函数。

# 概述

testutil 包为各包的单元测试提供统一的辅助能力，避免重复实现
相似的测试基础设施。

# 核心能力

  - 上下文辅助: TestContext / TestContextWithTimeout / CancelledContext，
    自动注册 Cleanup 防止泄漏
  - 断言工具: AssertSpeakingOrder / AssertTurnStates / AssertJSONEqual
  - 异步断言: AssertEventuallyTrue，支持超时轮询等待条件满足
  - 数据工具: MustJSON

# 子包

  - testutil/mocks: MockAgent（脚本化发言，可注入错误、延迟与阻塞）、
    FlakyStore（按操作注入存储故障）、FixedSource（固定随机数）、
    RecordingSink（记录事件）
  - testutil/fixtures: 预置会话、Agent 名册与消息样例

# 使用示例

	ctx := testutil.TestContext(t)
	agent := mocks.NewMockAgent().WithResponse("b", "hello")
	content, err := agent.Reply(ctx, "b", key)
	require.NoError(t, err)
*/
package testutil
