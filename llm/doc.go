/*
包 llm 提供统一的大语言模型接入层：Provider 抽象、按任务路由、
熔断与健康探测。

# 概述

不同服务商在接口、鉴权、错误语义和流式协议上各不相同。本包把它们
收敛成一套请求与事件模型，上层（对话循环、语音流水线）只面对
StreamEvent 序列，不感知服务商差异。路由配置可由外部存储热更新，
切换模型不需要重启进程。

# 核心类型

  - Provider     — 服务商适配接口：Completion、Stream、HealthCheck
  - StreamEvent  — 流式事件联合：TextDelta、ToolCallStart/Delta/End、
    StreamDone
  - RoutingConfig — Provider 清单 + 任务到 Provider 链的路由表；
    存储里只有 api_key_env_var（变量名），密钥本身永不落盘
  - Router       — 按任务名选 Provider，主选失败按 Fallbacks 依次
    转移；首个事件到达前允许故障转移，之后不再切换
  - TaskRoute    — 一个任务的主选与兜底 Provider 链

# 主要能力

  - 首字节超时与整体超时分开控制（FirstEventTimeout / CompletionTimeout）
  - 每个 Provider 一个熔断器（llm/circuitbreaker），开路时直接走兜底
  - 后台轮询配置源（ConfigSource），校验通过才原子替换路由表
  - Health 逐 Provider 探活，供就绪探针使用
  - Prometheus 指标：请求计数、时延、首字节时延、熔断状态
*/
package llm
