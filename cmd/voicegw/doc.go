/*
Package main 提供 voicegw 语音网关的程序入口。

# 概述

cmd/voicegw 是呼叫中心语音网关的可执行入口。serve 启动运维 HTTP 端
（健康检查、就绪检查、Prometheus 指标）并装配 LLM 路由器与配置存储；
通话本身不经过 HTTP：呼叫层在进程内直接驱动 agent.Loop。

# 核心类型

  - Server         — 进程装配：配置存储、LLM 路由器、工具注册表、运维端
  - Middleware     — HTTP 中间件函数签名 func(http.Handler) http.Handler
  - responseWriter — 包装 http.ResponseWriter 以捕获状态码

# 主要能力

  - 子命令：serve（启动网关）、turn（本地调试轮次）、
    routes（查看/下发 LLM 路由配置）、version、health
  - 中间件链：Recovery、RequestID、RequestLogger
  - 运维端：/healthz、/readyz（逐 Provider 健康状态）、/version、/metrics
  - 演示工具：lookup_order、check_tire_stock、transfer_to_operator
  - 优雅关闭：信号监听 → 关闭运维端 → 关闭路由器 → 关闭配置存储
  - 构建注入：Version、BuildTime、GitCommit 通过 ldflags 设置

API 密钥只在进程环境变量里：路由配置存的是变量名（api_key_env_var），
装配 Provider 时由路由器解析，不落配置存储也不进日志。
*/
package main
