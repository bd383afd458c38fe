/*
包 server 提供运维 HTTP 端的生命周期管理：非阻塞启动、优雅关闭与
系统信号监听。

# 概述

本包通过 Manager 封装 net/http.Server，统一管理监听、服务、关闭与
错误传播。voicegw 用它托管探针与指标端点；通话流量不经过 HTTP，
所以这里没有 TLS，端口只在集群内网暴露。

# 核心类型

  - Manager：持有 http.Server、net.Listener 与异步错误通道，
    提供 Start/Shutdown/WaitForShutdown 等生命周期方法。
  - Config：监听地址、读写超时、空闲超时、最大请求头大小与
    优雅关闭超时。

# 主要能力

  - 非阻塞启动：Start 同步建立监听后把 Serve 放进后台 goroutine，
    端口占用等错误当场返回。
  - 优雅关闭：Shutdown 在配置的超时内排空请求，重复调用安全。
  - 信号监听：WaitForShutdown 等待 SIGINT/SIGTERM 或异步错误，
    然后自动触发优雅关闭。
  - 错误传播：Errors() 返回异步错误通道，供调用方监控服务异常。
  - 状态查询：IsRunning/Addr 提供运行状态与监听地址查询。
*/
package server
