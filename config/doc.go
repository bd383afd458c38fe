// Package config 提供 voicegw 的进程配置。
//
// 配置按 默认值 → YAML 文件 → 环境变量 的顺序叠加。LLM 路由表
// 的运行时热更新不走这里，由 internal/configstore 从 Redis 下发。
package config
