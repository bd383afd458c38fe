// 包 testutil 提供跨包测试用的替身：脚本化的 LLM Provider、
// 记录式电话通道与回声 TTS 引擎。包内各包自己的白盒测试用本地替身，
// 这里服务顶层装配测试与嵌入方的集成测试。
package testutil
