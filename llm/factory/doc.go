// Package factory 按路由条目构造 Provider。它引用全部 provider 子包，
// 把构造逻辑从 llm 包里挪出来以打破 llm 包与各 provider 子包之间的循环依赖。
package factory
