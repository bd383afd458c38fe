package llm

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ProviderType 标识 Provider 接入协议。
type ProviderType string

const (
	// ProviderAnthropicNative 走 Anthropic 原生 Messages API。
	ProviderAnthropicNative ProviderType = "anthropic-native"
	// ProviderOpenAICompatible 走 OpenAI 兼容的 chat/completions 协议。
	ProviderOpenAICompatible ProviderType = "openai-compatible"
)

// ProviderEntry 描述一个可路由的 Provider。
//
// 注意：条目里只有 APIKeyEnvVar（环境变量名），没有密钥本身。
// 密钥在构造 Provider 时从进程环境读取，不会进入任何配置存储或日志。
type ProviderEntry struct {
	Key          string       `json:"key" yaml:"key"`
	Type         ProviderType `json:"type" yaml:"type"`
	Model        string       `json:"model" yaml:"model"`
	BaseURL      string       `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	APIKeyEnvVar string       `json:"api_key_env_var" yaml:"api_key_env_var"`
	Enabled      bool         `json:"enabled" yaml:"enabled"`
}

// TaskRoute 是一个任务的路由链：先试 Primary，再依次试 Fallbacks。
type TaskRoute struct {
	Primary   string   `json:"primary" yaml:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty" yaml:"fallbacks,omitempty"`
}

// Chain 返回路由链上的 Provider key 序列。
func (r TaskRoute) Chain() []string {
	chain := make([]string, 0, 1+len(r.Fallbacks))
	chain = append(chain, r.Primary)
	chain = append(chain, r.Fallbacks...)
	return chain
}

// DefaultRouteKey 是未知任务回退使用的路由名。
const DefaultRouteKey = "default"

// RoutingConfig 是路由层的完整配置：Provider 清单 + 任务路由表。
type RoutingConfig struct {
	Providers []ProviderEntry      `json:"providers" yaml:"providers"`
	Routes    map[string]TaskRoute `json:"routes" yaml:"routes"`
}

// DefaultRoutingConfig 返回内置默认路由。热更新存储中的配置会按
// Provider key / 任务名逐项覆盖这份默认值。
func DefaultRoutingConfig() *RoutingConfig {
	return &RoutingConfig{
		Providers: []ProviderEntry{
			{
				Key:          "anthropic-main",
				Type:         ProviderAnthropicNative,
				Model:        "claude-sonnet-4-5",
				APIKeyEnvVar: "ANTHROPIC_API_KEY",
				Enabled:      true,
			},
			{
				Key:          "openai-main",
				Type:         ProviderOpenAICompatible,
				Model:        "gpt-4o-mini",
				BaseURL:      "https://api.openai.com",
				APIKeyEnvVar: "OPENAI_API_KEY",
				Enabled:      true,
			},
			{
				Key:          "deepseek",
				Type:         ProviderOpenAICompatible,
				Model:        "deepseek-chat",
				BaseURL:      "https://api.deepseek.com",
				APIKeyEnvVar: "DEEPSEEK_API_KEY",
				Enabled:      false,
			},
		},
		Routes: map[string]TaskRoute{
			"dialog": {
				Primary:   "anthropic-main",
				Fallbacks: []string{"openai-main"},
			},
			"summary": {
				Primary:   "openai-main",
				Fallbacks: []string{"anthropic-main"},
			},
			"classify": {
				Primary: "openai-main",
			},
			DefaultRouteKey: {
				Primary:   "anthropic-main",
				Fallbacks: []string{"openai-main"},
			},
		},
	}
}

// Validate 校验配置形状。路由引用了未知 key 不算错误，
// 解析路由链时会把无效节点过滤掉。
func (c *RoutingConfig) Validate() error {
	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if strings.TrimSpace(p.Key) == "" {
			return &Error{Code: ErrInvalidConfig, Message: fmt.Sprintf("provider[%d]: key 不能为空", i)}
		}
		if seen[p.Key] {
			return &Error{Code: ErrInvalidConfig, Message: fmt.Sprintf("provider %q: key 重复", p.Key)}
		}
		seen[p.Key] = true

		switch p.Type {
		case ProviderAnthropicNative, ProviderOpenAICompatible:
		default:
			return &Error{Code: ErrInvalidConfig, Message: fmt.Sprintf("provider %q: 未知类型 %q", p.Key, p.Type)}
		}
		if p.Model == "" {
			return &Error{Code: ErrInvalidConfig, Message: fmt.Sprintf("provider %q: model 不能为空", p.Key)}
		}
		if p.Type == ProviderOpenAICompatible && p.BaseURL == "" {
			return &Error{Code: ErrInvalidConfig, Message: fmt.Sprintf("provider %q: openai-compatible 必须配置 base_url", p.Key)}
		}
	}
	for task, route := range c.Routes {
		if route.Primary == "" {
			return &Error{Code: ErrInvalidConfig, Message: fmt.Sprintf("route %q: primary 不能为空", task)}
		}
	}
	return nil
}

// Entry 按 key 查找 Provider 条目。
func (c *RoutingConfig) Entry(key string) (ProviderEntry, bool) {
	for _, p := range c.Providers {
		if p.Key == key {
			return p, true
		}
	}
	return ProviderEntry{}, false
}

// MergeRoutingConfig 把 override 逐项合并到 base 之上并返回新配置。
// Provider 按 key 整条替换，新 key 追加；路由按任务名整条替换。
// 两个入参都不会被修改。
func MergeRoutingConfig(base, override *RoutingConfig) *RoutingConfig {
	if base == nil {
		base = &RoutingConfig{}
	}
	merged := &RoutingConfig{
		Providers: make([]ProviderEntry, len(base.Providers)),
		Routes:    make(map[string]TaskRoute, len(base.Routes)),
	}
	copy(merged.Providers, base.Providers)
	for task, route := range base.Routes {
		merged.Routes[task] = route
	}
	if override == nil {
		return merged
	}

	for _, p := range override.Providers {
		replaced := false
		for i := range merged.Providers {
			if merged.Providers[i].Key == p.Key {
				merged.Providers[i] = p
				replaced = true
				break
			}
		}
		if !replaced {
			merged.Providers = append(merged.Providers, p)
		}
	}
	for task, route := range override.Routes {
		merged.Routes[task] = route
	}
	return merged
}

// ParseRoutingConfig 解析热更新存储里的 JSON 配置块。
func ParseRoutingConfig(data []byte) (*RoutingConfig, error) {
	var cfg RoutingConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &Error{Code: ErrInvalidConfig, Message: "路由配置 JSON 解析失败: " + err.Error(), Cause: err}
	}
	return &cfg, nil
}
