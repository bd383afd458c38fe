package factory

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
	"github.com/svv2602/call-center-sub001/llm/providers/anthropic"
	"github.com/svv2602/call-center-sub001/llm/providers/openaicompat"
)

// NewProvider 按条目类型构造 Provider。apiKey 由调用方从进程环境解析，
// 这里不做任何环境变量读取。
func NewProvider(entry llm.ProviderEntry, apiKey string, logger *zap.Logger) (llm.Provider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	switch entry.Type {
	case llm.ProviderAnthropicNative:
		return anthropic.New(anthropic.Config{
			ProviderName: entry.Key,
			APIKey:       apiKey,
			Model:        entry.Model,
			BaseURL:      entry.BaseURL,
		}, logger), nil

	case llm.ProviderOpenAICompatible:
		if entry.BaseURL == "" {
			return nil, llm.NewError(llm.ErrInvalidConfig,
				fmt.Sprintf("provider %q: openai-compatible 类型缺少 base_url", entry.Key))
		}
		return openaicompat.New(openaicompat.Config{
			ProviderName: entry.Key,
			APIKey:       apiKey,
			BaseURL:      entry.BaseURL,
			Model:        entry.Model,
		}, logger), nil

	default:
		return nil, llm.NewError(llm.ErrInvalidConfig,
			fmt.Sprintf("provider %q: 未知类型 %q", entry.Key, entry.Type))
	}
}
