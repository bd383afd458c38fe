// 所有配置项的默认值。
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:    DefaultServerConfig(),
		LLM:       DefaultLLMConfig(),
		Voice:     DefaultVoiceConfig(),
		Agent:     DefaultAgentConfig(),
		Redis:     DefaultRedisConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		ReadTimeout:     10 * time.Second,
		WriteTimeout:    10 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// DefaultLLMConfig 返回默认路由器配置。
// Routing 留空：空路由表在装配时回退到 llm.DefaultRoutingConfig。
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		StoreKey:            "voicegw:llm:routing",
		PollInterval:        30 * time.Second,
		CompletionTimeout:   60 * time.Second,
		FirstEventTimeout:   15 * time.Second,
		BreakerThreshold:    3,
		BreakerResetTimeout: 30 * time.Second,
	}
}

// DefaultVoiceConfig 返回默认语音流水线配置。
// 零值字段在流水线内部取各自默认。
func DefaultVoiceConfig() VoiceConfig {
	return VoiceConfig{
		MinClauseChars: 0,
		Sequential:     false,
		ChannelBuffer:  0,
	}
}

// DefaultAgentConfig 返回默认对话循环配置
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		Task:          "dialog",
		SystemPrompt:  "",
		HistoryWindow: 20,
		MaxToolRounds: 4,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "voicegw",
		SampleRate:   0.1,
	}
}
