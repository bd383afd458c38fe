// 统一配置加载：默认值 → YAML 文件 → 环境变量。
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("voicegw.yaml").
//	    Load()
//
// 环境变量覆盖按 "VOICEGW_<节>_<字段>" 命名，例如
// VOICEGW_SERVER_HTTP_PORT=9090、VOICEGW_LOG_LEVEL=debug。
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/svv2602/call-center-sub001/llm"
)

// Config 是 voicegw 的完整进程配置。
//
// LLM 路由表（Provider 清单与任务链）可以写在 llm.routing 节里，
// 也可以留空走内置默认并由 Redis 热更新覆盖。配置文件中永远不出现
// API 密钥，Provider 条目只记录密钥的环境变量名。
type Config struct {
	// Server 运维 HTTP 端（/healthz、/metrics）
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// LLM 路由器行为与静态路由表
	LLM LLMConfig `yaml:"llm" env:"LLM"`

	// Voice 语音流水线参数
	Voice VoiceConfig `yaml:"voice" env:"VOICE"`

	// Agent 对话循环参数
	Agent AgentConfig `yaml:"agent" env:"AGENT"`

	// Redis 路由配置存储
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 运维 HTTP 服务配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// LLMConfig 路由器配置
type LLMConfig struct {
	// 热更新存储中路由配置的键
	StoreKey string `yaml:"store_key" env:"STORE_KEY"`
	// 后台轮询热更新配置的间隔，0 不轮询
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 单次同步请求超时
	CompletionTimeout time.Duration `yaml:"completion_timeout" env:"COMPLETION_TIMEOUT"`
	// 流式请求首事件超时
	FirstEventTimeout time.Duration `yaml:"first_event_timeout" env:"FIRST_EVENT_TIMEOUT"`
	// 熔断阈值（连续失败次数）
	BreakerThreshold int `yaml:"breaker_threshold" env:"BREAKER_THRESHOLD"`
	// 熔断恢复等待时间
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout" env:"BREAKER_RESET_TIMEOUT"`
	// 静态路由表，空表示使用内置默认
	Routing llm.RoutingConfig `yaml:"routing"`
}

// VoiceConfig 语音流水线配置
type VoiceConfig struct {
	// 短句切分的最小长度（字符数），0 用默认，负数关闭短句切分
	MinClauseChars int `yaml:"min_clause_chars" env:"MIN_CLAUSE_CHARS"`
	// 顺序合成模式（关闭预取）
	Sequential bool `yaml:"sequential" env:"SEQUENTIAL"`
	// 阶段之间的通道缓冲
	ChannelBuffer int `yaml:"channel_buffer" env:"CHANNEL_BUFFER"`
}

// AgentConfig 对话循环配置
type AgentConfig struct {
	// 路由任务名
	Task string `yaml:"task" env:"TASK"`
	// 系统提示词，空用内置默认
	SystemPrompt string `yaml:"system_prompt" env:"SYSTEM_PROMPT"`
	// 历史窗口（消息条数）
	HistoryWindow int `yaml:"history_window" env:"HISTORY_WINDOW"`
	// 单轮最大工具回合数
	MaxToolRounds int `yaml:"max_tool_rounds" env:"MAX_TOOL_ROUNDS"`
}

// RedisConfig Redis 连接配置
type RedisConfig struct {
	// 地址，空表示不接存储，只用内置路由
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 启用 TLS 连接
	TLS bool `yaml:"tls" env:"TLS"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "VOICEGW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 没有 env tag 的字段（比如路由表）只能来自文件或存储
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Agent.HistoryWindow < 0 {
		errs = append(errs, "history_window must not be negative")
	}
	if c.Agent.MaxToolRounds < 0 {
		errs = append(errs, "max_tool_rounds must not be negative")
	}
	if c.Voice.ChannelBuffer < 0 {
		errs = append(errs, "channel_buffer must not be negative")
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, "sample_rate must be between 0 and 1")
	}

	// 路由表非空时按 llm 包的规则校验
	if len(c.LLM.Routing.Providers) > 0 || len(c.LLM.Routing.Routes) > 0 {
		if err := c.LLM.Routing.Validate(); err != nil {
			errs = append(errs, err.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}
