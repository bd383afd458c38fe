// Package configstore 提供基于 Redis 的路由配置存储。路由器按固定键轮询
// 热更新的 LLM 路由配置；运维侧通过 Set 下发新配置。存储里只有 Provider
// 清单与路由表，永远不包含 API 密钥。
package configstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/internal/tlsutil"
	"github.com/svv2602/call-center-sub001/llm"
)

// RoutingKey 是路由配置在 Redis 中的存储键。
const RoutingKey = "voicegw:llm:routing"

// Config Redis 连接配置
type Config struct {
	// Redis 地址
	Addr string `yaml:"addr" json:"addr"`

	// 密码
	Password string `yaml:"password" json:"password"`

	// 数据库编号
	DB int `yaml:"db" json:"db"`

	// 启用 TLS 连接
	TLS bool `yaml:"tls" json:"tls"`

	// 最大重试次数
	MaxRetries int `yaml:"max_retries" json:"max_retries"`

	// 连接池大小
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 最小空闲连接数
	MinIdleConns int `yaml:"min_idle_conns" json:"min_idle_conns"`
}

// DefaultConfig 返回默认连接配置
func DefaultConfig() Config {
	return Config{
		Addr:         "localhost:6379",
		DB:           0,
		MaxRetries:   3,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// Store 路由配置存储
type Store struct {
	redis  *redis.Client
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// 路由器的热更新读取接口由 Store 实现。
var _ llm.ConfigSource = (*Store)(nil)

// New 创建配置存储并验证连接
func New(cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := &redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
	if cfg.TLS {
		opts.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	client := redis.NewClient(opts)

	// 测试连接
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	logger = logger.With(zap.String("component", "configstore"))
	logger.Info("config store connected", zap.String("addr", cfg.Addr), zap.Bool("tls", cfg.TLS))

	return &Store{redis: client, logger: logger}, nil
}

// Get 读取配置。键不存在时返回 (nil, false, nil)，调用方回落到内置默认。
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, false, fmt.Errorf("config store is closed")
	}

	val, err := s.redis.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		s.logger.Error("config get failed", zap.String("key", key), zap.Error(err))
		return nil, false, fmt.Errorf("config get failed: %w", err)
	}
	return val, true, nil
}

// Set 写入配置。配置不设 TTL，直到下一次覆盖前一直有效。
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("config store is closed")
	}

	if err := s.redis.Set(ctx, key, value, 0).Err(); err != nil {
		s.logger.Error("config set failed", zap.String("key", key), zap.Error(err))
		return fmt.Errorf("config set failed: %w", err)
	}
	return nil
}

// SetRouting 校验并下发一份路由配置覆盖。
func (s *Store) SetRouting(ctx context.Context, cfg *llm.RoutingConfig) error {
	if cfg == nil {
		return llm.NewError(llm.ErrInvalidConfig, "routing config 为空")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal routing config: %w", err)
	}
	return s.Set(ctx, RoutingKey, data)
}

// Ping 检查 Redis 连接
func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("config store is closed")
	}
	return s.redis.Ping(ctx).Err()
}

// Close 关闭存储
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.redis.Close()
}
