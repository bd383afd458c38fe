package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/config"
	"github.com/svv2602/call-center-sub001/internal/configstore"
	"github.com/svv2602/call-center-sub001/internal/server"
	"github.com/svv2602/call-center-sub001/internal/telemetry"
	"github.com/svv2602/call-center-sub001/llm"
	"github.com/svv2602/call-center-sub001/llm/circuitbreaker"
	"github.com/svv2602/call-center-sub001/llm/factory"
	"github.com/svv2602/call-center-sub001/tools"
)

// =============================================================================
// 🖥️ Server 结构
// =============================================================================

// Server 是 voicegw 的运维服务端：装配路由器、工具注册表与配置存储，
// 在单个 HTTP 端口上暴露 /healthz、/readyz、/version 与 /metrics。
// 通话本身不走这里，呼叫层在进程内直接驱动 agent.Loop。
type Server struct {
	cfg    *config.Config
	logger *zap.Logger
	otel   *telemetry.Providers

	store    *configstore.Store
	router   *llm.Router
	registry *tools.Registry

	opsManager *server.Manager
}

// NewServer 创建服务器实例
func NewServer(cfg *config.Config, logger *zap.Logger, otel *telemetry.Providers) *Server {
	return &Server{
		cfg:    cfg,
		logger: logger,
		otel:   otel,
	}
}

// =============================================================================
// 🚀 启动流程
// =============================================================================

// Start 装配依赖并启动运维 HTTP 端
func (s *Server) Start() error {
	// 1. 路由配置存储（可选，Redis 不可用时只用内置路由）
	if s.cfg.Redis.Addr != "" {
		store, err := configstore.New(redisConfig(s.cfg.Redis), s.logger)
		if err != nil {
			s.logger.Warn("配置存储不可用，使用内置路由", zap.Error(err))
		} else {
			s.store = store
		}
	}

	// 2. LLM 路由器
	router, err := buildRouter(context.Background(), s.cfg, s.store, s.logger)
	if err != nil {
		return fmt.Errorf("failed to build llm router: %w", err)
	}
	s.router = router

	// 3. 工具注册表（演示工具，业务侧可替换）
	registry, err := newDemoRegistry(s.logger)
	if err != nil {
		return fmt.Errorf("failed to register tools: %w", err)
	}
	s.registry = registry

	// 4. 运维 HTTP 端
	if err := s.startOpsServer(); err != nil {
		return fmt.Errorf("failed to start ops server: %w", err)
	}

	s.logger.Info("voicegw started",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Strings("providers", s.router.ProviderKeys()),
		zap.Bool("store_connected", s.store != nil),
	)
	return nil
}

// redisConfig 把顶层配置映射到存储包的连接配置
func redisConfig(cfg config.RedisConfig) configstore.Config {
	return configstore.Config{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		TLS:          cfg.TLS,
		MaxRetries:   cfg.MaxRetries,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	}
}

// buildRouter 按配置装配 LLM 路由器。store 为 nil 时只用静态路由。
func buildRouter(ctx context.Context, cfg *config.Config, store *configstore.Store, logger *zap.Logger) (*llm.Router, error) {
	// 空路由表回退到内置默认
	var routing *llm.RoutingConfig
	if len(cfg.LLM.Routing.Providers) > 0 {
		routing = &cfg.LLM.Routing
	}

	// 接口值必须保持真 nil，否则路由器会对空指针调用 Get
	var src llm.ConfigSource
	if store != nil {
		src = store
	}

	routerCfg := llm.RouterConfig{
		StoreKey:          cfg.LLM.StoreKey,
		PollInterval:      cfg.LLM.PollInterval,
		CompletionTimeout: cfg.LLM.CompletionTimeout,
		FirstEventTimeout: cfg.LLM.FirstEventTimeout,
		Breaker: &circuitbreaker.Config{
			Threshold:    cfg.LLM.BreakerThreshold,
			ResetTimeout: cfg.LLM.BreakerResetTimeout,
		},
	}
	return llm.NewRouter(ctx, routing, src, factory.NewProvider, routerCfg, logger)
}

// =============================================================================
// 🌐 运维 HTTP 端
// =============================================================================

func (s *Server) startOpsServer() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	mux.HandleFunc("/version", s.handleVersion)
	mux.Handle("/metrics", promhttp.Handler())

	handler := Chain(mux,
		Recovery(s.logger),
		RequestID(),
		RequestLogger(s.logger),
	)

	serverConfig := server.Config{
		Addr:            fmt.Sprintf(":%d", s.cfg.Server.HTTPPort),
		ReadTimeout:     s.cfg.Server.ReadTimeout,
		WriteTimeout:    s.cfg.Server.WriteTimeout,
		IdleTimeout:     2 * s.cfg.Server.ReadTimeout,
		MaxHeaderBytes:  1 << 20, // 1 MB
		ShutdownTimeout: s.cfg.Server.ShutdownTimeout,
	}

	s.opsManager = server.NewManager(handler, serverConfig, s.logger)
	return s.opsManager.Start()
}

// handleHealthz 存活探针
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleReadyz 就绪探针：至少一个 Provider 探活成功才算就绪
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	providers := map[string]string{}
	ready := false
	for key, err := range s.router.Health(ctx) {
		if err != nil {
			providers[key] = err.Error()
			continue
		}
		providers[key] = "ok"
		ready = true
	}

	storeStatus := "disabled"
	if s.store != nil {
		storeStatus = "ok"
		if err := s.store.Ping(ctx); err != nil {
			storeStatus = err.Error()
		}
	}

	status := http.StatusOK
	body := map[string]any{
		"status":    "ready",
		"providers": providers,
		"store":     storeStatus,
	}
	if !ready {
		status = http.StatusServiceUnavailable
		body["status"] = "not ready"
	}
	writeJSON(w, status, body)
}

// handleVersion 版本信息
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version":    Version,
		"build_time": BuildTime,
		"git_commit": GitCommit,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// =============================================================================
// 🛑 关闭流程
// =============================================================================

// WaitForShutdown 等待关闭信号并优雅关闭
func (s *Server) WaitForShutdown() {
	if s.opsManager != nil {
		s.opsManager.WaitForShutdown()
	}
	s.Shutdown()
}

// Shutdown 优雅关闭所有组件
func (s *Server) Shutdown() {
	s.logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	// 1. 关闭运维 HTTP 端（重复调用安全）
	if s.opsManager != nil {
		if err := s.opsManager.Shutdown(ctx); err != nil {
			s.logger.Error("ops server shutdown error", zap.Error(err))
		}
	}

	// 2. 停止路由器（后台轮询 + Provider 连接）
	if s.router != nil {
		if err := s.router.Close(); err != nil {
			s.logger.Error("router shutdown error", zap.Error(err))
		}
	}

	// 3. 关闭配置存储
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Error("config store shutdown error", zap.Error(err))
		}
	}

	// 4. 刷出遥测数据
	if err := s.otel.Shutdown(ctx); err != nil {
		s.logger.Warn("telemetry shutdown error", zap.Error(err))
	}

	s.logger.Info("Graceful shutdown completed")
}
