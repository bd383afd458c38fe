package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/svv2602/call-center-sub001/config"
	"github.com/svv2602/call-center-sub001/internal/configstore"
	"github.com/svv2602/call-center-sub001/llm"
)

// =============================================================================
// 📋 routes 子命令
// =============================================================================
// 查看与下发 LLM 路由配置。push 写入 Redis 后，运行中的网关在一个
// 轮询周期内完成热切换，不需要重启。

func runRoutes(args []string) {
	if len(args) < 1 {
		fmt.Fprintln(os.Stderr, "Usage: voicegw routes <show|push> [options]")
		os.Exit(1)
	}

	switch args[0] {
	case "show":
		runRoutesShow(args[1:])
	case "push":
		runRoutesPush(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown routes action: %s\n", args[0])
		os.Exit(1)
	}
}

func runRoutesShow(args []string) {
	fs := flag.NewFlagSet("routes show", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if cfg.Redis.Addr == "" {
		fmt.Println("# config store disabled, effective routing is built-in:")
		printRouting(effectiveDefaultRouting(cfg))
		return
	}

	store, err := configstore.New(redisConfig(cfg.Redis), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to config store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	data, found, err := store.Get(ctx, cfg.LLM.StoreKey)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read routing config: %v\n", err)
		os.Exit(1)
	}
	if !found {
		fmt.Printf("# no routing config at %s, effective routing is built-in:\n", cfg.LLM.StoreKey)
		printRouting(effectiveDefaultRouting(cfg))
		return
	}

	routing, err := llm.ParseRoutingConfig(data)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Stored routing config is invalid: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("# routing config at %s:\n", cfg.LLM.StoreKey)
	printRouting(routing)
}

func runRoutesPush(args []string) {
	fs := flag.NewFlagSet("routes push", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	file := fs.String("file", "", "Routing config file (YAML or JSON)")
	_ = fs.Parse(args)

	if *file == "" {
		fmt.Fprintln(os.Stderr, "routes push requires --file")
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	if cfg.Redis.Addr == "" {
		fmt.Fprintln(os.Stderr, "Config store is disabled (redis.addr is empty), nothing to push to")
		os.Exit(1)
	}

	raw, err := os.ReadFile(*file)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *file, err)
		os.Exit(1)
	}

	var routing llm.RoutingConfig
	if err := yaml.Unmarshal(raw, &routing); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse %s: %v\n", *file, err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := configstore.New(redisConfig(cfg.Redis), logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect to config store: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = store.Close() }()

	// 写入前先校验，坏配置不进存储
	if err := routing.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Routing config is invalid: %v\n", err)
		os.Exit(1)
	}
	data, err := json.Marshal(&routing)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to encode routing config: %v\n", err)
		os.Exit(1)
	}
	if err := store.Set(ctx, cfg.LLM.StoreKey, data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to push routing config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✅ Routing config pushed to %s (%d providers, %d routes)\n",
		cfg.LLM.StoreKey, len(routing.Providers), len(routing.Routes))
	fmt.Printf("   Running gateways pick it up within %s\n", cfg.LLM.PollInterval)
}

func effectiveDefaultRouting(cfg *config.Config) *llm.RoutingConfig {
	if len(cfg.LLM.Routing.Providers) > 0 {
		return &cfg.LLM.Routing
	}
	return llm.DefaultRoutingConfig()
}

func printRouting(routing *llm.RoutingConfig) {
	out, err := json.MarshalIndent(routing, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render routing config: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(out))
}
