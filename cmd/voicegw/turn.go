package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/svv2602/call-center-sub001/agent"
	"github.com/svv2602/call-center-sub001/agent/pii"
	"github.com/svv2602/call-center-sub001/voice"
)

// =============================================================================
// 🎯 turn 子命令
// =============================================================================
// 在本地跑一个完整对话轮次：真实路由器 + 真实工具 + PII 遮蔽 +
// 语音流水线，只有电话通道和 TTS 引擎是替身。用来在没有话务线路的
// 环境里端到端验证一条配置。

func runTurn(args []string) {
	fs := flag.NewFlagSet("turn", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	text := fs.String("text", "Доброго дня! Чи є у вас зимові шини 205/55 R16?", "User utterance")
	name := fs.String("name", "", "Caller name")
	phone := fs.String("phone", "", "Caller phone")
	_ = fs.Parse(args)

	cfg := loadConfig(*configPath)
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// 调试轮次不接配置存储，路由表来自文件或内置默认
	router, err := buildRouter(ctx, cfg, nil, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build LLM router: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = router.Close() }()

	registry, err := newDemoRegistry(logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to build tool registry: %v\n", err)
		os.Exit(1)
	}

	pipeline := voice.NewPipeline(&textSynthEngine{}, &stdoutConn{}, voice.PipelineConfig{
		MinClauseChars: cfg.Voice.MinClauseChars,
		Sequential:     cfg.Voice.Sequential,
		ChannelBuffer:  cfg.Voice.ChannelBuffer,
	}, logger)

	loop := agent.NewLoop(router, pipeline, registry, pii.NewVault(), agent.Config{
		Task:          cfg.Agent.Task,
		SystemPrompt:  cfg.Agent.SystemPrompt,
		HistoryWindow: cfg.Agent.HistoryWindow,
		MaxToolRounds: cfg.Agent.MaxToolRounds,
	}, logger)

	caller := agent.CallerContext{
		CallID: "local-" + uuid.New().String()[:8],
		Name:   *name,
		Phone:  *phone,
	}

	fmt.Printf("👤 %s\n", *text)
	res, err := loop.RunTurn(ctx, *text, nil, caller, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Turn failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("✅ Turn complete")
	fmt.Printf("   Turn ID:     %s\n", res.TurnID)
	fmt.Printf("   Stop reason: %s\n", res.StopReason)
	fmt.Printf("   Tool calls:  %d\n", res.ToolCallsMade)
	fmt.Printf("   Tokens:      in=%d out=%d\n", res.Usage.InputTokens, res.Usage.OutputTokens)
	fmt.Printf("   History:     %d messages\n", len(res.History))
}

// textSynthEngine 是 TTS 替身：把文本原样当作“音频”字节返回。
type textSynthEngine struct{}

func (e *textSynthEngine) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return []byte(text), nil
}

// stdoutConn 是电话通道替身：把每段“音频”按文本打印出来。
type stdoutConn struct{}

func (c *stdoutConn) SendAudio(ctx context.Context, audio []byte, cancel <-chan struct{}) (bool, error) {
	fmt.Printf("🗣️  %s\n", string(audio))
	return false, nil
}

func (c *stdoutConn) IsClosed() bool { return false }
