package agent

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/agent/pii"
	"github.com/svv2602/call-center-sub001/llm"
	"github.com/svv2602/call-center-sub001/voice"
)

// ---------------------------------------------------------------------------
// fakes
// ---------------------------------------------------------------------------

type fakeRouter struct {
	mu         sync.Mutex
	tasks      []string
	reqs       []*llm.ChatRequest
	failOnCall int // 1-based; 0 never fails
}

func (f *fakeRouter) Stream(ctx context.Context, task string, req *llm.ChatRequest) (<-chan llm.StreamEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, task)
	cp := *req
	cp.Messages = append([]llm.Message(nil), req.Messages...)
	f.reqs = append(f.reqs, &cp)
	if f.failOnCall == len(f.reqs) {
		return nil, llm.NewError(llm.ErrAllProvidersFailed, "all providers failed")
	}
	ch := make(chan llm.StreamEvent)
	close(ch)
	return ch, nil
}

func (f *fakeRouter) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

// fakePipeline drains the event stream and returns one scripted result
// per round.
type fakePipeline struct {
	mu      sync.Mutex
	results []*voice.SendResult
	errs    []error
	calls   int
}

func (f *fakePipeline) Run(ctx context.Context, events <-chan llm.StreamEvent, bargeIn <-chan struct{}) (*voice.SendResult, error) {
	for range events {
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.calls
	f.calls++
	var err error
	if i < len(f.errs) {
		err = f.errs[i]
	}
	if i < len(f.results) {
		return f.results[i], err
	}
	return &voice.SendResult{StopReason: llm.StopEndTurn}, err
}

type toolInvocation struct {
	name string
	args map[string]any
}

type fakeTools struct {
	mu      sync.Mutex
	schemas []llm.ToolSchema
	invoked []toolInvocation
	results map[string]any
	errs    map[string]error
}

func (f *fakeTools) Schemas() []llm.ToolSchema { return f.schemas }

func (f *fakeTools) Execute(ctx context.Context, name string, args map[string]any) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, toolInvocation{name: name, args: args})
	if err, ok := f.errs[name]; ok {
		return nil, err
	}
	return f.results[name], nil
}

func (f *fakeTools) invocations() []toolInvocation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]toolInvocation(nil), f.invoked...)
}

func newTestLoop(router StreamRouter, pipeline VoicePipeline, tools ToolExecutor, cfg Config) *Loop {
	return NewLoop(router, pipeline, tools, pii.NewVault(), cfg, zap.NewNop())
}

// ---------------------------------------------------------------------------
// single round
// ---------------------------------------------------------------------------

func TestRunTurn_SimpleReply(t *testing.T) {
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{{
		SpokenText: "Добрий день! Чим допомогти?",
		StopReason: llm.StopEndTurn,
		Usage:      llm.Usage{InputTokens: 40, OutputTokens: 12},
	}}}
	tools := &fakeTools{schemas: []llm.ToolSchema{{Name: "lookup_order"}}}
	loop := newTestLoop(router, pipeline, tools, Config{})

	caller := CallerContext{
		CallID: "call-7",
		Name:   "Іван Петренко",
		Phone:  "+380671234567",
	}
	res, err := loop.RunTurn(context.Background(), "Добрий день, мій номер +380671234567", nil, caller, nil)

	require.NoError(t, err)
	assert.NotEmpty(t, res.TurnID)
	assert.Equal(t, "Добрий день! Чим допомогти?", res.SpokenText)
	assert.Equal(t, llm.StopEndTurn, res.StopReason)
	assert.Equal(t, llm.Usage{InputTokens: 40, OutputTokens: 12}, res.Usage)
	assert.Zero(t, res.ToolCallsMade)
	assert.False(t, res.Interrupted)
	assert.False(t, res.Disconnected)

	// History: masked user message plus the assistant reply.
	require.Len(t, res.History, 2)
	assert.Equal(t, llm.RoleUser, res.History[0].Role)
	assert.Equal(t, "Добрий день, мій номер [PHONE_1]", res.History[0].Content)
	assert.Equal(t, llm.RoleAssistant, res.History[1].Role)

	// The request that left the process carries no raw PII anywhere.
	require.Equal(t, 1, router.calls())
	req := router.reqs[0]
	assert.Equal(t, []string{"dialog"}, router.tasks)
	assert.NotContains(t, req.System, "+380671234567")
	assert.NotContains(t, req.System, "Іван Петренко")
	assert.Contains(t, req.System, "[NAME_1]")
	assert.Contains(t, req.System, "[PHONE_1]")
	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup_order", req.Tools[0].Name)
}

// ---------------------------------------------------------------------------
// tool rounds
// ---------------------------------------------------------------------------

func TestRunTurn_ToolRoundThenAnswer(t *testing.T) {
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{
		{
			SpokenText: "Зараз перевірю.",
			StopReason: llm.StopToolUse,
			ToolCalls: []llm.ToolCall{{
				ID:        "call_1",
				Name:      "check_tire_stock",
				Arguments: map[string]any{"width": float64(205), "profile": float64(55)},
			}},
			Usage: llm.Usage{InputTokens: 100, OutputTokens: 20},
		},
		{
			SpokenText: "Є вісім штук на складі.",
			StopReason: llm.StopEndTurn,
			Usage:      llm.Usage{InputTokens: 150, OutputTokens: 30},
		},
	}}
	tools := &fakeTools{results: map[string]any{
		"check_tire_stock": map[string]any{"in_stock": true, "qty": 8},
	}}
	loop := newTestLoop(router, pipeline, tools, Config{})

	res, err := loop.RunTurn(context.Background(), "Чи є 205 на 55?", nil, CallerContext{CallID: "call-8"}, nil)

	require.NoError(t, err)
	assert.Equal(t, "Зараз перевірю. Є вісім штук на складі.", res.SpokenText)
	assert.Equal(t, llm.StopEndTurn, res.StopReason)
	assert.Equal(t, 1, res.ToolCallsMade)
	assert.Equal(t, llm.Usage{InputTokens: 250, OutputTokens: 50}, res.Usage)

	invocations := tools.invocations()
	require.Len(t, invocations, 1)
	assert.Equal(t, "check_tire_stock", invocations[0].name)
	assert.Equal(t, map[string]any{"width": float64(205), "profile": float64(55)}, invocations[0].args)

	// Second request carries the assistant tool call and its result.
	require.Equal(t, 2, router.calls())
	msgs := router.reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
	require.Len(t, msgs[1].ToolCalls, 1)
	assert.Equal(t, llm.RoleTool, msgs[2].Role)
	assert.Equal(t, "call_1", msgs[2].ToolCallID)
	assert.JSONEq(t, `{"in_stock":true,"qty":8}`, msgs[2].Content)

	// Final history: user, assistant, tool, assistant.
	require.Len(t, res.History, 4)
	assert.Equal(t, llm.RoleAssistant, res.History[3].Role)
}

func TestRunTurn_ToolErrorIsNotFatal(t *testing.T) {
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{
		{
			SpokenText: "Переводжу на оператора.",
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{{ID: "call_1", Name: "transfer_to_operator", Arguments: map[string]any{}}},
		},
		{
			SpokenText: "На жаль, оператори зайняті.",
			StopReason: llm.StopEndTurn,
		},
	}}
	tools := &fakeTools{errs: map[string]error{
		"transfer_to_operator": errors.New("queue full"),
	}}
	loop := newTestLoop(router, pipeline, tools, Config{})

	res, err := loop.RunTurn(context.Background(), "З'єднайте з людиною", nil, CallerContext{}, nil)

	require.NoError(t, err)
	assert.Equal(t, llm.StopEndTurn, res.StopReason)
	assert.Equal(t, 1, res.ToolCallsMade)

	msgs := router.reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.JSONEq(t, `{"error":"queue full"}`, msgs[2].Content)
}

func TestRunTurn_MaxToolRoundsCap(t *testing.T) {
	round := func(id string) *voice.SendResult {
		return &voice.SendResult{
			SpokenText: "Хвилинку.",
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{{ID: id, Name: "lookup_order", Arguments: map[string]any{}}},
		}
	}
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{
		round("call_1"), round("call_2"), round("call_3"),
	}}
	tools := &fakeTools{results: map[string]any{"lookup_order": "не знайдено"}}
	loop := newTestLoop(router, pipeline, tools, Config{MaxToolRounds: 2})

	res, err := loop.RunTurn(context.Background(), "Де моє замовлення?", nil, CallerContext{}, nil)

	require.NoError(t, err)
	assert.Equal(t, StopMaxToolRounds, res.StopReason)
	// The cap, not one more.
	assert.Equal(t, 2, res.ToolCallsMade)
	assert.Equal(t, 2, router.calls())
	assert.Len(t, tools.invocations(), 2)
}

func TestRunTurn_NoRegistryMakesToolUnavailable(t *testing.T) {
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{
		{
			StopReason: llm.StopToolUse,
			ToolCalls:  []llm.ToolCall{{ID: "call_1", Name: "check_tire_stock", Arguments: map[string]any{}}},
		},
		{
			SpokenText: "Не можу перевірити зараз.",
			StopReason: llm.StopEndTurn,
		},
	}}
	loop := NewLoop(router, pipeline, nil, nil, Config{}, zap.NewNop())

	res, err := loop.RunTurn(context.Background(), "Чи є шини?", nil, CallerContext{}, nil)

	require.NoError(t, err)
	assert.Equal(t, llm.StopEndTurn, res.StopReason)
	assert.Empty(t, router.reqs[0].Tools)
	msgs := router.reqs[1].Messages
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[2].Content, "is not available")
}

// ---------------------------------------------------------------------------
// failure and interruption paths
// ---------------------------------------------------------------------------

func TestRunTurn_StreamCallErrorFailsTurn(t *testing.T) {
	router := &fakeRouter{failOnCall: 1}
	pipeline := &fakePipeline{}
	loop := newTestLoop(router, pipeline, nil, Config{})

	res, err := loop.RunTurn(context.Background(), "Алло", nil, CallerContext{}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "llm stream")
	assert.True(t, llm.IsCode(err, llm.ErrAllProvidersFailed))
	require.NotNil(t, res)
	assert.Equal(t, llm.StopError, res.StopReason)
	assert.Empty(t, res.SpokenText)
	// The user message is already in history; the caller may retry the turn.
	require.Len(t, res.History, 1)
}

func TestRunTurn_PipelineErrorFailsTurnWithPartials(t *testing.T) {
	router := &fakeRouter{}
	pipeline := &fakePipeline{
		results: []*voice.SendResult{{
			SpokenText: "Почина",
			StopReason: llm.StopError,
			Usage:      llm.Usage{InputTokens: 5, OutputTokens: 1},
		}},
		errs: []error{errors.New("audio device lost")},
	}
	loop := newTestLoop(router, pipeline, nil, Config{})

	res, err := loop.RunTurn(context.Background(), "Алло", nil, CallerContext{}, nil)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "voice pipeline")
	assert.Equal(t, llm.StopError, res.StopReason)
	assert.Equal(t, "Почина", res.SpokenText)
	assert.Equal(t, llm.Usage{InputTokens: 5, OutputTokens: 1}, res.Usage)
}

func TestRunTurn_MidStreamFailureEndsTurnQuietly(t *testing.T) {
	// The stream died after partial output; the sender reports StopError
	// without a pipeline error. No tools ran, so none are counted.
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{{
		SpokenText: "Перевіряю наяв",
		StopReason: llm.StopError,
		Usage:      llm.Usage{InputTokens: 90, OutputTokens: 4},
	}}}
	tools := &fakeTools{}
	loop := newTestLoop(router, pipeline, tools, Config{})

	res, err := loop.RunTurn(context.Background(), "Чи є шини?", nil, CallerContext{}, nil)

	require.NoError(t, err)
	assert.Equal(t, llm.StopError, res.StopReason)
	assert.Equal(t, "Перевіряю наяв", res.SpokenText)
	assert.Zero(t, res.ToolCallsMade)
	assert.Equal(t, 1, router.calls())
	assert.Empty(t, tools.invocations())
}

func TestRunTurn_InterruptedSkipsToolsAndStops(t *testing.T) {
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{{
		SpokenText:  "Зараз пере",
		StopReason:  llm.StopToolUse,
		ToolCalls:   []llm.ToolCall{{ID: "call_1", Name: "lookup_order", Arguments: map[string]any{}}},
		Interrupted: true,
	}}}
	tools := &fakeTools{}
	loop := newTestLoop(router, pipeline, tools, Config{})

	res, err := loop.RunTurn(context.Background(), "Де замовлення?", nil, CallerContext{}, nil)

	require.NoError(t, err)
	assert.True(t, res.Interrupted)
	assert.Equal(t, llm.StopToolUse, res.StopReason)
	assert.Zero(t, res.ToolCallsMade)
	assert.Equal(t, 1, router.calls())
	assert.Empty(t, tools.invocations())

	// The unexecuted call never reaches history; an unanswered tool_use
	// would poison the next turn's request. Only the spoken lead-in stays.
	require.Len(t, res.History, 2)
	assert.Equal(t, llm.RoleAssistant, res.History[1].Role)
	assert.Equal(t, "Зараз пере", res.History[1].Content)
	assert.Empty(t, res.History[1].ToolCalls)
}

func TestRunTurn_DisconnectedStopsLoop(t *testing.T) {
	router := &fakeRouter{}
	pipeline := &fakePipeline{results: []*voice.SendResult{{
		StopReason:   llm.StopEndTurn,
		Disconnected: true,
	}}}
	loop := newTestLoop(router, pipeline, nil, Config{})

	res, err := loop.RunTurn(context.Background(), "Алло", nil, CallerContext{}, nil)

	require.NoError(t, err)
	assert.True(t, res.Disconnected)
	assert.Equal(t, 1, router.calls())
	// Nothing was spoken and nothing ran: history gains only the user line.
	require.Len(t, res.History, 1)
}
