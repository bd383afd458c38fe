package voicegw_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	voicegw "github.com/svv2602/call-center-sub001"
	"github.com/svv2602/call-center-sub001/llm"
	"github.com/svv2602/call-center-sub001/testutil"
	"github.com/svv2602/call-center-sub001/tools"
)

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

func scriptedRouting() *llm.RoutingConfig {
	return &llm.RoutingConfig{
		Providers: []llm.ProviderEntry{{
			Key:     "scripted",
			Type:    llm.ProviderOpenAICompatible,
			Model:   "scripted-model",
			BaseURL: "http://localhost:0",
			Enabled: true,
		}},
		Routes: map[string]llm.TaskRoute{
			"dialog": {Primary: "scripted"},
		},
	}
}

func scriptedFactory(sp *testutil.ScriptProvider) llm.ProviderFactory {
	return func(entry llm.ProviderEntry, apiKey string, logger *zap.Logger) (llm.Provider, error) {
		return sp, nil
	}
}

func newGateway(t *testing.T, sp *testutil.ScriptProvider, opts ...voicegw.Option) *voicegw.Gateway {
	t.Helper()
	opts = append([]voicegw.Option{
		voicegw.WithRouting(scriptedRouting()),
		voicegw.WithProviderFactory(scriptedFactory(sp)),
	}, opts...)
	gw, err := voicegw.New(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { gw.Close() })
	return gw
}

// -----------------------------------------------------------------------------
// New / Health / Close
// -----------------------------------------------------------------------------

func TestNew_HealthAndClose(t *testing.T) {
	sp := testutil.NewScriptProvider("scripted")
	gw, err := voicegw.New(context.Background(),
		voicegw.WithRouting(scriptedRouting()),
		voicegw.WithProviderFactory(scriptedFactory(sp)),
	)
	require.NoError(t, err)

	health := gw.Health(context.Background())
	require.Len(t, health, 1)
	assert.NoError(t, health["scripted"])

	require.NoError(t, gw.Close())
	assert.True(t, sp.Closed())
}

func TestNew_UnhealthyProviderReported(t *testing.T) {
	sp := testutil.NewScriptProvider("scripted")
	sp.FailHealth(errors.New("upstream down"))
	gw := newGateway(t, sp)

	health := gw.Health(context.Background())
	require.Len(t, health, 1)
	assert.ErrorContains(t, health["scripted"], "upstream down")
}

// -----------------------------------------------------------------------------
// Call lifecycle
// -----------------------------------------------------------------------------

func TestCall_TurnWithToolRound(t *testing.T) {
	sp := testutil.NewScriptProvider("scripted").
		Script(testutil.ToolTurn("call_1", "check_tire_stock",
			map[string]any{"width": 205, "profile": 55, "diameter": 16},
			"Секунду, перевіряю.")...).
		Script(testutil.TextTurn("Є в наявності, ", "шістнадцять штук.")...)

	registry := tools.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register("check_tire_stock", llm.ToolSchema{
		Name:       "check_tire_stock",
		Parameters: []byte(`{"type":"object"}`),
	}, func(ctx context.Context, args map[string]any) (any, error) {
		return map[string]any{"in_stock": true, "count": 16}, nil
	}))

	gw := newGateway(t, sp, voicegw.WithTools(registry), voicegw.WithoutPIIMasking())

	conn := testutil.NewRecordConn()
	call := gw.NewCall(conn, testutil.NewEchoEngine(), voicegw.Caller("test-call", "", ""))

	res, err := call.RunTurn(context.Background(), "Чи є зимові шини 205/55 R16?", nil)
	require.NoError(t, err)

	assert.Equal(t, llm.StopEndTurn, res.StopReason)
	assert.Equal(t, 1, res.ToolCallsMade)
	assert.Equal(t, "Секунду, перевіряю. Є в наявності, шістнадцять штук.", res.SpokenText)
	assert.Equal(t, []string{"Секунду, перевіряю.", "Є в наявності, шістнадцять штук."}, conn.Sent())

	// user, assistant+tool_call, tool result, final assistant
	history := call.History()
	require.Len(t, history, 4)
	assert.Equal(t, llm.RoleTool, history[2].Role)
	assert.Contains(t, history[2].Content, `"in_stock":true`)
}

func TestCall_HistoryCarriesAcrossTurns(t *testing.T) {
	sp := testutil.NewScriptProvider("scripted").
		Script(testutil.TextTurn("Доброго дня!")...).
		Script(testutil.TextTurn("Так, записав вас на завтра.")...)

	gw := newGateway(t, sp, voicegw.WithoutPIIMasking())
	call := gw.NewCall(testutil.NewRecordConn(), testutil.NewEchoEngine(), voicegw.Caller("test-call", "", ""))

	_, err := call.RunTurn(context.Background(), "Алло!", nil)
	require.NoError(t, err)
	_, err = call.RunTurn(context.Background(), "Запишіть мене на шиномонтаж.", nil)
	require.NoError(t, err)

	// Second request carries the first turn's exchange
	reqs := sp.Requests()
	require.Len(t, reqs, 2)
	require.Len(t, reqs[1].Messages, 3)
	assert.Equal(t, "Алло!", reqs[1].Messages[0].Content)
	assert.Equal(t, "Доброго дня!", reqs[1].Messages[1].Content)

	assert.Len(t, call.History(), 4)
}

// -----------------------------------------------------------------------------
// PII masking end to end
// -----------------------------------------------------------------------------

func TestCall_MasksPIIAndRestoresForTools(t *testing.T) {
	sp := testutil.NewScriptProvider("scripted").
		Script(testutil.ToolTurn("call_1", "lookup_order",
			map[string]any{"phone": "[PHONE_1]"},
			"Зараз перевірю.")...).
		Script(testutil.TextTurn("Замовлення вже в дорозі.")...)

	var gotPhone string
	registry := tools.NewRegistry(zap.NewNop())
	require.NoError(t, registry.Register("lookup_order", llm.ToolSchema{
		Name:       "lookup_order",
		Parameters: []byte(`{"type":"object"}`),
	}, func(ctx context.Context, args map[string]any) (any, error) {
		gotPhone, _ = args["phone"].(string)
		return map[string]any{"status": "в дорозі", "phone": gotPhone}, nil
	}))

	gw := newGateway(t, sp, voicegw.WithTools(registry))
	call := gw.NewCall(testutil.NewRecordConn(), testutil.NewEchoEngine(), voicegw.Caller("test-call", "+380501234567", ""))

	_, err := call.RunTurn(context.Background(), "Мій номер +380501234567, де замовлення?", nil)
	require.NoError(t, err)

	// The model never sees the raw number
	reqs := sp.Requests()
	require.NotEmpty(t, reqs)
	userMsg := reqs[0].Messages[len(reqs[0].Messages)-1]
	assert.Contains(t, userMsg.Content, "[PHONE_1]")
	assert.NotContains(t, userMsg.Content, "380501234567")

	// The tool sees the restored number
	assert.Equal(t, "+380501234567", gotPhone)

	// The tool result goes back masked
	history := call.History()
	require.Len(t, history, 4)
	assert.Contains(t, history[2].Content, "[PHONE_1]")
	assert.NotContains(t, history[2].Content, "380501234567")

	// Tool schemas reached the model
	require.Len(t, reqs[0].Tools, 1)
	assert.Equal(t, "lookup_order", reqs[0].Tools[0].Name)
}

// -----------------------------------------------------------------------------
// No tools configured
// -----------------------------------------------------------------------------

func TestCall_WithoutToolsReportsUnavailable(t *testing.T) {
	sp := testutil.NewScriptProvider("scripted").
		Script(testutil.ToolTurn("call_1", "lookup_order", map[string]any{"order_id": "A-1"})...).
		Script(testutil.TextTurn("Вибачте, не можу перевірити.")...)

	gw := newGateway(t, sp, voicegw.WithoutPIIMasking())
	call := gw.NewCall(testutil.NewRecordConn(), testutil.NewEchoEngine(), voicegw.Caller("test-call", "", ""))

	res, err := call.RunTurn(context.Background(), "Де замовлення A-1?", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ToolCallsMade)

	history := call.History()
	require.Len(t, history, 4)
	assert.Contains(t, history[2].Content, "not available")

	// No schemas were advertised
	reqs := sp.Requests()
	require.NotEmpty(t, reqs)
	assert.Empty(t, reqs[0].Tools)
}
