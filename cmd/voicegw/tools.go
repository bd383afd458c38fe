package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/svv2602/call-center-sub001/llm"
	"github.com/svv2602/call-center-sub001/tools"
)

// =============================================================================
// 🔧 演示工具
// =============================================================================
// 三个内存实现的呼叫中心工具。生产部署时业务侧用同样的注册表
// 换成真实实现，对话循环不感知差别。

type demoOrder struct {
	Status string `json:"status"`
	Items  string `json:"items"`
	ETA    string `json:"eta,omitempty"`
}

type demoStock struct {
	Count int `json:"count"`
	Price int `json:"price_uah"`
}

var demoOrders = map[string]demoOrder{
	"A-1017": {Status: "в дорозі", Items: "4x Nokian Hakkapeliitta R5 205/55 R16", ETA: "завтра до 14:00"},
	"A-1018": {Status: "готово до видачі", Items: "2x Michelin Primacy 4 225/45 R17"},
	"A-1023": {Status: "очікує оплати", Items: "4x Rosava Itegro 195/65 R15"},
}

// 订单也可以按来电号码查（呼叫层在执行前已把占位符还原成真实号码）
var demoOrdersByPhone = map[string]string{
	"+380501234567": "A-1017",
	"+380931112233": "A-1023",
}

var demoTireStock = map[string]map[string]demoStock{
	"205/55R16": {
		"winter": {Count: 16, Price: 3450},
		"summer": {Count: 8, Price: 2980},
	},
	"225/45R17": {
		"winter": {Count: 4, Price: 5200},
		"summer": {Count: 12, Price: 4690},
	},
	"195/65R15": {
		"winter": {Count: 0, Price: 2540},
		"summer": {Count: 23, Price: 2100},
	},
}

// newDemoRegistry 注册演示工具并返回注册表
func newDemoRegistry(logger *zap.Logger) (*tools.Registry, error) {
	r := tools.NewRegistry(logger)

	if err := r.Register("lookup_order", llm.ToolSchema{
		Name:        "lookup_order",
		Description: "Пошук замовлення за номером замовлення або телефоном клієнта",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"order_id": {"type": "string", "description": "Номер замовлення, напр. A-1017"},
				"phone": {"type": "string", "description": "Телефон клієнта"}
			}
		}`),
	}, lookupOrder, tools.WithTimeout(5*time.Second)); err != nil {
		return nil, err
	}

	if err := r.Register("check_tire_stock", llm.ToolSchema{
		Name:        "check_tire_stock",
		Description: "Перевірка наявності шин за розміром і сезоном",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"width": {"type": "number", "description": "Ширина, мм"},
				"profile": {"type": "number", "description": "Профіль, %"},
				"diameter": {"type": "number", "description": "Діаметр, дюйми"},
				"season": {"type": "string", "enum": ["winter", "summer"]}
			},
			"required": ["width", "profile", "diameter"]
		}`),
	}, checkTireStock, tools.WithRateLimit(10, 20)); err != nil {
		return nil, err
	}

	if err := r.Register("transfer_to_operator", llm.ToolSchema{
		Name:        "transfer_to_operator",
		Description: "Переведення дзвінка на живого оператора",
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"reason": {"type": "string", "description": "Коротка причина переведення"}
			},
			"required": ["reason"]
		}`),
	}, transferToOperator, tools.WithTimeout(5*time.Second)); err != nil {
		return nil, err
	}

	return r, nil
}

func lookupOrder(ctx context.Context, args map[string]any) (any, error) {
	if id, ok := strArg(args, "order_id"); ok {
		if order, found := demoOrders[strings.ToUpper(id)]; found {
			return order, nil
		}
		return map[string]string{"error": "замовлення не знайдено"}, nil
	}
	if phone, ok := strArg(args, "phone"); ok {
		if id, found := demoOrdersByPhone[normalizePhone(phone)]; found {
			order := demoOrders[id]
			return map[string]any{"order_id": id, "status": order.Status, "items": order.Items, "eta": order.ETA}, nil
		}
		return map[string]string{"error": "за цим номером замовлень немає"}, nil
	}
	return nil, fmt.Errorf("lookup_order requires order_id or phone")
}

func checkTireStock(ctx context.Context, args map[string]any) (any, error) {
	width, okW := floatArg(args, "width")
	profile, okP := floatArg(args, "profile")
	diameter, okD := floatArg(args, "diameter")
	if !okW || !okP || !okD {
		return nil, fmt.Errorf("check_tire_stock requires width, profile and diameter")
	}

	size := fmt.Sprintf("%d/%dR%d", int(width), int(profile), int(diameter))
	bySeason, found := demoTireStock[size]
	if !found {
		return map[string]any{"size": size, "in_stock": false}, nil
	}

	season, _ := strArg(args, "season")
	if season == "" {
		// 未指定季节时返回全部
		return map[string]any{"size": size, "in_stock": true, "seasons": bySeason}, nil
	}
	stock, found := bySeason[season]
	if !found {
		return map[string]any{"size": size, "season": season, "in_stock": false}, nil
	}
	return map[string]any{
		"size":      size,
		"season":    season,
		"in_stock":  stock.Count > 0,
		"count":     stock.Count,
		"price_uah": stock.Price,
	}, nil
}

func transferToOperator(ctx context.Context, args map[string]any) (any, error) {
	reason, _ := strArg(args, "reason")
	return map[string]any{
		"queued":       true,
		"position":     2,
		"wait_minutes": 3,
		"reason":       reason,
	}, nil
}

// --- 参数提取辅助 ---

func strArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

func floatArg(args map[string]any, key string) (float64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	default:
		return 0, false
	}
}

// normalizePhone 去掉号码里的空格、破折号和括号
func normalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		switch r {
		case ' ', '-', '(', ')':
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
