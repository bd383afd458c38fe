package agent

import (
	"strings"
	"time"

	"github.com/svv2602/call-center-sub001/agent/pii"
)

// DefaultSystemPrompt 是未配置提示词时的默认人设。
const DefaultSystemPrompt = `Ти — голосовий асистент кол-центру магазину шин і дисків.
Відповідай коротко, двома-трьома реченнями, розмовною українською мовою.
Не вигадуй наявність чи ціни: для перевірки користуйся інструментами.
Якщо клієнт наполягає на розмові з людиною, переведи на оператора.`

// CallerContext 携带一通电话的来电上下文，用于组装系统提示词。
// Name 与 Phone 在进入提示词前会经过 PII 遮蔽。
type CallerContext struct {
	CallID      string
	Phone       string
	Name        string
	OrderStatus string
	// Now 用于推导换胎季提示，零值取当前时间。测试里注入固定时间。
	Now time.Time
}

// buildSystemPrompt 把基础人设、来电人信息、换胎季提示与订单状态
// 拼成最终系统提示词。
func buildSystemPrompt(base string, caller CallerContext, vault *pii.Vault) string {
	if base == "" {
		base = DefaultSystemPrompt
	}

	name := caller.Name
	phone := caller.Phone
	if vault != nil {
		if name != "" {
			name = vault.Mask(name)
		}
		if phone != "" {
			phone = vault.Mask(phone)
		}
	}

	var b strings.Builder
	b.WriteString(base)
	if name != "" {
		b.WriteString("\nІм'я клієнта: " + name + ".")
	}
	if phone != "" {
		b.WriteString("\nТелефон клієнта: " + phone + ".")
	}
	if hint := seasonHint(caller.Now); hint != "" {
		b.WriteString("\n" + hint)
	}
	if caller.OrderStatus != "" {
		b.WriteString("\nСтатус поточного замовлення: " + caller.OrderStatus)
	}
	return b.String()
}

// seasonHint 按月份返回换胎季提示，淡季返回空串。
func seasonHint(now time.Time) string {
	if now.IsZero() {
		now = time.Now()
	}
	switch now.Month() {
	case time.September, time.October, time.November:
		return "Зараз сезон заміни на зимові шини, доречно пропонувати запис на шиномонтаж."
	case time.March, time.April:
		return "Зараз сезон заміни на літні шини, доречно пропонувати запис на шиномонтаж."
	default:
		return ""
	}
}
