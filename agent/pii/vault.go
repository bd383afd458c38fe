// Package pii 在文本离开进程、流向 LLM 之前把电话号码与人名替换成
// 可逆占位符，并在调用内部业务工具前把真实值还原回去。
//
// Vault 的生命周期严格绑定一通电话：每通电话一个实例，随通话结束
// 丢弃，映射永不落盘。非并发安全，由持有它的对话循环独占使用。
package pii

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	// 电话：可选 + 或 (，至少 7 位数字，数字间允许空格、横线与括号。
	phonePattern = regexp.MustCompile(`\+?\(?\d(?:[ \-()]*\d){6,}`)
	// 人名：两个首字母大写的词，词内允许撇号，覆盖西里尔字母。
	namePattern = regexp.MustCompile(`\p{Lu}[\p{Ll}'’]*\p{Ll}\s+\p{Lu}[\p{Ll}'’]*\p{Ll}`)
	// 已发放的占位符形态。
	placeholderPattern = regexp.MustCompile(`\[(?:PHONE|NAME)_\d+\]`)
)

// streetKeywords 列出紧邻人名模式之前出现时判定为街道名的词。
// 街道名不是个人数据，保持原样。
var streetKeywords = func() map[string]struct{} {
	words := []string{
		"вул", "вулиця", "вулиці", "просп", "проспект", "пров", "провулок",
		"бульв", "бульвар", "пл", "площа",
		"st", "street", "ave", "avenue", "rd", "road",
	}
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}()

// Vault 维护一次通话内「原始值 ↔ 占位符」的双向映射。
// 同一原始值在整个生命周期内总是拿到同一个占位符。
type Vault struct {
	phones map[string]string // 原始电话 → 占位符
	names  map[string]string // 原始姓名 → 占位符
	values map[string]string // 占位符 → 原始值
}

// NewVault 为一通电话创建空 Vault。
func NewVault() *Vault {
	return &Vault{
		phones: map[string]string{},
		names:  map[string]string{},
		values: map[string]string{},
	}
}

// Mask 把 text 中的电话与人名替换为占位符。对已经替换过的文本再次
// 调用是幂等的：占位符不含小写字母与长数字串，不会被二次匹配。
// 任何输入都不会报错，识别不出就原样返回。
func (v *Vault) Mask(text string) string {
	if text == "" {
		return text
	}
	masked := phonePattern.ReplaceAllStringFunc(text, func(m string) string {
		return v.placeholder(v.phones, "PHONE", m)
	})
	return v.maskNames(masked)
}

// maskNames 需要知道匹配位置来做街道名判定，因此不能用
// ReplaceAllStringFunc，改走索引遍历。
func (v *Vault) maskNames(text string) string {
	locs := namePattern.FindAllStringIndex(text, -1)
	if len(locs) == 0 {
		return text
	}
	var b strings.Builder
	last := 0
	for _, loc := range locs {
		b.WriteString(text[last:loc[0]])
		val := text[loc[0]:loc[1]]
		if precededByStreetKeyword(text, loc[0]) {
			b.WriteString(val)
		} else {
			b.WriteString(v.placeholder(v.names, "NAME", val))
		}
		last = loc[1]
	}
	b.WriteString(text[last:])
	return b.String()
}

// placeholder 返回 raw 对应的占位符，首次见到时发放新编号。
func (v *Vault) placeholder(byRaw map[string]string, kind, raw string) string {
	if ph, ok := byRaw[raw]; ok {
		return ph
	}
	ph := "[" + kind + "_" + strconv.Itoa(len(byRaw)+1) + "]"
	byRaw[raw] = ph
	v.values[ph] = raw
	return ph
}

// Restore 把 text 中所有已知占位符替换回原始值。
// 不认识的占位符原样保留。
func (v *Vault) Restore(text string) string {
	if text == "" || len(v.values) == 0 {
		return text
	}
	return placeholderPattern.ReplaceAllStringFunc(text, func(ph string) string {
		if raw, ok := v.values[ph]; ok {
			return raw
		}
		return ph
	})
}

// RestoreInArgs 对嵌套参数结构里的每个字符串叶子执行 Restore，
// 用于在调用真实业务工具前还原工具参数。返回新结构，不改写入参。
func (v *Vault) RestoreInArgs(args map[string]any) map[string]any {
	out := make(map[string]any, len(args))
	for k, val := range args {
		out[k] = v.restoreValue(val)
	}
	return out
}

func (v *Vault) restoreValue(val any) any {
	switch t := val.(type) {
	case string:
		return v.Restore(t)
	case map[string]any:
		return v.RestoreInArgs(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = v.restoreValue(item)
		}
		return out
	default:
		return val
	}
}

// precededByStreetKeyword 判断 start 之前紧邻的词是否街道关键词，
// 末尾缩写点与大小写都不影响判定。
func precededByStreetKeyword(text string, start int) bool {
	prefix := strings.TrimRight(text[:start], " \t")
	if prefix == "" {
		return false
	}
	if i := strings.LastIndexAny(prefix, " \t\n,"); i >= 0 {
		prefix = prefix[i+1:]
	}
	word := strings.ToLower(strings.TrimRight(prefix, "."))
	_, ok := streetKeywords[word]
	return ok
}
