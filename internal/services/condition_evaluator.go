package services

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// ConditionConfig 条件配置：叶子条件或嵌套条件组
type ConditionConfig struct {
	Field           string            `json:"field,omitempty"`
	Operator        string            `json:"operator,omitempty"`
	Value           interface{}       `json:"value,omitempty"`
	LogicalOperator string            `json:"logicalOperator,omitempty"` // AND, OR for groups
	Conditions      []ConditionConfig `json:"conditions,omitempty"`
}

// Condition operators.
const (
	OpEquals             = "EQUALS"
	OpNotEquals          = "NOT_EQUALS"
	OpGreaterThan        = "GREATER_THAN"
	OpLessThan           = "LESS_THAN"
	OpGreaterThanOrEqual = "GREATER_THAN_OR_EQUAL"
	OpLessThanOrEqual    = "LESS_THAN_OR_EQUAL"
	OpContains           = "CONTAINS"
	OpNotContains        = "NOT_CONTAINS"
	OpStartsWith         = "STARTS_WITH"
	OpEndsWith           = "ENDS_WITH"
	OpMatchesRegex       = "MATCHES_REGEX"
	OpIn                 = "IN"
	OpNotIn              = "NOT_IN"
	OpIsEmpty            = "IS_EMPTY"
	OpIsNotEmpty         = "IS_NOT_EMPTY"
	OpIsBefore           = "IS_BEFORE"
	OpIsAfter            = "IS_AFTER"
	OpIsBetween          = "IS_BETWEEN"
	OpIsOlderThan        = "IS_OLDER_THAN"
	OpIsNewerThan        = "IS_NEWER_THAN"
	OpIsTrue             = "IS_TRUE"
	OpIsFalse            = "IS_FALSE"
	OpIsNull             = "IS_NULL"
	OpIsNotNull          = "IS_NOT_NULL"
)

// EvaluateCondition 对执行上下文求值一个条件。纯函数，不做任何 I/O。
// 嵌套 conditions 走 AND/OR 组合；没有 field/operator 的条件视为无条件通过
// （裸 ELSE 的场景）。
func EvaluateCondition(cond *ConditionConfig, ctx *ExecutionContext) bool {
	if cond == nil {
		return true
	}
	if len(cond.Conditions) > 0 {
		return evaluateGroup(cond, ctx)
	}
	if cond.Field == "" && cond.Operator == "" {
		return true
	}

	fieldValue := ctx.Resolve(cond.Field)
	compareValue := resolveComparisonValue(cond.Value, ctx)

	switch cond.Operator {
	case OpEquals:
		return compareLoose(fieldValue, compareValue) == 0
	case OpNotEquals:
		return compareLoose(fieldValue, compareValue) != 0
	case OpGreaterThan:
		return compareLoose(fieldValue, compareValue) > 0
	case OpLessThan:
		return compareLoose(fieldValue, compareValue) < 0
	case OpGreaterThanOrEqual:
		return compareLoose(fieldValue, compareValue) >= 0
	case OpLessThanOrEqual:
		return compareLoose(fieldValue, compareValue) <= 0
	case OpContains:
		return strings.Contains(lowerString(fieldValue), lowerString(compareValue))
	case OpNotContains:
		return !strings.Contains(lowerString(fieldValue), lowerString(compareValue))
	case OpStartsWith:
		return strings.HasPrefix(lowerString(fieldValue), lowerString(compareValue))
	case OpEndsWith:
		return strings.HasSuffix(lowerString(fieldValue), lowerString(compareValue))
	case OpMatchesRegex:
		re, err := regexp.Compile(Stringify(compareValue))
		if err != nil {
			return false
		}
		return re.MatchString(Stringify(fieldValue))
	case OpIn:
		return valueInList(fieldValue, compareValue)
	case OpNotIn:
		return !valueInList(fieldValue, compareValue)
	case OpIsEmpty:
		return isEmptyValue(fieldValue)
	case OpIsNotEmpty:
		return !isEmptyValue(fieldValue)
	case OpIsBefore:
		ft, ok1 := asTime(fieldValue)
		ct, ok2 := asTime(compareValue)
		return ok1 && ok2 && ft.Before(ct)
	case OpIsAfter:
		ft, ok1 := asTime(fieldValue)
		ct, ok2 := asTime(compareValue)
		return ok1 && ok2 && ft.After(ct)
	case OpIsBetween:
		return isBetween(fieldValue, compareValue)
	case OpIsOlderThan:
		ft, ok := asTime(fieldValue)
		if !ok {
			return false
		}
		return ft.Before(relativeThreshold(ctx.Now, Stringify(compareValue)))
	case OpIsNewerThan:
		ft, ok := asTime(fieldValue)
		if !ok {
			return false
		}
		return ft.After(relativeThreshold(ctx.Now, Stringify(compareValue)))
	case OpIsTrue:
		return isTruthy(fieldValue)
	case OpIsFalse:
		return isFalsy(fieldValue)
	case OpIsNull:
		return fieldValue == nil
	case OpIsNotNull:
		return fieldValue != nil
	default:
		return false
	}
}

// evaluateGroup AND：全部通过；OR：任一通过。未知组合符按 AND 处理。
func evaluateGroup(cond *ConditionConfig, ctx *ExecutionContext) bool {
	op := cond.LogicalOperator
	if op == "" {
		op = cond.Operator
	}
	if strings.EqualFold(op, "OR") {
		for i := range cond.Conditions {
			if EvaluateCondition(&cond.Conditions[i], ctx) {
				return true
			}
		}
		return false
	}
	for i := range cond.Conditions {
		if !EvaluateCondition(&cond.Conditions[i], ctx) {
			return false
		}
	}
	return true
}

// resolveComparisonValue 比较值本身可以引用上下文：
// "{{path}}" 或以 $ 开头的字符串在比较前先解析。
func resolveComparisonValue(value interface{}, ctx *ExecutionContext) interface{} {
	s, ok := value.(string)
	if !ok {
		return value
	}
	trimmed := strings.TrimSpace(s)
	if strings.HasPrefix(trimmed, "{{") && strings.HasSuffix(trimmed, "}}") {
		return ctx.Resolve(strings.TrimSpace(trimmed[2 : len(trimmed)-2]))
	}
	if strings.HasPrefix(trimmed, "$") {
		return ctx.Resolve(trimmed)
	}
	return value
}

// compareLoose 宽松比较：双数值按数值，双日期按日期，否则大小写不敏感
// 字符串比较。nil 排在一切有值之前，两个 nil 相等。
func compareLoose(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	if na, ok := asNumber(a); ok {
		if nb, ok2 := asNumber(b); ok2 {
			switch {
			case na < nb:
				return -1
			case na > nb:
				return 1
			}
			return 0
		}
	}
	if ta, ok := asTime(a); ok {
		if tb, ok2 := asTime(b); ok2 {
			switch {
			case ta.Before(tb):
				return -1
			case ta.After(tb):
				return 1
			}
			return 0
		}
	}
	return strings.Compare(lowerString(a), lowerString(b))
}

func valueInList(fieldValue, compareValue interface{}) bool {
	list, ok := compareValue.([]interface{})
	if !ok {
		return false
	}
	for _, item := range list {
		if compareLoose(fieldValue, item) == 0 {
			return true
		}
	}
	return false
}

func isBetween(fieldValue, compareValue interface{}) bool {
	list, ok := compareValue.([]interface{})
	if !ok || len(list) != 2 {
		return false
	}
	ft, ok := asTime(fieldValue)
	if !ok {
		return false
	}
	start, ok1 := asTime(list[0])
	end, ok2 := asTime(list[1])
	if !ok1 || !ok2 {
		return false
	}
	return !ft.Before(start) && !ft.After(end) // inclusive
}

var relativeDurationRe = regexp.MustCompile(`^\s*(\d+)\s*(day|hour|minute|month|year)s?\s*$`)

// relativeThreshold now 减去 "<N> <unit>" 时长。解析失败返回未修改的 now
// （边界变成 no-op，而不是报错）。
func relativeThreshold(now time.Time, duration string) time.Time {
	m := relativeDurationRe.FindStringSubmatch(strings.ToLower(duration))
	if m == nil {
		return now
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return now
	}
	switch m[2] {
	case "minute":
		return now.Add(-time.Duration(n) * time.Minute)
	case "hour":
		return now.Add(-time.Duration(n) * time.Hour)
	case "day":
		return now.AddDate(0, 0, -n)
	case "month":
		return now.AddDate(0, -n, 0)
	case "year":
		return now.AddDate(-n, 0, 0)
	}
	return now
}

func asNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func asTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, true
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

// isEmptyValue null、trim 后为空的字符串、空列表、空对象都算空
func isEmptyValue(v interface{}) bool {
	if v == nil {
		return true
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	}
	return false
}

func isTruthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "true")
	default:
		if n, ok := asNumber(v); ok {
			return n == 1
		}
	}
	return false
}

func isFalsy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return !t
	case string:
		return strings.EqualFold(strings.TrimSpace(t), "false")
	default:
		if n, ok := asNumber(v); ok {
			return n == 0
		}
	}
	return false
}

func lowerString(v interface{}) string {
	return strings.ToLower(Stringify(v))
}
