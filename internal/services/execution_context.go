package services

import (
	"fmt"
	"strings"
	"time"
)

// ExecutionContext 执行上下文：条件求值与模板解析的数据源。
// Rebuilt fresh on every start/resume; never persisted beyond the trigger
// snapshot.
type ExecutionContext struct {
	Current  map[string]interface{}
	Previous map[string]interface{}
	User     map[string]interface{}
	Tenant   map[string]interface{}
	Now      time.Time
}

// NewExecutionContext 创建上下文，nil maps 归一为空 map
func NewExecutionContext(current, previous, user, tenant map[string]interface{}) *ExecutionContext {
	if current == nil {
		current = map[string]interface{}{}
	}
	return &ExecutionContext{
		Current:  current,
		Previous: previous,
		User:     user,
		Tenant:   tenant,
		Now:      time.Now(),
	}
}

// Resolve 解析字段路径。以 $ 开头的路径直接寻址上下文根
// （$current.status、$previous.status、$user.id、$tenant.id、$now），
// 裸路径默认落在 $current 下。未命中返回 nil。
func (c *ExecutionContext) Resolve(path string) interface{} {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}

	var root interface{}
	rest := path
	if strings.HasPrefix(path, "$") {
		parts := strings.SplitN(path, ".", 2)
		switch parts[0] {
		case "$current":
			root = c.Current
		case "$previous":
			root = c.Previous
		case "$user":
			root = c.User
		case "$tenant":
			root = c.Tenant
		case "$now":
			return c.Now
		default:
			return nil
		}
		if len(parts) == 1 {
			return root
		}
		rest = parts[1]
	} else {
		root = c.Current
	}

	return lookupPath(root, rest)
}

func lookupPath(root interface{}, path string) interface{} {
	current := root
	for _, seg := range strings.Split(path, ".") {
		if current == nil {
			return nil
		}
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[seg]
		if !ok {
			return nil
		}
	}
	return current
}

// Stringify 将解析结果转为模板替换用的字符串；nil 变成空串。
func Stringify(v interface{}) string {
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case time.Time:
		return t.Format(time.RFC3339)
	case float64:
		// JSON 数字默认是 float64，整数值去掉小数部分
		if t == float64(int64(t)) {
			return fmt.Sprintf("%d", int64(t))
		}
		return fmt.Sprintf("%v", t)
	default:
		return fmt.Sprintf("%v", v)
	}
}
