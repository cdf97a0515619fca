package services

import (
	"regexp"
)

var templateRe = regexp.MustCompile(`\{\{\s*([^}]+?)\s*\}\}`)

// ResolveTemplate 将模板里的 {{path}} 占位符替换为上下文解析值的字符串形式。
// 未解析到的路径替换为空串，非占位文本原样保留。只做查找替换，没有任何
// 表达式求值能力。
func ResolveTemplate(template string, ctx *ExecutionContext) string {
	if template == "" {
		return ""
	}
	return templateRe.ReplaceAllStringFunc(template, func(match string) string {
		path := templateRe.FindStringSubmatch(match)[1]
		return Stringify(ctx.Resolve(path))
	})
}

// ResolveObjectTemplates 递归处理嵌套结构，只替换字符串叶子，
// 其他类型原样返回。用于 webhook body、任务描述等结构化模板。
func ResolveObjectTemplates(value interface{}, ctx *ExecutionContext) interface{} {
	switch t := value.(type) {
	case string:
		return ResolveTemplate(t, ctx)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, v := range t {
			out[k] = ResolveObjectTemplates(v, ctx)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, v := range t {
			out[i] = ResolveObjectTemplates(v, ctx)
		}
		return out
	default:
		return value
	}
}
