package stage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"
)

// templateFuncs — дополнительные функции для шаблонов аргументов.
var templateFuncs = template.FuncMap{
	// json — сериализует значение в JSON строку
	"json": func(v any) string {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("error: %v", err)
		}
		return string(b)
	},

	// default — возвращает значение по умолчанию, если второй аргумент пустой
	"default": func(def, val any) any {
		if val == nil {
			return def
		}
		if s, ok := val.(string); ok && s == "" {
			return def
		}
		return val
	},

	"lower":   strings.ToLower,
	"upper":   strings.ToUpper,
	"replace": strings.ReplaceAll,
}

// Render рендерит аргумент команды над запросом stage.
//
//	{{ .Inputs.r1 }}
//	{{ .Params.min_depth }}
//	{{ default "out" .WorkDir }}/{{ .SampleName }}.bam
//
// Отсутствующие ключи map считаются ошибкой.
func Render(tmpl string, req *Request) (string, error) {
	if !strings.Contains(tmpl, "{{") {
		return tmpl, nil
	}

	t, err := template.New("").Funcs(templateFuncs).Option("missingkey=error").Parse(tmpl)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, req); err != nil {
		return "", fmt.Errorf("%w: %v", ErrTemplateRender, err)
	}

	return buf.String(), nil
}

// RenderArgs рендерит все аргументы команды.
func RenderArgs(args []string, req *Request) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		rendered, err := Render(arg, req)
		if err != nil {
			return nil, fmt.Errorf("arg %d: %w", i, err)
		}
		out[i] = rendered
	}
	return out, nil
}
