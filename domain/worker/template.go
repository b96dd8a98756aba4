package worker

import (
	"encoding/json"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/R3E-Network/trigger-pipeline/infrastructure/errors"
)

var placeholderPattern = regexp.MustCompile(`\{\{\s*([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderTemplate substitutes every {{field}} placeholder in tmpl with the
// corresponding value from the event's template namespace (top-level
// well-known fields plus data.* for registry-specific ones), read via
// gjson path lookups. An unresolved placeholder is left as the literal
// empty string rather than failing the whole render, except when the
// template is a single bare placeholder, in which case the miss is
// reported as an error so a misconfigured action fails loudly instead of
// silently delivering an empty payload.
func RenderTemplate(tmpl string, data map[string]interface{}) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", errors.WorkerTemplateInvalid("template_data", err)
	}
	doc := string(raw)

	if m := placeholderPattern.FindStringSubmatch(tmpl); m != nil && m[0] == tmpl {
		result := gjson.Get(doc, m[1])
		if !result.Exists() {
			return "", errors.WorkerTemplateInvalid(m[1], nil)
		}
		return result.String(), nil
	}

	var renderErr error
	out := placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		field := placeholderPattern.FindStringSubmatch(match)[1]
		result := gjson.Get(doc, field)
		if !result.Exists() {
			return ""
		}
		return result.String()
	})
	if renderErr != nil {
		return "", renderErr
	}
	return out, nil
}

// RenderConfig renders every string-valued entry of cfg against data,
// leaving non-string values untouched.
func RenderConfig(cfg map[string]interface{}, data map[string]interface{}) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(cfg))
	for k, v := range cfg {
		s, ok := v.(string)
		if !ok {
			out[k] = v
			continue
		}
		rendered, err := RenderTemplate(s, data)
		if err != nil {
			return nil, err
		}
		out[k] = rendered
	}
	return out, nil
}
