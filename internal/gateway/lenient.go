package gateway

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashureev/realitycheck-coach/internal/llmjson"
)

// object is a decoded JSON object whose fields are read leniently: missing
// or mistyped fields become zero values instead of errors.
type object map[string]any

func decodeObject(text string) (object, error) {
	obj, err := llmjson.Decode[map[string]any](text)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, &llmjson.MalformedResponseError{Raw: text, Err: fmt.Errorf("response is not a JSON object")}
	}
	return object(obj), nil
}

func (o object) str(key string) string {
	return asString(o[key])
}

func (o object) optStr(key string) *string {
	v, ok := o[key]
	if !ok || v == nil {
		return nil
	}
	s := asString(v)
	if s == "" {
		return nil
	}
	return &s
}

func (o object) strs(key string) []string {
	switch v := o[key].(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s := strings.TrimSpace(asString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	case string:
		if s := strings.TrimSpace(v); s != "" {
			return []string{s}
		}
	}
	return []string{}
}

func (o object) strMap(key string) map[string]string {
	out := make(map[string]string)
	if m, ok := o[key].(map[string]any); ok {
		for k, v := range m {
			out[k] = asString(v)
		}
	}
	return out
}

func (o object) obj(key string) object {
	if m, ok := o[key].(map[string]any); ok {
		return object(m)
	}
	return object{}
}

func (o object) boolean(key string) bool {
	switch v := o[key].(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		return err == nil && b
	}
	return false
}

func asString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprint(t)
		}
		return string(b)
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		key := strings.ToLower(s)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}
