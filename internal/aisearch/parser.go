package aisearch

import (
	"encoding/json"
	"strings"

	"github.com/loreforge/loreforge/internal/model"
)

// Structured is the parsed AI-search answer: items bucketed by content type
// plus the trailing meta object. Unknown top-level keys are recorded so the
// caller can emit a diagnostic.
type Structured struct {
	Items       map[model.ContentType][]map[string]any
	Meta        map[string]any
	UnknownKeys []string
}

// Total returns the number of items across all content types.
func (s *Structured) Total() int {
	n := 0
	for _, items := range s.Items {
		n += len(items)
	}
	return n
}

// ParseStructured parses the answer text permissively: code fences are
// stripped and the substring between the first '{' and the last '}' is taken
// before unmarshalling. Keys outside the closed content-type vocabulary (and
// "meta") are collected, not rejected.
func ParseStructured(raw string) (*Structured, error) {
	cleaned := stripFences(raw)
	start := strings.Index(cleaned, "{")
	end := strings.LastIndex(cleaned, "}")
	if start < 0 || end <= start {
		return nil, &CallError{Kind: KindPermanent, Message: "no JSON object in answer"}
	}
	cleaned = cleaned[start : end+1]

	var top map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &top); err != nil {
		return nil, &CallError{Kind: KindPermanent, Message: "parse answer: " + err.Error()}
	}

	out := &Structured{Items: map[model.ContentType][]map[string]any{}}
	for key, rawVal := range top {
		if key == "meta" {
			_ = json.Unmarshal(rawVal, &out.Meta)
			continue
		}
		ct := model.ContentType(key)
		if !model.ValidContentType(key) {
			out.UnknownKeys = append(out.UnknownKeys, key)
			continue
		}
		var items []map[string]any
		if err := json.Unmarshal(rawVal, &items); err != nil {
			// A single object instead of an array is tolerated.
			var one map[string]any
			if err2 := json.Unmarshal(rawVal, &one); err2 != nil {
				out.UnknownKeys = append(out.UnknownKeys, key)
				continue
			}
			items = []map[string]any{one}
		}
		if len(items) > 0 {
			out.Items[ct] = items
		}
	}
	return out, nil
}

// Stringify renders structured content back into the canonical answer JSON.
// ParseStructured(Stringify(s)) round-trips for valid content.
func Stringify(s *Structured) string {
	top := map[string]any{}
	for ct, items := range s.Items {
		top[string(ct)] = items
	}
	if s.Meta != nil {
		top["meta"] = s.Meta
	}
	b, _ := json.Marshal(top)
	return string(b)
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:] // drop the language tag line
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
