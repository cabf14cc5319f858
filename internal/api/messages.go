package api

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/gonkalabs/gonka-guard/internal/sanitize"
)

// lastUserMessage returns the text of the last user message in an OpenAI
// chat body. Multi-part content is joined with newlines.
func lastUserMessage(body []byte) (string, bool) {
	var req struct {
		Messages []struct {
			Role    string          `json:"role"`
			Content json.RawMessage `json:"content"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", false
	}
	for i := len(req.Messages) - 1; i >= 0; i-- {
		m := req.Messages[i]
		if m.Role != "user" {
			continue
		}
		var s string
		if err := json.Unmarshal(m.Content, &s); err == nil {
			return s, true
		}
		var parts []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		}
		if err := json.Unmarshal(m.Content, &parts); err != nil {
			return "", false
		}
		var texts []string
		for _, p := range parts {
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		}
		return strings.Join(texts, "\n"), true
	}
	return "", false
}

// remaskJSON restores tokens in every string value of a JSON document.
// Working on decoded strings keeps originals correctly escaped, and numbers
// are kept as their literal text. A body that is not JSON is remasked as
// plain text.
func remaskJSON(body []byte, eng *sanitize.Engine) []byte {
	if !eng.Remasks() {
		return body
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil || dec.More() {
		return []byte(eng.Remask(string(body)))
	}
	out, err := json.Marshal(remaskValue(doc, eng))
	if err != nil {
		return body
	}
	return out
}

func remaskValue(v any, eng *sanitize.Engine) any {
	switch t := v.(type) {
	case string:
		return eng.Remask(t)
	case []any:
		for i := range t {
			t[i] = remaskValue(t[i], eng)
		}
		return t
	case map[string]any:
		for k, val := range t {
			t[k] = remaskValue(val, eng)
		}
		return t
	default:
		return v
	}
}
