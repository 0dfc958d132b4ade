package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	analytics "github.com/loykin/analytics-go"
)

// parseProps merges a JSON object with key=value pairs; pairs win. Values
// that parse as JSON scalars (numbers, true, false) keep their type.
func parseProps(kvs []string, rawJSON string) (analytics.Properties, error) {
	props := analytics.Properties{}
	if strings.TrimSpace(rawJSON) != "" {
		if err := decodeJSON([]byte(rawJSON), &props); err != nil {
			return nil, fmt.Errorf("invalid --props: %w", err)
		}
	}
	for _, kv := range kvs {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid property %q: want key=value", kv)
		}
		props[k] = scalar(v)
	}
	if len(props) == 0 {
		return nil, nil
	}
	return props, nil
}

func scalar(v string) any {
	if b, err := strconv.ParseBool(v); err == nil && (v == "true" || v == "false") {
		return b
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil {
		return f
	}
	return v
}

func decodeJSON(raw []byte, v any) error {
	return json.Unmarshal(raw, v)
}

func firstNonEmpty(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func printJSON(w io.Writer, v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(w, string(b))
}
