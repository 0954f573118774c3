package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strings"
)

// DiscoverBaseURL reads an MCP client configuration (Cursor, IntelliJ or
// VS Code settings) and returns the scheme and host of the first SSE
// server it references.
func DiscoverBaseURL(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read MCP config: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("failed to parse MCP config %s: %w", filePath, err)
	}

	raw, ok := findSSEURL(doc)
	if !ok {
		return "", fmt.Errorf("no SSE server url found in %s", filePath)
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid SSE url %q: %w", raw, err)
	}
	return u.Scheme + "://" + u.Host, nil
}

// findSSEURL walks the document depth first looking for a "url" field
// whose path ends in /sse. Object keys are visited in sorted order so the
// result does not depend on map iteration.
func findSSEURL(data interface{}) (string, bool) {
	switch v := data.(type) {
	case map[string]interface{}:
		if raw, ok := v["url"].(string); ok && isSSEURL(raw) {
			return raw, true
		}

		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		for _, k := range keys {
			if raw, ok := findSSEURL(v[k]); ok {
				return raw, true
			}
		}

	case []interface{}:
		for _, item := range v {
			if raw, ok := findSSEURL(item); ok {
				return raw, true
			}
		}
	}

	return "", false
}

func isSSEURL(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return strings.HasSuffix(strings.TrimRight(u.Path, "/"), "/sse")
}
