package commands

import (
	"encoding/json"
	"fmt"
	"strings"
)

// parseValue reads a command-line value. Valid JSON is taken as is, anything else
// becomes a JSON string.
func parseValue(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" || !json.Valid([]byte(trimmed)) {
		return raw, nil
	}
	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, fmt.Errorf("failed to parse value: %w", err)
	}
	return v, nil
}
