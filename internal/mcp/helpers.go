package mcpserver

import (
	"encoding/json"
	"strconv"
)

// intArg reads a numeric tool argument. JSON numbers arrive as float64;
// some clients send numbers as strings.
func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	case string:
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
