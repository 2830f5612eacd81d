package webhook

import (
	"strconv"
	"strings"
)

// ShapeResult lists the required fields a payload lacks.
type ShapeResult struct {
	IsValid       bool     `json:"isValid"`
	MissingFields []string `json:"missingFields,omitempty"`
}

// ValidateShape checks that every dotted path in fields resolves to a
// non-null value in payload. A nil payload is reported as missing "payload".
func ValidateShape(payload map[string]any, fields []string) ShapeResult {
	if payload == nil {
		return ShapeResult{MissingFields: []string{"payload"}}
	}

	var missing []string
	for _, field := range fields {
		if lookup(payload, field) == nil {
			missing = append(missing, field)
		}
	}
	return ShapeResult{IsValid: len(missing) == 0, MissingFields: missing}
}

func lookup(payload map[string]any, path string) any {
	var cur any = payload
	for _, part := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			cur = node[part]
		case []any:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil
			}
			cur = node[i]
		default:
			return nil
		}
	}
	return cur
}
