package provider

import "encoding/json"

// unsupportedKeywords are stripped from every schema node.
var unsupportedKeywords = map[string]bool{
	"additionalProperties": true,
	"default":              true,
	"$ref":                 true,
	"$schema":              true,
	"format":                true,
	"minLength":            true,
	"maxLength":            true,
	"pattern":              true,
	"anyOf":                true,
	"oneOf":                true,
	"const":                true,
	"title":                true,
}

var primitiveTypeNames = map[string]string{
	"string":  "STRING",
	"number":  "NUMBER",
	"integer": "INTEGER",
	"boolean": "BOOLEAN",
	"array":   "ARRAY",
	"object":  "OBJECT",
	"null":    "NULL",
}

// SanitizeSchema converts a standard-dialect JSON schema (as raw bytes)
// into the restricted map Cloud-Code's tool declarations require. A
// nil or unparseable schema becomes an empty OBJECT schema.
func SanitizeSchema(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{"type": "OBJECT", "properties": map[string]any{}}
	}
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return map[string]any{"type": "OBJECT", "properties": map[string]any{}}
	}
	return sanitizeNode(node)
}

func sanitizeNode(node map[string]any) map[string]any {
	out := make(map[string]any, len(node))
	for k, v := range node {
		if unsupportedKeywords[k] {
			continue
		}
		switch k {
		case "type":
			out["type"] = sanitizeType(v)
		case "properties":
			if props, ok := v.(map[string]any); ok {
				out["properties"] = sanitizeProperties(props)
			}
		case "items":
			if item, ok := v.(map[string]any); ok {
				out["items"] = sanitizeNode(item)
			}
		case "required":
			if req, ok := v.([]any); ok {
				out["required"] = req
			}
		case "enum":
			out["enum"] = v
		case "description":
			out["description"] = v
		default:
			out[k] = v
		}
	}

	if _, hasType := out["type"]; !hasType {
		if _, hasProps := out["properties"]; hasProps {
			out["type"] = "OBJECT"
		} else {
			out["type"] = "STRING"
		}
	}
	if out["type"] == "OBJECT" {
		if _, hasProps := out["properties"]; !hasProps {
			out["properties"] = map[string]any{}
		}
		filterRequired(out)
	}
	return out
}

func sanitizeProperties(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for name, def := range props {
		if defMap, ok := def.(map[string]any); ok {
			out[name] = sanitizeNode(defMap)
		}
	}
	return out
}

// sanitizeType resolves a schema's "type" keyword to a single uppercase
// primitive name. Union types (e.g. ["string","null"]) resolve to the
// first non-null member.
func sanitizeType(v any) string {
	switch t := v.(type) {
	case string:
		if upper, ok := primitiveTypeNames[t]; ok {
			return upper
		}
		return "STRING"
	case []any:
		for _, member := range t {
			if s, ok := member.(string); ok && s != "null" {
				if upper, ok := primitiveTypeNames[s]; ok {
					return upper
				}
			}
		}
		return "STRING"
	default:
		return "STRING"
	}
}

// filterRequired drops required-field names that no longer have a
// corresponding sanitized property entry.
func filterRequired(node map[string]any) {
	req, ok := node["required"].([]any)
	if !ok {
		return
	}
	props, _ := node["properties"].(map[string]any)
	kept := make([]any, 0, len(req))
	for _, name := range req {
		if s, ok := name.(string); ok {
			if _, exists := props[s]; exists {
				kept = append(kept, s)
			}
		}
	}
	if len(kept) > 0 {
		node["required"] = kept
	} else {
		delete(node, "required")
	}
}
