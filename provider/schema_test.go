package provider

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestSanitizeSchemaEmptyOrUnparseableBecomesEmptyObject(t *testing.T) {
	want := map[string]any{"type": "OBJECT", "properties": map[string]any{}}
	if got := SanitizeSchema(nil); !reflect.DeepEqual(got, want) {
		t.Errorf("nil schema: got %+v, want %+v", got, want)
	}
	if got := SanitizeSchema(json.RawMessage("not json")); !reflect.DeepEqual(got, want) {
		t.Errorf("unparseable schema: got %+v, want %+v", got, want)
	}
}

func TestSanitizeSchemaUppercasesPrimitiveTypes(t *testing.T) {
	raw := json.RawMessage(`{"type":"string"}`)
	got := SanitizeSchema(raw)
	if got["type"] != "STRING" {
		t.Errorf("type = %v, want STRING", got["type"])
	}
}

func TestSanitizeSchemaResolvesUnionTypeToFirstNonNullMember(t *testing.T) {
	raw := json.RawMessage(`{"type":["null","integer"]}`)
	got := SanitizeSchema(raw)
	if got["type"] != "INTEGER" {
		t.Errorf("type = %v, want INTEGER", got["type"])
	}
}

func TestSanitizeSchemaStripsUnsupportedKeywords(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "string",
		"default": "x",
		"$ref": "#/foo",
		"format": "email",
		"pattern": "^a",
		"minLength": 1,
		"maxLength": 10,
		"additionalProperties": false,
		"anyOf": [{"type":"string"}],
		"const": "fixed",
		"title": "Name"
	}`)
	got := SanitizeSchema(raw)
	for _, stripped := range []string{"default", "$ref", "format", "pattern", "minLength", "maxLength", "additionalProperties", "anyOf", "const", "title"} {
		if _, present := got[stripped]; present {
			t.Errorf("expected %q to be stripped, got %+v", stripped, got)
		}
	}
	if got["type"] != "STRING" {
		t.Errorf("type = %v, want STRING", got["type"])
	}
}

func TestSanitizeSchemaRecursesIntoPropertiesAndItems(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {
			"tags": {"type": "array", "items": {"type": "string", "format": "uuid"}},
			"count": {"type": "integer"}
		}
	}`)
	got := SanitizeSchema(raw)
	props, ok := got["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map, got %+v", got["properties"])
	}
	tags, ok := props["tags"].(map[string]any)
	if !ok || tags["type"] != "ARRAY" {
		t.Fatalf("unexpected tags schema: %+v", props["tags"])
	}
	items, ok := tags["items"].(map[string]any)
	if !ok || items["type"] != "STRING" {
		t.Fatalf("unexpected items schema: %+v", tags["items"])
	}
	if _, present := items["format"]; present {
		t.Errorf("expected format to be stripped from items, got %+v", items)
	}
	count, ok := props["count"].(map[string]any)
	if !ok || count["type"] != "INTEGER" {
		t.Fatalf("unexpected count schema: %+v", props["count"])
	}
}

func TestSanitizeSchemaObjectWithoutPropertiesGetsEmptyMap(t *testing.T) {
	raw := json.RawMessage(`{"type":"object"}`)
	got := SanitizeSchema(raw)
	props, ok := got["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected a properties map to be synthesized, got %+v", got["properties"])
	}
	if len(props) != 0 {
		t.Errorf("expected an empty properties map, got %+v", props)
	}
}

func TestSanitizeSchemaFiltersRequiredFieldsWithoutProperties(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["name", "ghost"]
	}`)
	got := SanitizeSchema(raw)
	req, ok := got["required"].([]any)
	if !ok {
		t.Fatalf("expected a required slice, got %+v", got["required"])
	}
	if len(req) != 1 || req[0] != "name" {
		t.Errorf("expected required to keep only existing properties, got %+v", req)
	}
}

func TestSanitizeSchemaDropsRequiredEntirelyWhenNothingSurvives(t *testing.T) {
	raw := json.RawMessage(`{
		"type": "object",
		"properties": {"name": {"type": "string"}},
		"required": ["ghost"]
	}`)
	got := SanitizeSchema(raw)
	if _, present := got["required"]; present {
		t.Errorf("expected required to be dropped entirely, got %+v", got["required"])
	}
}

func TestSanitizeSchemaMissingTypeInfersFromProperties(t *testing.T) {
	withProps := SanitizeSchema(json.RawMessage(`{"properties":{"a":{"type":"string"}}}`))
	if withProps["type"] != "OBJECT" {
		t.Errorf("expected inferred OBJECT type, got %v", withProps["type"])
	}

	withoutProps := SanitizeSchema(json.RawMessage(`{"description":"a leaf value"}`))
	if withoutProps["type"] != "STRING" {
		t.Errorf("expected inferred STRING type, got %v", withoutProps["type"])
	}
	if withoutProps["description"] != "a leaf value" {
		t.Errorf("expected description to be preserved, got %+v", withoutProps)
	}
}
