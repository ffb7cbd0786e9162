package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want any
	}{
		{"plain object", `{"task":"crack detection"}`, map[string]any{"task": "crack detection"}},
		{"fenced", "```json\n[{\"metric\":\"mIoU\"}]\n```", []any{map[string]any{"metric": "mIoU"}}},
		{"fenced without language", "```\n{\"a\":1}\n```", map[string]any{"a": float64(1)}},
		{"surrounding filler", "Sure! Here it is:\n{\"a\":\"b\"}\nHope that helps.", map[string]any{"a": "b"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseJSON(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseJSONRejectsNonJSON(t *testing.T) {
	for _, raw := range []string{"", "Okay, I will help you with that.", "{not json"} {
		_, err := ParseJSON(raw)
		assert.Error(t, err, raw)
	}
}

func TestSchemaValidate(t *testing.T) {
	obj := Schema{
		Shape: ShapeObject,
		Fields: []Field{
			{Name: "task", Kind: KindString},
			{Name: "keywords", Kind: KindList},
		},
	}
	assert.NoError(t, obj.Validate(map[string]any{"task": "x", "keywords": []any{"a"}}))
	assert.ErrorContains(t, obj.Validate(map[string]any{"task": "x"}), `missing field "keywords"`)
	assert.ErrorContains(t, obj.Validate(map[string]any{"task": 1.0, "keywords": []any{}}), `field "task": expected string`)
	assert.ErrorContains(t, obj.Validate([]any{}), "expected a JSON object, got list")

	list := Schema{
		Shape:    ShapeList,
		MinItems: 1,
		Fields:   []Field{{Name: "year", Kind: KindScalar}},
	}
	assert.NoError(t, list.Validate([]any{map[string]any{"year": 2021.0}, map[string]any{"year": "2023"}}))
	assert.ErrorContains(t, list.Validate([]any{}), "at least 1")
	assert.ErrorContains(t, list.Validate([]any{"nope"}), "item 0: expected a JSON object")
	assert.ErrorContains(t, list.Validate(map[string]any{}), "expected a JSON list, got object")
}

func TestEncodeValue(t *testing.T) {
	s, err := EncodeValue("already text")
	require.NoError(t, err)
	assert.Equal(t, "already text", s)

	s, err = EncodeValue(map[string]any{"k": []any{"v"}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":["v"]}`, s)

	s, err = EncodeValue(Unavailable{Status: "unavailable", Reason: "timeout"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"unavailable","reason":"timeout"}`, s)
}
