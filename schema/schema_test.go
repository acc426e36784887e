package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawRendersDeclaredShape(t *testing.T) {
	closed := false
	s := &Schema{
		Type:                 Object,
		Required:             []string{"title"},
		AdditionalProperties: &closed,
		Properties: map[string]*Property{
			"title":     {Type: String, Description: "Short name"},
			"category":  {Type: String, Enum: []string{"feature", "bugfix"}},
			"languages": {Type: Array, Items: &Property{Type: String}},
		},
	}

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(s.Raw(), &decoded))
	require.Equal(t, "object", decoded["type"])
	require.Equal(t, false, decoded["additionalProperties"])
	require.Equal(t, []any{"title"}, decoded["required"])

	props, ok := decoded["properties"].(map[string]any)
	require.True(t, ok)

	title := props["title"].(map[string]any)
	require.Equal(t, "Short name", title["description"])

	category := props["category"].(map[string]any)
	require.Equal(t, []any{"feature", "bugfix"}, category["enum"])

	languages := props["languages"].(map[string]any)
	items := languages["items"].(map[string]any)
	require.Equal(t, "string", items["type"])
}

func TestRawOmitsUnsetFields(t *testing.T) {
	s := &Schema{
		Type:       Object,
		Properties: map[string]*Property{"note": {Type: String}},
	}

	raw := string(s.Raw())
	require.Contains(t, raw, `"properties"`)
	require.NotContains(t, raw, "description")
	require.NotContains(t, raw, "enum")
	require.NotContains(t, raw, "required")
	require.NotContains(t, raw, "additionalProperties")
}

func TestRawEmptyProperties(t *testing.T) {
	s := &Schema{Type: Object, Properties: map[string]*Property{}}
	require.JSONEq(t, `{"type":"object","properties":{}}`, string(s.Raw()))
}
