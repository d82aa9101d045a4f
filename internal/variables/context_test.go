package variables

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_CopiesInitial(t *testing.T) {
	initial := map[string]any{"x": 1}
	c := New(initial)
	c.Set("x", 2)

	assert.Equal(t, 1, initial["x"])
	v, ok := c.Get("x")
	assert.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestMerge_LastWriteWins(t *testing.T) {
	c := New(map[string]any{"a": 1, "b": 1})
	c.Merge(map[string]any{"b": 2, "c": 3})

	assert.Equal(t, map[string]any{"a": 1, "b": 2, "c": 3}, c.Snapshot())
	assert.Equal(t, 3, c.Len())
}

func TestSnapshot_IsShallowCopy(t *testing.T) {
	c := New(map[string]any{"a": 1})
	snap := c.Snapshot()
	snap["a"] = 99
	v, _ := c.Get("a")
	assert.Equal(t, 1, v)
}

func TestLookup(t *testing.T) {
	c := New(map[string]any{
		"container": map[string]any{
			"number": "MSCU1234567",
			"legs":   []any{map[string]any{"port": "USLAX"}, map[string]any{"port": "CNSHA"}},
		},
		"tags":         []string{"reefer", "hazmat"},
		"headers":      map[string]string{"x-id": "7"},
		"dotted.key":   "direct",
		"nilValue":     nil,
		"quoteAmounts": []map[string]any{{"amount": 1200}},
	})

	tests := []struct {
		path string
		want any
	}{
		{"container.number", "MSCU1234567"},
		{"container.legs.1.port", "CNSHA"},
		{"tags.0", "reefer"},
		{"headers.x-id", "7"},
		{"dotted.key", "direct"},
		{"quoteAmounts.0.amount", 1200},
		{"nilValue", nil},
		{"missing", nil},
		{"missing.path", nil},
		{"container.legs.9.port", nil},
		{"container.legs.x", nil},
		{"container..number", nil},
		{"container.number.deeper", nil},
		{"", nil},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			assert.Equal(t, tc.want, c.Lookup(tc.path))
		})
	}
}

func TestOverlay(t *testing.T) {
	base := Map{"a": 1, "nested": map[string]any{"x": "base"}}
	o := Overlay{Top: map[string]any{"b": 2, "nested": map[string]any{"x": "top"}}, Base: base}

	assert.Equal(t, 1, o.Lookup("a"))
	assert.Equal(t, 2, o.Lookup("b"))
	assert.Equal(t, "top", o.Lookup("nested.x"))
	assert.Nil(t, o.Lookup("nope"))
	assert.Nil(t, Overlay{Top: map[string]any{}}.Lookup("a"))
}
