package definitions

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/steps"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

func newDocLoader(t *testing.T) *Loader {
	t.Helper()
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	return NewLoader(v)
}

func TestParse_JSONAndYAMLAgree(t *testing.T) {
	l := NewLoader(nil)

	fromJSON, err := l.Parse([]byte(`{"id":"wf","name":"WF","version":"1","steps":[
		{"name":"pause","type":"wait","config":{"duration":"2s","n":3}}]}`))
	require.NoError(t, err)

	fromYAML, err := l.Parse([]byte(`
id: wf
name: WF
version: "1"
steps:
  - name: pause
    type: wait
    config:
      duration: 2s
      n: 3
`))
	require.NoError(t, err)

	require.Len(t, fromJSON, 1)
	require.Len(t, fromYAML, 1)
	assert.Equal(t, fromJSON[0], fromYAML[0])
	assert.Equal(t, float64(3), fromYAML[0].Steps[0].Config["n"], "numbers are normalized to JSON types")
}

func TestParse_List(t *testing.T) {
	wfs, err := NewLoader(nil).Parse([]byte(`
- {id: a, name: A, version: "1", steps: [{name: s, type: wait}]}
- {id: b, name: B, version: "1", steps: [{name: s, type: wait}]}
`))
	require.NoError(t, err)
	require.Len(t, wfs, 2)
	assert.Equal(t, "b", wfs[1].ID)
}

func TestParse_Errors(t *testing.T) {
	l := NewLoader(nil)
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"scalar", "42"},
		{"malformed", "id: [unclosed"},
		{"unknown field", `{"id":"x","name":"X","version":"1","steps":[],"owner":"me"}`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := l.Parse([]byte(tc.doc))
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))
		})
	}
}

func TestParse_DocumentValidation(t *testing.T) {
	l := newDocLoader(t)
	_, err := l.Parse([]byte(`{"id":"x","name":"X","version":"1","steps":[{"name":"s","type":"teleport"}]}`))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))

	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.NotEmpty(t, fe.Details["violations"])
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.yaml"), []byte("id: b\nname: B\nversion: '1'\nsteps: [{name: s, type: wait}]\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), []byte(`{"id":"a","name":"A","version":"1","steps":[{"name":"s","type":"wait"}]}`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o644))

	wfs, err := NewLoader(nil).LoadDir(dir)
	require.NoError(t, err)
	require.Len(t, wfs, 2)
	assert.Equal(t, "a", wfs[0].ID)
	assert.Equal(t, "b", wfs[1].ID)
}

func TestLoadFile_ErrorCarriesPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- 1\n- 2\n"), 0o644))

	_, err := NewLoader(nil).LoadFile(path)
	require.Error(t, err)
	fe, ok := schema.AsFlowError(err)
	require.True(t, ok)
	assert.Equal(t, path, fe.Details["file"])
}

func TestDefaults_AreValid(t *testing.T) {
	l := newDocLoader(t)
	wfs, err := l.Defaults()
	require.NoError(t, err)

	ids := make([]string, 0, len(wfs))
	for _, wf := range wfs {
		ids = append(ids, wf.ID)
	}
	assert.Equal(t, []string{"cost_optimization", "delay_mitigation", "dd_prevention", "document_processing", "exception_handling"}, ids)

	reg := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(reg, steps.BuiltinDeps{}))
	v, err := validation.NewWorkflowValidator(reg, nil)
	require.NoError(t, err)
	for _, wf := range wfs {
		res := v.Validate(wf)
		assert.True(t, res.Valid(), "%s: %v", wf.ID, res.Errors)
	}
}
