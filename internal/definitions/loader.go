package definitions

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/rendis/flowpilot/pkg/schema"
)

//go:embed defaults/*.yaml
var defaultsFS embed.FS

// DocumentValidator checks a raw JSON workflow document before decoding.
// validation.JSONSchemaValidator implements it.
type DocumentValidator interface {
	ValidateDocument(raw []byte) error
}

// Loader decodes workflow definitions from JSON or YAML.
type Loader struct {
	docs DocumentValidator
}

// NewLoader creates a Loader. docs may be nil to skip document validation.
func NewLoader(docs DocumentValidator) *Loader {
	return &Loader{docs: docs}
}

// Parse decodes a document holding one workflow or a list of workflows.
// YAML is a superset of JSON, so both go through the YAML decoder and are
// then normalized to JSON types (numbers become float64).
func (l *Loader) Parse(data []byte) ([]*schema.Workflow, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "malformed workflow document").WithCause(err)
	}

	var items []any
	switch v := doc.(type) {
	case nil:
		return nil, schema.NewError(schema.ErrCodeDefinition, "empty workflow document")
	case []any:
		items = v
	case map[string]any:
		items = []any{v}
	default:
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "workflow document must be an object or a list, got %T", doc)
	}

	out := make([]*schema.Workflow, 0, len(items))
	for i, item := range items {
		wf, err := l.decode(item)
		if err != nil {
			if fe, ok := schema.AsFlowError(err); ok && len(items) > 1 {
				fe.WithDetails(map[string]any{"index": i})
			}
			return nil, err
		}
		out = append(out, wf)
	}
	return out, nil
}

func (l *Loader) decode(item any) (*schema.Workflow, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeDefinition, "workflow document is not JSON-compatible").WithCause(err)
	}
	if l.docs != nil {
		if err := l.docs.ValidateDocument(raw); err != nil {
			fe := schema.ToFlowError(err, schema.ErrCodeDefinition)
			return nil, schema.NewError(schema.ErrCodeDefinition, fe.Message).
				WithDetails(fe.Details).
				WithCause(err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	wf := &schema.Workflow{}
	if err := dec.Decode(wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "decode workflow: %v", err).WithCause(err)
	}
	return wf, nil
}

// LoadFile parses a single definition file.
func (l *Loader) LoadFile(path string) ([]*schema.Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	wfs, err := l.Parse(data)
	if err != nil {
		return nil, withFile(err, path)
	}
	return wfs, nil
}

// LoadDir parses every .json, .yaml and .yml file in dir, in name order.
func (l *Loader) LoadDir(dir string) ([]*schema.Workflow, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var out []*schema.Workflow
	for _, e := range entries {
		if e.IsDir() || !isDefinitionFile(e.Name()) {
			continue
		}
		wfs, err := l.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		out = append(out, wfs...)
	}
	return out, nil
}

// Defaults returns the embedded default workflows, sorted by id.
func (l *Loader) Defaults() ([]*schema.Workflow, error) {
	var out []*schema.Workflow
	err := fs.WalkDir(defaultsFS, "defaults", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		data, err := defaultsFS.ReadFile(path)
		if err != nil {
			return err
		}
		wfs, err := l.Parse(data)
		if err != nil {
			return withFile(err, path)
		}
		out = append(out, wfs...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func isDefinitionFile(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json", ".yaml", ".yml":
		return true
	}
	return false
}

func withFile(err error, path string) error {
	if fe, ok := schema.AsFlowError(err); ok {
		return fe.WithDetails(map[string]any{"file": path})
	}
	return fmt.Errorf("%s: %w", path, err)
}
