package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

// WorkflowInfo describes one registered workflow id.
type WorkflowInfo struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	LatestVersion string   `json:"latest_version"`
	Versions      []string `json:"versions"`
	Triggers      []string `json:"triggers,omitempty"`
}

// RegisterHook is called after a new version is published.
type RegisterHook func(wf *schema.Workflow)

type entry struct {
	wf   *schema.Workflow
	hash string
}

// Registry holds immutable workflow versions. Lookups run concurrently;
// registration is serialized and persisted before it becomes visible.
type Registry struct {
	writeMu sync.Mutex

	mu       sync.RWMutex
	versions map[string][]*entry
	order    []string

	store     store.WorkflowStore
	validator validation.Validator
	hooks     []RegisterHook
	logger    *slog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithStore persists every registered version through s.
func WithStore(s store.WorkflowStore) Option {
	return func(r *Registry) { r.store = s }
}

// WithValidator rejects definitions that fail v.
func WithValidator(v validation.Validator) Option {
	return func(r *Registry) { r.validator = v }
}

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// OnRegister adds a hook run for each newly published version.
func OnRegister(h RegisterHook) Option {
	return func(r *Registry) { r.hooks = append(r.hooks, h) }
}

// New creates an empty Registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		versions: make(map[string][]*entry),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// ContentHash returns the SHA-256 of the workflow's canonical JSON encoding.
func ContentHash(wf *schema.Workflow) (string, error) {
	raw, err := json.Marshal(wf)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Register stores wf under (id, version). Re-registering identical content is a
// no-op; different content under an existing version fails with DUPLICATE_VERSION.
// Invalid definitions fail with DEFINITION_ERROR.
func (r *Registry) Register(ctx context.Context, wf *schema.Workflow) error {
	if wf == nil {
		return schema.NewError(schema.ErrCodeDefinition, "workflow is nil")
	}
	wf = wf.Clone()

	if r.validator != nil {
		res := r.validator.Validate(wf)
		if err := res.ToError(); err != nil {
			return schema.ToFlowError(err, schema.ErrCodeDefinition).WithWorkflow(wf.ID)
		}
		for _, w := range res.Warnings {
			r.logger.Warn("workflow definition warning",
				"workflow_id", wf.ID, "version", wf.Version, "path", w.Path, "message", w.Message)
		}
	}

	hash, err := ContentHash(wf)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "workflow is not serializable").WithCause(err).WithWorkflow(wf.ID)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	if existing := r.find(wf.ID, wf.Version); existing != nil {
		if existing.hash == hash {
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeDuplicateVersion,
			"workflow %s version %s already registered with different content", wf.ID, wf.Version).
			WithWorkflow(wf.ID).
			WithDetails(map[string]any{"version": wf.Version})
	}

	if r.store != nil {
		rec := &store.WorkflowRecord{
			ID:           wf.ID,
			Version:      wf.Version,
			Definition:   wf,
			ContentHash:  hash,
			RegisteredAt: r.now().UTC(),
		}
		if err := r.store.SaveWorkflow(ctx, rec); err != nil {
			return schema.ToFlowError(err, schema.ErrCodeStore).WithWorkflow(wf.ID)
		}
	}

	r.publish(&entry{wf: wf, hash: hash})
	r.logger.Info("workflow registered", "workflow_id", wf.ID, "version", wf.Version, "steps", len(wf.Steps))

	for _, h := range r.hooks {
		h(wf.Clone())
	}
	return nil
}

// Load publishes every version held by the store, in registration order.
// Versions already in memory are skipped.
func (r *Registry) Load(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	recs, err := r.store.ListWorkflows(ctx)
	if err != nil {
		return 0, schema.ToFlowError(err, schema.ErrCodeStore)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	loaded := 0
	var touched []string
	for _, rec := range recs {
		if rec.Definition == nil || r.find(rec.ID, rec.Version) != nil {
			continue
		}
		if !slices.Contains(touched, rec.ID) {
			touched = append(touched, rec.ID)
		}
		r.publish(&entry{wf: rec.Definition.Clone(), hash: rec.ContentHash})
		loaded++
	}
	for _, id := range touched {
		latest, err := r.Lookup(id, "")
		if err != nil {
			continue
		}
		for _, h := range r.hooks {
			h(latest)
		}
	}
	return loaded, nil
}

// Lookup returns a copy of the requested version, or of the most recently
// registered version when version is empty.
func (r *Registry) Lookup(id, version string) (*schema.Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.versions[id]
	if len(list) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id).WithWorkflow(id)
	}
	if version == "" {
		return list[len(list)-1].wf.Clone(), nil
	}
	for _, e := range list {
		if e.wf.Version == version {
			return e.wf.Clone(), nil
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q version %s not found", id, version).
		WithWorkflow(id).
		WithDetails(map[string]any{"version": version})
}

// ListVersions returns the versions of id in registration order.
func (r *Registry) ListVersions(id string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := r.versions[id]
	if len(list) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", id).WithWorkflow(id)
	}
	out := make([]string, len(list))
	for i, e := range list {
		out[i] = e.wf.Version
	}
	return out, nil
}

// List returns every registered workflow id, sorted by id.
func (r *Registry) List() []WorkflowInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]WorkflowInfo, 0, len(r.versions))
	for _, id := range r.order {
		list := r.versions[id]
		latest := list[len(list)-1].wf
		info := WorkflowInfo{
			ID:            id,
			Name:          latest.Name,
			Description:   latest.Description,
			LatestVersion: latest.Version,
			Triggers:      append([]string(nil), latest.Triggers...),
		}
		for _, e := range list {
			info.Versions = append(info.Versions, e.wf.Version)
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })
	return infos
}

// Latest returns a copy of the latest version of every workflow.
func (r *Registry) Latest() []*schema.Workflow {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*schema.Workflow, 0, len(r.order))
	for _, id := range r.order {
		list := r.versions[id]
		out = append(out, list[len(list)-1].wf.Clone())
	}
	return out
}

// Count returns the number of registered versions across all ids.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.versions {
		n += len(list)
	}
	return n
}

func (r *Registry) find(id, version string) *entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, e := range r.versions[id] {
		if e.wf.Version == version {
			return e
		}
	}
	return nil
}

func (r *Registry) publish(e *entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.versions[e.wf.ID]; !ok {
		r.order = append(r.order, e.wf.ID)
	}
	r.versions[e.wf.ID] = append(r.versions[e.wf.ID], e)
}
