package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/flowpilot/internal/store"
	"github.com/rendis/flowpilot/internal/validation"
	"github.com/rendis/flowpilot/pkg/schema"
)

func testWorkflow(id, version string) *schema.Workflow {
	return &schema.Workflow{
		ID:      id,
		Name:    "Workflow " + id,
		Version: version,
		Steps: []schema.Step{{
			Name:   "notify",
			Type:   schema.StepTypeNotification,
			Config: map[string]any{"message": "hello", "recipients": []any{"ops@example.com"}},
		}},
	}
}

// failingStore rejects every write.
type failingStore struct{ store.WorkflowStore }

func (failingStore) SaveWorkflow(context.Context, *store.WorkflowRecord) error {
	return errors.New("disk full")
}

func TestRegister_LookupLatestAndExplicit(t *testing.T) {
	r := New()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testWorkflow("wf", "1.0.0")))
	v2 := testWorkflow("wf", "2.0.0")
	v2.Name = "Second"
	require.NoError(t, r.Register(ctx, v2))
	require.NoError(t, r.Register(ctx, testWorkflow("wf", "1.5.0")))

	latest, err := r.Lookup("wf", "")
	require.NoError(t, err)
	assert.Equal(t, "1.5.0", latest.Version, "latest means most recently registered")

	explicit, err := r.Lookup("wf", "2.0.0")
	require.NoError(t, err)
	assert.Equal(t, "Second", explicit.Name)

	versions, err := r.ListVersions("wf")
	require.NoError(t, err)
	assert.Equal(t, []string{"1.0.0", "2.0.0", "1.5.0"}, versions)
	assert.Equal(t, 3, r.Count())
}

func TestRegister_Idempotent(t *testing.T) {
	r := New()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testWorkflow("wf", "1")))
	require.NoError(t, r.Register(ctx, testWorkflow("wf", "1")))

	versions, err := r.ListVersions("wf")
	require.NoError(t, err)
	assert.Len(t, versions, 1)
}

func TestRegister_DuplicateVersionMismatch(t *testing.T) {
	r := New()
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, testWorkflow("wf", "1")))
	changed := testWorkflow("wf", "1")
	changed.Steps[0].Config["message"] = "different"

	err := r.Register(ctx, changed)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDuplicateVersion))

	got, err := r.Lookup("wf", "1")
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Steps[0].Config["message"])
}

func TestLookup_NotFound(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(context.Background(), testWorkflow("wf", "1")))

	_, err := r.Lookup("missing", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = r.Lookup("wf", "9")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
	_, err = r.ListVersions("missing")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestRegister_DefinitionsAreImmutable(t *testing.T) {
	r := New()
	ctx := context.Background()

	wf := testWorkflow("wf", "1")
	require.NoError(t, r.Register(ctx, wf))

	// Mutating the caller's copy or a looked-up copy never reaches the registry.
	wf.Steps[0].Config["message"] = "mutated"
	got, err := r.Lookup("wf", "1")
	require.NoError(t, err)
	got.Steps[0].Name = "renamed"
	got.Steps[0].Config["recipients"].([]any)[0] = "x"

	again, err := r.Lookup("wf", "1")
	require.NoError(t, err)
	assert.Equal(t, "notify", again.Steps[0].Name)
	assert.Equal(t, "hello", again.Steps[0].Config["message"])
	assert.Equal(t, "ops@example.com", again.Steps[0].Config["recipients"].([]any)[0])
}

func TestRegister_Validation(t *testing.T) {
	v, err := validation.NewWorkflowValidator(nil, nil)
	require.NoError(t, err)
	r := New(WithValidator(v))

	bad := testWorkflow("wf", "")
	err = r.Register(context.Background(), bad)
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeDefinition))
	assert.Equal(t, 0, r.Count())

	assert.True(t, schema.HasCode(r.Register(context.Background(), nil), schema.ErrCodeDefinition))
}

func TestRegister_PersistsBeforePublishing(t *testing.T) {
	r := New(WithStore(failingStore{}))

	err := r.Register(context.Background(), testWorkflow("wf", "1"))
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeStore))
	_, err = r.Lookup("wf", "")
	assert.True(t, schema.HasCode(err, schema.ErrCodeNotFound))
}

func TestLoad_FromStore(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	first := New(WithStore(s))
	require.NoError(t, first.Register(ctx, testWorkflow("a", "1")))
	require.NoError(t, first.Register(ctx, testWorkflow("b", "1")))
	require.NoError(t, first.Register(ctx, testWorkflow("a", "2")))

	var hooked []string
	second := New(WithStore(s), OnRegister(func(wf *schema.Workflow) {
		hooked = append(hooked, wf.ID+"@"+wf.Version)
	}))
	n, err := second.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"a@2", "b@1"}, hooked)

	latest, err := second.Lookup("a", "")
	require.NoError(t, err)
	assert.Equal(t, "2", latest.Version)

	// Identical content registers as a no-op after a reload.
	require.NoError(t, second.Register(ctx, testWorkflow("a", "1")))
	n, err = second.Load(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestList(t *testing.T) {
	r := New()
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, testWorkflow("zeta", "1")))
	wf := testWorkflow("alpha", "1")
	wf.Triggers = []string{"manual"}
	require.NoError(t, r.Register(ctx, wf))
	require.NoError(t, r.Register(ctx, testWorkflow("zeta", "2")))

	infos := r.List()
	require.Len(t, infos, 2)
	assert.Equal(t, "alpha", infos[0].ID)
	assert.Equal(t, []string{"manual"}, infos[0].Triggers)
	assert.Equal(t, "2", infos[1].LatestVersion)
	assert.Equal(t, []string{"1", "2"}, infos[1].Versions)

	latest := r.Latest()
	require.Len(t, latest, 2)
	assert.Equal(t, "zeta", latest[0].ID, "registration order")
}

func TestContentHash_StableAcrossMapOrder(t *testing.T) {
	a := testWorkflow("wf", "1")
	b := testWorkflow("wf", "1")
	b.Steps[0].Config = map[string]any{"recipients": []any{"ops@example.com"}, "message": "hello"}

	ha, err := ContentHash(a)
	require.NoError(t, err)
	hb, err := ContentHash(b)
	require.NoError(t, err)
	assert.Equal(t, ha, hb)
	assert.Len(t, ha, 64)
}

func TestRegistry_ConcurrentRegisterAndLookup(t *testing.T) {
	r := New(WithStore(store.NewMemoryStore()))
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, testWorkflow("wf", "0")))

	var wg sync.WaitGroup
	for i := 1; i <= 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			assert.NoError(t, r.Register(ctx, testWorkflow("wf", fmt.Sprint(i))))
		}()
		go func() {
			defer wg.Done()
			_, err := r.Lookup("wf", "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	versions, err := r.ListVersions("wf")
	require.NoError(t, err)
	assert.Len(t, versions, 21)
}
