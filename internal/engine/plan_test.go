package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/skiff/internal/ir"
	"github.com/skiff-io/skiff/pkg/provider"
)

func TestCreatePlan_Create(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := loadTestConfig(t, `
resource "mem_server" "web" {
  size = "small"
  tags = { env = "prod" }
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionCreate, plan.Changes[0].Action)
	assert.Equal(t, "mem_server.web", plan.Changes[0].Address)
	assert.Equal(t, 1, plan.Summary.Create)

	require.Contains(t, plan.Changes[0].Diff, "size")
	assert.Equal(t, "small", plan.Changes[0].Diff["size"].After)
}

func TestCreatePlan_UnknownReferences(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := loadTestConfig(t, `
resource "mem_sg" "web" {
  name = "web-sg"
}

resource "mem_server" "web" {
  size  = "small"
  sg_id = mem_sg.web.id
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)

	// The server's reference to the not-yet-created group is planned as
	// unknown.
	var serverChange *ir.ResourceChange
	for _, c := range plan.Changes {
		if c.Address == "mem_server.web" {
			serverChange = c
		}
	}
	require.NotNil(t, serverChange)
	assert.Equal(t, ir.UnknownValue, serverChange.DesiredValues["sg_id"])
}

func TestCreatePlan_SecondRunIsNoOp(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()
	store := newTestStore(t)

	cfg := loadTestConfig(t, `
resource "mem_sg" "web" {
  name = "web-sg"
}

resource "mem_server" "web" {
  size  = "small"
  sg_id = mem_sg.web.id
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.NoError(t, err)
	result, err := eng.ApplyPlan(ctx, plan, store)
	require.NoError(t, err)
	require.Equal(t, RunSuccess, result.Status)

	// Planning again against the committed state changes nothing.
	st, err := store.Load(ctx)
	require.NoError(t, err)

	plan2, err := eng.CreatePlan(ctx, cfg, st, nil)
	require.NoError(t, err)
	assert.False(t, plan2.HasChanges())
	assert.Equal(t, 2, plan2.Summary.NoOp)
}

func TestCreatePlan_UpdateVsReplace(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	p.DefineSchema("mem_server", &provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"size": {ForcesReplacement: true},
			"tags": {},
		},
	})

	st := ir.NewState()
	st.Resources["mem_server.web"] = &ir.ResourceState{
		Type: "mem_server", Name: "web", Provider: "mem", ID: "i-1",
		Inputs: map[string]any{"size": "small", "tags": map[string]any{"env": "dev"}},
		Attrs:  map[string]any{"size": "small", "tags": map[string]any{"env": "dev"}, "id": "i-1"},
	}

	// Tag change only: in-place update.
	cfg := loadTestConfig(t, `
resource "mem_server" "web" {
  size = "small"
  tags = { env = "prod" }
}
`)
	plan, err := eng.CreatePlan(ctx, cfg, st, nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionUpdate, plan.Changes[0].Action)
	assert.Empty(t, plan.Changes[0].ReplacePaths)

	// Size change forces replacement.
	cfg = loadTestConfig(t, `
resource "mem_server" "web" {
  size = "large"
  tags = { env = "dev" }
}
`)
	plan, err = eng.CreatePlan(ctx, cfg, st, nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionReplace, plan.Changes[0].Action)
	assert.Equal(t, []string{"size"}, plan.Changes[0].ReplacePaths)
	assert.True(t, plan.Changes[0].Diff["size"].ForcesReplacement)
}

func TestCreatePlan_DeleteRemovedResource(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	st := ir.NewState()
	st.Resources["mem_server.old"] = &ir.ResourceState{
		Type: "mem_server", Name: "old", Provider: "mem", ID: "i-old",
		Inputs: map[string]any{"size": "small"},
		Attrs:  map[string]any{"size": "small", "id": "i-old"},
	}

	cfg := loadTestConfig(t, `
resource "mem_server" "new" {
  size = "small"
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, st, nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)
	assert.Equal(t, 1, plan.Summary.Create)
	assert.Equal(t, 1, plan.Summary.Delete)
}

func TestCreatePlan_Variables(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := loadTestConfig(t, `
variable "size" {
  default = "small"
}

variable "name" {}

resource "mem_server" "web" {
  size = var.size
  name = var.name
}
`)

	// Unset variable without a default fails the plan.
	_, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `variable "name"`)

	// CLI values override defaults.
	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), &PlanOptions{
		Vars: map[string]string{"name": "frontend", "size": "large"},
	})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "large", plan.Changes[0].DesiredValues["size"])
	assert.Equal(t, "frontend", plan.Changes[0].DesiredValues["name"])
}

func TestCreatePlan_LookupCardinality(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	cfg := loadTestConfig(t, `
data "mem_image" "base" {
  filter {
    family = "debian"
  }
}

resource "mem_server" "web" {
  image = data.mem_image.base.id
}
`)

	// Zero matches.
	_, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	var notFound *LookupNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "data.mem_image.base", notFound.Addr)

	// Exactly one match resolves.
	p.Seed("mem_image", "img-1", map[string]any{"family": "debian"}, time.Now())
	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "img-1", plan.Changes[0].DesiredValues["image"])

	// Multiple matches without most_recent are ambiguous.
	p.Seed("mem_image", "img-2", map[string]any{"family": "debian"}, time.Now())
	_, err = eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	var ambiguous *LookupAmbiguousError
	require.ErrorAs(t, err, &ambiguous)
	assert.Equal(t, 2, ambiguous.Count)
}

func TestCreatePlan_LookupMostRecent(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	p.Seed("mem_image", "img-old", map[string]any{"family": "debian"}, base)
	p.Seed("mem_image", "img-new", map[string]any{"family": "debian"}, base.Add(time.Hour))
	// Same timestamp as img-new; the higher identifier wins the tie.
	p.Seed("mem_image", "img-tie", map[string]any{"family": "debian"}, base.Add(time.Hour))

	cfg := loadTestConfig(t, `
data "mem_image" "base" {
  most_recent = true
  filter {
    family = "debian"
  }
}

resource "mem_server" "web" {
  image = data.mem_image.base.id
}
`)

	for i := 0; i < 5; i++ {
		plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
		require.NoError(t, err)
		require.Len(t, plan.Changes, 1)
		assert.Equal(t, "img-tie", plan.Changes[0].DesiredValues["image"])
	}
}

func TestCreatePlan_LookupRetriesTransientErrors(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	p.Seed("mem_image", "img-1", map[string]any{"family": "debian"}, time.Now())
	p.FailNext("lookup", errors.New("throttled: rate exceeded"))

	cfg := loadTestConfig(t, `
data "mem_image" "base" {
  filter {
    family = "debian"
  }
}

resource "mem_server" "web" {
  image = data.mem_image.base.id
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.NoError(t, err)
	assert.Equal(t, "img-1", plan.Changes[0].DesiredValues["image"])
}

func TestCreatePlan_LookupUnreachable(t *testing.T) {
	eng, p := newTestEngine(t)
	eng.retry.MaxRetries = 0
	ctx := context.Background()

	p.FailNext("lookup", errors.New("connection refused"))

	cfg := loadTestConfig(t, `
data "mem_image" "base" {
  filter {
    family = "debian"
  }
}

resource "mem_server" "web" {
  image = data.mem_image.base.id
}
`)

	_, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	var unreachable *LookupUnreachableError
	require.ErrorAs(t, err, &unreachable)
	assert.Equal(t, "data.mem_image.base", unreachable.Addr)
}

func TestCreatePlan_External(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	p.Seed("mem_sg", "sg-shared", map[string]any{"name": "shared"}, time.Now())

	cfg := loadTestConfig(t, `
external "mem_sg" "shared" {
  id = "sg-shared"
}

resource "mem_server" "web" {
  sg_name = external.mem_sg.shared.name
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.NoError(t, err)

	// The external reference resolves but is never planned for mutation.
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, "mem_server.web", plan.Changes[0].Address)
	assert.Equal(t, "shared", plan.Changes[0].DesiredValues["sg_name"])
}

func TestCreatePlan_ExternalSecurityGroupsFlowIntoInstance(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	// An instance created outside this configuration exposes its security
	// groups; a managed instance adopts them by reference.
	p.Seed("mem_server", "i-ABC", map[string]any{
		"security_group_ids": []any{"sg-1", "sg-2"},
	}, time.Now())

	cfg := loadTestConfig(t, `
external "mem_server" "existing" {
  id = "i-ABC"
}

resource "mem_server" "web" {
  image              = "img-1"
  security_group_ids = external.mem_server.existing.security_group_ids
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	require.NoError(t, err)

	require.Len(t, plan.Changes, 1)
	change := plan.Changes[0]
	assert.Equal(t, "mem_server.web", change.Address)
	assert.Equal(t, ir.ActionCreate, change.Action)
	assert.Equal(t, []any{"sg-1", "sg-2"}, change.DesiredValues["security_group_ids"])
	assert.Equal(t, 1, plan.Summary.Create)
	assert.Equal(t, 0, plan.Summary.Update+plan.Summary.Replace+plan.Summary.Delete)
}

func TestCreatePlan_TypeChangeIsNotNoOp(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	st := ir.NewState()
	st.Resources["mem_server.web"] = &ir.ResourceState{
		Type: "mem_server", Name: "web", Provider: "mem", ID: "i-1",
		Inputs: map[string]any{"port": "5", "count": float64(3)},
		Attrs:  map[string]any{"port": "5", "count": float64(3), "id": "i-1"},
	}

	// String "5" becoming number 5 is a real change; 3 staying numeric is
	// not, whichever numeric type the JSON round-trip produced.
	cfg := loadTestConfig(t, `
resource "mem_server" "web" {
  port  = 5
  count = 3
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, st, nil)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionUpdate, plan.Changes[0].Action)
	require.Contains(t, plan.Changes[0].Diff, "port")
	assert.NotContains(t, plan.Changes[0].Diff, "count")
}

func TestCreatePlan_ExternalNotFound(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	cfg := loadTestConfig(t, `
external "mem_sg" "shared" {
  id = "sg-missing"
}

resource "mem_server" "web" {
  sg_name = external.mem_sg.shared.name
}
`)

	_, err := eng.CreatePlan(ctx, cfg, ir.NewState(), nil)
	var notFound *LookupNotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "external.mem_sg.shared", notFound.Addr)
}

func TestCreatePlan_IdentityConflict(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	// i-ABC is managed by this configuration and simultaneously named by an
	// external block.
	p.Seed("mem_server", "i-ABC", map[string]any{"size": "small"}, time.Now())

	st := ir.NewState()
	st.Resources["mem_server.web"] = &ir.ResourceState{
		Type: "mem_server", Name: "web", Provider: "mem", ID: "i-ABC",
		Inputs: map[string]any{"size": "small"},
		Attrs:  map[string]any{"size": "small", "id": "i-ABC"},
	}

	cfg := loadTestConfig(t, `
resource "mem_server" "web" {
  size = "small"
}

external "mem_server" "same" {
  id = "i-ABC"
}

resource "mem_server" "other" {
  peer = external.mem_server.same.id
}
`)

	_, err := eng.CreatePlan(ctx, cfg, st, nil)
	var conflict *PlanConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "i-ABC", conflict.ID)
	assert.Equal(t, []string{"external.mem_server.same", "mem_server.web"}, conflict.Addrs)
}

func TestCreatePlan_RefreshRecreatesVanished(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	// State claims the server exists but the provider has no such object.
	st := ir.NewState()
	st.Resources["mem_server.web"] = &ir.ResourceState{
		Type: "mem_server", Name: "web", Provider: "mem", ID: "i-gone",
		Inputs: map[string]any{"size": "small"},
		Attrs:  map[string]any{"size": "small", "id": "i-gone"},
	}

	cfg := loadTestConfig(t, `
resource "mem_server" "web" {
  size = "small"
}
`)

	plan, err := eng.CreatePlan(ctx, cfg, st, &PlanOptions{Refresh: true})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionCreate, plan.Changes[0].Action)
	assert.True(t, plan.Metadata.Refreshed)
}

func TestCreatePlan_RefreshDetectsDrift(t *testing.T) {
	eng, p := newTestEngine(t)
	ctx := context.Background()

	// The live object drifted out of band: size is now large.
	p.Seed("mem_server", "i-1", map[string]any{"size": "large"}, time.Now())

	st := ir.NewState()
	st.Resources["mem_server.web"] = &ir.ResourceState{
		Type: "mem_server", Name: "web", Provider: "mem", ID: "i-1",
		Inputs: map[string]any{"size": "small"},
		Attrs:  map[string]any{"size": "small", "id": "i-1"},
	}

	cfg := loadTestConfig(t, `
resource "mem_server" "web" {
  size = "small"
}
`)

	// Without refresh the drift is invisible.
	plan, err := eng.CreatePlan(ctx, cfg, st, nil)
	require.NoError(t, err)
	assert.False(t, plan.HasChanges())

	plan, err = eng.CreatePlan(ctx, cfg, st, &PlanOptions{Refresh: true})
	require.NoError(t, err)
	require.Len(t, plan.Changes, 1)
	assert.Equal(t, ir.ActionUpdate, plan.Changes[0].Action)
	assert.Equal(t, "large", plan.Changes[0].Diff["size"].Before)
	assert.Equal(t, "small", plan.Changes[0].Diff["size"].After)
}

func TestCreateDestroyPlan(t *testing.T) {
	eng, _ := newTestEngine(t)
	ctx := context.Background()

	st := ir.NewState()
	st.Resources["mem_sg.web"] = &ir.ResourceState{
		Type: "mem_sg", Name: "web", Provider: "mem", ID: "sg-1",
	}
	st.Resources["mem_server.web"] = &ir.ResourceState{
		Type: "mem_server", Name: "web", Provider: "mem", ID: "i-1",
		Dependencies: []string{"mem_sg.web"},
	}

	plan, err := eng.CreateDestroyPlan(ctx, st)
	require.NoError(t, err)
	require.Len(t, plan.Changes, 2)

	// Dependents are destroyed first.
	assert.Equal(t, "mem_server.web", plan.Changes[0].Address)
	assert.Equal(t, "mem_sg.web", plan.Changes[1].Address)
	assert.Equal(t, 2, plan.Summary.Delete)
}
