package mem

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/skiff/pkg/provider"
)

func TestCreateReadUpdateDestroy(t *testing.T) {
	ctx := context.Background()
	p := New()

	id, reported, err := p.Create(ctx, "mem_server", map[string]any{"size": "small"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "mem-"))
	assert.Equal(t, "small", reported["size"])

	attrs, exists, err := p.Read(ctx, "mem_server", id)
	require.NoError(t, err)
	require.True(t, exists)
	assert.Equal(t, "small", attrs["size"])

	updated, err := p.Update(ctx, "mem_server", id, map[string]any{"size": "large"})
	require.NoError(t, err)
	assert.Equal(t, "large", updated["size"])

	require.NoError(t, p.Destroy(ctx, "mem_server", id))

	_, exists, err = p.Read(ctx, "mem_server", id)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestReadMissingObject(t *testing.T) {
	p := New()
	attrs, exists, err := p.Read(context.Background(), "mem_server", "mem-none")
	require.NoError(t, err)
	assert.False(t, exists)
	assert.Nil(t, attrs)
}

func TestUpdateMissingObject(t *testing.T) {
	p := New()
	_, err := p.Update(context.Background(), "mem_server", "mem-none", map[string]any{"size": "large"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "does not exist")
}

func TestLookupFilters(t *testing.T) {
	ctx := context.Background()
	p := New()
	p.Seed("mem_image", "img-1", map[string]any{"family": "ubuntu", "arch": "amd64"}, time.Now())
	p.Seed("mem_image", "img-2", map[string]any{"family": "ubuntu", "arch": "arm64"}, time.Now())
	p.Seed("mem_image", "img-3", map[string]any{"family": "debian", "arch": "amd64"}, time.Now())

	candidates, err := p.Lookup(ctx, "mem_image", map[string]any{"family": "ubuntu"})
	require.NoError(t, err)
	assert.Len(t, candidates, 2)

	candidates, err = p.Lookup(ctx, "mem_image", map[string]any{"family": "ubuntu", "arch": "arm64"})
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, "img-2", candidates[0].ID)
	assert.Equal(t, "arm64", candidates[0].Attrs["arch"])

	candidates, err = p.Lookup(ctx, "mem_image", map[string]any{"family": "alpine"})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestLookupComparesNormalizedValues(t *testing.T) {
	p := New()
	p.Seed("mem_disk", "d-1", map[string]any{"size": 100}, time.Now())

	candidates, err := p.Lookup(context.Background(), "mem_disk", map[string]any{"size": "100"})
	require.NoError(t, err)
	assert.Len(t, candidates, 1)
}

func TestSchemaDefaultsToEmpty(t *testing.T) {
	p := New()
	schema, err := p.Schema("mem_server")
	require.NoError(t, err)
	require.NotNil(t, schema)
	assert.Empty(t, schema.Attributes)

	p.DefineSchema("mem_server", &provider.Schema{
		Attributes: map[string]provider.AttrSchema{
			"size": {ForcesReplacement: true},
		},
	})
	schema, err = p.Schema("mem_server")
	require.NoError(t, err)
	assert.True(t, schema.Attributes["size"].ForcesReplacement)
}

func TestFailNextConsumedOnce(t *testing.T) {
	ctx := context.Background()
	p := New()
	boom := errors.New("throttled: rate exceeded")
	p.FailNext("create", boom)

	_, _, err := p.Create(ctx, "mem_server", nil)
	require.ErrorIs(t, err, boom)

	_, _, err = p.Create(ctx, "mem_server", nil)
	require.NoError(t, err)
}

func TestFailNextForScopesToType(t *testing.T) {
	ctx := context.Background()
	p := New()
	boom := errors.New("create failed")
	p.FailNextFor("create", "mem_sg", boom)

	_, _, err := p.Create(ctx, "mem_server", nil)
	require.NoError(t, err, "other types are unaffected")

	_, _, err = p.Create(ctx, "mem_sg", nil)
	require.ErrorIs(t, err, boom)

	_, _, err = p.Create(ctx, "mem_sg", nil)
	require.NoError(t, err)
}

func TestOpsLog(t *testing.T) {
	ctx := context.Background()
	p := New()

	id, _, err := p.Create(ctx, "mem_server", map[string]any{"size": "small"})
	require.NoError(t, err)
	_, _, err = p.Read(ctx, "mem_server", id)
	require.NoError(t, err)
	require.NoError(t, p.Destroy(ctx, "mem_server", id))

	assert.Equal(t, []string{
		"create mem_server " + id,
		"read mem_server " + id,
		"destroy mem_server " + id,
	}, p.Ops())
}

func TestAttrsReturnsCopy(t *testing.T) {
	p := New()
	p.Seed("mem_server", "mem-1", map[string]any{"size": "small"}, time.Now())

	attrs, ok := p.Attrs("mem_server", "mem-1")
	require.True(t, ok)
	attrs["size"] = "mutated"

	again, ok := p.Attrs("mem_server", "mem-1")
	require.True(t, ok)
	assert.Equal(t, "small", again["size"])
}
