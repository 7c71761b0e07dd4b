package state

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skiff-io/skiff/internal/ir"
)

func testRecord(id string) *ir.ResourceState {
	return &ir.ResourceState{
		Type: "mem_server", Name: "web", Provider: "mem", ID: id,
		Inputs: map[string]any{"size": "small"},
		Attrs:  map[string]any{"size": "small", "id": id},
	}
}

func TestFileStore_LoadMissingFile(t *testing.T) {
	store := NewFileStore(filepath.Join(t.TempDir(), "state.json"))

	st, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ir.StateVersion, st.Version)
	assert.Empty(t, st.Resources)
	assert.Equal(t, 0, st.Serial)
}

func TestFileStore_CommitRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	store := NewFileStore(path)
	require.NoError(t, store.Commit(ctx, "mem_server.web", testRecord("i-1")))

	// A fresh store reads back what was committed.
	st, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	require.Contains(t, st.Resources, "mem_server.web")
	assert.Equal(t, "i-1", st.Resources["mem_server.web"].ID)
	assert.Equal(t, 1, st.Serial)
	assert.NotEmpty(t, st.Lineage, "first persist mints a lineage")
}

func TestFileStore_CommitNoChangeIsNoOp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	store := NewFileStore(path)

	require.NoError(t, store.Commit(ctx, "mem_server.web", testRecord("i-1")))
	info1, err := os.Stat(path)
	require.NoError(t, err)

	// Identical record: serial and file untouched.
	require.NoError(t, store.Commit(ctx, "mem_server.web", testRecord("i-1")))
	info2, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, info1.ModTime(), info2.ModTime())

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Serial)

	// Removing an absent record is also a no-op.
	require.NoError(t, store.Commit(ctx, "mem_server.gone", nil))
	st, err = store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.Serial)
}

func TestFileStore_CommitDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	store := NewFileStore(path)

	require.NoError(t, store.Commit(ctx, "mem_server.web", testRecord("i-1")))
	require.NoError(t, store.Commit(ctx, "mem_server.web", nil))

	st, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, st.Resources)
	assert.Equal(t, 2, st.Serial)
}

func TestFileStore_SetOutputs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	store := NewFileStore(path)

	require.NoError(t, store.SetOutputs(ctx, map[string]any{"url": "http://example"}))

	st, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "http://example", st.Outputs["url"])
}

func TestDecodeState_Corrupt(t *testing.T) {
	_, err := DecodeState([]byte("{not json"))
	assert.ErrorIs(t, err, ErrStateCorrupt)

	_, err = DecodeState([]byte(`{"version": 0}`))
	assert.ErrorIs(t, err, ErrStateCorrupt)
}

func TestDecodeState_NewerVersionRejected(t *testing.T) {
	_, err := DecodeState([]byte(`{"version": 99}`))
	assert.ErrorIs(t, err, ErrStateVersionMismatch)
}

func TestDecodeState_MigratesV1(t *testing.T) {
	v1 := `{
  "version": 1,
  "serial": 7,
  "lineage": "abc-123",
  "resources": [
    {
      "type": "mem_server",
      "name": "web",
      "provider": "mem",
      "id": "i-1",
      "inputs": {"size": "small"},
      "attrs": {"size": "small"},
      "dependencies": ["mem_sg.web"]
    }
  ],
  "outputs": {"url": "http://example"}
}`

	doc, err := DecodeState([]byte(v1))
	require.NoError(t, err)
	assert.Equal(t, ir.StateVersion, doc.Version)
	assert.Equal(t, 7, doc.Serial)
	assert.Equal(t, "abc-123", doc.Lineage)
	require.Contains(t, doc.Resources, "mem_server.web")
	assert.Equal(t, "i-1", doc.Resources["mem_server.web"].ID)
	assert.Equal(t, []string{"mem_sg.web"}, doc.Resources["mem_server.web"].Dependencies)
	assert.Equal(t, "http://example", doc.Outputs["url"])
}

func TestFileStore_EncryptionRoundtrip(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "correct horse battery staple")

	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	store := NewFileStore(path)
	require.NoError(t, store.Commit(ctx, "mem_server.web", testRecord("i-1")))

	// On disk the document is unreadable JSON.
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, IsEncrypted(raw))
	var probe map[string]any
	assert.Error(t, json.Unmarshal(raw, &probe))

	st, err := NewFileStore(path).Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, "i-1", st.Resources["mem_server.web"].ID)
}

func TestFileStore_EncryptedWithoutKey(t *testing.T) {
	t.Setenv(EncryptionKeyEnvVar, "some key")

	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()
	require.NoError(t, NewFileStore(path).Commit(ctx, "mem_server.web", testRecord("i-1")))

	t.Setenv(EncryptionKeyEnvVar, "")
	_, err := NewFileStore(path).Load(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), EncryptionKeyEnvVar)
}

func TestFileStore_Lock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	ctx := context.Background()

	store := NewFileStore(path)
	require.NoError(t, store.Lock(ctx))

	// A second locker is refused while the lock is held.
	other := NewFileStore(path)
	err := other.Lock(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "locked")

	require.NoError(t, store.Unlock(ctx))
	require.NoError(t, other.Lock(ctx))
	require.NoError(t, other.Unlock(ctx))
}

func TestNewStore_Backends(t *testing.T) {
	ctx := context.Background()
	defaultPath := filepath.Join(t.TempDir(), "state.json")

	store, err := NewStore(ctx, nil, defaultPath)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	store, err = NewStore(ctx, &ir.BackendSettings{Type: "local", Config: map[string]string{}}, defaultPath)
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, store)

	_, err = NewStore(ctx, &ir.BackendSettings{Type: "consul"}, defaultPath)
	require.Error(t, err)
}
