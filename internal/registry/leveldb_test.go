package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLevelDBStore(t *testing.T) *LevelDBStore {
	t.Helper()
	s, err := OpenLevelDBStore(t.TempDir(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestLevelDBStore_Contract(t *testing.T) {
	runStoreContract(t, func(t *testing.T) Store {
		return newLevelDBStore(t)
	})
}

func TestLevelDBStore_Reopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := OpenLevelDBStore(dir, nil)
	require.NoError(t, err)
	require.NoError(t, s.Put(ctx, Record{Key: "TGT-1", Kind: "TGT", Payload: []byte("p")}))
	require.NoError(t, s.Put(ctx, Record{Key: "ST-1", ParentKey: "TGT-1", Kind: "ST", Payload: []byte("c")}))
	require.NoError(t, s.Close())

	s, err = OpenLevelDBStore(dir, nil)
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.Get(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, []byte("p"), rec.Payload)
	children, err := s.Children(ctx, "TGT-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ST-1"}, children)
}
