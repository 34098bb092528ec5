package metadata

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTombstoneKey_String(t *testing.T) {
	key := TombstoneKey{Owner: "__defaultOwner__", Zone: "WWDCV6", Type: "SessionProgressSyncObject", Name: "P1"}
	assert.Equal(t, "__defaultOwner__-WWDCV6-SessionProgressSyncObject-P1", key.String())
}

func TestCursorLifecycle(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	assert.Nil(t, s.Cursor())

	require.NoError(t, s.SaveCursor([]byte{0x00, 0xff, 'a'}))
	assert.Equal(t, []byte{0x00, 0xff, 'a'}, s.Cursor())

	require.NoError(t, s.SetCreatedScope(true))
	require.NoError(t, s.AddTombstones(TombstoneKey{"o", "z", "t", "n"}))

	// Invalidation drops only the token
	require.NoError(t, s.InvalidateCursor())
	assert.Nil(t, s.Cursor())
	assert.True(t, s.CreatedScope())
	assert.True(t, s.IsTombstoned(TombstoneKey{"o", "z", "t", "n"}))
}

func TestClear(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveCursor([]byte("token")))
	require.NoError(t, s.SetCreatedScope(true))
	require.NoError(t, s.SetCreatedSubscription(true))
	require.NoError(t, s.AddTombstones(TombstoneKey{"o", "z", "t", "n"}))

	require.NoError(t, s.Clear())

	assert.Nil(t, s.Cursor())
	assert.False(t, s.CreatedScope())
	assert.False(t, s.CreatedSubscription())
	tombstones, err := s.Tombstones()
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestResetScope(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.SaveCursor([]byte("token")))
	require.NoError(t, s.SetCreatedScope(true))
	require.NoError(t, s.SetCreatedSubscription(true))
	require.NoError(t, s.AddTombstones(TombstoneKey{"o", "z", "t", "n"}))

	require.NoError(t, s.ResetScope())

	assert.Nil(t, s.Cursor())
	assert.False(t, s.CreatedScope())
	assert.False(t, s.CreatedSubscription())
	assert.True(t, s.IsTombstoned(TombstoneKey{"o", "z", "t", "n"}))
}

func TestAddTombstones_Dedup(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)

	k1 := TombstoneKey{"o", "z", "t", "b"}
	k2 := TombstoneKey{"o", "z", "t", "a"}
	require.NoError(t, s.AddTombstones(k1, k2))
	require.NoError(t, s.AddTombstones(k1))

	tombstones, err := s.Tombstones()
	require.NoError(t, err)
	assert.Equal(t, []string{"o-z-t-a", "o-z-t-b"}, tombstones)
	assert.False(t, s.IsTombstoned(TombstoneKey{"o", "z", "t", "c"}))
}

func TestSharedAcrossStores(t *testing.T) {
	dir := t.TempDir()

	writer, err := Open(dir)
	require.NoError(t, err)
	reader, err := Open(dir)
	require.NoError(t, err)

	require.NoError(t, writer.SaveCursor([]byte("from-writer")))
	assert.Equal(t, []byte("from-writer"), reader.Cursor())
}

func TestResetLocalMetadata(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.SetCreatedScope(true))

	require.NoError(t, ResetLocalMetadata(dir))
	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err))

	s2, err := Open(dir)
	require.NoError(t, err)
	assert.False(t, s2.CreatedScope())
}

func TestUnsupportedVersion(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), []byte("version: 99\n"), 0644))

	_, err = s.Snapshot()
	assert.Error(t, err)
	assert.False(t, s.CreatedScope())
}
