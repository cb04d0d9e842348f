package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chaz8081/pixels-central/internal/ble/protocol"
	"github.com/chaz8081/pixels-central/internal/die"
)

func openTemp(t *testing.T) (*Bolt, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nested", "dice.db")
	b, err := Open(path)
	require.NoError(t, err)
	return b, path
}

func TestSaveLoad(t *testing.T) {
	b, _ := openTemp(t)
	defer b.Close()

	d20 := die.Identity{Name: "D20", Address: "AA", DeviceID: 0x20, FaceCount: 20, DesignAndColor: protocol.DesignV5Gold}
	d6 := die.Identity{Name: "D6", DeviceID: 0x06, FaceCount: 6}
	require.NoError(t, b.Save(d20))
	require.NoError(t, b.Save(d6))

	ids, err := b.Load()
	require.NoError(t, err)
	assert.Equal(t, []die.Identity{d6, d20}, ids)
}

func TestSaveReplaces(t *testing.T) {
	b, _ := openTemp(t)
	defer b.Close()

	require.NoError(t, b.Save(die.Identity{Name: "old", DeviceID: 1}))
	require.NoError(t, b.Save(die.Identity{Name: "new", DeviceID: 1}))

	ids, err := b.Load()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "new", ids[0].Name)
}

func TestSaveRequiresDeviceID(t *testing.T) {
	b, _ := openTemp(t)
	defer b.Close()
	assert.ErrorIs(t, b.Save(die.Identity{Name: "anon"}), ErrNoDeviceID)
}

func TestDelete(t *testing.T) {
	b, _ := openTemp(t)
	defer b.Close()

	require.NoError(t, b.Save(die.Identity{Name: "a", DeviceID: 1}))
	require.NoError(t, b.Delete(1))
	require.NoError(t, b.Delete(42))

	ids, err := b.Load()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReopenKeepsData(t *testing.T) {
	b, path := openTemp(t)
	require.NoError(t, b.Save(die.Identity{Name: "kept", DeviceID: 7}))
	require.NoError(t, b.Close())

	b, err := Open(path)
	require.NoError(t, err)
	defer b.Close()
	ids, err := b.Load()
	require.NoError(t, err)
	require.Len(t, ids, 1)
	assert.Equal(t, "kept", ids[0].Name)
}
