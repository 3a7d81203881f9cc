package storage

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFsClientPutGet(t *testing.T) {
	fc, err := NewFsClient(t.TempDir(), StoreGroupStation)
	require.NoError(t, err)

	key := filepath.Join(Connectors, "state")
	require.NoError(t, fc.Put(key, map[string]string{"status": "Available"}))
	require.NoError(t, fc.Put(key, map[string]string{"status": "Charging"}))

	data, err := fc.Get(key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"Charging"}`, string(data))

	files, err := fc.List(Connectors)
	require.NoError(t, err)
	assert.NotEmpty(t, files)
}

func TestFsClientGetMissing(t *testing.T) {
	fc, err := NewFsClient(t.TempDir(), StoreGroupStation)
	require.NoError(t, err)

	_, err = fc.Get(filepath.Join(LocalAuth, "list"))
	assert.True(t, os.IsNotExist(err))
}

func TestFsClientDelete(t *testing.T) {
	fc, err := NewFsClient(t.TempDir(), StoreGroupStation)
	require.NoError(t, err)

	key := filepath.Join(Configuration, "keys")
	require.NoError(t, fc.Put(key, []string{"a"}))
	require.NoError(t, fc.Delete(key))
	require.NoError(t, fc.Delete(key))

	_, err = fc.Get(key)
	assert.True(t, os.IsNotExist(err))
}

func TestUnsupportedStoreGroup(t *testing.T) {
	_, err := NewFsClient(t.TempDir(), StoreGroup(42))
	assert.Error(t, err)
}
