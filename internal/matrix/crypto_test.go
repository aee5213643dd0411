// ABOUTME: Tests for encryption store helpers
// ABOUTME: Covers pickle key derivation and detection of stores left by other devices

package matrix

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPickleKey(t *testing.T) {
	assert.Equal(t, []byte("explicit"), pickleKey("explicit", "@iris:example.org"))

	derived := pickleKey("", "@iris:example.org")
	assert.Len(t, derived, 32)
	assert.Equal(t, derived, pickleKey("", "@iris:example.org"))
	assert.NotEqual(t, derived, pickleKey("", "@other:example.org"))
}

func TestStoreOwnedByOtherDevice(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crypto.db")

	stale, err := storeOwnedByOtherDevice(path, "DEVICE")
	require.NoError(t, err)
	assert.False(t, stale, "missing store")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE crypto_account (device_id TEXT)`)
	require.NoError(t, err)

	stale, err = storeOwnedByOtherDevice(path, "DEVICE")
	require.NoError(t, err)
	assert.False(t, stale, "empty store")

	_, err = db.Exec(`INSERT INTO crypto_account (device_id) VALUES ('OLD')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	stale, err = storeOwnedByOtherDevice(path, "DEVICE")
	require.NoError(t, err)
	assert.True(t, stale)

	stale, err = storeOwnedByOtherDevice(path, "OLD")
	require.NoError(t, err)
	assert.False(t, stale)
}
