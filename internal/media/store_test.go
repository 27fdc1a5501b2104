package media

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "media"))
	require.NoError(t, err)
	return store
}

func TestNewStore(t *testing.T) {
	t.Run("creates base directory", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "nested", "media")
		store, err := NewStore(dir)
		require.NoError(t, err)
		_, err = os.Stat(store.BasePath())
		assert.NoError(t, err)
	})

	t.Run("rejects empty path", func(t *testing.T) {
		_, err := NewStore("  ")
		assert.Error(t, err)
	})
}

func TestSave(t *testing.T) {
	store := setupTestStore(t)

	ref, err := store.Save("alerts", 101, "jpg", strings.NewReader("first"))
	require.NoError(t, err)
	assert.Equal(t, "alerts/101.jpg", ref)

	t.Run("same message overwrites", func(t *testing.T) {
		again, err := store.Save("alerts", 101, ".jpg", strings.NewReader("second"))
		require.NoError(t, err)
		assert.Equal(t, ref, again)

		f, err := store.Open(ref)
		require.NoError(t, err)
		defer f.Close()
		data, err := io.ReadAll(f)
		require.NoError(t, err)
		assert.Equal(t, "second", string(data))

		refs, err := store.List()
		require.NoError(t, err)
		assert.Equal(t, []string{"alerts/101.jpg"}, refs)
	})

	t.Run("unknown extension", func(t *testing.T) {
		ref, err := store.Save("alerts", 7, "", strings.NewReader("x"))
		require.NoError(t, err)
		assert.Equal(t, "alerts/7.bin", ref)
	})

	t.Run("channel names cannot escape the root", func(t *testing.T) {
		ref, err := store.Save("../etc", 1, ".png", strings.NewReader("x"))
		require.NoError(t, err)
		assert.Regexp(t, `^___etc\.[0-9a-f]{12}/1\.png$`, ref)
	})
}

func TestSaveKeepsDistinctChannelsApart(t *testing.T) {
	store := setupTestStore(t)

	upper, err := store.Save("News", 5, ".jpg", strings.NewReader("upper"))
	require.NoError(t, err)
	lower, err := store.Save("news", 5, ".jpg", strings.NewReader("lower"))
	require.NoError(t, err)
	spaced, err := store.Save("news ", 5, ".jpg", strings.NewReader("spaced"))
	require.NoError(t, err)

	assert.Equal(t, "news/5.jpg", lower)
	assert.NotEqual(t, upper, lower)
	assert.NotEqual(t, spaced, lower)
	assert.NotEqual(t, spaced, upper)
	assert.Equal(t, upper, Ref("News", 5, "jpg"), "refs are stable")

	require.NoError(t, store.Delete(upper))

	f, err := store.Open(lower)
	require.NoError(t, err)
	defer f.Close()
	data, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "lower", string(data))

	refs, err := store.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{lower, spaced}, refs)
}

func TestDelete(t *testing.T) {
	store := setupTestStore(t)

	ref, err := store.Save("alerts", 1, ".png", strings.NewReader("x"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ref))
	_, err = os.Stat(filepath.Join(store.BasePath(), filepath.FromSlash(ref)))
	assert.True(t, os.IsNotExist(err))

	t.Run("missing file is not an error", func(t *testing.T) {
		assert.NoError(t, store.Delete(ref))
	})

	t.Run("invalid references", func(t *testing.T) {
		for _, bad := range []string{"", "/etc/passwd", "../outside.png", ".."} {
			assert.ErrorIs(t, store.Delete(bad), ErrInvalidRef, bad)
		}
	})
}

func TestListSkipsTemporaryFiles(t *testing.T) {
	store := setupTestStore(t)
	_, err := store.Save("alerts", 1, ".png", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.BasePath(), "alerts", ".tmp-123"), []byte("partial"), 0o644))

	refs, err := store.List()
	require.NoError(t, err)
	assert.Equal(t, []string{"alerts/1.png"}, refs)
}
