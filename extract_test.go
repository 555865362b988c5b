package zipkit

import (
	"bytes"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/zipkit/internal/testutil"
)

func TestExtractTo(t *testing.T) {
	t.Parallel()

	r := readerFor([]testutil.Entry{deflated(t, "a.txt", []byte("hello hello hello"))}, testutil.Options{})
	var buf bytes.Buffer
	require.NoError(t, r.ExtractTo("a.txt", &buf))
	assert.Equal(t, "hello hello hello", buf.String())

	require.ErrorIs(t, r.ExtractTo("b.txt", &buf), ErrNotFound)
}

func TestExtractReplacesFile(t *testing.T) {
	t.Parallel()

	mod := time.Date(2022, time.June, 1, 12, 0, 0, 0, time.UTC)
	e := testutil.Stored("a.txt", []byte("new content"))
	e.Modified = mod
	r := readerFor([]testutil.Entry{e}, testutil.Options{})

	dest := filepath.Join(t.TempDir(), "nested", "out.txt")
	require.NoError(t, os.MkdirAll(filepath.Dir(dest), 0o755))
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0o600))

	require.NoError(t, r.Extract("a.txt", dest))
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "new content", string(got))

	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.True(t, info.ModTime().Equal(mod))

	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestExtractFailureLeavesNoFile(t *testing.T) {
	t.Parallel()

	e := testutil.Stored("a.txt", []byte("content"))
	e.CRC32++
	r := readerFor([]testutil.Entry{e}, testutil.Options{})

	dir := t.TempDir()
	err := r.Extract("a.txt", filepath.Join(dir, "a.txt"))
	require.ErrorIs(t, err, ErrChecksum)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestExtractAll(t *testing.T) {
	t.Parallel()

	entries := []testutil.Entry{
		testutil.Dir("pkg/"),
		testutil.Dir("pkg/empty/"),
		testutil.Stored("pkg/bin/tool", []byte("binary")),
		deflated(t, "pkg/README.md", bytes.Repeat([]byte("# readme\n"), 50)),
	}

	t.Run("full paths", func(t *testing.T) {
		t.Parallel()

		var events []ProgressEvent
		dest := t.TempDir()
		r := readerFor(entries, testutil.Options{})
		require.NoError(t, r.ExtractAll(dest, ExtractWithProgress(func(ev ProgressEvent) {
			events = append(events, ev)
		})))

		got, err := os.ReadFile(filepath.Join(dest, "pkg", "bin", "tool"))
		require.NoError(t, err)
		assert.Equal(t, "binary", string(got))
		info, err := os.Stat(filepath.Join(dest, "pkg", "empty"))
		require.NoError(t, err)
		assert.True(t, info.IsDir())

		require.Len(t, events, 4)
		assert.Equal(t, StageExtracting, events[3].Stage)
		assert.Equal(t, 4, events[3].FilesDone)
		assert.Equal(t, 4, events[3].FilesTotal)
	})

	t.Run("strip root", func(t *testing.T) {
		t.Parallel()

		dest := t.TempDir()
		r := readerFor(entries, testutil.Options{})
		require.NoError(t, r.ExtractAll(dest, ExtractWithStripRoot()))

		got, err := os.ReadFile(filepath.Join(dest, "bin", "tool"))
		require.NoError(t, err)
		assert.Equal(t, "binary", string(got))
		_, err = os.Stat(filepath.Join(dest, "README.md"))
		require.NoError(t, err)
		_, err = os.Stat(filepath.Join(dest, "pkg"))
		require.ErrorIs(t, err, fs.ErrNotExist)
	})
}

func TestExtractAllRejectsEscapingPaths(t *testing.T) {
	t.Parallel()

	entries := []testutil.Entry{
		testutil.Stored("../evil.txt", []byte("pwned")),
		testutil.Stored("good.txt", []byte("fine")),
	}
	parent := t.TempDir()
	dest := filepath.Join(parent, "out")
	r := readerFor(entries, testutil.Options{})

	err := r.ExtractAll(dest)
	var pathErr *fs.PathError
	require.ErrorAs(t, err, &pathErr)
	require.ErrorIs(t, err, fs.ErrInvalid)

	_, statErr := os.Stat(filepath.Join(parent, "evil.txt"))
	require.ErrorIs(t, statErr, fs.ErrNotExist)
	got, err := os.ReadFile(filepath.Join(dest, "good.txt"))
	require.NoError(t, err)
	assert.Equal(t, "fine", string(got))
}

func TestExtractAllContinuesPastFailures(t *testing.T) {
	t.Parallel()

	bad := testutil.Stored("bad.txt", []byte("bad"))
	bad.Method = 6
	entries := []testutil.Entry{
		bad,
		testutil.Stored("ok.txt", []byte("ok")),
	}
	dest := t.TempDir()
	err := readerFor(entries, testutil.Options{}).ExtractAll(dest)
	require.ErrorIs(t, err, ErrUnsupportedCompression)

	got, rerr := os.ReadFile(filepath.Join(dest, "ok.txt"))
	require.NoError(t, rerr)
	assert.Equal(t, "ok", string(got))
}

func TestExtractPermissionDenied(t *testing.T) {
	t.Parallel()
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}

	dir := t.TempDir()
	locked := filepath.Join(dir, "locked")
	require.NoError(t, os.Mkdir(locked, 0o500))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o700) })

	r := readerFor([]testutil.Entry{testutil.Stored("a.txt", []byte("a"))}, testutil.Options{})
	err := r.Extract("a.txt", filepath.Join(locked, "a.txt"))
	require.ErrorIs(t, err, ErrPermission)
}
