package zipkit

import (
	"bytes"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/zipkit/internal/record"
	"github.com/meigma/zipkit/internal/testutil"
)

func deflated(t *testing.T, name string, data []byte) testutil.Entry {
	t.Helper()
	payload, err := deflateBytes(data, DefaultCompressionLevel)
	require.NoError(t, err)
	e := testutil.Stored(name, data)
	e.Method = uint16(Deflate)
	e.Payload = payload
	return e
}

func readerFor(entries []testutil.Entry, opts testutil.Options, ropts ...ReaderOption) *Reader {
	return NewReader(testutil.NewByteSource(testutil.Build(entries, opts)), ropts...)
}

func TestReaderStrategiesAgree(t *testing.T) {
	t.Parallel()

	entries := []testutil.Entry{
		testutil.Dir("docs/"),
		testutil.Stored("docs/readme.txt", []byte("read me")),
		deflated(t, "docs/big.txt", bytes.Repeat([]byte("zipkit "), 500)),
		testutil.Stored("empty.txt", nil),
	}
	data := testutil.Build(entries, testutil.Options{Comment: "release"})

	for _, s := range []Strategy{StrategyAuto, StrategyCentralDirectory, StrategySequential} {
		t.Run(s.String(), func(t *testing.T) {
			t.Parallel()

			r := NewReader(testutil.NewByteSource(data), WithStrategy(s))
			files, err := r.ListFiles()
			require.NoError(t, err)
			assert.Equal(t, []string{"docs/readme.txt", "docs/big.txt", "empty.txt"}, files)

			dirs, err := r.ListDirectories()
			require.NoError(t, err)
			assert.Equal(t, []string{"docs"}, dirs)

			got, err := r.ReadFile("docs/big.txt")
			require.NoError(t, err)
			assert.Equal(t, bytes.Repeat([]byte("zipkit "), 500), got)

			got, err = r.ReadFile("empty.txt")
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestReaderAutoUsesCentralDirectory(t *testing.T) {
	t.Parallel()

	r := readerFor([]testutil.Entry{testutil.Stored("a.txt", []byte("a"))}, testutil.Options{Comment: "hello"})
	_, err := r.Index()
	require.NoError(t, err)
	assert.Equal(t, StrategyCentralDirectory, r.Strategy())

	comment, err := r.Comment()
	require.NoError(t, err)
	assert.Equal(t, "hello", comment)
}

func TestReaderAutoFallsBackWithoutEndRecord(t *testing.T) {
	t.Parallel()

	entries := []testutil.Entry{
		testutil.Stored("a.txt", []byte("alpha")),
		testutil.Stored("b.txt", []byte("beta")),
	}
	r := readerFor(entries, testutil.Options{OmitCentralDirectory: true})
	files, err := r.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, files)
	assert.Equal(t, StrategySequential, r.Strategy())

	comment, err := r.Comment()
	require.NoError(t, err)
	assert.Empty(t, comment)
}

func TestReaderCentralDirectoryOnlyRequiresEndRecord(t *testing.T) {
	t.Parallel()

	r := readerFor([]testutil.Entry{testutil.Stored("a.txt", []byte("a"))},
		testutil.Options{OmitCentralDirectory: true},
		WithStrategy(StrategyCentralDirectory))
	_, err := r.Index()
	require.ErrorIs(t, err, ErrFormat)
}

func TestReaderEntryCountExceedsDirectory(t *testing.T) {
	t.Parallel()

	r := readerFor([]testutil.Entry{testutil.Stored("a.txt", []byte("a"))},
		testutil.Options{TotalEntries: 50})
	_, err := r.Index()
	require.ErrorIs(t, err, ErrFormat)

	// The failure is not cached and does not switch strategies.
	_, err = r.Index()
	require.ErrorIs(t, err, ErrFormat)
}

func TestReaderRejectsNonArchive(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"short", []byte("PK")},
		{"text", []byte("this is not a zip archive at all")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := NewReader(NewBytesSource(tt.data))
			_, err := r.Index()
			require.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestReaderSequentialSkipsTrailers(t *testing.T) {
	t.Parallel()

	a := testutil.Stored("a.txt", []byte("alpha"))
	a.Descriptor = true
	b := testutil.Stored("b.txt", []byte("beta"))
	b.Trailer = true
	c := testutil.Stored("c.txt", []byte("gamma"))

	r := readerFor([]testutil.Entry{a, b, c}, testutil.Options{OmitCentralDirectory: true})
	files, err := r.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt", "c.txt"}, files)

	for name, want := range map[string]string{"a.txt": "alpha", "b.txt": "beta", "c.txt": "gamma"} {
		got, err := r.ReadFile(name)
		require.NoError(t, err)
		assert.Equal(t, want, string(got))
	}
}

func TestReaderExclusions(t *testing.T) {
	t.Parallel()

	entries := []testutil.Entry{
		testutil.Stored("app/main.go", []byte("package main")),
		testutil.Stored("app/debug.log", []byte("noise")),
		testutil.Stored("app/.git/HEAD", []byte("ref")),
		testutil.Stored("notes.txt", []byte("n")),
	}
	r := readerFor(entries, testutil.Options{}, WithExclusions("*.log", ".git"))
	files, err := r.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"app/main.go", "notes.txt"}, files)

	_, err = r.ReadFile("app/debug.log")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestReaderInvalidExclusion(t *testing.T) {
	t.Parallel()

	r := readerFor([]testutil.Entry{testutil.Stored("a", []byte("a"))}, testutil.Options{}, WithExclusions("[a-"))
	_, err := r.Index()
	require.ErrorIs(t, err, ErrPattern)
}

func TestReaderStopAtName(t *testing.T) {
	t.Parallel()

	entries := []testutil.Entry{
		testutil.Stored("a.txt", []byte("a")),
		testutil.Stored("Manifest.json", []byte("{}")),
		testutil.Stored("c.txt", []byte("c")),
	}
	data := testutil.Build(entries, testutil.Options{})

	for _, s := range []Strategy{StrategyCentralDirectory, StrategySequential} {
		t.Run(s.String(), func(t *testing.T) {
			t.Parallel()

			r := NewReader(testutil.NewByteSource(data), WithStrategy(s), WithStopAtName("manifest.json"))
			idx, err := r.Index()
			require.NoError(t, err)
			assert.Equal(t, []string{"a.txt", "Manifest.json"}, idx.Names())
		})
	}
}

func TestReaderDuplicateNamesLastWins(t *testing.T) {
	t.Parallel()

	entries := []testutil.Entry{
		testutil.Stored("a.txt", []byte("first")),
		testutil.Stored("b.txt", []byte("b")),
		testutil.Stored("a.txt", []byte("second")),
	}
	r := readerFor(entries, testutil.Options{})
	idx, err := r.Index()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, idx.Names())

	got, err := r.ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "second", string(got))
}

func TestReaderQueries(t *testing.T) {
	t.Parallel()

	mod := time.Date(2023, time.March, 4, 5, 6, 8, 0, time.UTC)
	e := testutil.Stored("dir/file.txt", []byte("content"))
	e.Modified = mod
	r := readerFor([]testutil.Entry{testutil.Dir("dir/"), e}, testutil.Options{})

	entry, err := r.Entry("dir/file.txt")
	require.NoError(t, err)
	assert.Equal(t, "file.txt", entry.Name())
	assert.Equal(t, Store, entry.Method)
	assert.Equal(t, uint32(7), entry.UncompressedSize)
	assert.Equal(t, mod, entry.Modified)
	assert.False(t, entry.IsDir)

	ok, err := r.HasEntry("dir")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.HasEntry("dir/")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.HasEntry("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	empty, err := r.IsEmpty()
	require.NoError(t, err)
	assert.False(t, empty)

	_, err = r.Entry("missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = r.ReadFile("dir")
	require.ErrorIs(t, err, ErrIsDir)
	require.ErrorIs(t, err, ErrFormat)
}

func TestReaderEmptyArchive(t *testing.T) {
	t.Parallel()

	r := readerFor(nil, testutil.Options{})
	empty, err := r.IsEmpty()
	require.NoError(t, err)
	assert.True(t, empty)

	files, err := r.ListFiles()
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestReaderRootDirectory(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		entries []testutil.Entry
		want    string
		ok      bool
	}{
		{
			name: "single root",
			entries: []testutil.Entry{
				testutil.Dir("tool-1.0/"),
				testutil.Stored("tool-1.0/bin/tool", []byte("x")),
			},
			want: "tool-1.0",
			ok:   true,
		},
		{
			name: "root file alongside",
			entries: []testutil.Entry{
				testutil.Dir("tool-1.0/"),
				testutil.Stored("README", []byte("x")),
			},
		},
		{
			name: "two roots",
			entries: []testutil.Entry{
				testutil.Dir("a/"),
				testutil.Dir("b/"),
			},
		},
		{
			name:    "no directory entries",
			entries: []testutil.Entry{testutil.Stored("a/b.txt", []byte("x"))},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			r := readerFor(tt.entries, testutil.Options{})
			got, ok, err := r.RootDirectory()
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestReaderUnsupportedMethod(t *testing.T) {
	t.Parallel()

	shrunk := testutil.Stored("old.txt", []byte("data"))
	shrunk.Method = 1
	zero := testutil.Stored("zero.txt", nil)
	zero.Method = 1

	r := readerFor([]testutil.Entry{shrunk, zero}, testutil.Options{})
	files, err := r.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"old.txt", "zero.txt"}, files)

	_, err = r.ReadFile("old.txt")
	require.ErrorIs(t, err, ErrUnsupportedCompression)
	var uerr *UnsupportedCompressionError
	require.ErrorAs(t, err, &uerr)
	assert.Equal(t, Method(1), uerr.Method)
	assert.Contains(t, err.Error(), "Shrunk")

	got, err := r.ReadFile("zero.txt")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestReaderBzip2(t *testing.T) {
	t.Parallel()

	r := readerFor([]testutil.Entry{testutil.Bzip2Entry("hello.txt")}, testutil.Options{})
	got, err := r.ReadFile("hello.txt")
	require.NoError(t, err)
	assert.Equal(t, testutil.Bzip2HelloText, string(got))
}

func TestReaderZstdIsOptIn(t *testing.T) {
	t.Parallel()

	content := bytes.Repeat([]byte("zstandard "), 200)
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	e := testutil.Stored("z.txt", content)
	e.Method = uint16(Zstd)
	e.Payload = enc.EncodeAll(content, nil)
	require.NoError(t, enc.Close())
	data := testutil.Build([]testutil.Entry{e}, testutil.Options{})

	_, err = NewReader(testutil.NewByteSource(data)).ReadFile("z.txt")
	require.ErrorIs(t, err, ErrUnsupportedCompression)

	r := NewReader(testutil.NewByteSource(data), WithZstd(64<<20))
	for range 2 {
		got, err := r.ReadFile("z.txt")
		require.NoError(t, err)
		assert.Equal(t, content, got)
	}
}

func TestReaderChecksumMismatch(t *testing.T) {
	t.Parallel()

	e := testutil.Stored("a.txt", []byte("payload"))
	e.CRC32 ^= 0xffffffff
	data := testutil.Build([]testutil.Entry{e}, testutil.Options{})

	_, err := NewReader(testutil.NewByteSource(data)).ReadFile("a.txt")
	require.ErrorIs(t, err, ErrChecksum)
	require.ErrorIs(t, err, ErrFormat)

	got, err := NewReader(testutil.NewByteSource(data), WithoutChecksum()).ReadFile("a.txt")
	require.NoError(t, err)
	assert.Equal(t, "payload", string(got))
}

func TestReaderCorruptDeflate(t *testing.T) {
	t.Parallel()

	e := testutil.Stored("a.txt", []byte("payload"))
	e.Method = uint16(Deflate)
	e.Payload = []byte{0xff, 0xff, 0xff, 0xff}
	_, err := readerFor([]testutil.Entry{e}, testutil.Options{}).ReadFile("a.txt")
	require.ErrorIs(t, err, ErrDecompression)
}

func TestReaderIndexIsShared(t *testing.T) {
	t.Parallel()

	src := testutil.NewByteSource(testutil.Build([]testutil.Entry{
		testutil.Stored("a.txt", []byte("a")),
	}, testutil.Options{}))
	r := NewReader(src)

	var wg sync.WaitGroup
	indexes := make([]*EntryIndex, 8)
	for i := range indexes {
		wg.Add(1)
		go func() {
			defer wg.Done()
			idx, err := r.Index()
			assert.NoError(t, err)
			indexes[i] = idx
		}()
	}
	wg.Wait()
	for _, idx := range indexes {
		assert.Same(t, indexes[0], idx)
	}

	reads := src.Reads()
	_, err := r.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, reads, src.Reads())
}

func TestOpenReaderIsLazy(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "missing.zip")
	r := OpenReader(path)
	_, err := r.Index()
	require.ErrorIs(t, err, ErrPath)
	require.ErrorIs(t, err, os.ErrNotExist)

	data := testutil.Build([]testutil.Entry{testutil.Stored("a.txt", []byte("a"))}, testutil.Options{})
	require.NoError(t, os.WriteFile(path, data, 0o644))
	files, err := r.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt"}, files)
}

func TestReaderClose(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "a.zip")
	data := testutil.Build([]testutil.Entry{testutil.Stored("a.txt", []byte("a"))}, testutil.Options{})
	require.NoError(t, os.WriteFile(path, data, 0o644))

	r := OpenReader(path)
	_, err := r.ReadFile("a.txt")
	require.NoError(t, err)
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	_, err = r.ReadFile("a.txt")
	require.ErrorIs(t, err, ErrReaderClosed)
}

// crcSuffix returns four bytes that, appended to data, give a CRC-32 of want.
// The table index for each byte is recovered backward from want, then the
// bytes are chosen forward from the register after data.
func crcSuffix(data []byte, want uint32) []byte {
	table := crc32.MakeTable(crc32.IEEE)
	var rev [256]byte
	for i, v := range table {
		rev[v>>24] = byte(i)
	}
	var idx [4]byte
	reg := ^want
	for i := 3; i >= 0; i-- {
		idx[i] = rev[reg>>24]
		reg = (reg ^ table[idx[i]]) << 8
	}
	reg = ^crc32.ChecksumIEEE(data)
	suffix := make([]byte, 4)
	for i := range suffix {
		suffix[i] = byte(reg) ^ idx[i]
		reg = table[idx[i]] ^ (reg >> 8)
	}
	return suffix
}

func TestReaderSequentialTrailerCRCLooksLikeSignature(t *testing.T) {
	t.Parallel()

	signatures := map[string]uint32{
		"local header":      record.LocalFileHeaderSignature,
		"central directory": record.CentralDirectorySignature,
		"end record":        record.EndOfCentralDirSignature,
		"data descriptor":   record.DataDescriptorSignature,
	}
	for name, sig := range signatures {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			content := []byte("payload")
			content = append(content, crcSuffix(content, sig)...)
			require.Equal(t, sig, crc32.ChecksumIEEE(content))

			path := filepath.Join(t.TempDir(), "forged.zip")
			w, err := Create(path, WithBackend(BackendLegacy), WithSkipCompression(func(string, os.FileInfo) bool { return true }))
			require.NoError(t, err)
			require.NoError(t, w.AddBytes("a.bin", content, testModified))
			require.NoError(t, w.AddBytes("b.txt", []byte("bravo"), testModified))
			require.NoError(t, w.AddBytes("c.txt", []byte("charlie"), testModified))
			require.NoError(t, w.Close())

			central, err := OpenReader(path, WithStrategy(StrategyCentralDirectory)).ListFiles()
			require.NoError(t, err)
			seq := OpenReader(path, WithStrategy(StrategySequential))
			sequential, err := seq.ListFiles()
			require.NoError(t, err)
			assert.Equal(t, []string{"a.bin", "b.txt", "c.txt"}, central)
			assert.Equal(t, central, sequential)

			got, err := seq.ReadFile("c.txt")
			require.NoError(t, err)
			assert.Equal(t, "charlie", string(got))
		})
	}
}

func TestReaderEncryptedEntry(t *testing.T) {
	t.Parallel()

	e := testutil.Stored("secret.txt", []byte("ciphertext"))
	e.Flags = record.FlagEncrypted
	r := readerFor([]testutil.Entry{e, testutil.Stored("plain.txt", []byte("plain"))}, testutil.Options{})

	files, err := r.ListFiles()
	require.NoError(t, err)
	assert.Equal(t, []string{"secret.txt", "plain.txt"}, files)

	entry, err := r.Entry("secret.txt")
	require.NoError(t, err)
	assert.True(t, entry.Encrypted())

	_, err = r.ReadFile("secret.txt")
	require.ErrorIs(t, err, ErrEncrypted)
	got, err := r.ReadFile("plain.txt")
	require.NoError(t, err)
	assert.Equal(t, "plain", string(got))
}

func TestReaderDeflateClaimingMoreThanPayload(t *testing.T) {
	t.Parallel()

	e := deflated(t, "big.txt", []byte("small content"))
	e.Size = 1 << 30
	_, err := readerFor([]testutil.Entry{e}, testutil.Options{}).ReadFile("big.txt")
	require.ErrorIs(t, err, ErrDecompression)
}

func TestReaderPayloadPastArchiveEnd(t *testing.T) {
	t.Parallel()

	archive := testutil.Build([]testutil.Entry{testutil.Stored("a.txt", []byte("abc"))}, testutil.Options{})
	cd := bytes.Index(archive, []byte("PK\x01\x02"))
	require.Positive(t, cd)
	// Compressed size field of the central directory header.
	copy(archive[cd+20:cd+24], []byte{0xff, 0xff, 0, 0})

	_, err := NewReader(testutil.NewByteSource(archive)).ReadFile("a.txt")
	require.ErrorIs(t, err, ErrFormat)
}
