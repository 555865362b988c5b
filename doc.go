// Package zipkit reads and writes ZIP archives.
//
// A [Reader] opens an archive lazily, indexes it on first use, and then
// answers queries and extracts entries. The index is built from the central
// directory when the archive has one, and from a sequential scan of local
// headers when it does not:
//
//	r := zipkit.OpenReader("bundle.zip", zipkit.WithExclusions("*.log"))
//	defer r.Close()
//	names, err := r.ListFiles()
//	if err != nil {
//	    return err
//	}
//	data, err := r.ReadFile("config.json")
//
// Stored, Deflate and Bzip2 entries are always supported. Zstandard entries
// are read only when [WithZstd] is given.
//
// A [Writer] builds an archive in a temp file and either renames it into
// place on Close, or streams it to a [Sink]:
//
//	w, err := zipkit.Create("out.zip", zipkit.WithComment("build 42"))
//	if err != nil {
//	    return err
//	}
//	if err := w.AddDirectory("./site", "site", true); err != nil {
//	    return err
//	}
//	return w.Close()
//
// # Backends
//
// The writer encodes through one of three backends. [BackendCompress] and
// [BackendStdlib] are full ZIP writers. [BackendLegacy] writes every record
// itself and is used when neither native backend is usable. [SelectBackend]
// makes the choice from [Capabilities], and [WithBackend] forces one.
//
// # Remote archives
//
// Any [ByteSource] can back a Reader. Package zipkit/http reads archives
// with HTTP range requests, and package zipkit/cache keeps the fetched
// blocks on disk so repeated indexing does not hit the network again.
//
// # Memory
//
// Decompressing or compressing a large entry needs its whole content in
// memory. Around each such operation the process soft memory limit is raised
// far enough to fit it and restored afterward. See [WithMemoryLimiter].
package zipkit
