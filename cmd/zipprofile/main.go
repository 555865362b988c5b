// Command zipprofile generates a file tree, archives it with zipkit, and
// profiles writing, indexing or extracting the archive.
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	"net/http/httptest"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"

	"github.com/meigma/zipkit"
	"github.com/meigma/zipkit/cache"
	zhttp "github.com/meigma/zipkit/http"
)

type config struct {
	mode       string
	files      int
	fileSize   int
	dirCount   int
	backend    string
	level      int
	strategy   string
	pattern    string
	remote     bool
	cacheDir   string
	zstd       bool
	fgProfile  string
	duration   time.Duration
	iterations int
	pprofAddr  string
	cpuProfile string
	memProfile string
	traceFile  string
	readRandom bool
	tempDir    string
	keepTemp   bool
	randomSeed int64
	verbose    bool
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkBytes []byte
	sinkNames []string
)

//nolint:gocognit // main function complexity is acceptable for CLI tool
func main() {
	cfg := parseFlags()

	if cfg.pprofAddr != "" {
		go func() {
			log.Printf("pprof listening on %s", cfg.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(cfg.pprofAddr, nil); err != nil {
				log.Printf("pprof server error: %v", err)
			}
		}()
	}

	dir, cleanup, err := setupTempDir(cfg)
	if err != nil {
		log.Fatal(err)
	}
	if cleanup != nil {
		defer cleanup() //nolint:errcheck // cleanup errors are non-fatal in profiler
	}

	srcDir := filepath.Join(dir, "src")
	paths, err := makeFiles(srcDir, cfg.files, cfg.fileSize, cfg.dirCount, cfg.pattern, cfg.randomSeed)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}
	archivePath := filepath.Join(dir, "archive.zip")
	if _, err := buildArchive(cfg, srcDir, archivePath); err != nil {
		log.Fatal(err)
	}

	var stopFG func() error
	if cfg.fgProfile != "" {
		fgFile, fgErr := os.Create(cfg.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG = fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				log.Printf("fgprof stop error: %v", err)
			}
			_ = fgFile.Close()
		}()
	}

	if cfg.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(cfg.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if cfg.traceFile != "" {
		traceFile, traceErr := os.Create(cfg.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(cfg, srcDir, archivePath, paths, dir)
	if err != nil {
		log.Fatal(err)
	}

	if cfg.memProfile != "" {
		runtime.GC()
		f, err := os.Create(cfg.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s backend=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		cfg.mode,
		cfg.backend,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocritic // complexity is inherent to multi-mode profiler dispatch; hugeParam acceptable for profiler
func runProfile(cfg config, srcDir, archivePath string, paths []string, rootDir string) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if cfg.iterations > 0 {
			return ops < cfg.iterations
		}
		return time.Since(start) < cfg.duration
	}

	switch cfg.mode {
	case "write":
		out := filepath.Join(rootDir, "write.zip")
		for shouldContinue() {
			sum, err := buildArchive(cfg, srcDir, out)
			if err != nil {
				return profileStats{}, err
			}
			byteCount += sum.Size
			ops++
		}

	case "stream":
		for shouldContinue() {
			w, err := zipkit.NewStream(&zipkit.WriterSink{W: io.Discard}, "archive.zip",
				writerOptions(cfg, rootDir)...)
			if err != nil {
				return profileStats{}, err
			}
			if err := w.AddDirectory(srcDir, ".", true); err != nil {
				w.Abort()
				return profileStats{}, err
			}
			if err := w.Close(); err != nil {
				return profileStats{}, err
			}
			byteCount += w.Summary().Size
			ops++
		}

	case "index":
		src, closeSrc, err := openSource(cfg, archivePath)
		if err != nil {
			return profileStats{}, err
		}
		defer closeSrc()
		for shouldContinue() {
			r := zipkit.NewReader(src, readerOptions(cfg)...)
			names, err := r.ListFiles()
			if err != nil {
				return profileStats{}, err
			}
			sinkNames = names
			byteCount += src.Size()
			ops++
		}

	case "readfile":
		src, closeSrc, err := openSource(cfg, archivePath)
		if err != nil {
			return profileStats{}, err
		}
		defer closeSrc()
		r := zipkit.NewReader(src, readerOptions(cfg)...)
		if _, err := r.Index(); err != nil {
			return profileStats{}, err
		}
		rng := rand.New(rand.NewSource(cfg.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
		for shouldContinue() {
			path := pickPath(paths, ops, rng, cfg.readRandom)
			content, err := r.ReadFile(path)
			if err != nil {
				return profileStats{}, err
			}
			sinkBytes = content
			byteCount += int64(len(content))
			ops++
		}

	case "extractall":
		src, closeSrc, err := openSource(cfg, archivePath)
		if err != nil {
			return profileStats{}, err
		}
		defer closeSrc()
		r := zipkit.NewReader(src, readerOptions(cfg)...)
		for shouldContinue() {
			dest, err := os.MkdirTemp(rootDir, "extract-*")
			if err != nil {
				return profileStats{}, err
			}
			if err := r.ExtractAll(dest); err != nil {
				return profileStats{}, err
			}
			if err := os.RemoveAll(dest); err != nil {
				return profileStats{}, err
			}
			byteCount += int64(len(paths)) * int64(cfg.fileSize)
			ops++
		}

	default:
		return profileStats{}, fmt.Errorf("unknown mode: %s", cfg.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.mode, "mode", "readfile", "mode: write, stream, index, readfile, extractall")
	flag.IntVar(&cfg.files, "files", 512, "number of files")
	flag.IntVar(&cfg.fileSize, "file-size", 16<<10, "file size in bytes")
	flag.IntVar(&cfg.dirCount, "dir-count", 16, "number of directories")
	flag.StringVar(&cfg.backend, "backend", "auto", "writer backend: auto, compress, stdlib, legacy")
	flag.IntVar(&cfg.level, "level", zipkit.DefaultCompressionLevel, "deflate level (-2 to 9)")
	flag.StringVar(&cfg.strategy, "strategy", "auto", "index strategy: auto, central, sequential")
	flag.StringVar(&cfg.pattern, "pattern", "compressible", "pattern: compressible or random")
	flag.BoolVar(&cfg.remote, "remote", false, "read the archive through a local HTTP range server")
	flag.StringVar(&cfg.cacheDir, "cache-dir", "", "block cache directory for remote reads")
	flag.BoolVar(&cfg.zstd, "zstd", false, "enable zstd entry extraction")
	flag.StringVar(&cfg.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	flag.DurationVar(&cfg.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	flag.IntVar(&cfg.iterations, "iterations", 0, "number of iterations to run")
	flag.StringVar(&cfg.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	flag.StringVar(&cfg.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	flag.StringVar(&cfg.memProfile, "memprofile", "", "write heap profile to file")
	flag.StringVar(&cfg.traceFile, "trace", "", "write trace to file")
	flag.BoolVar(&cfg.readRandom, "read-random", true, "randomize readfile path selection")
	flag.StringVar(&cfg.tempDir, "temp-dir", "", "directory to use for dataset")
	flag.BoolVar(&cfg.keepTemp, "keep-temp", false, "keep temp dir after run")
	flag.Int64Var(&cfg.randomSeed, "seed", 1, "random seed")
	flag.BoolVar(&cfg.verbose, "v", false, "log zipkit debug events to stderr")
	flag.Parse()
	return cfg
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func writerOptions(cfg config, tempDir string) []zipkit.WriterOption {
	opts := []zipkit.WriterOption{
		zipkit.WithBackend(parseBackend(cfg.backend)),
		zipkit.WithCompressionLevel(cfg.level),
		zipkit.WithSkipCompression(zipkit.DefaultSkipCompression(512)),
		zipkit.WithTempDir(tempDir),
		zipkit.WithRemoveDelay(0),
	}
	if cfg.verbose {
		opts = append(opts, zipkit.WithWriterLogger(newLogger()))
	}
	return opts
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func readerOptions(cfg config) []zipkit.ReaderOption {
	opts := []zipkit.ReaderOption{zipkit.WithStrategy(parseStrategy(cfg.strategy))}
	if cfg.zstd {
		opts = append(opts, zipkit.WithZstd(0))
	}
	if cfg.verbose {
		opts = append(opts, zipkit.WithLogger(newLogger()))
	}
	return opts
}

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func buildArchive(cfg config, srcDir, dest string) (zipkit.Summary, error) {
	w, err := zipkit.Create(dest, writerOptions(cfg, filepath.Dir(dest))...)
	if err != nil {
		return zipkit.Summary{}, err
	}
	if err := w.AddDirectory(srcDir, ".", true); err != nil {
		w.Abort()
		return zipkit.Summary{}, err
	}
	if err := w.Close(); err != nil {
		return zipkit.Summary{}, err
	}
	return w.Summary(), nil
}

// openSource opens the archive from disk, or through a local HTTP server
// serving it with range support, optionally behind a block cache.
//
//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func openSource(cfg config, path string) (zipkit.ByteSource, func(), error) {
	if !cfg.remote {
		f, err := os.Open(path)
		if err != nil {
			return nil, nil, err
		}
		src, err := zipkit.NewFileSource(f)
		if err != nil {
			_ = f.Close()
			return nil, nil, err
		}
		return src, func() { _ = f.Close() }, nil
	}

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, path)
	}))
	src, err := zhttp.NewSource(server.URL)
	if err != nil {
		server.Close()
		return nil, nil, err
	}
	if cfg.cacheDir == "" {
		return src, server.Close, nil
	}
	blocks, err := cache.New(cfg.cacheDir)
	if err != nil {
		server.Close()
		return nil, nil, err
	}
	cached, err := blocks.Wrap(src)
	if err != nil {
		server.Close()
		return nil, nil, err
	}
	return cached, server.Close, nil
}

func parseBackend(name string) zipkit.Backend {
	switch name {
	case "auto":
		return zipkit.BackendAuto
	case "compress":
		return zipkit.BackendCompress
	case "stdlib":
		return zipkit.BackendStdlib
	case "legacy":
		return zipkit.BackendLegacy
	default:
		log.Fatalf("unknown backend: %s", name)
		return zipkit.BackendAuto
	}
}

func parseStrategy(name string) zipkit.Strategy {
	switch name {
	case "auto":
		return zipkit.StrategyAuto
	case "central":
		return zipkit.StrategyCentralDirectory
	case "sequential":
		return zipkit.StrategySequential
	default:
		log.Fatalf("unknown strategy: %s", name)
		return zipkit.StrategyAuto
	}
}

func pickPath(paths []string, idx int, rng *rand.Rand, random bool) string {
	if random {
		return paths[rng.Intn(len(paths))]
	}
	return paths[idx%len(paths)]
}

//nolint:gocritic // hugeParam acceptable for config struct in CLI tool
func setupTempDir(cfg config) (string, func() error, error) {
	if cfg.tempDir != "" {
		return cfg.tempDir, nil, os.MkdirAll(cfg.tempDir, 0o755) //nolint:gosec // 0o755 is intentional for profiler temp dirs
	}
	dir, err := os.MkdirTemp("", "zipprofile-*")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() error {
		if cfg.keepTemp {
			return nil
		}
		return os.RemoveAll(dir)
	}
	return dir, cleanup, nil
}

func makeFiles(dir string, fileCount, fileSize, dirCount int, pattern string, seed int64) ([]string, error) {
	if fileCount <= 0 {
		return nil, errors.New("files must be positive")
	}
	if dirCount <= 0 {
		dirCount = 1
	}
	paths := make([]string, 0, fileCount)
	rng := rand.New(rand.NewSource(seed)) //nolint:gosec // intentional use for reproducible benchmarks
	for i := range fileCount {
		relPath := fmt.Sprintf("dir%02d/file%05d.dat", i%dirCount, i)
		fullPath := filepath.Join(dir, filepath.FromSlash(relPath))
		if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil { //nolint:gosec // 0o755 is intentional for profiler
			return nil, err
		}

		content := make([]byte, fileSize)
		switch pattern {
		case "random":
			if _, err := rng.Read(content); err != nil {
				return nil, err
			}
		default:
			fillByte := byte('a' + (i % 26))
			for j := range content {
				content[j] = fillByte
			}
			if len(content) > 0 {
				content[0] = byte(i)
			}
		}

		if err := os.WriteFile(fullPath, content, 0o644); err != nil { //nolint:gosec // 0o644 is intentional for profiler test files
			return nil, err
		}
		paths = append(paths, relPath)
	}
	return paths, nil
}
