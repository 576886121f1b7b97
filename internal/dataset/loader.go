package dataset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPattern     = "75_*.csv"
	DefaultCacheSubdir = ".cache"
	defaultWorkers     = 4
)

var DefaultExpectedYears = []int{2020, 2021, 2022, 2023, 2024}

var tracer = otel.Tracer("dvf-dashboard/internal/dataset")

// Cache lookup outcomes reported to the Recorder.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupForced  = "forced"
	LookupCorrupt = "corrupt"
)

// Recorder receives loader measurements.
type Recorder interface {
	CacheLookup(result string)
	MalformedRows(n int)
	RowsLoaded(n int)
	LoadDuration(d time.Duration, cacheHit bool)
}

type nopRecorder struct{}

func (nopRecorder) CacheLookup(string) {}
func (nopRecorder) MalformedRows(int) {}
func (nopRecorder) RowsLoaded(int) {}
func (nopRecorder) LoadDuration(time.Duration, bool) {}

type LoaderOptions struct {
	// Pattern is the glob of the year files, "75_*.csv" when empty.
	Pattern string
	// CacheDir holds the cache entry; "<data dir>/.cache" when empty.
	CacheDir      string
	Workers       int
	ExpectedYears []int
	Logger        *slog.Logger
	Recorder      Recorder
}

// Loader reads the yearly DVF files of a directory into one raw table and
// keeps a signature-tagged columnar cache of the result.
type Loader struct {
	pattern  string
	cacheDir string
	workers  int
	expected []int
	logger   *slog.Logger
	recorder Recorder
}

func NewLoader(opts LoaderOptions) *Loader {
	l := &Loader{
		pattern:  opts.Pattern,
		cacheDir: opts.CacheDir,
		workers:  opts.Workers,
		expected: opts.ExpectedYears,
		logger:   opts.Logger,
		recorder: opts.Recorder,
	}
	if l.pattern == "" {
		l.pattern = DefaultPattern
	}
	if l.workers <= 0 {
		l.workers = defaultWorkers
	}
	if l.expected == nil {
		l.expected = DefaultExpectedYears
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.recorder == nil {
		l.recorder = nopRecorder{}
	}
	return l
}

// LoadResult is the unified raw table plus what was learned while producing it.
type LoadResult struct {
	Table        *RawTable
	Directory    string
	CacheDir     string
	Signature    string
	CacheHit     bool
	Files        []SourceFile
	Coverage     Coverage
	SkippedRows  int
	FilteredRows int
	Malformed    []*MalformedRecordError
	Duration     time.Duration
}

func (l *Loader) CacheDirFor(dir string) string {
	if l.cacheDir != "" {
		return l.cacheDir
	}
	return filepath.Join(dir, DefaultCacheSubdir)
}

// Load returns the raw table of dir. Unless force is set, a cache entry whose
// signature matches the directory is returned without reading any CSV.
func (l *Loader) Load(ctx context.Context, dir string, force bool) (*LoadResult, error) {
	ctx, span := tracer.Start(ctx, "dataset.Load", trace.WithAttributes(
		attribute.String("dvf.dir", dir),
		attribute.Bool("dvf.force_rebuild", force),
	))
	defer span.End()

	res, err := l.load(ctx, dir, force)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(
		attribute.Bool("dvf.cache_hit", res.CacheHit),
		attribute.Int("dvf.rows", res.Table.Len()),
		attribute.Int("dvf.skipped_rows", res.SkippedRows),
	)
	return res, nil
}

func (l *Loader) load(ctx context.Context, dir string, force bool) (*LoadResult, error) {
	start := time.Now()

	files, err := Discover(dir, l.pattern)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: no file matching %s in %s", ErrDataSourceMissing, l.pattern, dir)
	}

	res := &LoadResult{
		Directory: dir,
		CacheDir:  l.CacheDirFor(dir),
		Signature: Signature(l.pattern, files),
		Files:     files,
		Coverage:  coverageOf(files, l.expected),
	}
	cache := NewCache(res.CacheDir)

	if force {
		l.recorder.CacheLookup(LookupForced)
	} else {
		table, m, err := cache.Read(res.Signature)
		switch {
		case err == nil:
			l.recorder.CacheLookup(LookupHit)
			res.Table = table
			res.CacheHit = true
			res.SkippedRows = m.SkippedRows
			res.FilteredRows = m.FilteredRows
			res.Duration = time.Since(start)
			l.recorder.RowsLoaded(table.Len())
			l.recorder.LoadDuration(res.Duration, true)
			l.logger.Info("loaded from cache",
				"records", table.Len(),
				"cache_dir", res.CacheDir,
				"duration", res.Duration,
			)
			return res, nil
		case errors.Is(err, errCacheMiss):
			l.recorder.CacheLookup(LookupMiss)
			l.logger.Debug("cache miss", "cache_dir", res.CacheDir)
		default:
			l.recorder.CacheLookup(LookupCorrupt)
			l.logger.Debug("cache unreadable, rebuilding", "cache_dir", res.CacheDir, "error", err)
		}
	}

	l.logger.Info("processing CSV files", "dir", dir, "files", len(files))
	if err := l.readAll(ctx, res); err != nil {
		return nil, err
	}

	if err := cache.Write(res.Signature, res.Table, res.SkippedRows, res.FilteredRows); err != nil {
		l.logger.Warn("failed to save cache", "cache_dir", res.CacheDir, "error", err)
	}

	res.Duration = time.Since(start)
	count := res.Table.Len()
	l.recorder.RowsLoaded(count)
	l.recorder.LoadDuration(res.Duration, false)
	l.logger.Info("csv processing complete",
		"records", count,
		"skipped", res.SkippedRows,
		"filtered", res.FilteredRows,
		"duration", res.Duration,
		"rate", fmt.Sprintf("%.0f records/sec", float64(count)/res.Duration.Seconds()),
	)
	return res, nil
}

func (l *Loader) readAll(ctx context.Context, res *LoadResult) error {
	results := make([]*fileResult, len(res.Files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.workers)
	for i, f := range res.Files {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			fr, err := readSourceFile(f.Path)
			if err != nil {
				return err
			}
			results[i] = fr
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	tables := make([]*RawTable, len(results))
	for i, fr := range results {
		tables[i] = fr.table
		res.SkippedRows += fr.malformed
		res.FilteredRows += fr.filtered
		for _, s := range fr.samples {
			if len(res.Malformed) < maxMalformedSamples {
				res.Malformed = append(res.Malformed, s)
			}
		}
	}
	res.Table = Concat(tables...)
	res.Table.orderColumns()

	if res.SkippedRows > 0 {
		l.recorder.MalformedRows(res.SkippedRows)
		samples := make([]string, len(res.Malformed))
		for i, m := range res.Malformed {
			samples[i] = m.Error()
		}
		l.logger.Warn("skipped malformed rows", "count", res.SkippedRows, "samples", samples)
	}
	return nil
}
