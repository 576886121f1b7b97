package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"dvf-dashboard/internal/dataset"
	"dvf-dashboard/internal/models"
)

var (
	// ErrNotLoaded is returned by queries before the first successful reload.
	ErrNotLoaded = errors.New("dataset not loaded")
	// ErrReloadInProgress is returned when a reload is requested while one runs.
	ErrReloadInProgress = errors.New("reload already in progress")
)

type Loader interface {
	Load(ctx context.Context, dir string, force bool) (*dataset.LoadResult, error)
}

type Preparer interface {
	Prepare(raw *dataset.RawTable) (*dataset.CleanTable, *dataset.PrepareReport, error)
}

// ReloadRecorder is notified after every reload attempt.
type ReloadRecorder interface {
	Reload(ok bool, cleanRows int)
}

type Options struct {
	DataDir  string
	Loader   Loader
	Preparer Preparer
	Logger   *slog.Logger
	Recorder ReloadRecorder
}

type snapshot struct {
	clean    *dataset.CleanTable
	load     *dataset.LoadResult
	report   *dataset.PrepareReport
	loadedAt time.Time
	took     time.Duration
}

// Analytics holds the current cleaned dataset and answers the dashboard queries.
// Readers never block on a running reload; the new dataset is swapped in whole.
type Analytics struct {
	mu      sync.RWMutex
	snap    *snapshot
	lastErr error

	reloadMu sync.Mutex

	dataDir  string
	loader   Loader
	preparer Preparer
	recorder ReloadRecorder
	logger   *slog.Logger
}

func NewAnalytics(opts Options) *Analytics {
	a := &Analytics{
		dataDir:  opts.DataDir,
		loader:   opts.Loader,
		preparer: opts.Preparer,
		recorder: opts.Recorder,
		logger:   opts.Logger,
	}
	if a.logger == nil {
		a.logger = slog.Default()
	}
	return a
}

// SetData replaces the dataset with already cleaned rows, bypassing the loader.
func (a *Analytics) SetData(rows []models.Transaction) {
	policy := dataset.DefaultBandPolicy()
	clean := &dataset.CleanTable{Rows: rows, BandEdges: policy.Edges, BandLabels: policy.Labels}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.snap = &snapshot{
		clean:    clean,
		load:     &dataset.LoadResult{Table: clean.Raw()},
		report:   &dataset.PrepareReport{InputRows: len(rows), OutputRows: len(rows), Dropped: map[string]int{}},
		loadedAt: time.Now(),
	}
}

// Reload runs the loader and the preparer over the data directory. On any fatal
// error the current dataset stays in place and the error is returned.
func (a *Analytics) Reload(ctx context.Context, force bool) error {
	if a.loader == nil || a.preparer == nil {
		return errors.New("analytics has no loader configured")
	}
	if !a.reloadMu.TryLock() {
		return ErrReloadInProgress
	}
	defer a.reloadMu.Unlock()

	start := time.Now()
	snap, err := a.build(ctx, force)
	if err != nil {
		a.mu.Lock()
		a.lastErr = err
		a.mu.Unlock()
		a.recordReload(false, 0)
		a.logger.Error("dataset reload failed", "dir", a.dataDir, "force", force, "error", err)
		return err
	}
	snap.took = time.Since(start)

	a.mu.Lock()
	a.snap = snap
	a.lastErr = nil
	a.mu.Unlock()

	a.recordReload(true, snap.clean.Len())
	a.logger.Info("dataset ready",
		"raw_rows", snap.load.Table.Len(),
		"clean_rows", snap.clean.Len(),
		"cache_hit", snap.load.CacheHit,
		"missing_years", snap.load.Coverage.Missing,
		"duration", snap.took,
	)
	return nil
}

func (a *Analytics) build(ctx context.Context, force bool) (*snapshot, error) {
	res, err := a.loader.Load(ctx, a.dataDir, force)
	if err != nil {
		return nil, err
	}
	clean, report, err := a.preparer.Prepare(res.Table)
	if err != nil {
		var mismatch *dataset.SchemaMismatchError
		if errors.As(err, &mismatch) && mismatch.Source == "" {
			mismatch.Source = a.dataDir
		}
		return nil, fmt.Errorf("prepare %s: %w", a.dataDir, err)
	}
	return &snapshot{clean: clean, load: res, report: report, loadedAt: time.Now()}, nil
}

func (a *Analytics) recordReload(ok bool, rows int) {
	if a.recorder != nil {
		a.recorder.Reload(ok, rows)
	}
}

func (a *Analytics) Ready() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.snap != nil
}

// LastError is the error of the most recent failed reload, or nil once a
// reload succeeds.
func (a *Analytics) LastError() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.lastErr
}

// current returns the live snapshot. Before any successful load the error
// wraps ErrNotLoaded together with the failure that prevented it, if any.
func (a *Analytics) current() (*snapshot, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.snap == nil {
		if a.lastErr != nil {
			return nil, fmt.Errorf("%w: %w", ErrNotLoaded, a.lastErr)
		}
		return nil, ErrNotLoaded
	}
	return a.snap, nil
}

// view validates f and returns the current snapshot with the matching rows.
func (a *Analytics) view(f Filter) (*snapshot, []models.Transaction, error) {
	if err := f.Validate(); err != nil {
		return nil, nil, err
	}
	snap, err := a.current()
	if err != nil {
		return nil, nil, err
	}
	return snap, f.apply(snap.clean.Rows), nil
}
