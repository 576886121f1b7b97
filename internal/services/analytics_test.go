package services

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"dvf-dashboard/internal/dataset"
	"dvf-dashboard/internal/models"
)

func ptr[T any](v T) *T { return &v }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func tx(date string, ward string, price, surface float64) models.Transaction {
	d, err := time.Parse(time.DateOnly, date)
	if err != nil {
		panic(err)
	}
	period, _ := dataset.PeriodOf(d)
	t := models.Transaction{
		Date:         d,
		Year:         d.Year(),
		Quarter:      d.Format("2006") + "Q" + string(rune('1'+(int(d.Month())-1)/3)),
		Period:       period,
		PropertyType: "Appartement",
		Price:        price,
		SurfaceArea:  surface,
		Ward:         ward,
	}
	if surface > 0 {
		t.PricePerSqm = ptr(price / surface)
	}
	return t
}

func testRows() []models.Transaction {
	rows := []models.Transaction{
		tx("2020-02-01", "01", 100000, 10), // 10000
		tx("2021-05-01", "01", 120000, 10), // 12000
		tx("2022-03-01", "01", 130000, 10), // 13000
		tx("2023-07-01", "01", 150000, 10), // 15000
		tx("2020-06-01", "11", 90000, 10),  // 9000
		tx("2023-01-01", "11", 81000, 10),  // 8100
		tx("2024-11-30", "11", 50000, 0),   // no price per m²
		tx("2021-08-08", "05", 500000, 50), // 10000, P1 only
	}
	rows[1].PropertyType = "Maison"
	rows[0].Lat, rows[0].Lon = ptr(48.86), ptr(2.34)
	rows[4].Lat, rows[4].Lon = ptr(48.87), ptr(2.37)
	rows[5].Lat = ptr(48.87)
	policy := dataset.DefaultBandPolicy()
	for i := range rows {
		if v := rows[i].PricePerSqm; v != nil {
			switch {
			case *v < policy.Edges[0]:
				rows[i].PriceBand = policy.Labels[0]
			case *v < policy.Edges[1]:
				rows[i].PriceBand = policy.Labels[1]
			case *v < policy.Edges[2]:
				rows[i].PriceBand = policy.Labels[2]
			case *v < policy.Edges[3]:
				rows[i].PriceBand = policy.Labels[3]
			default:
				rows[i].PriceBand = policy.Labels[4]
			}
		}
	}
	return rows
}

func loadedAnalytics(t *testing.T) *Analytics {
	t.Helper()
	a := NewAnalytics(Options{Logger: quietLogger()})
	a.SetData(testRows())
	return a
}

func TestNewAnalytics(t *testing.T) {
	a := NewAnalytics(Options{})
	if a == nil {
		t.Fatal("NewAnalytics() returned nil")
	}
	if a.logger == nil {
		t.Error("logger should default to slog.Default")
	}
	if a.Ready() {
		t.Error("new analytics should not be ready")
	}
}

func TestAnalytics_NotLoaded(t *testing.T) {
	a := NewAnalytics(Options{Logger: quietLogger()})

	if _, err := a.Overview(Filter{}); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Overview() error = %v, want ErrNotLoaded", err)
	}
	if _, err := a.Stats(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Stats() error = %v, want ErrNotLoaded", err)
	}
	if _, err := a.FilterOptions(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("FilterOptions() error = %v, want ErrNotLoaded", err)
	}
}

func TestAnalytics_Overview(t *testing.T) {
	a := loadedAnalytics(t)

	ov, err := a.Overview(Filter{})
	if err != nil {
		t.Fatalf("Overview() error = %v", err)
	}
	if ov.Volume != 8 {
		t.Errorf("Volume = %d, want 8", ov.Volume)
	}
	p1, p2 := ov.Periods[0], ov.Periods[1]
	if p1.Period != models.PeriodP1 || p1.Volume != 4 || p1.PricedVolume != 4 {
		t.Errorf("P1 summary = %+v", p1)
	}
	if p2.Period != models.PeriodP2 || p2.Volume != 4 || p2.PricedVolume != 3 {
		t.Errorf("P2 summary = %+v", p2)
	}
	// P1 values 9000, 10000, 10000, 12000; P2 values 8100, 13000, 15000
	if p1.MedianPricePerSqm != 10000 {
		t.Errorf("P1 median = %v, want 10000", p1.MedianPricePerSqm)
	}
	if p2.MedianPricePerSqm != 13000 {
		t.Errorf("P2 median = %v, want 13000", p2.MedianPricePerSqm)
	}
	if p1.MeanPricePerSqm != 10250 {
		t.Errorf("P1 mean = %v, want 10250", p1.MeanPricePerSqm)
	}
	if ov.ChangePct == nil || *ov.ChangePct != 30 {
		t.Errorf("ChangePct = %v, want 30", ov.ChangePct)
	}
}

func TestAnalytics_Overview_NoP2(t *testing.T) {
	a := loadedAnalytics(t)

	ov, err := a.Overview(Filter{YearTo: 2021})
	if err != nil {
		t.Fatal(err)
	}
	if ov.ChangePct != nil {
		t.Errorf("ChangePct = %v, want nil without P2 data", *ov.ChangePct)
	}
	if ov.Periods[1].Volume != 0 {
		t.Errorf("P2 volume = %d, want 0", ov.Periods[1].Volume)
	}
}

func TestAnalytics_WardRanking(t *testing.T) {
	a := loadedAnalytics(t)

	ranks, err := a.WardRanking(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	got := make([]string, len(ranks))
	for i, r := range ranks {
		got[i] = r.Ward
	}
	// 01: 11000 -> 14000 (+27%), 11: 9000 -> 8100 (-10%), 05: P1 only
	if want := []string{"01", "11", "05"}; !slices.Equal(got, want) {
		t.Errorf("ward order = %v, want %v", got, want)
	}
	if ranks[1].VolumeP2 != 2 {
		t.Errorf("ward 11 P2 volume = %d, want 2 (unpriced rows count)", ranks[1].VolumeP2)
	}
	if ranks[1].Change == nil || *ranks[1].Change > -9.99 || *ranks[1].Change < -10.01 {
		t.Errorf("ward 11 change = %v, want -10", ranks[1].Change)
	}
	if ranks[2].Change != nil {
		t.Errorf("ward 05 change = %v, want nil", *ranks[2].Change)
	}
}

func TestAnalytics_Trajectory(t *testing.T) {
	a := loadedAnalytics(t)

	points, err := a.Trajectory(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	years := make([]int, len(points))
	for i, p := range points {
		years[i] = p.Year
	}
	if want := []int{2020, 2021, 2022, 2023, 2024}; !slices.Equal(years, want) {
		t.Fatalf("years = %v, want %v", years, want)
	}
	if points[0].Period != models.PeriodP1 || points[2].Period != models.PeriodP2 {
		t.Errorf("periods = %s, %s", points[0].Period, points[2].Period)
	}
	if points[4].Volume != 1 || points[4].MedianPricePerSqm != 0 {
		t.Errorf("2024 point = %+v", points[4])
	}
}

func TestAnalytics_BandDistribution(t *testing.T) {
	a := loadedAnalytics(t)

	bands, err := a.BandDistribution(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(bands) != 5 {
		t.Fatalf("got %d bands, want 5", len(bands))
	}
	total := 0
	for _, b := range bands {
		total += b.Total
		if b.P1+b.P2 != b.Total {
			t.Errorf("band %s: %d + %d != %d", b.Band, b.P1, b.P2, b.Total)
		}
	}
	if total != 7 {
		t.Errorf("banded rows = %d, want 7", total)
	}
	if bands[0].Band != "<8k" || bands[1].P2 != 1 {
		t.Errorf("first bands = %+v", bands[:2])
	}
}

func TestAnalytics_QuarterTrend(t *testing.T) {
	a := loadedAnalytics(t)

	points, err := a.QuarterTrend(Filter{Wards: []string{"05"}})
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 || points[0].Quarter != "2021Q3" {
		t.Fatalf("points = %+v", points)
	}
	if points[0].SmallShare != 0 {
		t.Errorf("small share = %v, want 0 for a 50 m² sale", points[0].SmallShare)
	}

	all, err := a.QuarterTrend(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.IsSortedFunc(all, func(x, y models.QuarterPoint) int {
		if x.Quarter < y.Quarter {
			return -1
		}
		return 1
	}) {
		t.Error("quarters are not sorted")
	}
}

func TestAnalytics_MapPoints(t *testing.T) {
	a := loadedAnalytics(t)

	points, err := a.MapPoints(Filter{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 2 {
		t.Fatalf("got %d points, want 2 (rows with both coordinates)", len(points))
	}

	limited, err := a.MapPoints(Filter{}, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 1 || limited[0].Ward != "01" {
		t.Errorf("limited = %+v", limited)
	}
}

func TestAnalytics_FilterOptions(t *testing.T) {
	a := loadedAnalytics(t)

	opts, err := a.FilterOptions()
	if err != nil {
		t.Fatal(err)
	}
	if opts.YearMin != 2020 || opts.YearMax != 2024 {
		t.Errorf("years = %d..%d", opts.YearMin, opts.YearMax)
	}
	if want := []string{"01", "05", "11"}; !slices.Equal(opts.Wards, want) {
		t.Errorf("wards = %v", opts.Wards)
	}
	if want := []string{"Appartement", "Maison"}; !slices.Equal(opts.PropertyTypes, want) {
		t.Errorf("types = %v", opts.PropertyTypes)
	}
	if opts.SurfaceMin != 10 {
		t.Errorf("surface min = %v, want 10", opts.SurfaceMin)
	}

	def, err := a.DefaultFilter()
	if err != nil {
		t.Fatal(err)
	}
	if err := def.Validate(); err != nil {
		t.Errorf("default filter invalid: %v", err)
	}
}

func TestAnalytics_Mix(t *testing.T) {
	rows := testRows()
	for i := range rows {
		rows[i].SurfaceClass = "<25"
		rows[i].RoomClass = "T1"
	}
	rows[7].SurfaceClass = "40–60"
	rows[7].RoomClass = "T3"
	rows[6].SurfaceClass = ""
	a := NewAnalytics(Options{Logger: quietLogger()})
	a.SetData(rows)

	mix, err := a.Mix(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(mix.Surface) != len(dataset.SurfaceClasses) || len(mix.Rooms) != len(dataset.RoomClasses) {
		t.Fatalf("classes = %d surface, %d rooms", len(mix.Surface), len(mix.Rooms))
	}

	small := mix.Surface[0]
	// P1 holds 4 rows, one of them 40–60; P2 has 3 classed rows out of 4.
	if small.Class != "<25" || small.P1 != 3 || small.P2 != 3 {
		t.Errorf("<25 = %+v", small)
	}
	if small.P1Share != 0.75 || small.P2Share != 1 {
		t.Errorf("<25 shares = %v, %v", small.P1Share, small.P2Share)
	}
	if mid := mix.Surface[2]; mid.Class != "40–60" || mid.P1 != 1 || mid.P2 != 0 {
		t.Errorf("40–60 = %+v", mid)
	}
	if t3 := mix.Rooms[2]; t3.Class != "T3" || t3.P1 != 1 {
		t.Errorf("T3 = %+v", t3)
	}

	if _, err := NewAnalytics(Options{Logger: quietLogger()}).Mix(Filter{}); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Mix() on empty analytics error = %v", err)
	}
}

func TestAnalytics_DefaultFilter(t *testing.T) {
	a := loadedAnalytics(t)

	f, err := a.DefaultFilter()
	if err != nil {
		t.Fatal(err)
	}
	if f.YearFrom != 2020 || f.YearTo != 2024 {
		t.Errorf("years = %d..%d", f.YearFrom, f.YearTo)
	}
	if f.SurfaceMin != 10 {
		t.Errorf("surface min = %v, want 10", f.SurfaceMin)
	}
	if f.SurfaceMax < 10 || f.SurfaceMax > 50 {
		t.Errorf("surface max = %v, want within [10, 50]", f.SurfaceMax)
	}
	if len(f.Wards) != 0 || len(f.PropertyTypes) != 0 {
		t.Errorf("reset filter should select every ward and type: %+v", f)
	}
	if err := f.Validate(); err != nil {
		t.Errorf("default filter does not validate: %v", err)
	}
}

func TestAnalytics_DefaultFilter_NarrowSurfaces(t *testing.T) {
	tests := []struct {
		name    string
		surface float64
	}{
		{"rounds below the floor", 9.4},
		{"below the floor", 5},
		{"rounds down", 30.4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rows := testRows()
			for i := range rows {
				rows[i].SurfaceArea = tt.surface
			}
			a := NewAnalytics(Options{Logger: quietLogger()})
			a.SetData(rows)

			f, err := a.DefaultFilter()
			if err != nil {
				t.Fatal(err)
			}
			if f.SurfaceMax < f.SurfaceMin {
				t.Errorf("surface bounds inverted: %v..%v", f.SurfaceMin, f.SurfaceMax)
			}
			if err := f.Validate(); err != nil {
				t.Errorf("default filter does not validate: %v", err)
			}
			if _, err := a.Overview(f); err != nil {
				t.Errorf("Overview(default filter) error = %v", err)
			}
		})
	}
}

func TestFilter_Validate(t *testing.T) {
	tests := []struct {
		name    string
		filter  Filter
		wantErr bool
	}{
		{"zero", Filter{}, false},
		{"full", Filter{YearFrom: 2020, YearTo: 2024, Wards: []string{"01", "20"}, PropertyTypes: []string{"Maison"}, SurfaceMin: 9, SurfaceMax: 200}, false},
		{"year before window", Filter{YearFrom: 2019}, true},
		{"reversed years", Filter{YearFrom: 2023, YearTo: 2021}, true},
		{"bad ward", Filter{Wards: []string{"1"}}, true},
		{"bad type", Filter{PropertyTypes: []string{"Dépendance"}}, true},
		{"negative surface", Filter{SurfaceMin: -1}, true},
		{"reversed surface", Filter{SurfaceMin: 50, SurfaceMax: 20}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.filter.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidFilter) {
				t.Errorf("error %v does not wrap ErrInvalidFilter", err)
			}
		})
	}
}

func TestFilter_Apply(t *testing.T) {
	rows := testRows()

	tests := []struct {
		name   string
		filter Filter
		want   int
	}{
		{"zero keeps all", Filter{}, 8},
		{"years", Filter{YearFrom: 2022, YearTo: 2023}, 3},
		{"ward", Filter{Wards: []string{"11"}}, 3},
		{"type", Filter{PropertyTypes: []string{"Maison"}}, 1},
		{"surface", Filter{SurfaceMin: 20}, 1},
		{"surface max keeps unknown surface", Filter{Wards: []string{"11"}, SurfaceMax: 5}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := len(tt.filter.apply(rows)); got != tt.want {
				t.Errorf("apply() kept %d rows, want %d", got, tt.want)
			}
		})
	}
}

func TestAnalytics_QueryRejectsInvalidFilter(t *testing.T) {
	a := loadedAnalytics(t)
	if _, err := a.WardRanking(Filter{Wards: []string{"xx"}}); !errors.Is(err, ErrInvalidFilter) {
		t.Errorf("error = %v, want ErrInvalidFilter", err)
	}
}

const sampleCSV = `id_mutation,date_mutation,nature_mutation,valeur_fonciere,code_postal,type_local,surface_reelle_bati,longitude,latitude
a,2020-03-01,Vente,300000,75011,Appartement,30,2.37,48.86
b,2021-07-14,Vente,480000,75004,Appartement,40,2.35,48.85
c,2022-02-01,Vente,900000,75016,Maison,90,,
d,2023-09-09,Vente,abc,75012,Appartement,50,,
`

func newReloadable(t *testing.T, dir string) *Analytics {
	t.Helper()
	preparer, err := dataset.NewPreparer(dataset.PrepareOptions{}, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	return NewAnalytics(Options{
		DataDir:  dir,
		Loader:   dataset.NewLoader(dataset.LoaderOptions{Logger: quietLogger()}),
		Preparer: preparer,
		Logger:   quietLogger(),
	})
}

func TestAnalytics_Reload(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "75_2020.csv"), []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	a := newReloadable(t, dir)

	if err := a.Reload(context.Background(), false); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}

	stats, err := a.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.RawRows != 3 || stats.CleanRows != 3 || stats.SkippedRows != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.CacheHit {
		t.Error("first load should not hit the cache")
	}
	if stats.DateMin != "2020-03-01" || stats.DateMax != "2022-02-01" {
		t.Errorf("date range = %s..%s", stats.DateMin, stats.DateMax)
	}
	if !slices.Equal(stats.Files, []string{"75_2020.csv"}) {
		t.Errorf("files = %v", stats.Files)
	}

	if err := a.Reload(context.Background(), false); err != nil {
		t.Fatal(err)
	}
	stats, _ = a.Stats()
	if !stats.CacheHit {
		t.Error("second load should hit the cache")
	}

	ov, err := a.Overview(Filter{})
	if err != nil {
		t.Fatal(err)
	}
	if ov.Periods[0].Volume != 2 || ov.Periods[1].Volume != 1 {
		t.Errorf("period volumes = %d, %d", ov.Periods[0].Volume, ov.Periods[1].Volume)
	}
}

func TestAnalytics_Coverage(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "75_2020.csv"), []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	a := newReloadable(t, dir)
	if _, err := a.Coverage(); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("Coverage() before load error = %v", err)
	}
	if err := a.Reload(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	cov, err := a.Coverage()
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(cov.Found, []int{2020}) {
		t.Errorf("found = %v", cov.Found)
	}
	if !slices.Equal(cov.Missing, []int{2021, 2022, 2023, 2024}) {
		t.Errorf("missing = %v", cov.Missing)
	}
	if cov.Complete() {
		t.Error("coverage with missing years reported complete")
	}
}

func TestAnalytics_ReloadKeepsPreviousOnError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "75_2020.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	a := newReloadable(t, dir)
	if err := a.Reload(context.Background(), false); err != nil {
		t.Fatal(err)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	err := a.Reload(context.Background(), true)
	if !errors.Is(err, dataset.ErrDataSourceMissing) {
		t.Fatalf("Reload() error = %v, want ErrDataSourceMissing", err)
	}

	stats, err := a.Stats()
	if err != nil {
		t.Fatal(err)
	}
	if stats.CleanRows != 3 {
		t.Errorf("clean rows after failed reload = %d, want 3", stats.CleanRows)
	}
}

func TestAnalytics_ReloadSchemaMismatch(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "75_2020.csv"), []byte("nom_commune,date_mutation\nParis,2020-01-01\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	a := newReloadable(t, dir)

	err := a.Reload(context.Background(), false)
	var mismatch *dataset.SchemaMismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("Reload() error = %v, want SchemaMismatchError", err)
	}
	if mismatch.Source != dir {
		t.Errorf("source = %q, want %q", mismatch.Source, dir)
	}
	if a.Ready() {
		t.Error("analytics should not be ready after a failed first load")
	}
}

func TestAnalytics_FailedFirstLoadSurfacesCause(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "missing")
	a := newReloadable(t, dir)

	if err := a.Reload(context.Background(), false); err == nil {
		t.Fatal("Reload() should fail on a missing directory")
	}
	if a.LastError() == nil {
		t.Fatal("LastError() should keep the reload failure")
	}

	_, err := a.Overview(Filter{})
	if !errors.Is(err, ErrNotLoaded) || !errors.Is(err, dataset.ErrDataSourceMissing) {
		t.Errorf("Overview() error = %v, want ErrNotLoaded wrapping ErrDataSourceMissing", err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "75_2020.csv"), []byte(sampleCSV), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := a.Reload(context.Background(), false); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if a.LastError() != nil {
		t.Errorf("LastError() = %v after a successful reload", a.LastError())
	}
}

type blockingLoader struct {
	started chan struct{}
	release chan struct{}
}

func (l *blockingLoader) Load(ctx context.Context, dir string, force bool) (*dataset.LoadResult, error) {
	close(l.started)
	<-l.release
	return nil, errors.New("released")
}

type recorder struct {
	mu  sync.Mutex
	oks []bool
}

func (r *recorder) Reload(ok bool, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.oks = append(r.oks, ok)
}

func TestAnalytics_ReloadInProgress(t *testing.T) {
	loader := &blockingLoader{started: make(chan struct{}), release: make(chan struct{})}
	preparer, _ := dataset.NewPreparer(dataset.PrepareOptions{}, nil)
	rec := &recorder{}
	a := NewAnalytics(Options{Loader: loader, Preparer: preparer, Logger: quietLogger(), Recorder: rec})

	done := make(chan error, 1)
	go func() { done <- a.Reload(context.Background(), false) }()
	<-loader.started

	if err := a.Reload(context.Background(), false); !errors.Is(err, ErrReloadInProgress) {
		t.Errorf("concurrent Reload() error = %v, want ErrReloadInProgress", err)
	}

	close(loader.release)
	if err := <-done; err == nil {
		t.Error("first Reload() should return the loader error")
	}
	if !slices.Equal(rec.oks, []bool{false}) {
		t.Errorf("recorded reloads = %v", rec.oks)
	}
}

func BenchmarkAnalytics_WardRanking(b *testing.B) {
	base := testRows()
	rows := make([]models.Transaction, 0, len(base)*5000)
	for range 5000 {
		rows = append(rows, base...)
	}
	a := NewAnalytics(Options{Logger: quietLogger()})
	a.SetData(rows)

	for b.Loop() {
		if _, err := a.WardRanking(Filter{}); err != nil {
			b.Fatal(err)
		}
	}
}
