package services

import (
	"time"

	"dvf-dashboard/internal/dataset"
)

// QualityReport summarizes what loading and cleaning did to the source files.
type QualityReport struct {
	RawRows          int              `json:"raw_rows"`
	CleanRows        int              `json:"clean_rows"`
	ExclusionRatePct float64          `json:"exclusion_rate_pct"`
	DateMin          string           `json:"date_min,omitempty"`
	DateMax          string           `json:"date_max,omitempty"`
	SkippedRows      int              `json:"skipped_rows"`
	FilteredRows     int              `json:"filtered_rows"`
	Dropped          map[string]int   `json:"dropped"`
	CacheHit         bool             `json:"cache_hit"`
	Signature        string           `json:"signature,omitempty"`
	CacheDir         string           `json:"cache_dir,omitempty"`
	Files            []string         `json:"files"`
	Coverage         dataset.Coverage `json:"coverage"`
	BandLabels       []string         `json:"band_labels"`
	LoadedAt         time.Time        `json:"loaded_at"`
	LoadDuration     string           `json:"load_duration"`
}

func (a *Analytics) Stats() (*QualityReport, error) {
	snap, err := a.current()
	if err != nil {
		return nil, err
	}

	r := &QualityReport{
		RawRows:      snap.load.Table.Len(),
		CleanRows:    snap.clean.Len(),
		SkippedRows:  snap.load.SkippedRows,
		FilteredRows: snap.load.FilteredRows,
		Dropped:      snap.report.Dropped,
		CacheHit:     snap.load.CacheHit,
		Signature:    snap.load.Signature,
		CacheDir:     snap.load.CacheDir,
		Files:        make([]string, 0, len(snap.load.Files)),
		Coverage:     snap.load.Coverage,
		BandLabels:   snap.clean.BandLabels,
		LoadedAt:     snap.loadedAt,
		LoadDuration: snap.took.String(),
	}
	for _, f := range snap.load.Files {
		r.Files = append(r.Files, f.Name)
	}
	if r.RawRows > 0 {
		r.ExclusionRatePct = float64(r.RawRows-r.CleanRows) / float64(r.RawRows) * 100
	}

	var first, last time.Time
	for i, tx := range snap.clean.Rows {
		if i == 0 || tx.Date.Before(first) {
			first = tx.Date
		}
		if i == 0 || tx.Date.After(last) {
			last = tx.Date
		}
	}
	if snap.clean.Len() > 0 {
		r.DateMin = first.Format(time.DateOnly)
		r.DateMax = last.Format(time.DateOnly)
	}
	return r, nil
}
