package services

import (
	"cmp"
	"math"
	"slices"
	"time"

	"dvf-dashboard/internal/dataset"
	"dvf-dashboard/internal/models"
)

const (
	DefaultMapLimit  = 5000
	smallSurfaceMax  = 40.0
	surfaceFloor     = 9.0
	surfaceCeilQuant = 0.99
)

var periods = []models.Period{models.PeriodP1, models.PeriodP2}

// priced collects price per m² of rows that have one; rows without are
// counted in volumes only.
func priced(rows []models.Transaction) []float64 {
	out := make([]float64, 0, len(rows))
	for _, tx := range rows {
		if tx.PricePerSqm != nil {
			out = append(out, *tx.PricePerSqm)
		}
	}
	return out
}

func changePct(from, to float64, fromN, toN int) *float64 {
	if fromN == 0 || toN == 0 || from == 0 {
		return nil
	}
	v := (to - from) * 100 / from
	return &v
}

func (a *Analytics) Overview(f Filter) (*models.Overview, error) {
	_, rows, err := a.view(f)
	if err != nil {
		return nil, err
	}

	byPeriod := map[models.Period][]models.Transaction{}
	for _, tx := range rows {
		byPeriod[tx.Period] = append(byPeriod[tx.Period], tx)
	}

	all := priced(rows)
	ov := &models.Overview{
		Volume:            len(rows),
		MedianPricePerSqm: dataset.Median(all),
	}
	for _, p := range periods {
		values := priced(byPeriod[p])
		s := models.PeriodSummary{
			Period:       p,
			Volume:       len(byPeriod[p]),
			PricedVolume: len(values),
		}
		if len(values) > 0 {
			s.MeanPricePerSqm = mean(values)
			s.MedianPricePerSqm = dataset.Median(values)
		}
		ov.Periods = append(ov.Periods, s)
	}
	p1, p2 := ov.Periods[0], ov.Periods[1]
	ov.ChangePct = changePct(p1.MedianPricePerSqm, p2.MedianPricePerSqm, p1.PricedVolume, p2.PricedVolume)
	return ov, nil
}

// WardRanking compares P1 and P2 medians per ward, largest increase first.
// Wards without a computable change sort last.
func (a *Analytics) WardRanking(f Filter) ([]models.WardRank, error) {
	_, rows, err := a.view(f)
	if err != nil {
		return nil, err
	}

	type acc struct {
		volume [2]int
		values [2][]float64
	}
	groups := map[string]*acc{}
	for _, tx := range rows {
		g := groups[tx.Ward]
		if g == nil {
			g = &acc{}
			groups[tx.Ward] = g
		}
		i := 0
		if tx.Period == models.PeriodP2 {
			i = 1
		}
		g.volume[i]++
		if tx.PricePerSqm != nil {
			g.values[i] = append(g.values[i], *tx.PricePerSqm)
		}
	}

	out := make([]models.WardRank, 0, len(groups))
	for ward, g := range groups {
		r := models.WardRank{
			Ward:     ward,
			VolumeP1: g.volume[0],
			VolumeP2: g.volume[1],
			MedianP1: dataset.Median(g.values[0]),
			MedianP2: dataset.Median(g.values[1]),
		}
		r.Change = changePct(r.MedianP1, r.MedianP2, len(g.values[0]), len(g.values[1]))
		out = append(out, r)
	}

	slices.SortFunc(out, func(x, y models.WardRank) int {
		switch {
		case x.Change == nil && y.Change != nil:
			return 1
		case x.Change != nil && y.Change == nil:
			return -1
		case x.Change != nil && *x.Change != *y.Change:
			return cmp.Compare(*y.Change, *x.Change)
		}
		return cmp.Compare(x.Ward, y.Ward)
	})
	return out, nil
}

func (a *Analytics) Trajectory(f Filter) ([]models.YearPoint, error) {
	_, rows, err := a.view(f)
	if err != nil {
		return nil, err
	}

	volumes := map[int]int{}
	values := map[int][]float64{}
	for _, tx := range rows {
		volumes[tx.Year]++
		if tx.PricePerSqm != nil {
			values[tx.Year] = append(values[tx.Year], *tx.PricePerSqm)
		}
	}

	out := make([]models.YearPoint, 0, len(volumes))
	for year, n := range volumes {
		period, _ := dataset.PeriodOf(time.Date(year, 1, 1, 0, 0, 0, 0, time.UTC))
		out = append(out, models.YearPoint{
			Year:              year,
			Period:            period,
			Volume:            n,
			MedianPricePerSqm: dataset.Median(values[year]),
		})
	}
	slices.SortFunc(out, func(x, y models.YearPoint) int { return cmp.Compare(x.Year, y.Year) })
	return out, nil
}

// QuarterTrend is the quarterly median and liquidity series.
func (a *Analytics) QuarterTrend(f Filter) ([]models.QuarterPoint, error) {
	_, rows, err := a.view(f)
	if err != nil {
		return nil, err
	}

	type acc struct {
		volume, known, small int
		values               []float64
	}
	groups := map[string]*acc{}
	for _, tx := range rows {
		g := groups[tx.Quarter]
		if g == nil {
			g = &acc{}
			groups[tx.Quarter] = g
		}
		g.volume++
		if tx.SurfaceArea > 0 {
			g.known++
			if tx.SurfaceArea <= smallSurfaceMax {
				g.small++
			}
		}
		if tx.PricePerSqm != nil {
			g.values = append(g.values, *tx.PricePerSqm)
		}
	}

	out := make([]models.QuarterPoint, 0, len(groups))
	for q, g := range groups {
		p := models.QuarterPoint{Quarter: q, Volume: g.volume, MedianPricePerSqm: dataset.Median(g.values)}
		if g.known > 0 {
			p.SmallShare = float64(g.small) / float64(g.known)
		}
		out = append(out, p)
	}
	slices.SortFunc(out, func(x, y models.QuarterPoint) int { return cmp.Compare(x.Quarter, y.Quarter) })
	return out, nil
}

// BandDistribution counts rows per price band and period, in band order.
func (a *Analytics) BandDistribution(f Filter) ([]models.BandCount, error) {
	snap, rows, err := a.view(f)
	if err != nil {
		return nil, err
	}

	out := make([]models.BandCount, len(snap.clean.BandLabels))
	index := make(map[string]int, len(out))
	for i, label := range snap.clean.BandLabels {
		out[i].Band = label
		index[label] = i
	}
	for _, tx := range rows {
		i, ok := index[tx.PriceBand]
		if !ok {
			continue
		}
		if tx.Period == models.PeriodP1 {
			out[i].P1++
		} else {
			out[i].P2++
		}
		out[i].Total++
	}
	return out, nil
}

// Mix gives the surface and room class composition of each period.
func (a *Analytics) Mix(f Filter) (*models.Mix, error) {
	_, rows, err := a.view(f)
	if err != nil {
		return nil, err
	}
	return &models.Mix{
		Surface: classShares(rows, dataset.SurfaceClasses, func(tx models.Transaction) string { return tx.SurfaceClass }),
		Rooms:   classShares(rows, dataset.RoomClasses, func(tx models.Transaction) string { return tx.RoomClass }),
	}, nil
}

func classShares(rows []models.Transaction, classes []string, classOf func(models.Transaction) string) []models.ClassShare {
	out := make([]models.ClassShare, len(classes))
	index := make(map[string]int, len(classes))
	for i, c := range classes {
		out[i].Class = c
		index[c] = i
	}
	var totals [2]int
	for _, tx := range rows {
		i, ok := index[classOf(tx)]
		if !ok {
			continue
		}
		if tx.Period == models.PeriodP1 {
			out[i].P1++
			totals[0]++
		} else {
			out[i].P2++
			totals[1]++
		}
	}
	for i := range out {
		if totals[0] > 0 {
			out[i].P1Share = float64(out[i].P1) / float64(totals[0])
		}
		if totals[1] > 0 {
			out[i].P2Share = float64(out[i].P2) / float64(totals[1])
		}
	}
	return out
}

// MapPoints returns at most limit geolocated rows, evenly strided over the
// filtered table so the sample is deterministic.
func (a *Analytics) MapPoints(f Filter, limit int) ([]models.MapPoint, error) {
	_, rows, err := a.view(f)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultMapLimit
	}

	located := make([]models.Transaction, 0, len(rows))
	for _, tx := range rows {
		if tx.HasCoordinates() {
			located = append(located, tx)
		}
	}

	step := 1.0
	if len(located) > limit {
		step = float64(len(located)) / float64(limit)
	}
	out := make([]models.MapPoint, 0, min(limit, len(located)))
	for i := 0.0; int(i) < len(located) && len(out) < limit; i += step {
		tx := located[int(i)]
		out = append(out, models.MapPoint{
			Lat:         *tx.Lat,
			Lon:         *tx.Lon,
			Ward:        tx.Ward,
			Period:      tx.Period,
			PricePerSqm: tx.PricePerSqm,
		})
	}
	return out, nil
}

// FilterOptions describes the full dataset; its bounds are the reset defaults.
func (a *Analytics) FilterOptions() (*models.FilterOptions, error) {
	snap, err := a.current()
	if err != nil {
		return nil, err
	}

	opts := &models.FilterOptions{Wards: []string{}, PropertyTypes: []string{}}
	wards := map[string]struct{}{}
	types := map[string]struct{}{}
	surfaces := make([]float64, 0, snap.clean.Len())
	for i, tx := range snap.clean.Rows {
		if i == 0 || tx.Year < opts.YearMin {
			opts.YearMin = tx.Year
		}
		if tx.Year > opts.YearMax {
			opts.YearMax = tx.Year
		}
		wards[tx.Ward] = struct{}{}
		if tx.PropertyType != "" {
			types[tx.PropertyType] = struct{}{}
		}
		if tx.SurfaceArea > 0 {
			surfaces = append(surfaces, tx.SurfaceArea)
		}
	}
	for w := range wards {
		opts.Wards = append(opts.Wards, w)
	}
	for t := range types {
		opts.PropertyTypes = append(opts.PropertyTypes, t)
	}
	slices.Sort(opts.Wards)
	slices.Sort(opts.PropertyTypes)

	if len(surfaces) > 0 {
		slices.Sort(surfaces)
		opts.SurfaceMin = math.Max(surfaceFloor, surfaces[0])
		opts.SurfaceMax = math.Round(dataset.Quantile(surfaces, surfaceCeilQuant))
		if opts.SurfaceMin > opts.SurfaceMax {
			opts.SurfaceMin = surfaces[0]
		}
		opts.SurfaceMax = math.Max(opts.SurfaceMax, opts.SurfaceMin)
	}
	return opts, nil
}

// DefaultFilter is the "reset filters" selection: every year, ward and type,
// with the surface bounded to the typical range.
func (a *Analytics) DefaultFilter() (Filter, error) {
	opts, err := a.FilterOptions()
	if err != nil {
		return Filter{}, err
	}
	return Filter{
		YearFrom:   opts.YearMin,
		YearTo:     opts.YearMax,
		SurfaceMin: opts.SurfaceMin,
		SurfaceMax: opts.SurfaceMax,
	}, nil
}

func (a *Analytics) Coverage() (dataset.Coverage, error) {
	snap, err := a.current()
	if err != nil {
		return dataset.Coverage{}, err
	}
	return snap.load.Coverage, nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
