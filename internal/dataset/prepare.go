package dataset

import (
	"fmt"
	"log/slog"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"dvf-dashboard/internal/models"
)

// Reasons a raw row is left out of the cleaned table.
const (
	DropMissingField     = "missing_field"
	DropNonPositivePrice = "non_positive_price"
	DropOutOfWindow      = "out_of_window"
	DropNotSale          = "not_sale"
	DropPropertyType     = "property_type"
	DropDuplicate        = "duplicate"
	DropInvalidWard      = "invalid_ward"
	DropImplausiblePrice = "implausible_price"
)

var (
	p1Start   = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	p2Start   = time.Date(2022, 1, 1, 0, 0, 0, 0, time.UTC)
	windowEnd = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	postalCodePattern = regexp.MustCompile(`\d{5}`)

	keptPropertyTypes = map[string]struct{}{"Appartement": {}, "Maison": {}}
)

// PeriodOf maps a date to P1 (2020–2021) or P2 (2022–2024).
func PeriodOf(d time.Time) (models.Period, bool) {
	switch {
	case d.Before(p1Start), !d.Before(windowEnd):
		return "", false
	case d.Before(p2Start):
		return models.PeriodP1, true
	default:
		return models.PeriodP2, true
	}
}

// NormalizeWard turns an arrondissement number, a Paris postal code (750xx)
// or an INSEE commune code (751xx) into a two-digit ward "01".."20".
func NormalizeWard(v string) (string, bool) {
	n, ok := ParseNumber(strings.TrimSpace(v))
	if !ok || n != math.Trunc(n) {
		return "", false
	}
	w := int(n)
	switch {
	case w >= 75001 && w <= 75020:
		w -= 75000
	case w >= 75101 && w <= 75120:
		w -= 75100
	}
	if w < 1 || w > 20 {
		return "", false
	}
	return fmt.Sprintf("%02d", w), true
}

type PrepareOptions struct {
	Bands BandPolicy
	// MinPricePerSqm and MaxPricePerSqm bound plausible prices; zero disables a bound.
	MinPricePerSqm float64
	MaxPricePerSqm float64
}

// PrepareReport counts what the preparer kept and why it dropped the rest.
type PrepareReport struct {
	InputRows  int            `json:"input_rows"`
	OutputRows int            `json:"output_rows"`
	Dropped    map[string]int `json:"dropped"`
}

// CleanTable is the analysis-ready table, in input order.
type CleanTable struct {
	Rows       []models.Transaction
	BandEdges  []float64
	BandLabels []string
}

func (t *CleanTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

type Preparer struct {
	opts   PrepareOptions
	logger *slog.Logger
}

func NewPreparer(opts PrepareOptions, logger *slog.Logger) (*Preparer, error) {
	if opts.Bands.Edges == nil && opts.Bands.Quantiles == 0 {
		opts.Bands = DefaultBandPolicy()
	}
	if err := opts.Bands.Validate(); err != nil {
		return nil, err
	}
	if opts.MaxPricePerSqm > 0 && opts.MinPricePerSqm > opts.MaxPricePerSqm {
		return nil, fmt.Errorf("plausible price range [%g, %g] is empty", opts.MinPricePerSqm, opts.MaxPricePerSqm)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Preparer{opts: opts, logger: logger}, nil
}

// Prepare cleans raw and derives the analytical fields. Invalid rows are dropped,
// never fatal; only a table that lacks a required field altogether is an error.
// Feeding the result back through Raw and Prepare yields the same table.
func (p *Preparer) Prepare(raw *RawTable) (*CleanTable, *PrepareReport, error) {
	if raw == nil {
		raw = NewRawTable()
	}
	var missing []string
	for _, f := range requiredFields {
		if !resolvable(raw, f) {
			missing = append(missing, f)
		}
	}
	if len(missing) > 0 {
		return nil, nil, &SchemaMismatchError{Missing: missing, Columns: raw.Columns}
	}

	report := &PrepareReport{InputRows: raw.Len(), Dropped: make(map[string]int)}
	rows := make([]models.Transaction, 0, raw.Len())
	// (mutation_id, disposition) -> index in rows
	seen := make(map[string]int)

	for _, rec := range raw.Rows {
		tx, reason := p.prepareRow(rec)
		if reason == "" && tx.MutationID != "" {
			key := tx.MutationID + "\x00" + tx.Disposition
			if i, dup := seen[key]; dup {
				// The earliest sale wins; equal dates keep the first in input order.
				if tx.Date.Before(rows[i].Date) {
					rows[i] = tx
				}
				reason = DropDuplicate
			} else {
				seen[key] = len(rows)
			}
		}
		if reason != "" {
			report.Dropped[reason]++
			continue
		}
		rows = append(rows, tx)
	}

	priced := make([]float64, 0, len(rows))
	for _, tx := range rows {
		if tx.PricePerSqm != nil {
			priced = append(priced, *tx.PricePerSqm)
		}
	}
	edges, labels := p.opts.Bands.resolve(priced)
	for i := range rows {
		if v := rows[i].PricePerSqm; v != nil {
			rows[i].PriceBand = bandOf(*v, edges, labels)
		}
	}

	report.OutputRows = len(rows)
	p.logger.Debug("prepared dataset",
		"input_rows", report.InputRows,
		"output_rows", report.OutputRows,
		"dropped", report.Dropped,
	)
	return &CleanTable{Rows: rows, BandEdges: edges, BandLabels: labels}, report, nil
}

func (p *Preparer) prepareRow(rec RawRecord) (models.Transaction, string) {
	var tx models.Transaction

	v, ok := lookup(rec, FieldDate)
	if !ok {
		return tx, DropMissingField
	}
	date, ok := ParseDate(v)
	if !ok {
		return tx, DropMissingField
	}

	v, ok = lookup(rec, FieldPrice)
	if !ok {
		return tx, DropMissingField
	}
	price, ok := ParseNumber(v)
	if !ok {
		return tx, DropMissingField
	}
	if price <= 0 {
		return tx, DropNonPositivePrice
	}

	v, ok = lookup(rec, FieldSurfaceArea)
	if !ok {
		return tx, DropMissingField
	}
	surface, ok := ParseNumber(v)
	if !ok {
		return tx, DropMissingField
	}

	v, ok = lookup(rec, FieldWard)
	if !ok {
		return tx, DropMissingField
	}
	ward, ok := NormalizeWard(v)
	if !ok {
		return tx, DropInvalidWard
	}

	period, ok := PeriodOf(date)
	if !ok {
		return tx, DropOutOfWindow
	}

	if v, ok := lookup(rec, FieldNature); ok && !strings.EqualFold(strings.TrimSpace(v), "vente") {
		return tx, DropNotSale
	}
	if v, ok := lookup(rec, FieldPropertyType); ok {
		if _, keep := keptPropertyTypes[v]; !keep {
			return tx, DropPropertyType
		}
		tx.PropertyType = v
	}

	if surface > 0 {
		ppsqm := price / surface
		if (p.opts.MinPricePerSqm > 0 && ppsqm < p.opts.MinPricePerSqm) ||
			(p.opts.MaxPricePerSqm > 0 && ppsqm > p.opts.MaxPricePerSqm) {
			return tx, DropImplausiblePrice
		}
		tx.PricePerSqm = &ppsqm
	}

	tx.Date = date
	tx.Year = date.Year()
	tx.Quarter = fmt.Sprintf("%dQ%d", date.Year(), (int(date.Month())-1)/3+1)
	tx.Period = period
	tx.Price = price
	tx.SurfaceArea = surface
	tx.SurfaceClass = surfaceClass(surface)
	tx.Ward = ward

	if v, ok := lookup(rec, FieldRooms); ok {
		if n, ok := ParseNumber(v); ok {
			rooms := int(math.Round(n))
			tx.Rooms = &rooms
			tx.RoomClass = roomClass(rooms)
		}
	}
	if v, ok := lookup(rec, FieldLat); ok {
		if n, ok := ParseNumber(v); ok {
			tx.Lat = &n
		}
	}
	if v, ok := lookup(rec, FieldLon); ok {
		if n, ok := ParseNumber(v); ok {
			tx.Lon = &n
		}
	}
	if v, ok := lookup(rec, FieldPostalCode); ok {
		tx.PostalCode = postalCodePattern.FindString(v)
	}
	tx.Street, _ = lookup(rec, FieldStreet)
	tx.MutationID, _ = lookup(rec, FieldMutationID)
	tx.Disposition, _ = lookup(rec, FieldDisposition)

	return tx, ""
}

// CleanColumns is the column order of CleanTable.Raw.
var CleanColumns = []string{
	FieldDate, FieldPrice, FieldSurfaceArea, FieldPricePerSqm, FieldWard,
	FieldPeriod, FieldPriceBand, FieldLat, FieldLon, FieldYear, FieldQuarter,
	FieldPropertyType, FieldRooms, FieldRoomClass, FieldSurfaceClass,
	FieldMutationID, FieldDisposition, FieldPostalCode, FieldStreet,
}

// Raw renders the cleaned table with its stable column names.
func (t *CleanTable) Raw() *RawTable {
	out := NewRawTable(CleanColumns...)
	out.Rows = make([]RawRecord, 0, t.Len())
	for _, tx := range t.Rows {
		rec := RawRecord{
			FieldDate:        tx.Date.Format(dateFormat),
			FieldPrice:       formatNumber(tx.Price),
			FieldSurfaceArea: formatNumber(tx.SurfaceArea),
			FieldWard:        tx.Ward,
			FieldPeriod:      string(tx.Period),
			FieldYear:        strconv.Itoa(tx.Year),
			FieldQuarter:     tx.Quarter,
		}
		setIf := func(k, v string) {
			if v != "" {
				rec[k] = v
			}
		}
		if tx.PricePerSqm != nil {
			rec[FieldPricePerSqm] = formatNumber(*tx.PricePerSqm)
		}
		if tx.Lat != nil {
			rec[FieldLat] = formatNumber(*tx.Lat)
		}
		if tx.Lon != nil {
			rec[FieldLon] = formatNumber(*tx.Lon)
		}
		if tx.Rooms != nil {
			rec[FieldRooms] = strconv.Itoa(*tx.Rooms)
		}
		setIf(FieldPriceBand, tx.PriceBand)
		setIf(FieldPropertyType, tx.PropertyType)
		setIf(FieldRoomClass, tx.RoomClass)
		setIf(FieldSurfaceClass, tx.SurfaceClass)
		setIf(FieldMutationID, tx.MutationID)
		setIf(FieldDisposition, tx.Disposition)
		setIf(FieldPostalCode, tx.PostalCode)
		setIf(FieldStreet, tx.Street)
		out.Rows = append(out.Rows, rec)
	}
	return out
}
