package dataset

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dvf-dashboard/internal/models"
)

func newTestPreparer(t *testing.T, opts PrepareOptions) *Preparer {
	t.Helper()
	p, err := NewPreparer(opts, nil)
	require.NoError(t, err)
	return p
}

func sampleRaw() *RawTable {
	t := NewRawTable("id_mutation", "numero_disposition", "date_mutation", "nature_mutation",
		"valeur_fonciere", "type_local", "nombre_pieces_principales", "surface_reelle_bati",
		"adresse_nom_voie", "code_postal", "longitude", "latitude")
	t.Rows = []RawRecord{
		{"id_mutation": "2020-1", "numero_disposition": "1", "date_mutation": "2020-03-15", "nature_mutation": "Vente",
			"valeur_fonciere": "300000", "type_local": "Appartement", "nombre_pieces_principales": "2",
			"surface_reelle_bati": "30", "adresse_nom_voie": "RUE OBERKAMPF", "code_postal": "75011",
			"longitude": "2.37", "latitude": "48.86"},
		{"id_mutation": "2020-1", "numero_disposition": "1", "date_mutation": "2020-03-15", "nature_mutation": "Vente",
			"valeur_fonciere": "300000", "type_local": "Appartement", "surface_reelle_bati": "30", "code_postal": "75011"},
		{"id_mutation": "2021-7", "numero_disposition": "1", "date_mutation": "2021-11-02", "nature_mutation": "Vente",
			"valeur_fonciere": "820000", "type_local": "Maison", "nombre_pieces_principales": "5.4",
			"surface_reelle_bati": "82", "code_postal": "75016"},
		{"id_mutation": "2022-3", "date_mutation": "2022-06-30", "nature_mutation": "Vente",
			"valeur_fonciere": "150000", "type_local": "Appartement", "surface_reelle_bati": "0", "code_postal": "75018"},
		{"id_mutation": "2023-9", "date_mutation": "2023-01-12", "nature_mutation": "Echange",
			"valeur_fonciere": "500000", "type_local": "Appartement", "surface_reelle_bati": "45", "code_postal": "75005"},
		{"id_mutation": "2023-10", "date_mutation": "2023-02-12", "nature_mutation": "Vente",
			"valeur_fonciere": "20000", "type_local": "Dépendance", "surface_reelle_bati": "10", "code_postal": "75005"},
		{"id_mutation": "2024-1", "date_mutation": "2024-12-31", "nature_mutation": "Vente",
			"valeur_fonciere": "1200000", "type_local": "Appartement", "surface_reelle_bati": "100", "code_postal": "75007",
			"latitude": "48.85"},
		{"id_mutation": "2019-1", "date_mutation": "2019-12-31", "valeur_fonciere": "400000",
			"surface_reelle_bati": "40", "code_postal": "75001"},
		{"id_mutation": "2021-8", "date_mutation": "2021-05-05", "valeur_fonciere": "400000",
			"surface_reelle_bati": "40"},
		{"id_mutation": "2021-9", "date_mutation": "2021-05-05", "valeur_fonciere": "400000",
			"surface_reelle_bati": "40", "code_postal": "92100"},
		{"id_mutation": "2021-10", "date_mutation": "2021-05-05", "valeur_fonciere": "0",
			"surface_reelle_bati": "40", "code_postal": "75002"},
	}
	return t
}

func TestPeriodOf_Boundaries(t *testing.T) {
	tests := []struct {
		date   string
		want   models.Period
		wantOK bool
	}{
		{"2019-12-31", "", false},
		{"2020-01-01", models.PeriodP1, true},
		{"2021-12-31", models.PeriodP1, true},
		{"2022-01-01", models.PeriodP2, true},
		{"2024-12-31", models.PeriodP2, true},
		{"2025-01-01", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.date, func(t *testing.T) {
			d, err := time.Parse(dateFormat, tt.date)
			require.NoError(t, err)
			got, ok := PeriodOf(d)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrepare_PeriodBoundariesDropOutsideWindow(t *testing.T) {
	raw := NewRawTable("date", "price", "surface_area", "ward")
	for _, d := range []string{"2019-12-31", "2020-01-01", "2021-12-31", "2022-01-01", "2024-12-31", "2025-01-01"} {
		raw.Rows = append(raw.Rows, RawRecord{"date": d, "price": "100000", "surface_area": "10", "ward": "3"})
	}

	clean, report, err := newTestPreparer(t, PrepareOptions{}).Prepare(raw)
	require.NoError(t, err)
	require.Len(t, clean.Rows, 4)
	assert.Equal(t, 2, report.Dropped[DropOutOfWindow])

	got := make([]models.Period, len(clean.Rows))
	for i, tx := range clean.Rows {
		got[i] = tx.Period
	}
	assert.Equal(t, []models.Period{models.PeriodP1, models.PeriodP1, models.PeriodP2, models.PeriodP2}, got)
}

func TestNormalizeWard(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"1", "01", true},
		{"07", "07", true},
		{"20", "20", true},
		{"75001", "01", true},
		{"75116", "16", true},
		{"75016", "16", true},
		{"75120", "20", true},
		{"75101", "01", true},
		{"7.0", "07", true},
		{"0", "", false},
		{"21", "", false},
		{"92100", "", false},
		{"75000", "", false},
		{"abc", "", false},
		{"3.5", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := NormalizeWard(tt.in)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPrepare_Sample(t *testing.T) {
	clean, report, err := newTestPreparer(t, PrepareOptions{}).Prepare(sampleRaw())
	require.NoError(t, err)

	require.Len(t, clean.Rows, 4)
	assert.Equal(t, 11, report.InputRows)
	assert.Equal(t, 4, report.OutputRows)
	assert.Equal(t, map[string]int{
		DropDuplicate:        1,
		DropNotSale:          1,
		DropPropertyType:     1,
		DropOutOfWindow:      1,
		DropMissingField:     1,
		DropInvalidWard:      1,
		DropNonPositivePrice: 1,
	}, report.Dropped)

	first := clean.Rows[0]
	assert.Equal(t, "11", first.Ward)
	assert.Equal(t, models.PeriodP1, first.Period)
	require.NotNil(t, first.PricePerSqm)
	assert.Equal(t, 10000.0, *first.PricePerSqm)
	assert.Equal(t, "10–12k", first.PriceBand)
	assert.Equal(t, 2020, first.Year)
	assert.Equal(t, "2020Q1", first.Quarter)
	assert.Equal(t, "T2", first.RoomClass)
	assert.Equal(t, "25–40", first.SurfaceClass)
	assert.Equal(t, "RUE OBERKAMPF", first.Street)
	assert.Equal(t, "75011", first.PostalCode)
	assert.True(t, first.HasCoordinates())

	house := clean.Rows[1]
	assert.Equal(t, "16", house.Ward)
	require.NotNil(t, house.Rooms)
	assert.Equal(t, 5, *house.Rooms)
	assert.Equal(t, "T5+", house.RoomClass)

	zeroSurface := clean.Rows[2]
	assert.Equal(t, "18", zeroSurface.Ward)
	assert.Nil(t, zeroSurface.PricePerSqm)
	assert.Empty(t, zeroSurface.PriceBand)
	assert.Equal(t, models.PeriodP2, zeroSurface.Period)

	last := clean.Rows[3]
	assert.Equal(t, "2024Q4", last.Quarter)
	assert.False(t, last.HasCoordinates(), "only latitude is present")
}

func TestPrepare_DuplicateKeepsEarliestSale(t *testing.T) {
	raw := NewRawTable("id_mutation", "numero_disposition", "date_mutation", "valeur_fonciere",
		"surface_reelle_bati", "code_postal")
	raw.Rows = []RawRecord{
		{"id_mutation": "m1", "numero_disposition": "1", "date_mutation": "2022-05-01",
			"valeur_fonciere": "500000", "surface_reelle_bati": "50", "code_postal": "75011"},
		{"id_mutation": "solo", "date_mutation": "2021-01-01",
			"valeur_fonciere": "300000", "surface_reelle_bati": "30", "code_postal": "75003"},
		{"id_mutation": "m1", "numero_disposition": "1", "date_mutation": "2021-02-01",
			"valeur_fonciere": "450000", "surface_reelle_bati": "50", "code_postal": "75011"},
		{"id_mutation": "m1", "numero_disposition": "1", "date_mutation": "2021-02-01",
			"valeur_fonciere": "1", "surface_reelle_bati": "50", "code_postal": "75011"},
		{"id_mutation": "m1", "numero_disposition": "2", "date_mutation": "2023-03-01",
			"valeur_fonciere": "600000", "surface_reelle_bati": "60", "code_postal": "75011"},
	}

	clean, report, err := newTestPreparer(t, PrepareOptions{}).Prepare(raw)
	require.NoError(t, err)
	require.Len(t, clean.Rows, 3)
	assert.Equal(t, 2, report.Dropped[DropDuplicate])

	kept := clean.Rows[0]
	assert.Equal(t, "2021-02-01", kept.Date.Format(time.DateOnly), "earliest sale wins")
	assert.Equal(t, 450000.0, kept.Price, "ties keep the first occurrence")
	assert.Equal(t, models.PeriodP1, kept.Period)
	assert.Equal(t, "solo", clean.Rows[1].MutationID, "input order is preserved")
	assert.Equal(t, "2", clean.Rows[2].Disposition)

	again, _, err := newTestPreparer(t, PrepareOptions{}).Prepare(clean.Raw())
	require.NoError(t, err)
	assert.Equal(t, clean.Rows, again.Rows)
}

func TestPrepare_PricePerSqm(t *testing.T) {
	raw := NewRawTable("date", "price", "surface_area", "ward")
	raw.Rows = []RawRecord{
		{"date": "2021-01-01", "price": "250000", "surface_area": "25", "ward": "1"},
		{"date": "2021-01-01", "price": "333333", "surface_area": "33.3", "ward": "1"},
		{"date": "2021-01-01", "price": "250000", "surface_area": "0", "ward": "1"},
		{"date": "2021-01-01", "price": "250000", "surface_area": "-4", "ward": "1"},
	}

	clean, _, err := newTestPreparer(t, PrepareOptions{}).Prepare(raw)
	require.NoError(t, err)
	require.Len(t, clean.Rows, 4, "rows with non-positive surface are retained")

	require.NotNil(t, clean.Rows[0].PricePerSqm)
	assert.Equal(t, 250000.0/25, *clean.Rows[0].PricePerSqm)
	require.NotNil(t, clean.Rows[1].PricePerSqm)
	assert.Equal(t, 333333.0/33.3, *clean.Rows[1].PricePerSqm)
	assert.Nil(t, clean.Rows[2].PricePerSqm)
	assert.Nil(t, clean.Rows[3].PricePerSqm)
}

func TestPrepare_PlausibleRangeKeepsUnpricedRows(t *testing.T) {
	raw := NewRawTable("date", "price", "surface_area", "ward")
	raw.Rows = []RawRecord{
		{"date": "2021-01-01", "price": "10000", "surface_area": "50", "ward": "1"},
		{"date": "2021-01-01", "price": "500000", "surface_area": "50", "ward": "1"},
		{"date": "2021-01-01", "price": "9000000", "surface_area": "50", "ward": "1"},
		{"date": "2021-01-01", "price": "500000", "surface_area": "0", "ward": "1"},
	}

	clean, report, err := newTestPreparer(t, PrepareOptions{MinPricePerSqm: 1000, MaxPricePerSqm: 50000}).Prepare(raw)
	require.NoError(t, err)
	assert.Len(t, clean.Rows, 2)
	assert.Equal(t, 2, report.Dropped[DropImplausiblePrice])
}

func TestPrepare_Idempotent(t *testing.T) {
	policies := map[string]PrepareOptions{
		"fixed bands":    {},
		"quantile bands": {Bands: BandPolicy{Quantiles: 4}},
		"with range":     {MinPricePerSqm: 1000, MaxPricePerSqm: 50000},
	}

	for name, opts := range policies {
		t.Run(name, func(t *testing.T) {
			p := newTestPreparer(t, opts)

			once, _, err := p.Prepare(sampleRaw())
			require.NoError(t, err)
			twice, report, err := p.Prepare(once.Raw())
			require.NoError(t, err)

			assert.Equal(t, once.Rows, twice.Rows)
			assert.Equal(t, once.BandEdges, twice.BandEdges)
			assert.Empty(t, report.Dropped)
		})
	}
}

func TestPrepare_SchemaMismatch(t *testing.T) {
	raw := NewRawTable("date_mutation", "valeur_fonciere", "nom_commune")
	raw.Rows = []RawRecord{{"date_mutation": "2021-01-01", "valeur_fonciere": "1"}}

	_, _, err := newTestPreparer(t, PrepareOptions{}).Prepare(raw)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSchemaMismatch)

	var mismatch *SchemaMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, []string{FieldSurfaceArea, FieldWard}, mismatch.Missing)
}

func TestPrepare_EmptyTableWithSchema(t *testing.T) {
	clean, report, err := newTestPreparer(t, PrepareOptions{}).Prepare(NewRawTable("date", "price", "surface_area", "ward"))
	require.NoError(t, err)
	assert.Equal(t, 0, clean.Len())
	assert.Equal(t, 0, report.OutputRows)
}

func TestPrepare_QuantileBandsDeterministic(t *testing.T) {
	raw := NewRawTable("date", "price", "surface_area", "ward")
	for i, price := range []string{"100000", "200000", "300000", "400000", "500000", "600000", "700000", "800000"} {
		raw.Rows = append(raw.Rows, RawRecord{"date": "2022-02-02", "price": price, "surface_area": "10", "ward": "4", "mutation_id": string(rune('a' + i))})
	}

	p := newTestPreparer(t, PrepareOptions{Bands: BandPolicy{Quantiles: 4}})
	a, _, err := p.Prepare(raw)
	require.NoError(t, err)
	b, _, err := p.Prepare(raw)
	require.NoError(t, err)
	assert.Equal(t, a.Rows, b.Rows)

	bands := make([]string, len(a.Rows))
	for i, tx := range a.Rows {
		bands[i] = tx.PriceBand
	}
	assert.Equal(t, []string{"Q1", "Q1", "Q2", "Q2", "Q3", "Q3", "Q4", "Q4"}, bands)
}

func TestBandPolicy_Validate(t *testing.T) {
	assert.NoError(t, DefaultBandPolicy().Validate())
	assert.NoError(t, BandPolicy{Quantiles: 5}.Validate())
	assert.Error(t, BandPolicy{Quantiles: 1}.Validate())
	assert.Error(t, BandPolicy{Quantiles: 3, Labels: []string{"a"}}.Validate())
	assert.Error(t, BandPolicy{Edges: []float64{2, 1}, Labels: []string{"a", "b", "c"}}.Validate())
	assert.Error(t, BandPolicy{Edges: []float64{1, 2}, Labels: []string{"a", "b"}}.Validate())

	_, err := NewPreparer(PrepareOptions{MinPricePerSqm: 10, MaxPricePerSqm: 5}, nil)
	assert.Error(t, err)
}

func TestBandOf_EdgesBelongToUpperBand(t *testing.T) {
	p := DefaultBandPolicy()
	assert.Equal(t, "<8k", bandOf(7999.99, p.Edges, p.Labels))
	assert.Equal(t, "8–10k", bandOf(8000, p.Edges, p.Labels))
	assert.Equal(t, "14k+", bandOf(14000, p.Edges, p.Labels))
	assert.Equal(t, "14k+", bandOf(90000, p.Edges, p.Labels))
}

func TestMedian(t *testing.T) {
	assert.Equal(t, 0.0, Median(nil))
	assert.Equal(t, 3.0, Median([]float64{5, 1, 3}))
	assert.Equal(t, 2.5, Median([]float64{4, 1, 2, 3}))
}
