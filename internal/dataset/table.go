package dataset

import "slices"

// RawRecord maps a normalized column name to its value. A missing key is a null cell.
type RawRecord map[string]string

func (r RawRecord) Get(column string) (string, bool) {
	v, ok := r[column]
	return v, ok
}

// RawTable is the schema union of every source file.
type RawTable struct {
	Columns []string
	Rows    []RawRecord
}

func NewRawTable(columns ...string) *RawTable {
	return &RawTable{Columns: slices.Clone(columns)}
}

func (t *RawTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Rows)
}

func (t *RawTable) HasColumn(name string) bool {
	return slices.Contains(t.Columns, name)
}

// Append adds a row and extends the column set with any unseen keys.
func (t *RawTable) Append(rec RawRecord) {
	for k := range rec {
		if !t.HasColumn(k) {
			t.Columns = append(t.Columns, k)
		}
	}
	t.Rows = append(t.Rows, rec)
}

// Concat merges tables in order; columns keep first-seen order.
func Concat(tables ...*RawTable) *RawTable {
	out := &RawTable{}
	seen := make(map[string]struct{})
	total := 0
	for _, t := range tables {
		if t == nil {
			continue
		}
		total += len(t.Rows)
		for _, c := range t.Columns {
			if _, ok := seen[c]; !ok {
				seen[c] = struct{}{}
				out.Columns = append(out.Columns, c)
			}
		}
	}
	out.Rows = make([]RawRecord, 0, total)
	for _, t := range tables {
		if t == nil {
			continue
		}
		out.Rows = append(out.Rows, t.Rows...)
	}
	return out
}

var preferredColumns = []string{
	"annee", "date_mutation", "nature_mutation", "valeur_fonciere",
	"type_local", "nombre_pieces_principales", "surface_reelle_bati",
	"adresse_nom_voie", "code_postal", "nom_commune", "longitude", "latitude",
}

// orderColumns puts the well-known DVF columns first, the rest in their current order.
func (t *RawTable) orderColumns() {
	ordered := make([]string, 0, len(t.Columns))
	for _, c := range preferredColumns {
		if t.HasColumn(c) {
			ordered = append(ordered, c)
		}
	}
	for _, c := range t.Columns {
		if !slices.Contains(preferredColumns, c) {
			ordered = append(ordered, c)
		}
	}
	t.Columns = ordered
}
