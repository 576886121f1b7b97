package dataset

// Canonical field names of the cleaned table.
const (
	FieldDate         = "date"
	FieldPrice        = "price"
	FieldSurfaceArea  = "surface_area"
	FieldPricePerSqm  = "price_per_sqm"
	FieldWard         = "ward"
	FieldPeriod       = "period"
	FieldPriceBand    = "price_band"
	FieldLat          = "lat"
	FieldLon          = "lon"
	FieldYear         = "year"
	FieldQuarter      = "quarter"
	FieldPropertyType = "property_type"
	FieldNature       = "nature"
	FieldRooms        = "rooms"
	FieldRoomClass    = "room_class"
	FieldSurfaceClass = "surface_class"
	FieldMutationID   = "mutation_id"
	FieldDisposition  = "disposition"
	FieldPostalCode   = "postal_code"
	FieldStreet       = "street"
)

// fieldAliases lists, per canonical field, the normalized raw columns that can
// provide it, in priority order. Canonical names alias themselves so a cleaned
// table reads back unchanged.
var fieldAliases = map[string][]string{
	FieldDate:         {FieldDate, "date_mutation"},
	FieldPrice:        {FieldPrice, "prix", "valeur_fonciere"},
	FieldSurfaceArea:  {FieldSurfaceArea, "surface", "surface_reelle_bati"},
	FieldWard:         {FieldWard, "arrondissement", "code_postal", "code_commune"},
	FieldLat:          {FieldLat, "latitude"},
	FieldLon:          {FieldLon, "longitude"},
	FieldPropertyType: {FieldPropertyType, "type_local"},
	FieldNature:       {FieldNature, "nature_mutation"},
	FieldRooms:        {FieldRooms, "nombre_pieces_principales"},
	FieldMutationID:   {FieldMutationID, "id_mutation"},
	FieldDisposition:  {FieldDisposition, "numero_disposition"},
	FieldPostalCode:   {FieldPostalCode, "code_postal"},
	FieldStreet:       {FieldStreet, "adresse_nom_voie"},
}

var requiredFields = []string{FieldDate, FieldPrice, FieldSurfaceArea, FieldWard}

// numericColumns are coerced by the loader; a non-numeric value makes the row malformed.
var numericColumns = map[string]struct{}{
	FieldPrice: {}, "prix": {}, "valeur_fonciere": {},
	FieldSurfaceArea: {}, "surface": {}, "surface_reelle_bati": {},
	FieldRooms: {}, "nombre_pieces_principales": {},
	"surface_terrain": {},
	FieldLat: {}, "latitude": {},
	FieldLon: {}, "longitude": {},
	FieldPricePerSqm: {},
}

var dateColumns = map[string]struct{}{
	FieldDate:       {},
	"date_mutation": {},
}

// lookup returns the first non-empty value among the aliases of field.
func lookup(rec RawRecord, field string) (string, bool) {
	for _, col := range fieldAliases[field] {
		if v, ok := rec[col]; ok && v != "" {
			return v, true
		}
	}
	return "", false
}

// resolvable reports whether any alias of field is a column of t.
func resolvable(t *RawTable, field string) bool {
	for _, col := range fieldAliases[field] {
		if t.HasColumn(col) {
			return true
		}
	}
	return false
}
