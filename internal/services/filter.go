package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"dvf-dashboard/internal/models"
)

// ErrInvalidFilter wraps every filter validation failure.
var ErrInvalidFilter = errors.New("invalid filter")

var validate = validator.New(validator.WithRequiredStructEnabled())

// Filter narrows the cleaned table. The zero value selects every row.
type Filter struct {
	YearFrom      int      `json:"year_from" validate:"omitempty,gte=2020,lte=2024"`
	YearTo        int      `json:"year_to" validate:"omitempty,gte=2020,lte=2024,gtefield=YearFrom"`
	Wards         []string `json:"wards" validate:"dive,len=2,numeric"`
	PropertyTypes []string `json:"property_types" validate:"dive,oneof=Appartement Maison"`
	SurfaceMin    float64  `json:"surface_min" validate:"gte=0"`
	SurfaceMax    float64  `json:"surface_max" validate:"omitempty,gtefield=SurfaceMin"`
}

func (f Filter) IsZero() bool {
	return f.YearFrom == 0 && f.YearTo == 0 && len(f.Wards) == 0 &&
		len(f.PropertyTypes) == 0 && f.SurfaceMin == 0 && f.SurfaceMax == 0
}

func (f Filter) Validate() error {
	err := validate.Struct(f)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s fails %q (got %v)", fe.Field(), fe.ActualTag(), fe.Value()))
	}
	return fmt.Errorf("%w: %s", ErrInvalidFilter, strings.Join(msgs, "; "))
}

func (f Filter) apply(rows []models.Transaction) []models.Transaction {
	if f.IsZero() {
		return rows
	}
	wards := set(f.Wards)
	types := set(f.PropertyTypes)

	out := make([]models.Transaction, 0, len(rows))
	for _, tx := range rows {
		if f.YearFrom != 0 && tx.Year < f.YearFrom {
			continue
		}
		if f.YearTo != 0 && tx.Year > f.YearTo {
			continue
		}
		if wards != nil {
			if _, ok := wards[tx.Ward]; !ok {
				continue
			}
		}
		if types != nil {
			if _, ok := types[tx.PropertyType]; !ok {
				continue
			}
		}
		if f.SurfaceMin > 0 && tx.SurfaceArea < f.SurfaceMin {
			continue
		}
		if f.SurfaceMax != 0 && tx.SurfaceArea > f.SurfaceMax {
			continue
		}
		out = append(out, tx)
	}
	return out
}

func set(values []string) map[string]struct{} {
	if len(values) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(values))
	for _, v := range values {
		m[v] = struct{}{}
	}
	return m
}
